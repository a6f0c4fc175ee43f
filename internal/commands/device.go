package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/vitaminmoo/glowswitch/internal/api"
	"github.com/vitaminmoo/glowswitch/internal/config"
	"github.com/vitaminmoo/glowswitch/internal/protocol"
	"github.com/vitaminmoo/glowswitch/internal/util"

	"github.com/sirupsen/logrus"
)

// Power turns a configured device on or off.
func Power(ctx context.Context, a *App, ref string, on bool) error {
	dev, err := a.openRef(ref)
	if err != nil {
		return err
	}
	defer dev.Close()

	if on {
		err = dev.Light.TurnOn(ctx)
	} else {
		err = dev.Light.TurnOff(ctx)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "%s is %s\n", dev.Entry.Title, protocol.PowerString(dev.Light.IsOn()))
	return nil
}

// State prints the last successfully written state. The device is not
// contacted: the state is never read back.
func State(a *App, ref string) error {
	entry, err := a.resolve(ref)
	if err != nil {
		return err
	}
	st, err := a.Store()
	if err != nil {
		return err
	}
	rec, ok, err := st.LoadPower(entry.ID)
	if err != nil {
		return err
	}

	if !ok {
		fmt.Fprintf(a.Out, "%s: unknown\n", entry.Title)
		return nil
	}
	fmt.Fprintf(a.Out, "%s: %s (since %s)\n", entry.Title, powerLabel(rec, ok), rec.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	return nil
}

func (a *App) client(address string, log logrus.FieldLogger) *api.Client {
	return api.New(address, a.Dialer,
		api.WithLogger(log),
		api.WithConnectTimeout(a.Config.BLE.ConnectTimeout),
		api.WithServiceDiscoveryRetry(a.Config.BLE.DiscoveryRetries, a.Config.BLE.DiscoveryRetryDelay),
	)
}

// GattWrite writes a hex payload to any characteristic.
func GattWrite(ctx context.Context, a *App, address, uuid, payload string) error {
	uuid, err := protocol.NormalizeUUID(uuid)
	if err != nil {
		return err
	}
	data, err := protocol.ParseHexPayload(payload)
	if err != nil {
		return err
	}

	client := a.client(address, a.Log)
	defer client.Close()

	if err := client.WriteGATT(ctx, uuid, data); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Wrote %d byte(s) to %s\n", len(data), uuid)
	return nil
}

// GattRead reads any characteristic.
func GattRead(ctx context.Context, a *App, address, uuid string) error {
	uuid, err := protocol.NormalizeUUID(uuid)
	if err != nil {
		return err
	}

	client := a.client(address, a.Log)
	defer client.Close()

	data, err := client.ReadGATT(ctx, uuid)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Value: %s\n", util.FormatValue(data))
	if config.Verbose && len(data) > 0 {
		util.HexDump(a.Out, data)
	}
	return nil
}

// Explore lists all services and characteristics.
// This is safe and doesn't write anything.
func Explore(ctx context.Context, a *App, address string) error {
	adapter, err := a.Adapter()
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "Connecting to %s...\n", address)
	conn, err := adapter.Dial(ctx, address)
	if err != nil {
		return err
	}
	defer conn.Disconnect()

	fmt.Fprintln(a.Out, "Discovering services...")
	services, err := conn.Services()
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "\nFound %d services:\n\n", len(services))
	for i, svc := range services {
		fmt.Fprintf(a.Out, "Service #%d: %s\n", i+1, svc.UUID)

		for j, uuid := range svc.Characteristics {
			note := ""
			if strings.EqualFold(uuid, protocol.PowerCharacteristicUUID) {
				note = "  (power)"
			}
			fmt.Fprintf(a.Out, "  [%d] %s%s\n", j+1, uuid, note)

			// Try to read (safe operation)
			data, err := conn.Read(ctx, uuid)
			if err == nil && len(data) > 0 {
				fmt.Fprintf(a.Out, "      Value: %s\n", util.FormatValue(data))
			}
		}
		fmt.Fprintln(a.Out)
	}
	return nil
}
