package commands

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/vitaminmoo/glowswitch/internal/ble"
	"github.com/vitaminmoo/glowswitch/internal/discovery"
)

const withdrawTimeout = 15 * time.Second

// Scan lists advertising devices. Unnamed devices are skipped unless all is set.
func Scan(ctx context.Context, a *App, all bool) error {
	st, err := a.Store()
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "Scanning for %s...\n", a.Config.BLE.ScanTimeout)
	advs, err := a.Scanner.Discover(ctx, a.Config.BLE.ScanTimeout)
	if err != nil {
		return err
	}

	var shown []ble.Advertisement
	for _, adv := range advs {
		if adv.Name != "" || all {
			shown = append(shown, adv)
		}
	}
	sort.SliceStable(shown, func(i, j int) bool { return shown[i].RSSI > shown[j].RSSI })

	if len(shown) == 0 {
		fmt.Fprintln(a.Out, "No devices found.")
		return nil
	}

	fmt.Fprintf(a.Out, "\nFound %d device(s):\n\n", len(shown))
	for _, adv := range shown {
		configured, err := st.HasUniqueID(adv.Address)
		if err != nil {
			return err
		}
		mark := ""
		if configured {
			mark = "configured"
		}
		fmt.Fprintf(a.Out, "  %s  %4d dBm  %-20s  %-10s  %s\n",
			adv.Address, adv.RSSI, adv.Name, discovery.DeviceType(adv.Name), mark)
	}
	return nil
}

// Add configures a device. With an empty address the discovered devices are
// listed and the user picks one.
func Add(ctx context.Context, a *App, address string) error {
	st, err := a.Store()
	if err != nil {
		return err
	}
	flow := discovery.New(st, discovery.DialProber{Dialer: a.Dialer}, 0, a.Log)

	want := ""
	if address != "" {
		want = ble.NormalizeAddress(address)
		configured, err := st.HasUniqueID(want)
		if err != nil {
			return err
		}
		if configured {
			return fmt.Errorf("%s: %w", want, discovery.ErrAlreadyConfigured)
		}
	}

	fmt.Fprintf(a.Out, "Scanning for %s...\n", a.Config.BLE.ScanTimeout)
	scanCtx, cancel := context.WithTimeout(ctx, a.Config.BLE.ScanTimeout)
	err = a.Scanner.Scan(scanCtx, func(adv ble.Advertisement) {
		flow.Observe(adv)
		if want != "" && ble.NormalizeAddress(adv.Address) == want {
			cancel()
		}
	})
	cancel()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if want == "" {
		candidates, err := flow.Candidates()
		if err != nil {
			return err
		}
		fmt.Fprintln(a.Out)
		for i, c := range candidates {
			fmt.Fprintf(a.Out, "  [%d] %s\n", i+1, c.Label())
		}
		i, err := promptChoice(a.In, a.Out, len(candidates))
		if err != nil {
			return err
		}
		want = candidates[i].Address
	}

	fmt.Fprintf(a.Out, "Connecting to %s...\n", want)
	entry, err := flow.Confirm(ctx, want)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "Added %s as %s (id %s)\n",
		discovery.HumanReadableName(entry.Title, entry.Address), entry.DeviceType, entry.ID)
	return nil
}

// Remove deletes an entry and its saved state, then withdraws its entities
// from Home Assistant. A broker that cannot be reached only earns a warning.
func Remove(ctx context.Context, a *App, ref string) error {
	entry, err := a.resolve(ref)
	if err != nil {
		return err
	}
	st, err := a.Store()
	if err != nil {
		return err
	}
	if err := st.Remove(entry.ID); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Removed %s (%s)\n", entry.Title, entry.Address)

	if a.Withdraw == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, withdrawTimeout)
	defer cancel()
	if err := a.Withdraw(ctx, entry.Address); err != nil {
		a.Log.WithError(err).WithField("address", entry.Address).Warn("Failed to withdraw Home Assistant entities")
		fmt.Fprintf(a.Out, "Home Assistant entities not withdrawn: %v\n", err)
		return nil
	}
	fmt.Fprintln(a.Out, "Withdrew Home Assistant entities")
	return nil
}

// List prints configured entries with their last known state.
func List(a *App) error {
	st, err := a.Store()
	if err != nil {
		return err
	}
	entries, err := st.List()
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Fprintln(a.Out, "No devices configured.")
		fmt.Fprintln(a.Out, "Add one with: glowswitch add <address>")
		return nil
	}

	fmt.Fprintf(a.Out, "%d device(s):\n\n", len(entries))
	for _, e := range entries {
		rec, ok, err := st.LoadPower(e.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "  %s  %s  %-10s  %-7s  %s\n",
			e.ID, e.Address, e.DeviceType, powerLabel(rec, ok), e.Title)
	}
	return nil
}
