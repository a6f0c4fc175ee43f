package commands

import (
	"context"
	"errors"
	"sync"

	"github.com/vitaminmoo/glowswitch/internal/ble"
	"github.com/vitaminmoo/glowswitch/internal/coordinator"
	"github.com/vitaminmoo/glowswitch/internal/discovery"
	"github.com/vitaminmoo/glowswitch/internal/hass"

	"github.com/sirupsen/logrus"
)

// Publisher is the part of the Home Assistant bridge Serve drives.
type Publisher interface {
	Add(d hass.Device) error
	PublishAvailability(address string) error
	Close()
}

// Serve runs the Home Assistant bridge until ctx is done.
func Serve(ctx context.Context, a *App) error {
	bridge, err := hass.Dial(ctx, a.Config.MQTT, a.Log)
	if err != nil {
		return err
	}
	return ServeWith(ctx, a, bridge)
}

// ServeWith runs the bridge loop on an already connected publisher: one
// shared scan feeds every configured device's coordinator and the
// discovery cache, and the publisher mirrors each device.
func ServeWith(ctx context.Context, a *App, bridge Publisher) error {
	var devices []*Device
	defer func() {
		// Stop the bridge first so no command is left using a closed client.
		bridge.Close()
		for _, d := range devices {
			if err := d.Close(); err != nil {
				a.Log.WithError(err).WithField("address", d.Entry.Address).Debug("Disconnect failed")
			}
		}
	}()

	st, err := a.Store()
	if err != nil {
		return err
	}
	entries, err := st.List()
	if err != nil {
		return err
	}

	hub := coordinator.NewHub(a.Scanner)
	flow := discovery.New(st, discovery.DialProber{Dialer: a.Dialer}, 0, a.Log)
	hub.Observe(func(adv ble.Advertisement) {
		if adv.Name == "" || !flow.Observe(adv) {
			return
		}
		a.Log.WithFields(logrus.Fields{
			"address":     adv.Address,
			"device_type": discovery.DeviceType(adv.Name),
		}).Infof("Discovered %s, add it with: glowswitch add %s",
			discovery.HumanReadableName(adv.Name, adv.Address), adv.Address)
	})

	var coords []*coordinator.Coordinator
	for _, entry := range entries {
		dev, err := a.OpenDevice(entry)
		if err != nil {
			return err
		}
		devices = append(devices, dev)

		log := a.Log.WithFields(logrus.Fields{"entry": entry.ID, "address": entry.Address})
		coord := coordinator.New(entry.Address, entry.Title,
			coordinator.WithLogger(log),
			coordinator.WithUnavailableAfter(a.Config.BLE.UnavailableAfter))
		hub.Register(coord)
		coords = append(coords, coord)

		address := entry.Address
		coord.OnAvailabilityChange(func(bool) {
			if err := bridge.PublishAvailability(address); err != nil {
				log.WithError(err).Warn("Failed to publish availability")
			}
		})

		err = bridge.Add(hass.Device{
			Entry:       entry,
			Info:        coord.DeviceInfo(),
			Light:       dev.Light,
			Advertising: coord.Available,
			Connected:   dev.Client.Connected,
		})
		if err != nil {
			return err
		}
	}

	if len(entries) == 0 {
		a.Log.Warn("No devices configured, add one with: glowswitch add <address>")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scanErr := make(chan error, 1)
	go func() { scanErr <- hub.Run(ctx) }()

	var wg sync.WaitGroup
	for _, c := range coords {
		wg.Add(1)
		go func(c *coordinator.Coordinator) {
			defer wg.Done()
			log := a.Log.WithField("address", c.Address())
			if c.WaitReady(ctx, a.Config.BLE.StartupTimeout) {
				log.Info("Device ready")
				return
			}
			if ctx.Err() == nil {
				log.Warnf("%s is not advertising, its entities stay unavailable until it is seen", c.Address())
			}
		}(c)
	}

	a.Log.WithField("devices", len(entries)).Info("Bridge running")

	var runErr error
	select {
	case <-ctx.Done():
		<-scanErr
	case runErr = <-scanErr:
		if runErr == nil && ctx.Err() == nil {
			runErr = errors.New("scan stopped unexpectedly")
		}
	}
	cancel()
	wg.Wait()

	if runErr != nil {
		return runErr
	}
	a.Log.Info("Bridge stopped")
	return nil
}
