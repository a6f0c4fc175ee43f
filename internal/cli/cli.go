package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/vitaminmoo/glowswitch/internal/commands"
	"github.com/vitaminmoo/glowswitch/internal/config"
	"github.com/vitaminmoo/glowswitch/internal/store"
	"github.com/vitaminmoo/glowswitch/internal/tui"
)

// CLI is the root command structure for glowswitch.
type CLI struct {
	Config  string `short:"c" type:"path" help:"Configuration file (default ~/.glowswitch/config.yaml)"`
	Verbose bool   `short:"v" help:"Enable verbose debug output"`

	// Default command - TUI
	Tui TuiCmd `cmd:"" default:"withargs" help:"Launch interactive TUI (default)"`

	Scan   ScanCmd   `cmd:"" help:"List advertising devices"`
	Add    AddCmd    `cmd:"" help:"Configure a device"`
	Remove RemoveCmd `cmd:"" help:"Remove a configured device"`
	List   ListCmd   `cmd:"" help:"List configured devices"`

	On    OnCmd    `cmd:"" help:"Turn a light on"`
	Off   OffCmd   `cmd:"" help:"Turn a light off"`
	State StateCmd `cmd:"" help:"Show the last known power state"`

	Gatt    GattCmd    `cmd:"" help:"Raw GATT access"`
	Explore ExploreCmd `cmd:"" help:"List all BLE services and characteristics"`

	Serve ServeCmd `cmd:"" help:"Bridge configured devices to Home Assistant over MQTT"`
}

// run loads configuration, builds the App and calls fn with a context that
// is cancelled on SIGINT/SIGTERM.
func (c *CLI) run(fn func(ctx context.Context, a *commands.App) error) error {
	path := c.Config
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if c.Verbose {
		cfg.Log.Level = "debug"
	}

	log, closeLog, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()
	config.Log = log
	config.SetVerbose(c.Verbose)

	a := commands.NewApp(cfg, log)
	defer a.Close()

	ctx, stop := commands.SignalContext(context.Background())
	defer stop()

	config.Debugf("config %s, store %s", path, cfg.Store.Path)
	return fn(ctx, a)
}

// --- TUI Command ---

type TuiCmd struct{}

func (c *TuiCmd) Run(globals *CLI) error {
	return globals.run(func(ctx context.Context, a *commands.App) error {
		// The alt screen owns the terminal.
		if out := a.Config.Log.Output; out == "" || out == "stderr" || out == "stdout" {
			a.Log.SetOutput(io.Discard)
		}

		st, err := a.Store()
		if err != nil {
			return err
		}
		entries, err := st.List()
		if err != nil {
			return err
		}

		devices, closeAll, err := openDevices(a, entries)
		if err != nil {
			return err
		}
		defer closeAll()

		return tui.Run(ctx, devices)
	})
}

func openDevices(a *commands.App, entries []store.Entry) ([]tui.Device, func(), error) {
	var opened []*commands.Device
	closeAll := func() {
		for _, d := range opened {
			d.Close()
		}
	}

	devices := make([]tui.Device, 0, len(entries))
	for _, entry := range entries {
		d, err := a.OpenDevice(entry)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open %s: %w", entry.Address, err)
		}
		opened = append(opened, d)
		devices = append(devices, tui.Device{
			Title:     entry.Title,
			Address:   entry.Address,
			Light:     d.Light,
			Connected: d.Client.Connected,
		})
	}
	return devices, closeAll, nil
}

// --- Entry Commands ---

type ScanCmd struct {
	All bool `short:"a" help:"Include devices without a name"`
}

func (c *ScanCmd) Run(globals *CLI) error {
	return globals.run(func(ctx context.Context, a *commands.App) error {
		return commands.Scan(ctx, a, c.All)
	})
}

type AddCmd struct {
	Address string `arg:"" optional:"" help:"Device address (optional; pick from a scan when omitted)"`
}

func (c *AddCmd) Run(globals *CLI) error {
	return globals.run(func(ctx context.Context, a *commands.App) error {
		return commands.Add(ctx, a, c.Address)
	})
}

type RemoveCmd struct {
	Device string `arg:"" help:"Entry ID or device address"`
}

func (c *RemoveCmd) Run(globals *CLI) error {
	return globals.run(func(ctx context.Context, a *commands.App) error {
		return commands.Remove(ctx, a, c.Device)
	})
}

type ListCmd struct{}

func (c *ListCmd) Run(globals *CLI) error {
	return globals.run(func(ctx context.Context, a *commands.App) error {
		return commands.List(a)
	})
}

// --- Power Commands ---

type OnCmd struct {
	Device string `arg:"" help:"Entry ID or device address"`
}

func (c *OnCmd) Run(globals *CLI) error {
	return globals.run(func(ctx context.Context, a *commands.App) error {
		return commands.Power(ctx, a, c.Device, true)
	})
}

type OffCmd struct {
	Device string `arg:"" help:"Entry ID or device address"`
}

func (c *OffCmd) Run(globals *CLI) error {
	return globals.run(func(ctx context.Context, a *commands.App) error {
		return commands.Power(ctx, a, c.Device, false)
	})
}

type StateCmd struct {
	Device string `arg:"" help:"Entry ID or device address"`
}

func (c *StateCmd) Run(globals *CLI) error {
	return globals.run(func(ctx context.Context, a *commands.App) error {
		return commands.State(a, c.Device)
	})
}

// --- GATT Commands ---

type GattCmd struct {
	Write GattWriteCmd `cmd:"" help:"Write a hex payload to a characteristic"`
	Read  GattReadCmd  `cmd:"" help:"Read a characteristic"`
}

type GattWriteCmd struct {
	Address        string `arg:"" help:"Device address"`
	Characteristic string `arg:"" help:"Characteristic UUID"`
	Payload        string `arg:"" help:"Hex payload, e.g. 01"`
}

func (c *GattWriteCmd) Run(globals *CLI) error {
	return globals.run(func(ctx context.Context, a *commands.App) error {
		return commands.GattWrite(ctx, a, c.Address, c.Characteristic, c.Payload)
	})
}

type GattReadCmd struct {
	Address        string `arg:"" help:"Device address"`
	Characteristic string `arg:"" help:"Characteristic UUID"`
}

func (c *GattReadCmd) Run(globals *CLI) error {
	return globals.run(func(ctx context.Context, a *commands.App) error {
		return commands.GattRead(ctx, a, c.Address, c.Characteristic)
	})
}

// --- Other Commands ---

type ExploreCmd struct {
	Address string `arg:"" help:"Device address"`
}

func (c *ExploreCmd) Run(globals *CLI) error {
	return globals.run(func(ctx context.Context, a *commands.App) error {
		return commands.Explore(ctx, a, c.Address)
	})
}

type ServeCmd struct{}

func (c *ServeCmd) Run(globals *CLI) error {
	return globals.run(func(ctx context.Context, a *commands.App) error {
		return commands.Serve(ctx, a)
	})
}
