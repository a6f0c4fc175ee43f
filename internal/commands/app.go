package commands

import (
	"context"
	"errors"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/vitaminmoo/glowswitch/internal/api"
	"github.com/vitaminmoo/glowswitch/internal/ble"
	"github.com/vitaminmoo/glowswitch/internal/config"
	"github.com/vitaminmoo/glowswitch/internal/hass"
	"github.com/vitaminmoo/glowswitch/internal/light"
	"github.com/vitaminmoo/glowswitch/internal/store"

	"github.com/d2r2/go-shell"
	"github.com/sirupsen/logrus"
)

// Scanner finds advertising devices.
type Scanner interface {
	Scan(ctx context.Context, fn func(ble.Advertisement)) error
	Discover(ctx context.Context, timeout time.Duration) ([]ble.Advertisement, error)
}

// App is the runtime shared by command bodies. Scanner and Dialer default to
// the host adapter.
type App struct {
	Config *config.Config
	Log    *logrus.Logger
	Out    io.Writer
	In     io.Reader

	Scanner Scanner
	Dialer  api.Dialer

	// Withdraw removes a device's entities from Home Assistant.
	Withdraw func(ctx context.Context, address string) error

	adapter *ble.Adapter
	store   *store.Store
}

// NewApp wires an App to the host Bluetooth adapter.
func NewApp(cfg *config.Config, log *logrus.Logger) *App {
	adapter := ble.NewAdapter()
	adapter.ScanTimeout = cfg.BLE.ScanTimeout
	adapter.ConnectTimeout = cfg.BLE.ConnectTimeout

	return &App{
		Config:  cfg,
		Log:     log,
		Out:     os.Stdout,
		In:      os.Stdin,
		Scanner: adapter,
		Dialer:  api.NewBLEDialer(adapter),
		Withdraw: func(ctx context.Context, address string) error {
			return hass.Withdraw(ctx, cfg.MQTT, address, log)
		},
		adapter: adapter,
	}
}

// Store opens the entry store on first use.
func (a *App) Store() (*store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	s, err := store.Open(a.Config.Store.Path)
	if err != nil {
		return nil, err
	}
	a.store = s
	return s, nil
}

// Close releases the store.
func (a *App) Close() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}

// Device is an entry with its GATT client and light.
type Device struct {
	Entry  store.Entry
	Client *api.Client
	Light  *light.Light
}

// Close disconnects the device.
func (d *Device) Close() error {
	return d.Client.Close()
}

// OpenDevice builds the client and light for entry. The light starts from the
// last saved power state and saves every successful write.
func (a *App) OpenDevice(entry store.Entry) (*Device, error) {
	st, err := a.Store()
	if err != nil {
		return nil, err
	}

	log := a.Log.WithFields(logrus.Fields{"entry": entry.ID, "address": entry.Address})
	client := a.client(entry.Address, log)

	breaker := a.Config.Light.Breaker
	opts := []light.Option{
		light.WithLogger(log),
		light.WithRecovery(a.Config.Light.Recover),
		light.WithBreaker(light.BreakerSettings{
			MaxFailures: breaker.MaxFailures,
			Timeout:     breaker.Timeout,
			Interval:    breaker.Interval,
		}),
		light.WithListener(func(on bool) {
			if err := st.SavePower(entry.ID, on); err != nil {
				log.WithError(err).Warn("Failed to save power state")
			}
		}),
	}

	rec, ok, err := st.LoadPower(entry.ID)
	if err != nil {
		return nil, err
	}
	if ok {
		opts = append(opts, light.WithInitialState(rec.On))
	}

	return &Device{
		Entry:  entry,
		Client: client,
		Light:  light.New(entry.UniqueID, client, opts...),
	}, nil
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM. Call stop
// when done to release the signal watcher.
func SignalContext(parent context.Context) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	signals := []os.Signal{os.Interrupt}
	if shell.IsLinuxMacOSFreeBSD() {
		signals = append(signals, syscall.SIGTERM)
	}
	shell.CloseContextOnSignals(cancel, done, signals...)

	return ctx, func() {
		close(done)
		cancel()
	}
}

var errNoAdapter = errors.New("command needs the host Bluetooth adapter")

// Adapter returns the host adapter, if the App was built by NewApp.
func (a *App) Adapter() (*ble.Adapter, error) {
	if a.adapter == nil {
		return nil, errNoAdapter
	}
	return a.adapter, nil
}
