package ble

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vitaminmoo/glowswitch/internal/config"

	"tinygo.org/x/bluetooth"
)

// Advertisement is a device seen during a scan.
type Advertisement struct {
	Address string
	Name    string
	RSSI    int16
	SeenAt  time.Time
}

// NormalizeAddress returns address in the upper-case form used as a
// device's unique ID.
func NormalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

// Adapter wraps the host Bluetooth adapter. tinygo allows one scan at a time,
// so a Scan started while another is running joins it instead.
type Adapter struct {
	adapter        *bluetooth.Adapter
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration

	mu      sync.Mutex
	enabled bool
	seen    map[string]bluetooth.Address

	scanning bool
	scanDone chan struct{}
	subs     map[int]func(Advertisement)
	nextSub  int
}

// NewAdapter returns an Adapter for the default host adapter.
func NewAdapter() *Adapter {
	return &Adapter{
		adapter:        bluetooth.DefaultAdapter,
		ScanTimeout:    DefaultScanTimeout,
		ConnectTimeout: DefaultConnectTimeout,
		seen:           make(map[string]bluetooth.Address),
		subs:           make(map[int]func(Advertisement)),
	}
}

// Enable powers up the adapter once.
func (a *Adapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.enabled {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable Bluetooth: %w", err)
	}
	a.enabled = true
	return nil
}

// Scan reports advertisements to fn until ctx is done. If a scan is already
// running, fn is attached to it and Scan returns when either ends.
func (a *Adapter) Scan(ctx context.Context, fn func(Advertisement)) error {
	if err := a.Enable(); err != nil {
		return err
	}

	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	if a.scanning {
		done := a.scanDone
		a.mu.Unlock()
		defer a.unsubscribe(id)

		select {
		case <-ctx.Done():
		case <-done:
		}
		return nil
	}
	a.scanning = true
	a.scanDone = make(chan struct{})
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.scanning = false
		a.subs = make(map[int]func(Advertisement))
		close(a.scanDone)
		a.mu.Unlock()
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		adv := Advertisement{
			Address: NormalizeAddress(result.Address.String()),
			Name:    result.LocalName(),
			RSSI:    result.RSSI,
			SeenAt:  time.Now(),
		}
		a.remember(adv.Address, result.Address)

		if config.Verbose && adv.Name != "" {
			config.Debugf("Found: '%s' (%s) rssi=%d", adv.Name, adv.Address, adv.RSSI)
		}
		a.dispatch(adv)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("scan error: %w", err)
	}
	return nil
}

func (a *Adapter) dispatch(adv Advertisement) {
	a.mu.Lock()
	subs := make([]func(Advertisement), 0, len(a.subs))
	for _, fn := range a.subs {
		subs = append(subs, fn)
	}
	a.mu.Unlock()

	for _, fn := range subs {
		fn(adv)
	}
}

func (a *Adapter) unsubscribe(id int) {
	a.mu.Lock()
	delete(a.subs, id)
	a.mu.Unlock()
}

// Discover scans for timeout and returns every advertising device once,
// sorted by address.
func (a *Adapter) Discover(ctx context.Context, timeout time.Duration) ([]Advertisement, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	found := make(map[string]Advertisement)
	err := a.Scan(ctx, func(adv Advertisement) {
		mu.Lock()
		defer mu.Unlock()
		if prev, ok := found[adv.Address]; ok && adv.Name == "" {
			adv.Name = prev.Name
		}
		found[adv.Address] = adv
	})
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	result := make([]Advertisement, 0, len(found))
	for _, adv := range found {
		result = append(result, adv)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Address < result[j].Address })
	return result, nil
}

// Find scans until address advertises or the scan timeout expires.
func (a *Adapter) Find(ctx context.Context, address string) (Advertisement, error) {
	want := NormalizeAddress(address)

	ctx, cancel := context.WithTimeout(ctx, a.scanTimeout())
	defer cancel()

	var (
		once  sync.Once
		match Advertisement
		found bool
	)
	err := a.Scan(ctx, func(adv Advertisement) {
		if adv.Address != want {
			return
		}
		once.Do(func() {
			match, found = adv, true
			cancel()
		})
	})
	if err != nil {
		return Advertisement{}, err
	}
	if !found {
		return Advertisement{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, want)
	}
	return match, nil
}

// Dial connects to address, scanning for it first when it has not been seen.
// The connect attempt is bounded by ConnectTimeout.
func (a *Adapter) Dial(ctx context.Context, address string) (*Conn, error) {
	want := NormalizeAddress(address)

	addr, ok := a.lookup(want)
	if !ok {
		if _, err := a.Find(ctx, want); err != nil {
			return nil, err
		}
		addr, _ = a.lookup(want)
	}

	timeout := a.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		config.Debugf("Connecting to %s...", want)
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- result{device: device, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", want, r.err)
		}
		config.Debugf("Connected to %s", want)
		return newConn(want, r.device), nil
	case <-ctx.Done():
		// Drop a connection that completes after we gave up on it.
		go func() {
			if r := <-ch; r.err == nil {
				r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("failed to connect to %s: %w", want, ctx.Err())
	}
}

func (a *Adapter) scanTimeout() time.Duration {
	if a.ScanTimeout > 0 {
		return a.ScanTimeout
	}
	return DefaultScanTimeout
}

func (a *Adapter) remember(address string, addr bluetooth.Address) {
	a.mu.Lock()
	a.seen[address] = addr
	a.mu.Unlock()
}

func (a *Adapter) lookup(address string) (bluetooth.Address, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	addr, ok := a.seen[address]
	return addr, ok
}
