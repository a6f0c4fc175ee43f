// Package coordinator tracks advertisements for configured devices: whether a
// device has been seen since startup and whether it is still advertising.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/vitaminmoo/glowswitch/internal/ble"

	"github.com/sirupsen/logrus"
)

const (
	DefaultStartupTimeout   = 30 * time.Second
	DefaultUnavailableAfter = 5 * time.Minute
)

// Connection identifies a device on some transport.
type Connection struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// DeviceInfo describes the physical device behind an entry's entities.
type DeviceInfo struct {
	Connections []Connection `json:"connections"`
	Name        string       `json:"name"`
}

// Listener receives availability transitions.
type Listener func(available bool)

// Coordinator watches one device address.
type Coordinator struct {
	address          string
	name             string
	unavailableAfter time.Duration
	log              logrus.FieldLogger
	now              func() time.Time

	ready     chan struct{}
	readyOnce sync.Once

	mu        sync.Mutex
	available bool
	lastSeen  time.Time
	last      ble.Advertisement
	listeners []Listener
}

type Option func(*Coordinator)

func WithUnavailableAfter(d time.Duration) Option {
	return func(c *Coordinator) { c.unavailableAfter = d }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Coordinator) { c.log = log }
}

// New creates a coordinator for address. name is the entry title.
func New(address, name string, opts ...Option) *Coordinator {
	c := &Coordinator{
		address:          ble.NormalizeAddress(address),
		name:             name,
		unavailableAfter: DefaultUnavailableAfter,
		log:              logrus.StandardLogger(),
		now:              time.Now,
		ready:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("address", c.address)
	return c
}

func (c *Coordinator) Address() string { return c.address }
func (c *Coordinator) Name() string    { return c.name }

// DeviceInfo returns the bluetooth connection and name of the device.
func (c *Coordinator) DeviceInfo() DeviceInfo {
	return DeviceInfo{
		Connections: []Connection{{Type: "bluetooth", ID: c.address}},
		Name:        c.name,
	}
}

// OnAvailabilityChange registers fn for availability transitions.
func (c *Coordinator) OnAvailabilityChange(fn Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// HandleAdvertisement records an advertisement. The first one marks the
// device ready; one after a gap marks it available again.
func (c *Coordinator) HandleAdvertisement(adv ble.Advertisement) {
	if ble.NormalizeAddress(adv.Address) != c.address {
		return
	}

	c.readyOnce.Do(func() { close(c.ready) })

	c.mu.Lock()
	seen := adv.SeenAt
	if seen.IsZero() {
		seen = c.now()
	}
	c.lastSeen = seen
	c.last = adv
	wasUnavailable := !c.available
	c.available = true
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	if !wasUnavailable {
		return
	}
	c.log.WithField("rssi", adv.RSSI).Info("Device available")
	for _, fn := range listeners {
		fn(true)
	}
}

// CheckAvailability marks the device unavailable when nothing has been heard
// for longer than the unavailable timeout. It returns the current availability.
func (c *Coordinator) CheckAvailability() bool {
	c.mu.Lock()
	if !c.available || c.unavailableAfter <= 0 || c.now().Sub(c.lastSeen) <= c.unavailableAfter {
		available := c.available
		c.mu.Unlock()
		return available
	}
	c.available = false
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	c.log.Warnf("Device unavailable, no advertisement for %s", c.unavailableAfter)
	for _, fn := range listeners {
		fn(false)
	}
	return false
}

// Available reports whether the device is currently advertising.
func (c *Coordinator) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available
}

// LastAdvertisement returns the most recent advertisement, if any.
func (c *Coordinator) LastAdvertisement() (ble.Advertisement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, !c.lastSeen.IsZero()
}

// Ready is closed once the first advertisement arrives.
func (c *Coordinator) Ready() <-chan struct{} { return c.ready }

// WaitReady waits up to timeout for the first advertisement. It returns false
// if none arrived, in which case the entry is not ready to be set up.
func (c *Coordinator) WaitReady(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-c.ready:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}
