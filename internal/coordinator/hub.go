package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/vitaminmoo/glowswitch/internal/ble"
)

const (
	DefaultCheckInterval = 10 * time.Second

	// DefaultRestartDelay spaces out scans restarted after ending early.
	DefaultRestartDelay = time.Second
)

// Scanner delivers advertisements until ctx is done.
type Scanner interface {
	Scan(ctx context.Context, fn func(ble.Advertisement)) error
}

// Hub shares one scan between all coordinators and any other observers.
type Hub struct {
	scanner       Scanner
	CheckInterval time.Duration
	RestartDelay  time.Duration

	mu        sync.RWMutex
	coords    map[string]*Coordinator
	observers []func(ble.Advertisement)
}

func NewHub(scanner Scanner) *Hub {
	return &Hub{
		scanner:       scanner,
		CheckInterval: DefaultCheckInterval,
		RestartDelay:  DefaultRestartDelay,
		coords:        make(map[string]*Coordinator),
	}
}

// Register adds c, replacing any coordinator for the same address.
func (h *Hub) Register(c *Coordinator) {
	h.mu.Lock()
	h.coords[c.Address()] = c
	h.mu.Unlock()
}

func (h *Hub) Unregister(address string) {
	h.mu.Lock()
	delete(h.coords, ble.NormalizeAddress(address))
	h.mu.Unlock()
}

// Get returns the coordinator for address.
func (h *Hub) Get(address string) (*Coordinator, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.coords[ble.NormalizeAddress(address)]
	return c, ok
}

// Observe registers fn to receive every advertisement.
func (h *Hub) Observe(fn func(ble.Advertisement)) {
	h.mu.Lock()
	h.observers = append(h.observers, fn)
	h.mu.Unlock()
}

// Dispatch routes adv to its coordinator and to all observers.
func (h *Hub) Dispatch(adv ble.Advertisement) {
	h.mu.RLock()
	c := h.coords[ble.NormalizeAddress(adv.Address)]
	observers := h.observers
	h.mu.RUnlock()

	if c != nil {
		c.HandleAdvertisement(adv)
	}
	for _, fn := range observers {
		fn(adv)
	}
}

// CheckAll runs the availability check on every coordinator.
func (h *Hub) CheckAll() {
	h.mu.RLock()
	coords := make([]*Coordinator, 0, len(h.coords))
	for _, c := range h.coords {
		coords = append(coords, c)
	}
	h.mu.RUnlock()

	for _, c := range coords {
		c.CheckAvailability()
	}
}

// Run scans and checks availability until ctx is done. It returns early
// only when the scanner fails.
func (h *Hub) Run(ctx context.Context) error {
	interval := h.CheckInterval
	if interval <= 0 {
		interval = DefaultCheckInterval
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.CheckAll()
			}
		}
	}()

	err := h.scan(ctx)
	cancel()
	wg.Wait()
	return err
}

// scan keeps a scan running until ctx is done. A scan that joined another
// caller's scan ends with it, so it is started again.
func (h *Hub) scan(ctx context.Context) error {
	for {
		if err := h.scanner.Scan(ctx, h.Dispatch); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		t := time.NewTimer(h.RestartDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}
