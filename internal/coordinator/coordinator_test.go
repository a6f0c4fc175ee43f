package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vitaminmoo/glowswitch/internal/ble"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const addr = "AA:BB:CC:DD:EE:FF"

func quiet() Option {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return WithLogger(l)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newWithClock(opts ...Option) (*Coordinator, *clock) {
	clk := &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(addr, "GlowSwitch", append([]Option{quiet()}, opts...)...)
	c.now = clk.Now
	return c, clk
}

func TestDeviceInfo(t *testing.T) {
	c := New("aa:bb:cc:dd:ee:ff", "Kitchen")
	info := c.DeviceInfo()
	assert.Equal(t, "Kitchen", info.Name)
	assert.Equal(t, []Connection{{Type: "bluetooth", ID: addr}}, info.Connections)
}

func TestWaitReadyTimesOut(t *testing.T) {
	c, _ := newWithClock()
	assert.False(t, c.WaitReady(context.Background(), 10*time.Millisecond))
	assert.False(t, c.Available())
}

func TestWaitReadyAfterAdvertisement(t *testing.T) {
	c, _ := newWithClock()
	go c.HandleAdvertisement(ble.Advertisement{Address: addr, Name: "GlowSwitch"})

	assert.True(t, c.WaitReady(context.Background(), time.Second))
	assert.True(t, c.Available())

	adv, ok := c.LastAdvertisement()
	require.True(t, ok)
	assert.Equal(t, "GlowSwitch", adv.Name)
}

func TestWaitReadyHonoursContext(t *testing.T) {
	c, _ := newWithClock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, c.WaitReady(ctx, time.Hour))
}

func TestIgnoresOtherAddresses(t *testing.T) {
	c, _ := newWithClock()
	c.HandleAdvertisement(ble.Advertisement{Address: "11:22:33:44:55:66"})
	assert.False(t, c.Available())
	_, ok := c.LastAdvertisement()
	assert.False(t, ok)
}

func TestAvailabilityTransitions(t *testing.T) {
	c, clk := newWithClock(WithUnavailableAfter(time.Minute))

	var got []bool
	c.OnAvailabilityChange(func(available bool) { got = append(got, available) })

	c.HandleAdvertisement(ble.Advertisement{Address: addr})
	c.HandleAdvertisement(ble.Advertisement{Address: addr})
	assert.Equal(t, []bool{true}, got)

	clk.Advance(30 * time.Second)
	assert.True(t, c.CheckAvailability())

	clk.Advance(time.Minute)
	assert.False(t, c.CheckAvailability())
	assert.False(t, c.Available())
	assert.False(t, c.CheckAvailability())

	c.HandleAdvertisement(ble.Advertisement{Address: addr})
	assert.True(t, c.Available())
	assert.Equal(t, []bool{true, false, true}, got)
}

type fakeScanner struct {
	advs []ble.Advertisement
}

func (s *fakeScanner) Scan(ctx context.Context, fn func(ble.Advertisement)) error {
	for _, adv := range s.advs {
		fn(adv)
	}
	<-ctx.Done()
	return nil
}

func TestHubDispatch(t *testing.T) {
	c, _ := newWithClock()
	hub := NewHub(&fakeScanner{})
	hub.Register(c)

	var observed []string
	hub.Observe(func(adv ble.Advertisement) { observed = append(observed, adv.Address) })

	hub.Dispatch(ble.Advertisement{Address: "aa:bb:cc:dd:ee:ff"})
	hub.Dispatch(ble.Advertisement{Address: "11:22:33:44:55:66"})

	assert.True(t, c.Available())
	assert.Equal(t, []string{"aa:bb:cc:dd:ee:ff", "11:22:33:44:55:66"}, observed)

	got, ok := hub.Get(addr)
	require.True(t, ok)
	assert.Same(t, c, got)

	hub.Unregister(addr)
	_, ok = hub.Get(addr)
	assert.False(t, ok)
}

func TestHubRun(t *testing.T) {
	c, _ := newWithClock()
	hub := NewHub(&fakeScanner{advs: []ble.Advertisement{{Address: addr}}})
	hub.CheckInterval = time.Millisecond
	hub.Register(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	assert.True(t, c.WaitReady(context.Background(), time.Second))
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
}

// shortScanner ends its first scans early, like a scan that joined one
// owned by another caller.
type shortScanner struct {
	mu    sync.Mutex
	early int
	scans int
}

func (s *shortScanner) Scan(ctx context.Context, fn func(ble.Advertisement)) error {
	s.mu.Lock()
	s.scans++
	n := s.scans
	s.mu.Unlock()

	if n <= s.early {
		return nil
	}
	fn(ble.Advertisement{Address: addr})
	<-ctx.Done()
	return nil
}

func (s *shortScanner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans
}

func TestHubRunRestartsEndedScan(t *testing.T) {
	c, _ := newWithClock()
	scanner := &shortScanner{early: 2}
	hub := NewHub(scanner)
	hub.RestartDelay = time.Millisecond
	hub.Register(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	assert.True(t, c.WaitReady(context.Background(), time.Second))
	assert.Equal(t, 3, scanner.count())

	select {
	case err := <-done:
		t.Fatalf("hub stopped early: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
}

type failingScanner struct{}

func (failingScanner) Scan(context.Context, func(ble.Advertisement)) error {
	return errors.New("adapter gone")
}

func TestHubRunReturnsScanError(t *testing.T) {
	hub := NewHub(failingScanner{})
	assert.EqualError(t, hub.Run(context.Background()), "adapter gone")
}
