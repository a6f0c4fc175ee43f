// Package light drives a GlowSwitch as an on/off light. The driver is the
// only owner of the power state: it changes only after a write succeeds.
package light

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vitaminmoo/glowswitch/internal/protocol"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
)

// Name is the entity name shown to the host platform.
const Name = "GlowSwitch Light"

// Writer writes raw bytes to a GATT characteristic.
type Writer interface {
	WriteGATT(ctx context.Context, uuid string, data []byte) error
}

// Reconnector is implemented by writers that can drop and re-open their
// connection. It is used by recovery.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// CommunicationError is returned for every failed command, whatever the
// cause: unreachable device, rejected write, timeout, or an open breaker.
type CommunicationError struct {
	Op     string
	Device string
	Err    error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Device, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// IsCommunicationError reports whether err is a CommunicationError.
func IsCommunicationError(err error) bool {
	var ce *CommunicationError
	return errors.As(err, &ce)
}

// Listener is called after each successful write with the new state.
type Listener = func(on bool)

// BreakerSettings controls availability tracking. A zero MaxFailures
// disables the breaker.
type BreakerSettings struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

// Light is one switch.
type Light struct {
	uniqueID string
	writer   Writer
	log      logrus.FieldLogger
	recover  bool
	breaker  *gobreaker.CircuitBreaker[struct{}]

	// mu serialises commands; it is held across the write and the state update.
	mu sync.Mutex

	stateMu   sync.RWMutex
	on        bool
	reported  bool
	listeners []Listener
}

// Option configures a Light.
type Option func(*Light)

func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Light) { l.log = log }
}

// WithRecovery enables a reconnect and a single retry after a failed write.
func WithRecovery(enabled bool) Option {
	return func(l *Light) { l.recover = enabled }
}

// WithInitialState seeds the state, for example from the last persisted write.
func WithInitialState(on bool) Option {
	return func(l *Light) {
		l.on = on
		l.reported = true
	}
}

func WithListener(fn Listener) Option {
	return func(l *Light) { l.listeners = append(l.listeners, fn) }
}

func WithBreaker(s BreakerSettings) Option {
	return func(l *Light) {
		if s.MaxFailures == 0 {
			l.breaker = nil
			return
		}
		l.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        l.uniqueID,
			MaxRequests: 1,
			Interval:    s.Interval,
			Timeout:     s.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= s.MaxFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				l.log.WithFields(logrus.Fields{
					"from": from.String(),
					"to":   to.String(),
				}).Info("Light availability changed")
			},
		})
	}
}

// New creates a light for the entry with the given unique ID. The state
// starts off and unreported.
func New(uniqueID string, writer Writer, opts ...Option) *Light {
	l := &Light{
		uniqueID: uniqueID,
		writer:   writer,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.WithField("entity", l.UniqueID())
	return l
}

// Name returns the entity name.
func (l *Light) Name() string { return Name }

// UniqueID returns the entity unique ID.
func (l *Light) UniqueID() string { return l.uniqueID + "_light" }

// IsOn returns the last successfully written state.
func (l *Light) IsOn() bool {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.on
}

// Reported reports whether the state is known, either from a successful
// write or from WithInitialState.
func (l *Light) Reported() bool {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.reported
}

// Available is false while the breaker is open.
func (l *Light) Available() bool {
	if l.breaker == nil {
		return true
	}
	return l.breaker.State() != gobreaker.StateOpen
}

// OnChange registers fn to be called after each successful write.
func (l *Light) OnChange(fn Listener) {
	l.stateMu.Lock()
	l.listeners = append(l.listeners, fn)
	l.stateMu.Unlock()
}

// TurnOn writes 0x01 and marks the light on.
func (l *Light) TurnOn(ctx context.Context) error {
	return l.set(ctx, true)
}

// TurnOff writes 0x00 and marks the light off.
func (l *Light) TurnOff(ctx context.Context) error {
	return l.set(ctx, false)
}

// Toggle inverts the current state.
func (l *Light) Toggle(ctx context.Context) error {
	if l.IsOn() {
		return l.TurnOff(ctx)
	}
	return l.TurnOn(ctx)
}

func (l *Light) set(ctx context.Context, on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	op := "turn " + protocol.PowerString(on)
	if err := l.execute(ctx, on); err != nil {
		l.log.WithError(err).Warnf("%s failed", op)
		return &CommunicationError{Op: op, Device: l.uniqueID, Err: err}
	}

	l.stateMu.Lock()
	l.on = on
	l.reported = true
	listeners := append([]Listener(nil), l.listeners...)
	l.stateMu.Unlock()

	for _, fn := range listeners {
		fn(on)
	}
	return nil
}

func (l *Light) execute(ctx context.Context, on bool) error {
	if l.breaker == nil {
		return l.write(ctx, on)
	}
	_, err := l.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, l.write(ctx, on)
	})
	return err
}

func (l *Light) write(ctx context.Context, on bool) error {
	payload := protocol.PowerPayload(on)
	err := l.writer.WriteGATT(ctx, protocol.PowerCharacteristicUUID, payload)
	if err == nil || !l.recover || ctx.Err() != nil {
		return err
	}

	l.log.WithError(err).Warn("First attempt failed, attempting recovery and retry")
	if r, ok := l.writer.(Reconnector); ok {
		if rerr := r.Reconnect(ctx); rerr != nil {
			return fmt.Errorf("recovery failed: %w", rerr)
		}
		l.log.Info("Recovery successful, retrying GATT write")
	}
	if err := l.writer.WriteGATT(ctx, protocol.PowerCharacteristicUUID, payload); err != nil {
		return fmt.Errorf("retry failed: %w", err)
	}
	l.log.Info("Retry successful")
	return nil
}
