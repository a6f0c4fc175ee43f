package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vitaminmoo/glowswitch/internal/ble"
	"github.com/vitaminmoo/glowswitch/internal/protocol"

	"github.com/sirupsen/logrus"
)

const (
	// MaxServiceDiscoveryRetries is how many reconnect-and-write attempts follow
	// a write that failed because services were not discovered.
	MaxServiceDiscoveryRetries = 3

	// ServiceDiscoveryRetryDelay is the wait before each of those attempts.
	ServiceDiscoveryRetryDelay = 15 * time.Second

	DefaultConnectTimeout = 30 * time.Second
)

var (
	ErrTimeout = errors.New("timeout on connect")
	ErrConnect = errors.New("error on connect")
)

// Conn is an open GATT connection.
type Conn interface {
	Write(ctx context.Context, uuid string, data []byte) error
	Read(ctx context.Context, uuid string) ([]byte, error)
	Disconnect() error
}

// Dialer opens connections by device address.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

type bleDialer struct {
	adapter *ble.Adapter
}

// NewBLEDialer returns a Dialer backed by the host Bluetooth adapter.
func NewBLEDialer(adapter *ble.Adapter) Dialer {
	return &bleDialer{adapter: adapter}
}

func (d *bleDialer) Dial(ctx context.Context, address string) (Conn, error) {
	conn, err := d.adapter.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Client talks GATT to one device. The connection is opened on first use and
// reused until Close, Reconnect, or a service discovery failure drops it.
type Client struct {
	address string
	dialer  Dialer
	log     logrus.FieldLogger

	connectTimeout time.Duration
	retries        int
	retryDelay     time.Duration

	// dialMu serialises dials; mu only guards conn so readers never wait
	// on a connect in progress.
	dialMu sync.Mutex
	mu     sync.Mutex
	conn   Conn
}

// Option configures a Client.
type Option func(*Client)

func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) { c.connectTimeout = d }
}

// WithServiceDiscoveryRetry overrides the retry count and delay used when a
// write fails on an undiscovered GATT table.
func WithServiceDiscoveryRetry(retries int, delay time.Duration) Option {
	return func(c *Client) {
		c.retries = retries
		c.retryDelay = delay
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Client) { c.log = log }
}

// New creates a client for address. No connection is made until the first
// read or write.
func New(address string, dialer Dialer, opts ...Option) *Client {
	c := &Client{
		address:        ble.NormalizeAddress(address),
		dialer:         dialer,
		log:            logrus.StandardLogger(),
		connectTimeout: DefaultConnectTimeout,
		retries:        MaxServiceDiscoveryRetries,
		retryDelay:     ServiceDiscoveryRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("address", c.address)
	return c
}

// Address returns the device address.
func (c *Client) Address() string { return c.address }

// Connected reports whether a connection is currently held.
func (c *Client) Connected() bool {
	return c.current() != nil
}

func (c *Client) current() Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) getConn(ctx context.Context) (Conn, error) {
	if conn := c.current(); conn != nil {
		c.log.Debug("Connection reused")
		return conn, nil
	}

	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	// Another caller may have connected while we waited.
	if conn := c.current(); conn != nil {
		c.log.Debug("Connection reused")
		return conn, nil
	}

	c.log.Debug("Connecting")
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	conn, err := c.dialer.Dial(ctx, c.address)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: %w", ErrTimeout, c.address, err)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, c.address, err)
	}
	c.log.Debug("Successfully connected")

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

// take removes and returns the current connection.
func (c *Client) take() Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.conn
	c.conn = nil
	return conn
}

// drop disconnects and forgets the current connection.
func (c *Client) drop() {
	conn := c.take()
	if conn == nil {
		return
	}
	if err := conn.Disconnect(); err != nil {
		c.log.WithError(err).Debug("Disconnect failed")
	}
}

// WriteGATT writes data to the characteristic uuid. A write that fails with
// ble.ErrServiceDiscovery is retried with a fresh connection; any other error
// is returned as is.
func (c *Client) WriteGATT(ctx context.Context, uuid string, data []byte) error {
	conn, err := c.getConn(ctx)
	if err != nil {
		return err
	}

	err = conn.Write(ctx, uuid, data)
	if err == nil || !errors.Is(err, ble.ErrServiceDiscovery) {
		return err
	}

	c.log.WithError(err).Warnf("Service discovery error during GATT write, attempting up to %d retries with %s delay",
		c.retries, c.retryDelay)

	lastErr := err
	for attempt := 1; attempt <= c.retries; attempt++ {
		c.log.Infof("Retry attempt %d/%d after %s delay", attempt, c.retries, c.retryDelay)
		if err := sleep(ctx, c.retryDelay); err != nil {
			return err
		}

		c.drop()
		conn, err := c.getConn(ctx)
		if err != nil {
			c.log.WithError(err).Warnf("Retry attempt %d/%d failed", attempt, c.retries)
			lastErr = err
			continue
		}

		err = conn.Write(ctx, uuid, data)
		if err == nil {
			c.log.Infof("GATT write successful on retry %d/%d", attempt, c.retries)
			return nil
		}
		c.log.WithError(err).Warnf("Retry attempt %d/%d failed", attempt, c.retries)
		lastErr = err
		if !errors.Is(err, ble.ErrServiceDiscovery) {
			return err
		}
	}

	c.log.WithError(lastErr).Errorf("All %d retry attempts failed for GATT write", c.retries)
	return lastErr
}

// WriteGATTHex writes a hex-encoded payload such as "01".
func (c *Client) WriteGATTHex(ctx context.Context, uuid, payload string) error {
	data, err := protocol.ParseHexPayload(payload)
	if err != nil {
		return err
	}
	return c.WriteGATT(ctx, uuid, data)
}

// ReadGATT reads the characteristic uuid.
func (c *Client) ReadGATT(ctx context.Context, uuid string) ([]byte, error) {
	conn, err := c.getConn(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Read(ctx, uuid)
}

// Reconnect drops any held connection and dials again.
func (c *Client) Reconnect(ctx context.Context) error {
	c.drop()
	_, err := c.getConn(ctx)
	return err
}

// Close releases the connection.
func (c *Client) Close() error {
	conn := c.take()
	if conn == nil {
		return nil
	}
	return conn.Disconnect()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
