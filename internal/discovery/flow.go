// Package discovery turns advertisements into configured entries.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vitaminmoo/glowswitch/internal/api"
	"github.com/vitaminmoo/glowswitch/internal/ble"
	"github.com/vitaminmoo/glowswitch/internal/protocol"
	"github.com/vitaminmoo/glowswitch/internal/store"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// DefaultTTL is how long an advertisement stays a candidate.
const DefaultTTL = 5 * time.Minute

var (
	ErrNoDevicesFound    = errors.New("no_devices_found")
	ErrAlreadyConfigured = store.ErrAlreadyConfigured
	ErrCannotConnect     = errors.New("cannot_connect")
	ErrUnknownDevice     = errors.New("device has not been discovered")
)

// Entries is the part of the store the flow needs.
type Entries interface {
	HasUniqueID(uniqueID string) (bool, error)
	Add(e store.Entry) error
}

// Prober checks that a device accepts connections.
type Prober interface {
	Probe(ctx context.Context, address string) error
}

// DialProber probes by connecting and immediately disconnecting.
type DialProber struct {
	Dialer api.Dialer
}

func (p DialProber) Probe(ctx context.Context, address string) error {
	conn, err := p.Dialer.Dial(ctx, address)
	if err != nil {
		return err
	}
	return conn.Disconnect()
}

// Candidate is a discovered, not yet configured device.
type Candidate struct {
	Address string
	Name    string
	RSSI    int16
}

// Label is the pick-list text for the candidate.
func (c Candidate) Label() string {
	return fmt.Sprintf("%s (%s)", c.Name, c.Address)
}

// Flow caches discovered devices and creates entries for them.
type Flow struct {
	cache   *cache.Cache
	entries Entries
	prober  Prober
	log     logrus.FieldLogger
}

// New creates a flow. Candidates expire after ttl.
func New(entries Entries, prober Prober, ttl time.Duration, log logrus.FieldLogger) *Flow {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Flow{
		cache:   cache.New(ttl, 2*ttl),
		entries: entries,
		prober:  prober,
		log:     log,
	}
}

// Observe records adv as a candidate unless its address is already
// configured. It reports whether the address was not a candidate before.
func (f *Flow) Observe(adv ble.Advertisement) bool {
	address := ble.NormalizeAddress(adv.Address)
	configured, err := f.entries.HasUniqueID(address)
	if err != nil {
		f.log.WithError(err).Warn("Failed to check configured devices")
		return false
	}
	if configured {
		return false
	}

	name := adv.Name
	prev, seen := f.cache.Get(address)
	if seen && name == "" {
		name = prev.(Candidate).Name
	}
	f.cache.SetDefault(address, Candidate{Address: address, Name: name, RSSI: adv.RSSI})
	return !seen
}

// Candidates lists discovered devices sorted by address.
func (f *Flow) Candidates() ([]Candidate, error) {
	items := f.cache.Items()
	if len(items) == 0 {
		return nil, ErrNoDevicesFound
	}

	candidates := make([]Candidate, 0, len(items))
	for _, item := range items {
		candidates = append(candidates, item.Object.(Candidate))
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Address < candidates[j].Address })
	return candidates, nil
}

// Confirm probes the candidate at address and stores an entry for it.
func (f *Flow) Confirm(ctx context.Context, address string) (store.Entry, error) {
	address = ble.NormalizeAddress(address)

	configured, err := f.entries.HasUniqueID(address)
	if err != nil {
		return store.Entry{}, err
	}
	if configured {
		return store.Entry{}, fmt.Errorf("%w: %s", ErrAlreadyConfigured, address)
	}

	v, ok := f.cache.Get(address)
	if !ok {
		return store.Entry{}, fmt.Errorf("%w: %s", ErrUnknownDevice, address)
	}
	candidate := v.(Candidate)

	if err := f.prober.Probe(ctx, address); err != nil {
		f.log.WithError(err).WithField("address", address).Warn("Probe failed")
		return store.Entry{}, fmt.Errorf("%w: %w", ErrCannotConnect, err)
	}

	entry := store.NewEntry(candidate.Name, address, DeviceType(candidate.Name))
	if err := f.entries.Add(entry); err != nil {
		return store.Entry{}, err
	}
	f.cache.Delete(address)

	f.log.WithFields(logrus.Fields{
		"address":     address,
		"device_type": entry.DeviceType,
	}).Infof("Configured %s", HumanReadableName(candidate.Name, address))
	return entry, nil
}

// DeviceType classifies a device by its advertised name.
func DeviceType(name string) string {
	if strings.Contains(strings.ToLower(name), protocol.DeviceTypeGlowDim) {
		return protocol.DeviceTypeGlowDim
	}
	return protocol.DeviceTypeGlowSwitch
}

// HumanReadableName returns name followed by the last four hex digits of
// the address, e.g. "GlowSwitch (EEFF)".
func HumanReadableName(name, address string) string {
	parts := strings.Split(strings.ReplaceAll(address, "-", ":"), ":")
	short := strings.ToUpper(strings.Join(parts[max(0, len(parts)-2):], ""))
	if len(short) > 4 {
		short = short[len(short)-4:]
	}
	return fmt.Sprintf("%s (%s)", name, short)
}
