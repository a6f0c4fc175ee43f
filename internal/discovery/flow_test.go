package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/vitaminmoo/glowswitch/internal/api"
	"github.com/vitaminmoo/glowswitch/internal/ble"
	"github.com/vitaminmoo/glowswitch/internal/store"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockEntries struct {
	mock.Mock
}

func (m *mockEntries) HasUniqueID(uniqueID string) (bool, error) {
	args := m.Called(uniqueID)
	return args.Bool(0), args.Error(1)
}

func (m *mockEntries) Add(e store.Entry) error {
	return m.Called(e).Error(0)
}

type mockProber struct {
	mock.Mock
}

func (m *mockProber) Probe(ctx context.Context, address string) error {
	return m.Called(ctx, address).Error(0)
}

const addr = "AA:BB:CC:DD:EE:FF"

func newFlow(entries *mockEntries, prober *mockProber) *Flow {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return New(entries, prober, 0, l)
}

func TestDeviceType(t *testing.T) {
	assert.Equal(t, "glowdim", DeviceType("My GlowDim 2"))
	assert.Equal(t, "glowdim", DeviceType("glowdim"))
	assert.Equal(t, "glowswitch", DeviceType("GlowSwitch"))
	assert.Equal(t, "glowswitch", DeviceType(""))
}

func TestHumanReadableName(t *testing.T) {
	assert.Equal(t, "GlowSwitch (EEFF)", HumanReadableName("GlowSwitch", "aa:bb:cc:dd:ee:ff"))
	assert.Equal(t, "GlowSwitch (EEFF)", HumanReadableName("GlowSwitch", "AA-BB-CC-DD-EE-FF"))
}

func TestCandidateLabel(t *testing.T) {
	c := Candidate{Address: addr, Name: "GlowSwitch"}
	assert.Equal(t, "GlowSwitch (AA:BB:CC:DD:EE:FF)", c.Label())
}

func TestCandidatesEmpty(t *testing.T) {
	f := newFlow(&mockEntries{}, &mockProber{})
	_, err := f.Candidates()
	assert.ErrorIs(t, err, ErrNoDevicesFound)
}

func TestObserveSkipsConfigured(t *testing.T) {
	entries := &mockEntries{}
	entries.On("HasUniqueID", addr).Return(true, nil)
	entries.On("HasUniqueID", "11:22:33:44:55:66").Return(false, nil)

	f := newFlow(entries, &mockProber{})
	assert.False(t, f.Observe(ble.Advertisement{Address: "aa:bb:cc:dd:ee:ff", Name: "Configured"}))
	assert.True(t, f.Observe(ble.Advertisement{Address: "11:22:33:44:55:66", Name: "GlowSwitch"}))
	assert.False(t, f.Observe(ble.Advertisement{Address: "11:22:33:44:55:66"}))

	got, err := f.Candidates()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "11:22:33:44:55:66", got[0].Address)
	assert.Equal(t, "GlowSwitch", got[0].Name, "name kept from earlier advertisement")
}

func TestConfirmCreatesEntry(t *testing.T) {
	for _, tt := range []struct {
		name       string
		deviceType string
	}{
		{"Glowdim Device", "glowdim"},
		{"Glowswitch Device", "glowswitch"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			entries := &mockEntries{}
			entries.On("HasUniqueID", addr).Return(false, nil)
			entries.On("Add", mock.MatchedBy(func(e store.Entry) bool {
				return e.Title == tt.name && e.Address == addr && e.UniqueID == addr && e.DeviceType == tt.deviceType
			})).Return(nil).Once()
			prober := &mockProber{}
			prober.On("Probe", mock.Anything, addr).Return(nil).Once()

			f := newFlow(entries, prober)
			f.Observe(ble.Advertisement{Address: addr, Name: tt.name})

			entry, err := f.Confirm(context.Background(), "aa:bb:cc:dd:ee:ff")
			require.NoError(t, err)
			assert.Equal(t, tt.deviceType, entry.DeviceType)
			assert.NotEmpty(t, entry.ID)

			_, err = f.Candidates()
			assert.ErrorIs(t, err, ErrNoDevicesFound)
			entries.AssertExpectations(t)
			prober.AssertExpectations(t)
		})
	}
}

func TestConfirmCannotConnect(t *testing.T) {
	entries := &mockEntries{}
	entries.On("HasUniqueID", addr).Return(false, nil)
	prober := &mockProber{}
	probeErr := errors.New("timeout")
	prober.On("Probe", mock.Anything, addr).Return(probeErr)

	f := newFlow(entries, prober)
	f.Observe(ble.Advertisement{Address: addr, Name: "GlowSwitch"})

	_, err := f.Confirm(context.Background(), addr)
	assert.ErrorIs(t, err, ErrCannotConnect)
	assert.ErrorIs(t, err, probeErr)
	entries.AssertNotCalled(t, "Add", mock.Anything)

	got, err := f.Candidates()
	require.NoError(t, err)
	assert.Len(t, got, 1, "candidate kept so the user can retry")
}

func TestConfirmAlreadyConfigured(t *testing.T) {
	entries := &mockEntries{}
	entries.On("HasUniqueID", addr).Return(true, nil)
	prober := &mockProber{}

	f := newFlow(entries, prober)
	_, err := f.Confirm(context.Background(), addr)
	assert.ErrorIs(t, err, ErrAlreadyConfigured)
	prober.AssertNotCalled(t, "Probe", mock.Anything, mock.Anything)
}

func TestConfirmUnknownDevice(t *testing.T) {
	entries := &mockEntries{}
	entries.On("HasUniqueID", addr).Return(false, nil)

	f := newFlow(entries, &mockProber{})
	_, err := f.Confirm(context.Background(), addr)
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

type fakeConn struct{ disconnected bool }

func (c *fakeConn) Write(context.Context, string, []byte) error  { return nil }
func (c *fakeConn) Read(context.Context, string) ([]byte, error) { return nil, nil }
func (c *fakeConn) Disconnect() error                            { c.disconnected = true; return nil }

type fakeDialer struct {
	conn *fakeConn
	err  error
	got  string
}

func (d *fakeDialer) Dial(ctx context.Context, address string) (api.Conn, error) {
	d.got = address
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func TestDialProber(t *testing.T) {
	d := &fakeDialer{conn: &fakeConn{}}
	require.NoError(t, DialProber{Dialer: d}.Probe(context.Background(), addr))
	assert.Equal(t, addr, d.got)
	assert.True(t, d.conn.disconnected)

	dialErr := errors.New("unreachable")
	err := DialProber{Dialer: &fakeDialer{err: dialErr}}.Probe(context.Background(), addr)
	assert.ErrorIs(t, err, dialErr)
}
