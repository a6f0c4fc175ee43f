package hass

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vitaminmoo/glowswitch/internal/config"
	"github.com/vitaminmoo/glowswitch/internal/coordinator"
	"github.com/vitaminmoo/glowswitch/internal/light"
	"github.com/vitaminmoo/glowswitch/internal/store"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	retained bool
	payload  string
}

type fakeClient struct {
	mu        sync.Mutex
	connected bool
	published []published
	handlers  map[string]mqtt.MessageHandler
}

func newFakeClient() *fakeClient {
	return &fakeClient{connected: true, handlers: make(map[string]mqtt.MessageHandler)}
}

func (c *fakeClient) IsConnected() bool      { return c.connected }
func (c *fakeClient) IsConnectionOpen() bool { return c.connected }
func (c *fakeClient) Connect() mqtt.Token    { return &fakeToken{} }
func (c *fakeClient) Disconnect(uint)        { c.connected = false }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s string
	switch p := payload.(type) {
	case string:
		s = p
	case []byte:
		s = string(p)
	}
	c.published = append(c.published, published{topic: topic, retained: retained, payload: s})
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
	return &fakeToken{}
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for topic := range filters {
		c.Subscribe(topic, 0, callback)
	}
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token { return &fakeToken{} }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler)    {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

// deliver invokes the handler subscribed to filter.
func (c *fakeClient) deliver(filter, topic, payload string) {
	c.mu.Lock()
	h := c.handlers[filter]
	c.mu.Unlock()
	h(c, &fakeMessage{topic: topic, payload: []byte(payload)})
}

func (c *fakeClient) last(topic string) (published, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.published) - 1; i >= 0; i-- {
		if c.published[i].topic == topic {
			return c.published[i], true
		}
	}
	return published{}, false
}

func (c *fakeClient) count(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.published {
		if p.topic == topic {
			n++
		}
	}
	return n
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type fakeSwitch struct {
	mu        sync.Mutex
	on        bool
	reported  bool
	available bool
	err       error
	calls     []bool
	listeners []func(bool)
}

func (s *fakeSwitch) set(on bool) error {
	s.mu.Lock()
	s.calls = append(s.calls, on)
	if s.err != nil {
		s.mu.Unlock()
		return s.err
	}
	s.on, s.reported = on, true
	listeners := s.listeners
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(on)
	}
	return nil
}

func (s *fakeSwitch) TurnOn(context.Context) error  { return s.set(true) }
func (s *fakeSwitch) TurnOff(context.Context) error { return s.set(false) }
func (s *fakeSwitch) IsOn() bool                    { s.mu.Lock(); defer s.mu.Unlock(); return s.on }
func (s *fakeSwitch) Reported() bool                { s.mu.Lock(); defer s.mu.Unlock(); return s.reported }
func (s *fakeSwitch) Available() bool               { return s.available }
func (s *fakeSwitch) Name() string                  { return "GlowSwitch Light" }
func (s *fakeSwitch) UniqueID() string              { return "AA:BB:CC:DD:EE:FF_light" }
func (s *fakeSwitch) OnChange(fn func(on bool)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

const (
	addr = "AA:BB:CC:DD:EE:FF"
	node = "aabbccddeeff"
)

func testEntry() store.Entry {
	return store.Entry{ID: "01J", UniqueID: addr, Title: "Kitchen", Address: addr, DeviceType: "glowswitch"}
}

func newTestBridge(t *testing.T, sw *fakeSwitch) (*Bridge, *fakeClient) {
	t.Helper()
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)

	client := newFakeClient()
	b := New(client, Options{DiscoveryPrefix: "homeassistant", BaseTopic: "glowswitch"}, l)
	require.NoError(t, b.Add(Device{
		Entry:     testEntry(),
		Info:      coordinator.New(addr, "Kitchen").DeviceInfo(),
		Light:     sw,
		Connected: func() bool { return true },
	}))
	require.NoError(t, b.Start())
	t.Cleanup(b.Close)
	return b, client
}

func TestNewTopics(t *testing.T) {
	topics := NewTopics("homeassistant", "glowswitch", "AA:BB:CC:DD:EE:FF")
	assert.Equal(t, node, topics.Node)
	assert.Equal(t, "homeassistant/light/aabbccddeeff/light/config", topics.LightConfig)
	assert.Equal(t, "homeassistant/binary_sensor/aabbccddeeff/connectivity/config", topics.ConnectivityConfig)
	assert.Equal(t, "glowswitch/aabbccddeeff/light/set", topics.Command)
	assert.Equal(t, "glowswitch/aabbccddeeff/light/state", topics.State)
	assert.Equal(t, "glowswitch/aabbccddeeff/connectivity/state", topics.Connectivity)
	assert.Equal(t, "glowswitch/aabbccddeeff/availability", topics.Availability)
}

func TestParseCommand(t *testing.T) {
	for payload, want := range map[string]bool{"ON": true, "on": true, " OFF\n": false} {
		on, ok := parseCommand([]byte(payload))
		assert.True(t, ok, payload)
		assert.Equal(t, want, on, payload)
	}
	_, ok := parseCommand([]byte("TOGGLE"))
	assert.False(t, ok)
}

func TestStartPublishesDiscovery(t *testing.T) {
	_, client := newTestBridge(t, &fakeSwitch{available: true})

	p, ok := client.last("homeassistant/light/" + node + "/light/config")
	require.True(t, ok)
	assert.True(t, p.retained)

	var lc LightConfig
	require.NoError(t, json.Unmarshal([]byte(p.payload), &lc))
	assert.Equal(t, "GlowSwitch Light", lc.Name)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF_light", lc.UniqueID)
	assert.Equal(t, "glowswitch/"+node+"/light/set", lc.CommandTopic)
	assert.Equal(t, "glowswitch/"+node+"/light/state", lc.StateTopic)
	assert.Equal(t, []string{addr}, lc.Device.Identifiers)
	assert.Equal(t, [][2]string{{"bluetooth", addr}}, lc.Device.Connections)
	assert.Equal(t, "Kitchen", lc.Device.Name)

	p, ok = client.last("homeassistant/binary_sensor/" + node + "/connectivity/config")
	require.True(t, ok)
	var bc BinarySensorConfig
	require.NoError(t, json.Unmarshal([]byte(p.payload), &bc))
	assert.Equal(t, "connectivity", bc.DeviceClass)
	assert.Equal(t, addr, bc.UniqueID)

	p, _ = client.last("glowswitch/bridge/availability")
	assert.Equal(t, PayloadOnline, p.payload)
	p, _ = client.last("glowswitch/" + node + "/availability")
	assert.Equal(t, PayloadOnline, p.payload)
	p, _ = client.last("glowswitch/" + node + "/connectivity/state")
	assert.Equal(t, PayloadOn, p.payload)

	_, ok = client.last("glowswitch/" + node + "/light/state")
	assert.False(t, ok, "unreported state is not published")
}

func TestCommandTurnsOnAndPublishesState(t *testing.T) {
	sw := &fakeSwitch{available: true}
	b, client := newTestBridge(t, sw)

	client.deliver("glowswitch/+/light/set", "glowswitch/"+node+"/light/set", "ON")
	b.queued.Wait()

	assert.Equal(t, []bool{true}, sw.calls)
	p, ok := client.last("glowswitch/" + node + "/light/state")
	require.True(t, ok)
	assert.Equal(t, PayloadOn, p.payload)
	assert.True(t, p.retained)

	client.deliver("glowswitch/+/light/set", "glowswitch/"+node+"/light/set", "OFF")
	b.queued.Wait()
	p, _ = client.last("glowswitch/" + node + "/light/state")
	assert.Equal(t, PayloadOff, p.payload)
}

func TestFailedCommandLeavesStateUnpublished(t *testing.T) {
	sw := &fakeSwitch{available: false, err: errors.New("unreachable")}
	b, client := newTestBridge(t, sw)

	client.deliver("glowswitch/+/light/set", "glowswitch/"+node+"/light/set", "ON")
	b.queued.Wait()

	assert.Equal(t, []bool{true}, sw.calls)
	_, ok := client.last("glowswitch/" + node + "/light/state")
	assert.False(t, ok)
	p, _ := client.last("glowswitch/" + node + "/availability")
	assert.Equal(t, PayloadOffline, p.payload)
}

func TestUnknownPayloadAndDeviceIgnored(t *testing.T) {
	sw := &fakeSwitch{available: true}
	b, client := newTestBridge(t, sw)

	client.deliver("glowswitch/+/light/set", "glowswitch/"+node+"/light/set", "BLINK")
	client.deliver("glowswitch/+/light/set", "glowswitch/000000000000/light/set", "ON")
	b.queued.Wait()

	assert.Empty(t, sw.calls)
}

func TestStatusOnlineRepublishesDiscovery(t *testing.T) {
	_, client := newTestBridge(t, &fakeSwitch{available: true})
	topic := "homeassistant/light/" + node + "/light/config"
	before := client.count(topic)
	require.Positive(t, before)

	client.deliver("homeassistant/status", "homeassistant/status", "offline")
	assert.Equal(t, before, client.count(topic))

	client.deliver("homeassistant/status", "homeassistant/status", "online")
	assert.Equal(t, before+1, client.count(topic))
}

func TestAdvertisingDrivesAvailability(t *testing.T) {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	client := newFakeClient()
	b := New(client, Options{DiscoveryPrefix: "homeassistant", BaseTopic: "glowswitch"}, l)

	advertising := false
	require.NoError(t, b.Add(Device{
		Entry:       testEntry(),
		Light:       &fakeSwitch{available: true},
		Advertising: func() bool { return advertising },
	}))

	p, _ := client.last("glowswitch/" + node + "/availability")
	assert.Equal(t, PayloadOffline, p.payload)
	p, _ = client.last("glowswitch/" + node + "/connectivity/state")
	assert.Equal(t, PayloadOff, p.payload)

	advertising = true
	require.NoError(t, b.PublishAvailability("aa:bb:cc:dd:ee:ff"))
	p, _ = client.last("glowswitch/" + node + "/availability")
	assert.Equal(t, PayloadOnline, p.payload)
}

// slowWriter records power writes, taking a little time for each.
type slowWriter struct {
	mu     sync.Mutex
	writes [][]byte
}

func (w *slowWriter) WriteGATT(ctx context.Context, uuid string, data []byte) error {
	time.Sleep(2 * time.Millisecond)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, append([]byte(nil), data...))
	return nil
}

func TestCommandsRunInArrivalOrder(t *testing.T) {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)

	for i := 0; i < 50; i++ {
		w := &slowWriter{}
		lt := light.New(addr, w, light.WithLogger(l))

		client := newFakeClient()
		b := New(client, Options{DiscoveryPrefix: "homeassistant", BaseTopic: "glowswitch"}, l)
		require.NoError(t, b.Add(Device{Entry: testEntry(), Light: lt}))
		require.NoError(t, b.Start())

		client.deliver("glowswitch/+/light/set", "glowswitch/"+node+"/light/set", "ON")
		client.deliver("glowswitch/+/light/set", "glowswitch/"+node+"/light/set", "OFF")
		b.queued.Wait()

		assert.False(t, lt.IsOn(), "run %d", i)
		assert.Equal(t, [][]byte{{0x01}, {0x00}}, w.writes, "run %d", i)
		p, _ := client.last("glowswitch/" + node + "/light/state")
		assert.Equal(t, PayloadOff, p.payload, "run %d", i)
		b.Close()
	}
}

func TestRemoveStopsWorker(t *testing.T) {
	sw := &fakeSwitch{available: true}
	b, client := newTestBridge(t, sw)

	require.NoError(t, b.Remove(addr))
	client.deliver("glowswitch/+/light/set", "glowswitch/"+node+"/light/set", "ON")
	b.queued.Wait()
	assert.Empty(t, sw.calls)
}

func TestRemoveUnknownAddressClearsDiscovery(t *testing.T) {
	client := newFakeClient()
	b := New(client, Options{DiscoveryPrefix: "homeassistant", BaseTopic: "glowswitch"}, nil)
	defer b.Close()

	require.NoError(t, b.Remove("11:22:33:44:55:66"))
	p, ok := client.last("homeassistant/light/112233445566/light/config")
	require.True(t, ok)
	assert.Equal(t, "", p.payload)
	assert.True(t, p.retained)
	p, ok = client.last("homeassistant/binary_sensor/112233445566/connectivity/config")
	require.True(t, ok)
	assert.Equal(t, "", p.payload)
}

func TestRemoveClearsDiscovery(t *testing.T) {
	b, client := newTestBridge(t, &fakeSwitch{available: true})

	require.NoError(t, b.Remove(addr))
	p, _ := client.last("homeassistant/light/" + node + "/light/config")
	assert.Equal(t, "", p.payload)
	assert.True(t, p.retained)
	p, _ = client.last("homeassistant/binary_sensor/" + node + "/connectivity/config")
	assert.Equal(t, "", p.payload)

	require.NoError(t, b.Remove(addr))
}

func TestCloseMarksBridgeOffline(t *testing.T) {
	b, client := newTestBridge(t, &fakeSwitch{available: true})
	b.Close()

	p, _ := client.last("glowswitch/bridge/availability")
	assert.Equal(t, PayloadOffline, p.payload)
	assert.False(t, client.IsConnected())
}

func TestClientOptions(t *testing.T) {
	cfg := config.Defaults().MQTT
	cfg.Username = "user"
	cfg.Password = "secret"
	opts := ClientOptions(cfg)

	assert.Equal(t, "glowswitch", opts.ClientID)
	assert.Equal(t, "user", opts.Username)
	assert.Equal(t, "glowswitch/bridge/availability", opts.WillTopic)
	assert.Equal(t, []byte(PayloadOffline), opts.WillPayload)
	assert.True(t, opts.WillRetained)
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "localhost:1883", opts.Servers[0].Host)
}
