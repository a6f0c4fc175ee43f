package hass

import (
	"strings"

	"github.com/vitaminmoo/glowswitch/internal/coordinator"
	"github.com/vitaminmoo/glowswitch/internal/store"
)

const (
	PayloadOn      = "ON"
	PayloadOff     = "OFF"
	PayloadOnline  = "online"
	PayloadOffline = "offline"

	manufacturer = "GlowSwitch"
)

// DeviceConfig is the device block shared by every entity of an entry.
type DeviceConfig struct {
	Identifiers  []string    `json:"identifiers"`
	Connections  [][2]string `json:"connections,omitempty"`
	Name         string      `json:"name"`
	Manufacturer string      `json:"manufacturer"`
	Model        string      `json:"model,omitempty"`
}

type Availability struct {
	Topic string `json:"topic"`
}

// LightConfig is the MQTT discovery payload of the light entity.
type LightConfig struct {
	Name             string         `json:"name"`
	UniqueID         string         `json:"unique_id"`
	ObjectID         string         `json:"object_id,omitempty"`
	CommandTopic     string         `json:"command_topic"`
	StateTopic       string         `json:"state_topic"`
	PayloadOn        string         `json:"payload_on"`
	PayloadOff       string         `json:"payload_off"`
	Optimistic       bool           `json:"optimistic"`
	Availability     []Availability `json:"availability"`
	AvailabilityMode string         `json:"availability_mode"`
	Device           DeviceConfig   `json:"device"`
}

// BinarySensorConfig is the discovery payload of the connectivity sensor.
type BinarySensorConfig struct {
	Name         string         `json:"name"`
	UniqueID     string         `json:"unique_id"`
	DeviceClass  string         `json:"device_class"`
	StateTopic   string         `json:"state_topic"`
	PayloadOn    string         `json:"payload_on"`
	PayloadOff   string         `json:"payload_off"`
	Availability []Availability `json:"availability"`
	Device       DeviceConfig   `json:"device"`
}

// Topics are the MQTT topics of one entry.
type Topics struct {
	Node               string
	LightConfig        string
	ConnectivityConfig string
	Command            string
	State              string
	Connectivity       string
	Availability       string
}

// NodeID is the lower-case address without separators.
func NodeID(address string) string {
	r := strings.NewReplacer(":", "", "-", "")
	return strings.ToLower(r.Replace(address))
}

func NewTopics(discoveryPrefix, baseTopic, address string) Topics {
	node := NodeID(address)
	base := baseTopic + "/" + node
	return Topics{
		Node:               node,
		LightConfig:        discoveryPrefix + "/light/" + node + "/light/config",
		ConnectivityConfig: discoveryPrefix + "/binary_sensor/" + node + "/connectivity/config",
		Command:            base + "/light/set",
		State:              base + "/light/state",
		Connectivity:       base + "/connectivity/state",
		Availability:       base + "/availability",
	}
}

func bridgeAvailabilityTopic(baseTopic string) string {
	return baseTopic + "/bridge/availability"
}

func deviceConfig(entry store.Entry, info coordinator.DeviceInfo) DeviceConfig {
	d := DeviceConfig{
		Identifiers:  []string{entry.UniqueID},
		Name:         info.Name,
		Manufacturer: manufacturer,
		Model:        entry.DeviceType,
	}
	if d.Name == "" {
		d.Name = entry.Title
	}
	for _, c := range info.Connections {
		d.Connections = append(d.Connections, [2]string{c.Type, c.ID})
	}
	return d
}

func lightConfig(t Topics, bridgeTopic, name, uniqueID string, dev DeviceConfig) LightConfig {
	return LightConfig{
		Name:         name,
		UniqueID:     uniqueID,
		CommandTopic: t.Command,
		StateTopic:   t.State,
		PayloadOn:    PayloadOn,
		PayloadOff:   PayloadOff,
		Availability: []Availability{
			{Topic: bridgeTopic},
			{Topic: t.Availability},
		},
		AvailabilityMode: "all",
		Device:           dev,
	}
}

func connectivityConfig(t Topics, bridgeTopic, uniqueID string, dev DeviceConfig) BinarySensorConfig {
	return BinarySensorConfig{
		Name:         "Connection",
		UniqueID:     uniqueID,
		DeviceClass:  "connectivity",
		StateTopic:   t.Connectivity,
		PayloadOn:    PayloadOn,
		PayloadOff:   PayloadOff,
		Availability: []Availability{{Topic: bridgeTopic}},
		Device:       dev,
	}
}

func statePayload(on bool) string {
	if on {
		return PayloadOn
	}
	return PayloadOff
}

// parseCommand maps a command payload to a power state. ok is false for
// payloads other than ON and OFF.
func parseCommand(payload []byte) (on bool, ok bool) {
	switch strings.ToUpper(strings.TrimSpace(string(payload))) {
	case PayloadOn:
		return true, true
	case PayloadOff:
		return false, true
	}
	return false, false
}
