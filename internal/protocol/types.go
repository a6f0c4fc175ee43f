package protocol

// PowerCharacteristicUUID is the GATT characteristic that switches the device.
// A single byte is written: PowerOn or PowerOff.
const PowerCharacteristicUUID = "12345678-1234-5678-1234-56789abcdef1"

// Power command bytes
const (
	PowerOff byte = 0x00
	PowerOn  byte = 0x01
)

// Device types reported by the config flow
const (
	DeviceTypeGlowSwitch = "glowswitch"
	DeviceTypeGlowDim    = "glowdim"
)

// PowerPayload returns the exact bytes written to PowerCharacteristicUUID
// for the requested power state.
func PowerPayload(on bool) []byte {
	if on {
		return []byte{PowerOn}
	}
	return []byte{PowerOff}
}

// PowerString renders a power state the way the CLI and TUI print it.
func PowerString(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
