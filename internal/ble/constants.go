package ble

import (
	"errors"
	"time"
)

const (
	// DefaultScanTimeout bounds scans that look for a specific device
	DefaultScanTimeout = 15 * time.Second

	// DefaultConnectTimeout matches the connect timeout of the device client
	DefaultConnectTimeout = 30 * time.Second

	// readBufferSize is large enough for any single-ATT-MTU read
	readBufferSize = 512
)

var (
	// ErrServiceDiscovery means the GATT table could not be discovered on an
	// established connection. The device client retries these.
	ErrServiceDiscovery = errors.New("service discovery has not been performed")

	// ErrCharacteristicNotFound means discovery succeeded but the device does
	// not expose the requested characteristic.
	ErrCharacteristicNotFound = errors.New("characteristic not found")

	// ErrDeviceNotFound means no advertisement was seen for the address.
	ErrDeviceNotFound = errors.New("device not found")
)
