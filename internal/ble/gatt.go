package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/vitaminmoo/glowswitch/internal/config"

	"tinygo.org/x/bluetooth"
)

// ServiceInfo describes one discovered GATT service.
type ServiceInfo struct {
	UUID            string
	Characteristics []string
}

// Conn is an open connection to a device. Characteristics are discovered on
// first use and cached for the life of the connection.
type Conn struct {
	address string
	device  bluetooth.Device

	mu       sync.Mutex
	chars    map[string]*bluetooth.DeviceCharacteristic
	services []ServiceInfo
}

func newConn(address string, device bluetooth.Device) *Conn {
	return &Conn{address: address, device: device}
}

// Address returns the normalised device address.
func (c *Conn) Address() string { return c.address }

func (c *Conn) discover() error {
	if c.chars != nil {
		return nil
	}

	services, err := c.device.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServiceDiscovery, err)
	}

	chars := make(map[string]*bluetooth.DeviceCharacteristic)
	infos := make([]ServiceInfo, 0, len(services))
	for i := range services {
		found, err := services[i].DiscoverCharacteristics(nil)
		if err != nil {
			return fmt.Errorf("%w: service %s: %v", ErrServiceDiscovery, services[i].UUID().String(), err)
		}

		info := ServiceInfo{UUID: strings.ToLower(services[i].UUID().String())}
		for j := range found {
			uuid := strings.ToLower(found[j].UUID().String())
			chars[uuid] = &found[j]
			info.Characteristics = append(info.Characteristics, uuid)
		}
		infos = append(infos, info)
	}

	config.Debugf("Discovered %d services, %d characteristics on %s", len(infos), len(chars), c.address)
	c.chars = chars
	c.services = infos
	return nil
}

func (c *Conn) characteristic(uuid string) (*bluetooth.DeviceCharacteristic, error) {
	if err := c.discover(); err != nil {
		return nil, err
	}
	ch, ok := c.chars[strings.ToLower(uuid)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCharacteristicNotFound, uuid)
	}
	return ch, nil
}

// Services returns the discovered GATT table.
func (c *Conn) Services() ([]ServiceInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.discover(); err != nil {
		return nil, err
	}
	return c.services, nil
}

// Write writes data to the characteristic identified by uuid.
// NOTE: tinygo bluetooth on Linux does not implement write-with-response,
// so this is always a write command.
func (c *Conn) Write(ctx context.Context, uuid string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.characteristic(uuid)
	if err != nil {
		return err
	}

	config.Debugf("Writing %d bytes to %s: %x", len(data), uuid, data)
	if _, err := ch.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("write %s: %w", uuid, err)
	}
	return nil
}

// Read reads the current value of the characteristic identified by uuid.
func (c *Conn) Read(ctx context.Context, uuid string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.characteristic(uuid)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, readBufferSize)
	n, err := ch.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", uuid, err)
	}
	config.Debugf("Read %d bytes from %s", n, uuid)
	return buf[:n], nil
}

// Disconnect closes the connection.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.chars = nil
	c.services = nil
	return c.device.Disconnect()
}
