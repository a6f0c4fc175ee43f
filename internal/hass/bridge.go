// Package hass publishes configured devices to Home Assistant using MQTT
// discovery and executes the commands it sends back.
package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vitaminmoo/glowswitch/internal/config"
	"github.com/vitaminmoo/glowswitch/internal/coordinator"
	"github.com/vitaminmoo/glowswitch/internal/store"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTokenTimeout   = 10 * time.Second
	DefaultCommandTimeout = 2 * time.Minute
	DefaultConnectTimeout = 10 * time.Second

	// commandQueue bounds the commands waiting for one device.
	commandQueue = 16
)

var ErrTimeout = errors.New("mqtt operation timed out")

// Switch is the light an entry exposes.
type Switch interface {
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
	IsOn() bool
	Reported() bool
	Available() bool
	Name() string
	UniqueID() string
	OnChange(fn func(on bool))
}

// Device is one configured entry as seen by the bridge.
type Device struct {
	Entry store.Entry
	Info  coordinator.DeviceInfo
	Light Switch

	// Advertising and Connected are optional; nil means true and false.
	Advertising func() bool
	Connected   func() bool
}

type device struct {
	Device
	topics Topics

	// Commands run one at a time in arrival order.
	cmds chan bool
	stop chan struct{}
}

func (d *device) online() bool {
	if d.Advertising != nil && !d.Advertising() {
		return false
	}
	return d.Light.Available()
}

func (d *device) connected() bool {
	return d.Connected != nil && d.Connected()
}

type Options struct {
	DiscoveryPrefix string
	BaseTopic       string
	QoS             byte
	TokenTimeout    time.Duration
	CommandTimeout  time.Duration
}

func OptionsFromConfig(cfg config.MQTTConfig) Options {
	return Options{
		DiscoveryPrefix: cfg.DiscoveryPrefix,
		BaseTopic:       cfg.BaseTopic,
		QoS:             cfg.QoS,
	}
}

// Bridge mirrors devices onto MQTT.
type Bridge struct {
	client mqtt.Client
	opts   Options
	log    logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // command workers
	queued sync.WaitGroup // commands accepted but not yet executed

	mu      sync.RWMutex
	devices map[string]*device
}

// New creates a bridge on an existing client. Call Dial instead to have the
// bridge own the connection.
func New(client mqtt.Client, opts Options, log logrus.FieldLogger) *Bridge {
	if opts.TokenTimeout <= 0 {
		opts.TokenTimeout = DefaultTokenTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		client:  client,
		opts:    opts,
		log:     log.WithField("component", "hass"),
		ctx:     ctx,
		cancel:  cancel,
		devices: make(map[string]*device),
	}
}

// ClientOptions builds paho options from cfg, with the bridge availability
// topic as last will.
func ClientOptions(cfg config.MQTTConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetPingTimeout(5 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)
	opts.SetWill(bridgeAvailabilityTopic(cfg.BaseTopic), PayloadOffline, cfg.QoS, true)
	return opts
}

// Dial connects to the broker described by cfg. Subscriptions and discovery
// are (re)sent on every connect.
func Dial(ctx context.Context, cfg config.MQTTConfig, log logrus.FieldLogger) (*Bridge, error) {
	b := New(nil, OptionsFromConfig(cfg), log)

	opts := ClientOptions(cfg)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		if err := b.Start(); err != nil {
			b.log.WithError(err).Error("Failed to start bridge after connect")
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.log.WithError(err).Warn("MQTT connection lost")
	})
	b.client = mqtt.NewClient(opts)

	b.log.WithField("broker", cfg.Broker).Info("Connecting to MQTT broker")
	if err := connect(ctx, b.client, cfg.Broker); err != nil {
		return nil, err
	}
	return b, nil
}

// Withdraw removes the retained discovery configs of address using a short
// lived connection, so Home Assistant drops its entities. The bridge
// availability of a running serve is left alone.
func Withdraw(ctx context.Context, cfg config.MQTTConfig, address string, log logrus.FieldLogger) error {
	opts := ClientOptions(cfg)
	opts.SetClientID(cfg.ClientID + "-withdraw")
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(DefaultConnectTimeout)
	opts.WillEnabled = false

	client := mqtt.NewClient(opts)
	if err := connect(ctx, client, cfg.Broker); err != nil {
		return err
	}
	defer client.Disconnect(250)

	b := New(client, OptionsFromConfig(cfg), log)
	defer b.cancel()
	return b.Remove(address)
}

func connect(ctx context.Context, client mqtt.Client, broker string) error {
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", broker, err)
	}
	return nil
}

// Add registers d, starts its command worker and, when connected,
// publishes it.
func (b *Bridge) Add(d Device) error {
	dev := &device{
		Device: d,
		topics: NewTopics(b.opts.DiscoveryPrefix, b.opts.BaseTopic, d.Entry.Address),
		cmds:   make(chan bool, commandQueue),
		stop:   make(chan struct{}),
	}

	b.mu.Lock()
	if prev, ok := b.devices[dev.topics.Node]; ok {
		close(prev.stop)
	}
	b.devices[dev.topics.Node] = dev
	b.mu.Unlock()

	b.wg.Add(1)
	go b.worker(dev)

	d.Light.OnChange(func(on bool) {
		if err := b.publish(dev.topics.State, statePayload(on)); err != nil {
			b.log.WithError(err).WithField("address", d.Entry.Address).Warn("Failed to publish state")
		}
	})

	if b.client == nil || !b.client.IsConnected() {
		return nil
	}
	return b.publishDevice(dev)
}

// Remove withdraws the entities of address from Home Assistant and stops
// its worker. The address need not have been added.
func (b *Bridge) Remove(address string) error {
	topics := NewTopics(b.opts.DiscoveryPrefix, b.opts.BaseTopic, address)

	b.mu.Lock()
	if dev, ok := b.devices[topics.Node]; ok {
		close(dev.stop)
		delete(b.devices, topics.Node)
	}
	b.mu.Unlock()

	return errors.Join(
		b.publish(topics.LightConfig, ""),
		b.publish(topics.ConnectivityConfig, ""),
	)
}

// Start announces the bridge, subscribes to commands, and publishes every
// device. It runs on each (re)connect.
func (b *Bridge) Start() error {
	if err := b.publish(bridgeAvailabilityTopic(b.opts.BaseTopic), PayloadOnline); err != nil {
		return err
	}

	commandTopic := b.opts.BaseTopic + "/+/light/set"
	if err := b.wait(b.client.Subscribe(commandTopic, b.opts.QoS, b.handleCommand)); err != nil {
		return fmt.Errorf("subscribe %s: %w", commandTopic, err)
	}
	statusTopic := b.opts.DiscoveryPrefix + "/status"
	if err := b.wait(b.client.Subscribe(statusTopic, b.opts.QoS, b.handleStatus)); err != nil {
		return fmt.Errorf("subscribe %s: %w", statusTopic, err)
	}

	return b.PublishAll()
}

// PublishAll publishes discovery, state and availability for every device.
func (b *Bridge) PublishAll() error {
	var errs []error
	for _, dev := range b.snapshot() {
		errs = append(errs, b.publishDevice(dev))
	}
	return errors.Join(errs...)
}

// PublishAvailability re-publishes availability and connectivity of address,
// e.g. after the coordinator saw it come or go.
func (b *Bridge) PublishAvailability(address string) error {
	dev, ok := b.lookup(NodeID(address))
	if !ok {
		return nil
	}
	return b.publishStatus(dev)
}

// Close publishes the bridge as offline, waits for running commands and
// disconnects.
func (b *Bridge) Close() {
	b.cancel()
	b.wg.Wait()
	if b.client == nil || !b.client.IsConnected() {
		return
	}
	if err := b.publish(bridgeAvailabilityTopic(b.opts.BaseTopic), PayloadOffline); err != nil {
		b.log.WithError(err).Warn("Failed to publish bridge offline")
	}
	b.client.Disconnect(250)
}

func (b *Bridge) publishDevice(dev *device) error {
	devCfg := deviceConfig(dev.Entry, dev.Info)
	bridgeTopic := bridgeAvailabilityTopic(b.opts.BaseTopic)

	lightCfg, err := json.Marshal(lightConfig(dev.topics, bridgeTopic, dev.Light.Name(), dev.Light.UniqueID(), devCfg))
	if err != nil {
		return err
	}
	connCfg, err := json.Marshal(connectivityConfig(dev.topics, bridgeTopic, dev.Entry.UniqueID, devCfg))
	if err != nil {
		return err
	}

	errs := []error{
		b.publish(dev.topics.LightConfig, lightCfg),
		b.publish(dev.topics.ConnectivityConfig, connCfg),
	}
	if dev.Light.Reported() {
		errs = append(errs, b.publish(dev.topics.State, statePayload(dev.Light.IsOn())))
	}
	errs = append(errs, b.publishStatus(dev))
	return errors.Join(errs...)
}

func (b *Bridge) publishStatus(dev *device) error {
	availability := PayloadOffline
	if dev.online() {
		availability = PayloadOnline
	}
	return errors.Join(
		b.publish(dev.topics.Availability, availability),
		b.publish(dev.topics.Connectivity, statePayload(dev.connected())),
	)
}

func (b *Bridge) handleStatus(_ mqtt.Client, msg mqtt.Message) {
	if strings.TrimSpace(string(msg.Payload())) != PayloadOnline {
		return
	}
	b.log.Info("Home Assistant came online, re-publishing discovery")
	if err := b.PublishAll(); err != nil {
		b.log.WithError(err).Warn("Failed to re-publish discovery")
	}
}

func (b *Bridge) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) < 3 {
		return
	}
	node := parts[len(parts)-3]

	dev, ok := b.lookup(node)
	if !ok {
		b.log.WithField("topic", msg.Topic()).Debug("Command for unknown device")
		return
	}

	on, ok := parseCommand(msg.Payload())
	if !ok {
		b.log.WithFields(logrus.Fields{
			"address": dev.Entry.Address,
			"payload": string(msg.Payload()),
		}).Warn("Ignoring unknown command")
		return
	}

	b.queued.Add(1)
	select {
	case dev.cmds <- on:
	default:
		b.queued.Done()
		b.log.WithField("address", dev.Entry.Address).Warn("Command queue full, dropping command")
	}
}

// worker executes the commands of dev in arrival order until the bridge
// closes or dev is removed.
func (b *Bridge) worker(dev *device) {
	defer b.wg.Done()
	defer b.discard(dev)

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-dev.stop:
			return
		case on := <-dev.cmds:
			b.execute(dev, on)
			b.queued.Done()
		}
	}
}

func (b *Bridge) discard(dev *device) {
	for {
		select {
		case <-dev.cmds:
			b.queued.Done()
		default:
			return
		}
	}
}

func (b *Bridge) execute(dev *device, on bool) {
	ctx, cancel := context.WithTimeout(b.ctx, b.opts.CommandTimeout)
	defer cancel()

	log := b.log.WithField("address", dev.Entry.Address)
	var err error
	if on {
		err = dev.Light.TurnOn(ctx)
	} else {
		err = dev.Light.TurnOff(ctx)
	}
	if err != nil {
		log.WithError(err).Warn("Command failed")
	} else {
		log.Infof("Light turned %s", strings.ToLower(statePayload(on)))
	}

	if err := b.publishStatus(dev); err != nil {
		log.WithError(err).Warn("Failed to publish availability")
	}
}

func (b *Bridge) publish(topic string, payload any) error {
	config.Debugf("Publishing %s", topic)
	return b.wait(b.client.Publish(topic, b.opts.QoS, true, payload))
}

func (b *Bridge) wait(token mqtt.Token) error {
	if !token.WaitTimeout(b.opts.TokenTimeout) {
		return ErrTimeout
	}
	return token.Error()
}

func (b *Bridge) lookup(node string) (*device, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	dev, ok := b.devices[node]
	return dev, ok
}

func (b *Bridge) snapshot() []*device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	devs := make([]*device, 0, len(b.devices))
	for _, d := range b.devices {
		devs = append(devs, d)
	}
	return devs
}
