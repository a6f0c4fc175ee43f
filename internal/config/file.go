package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration file.
type Config struct {
	Store StoreConfig `yaml:"store"`
	Log   LogConfig   `yaml:"log"`
	BLE   BLEConfig   `yaml:"ble"`
	Light LightConfig `yaml:"light"`
	MQTT  MQTTConfig  `yaml:"mqtt"`
}

// StoreConfig locates the entry database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LogConfig configures the logger built by NewLogger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr or a file path
}

// BLEConfig holds Bluetooth timing parameters.
type BLEConfig struct {
	ScanTimeout    time.Duration `yaml:"scan_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// StartupTimeout bounds how long serve waits for a device to advertise.
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	// UnavailableAfter marks a device unavailable when no advertisement
	// has been seen for this long.
	UnavailableAfter    time.Duration `yaml:"unavailable_after"`
	DiscoveryRetries    int           `yaml:"discovery_retries"`
	DiscoveryRetryDelay time.Duration `yaml:"discovery_retry_delay"`
}

// LightConfig configures the switch driver.
type LightConfig struct {
	// Recover reconnects and retries a failed on/off write once.
	Recover bool          `yaml:"recover"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the write circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// MQTTConfig configures the Home Assistant bridge.
type MQTTConfig struct {
	Broker          string        `yaml:"broker"`
	ClientID        string        `yaml:"client_id"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	DiscoveryPrefix string        `yaml:"discovery_prefix"`
	BaseTopic       string        `yaml:"base_topic"`
	KeepAlive       time.Duration `yaml:"keep_alive"`
	QoS             byte          `yaml:"qos"`
}

// DefaultDir returns the default configuration directory (~/.glowswitch).
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".glowswitch"), nil
}

// DefaultPath returns the default configuration file path.
func DefaultPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Defaults returns a configuration populated with default values.
func Defaults() *Config {
	storePath := "glowswitch.db"
	if dir, err := DefaultDir(); err == nil {
		storePath = filepath.Join(dir, "glowswitch.db")
	}
	return &Config{
		Store: StoreConfig{Path: storePath},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		BLE: BLEConfig{
			ScanTimeout:         15 * time.Second,
			ConnectTimeout:      30 * time.Second,
			StartupTimeout:      30 * time.Second,
			UnavailableAfter:    5 * time.Minute,
			DiscoveryRetries:    3,
			DiscoveryRetryDelay: 15 * time.Second,
		},
		Light: LightConfig{
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		MQTT: MQTTConfig{
			Broker:          "tcp://localhost:1883",
			ClientID:        "glowswitch",
			DiscoveryPrefix: "homeassistant",
			BaseTopic:       "glowswitch",
			KeepAlive:       60 * time.Second,
		},
	}
}

// Load reads the configuration at path on top of Defaults.
// A missing file is not an error. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(expandHome(path))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	ApplyEnvOverrides(cfg)
	cfg.Store.Path = expandHome(cfg.Store.Path)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies GLOWSWITCH_* environment variables to cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GLOWSWITCH_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("GLOWSWITCH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("GLOWSWITCH_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("GLOWSWITCH_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("GLOWSWITCH_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("GLOWSWITCH_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("GLOWSWITCH_LIGHT_RECOVER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Light.Recover = b
		}
	}
	if v := os.Getenv("GLOWSWITCH_BLE_CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.BLE.ConnectTimeout = d
		}
	}
}

// Validate checks cfg for values the rest of the program cannot work with.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Store.Path == "" {
		errs = append(errs, errors.New("store.path must not be empty"))
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", cfg.Log.Format))
	}
	if cfg.BLE.ScanTimeout <= 0 {
		errs = append(errs, errors.New("ble.scan_timeout must be positive"))
	}
	if cfg.BLE.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("ble.connect_timeout must be positive"))
	}
	if cfg.BLE.StartupTimeout <= 0 {
		errs = append(errs, errors.New("ble.startup_timeout must be positive"))
	}
	if cfg.BLE.DiscoveryRetries < 0 {
		errs = append(errs, errors.New("ble.discovery_retries must not be negative"))
	}
	if cfg.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d: want 0, 1 or 2", cfg.MQTT.QoS))
	}
	if cfg.MQTT.DiscoveryPrefix == "" || cfg.MQTT.BaseTopic == "" {
		errs = append(errs, errors.New("mqtt.discovery_prefix and mqtt.base_topic must not be empty"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
