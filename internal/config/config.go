// Package config loads the ATS-Mini client configuration from an optional
// YAML file and ATSMINI_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvPort   = "ATSMINI_PORT"
	EnvWSURL  = "ATSMINI_WS_URL"
	EnvBLE    = "ATSMINI_BLE"
	EnvDebug  = "ATSMINI_DEBUG"
	EnvDB     = "ATSMINI_DB"
	EnvListen = "ATSMINI_LISTEN"
)

// Transport kinds, in selection precedence order.
const (
	KindWebSocket = "websocket"
	KindBLE       = "ble"
	KindSerial    = "serial"
)

// Config is the root configuration.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	RPC       RPCConfig       `yaml:"rpc"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Store     StoreConfig     `yaml:"store"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Log       LogConfig       `yaml:"log"`
}

type TransportConfig struct {
	Serial    SerialConfig    `yaml:"serial"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	BLE       BLEConfig       `yaml:"ble"`
}

type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

type WebSocketConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// BLEConfig selects BLE when Enabled is set.
type BLEConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Name        string        `yaml:"name"`
	ScanTimeout time.Duration `yaml:"scan_timeout"`
}

type RPCConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type MonitorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	// SubscribeStats asks the device for periodic stats events on start.
	SubscribeStats bool `yaml:"subscribe_stats"`
	// BusBuffer is the per-subscriber channel depth of the event bus.
	BusBuffer int `yaml:"bus_buffer"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
	// Record persists received events when the gateway runs.
	Record bool `yaml:"record"`
}

type GatewayConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// Reconnect retries the device link with backoff after it is lost.
	Reconnect bool `yaml:"reconnect"`
}

type LogConfig struct {
	Debug  bool   `yaml:"debug"`
	Format string `yaml:"format"` // console | json
}

// Default returns a Config with every default applied and no transport.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Serial:    SerialConfig{BaudRate: 115200},
			WebSocket: WebSocketConfig{Timeout: 3 * time.Second},
			BLE:       BLEConfig{Name: "ATS-Mini", ScanTimeout: 10 * time.Second},
		},
		RPC:     RPCConfig{Timeout: 5 * time.Second},
		Monitor: MonitorConfig{PollInterval: time.Second, SubscribeStats: true, BusBuffer: 256},
		Store:   StoreConfig{Path: "atsmini.db", Record: true},
		Gateway: GatewayConfig{ListenAddr: "127.0.0.1:8080", Reconnect: true},
		Log:     LogConfig{Format: "console"},
	}
}

// Load reads path (optional; "" skips the file) over the defaults and then
// applies environment overrides. It does not validate: flags may still fill
// in the transport.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// ApplyEnv overrides fields from the ATSMINI_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvPort); ok && v != "" {
		c.Transport.Serial.Port = v
	}
	if v, ok := lookup(EnvWSURL); ok && v != "" {
		c.Transport.WebSocket.URL = v
	}
	if v, ok := lookup(EnvBLE); ok {
		c.Transport.BLE.Enabled = true
		if v != "" {
			c.Transport.BLE.Name = v
		}
	}
	if v, ok := lookup(EnvDebug); ok {
		c.Log.Debug = Truthy(v)
	}
	if v, ok := lookup(EnvDB); ok && v != "" {
		c.Store.Path = v
	}
	if v, ok := lookup(EnvListen); ok && v != "" {
		c.Gateway.ListenAddr = v
	}
}

// TransportKind returns the selected transport. WebSocket wins over BLE,
// which wins over serial. Empty when nothing is configured.
func (c *Config) TransportKind() string {
	switch {
	case c.Transport.WebSocket.URL != "":
		return KindWebSocket
	case c.Transport.BLE.Enabled:
		return KindBLE
	case c.Transport.Serial.Port != "":
		return KindSerial
	default:
		return ""
	}
}

// ErrNoTransport is returned by Validate when no link is configured.
var ErrNoTransport = errors.New("config: no transport specified; use --port, --ws or --ble " +
	"(or set " + EnvPort + " / " + EnvWSURL + " / " + EnvBLE + ")")

// Validate checks that the configuration can be used to connect.
func (c *Config) Validate() error {
	var errs []error
	if c.TransportKind() == "" {
		errs = append(errs, ErrNoTransport)
	}
	if c.Transport.Serial.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("config: transport.serial.baud_rate must be positive"))
	}
	if c.RPC.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("config: rpc.timeout must be positive"))
	}
	if c.Monitor.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("config: monitor.poll_interval must be positive"))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("config: log.format %q is not console or json", c.Log.Format))
	}
	return multierr.Combine(errs...)
}

// Truthy reports whether an environment value means "on".
func Truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
