// Package config loads the YAML configuration shared by msglinkd and
// msglink-device.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Version  string         `yaml:"version"`
	Server   ServerConfig   `yaml:"server"`
	Accept   AcceptConfig   `yaml:"accept"`
	RPC      RPCConfig      `yaml:"rpc"`
	Client   ClientConfig   `yaml:"client"`
	Registry RegistryConfig `yaml:"registry"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Address       string   `yaml:"address"`        // HTTP listener: websocket, metrics, bridge
	WebSocketPath string   `yaml:"websocket_path"` // e.g. /ws
	TCPAddress    string   `yaml:"tcp_address"`    // framed TCP listener, empty disables it
	Codec         string   `yaml:"codec"`          // structured codec on TCP: json or cbor
	ReadLimit     int64    `yaml:"read_limit"`
	WriteTimeout  Duration `yaml:"write_timeout"`
	Keepalive     Duration `yaml:"keepalive"`
	MetricsPath   string   `yaml:"metrics_path"`
	BridgePath    string   `yaml:"bridge_path"`
	InboxSize     int      `yaml:"inbox_size"` // device messages queued for the bridge
}

// AcceptConfig throttles reconnects: a token bucket of Rate per second.
type AcceptConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

type RPCConfig struct {
	CallTimeout    Duration `yaml:"call_timeout"`
	HandlerTimeout Duration `yaml:"handler_timeout"` // zero leaves inbound handlers unbounded
	RateLimit      float64  `yaml:"rate_limit"`      // inbound commands per second, zero disables
	RateBurst      int      `yaml:"rate_burst"`
}

type ClientConfig struct {
	URL       string   `yaml:"url"`       // ws://host:4399/ws or tcp://host:4400
	DeviceID  string   `yaml:"device_id"` // balancing key when discovering
	Balancer  string   `yaml:"balancer"`  // round_robin, weighted_random, consistent_hash
	Discover  bool     `yaml:"discover"`  // pick the URL from the registry instead
	Reconnect Duration `yaml:"reconnect"` // delay between reconnect attempts
}

type RegistryConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Endpoints   []string `yaml:"endpoints"`
	Prefix      string   `yaml:"prefix"`
	Service     string   `yaml:"service"`
	Advertise   string   `yaml:"advertise"` // URL devices should dial
	TTL         int64    `yaml:"ttl"`
	Weight      int      `yaml:"weight"`
	DialTimeout Duration `yaml:"dial_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// Duration accepts Go duration strings such as "10s" or "1m30s".
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dd
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func Default() *Config {
	return &Config{
		Version: "0.1.0",
		Server: ServerConfig{
			Address:       "0.0.0.0:4399",
			WebSocketPath: "/ws",
			Codec:         "json",
			ReadLimit:     4 << 20,
			WriteTimeout:  Duration{10 * time.Second},
			Keepalive:     Duration{30 * time.Second},
			MetricsPath:   "/metrics",
			BridgePath:    "/rpc",
			InboxSize:     1024,
		},
		Accept: AcceptConfig{Rate: 2, Burst: 4},
		RPC: RPCConfig{
			CallTimeout: Duration{10 * time.Second},
			RateBurst:   1,
		},
		Client: ClientConfig{
			URL:       "ws://127.0.0.1:4399/ws",
			Balancer:  "round_robin",
			Reconnect: Duration{2 * time.Second},
		},
		Registry: RegistryConfig{
			Prefix:      "/msglink",
			Service:     "msglink-controller",
			TTL:         10,
			Weight:      1,
			DialTimeout: Duration{5 * time.Second},
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Address == "" && c.Server.TCPAddress == "" {
		errs = append(errs, errors.New("server: address or tcp_address is required"))
	}
	switch c.Server.Codec {
	case "", "json", "cbor":
	default:
		errs = append(errs, fmt.Errorf("server: unknown codec %q", c.Server.Codec))
	}
	if c.Accept.Rate < 0 || c.Accept.Burst < 0 {
		errs = append(errs, errors.New("accept: rate and burst must not be negative"))
	}
	if c.RPC.CallTimeout.Duration < 0 {
		errs = append(errs, errors.New("rpc: call_timeout must not be negative"))
	}
	if c.Registry.Enabled && len(c.Registry.Endpoints) == 0 {
		errs = append(errs, errors.New("registry: endpoints are required when enabled"))
	}
	if c.Registry.TTL <= 0 {
		errs = append(errs, errors.New("registry: ttl must be positive"))
	}
	return errors.Join(errs...)
}
