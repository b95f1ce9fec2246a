package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/circuitd/chunkstore"
	"github.com/pithecene-io/circuitd/types"
)

// Defaults applied by WithDefaults.
const (
	DefaultNetwork        = "unix"
	DefaultSocket         = "/tmp/circuitd.sock"
	DefaultLogLevel       = "info"
	DefaultStorageBackend = "memory"
	DefaultConfirmTimeout = 30 * time.Second
	DefaultTTL            = 24 * time.Hour
	DefaultRetryBackoff   = 500 * time.Millisecond
)

// Config represents a circuitd.yaml configuration file.
// All values are optional; CLI flags always override config values.
type Config struct {
	Listen         ListenConfig    `yaml:"listen"`
	MetricsAddr    string          `yaml:"metrics_addr"`
	LogLevel       string          `yaml:"log_level"`
	ConfirmTimeout Duration        `yaml:"confirm_timeout"`
	Storage        StorageConfig   `yaml:"storage"`
	Fetch          FetchConfig     `yaml:"fetch"`
	Adapters       []AdapterConfig `yaml:"adapters"`
	Circuits       []types.Circuit `yaml:"circuits"`
}

// ListenConfig is the RPC socket.
type ListenConfig struct {
	Network string `yaml:"network"`
	Address string `yaml:"address"`
}

// StorageConfig selects the chunk store.
type StorageConfig struct {
	Backend     string   `yaml:"backend"`
	Path        string   `yaml:"path"`
	Compression string   `yaml:"compression"`
	TTL         Duration `yaml:"ttl"`
}

// FetchConfig holds range fetcher policy.
type FetchConfig struct {
	ChunkSize    int64             `yaml:"chunk_size"`
	RetryBackoff Duration          `yaml:"retry_backoff"`
	MaxAttempts  int               `yaml:"max_attempts"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	S3           *S3Config         `yaml:"s3,omitempty"`
}

// S3Config enables s3:// artifact URLs.
type S3Config struct {
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// AdapterConfig is one transfer event sink.
type AdapterConfig struct {
	Type     string            `yaml:"type"`
	URL      string            `yaml:"url"`
	Channel  string            `yaml:"channel,omitempty"`
	StateKey string            `yaml:"state_key,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"`
	Events   []string          `yaml:"events,omitempty"`
	Timeout  Duration          `yaml:"timeout,omitempty"`
	Retries  *int              `yaml:"retries,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// WithDefaults returns a copy with every unset value defaulted.
func (c Config) WithDefaults() Config {
	if c.Listen.Network == "" {
		c.Listen.Network = DefaultNetwork
	}
	if c.Listen.Address == "" && c.Listen.Network == "unix" {
		c.Listen.Address = DefaultSocket
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.ConfirmTimeout.Duration <= 0 {
		c.ConfirmTimeout.Duration = DefaultConfirmTimeout
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = DefaultStorageBackend
	}
	if c.Storage.TTL.Duration <= 0 {
		c.Storage.TTL.Duration = DefaultTTL
	}
	if c.Fetch.RetryBackoff.Duration <= 0 {
		c.Fetch.RetryBackoff.Duration = DefaultRetryBackoff
	}
	circuits := make([]types.Circuit, len(c.Circuits))
	for i, circuit := range c.Circuits {
		if c.Fetch.ChunkSize > 0 {
			if circuit.ZKey.ChunkSize == 0 {
				circuit.ZKey.ChunkSize = c.Fetch.ChunkSize
			}
			if circuit.Wasm.ChunkSize == 0 {
				circuit.Wasm.ChunkSize = c.Fetch.ChunkSize
			}
		}
		circuits[i] = circuit
	}
	c.Circuits = circuits
	return c
}

// Validate reports every invalid value at once.
func (c Config) Validate() error {
	var errs []error

	switch c.Listen.Network {
	case "", "unix", "tcp", "tcp4", "tcp6":
	default:
		errs = append(errs, fmt.Errorf("listen.network: unsupported %q", c.Listen.Network))
	}
	if c.Listen.Network != "" && c.Listen.Network != "unix" && c.Listen.Address == "" {
		errs = append(errs, errors.New("listen.address is required for tcp"))
	}

	switch c.Storage.Backend {
	case "", "memory":
	case "badger":
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for the badger backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown %q (must be memory or badger)", c.Storage.Backend))
	}
	if _, err := chunkstore.ParseCompression(c.Storage.Compression); err != nil {
		errs = append(errs, fmt.Errorf("storage.compression: %w", err))
	}

	if c.Fetch.ChunkSize < 0 {
		errs = append(errs, errors.New("fetch.chunk_size must not be negative"))
	}
	if c.Fetch.MaxAttempts < 0 {
		errs = append(errs, errors.New("fetch.max_attempts must not be negative"))
	}

	for i, a := range c.Adapters {
		if err := a.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("adapters[%d]: %w", i, err))
		}
	}

	seen := make(map[string]bool, len(c.Circuits))
	for i, circuit := range c.Circuits {
		if err := circuit.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("circuits[%d]: %w", i, err))
			continue
		}
		if seen[circuit.Name] {
			errs = append(errs, fmt.Errorf("circuits[%d]: duplicate name %q", i, circuit.Name))
		}
		seen[circuit.Name] = true
	}

	return errors.Join(errs...)
}

// Validate checks one adapter entry.
func (a AdapterConfig) Validate() error {
	switch a.Type {
	case "webhook", "redis":
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unknown type %q (must be webhook or redis)", a.Type)
	}
	if a.URL == "" {
		return fmt.Errorf("%s adapter requires url", a.Type)
	}
	if a.Retries != nil && *a.Retries < 0 {
		return errors.New("retries must not be negative")
	}
	for _, e := range a.Events {
		switch types.EventType(e) {
		case types.EventTypeProgress, types.EventTypeError, types.EventTypeFinished:
		default:
			return fmt.Errorf("unknown event %q", e)
		}
	}
	return nil
}

// EventTypes returns the configured event filter.
func (a AdapterConfig) EventTypes() []types.EventType {
	if len(a.Events) == 0 {
		return nil
	}
	out := make([]types.EventType, len(a.Events))
	for i, e := range a.Events {
		out[i] = types.EventType(e)
	}
	return out
}
