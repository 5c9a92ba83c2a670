package reliable

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/localrivet/gram/logx"
	"github.com/localrivet/gram/wire"
)

const (
	// DefaultMaxFragmentPayload keeps a full envelope inside a conservative
	// 1400-byte datagram.
	DefaultMaxFragmentPayload = 1400 - wire.HeaderSize

	// DefaultRetryTimeout is the default per-attempt acknowledgement wait.
	DefaultRetryTimeout = 500 * time.Millisecond

	// DefaultMaxRetries is the default number of retransmissions before a
	// send fails.
	DefaultMaxRetries = 5

	// DefaultReassemblyTTL is how long a partial inbound message is kept.
	DefaultReassemblyTTL = 30 * time.Second

	// DefaultDeliveredSetTTL is how long a completed message id is
	// remembered for duplicate suppression. It must exceed any peer's
	// maximum retry window.
	DefaultDeliveredSetTTL = 60 * time.Second

	// DefaultMaxPendingEntries bounds the outbound pending-send table.
	DefaultMaxPendingEntries = 1024

	// DefaultMaxReassemblyEntries bounds the inbound reassembly table.
	DefaultMaxReassemblyEntries = 1024

	// DefaultMaxDeliveredEntries bounds the duplicate-suppression set.
	DefaultMaxDeliveredEntries = 4096
)

// Config holds the tunables of an Endpoint. The zero value is not usable;
// build one through New's options or ConfigFromMap.
type Config struct {
	// MaxFragmentPayload is the largest payload carried in one fragment.
	// Together with wire.HeaderSize it must not exceed what the underlying
	// transport can move in one datagram. Must be at least 1.
	MaxFragmentPayload int `mapstructure:"max_fragment_payload"`

	// RetryTimeout is how long to wait for an acknowledgement before
	// retransmitting.
	RetryTimeout time.Duration `mapstructure:"retry_timeout"`

	// MaxRetries is how many times an unacknowledged message is
	// retransmitted before its delivery fails with ErrExhausted.
	MaxRetries int `mapstructure:"max_retries"`

	// ReassemblyTTL is how long a partial inbound message may wait for its
	// missing fragments.
	ReassemblyTTL time.Duration `mapstructure:"reassembly_ttl"`

	// DeliveredSetTTL is how long completed message ids are remembered to
	// suppress re-delivery. Configure it longer than any peer's maximum
	// retry window ((MaxRetries+1) x RetryTimeout).
	DeliveredSetTTL time.Duration `mapstructure:"delivered_set_ttl"`

	// MaxPendingEntries caps concurrently outstanding sends; beyond it
	// SendAsync fails fast with ErrTableFull.
	MaxPendingEntries int `mapstructure:"max_pending_entries"`

	// MaxReassemblyEntries caps concurrent inbound reassemblies; beyond it
	// the oldest partial entry is evicted.
	MaxReassemblyEntries int `mapstructure:"max_reassembly_entries"`

	// MaxDeliveredEntries caps the duplicate-suppression set.
	MaxDeliveredEntries int `mapstructure:"max_delivered_entries"`

	// Logger receives drop, expiry, and retry events.
	Logger logx.Logger `mapstructure:"-"`
}

// DefaultConfig returns the configuration used when no options are given.
func DefaultConfig() Config {
	return Config{
		MaxFragmentPayload:   DefaultMaxFragmentPayload,
		RetryTimeout:         DefaultRetryTimeout,
		MaxRetries:           DefaultMaxRetries,
		ReassemblyTTL:        DefaultReassemblyTTL,
		DeliveredSetTTL:      DefaultDeliveredSetTTL,
		MaxPendingEntries:    DefaultMaxPendingEntries,
		MaxReassemblyEntries: DefaultMaxReassemblyEntries,
		MaxDeliveredEntries:  DefaultMaxDeliveredEntries,
		Logger:               logx.NewNopLogger(),
	}
}

// Validate rejects configurations that cannot work. Invalid configurations
// are refused at startup rather than discovered in flight.
func (c Config) Validate() error {
	if c.MaxFragmentPayload < 1 {
		return fmt.Errorf("max fragment payload must be at least 1, got %d", c.MaxFragmentPayload)
	}
	if c.RetryTimeout <= 0 {
		return fmt.Errorf("retry timeout must be positive, got %v", c.RetryTimeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.ReassemblyTTL <= 0 {
		return fmt.Errorf("reassembly TTL must be positive, got %v", c.ReassemblyTTL)
	}
	if c.DeliveredSetTTL <= 0 {
		return fmt.Errorf("delivered-set TTL must be positive, got %v", c.DeliveredSetTTL)
	}
	if c.MaxPendingEntries < 1 {
		return fmt.Errorf("max pending entries must be at least 1, got %d", c.MaxPendingEntries)
	}
	if c.MaxReassemblyEntries < 1 {
		return fmt.Errorf("max reassembly entries must be at least 1, got %d", c.MaxReassemblyEntries)
	}
	if c.MaxDeliveredEntries < 1 {
		return fmt.Errorf("max delivered entries must be at least 1, got %d", c.MaxDeliveredEntries)
	}
	return nil
}

// Option configures an Endpoint at construction time.
type Option func(*Config)

// WithMaxFragmentPayload sets the largest per-fragment payload.
func WithMaxFragmentPayload(n int) Option {
	return func(c *Config) { c.MaxFragmentPayload = n }
}

// WithRetryTimeout sets the per-attempt acknowledgement wait.
func WithRetryTimeout(d time.Duration) Option {
	return func(c *Config) { c.RetryTimeout = d }
}

// WithMaxRetries sets the retransmission bound.
func WithMaxRetries(n int) Option {
	return func(c *Config) { c.MaxRetries = n }
}

// WithReassemblyTTL sets how long partial inbound messages are kept.
func WithReassemblyTTL(d time.Duration) Option {
	return func(c *Config) { c.ReassemblyTTL = d }
}

// WithDeliveredSetTTL sets how long delivered ids are remembered.
func WithDeliveredSetTTL(d time.Duration) Option {
	return func(c *Config) { c.DeliveredSetTTL = d }
}

// WithMaxPendingEntries bounds the outbound pending table.
func WithMaxPendingEntries(n int) Option {
	return func(c *Config) { c.MaxPendingEntries = n }
}

// WithMaxReassemblyEntries bounds the inbound reassembly table.
func WithMaxReassemblyEntries(n int) Option {
	return func(c *Config) { c.MaxReassemblyEntries = n }
}

// WithMaxDeliveredEntries bounds the duplicate-suppression set.
func WithMaxDeliveredEntries(n int) Option {
	return func(c *Config) { c.MaxDeliveredEntries = n }
}

// WithLogger sets the endpoint logger.
func WithLogger(logger logx.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithConfig replaces the whole configuration (the Logger is preserved if
// the replacement carries none).
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		logger := c.Logger
		*c = cfg
		if c.Logger == nil {
			c.Logger = logger
		}
	}
}

// ConfigFromMap decodes a loosely-typed configuration map, as loaded from
// JSON/YAML/TOML, into a Config on top of the defaults. Duration fields
// accept Go duration strings ("500ms", "1m30s").
func ConfigFromMap(m map[string]interface{}) (Config, error) {
	cfg := DefaultConfig()

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     &cfg,
	})
	if err != nil {
		return Config{}, fmt.Errorf("failed to build config decoder: %w", err)
	}
	if err := decoder.Decode(m); err != nil {
		return Config{}, fmt.Errorf("failed to decode config map: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
