package discovery

import (
	"fmt"
	"time"

	"github.com/kbukum/meshkit/validation"
)

// Client defaults.
const (
	DefaultCacheTTL        = 30 * time.Second
	DefaultRefreshInterval = 10 * time.Second
	DefaultRetryCount      = 3
	DefaultRetryDelay      = time.Second
	DefaultCallTimeout     = 10 * time.Second
)

// ClientConfig configures one discovery Client.
type ClientConfig struct {
	// ServiceName is the remote service this client resolves. Set by
	// ClientRegistry.GetOrCreate when empty.
	ServiceName string `mapstructure:"service_name" validate:"required,identifier"`

	// Strategy is the load-balancing strategy. Default: round-robin.
	Strategy Strategy `mapstructure:"strategy" validate:"oneof=random round-robin least-connections weighted"`

	// CacheTTL bounds how long a discovery result is served without asking
	// the registry again. Default: 30s.
	CacheTTL time.Duration `mapstructure:"cache_ttl" validate:"gt=0"`

	// RefreshInterval is the background refresh period. Default: 10s.
	// A negative value disables the refresh loop.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`

	// RetryCount is the total number of attempts per CallService. Default: 3.
	RetryCount int `mapstructure:"retry_count" validate:"min=1"`

	// RetryDelay is the fixed pause between attempts. Default: 1s.
	// A negative value retries immediately.
	RetryDelay time.Duration `mapstructure:"retry_delay"`

	// CallTimeout bounds a single attempt. Default: 10s.
	CallTimeout time.Duration `mapstructure:"call_timeout" validate:"gt=0"`
}

// DefaultClientConfig returns a config with every default applied.
func DefaultClientConfig(serviceName string) ClientConfig {
	cfg := ClientConfig{ServiceName: serviceName}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *ClientConfig) ApplyDefaults() {
	if c.Strategy == "" {
		c.Strategy = StrategyRoundRobin
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.RetryCount == 0 {
		c.RetryCount = DefaultRetryCount
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = DefaultCallTimeout
	}
}

// Validate checks the configuration. Call ApplyDefaults first.
func (c *ClientConfig) Validate() error {
	if err := validation.Validate(c); err != nil {
		return fmt.Errorf("discovery client %q: %w", c.ServiceName, err)
	}
	return nil
}

// Merge returns c with every zero field taken from base.
func (c ClientConfig) Merge(base ClientConfig) ClientConfig {
	if c.Strategy == "" {
		c.Strategy = base.Strategy
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = base.CacheTTL
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = base.RefreshInterval
	}
	if c.RetryCount == 0 {
		c.RetryCount = base.RetryCount
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = base.RetryDelay
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = base.CallTimeout
	}
	return c
}
