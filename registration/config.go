package registration

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/kbukum/meshkit/discovery"
	"github.com/kbukum/meshkit/validation"
)

// Defaults for registrations and their retry loop.
const (
	DefaultCheckInterval           = 10 * time.Second
	DefaultCheckTimeout            = 5 * time.Second
	DefaultDeregisterCriticalAfter = 30 * time.Second
	DefaultRetryInterval           = 5 * time.Second
	DefaultMaxRetries              = 10
	DefaultHealthPath              = "/health"
)

// ServiceConfig describes one service this process announces.
type ServiceConfig struct {
	ID      string            `mapstructure:"id"`
	Name    string            `mapstructure:"name"`
	Address string            `mapstructure:"address"`
	Port    int               `mapstructure:"port"`
	Tags    []string          `mapstructure:"tags"`
	Meta    map[string]string `mapstructure:"meta"`

	// HealthCheck overrides fields of the default HTTP check on
	// http://address:port/health. Zero fields keep the default.
	HealthCheck *discovery.HealthCheckSpec `mapstructure:"health_check"`

	// DisableRetry makes a failed registration return its error instead of
	// scheduling retries.
	DisableRetry bool `mapstructure:"disable_retry"`
	// RetryInterval is the fixed pause between retries. Default: 5s.
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	// MaxRetries bounds the retries after the first failure. Default: 10.
	MaxRetries int `mapstructure:"max_retries"`
}

func (c ServiceConfig) retryInterval() time.Duration {
	if c.RetryInterval <= 0 {
		return DefaultRetryInterval
	}
	return c.RetryInterval
}

func (c ServiceConfig) maxRetries() int {
	if c.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return c.MaxRetries
}

// Registration builds the validated registry record for c.
func (c ServiceConfig) Registration() (*discovery.ServiceRegistration, error) {
	reg := &discovery.ServiceRegistration{
		ID:       c.ID,
		Name:     c.Name,
		Address:  c.Address,
		Port:     c.Port,
		Tags:     c.Tags,
		Metadata: c.Meta,
	}
	check, err := buildCheck(c.Address, c.Port, c.HealthCheck)
	if err != nil {
		return nil, err
	}
	reg.Check = check

	if err := validation.Validate(reg); err != nil {
		return nil, fmt.Errorf("registration %q: %w", c.ID, err)
	}
	return reg, nil
}

// buildCheck merges override onto the default check. A kind change
// without a target gets the kind's default target; script checks have
// none and must name one.
func buildCheck(address string, port int, override *discovery.HealthCheckSpec) (*discovery.HealthCheckSpec, error) {
	hostPort := net.JoinHostPort(address, strconv.Itoa(port))
	check := &discovery.HealthCheckSpec{
		Kind:                    discovery.CheckHTTP,
		Interval:                DefaultCheckInterval,
		Timeout:                 DefaultCheckTimeout,
		DeregisterCriticalAfter: DefaultDeregisterCriticalAfter,
	}
	if override != nil {
		if override.Kind != "" {
			check.Kind = override.Kind
		}
		check.Target = override.Target
		if override.Interval > 0 {
			check.Interval = override.Interval
		}
		if override.Timeout > 0 {
			check.Timeout = override.Timeout
		}
		if override.DeregisterCriticalAfter > 0 {
			check.DeregisterCriticalAfter = override.DeregisterCriticalAfter
		}
	}

	if check.Target == "" {
		switch check.Kind {
		case discovery.CheckHTTP:
			check.Target = "http://" + hostPort + DefaultHealthPath
		case discovery.CheckTCP, discovery.CheckGRPC:
			check.Target = hostPort
		case discovery.CheckScript:
			return nil, validation.New().
				Custom(false, "check.target", "is required for script checks").
				Err()
		}
	}
	return check, nil
}

// ServiceUpdate lists the fields UpdateService may change. Zero values
// keep the registered value.
type ServiceUpdate struct {
	Address     string
	Port        int
	Tags        []string
	Meta        map[string]string
	HealthCheck *discovery.HealthCheckSpec
}

func (u ServiceUpdate) apply(reg *discovery.ServiceRegistration) ServiceConfig {
	cfg := ServiceConfig{
		ID:          reg.ID,
		Name:        reg.Name,
		Address:     reg.Address,
		Port:        reg.Port,
		Tags:        reg.Tags,
		Meta:        reg.Metadata,
		HealthCheck: reg.Check,
	}
	if u.Address != "" {
		cfg.Address = u.Address
	}
	if u.Port != 0 {
		cfg.Port = u.Port
	}
	if u.Tags != nil {
		cfg.Tags = u.Tags
	}
	if u.Meta != nil {
		cfg.Meta = u.Meta
	}
	if u.HealthCheck != nil {
		cfg.HealthCheck = u.HealthCheck
	} else if u.Address != "" || u.Port != 0 {
		// the old target points at the old address
		if cfg.HealthCheck != nil {
			hc := *cfg.HealthCheck
			hc.Target = ""
			if hc.Kind == discovery.CheckScript {
				hc.Target = reg.Check.Target
			}
			cfg.HealthCheck = &hc
		}
	}
	return cfg
}
