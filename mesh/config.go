package mesh

import (
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"

	"github.com/google/uuid"

	"github.com/kbukum/meshkit/config"
	"github.com/kbukum/meshkit/discovery"
	"github.com/kbukum/meshkit/discovery/consul"
	"github.com/kbukum/meshkit/discovery/static"
	"github.com/kbukum/meshkit/observability"
	"github.com/kbukum/meshkit/registration"
	"github.com/kbukum/meshkit/server"
	"github.com/kbukum/meshkit/version"
)

// Provider names.
const (
	ProviderConsul = "consul"
	ProviderStatic = "static"
)

// Config is the full configuration of a mesh process.
//
//	name: orders
//	provider: consul
//	consul:
//	  host: localhost
//	registration:
//	  enabled: true
//	  tags: [http]
//	discovery:
//	  strategy: least-connections
type Config struct {
	config.ServiceConfig `yaml:",inline" mapstructure:",squash"`

	Provider      string                 `yaml:"provider" mapstructure:"provider"`
	Consul        consul.Config          `yaml:"consul" mapstructure:"consul"`
	Static        static.Config          `yaml:"static" mapstructure:"static"`
	Registration  SelfRegistration       `yaml:"registration" mapstructure:"registration"`
	Discovery     discovery.ClientConfig `yaml:"discovery" mapstructure:"discovery"`
	Server        server.Config          `yaml:"server" mapstructure:"server"`
	Observability observability.Config   `yaml:"observability" mapstructure:"observability"`
}

// SelfRegistration announces this process under Name (default: the
// service name) on Address:Port (default: hostname and server port).
type SelfRegistration struct {
	Enabled                    bool `yaml:"enabled" mapstructure:"enabled"`
	registration.ServiceConfig `yaml:",inline" mapstructure:",squash"`

	// HealthPath replaces /health in the default HTTP check target.
	HealthPath string `yaml:"health_path" mapstructure:"health_path"`
}

// ApplyDefaults fills every unset field. Calling it twice is harmless: the
// generated instance id is kept once set.
func (c *Config) ApplyDefaults() {
	c.ServiceConfig.ApplyDefaults()
	if c.Provider == "" {
		c.Provider = ProviderConsul
	}
	if c.Provider == ProviderConsul {
		c.Consul.ApplyDefaults()
	}
	c.Discovery.ApplyDefaults()
	c.Server.ApplyDefaults()
	c.Observability.ApplyDefaults()
	if c.Version == "" {
		c.Version = version.Version
	}
	c.Registration.applyDefaults(c.Name, c.Version, c.Server.Port)
}

func (r *SelfRegistration) applyDefaults(serviceName, serviceVersion string, serverPort int) {
	if !r.Enabled {
		return
	}
	if r.Name == "" {
		r.Name = serviceName
	}
	if r.ID == "" {
		r.ID = r.Name + "-" + uuid.NewString()
	}
	if r.Address == "" {
		r.Address = defaultAddress()
	}
	if r.Port == 0 {
		r.Port = serverPort
	}
	build := version.Get()
	build.Version = serviceVersion
	meta := make(map[string]string, len(r.Meta)+2)
	for k, v := range build.Metadata() {
		meta[k] = v
	}
	for k, v := range r.Meta {
		meta[k] = v
	}
	r.Meta = meta
	if r.HealthPath != "" && (r.HealthCheck == nil || r.HealthCheck.Target == "") {
		hc := discovery.HealthCheckSpec{Kind: discovery.CheckHTTP}
		if r.HealthCheck != nil {
			hc = *r.HealthCheck
		}
		if hc.Kind == "" || hc.Kind == discovery.CheckHTTP {
			hc.Target = "http://" + net.JoinHostPort(r.Address, strconv.Itoa(r.Port)) + r.HealthPath
			r.HealthCheck = &hc
		}
	}
}

func defaultAddress() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "127.0.0.1"
}

// Validate checks the configuration. Call ApplyDefaults first.
func (c *Config) Validate() error {
	if err := c.ServiceConfig.Validate(); err != nil {
		return err
	}
	switch c.Provider {
	case ProviderConsul:
		if err := c.Consul.Validate(); err != nil {
			return fmt.Errorf("consul: %w", err)
		}
	case ProviderStatic:
	default:
		if !slices.Contains(discovery.Providers(), c.Provider) {
			return fmt.Errorf("config.provider %q is not registered (have %v)", c.Provider, discovery.Providers())
		}
	}

	defaults := c.Discovery
	defaults.ServiceName = c.Name
	if err := defaults.Validate(); err != nil {
		return err
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Observability.Validate(); err != nil {
		return err
	}
	if c.Registration.Enabled {
		if _, err := c.Registration.Registration(); err != nil {
			return err
		}
	}
	return nil
}

// providerConfig returns the config block handed to the provider factory.
func (c *Config) providerConfig() any {
	switch c.Provider {
	case ProviderConsul:
		return c.Consul
	case ProviderStatic:
		return c.Static
	default:
		return nil
	}
}
