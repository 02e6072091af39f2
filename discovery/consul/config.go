package consul

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kbukum/meshkit/validation"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvHost       = "CONSUL_HOST"
	EnvPort       = "CONSUL_PORT"
	EnvToken      = "CONSUL_TOKEN"
	EnvDatacenter = "CONSUL_DATACENTER"
	EnvScheme     = "CONSUL_SCHEME"
)

// Config holds Consul agent connection settings.
type Config struct {
	// Host of the Consul agent (default: localhost).
	Host string `yaml:"host" mapstructure:"host"`

	// Port of the Consul agent HTTP API (default: 8500).
	Port int `yaml:"port" mapstructure:"port"`

	// Token is the ACL token sent as X-Consul-Token.
	Token string `yaml:"token" mapstructure:"token"`

	// Datacenter to query (default: dc1).
	Datacenter string `yaml:"datacenter" mapstructure:"datacenter"`

	// Scheme is http or https (default: http).
	Scheme string `yaml:"scheme" mapstructure:"scheme"`

	// Timeout bounds every request to the agent (default: 5s).
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// TLS configuration.
	TLS *TLSConfig `yaml:"tls" mapstructure:"tls"`

	// Pool holds connection pool settings.
	Pool *PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// TLSConfig holds TLS configuration for Consul connections.
type TLSConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// CACert is the path to a CA certificate.
	CACert string `yaml:"ca_cert" mapstructure:"ca_cert"`

	// CAPath is a directory of CA certificates.
	CAPath string `yaml:"ca_path" mapstructure:"ca_path"`

	ClientCert string `yaml:"client_cert" mapstructure:"client_cert"`
	ClientKey  string `yaml:"client_key" mapstructure:"client_key"`

	// InsecureSkipVerify skips TLS verification (not recommended for production).
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`

	// ServerName overrides the name used for verification.
	ServerName string `yaml:"server_name" mapstructure:"server_name"`
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host" mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout" mapstructure:"idle_conn_timeout"`
}

// ConfigFromEnv reads the CONSUL_* variables and applies defaults for the
// rest. An unparsable CONSUL_PORT is an error.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Host:       os.Getenv(EnvHost),
		Token:      os.Getenv(EnvToken),
		Datacenter: os.Getenv(EnvDatacenter),
		Scheme:     os.Getenv(EnvScheme),
	}
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvPort, err)
		}
		cfg.Port = port
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

// ApplyDefaults sets sensible defaults for Config.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 8500
	}
	if c.Datacenter == "" {
		c.Datacenter = "dc1"
	}
	if c.Scheme == "" {
		c.Scheme = "http"
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Pool == nil {
		c.Pool = &PoolConfig{}
	}
	if c.Pool.MaxIdleConnsPerHost == 0 {
		c.Pool.MaxIdleConnsPerHost = 10
	}
	if c.Pool.IdleConnTimeout == 0 {
		c.Pool.IdleConnTimeout = 90 * time.Second
	}
}

// Validate checks if the Consul configuration is valid.
func (c *Config) Validate() error {
	v := validation.New().
		Required("consul.host", c.Host).
		Port("consul.port", c.Port).
		OneOf("consul.scheme", c.Scheme, []string{"http", "https"}).
		Custom(c.Timeout > 0, "consul.timeout", "must be positive").
		Custom(c.TLS == nil || !c.TLS.Enabled || c.Scheme == "https", "consul.tls", "TLS enabled but scheme is not https")
	return v.Err()
}

// Address returns host:port.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
