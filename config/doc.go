// Package config loads service configuration with Viper.
//
// Values come from a config.yml found next to the service binary (or given
// explicitly), from the environment, and from an optional .env file loaded
// through godotenv. Environment variables are bound to nested keys
// automatically:
//
//	var cfg mesh.Config
//	err := config.Load("meshagent", &cfg)
//
// With CONSUL_HOST=consul.internal set, cfg.Consul.Host is consul.internal.
package config
