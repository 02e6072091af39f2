package discovery

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kbukum/meshkit/logger"
)

// ProviderFactory builds a Gateway from a backend-specific config value.
type ProviderFactory func(cfg any, log *logger.Logger) (Gateway, error)

var (
	providersMu sync.RWMutex
	providers   = make(map[string]ProviderFactory)
)

// RegisterProviderFactory makes a backend available to NewGateway under
// name. Backends call it from init; registering a name twice replaces the
// earlier factory.
func RegisterProviderFactory(name string, f ProviderFactory) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[name] = f
}

// NewGateway builds the gateway registered under name.
func NewGateway(name string, cfg any, log *logger.Logger) (Gateway, error) {
	providersMu.RLock()
	f, ok := providers[name]
	providersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("discovery provider %q not registered (known: %v)", name, Providers())
	}
	return f(cfg, log)
}

// Providers lists the registered provider names.
func Providers() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()
	names := make([]string, 0, len(providers))
	for n := range providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
