package discovery

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Strategy selects one instance out of several.
type Strategy string

const (
	StrategyRandom           Strategy = "random"
	StrategyRoundRobin       Strategy = "round-robin"
	StrategyLeastConnections Strategy = "least-connections"
	StrategyWeighted         Strategy = "weighted"
)

// ParseStrategy accepts the canonical names plus the underscore spellings
// (round_robin, least_conn).
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "round-robin", "round_robin", "roundrobin":
		return StrategyRoundRobin, nil
	case "random":
		return StrategyRandom, nil
	case "least-connections", "least_connections", "least_conn", "leastconn":
		return StrategyLeastConnections, nil
	case "weighted":
		return StrategyWeighted, nil
	default:
		return "", fmt.Errorf("unknown load-balancing strategy %q", s)
	}
}

// PickOne is the stateless selector behind Gateway.GetOneServiceInstance.
//
// It returns nil for no instances and the only instance for one. Round-robin
// is time-bucketed: index floor(now in seconds) mod n, so calls within the
// same second land on the same instance. The gateway keeps no connection
// counts, so least-connections degrades to random. Unknown strategies
// return the first instance.
func PickOne(instances []ServiceInstance, strategy Strategy, now time.Time) *ServiceInstance {
	switch len(instances) {
	case 0:
		return nil
	case 1:
		return &instances[0]
	}

	var idx int
	switch strategy {
	case StrategyRandom, StrategyLeastConnections:
		idx = rand.IntN(len(instances))
	case StrategyRoundRobin:
		idx = int(now.Unix() % int64(len(instances)))
	case StrategyWeighted:
		idx = weightedIndex(instances, rand.IntN)
	default:
		idx = 0
	}
	return &instances[idx]
}

// weightedIndex draws an index with probability weight/total. intn must
// return a value in [0, n).
func weightedIndex(instances []ServiceInstance, intn func(n int) int) int {
	total := 0
	for _, inst := range instances {
		total += inst.Weight()
	}
	if total <= 0 {
		return intn(len(instances))
	}
	r := intn(total)
	for i, inst := range instances {
		r -= inst.Weight()
		if r < 0 {
			return i
		}
	}
	return len(instances) - 1
}

// connTracker counts this process's in-flight calls per instance id.
// Counts never go below zero.
type connTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func newConnTracker() *connTracker {
	return &connTracker{counts: make(map[string]int)}
}

func (t *connTracker) inc(id string) {
	t.mu.Lock()
	t.counts[id]++
	t.mu.Unlock()
}

func (t *connTracker) dec(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts[id] <= 1 {
		delete(t.counts, id)
		return
	}
	t.counts[id]--
}

func (t *connTracker) get(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[id]
}

// least returns the index of the instance with the fewest in-flight calls.
// Ties go to the earliest instance.
func (t *connTracker) least(instances []ServiceInstance) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	best, bestCount := 0, t.counts[instances[0].ID]
	for i := 1; i < len(instances); i++ {
		if c := t.counts[instances[i].ID]; c < bestCount {
			best, bestCount = i, c
		}
	}
	return best
}

func (t *connTracker) reset() {
	t.mu.Lock()
	t.counts = make(map[string]int)
	t.mu.Unlock()
}

func (t *connTracker) snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

// balancer is the stateful selector owned by one Client.
type balancer struct {
	strategy Strategy
	rr       atomic.Uint64
	conns    *connTracker

	rngMu sync.Mutex
	rng   *rand.Rand
}

func newBalancer(strategy Strategy, seed uint64) *balancer {
	return &balancer{
		strategy: strategy,
		conns:    newConnTracker(),
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (b *balancer) intn(n int) int {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return b.rng.IntN(n)
}

// pick selects an instance. instances must not be empty.
func (b *balancer) pick(instances []ServiceInstance) ServiceInstance {
	if len(instances) == 1 {
		return instances[0]
	}
	switch b.strategy {
	case StrategyRoundRobin:
		n := b.rr.Add(1) - 1
		return instances[n%uint64(len(instances))]
	case StrategyLeastConnections:
		return instances[b.conns.least(instances)]
	case StrategyWeighted:
		return instances[weightedIndex(instances, b.intn)]
	default:
		return instances[b.intn(len(instances))]
	}
}
