// Package router picks the upstream instance for a proxied request.
package router

import (
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"sync"
)

// Strategy defines the load balancing algorithm to use.
type Strategy int

const (
	RoundRobin Strategy = iota
	LeastConnections
	Random
	WeightedRoundRobin
	IPHash
)

// ParseStrategy parses a strategy name (case-insensitive) into a Strategy.
// Returns RoundRobin if the name is unrecognized.
func ParseStrategy(name string) Strategy {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "leastconnections", "least_connections":
		return LeastConnections
	case "random":
		return Random
	case "weightedroundrobin", "weighted_round_robin":
		return WeightedRoundRobin
	case "iphash", "ip_hash":
		return IPHash
	default:
		return RoundRobin
	}
}

func (s Strategy) String() string {
	switch s {
	case LeastConnections:
		return "least_connections"
	case Random:
		return "random"
	case WeightedRoundRobin:
		return "weighted_round_robin"
	case IPHash:
		return "ip_hash"
	default:
		return "round_robin"
	}
}

// Target is one upstream instance of a service.
type Target struct {
	ID  string
	URL string
	// Weight is only used by WeightedRoundRobin. Values below 1 count as 1.
	Weight int
}

// Balancer chooses among the targets of a service. It is safe for
// concurrent use.
type Balancer struct {
	strategy Strategy

	mu       sync.Mutex
	next     map[string]int
	inflight map[string]int
}

// NewBalancer creates a Balancer using strategy.
func NewBalancer(strategy Strategy) *Balancer {
	return &Balancer{
		strategy: strategy,
		next:     make(map[string]int),
		inflight: make(map[string]int),
	}
}

// Strategy returns the configured strategy.
func (b *Balancer) Strategy() Strategy { return b.strategy }

// Pick selects a target of service for a request from client. It returns
// false when targets is empty. Every successful Pick must be paired with a
// Release once the request is done.
func (b *Balancer) Pick(service, client string, targets []Target) (Target, bool) {
	if len(targets) == 0 {
		return Target{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var t Target
	switch b.strategy {
	case LeastConnections:
		t = b.leastConnections(targets)
	case Random:
		t = targets[rand.IntN(len(targets))]
	case WeightedRoundRobin:
		t = b.weighted(service, targets)
	case IPHash:
		t = targets[hashKey(client)%uint32(len(targets))]
	default:
		t = targets[b.advance(service, len(targets))]
	}
	b.inflight[t.ID]++
	return t, true
}

// Release marks a request to target id as finished.
func (b *Balancer) Release(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inflight[id] <= 1 {
		delete(b.inflight, id)
		return
	}
	b.inflight[id]--
}

// InFlight returns the number of unreleased picks of target id.
func (b *Balancer) InFlight(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inflight[id]
}

func (b *Balancer) advance(key string, n int) int {
	i := b.next[key] % n
	b.next[key] = i + 1
	return i
}

func (b *Balancer) leastConnections(targets []Target) Target {
	best := targets[0]
	for _, t := range targets[1:] {
		if b.inflight[t.ID] < b.inflight[best.ID] {
			best = t
		}
	}
	return best
}

func (b *Balancer) weighted(service string, targets []Target) Target {
	total := 0
	for _, t := range targets {
		total += max(t.Weight, 1)
	}
	slot := b.advance(service+"#weighted", total)
	for _, t := range targets {
		slot -= max(t.Weight, 1)
		if slot < 0 {
			return t
		}
	}
	return targets[len(targets)-1]
}

func hashKey(key string) uint32 {
	if key == "" {
		return rand.Uint32()
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}
