package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ajitpratap0/mcp-router/pkg/config"
)

// Strategy picks one server among routing candidates
type Strategy string

const (
	StrategyPriority         Strategy = "priority"
	StrategyRoundRobin       Strategy = "round-robin"
	StrategyLeastConnections Strategy = "least-connections"
	StrategyRandom           Strategy = "random"
)

// ParseStrategy validates a strategy name. The empty string is accepted and
// means "not specified".
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case "", StrategyPriority, StrategyRoundRobin, StrategyLeastConnections, StrategyRandom:
		return st, nil
	default:
		return "", fmt.Errorf("unknown load-balancing strategy %q", s)
	}
}

// StrategySelector chooses a strategy from the method name. An empty result
// defers to the router's default strategy.
type StrategySelector func(method string) Strategy

// DefaultStrategySelector sends data-heavy methods to the least loaded
// server, latency-sensitive ones to the preferred server and search or fetch
// methods round-robin.
func DefaultStrategySelector(method string) Strategy {
	m := strings.ToLower(method)
	switch {
	case hasAnyPrefix(m, "memory.", "storage.", "data.") || strings.Contains(m, "batch"):
		return StrategyLeastConnections
	case hasAnyPrefix(m, "git.") || containsAny(m, "ping", "status", "health"):
		return StrategyPriority
	case containsAny(m, "search", "fetch"):
		return StrategyRoundRobin
	default:
		return ""
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// pick applies strategy to candidates. The caller holds r.balanceMu and
// candidates is non-empty.
func (r *Router) pick(strategy Strategy, candidates []config.ServerDescriptor) config.ServerDescriptor {
	switch strategy {
	case StrategyRoundRobin:
		ids := make([]string, len(candidates))
		for i, c := range candidates {
			ids[i] = c.ID
		}
		sort.Strings(ids)
		key := strings.Join(ids, ",")
		n := r.rrCounters[key]
		r.rrCounters[key] = n + 1
		return candidates[n%uint64(len(candidates))]

	case StrategyLeastConnections:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if r.loads[c.ID] < r.loads[best.ID] {
				best = c
			}
		}
		return best

	case StrategyRandom:
		return candidates[r.intn(len(candidates))]

	default:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.Priority > best.Priority {
				best = c
			}
		}
		return best
	}
}

// bumpLoad counts one more request for id and decays every counter once
// any of them passes the threshold.
func (r *Router) bumpLoad(id string) {
	r.loads[id]++
	if r.loads[id] <= r.decayThreshold {
		return
	}
	for k, v := range r.loads {
		r.loads[k] = int(float64(v) * r.decayFactor)
	}
}
