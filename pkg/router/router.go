// Package router decides which backend server handles a method. Rules map
// method patterns to servers, unusable servers are filtered out, and a
// load-balancing strategy picks among the survivors.
package router

import (
	"math/rand/v2"
	"sync"

	"github.com/ajitpratap0/mcp-router/pkg/config"
	rpcerrors "github.com/ajitpratap0/mcp-router/pkg/errors"
	"github.com/ajitpratap0/mcp-router/pkg/logging"
)

const (
	DefaultDecayThreshold = 1000
	DefaultDecayFactor    = 0.9
)

// HealthChecker answers whether a server may receive traffic
type HealthChecker interface {
	IsHealthy(serverID string) bool
}

// HealthCheckerFunc adapts a function to HealthChecker
type HealthCheckerFunc func(serverID string) bool

// IsHealthy calls f
func (f HealthCheckerFunc) IsHealthy(serverID string) bool { return f(serverID) }

// ConnectionChecker answers whether a server's connection can carry a
// request, either now or after a lazy reconnect.
type ConnectionChecker interface {
	Usable(serverID string) bool
}

// Recorder receives every routing decision
type Recorder interface {
	RecordRoute(serverID, strategy, outcome string)
}

// RouteRequest is the input to Route
type RouteRequest struct {
	Method string
	// ServerID bypasses rule matching when set
	ServerID string
	// Strategy overrides the selector for this call
	Strategy Strategy
}

// Router matches methods against rules and balances load across servers
type Router struct {
	servers map[string]config.ServerDescriptor
	health  HealthChecker
	conns   ConnectionChecker

	rulesMu sync.RWMutex
	rules   []Rule

	balanceMu      sync.Mutex
	loads          map[string]int
	rrCounters     map[string]uint64
	decayThreshold int
	decayFactor    float64
	intn           func(n int) int

	selector        StrategySelector
	defaultStrategy Strategy
	recorder        Recorder
	logger          logging.Logger
}

// Option configures a Router
type Option func(*Router)

// WithRules installs the initial rule list
func WithRules(rules ...Rule) Option {
	return func(r *Router) {
		r.rules = append(r.rules, rules...)
	}
}

// WithStrategySelector sets the per-method strategy selector
func WithStrategySelector(s StrategySelector) Option {
	return func(r *Router) { r.selector = s }
}

// WithDefaultStrategy sets the strategy used when neither the call nor the
// selector names one.
func WithDefaultStrategy(s Strategy) Option {
	return func(r *Router) {
		if s != "" {
			r.defaultStrategy = s
		}
	}
}

// WithDecay sets when load counters decay and by how much
func WithDecay(threshold int, factor float64) Option {
	return func(r *Router) {
		if threshold > 0 {
			r.decayThreshold = threshold
		}
		if factor > 0 && factor < 1 {
			r.decayFactor = factor
		}
	}
}

// WithRandom sets the source used by the random strategy
func WithRandom(intn func(n int) int) Option {
	return func(r *Router) {
		if intn != nil {
			r.intn = intn
		}
	}
}

// WithConnections filters out servers whose connection is unusable. Without
// it every connection counts as usable.
func WithConnections(c ConnectionChecker) Option {
	return func(r *Router) { r.conns = c }
}

// WithRecorder sets a sink for routing decisions
func WithRecorder(rec Recorder) Option {
	return func(r *Router) { r.recorder = rec }
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a router over the given servers. A nil health checker treats
// every server as healthy.
func New(servers []config.ServerDescriptor, health HealthChecker, opts ...Option) *Router {
	r := &Router{
		servers:         make(map[string]config.ServerDescriptor, len(servers)),
		health:          health,
		loads:           make(map[string]int),
		rrCounters:      make(map[string]uint64),
		decayThreshold:  DefaultDecayThreshold,
		decayFactor:     DefaultDecayFactor,
		intn:            rand.IntN,
		selector:        DefaultStrategySelector,
		defaultStrategy: StrategyPriority,
		logger:          logging.NewNop(),
	}
	for _, s := range servers {
		r.servers[s.ID] = s
	}
	if r.health == nil {
		r.health = HealthCheckerFunc(func(string) bool { return true })
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithFields(logging.String("component", "router"))
	sortRules(r.rules)
	return r
}

// AddRule inserts rule ahead of existing rules of equal priority
func (r *Router) AddRule(rule Rule) {
	r.rulesMu.Lock()
	defer r.rulesMu.Unlock()

	rules := make([]Rule, 0, len(r.rules)+1)
	rules = append(rules, rule)
	rules = append(rules, r.rules...)
	sortRules(rules)
	r.rules = rules

	r.logger.Debug("routing rule added", logging.String("rule", rule.String()))
}

// RemoveRule deletes every rule whose pattern text or regex source equals
// pattern and returns how many were removed.
func (r *Router) RemoveRule(pattern string) int {
	r.rulesMu.Lock()
	defer r.rulesMu.Unlock()

	kept := r.rules[:0:0]
	for _, rule := range r.rules {
		if rule.Pattern.String() != pattern {
			kept = append(kept, rule)
		}
	}
	removed := len(r.rules) - len(kept)
	r.rules = kept

	if removed > 0 {
		r.logger.Debug("routing rules removed",
			logging.String("pattern", pattern), logging.Int("count", removed))
	}
	return removed
}

// Rules returns a copy of the rule list in evaluation order
func (r *Router) Rules() []Rule {
	r.rulesMu.RLock()
	defer r.rulesMu.RUnlock()
	return append([]Rule(nil), r.rules...)
}

// Server returns the descriptor for id
func (r *Router) Server(id string) (config.ServerDescriptor, bool) {
	desc, ok := r.servers[id]
	return desc, ok
}

// Route picks the server for req and counts the request against its load
func (r *Router) Route(req RouteRequest) (string, error) {
	strategy := r.strategyFor(req)

	if req.ServerID != "" {
		desc, err := r.override(req.ServerID)
		if err != nil {
			r.record("", strategy, "unavailable")
			return "", err
		}
		r.balanceMu.Lock()
		r.bumpLoad(desc.ID)
		r.balanceMu.Unlock()
		r.record(desc.ID, "override", "routed")
		return desc.ID, nil
	}

	if req.Method == "" {
		return "", rpcerrors.InvalidParams("", "method is required")
	}

	matched, candidates := r.candidates(req.Method)
	if len(matched) == 0 {
		r.record("", strategy, "no_route")
		return "", rpcerrors.NoRouteFound(req.Method)
	}
	if len(candidates) == 0 {
		r.record("", strategy, "no_server")
		return "", rpcerrors.NoAvailableServer(req.Method, matched)
	}

	r.balanceMu.Lock()
	chosen := r.pick(strategy, candidates)
	r.bumpLoad(chosen.ID)
	r.balanceMu.Unlock()

	r.logger.Debug("routed",
		logging.String("method", req.Method),
		logging.ServerID(chosen.ID),
		logging.String("strategy", string(strategy)),
		logging.Int("candidates", len(candidates)))
	r.record(chosen.ID, strategy, "routed")
	return chosen.ID, nil
}

func (r *Router) strategyFor(req RouteRequest) Strategy {
	if req.Strategy != "" {
		return req.Strategy
	}
	if r.selector != nil {
		if s := r.selector(req.Method); s != "" {
			return s
		}
	}
	return r.defaultStrategy
}

func (r *Router) override(id string) (config.ServerDescriptor, error) {
	desc, ok := r.servers[id]
	switch {
	case !ok:
		return desc, rpcerrors.ServerUnavailable(id, "unknown server")
	case !desc.Enabled:
		return desc, rpcerrors.ServerUnavailable(id, "server is disabled")
	case !r.health.IsHealthy(id):
		return desc, rpcerrors.ServerUnavailable(id, "server is unhealthy")
	case !r.connected(id):
		return desc, rpcerrors.ServerUnavailable(id, "server is not connected")
	}
	return desc, nil
}

// candidates returns the distinct servers of every matching rule, and the
// usable subset of them, both in rule order.
func (r *Router) candidates(method string) (matched []string, usable []config.ServerDescriptor) {
	r.rulesMu.RLock()
	defer r.rulesMu.RUnlock()

	seenMatched := make(map[string]bool)
	seenUsable := make(map[string]bool)
	for _, rule := range r.rules {
		if !rule.Pattern.Match(method) {
			continue
		}
		if !seenMatched[rule.ServerID] {
			seenMatched[rule.ServerID] = true
			matched = append(matched, rule.ServerID)
		}
		if seenUsable[rule.ServerID] {
			continue
		}
		desc, ok := r.servers[rule.ServerID]
		if !ok || !desc.Enabled || !rule.Conditions.allows(desc) {
			continue
		}
		if !r.health.IsHealthy(desc.ID) || !r.connected(desc.ID) {
			continue
		}
		seenUsable[desc.ID] = true
		usable = append(usable, desc)
	}
	return matched, usable
}

func (r *Router) connected(id string) bool {
	return r.conns == nil || r.conns.Usable(id)
}

func (r *Router) record(serverID string, strategy Strategy, outcome string) {
	if r.recorder != nil {
		r.recorder.RecordRoute(serverID, string(strategy), outcome)
	}
}

// Loads returns a copy of the per-server load counters
func (r *Router) Loads() map[string]int {
	r.balanceMu.Lock()
	defer r.balanceMu.Unlock()

	out := make(map[string]int, len(r.loads))
	for k, v := range r.loads {
		out[k] = v
	}
	return out
}

// Load returns the load counter for one server
func (r *Router) Load(id string) int {
	r.balanceMu.Lock()
	defer r.balanceMu.Unlock()
	return r.loads[id]
}
