// Package client is the single entry point for calling backend servers. A
// Client owns the connection registry, the health monitor and the router,
// and turns every call into a structured Response.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ajitpratap0/mcp-router/pkg/config"
	rpcerrors "github.com/ajitpratap0/mcp-router/pkg/errors"
	"github.com/ajitpratap0/mcp-router/pkg/health"
	"github.com/ajitpratap0/mcp-router/pkg/logging"
	"github.com/ajitpratap0/mcp-router/pkg/observability"
	"github.com/ajitpratap0/mcp-router/pkg/protocol"
	"github.com/ajitpratap0/mcp-router/pkg/registry"
	"github.com/ajitpratap0/mcp-router/pkg/router"
	"github.com/ajitpratap0/mcp-router/pkg/transport"
)

// ErrNoEnabledServers is returned by Initialize when nothing can be connected
var ErrNoEnabledServers = errors.New("no enabled servers configured")

// Client routes requests to backend servers
type Client struct {
	cfg     config.Config
	servers map[string]config.ServerDescriptor

	logger   logging.Logger
	metrics  *observability.Metrics
	tracer   *observability.TracingProvider
	registry *registry.Registry
	monitor  *health.Monitor
	router   *router.Router

	defaultTimeout time.Duration
	retryInitial   time.Duration
	retryMax       time.Duration
	newID          func() string

	initGroup   singleflight.Group
	mu          sync.RWMutex
	initialized bool
}

// Option configures a Client
type Option func(*clientOptions)

type clientOptions struct {
	logger         logging.Logger
	metrics        *observability.Metrics
	tracer         *observability.TracingProvider
	factory        transport.Factory
	transportOpts  []transport.Option
	middleware     []transport.Middleware
	resolver       config.CredentialResolver
	routerOpts     []router.Option
	defaultTimeout time.Duration
	retryInitial   time.Duration
	retryMax       time.Duration
	newID          func() string
}

// WithLogger sets the logger shared by every component
func WithLogger(logger logging.Logger) Option {
	return func(o *clientOptions) { o.logger = logger }
}

// WithMetrics records request, routing, health and transport metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(o *clientOptions) { o.metrics = m }
}

// WithTracer starts a span per request and per transport send
func WithTracer(tp *observability.TracingProvider) Option {
	return func(o *clientOptions) { o.tracer = tp }
}

// WithTransportFactory replaces the function that builds connections
func WithTransportFactory(f transport.Factory) Option {
	return func(o *clientOptions) { o.factory = f }
}

// WithTransportOptions passes options to every connection
func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *clientOptions) { o.transportOpts = append(o.transportOpts, opts...) }
}

// WithMiddleware wraps every connection, outermost first
func WithMiddleware(mw ...transport.Middleware) Option {
	return func(o *clientOptions) { o.middleware = append(o.middleware, mw...) }
}

// WithCredentialResolver sets how auth credential references are resolved
func WithCredentialResolver(r config.CredentialResolver) Option {
	return func(o *clientOptions) { o.resolver = r }
}

// WithRouterOptions passes options to the router
func WithRouterOptions(opts ...router.Option) Option {
	return func(o *clientOptions) { o.routerOpts = append(o.routerOpts, opts...) }
}

// WithDefaultTimeout sets the timeout for servers that do not configure one
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.defaultTimeout = d }
}

// WithRetryBackoff sets the first and largest delay between retries
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(o *clientOptions) {
		o.retryInitial = initial
		o.retryMax = max
	}
}

// WithIDGenerator replaces the request id generator
func WithIDGenerator(fn func() string) Option {
	return func(o *clientOptions) { o.newID = fn }
}

// New builds a client from cfg. Nothing is connected until Initialize or
// the first Request.
func New(cfg config.Config, opts ...Option) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := clientOptions{
		defaultTimeout: cfg.DefaultTimeout,
		retryInitial:   100 * time.Millisecond,
		retryMax:       2 * time.Second,
		newID:          protocol.NewRequestID,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}
	if o.defaultTimeout <= 0 {
		o.defaultTimeout = config.DefaultRequestTimeout
	}

	c := &Client{
		cfg:            cfg,
		servers:        make(map[string]config.ServerDescriptor, len(cfg.Servers)),
		logger:         o.logger.WithFields(logging.String("component", "client")),
		metrics:        o.metrics,
		tracer:         o.tracer,
		defaultTimeout: o.defaultTimeout,
		retryInitial:   o.retryInitial,
		retryMax:       o.retryMax,
		newID:          o.newID,
	}
	for _, s := range cfg.Servers {
		c.servers[s.ID] = s
	}

	transportOpts := []transport.Option{transport.WithLogger(o.logger)}
	if o.resolver != nil {
		transportOpts = append(transportOpts, transport.WithCredentialResolver(o.resolver))
	}
	transportOpts = append(transportOpts, o.transportOpts...)

	middleware := append([]transport.Middleware{}, o.middleware...)
	middleware = append(middleware, transport.NewLoggingMiddleware(o.logger))
	if o.metrics != nil || o.tracer != nil {
		middleware = append(middleware, observability.NewTransportMiddleware(o.metrics, o.tracer))
	}

	regOpts := []registry.Option{
		registry.WithLogger(o.logger),
		registry.WithTransportOptions(transportOpts...),
		registry.WithMiddleware(middleware...),
	}
	if o.factory != nil {
		regOpts = append(regOpts, registry.WithFactory(o.factory))
	}
	c.registry = registry.New(regOpts...)

	monOpts := []health.Option{
		health.WithLogger(o.logger),
		health.WithTransitionFunc(c.onHealthTransition),
	}
	if o.metrics != nil {
		monOpts = append(monOpts, health.WithRecorder(o.metrics))
	}
	c.monitor = health.NewMonitor(health.ProberFunc(c.probe), cfg.Servers, monOpts...)

	rules, err := router.RulesFromConfig(cfg.Routing)
	if err != nil {
		return nil, fmt.Errorf("invalid routing rules: %w", err)
	}
	strategy, err := router.ParseStrategy(cfg.Routing.DefaultStrategy)
	if err != nil {
		return nil, err
	}
	routerOpts := []router.Option{
		router.WithLogger(o.logger),
		router.WithConnections(c.registry),
		router.WithRules(rules...),
		router.WithDefaultStrategy(strategy),
	}
	if o.metrics != nil {
		routerOpts = append(routerOpts, router.WithRecorder(o.metrics))
	}
	routerOpts = append(routerOpts, o.routerOpts...)
	c.router = router.New(cfg.Servers, c.monitor, routerOpts...)

	return c, nil
}

// Initialize connects every enabled server, highest priority first, and
// starts health monitoring when configured. A server that fails to connect
// is logged and left in the error state. Concurrent calls share one attempt;
// calls after success return immediately.
func (c *Client) Initialize(ctx context.Context) error {
	if c.Initialized() {
		return nil
	}
	_, err, _ := c.initGroup.Do("initialize", func() (interface{}, error) {
		if c.Initialized() {
			return nil, nil
		}
		return nil, c.initialize(ctx)
	})
	return err
}

func (c *Client) initialize(ctx context.Context) error {
	servers := c.cfg.EnabledServers()
	if len(servers) == 0 {
		return ErrNoEnabledServers
	}

	c.logger.Info("initializing", logging.Int("servers", len(servers)))

	connected := 0
	for _, desc := range servers {
		if err := c.registry.Connect(ctx, desc); err != nil {
			c.logger.WithError(err).Warn("server failed to connect", logging.ServerID(desc.ID))
			continue
		}
		connected++
	}

	if c.cfg.HealthMonitoring.Enabled {
		if err := c.monitor.Start(c.cfg.HealthMonitoring.Interval); err != nil && !errors.Is(err, health.ErrAlreadyRunning) {
			return fmt.Errorf("failed to start health monitor: %w", err)
		}
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()

	c.logger.Info("initialized",
		logging.Int("connected", connected),
		logging.Int("failed", len(servers)-connected))
	return nil
}

// Initialized reports whether Initialize has completed
func (c *Client) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// Shutdown stops health monitoring and disconnects every server. It may be
// called repeatedly; a later Request initializes the client again.
func (c *Client) Shutdown(ctx context.Context) error {
	c.monitor.Stop()
	err := c.registry.DisconnectAll(ctx)

	c.mu.Lock()
	wasInitialized := c.initialized
	c.initialized = false
	c.mu.Unlock()

	if wasInitialized {
		c.logger.Info("shut down")
	}
	return err
}

// probe is the health monitor's view of a server. A server whose connection
// is gone is reconnected first so a restarted backend can recover.
func (c *Client) probe(ctx context.Context, id string) error {
	if err := c.ensureConnected(ctx, id); err != nil {
		return err
	}
	return c.registry.Probe(ctx, id)
}

func (c *Client) ensureConnected(ctx context.Context, id string) error {
	if snap, ok := c.registry.Get(id); ok && snap.Status == registry.StatusConnected {
		return nil
	}
	desc, ok := c.servers[id]
	if !ok {
		return rpcerrors.ServerUnavailable(id, "unknown server")
	}
	return c.registry.Connect(ctx, desc)
}

func (c *Client) onHealthTransition(id string, from, to health.Status, err error) {
	c.metrics.RecordHealthStatus(id, to != health.StatusUnhealthy)

	eventType := registry.EventHealthy
	if to == health.StatusUnhealthy {
		eventType = registry.EventUnhealthy
	}
	c.registry.Bus().Publish(registry.Event{
		Type:     eventType,
		ServerID: id,
		Err:      err,
		Time:     time.Now(),
	})
}

// ServerStatus combines what the client knows about one server
type ServerStatus struct {
	ServerID    string               `json:"serverId"`
	DisplayName string               `json:"displayName"`
	Category    string               `json:"category,omitempty"`
	Priority    int                  `json:"priority"`
	Enabled     bool                 `json:"enabled"`
	Transport   config.TransportKind `json:"transport"`

	Connection      registry.Status `json:"connection"`
	LastConnectedAt time.Time       `json:"lastConnectedAt,omitempty"`
	LastError       string          `json:"lastError,omitempty"`

	Health              health.Status `json:"health"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	LastCheckAt         time.Time     `json:"lastCheckAt,omitempty"`
	LastLatency         time.Duration `json:"lastLatency"`

	Load int `json:"load"`
}

// GetServerStatus reports the connection, health and load of one server
func (c *Client) GetServerStatus(id string) (ServerStatus, bool) {
	desc, ok := c.servers[id]
	if !ok {
		return ServerStatus{}, false
	}

	st := ServerStatus{
		ServerID:    desc.ID,
		DisplayName: desc.Name(),
		Category:    desc.Category,
		Priority:    desc.Priority,
		Enabled:     desc.Enabled,
		Transport:   desc.Transport.Kind,
		Connection:  registry.StatusDisconnected,
		Health:      health.StatusUnknown,
		Load:        c.router.Load(id),
	}
	if snap, ok := c.registry.Get(id); ok {
		st.Connection = snap.Status
		st.LastConnectedAt = snap.LastConnectedAt
		if snap.LastError != nil {
			st.LastError = snap.LastError.Error()
		}
	}
	if rec, ok := c.monitor.Record(id); ok {
		st.Health = rec.Status
		st.ConsecutiveFailures = rec.ConsecutiveFailures
		st.LastCheckAt = rec.LastCheckAt
		st.LastLatency = rec.LastLatency
	}
	return st, true
}

// GetServerStatuses reports every configured server, sorted by id
func (c *Client) GetServerStatuses() []ServerStatus {
	ids := make([]string, 0, len(c.servers))
	for id := range c.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]ServerStatus, 0, len(ids))
	for _, id := range ids {
		st, _ := c.GetServerStatus(id)
		out = append(out, st)
	}
	return out
}

// CheckHealth probes one server now, or every monitored server when id is
// empty.
func (c *Client) CheckHealth(ctx context.Context, id string) (map[string]health.CheckResult, error) {
	if id == "" {
		return c.monitor.CheckAll(ctx), nil
	}
	if _, ok := c.monitor.Record(id); !ok {
		return nil, rpcerrors.ServerUnavailable(id, "not an enabled server")
	}
	return map[string]health.CheckResult{id: c.monitor.Probe(ctx, id)}, nil
}

// AddRoutingRule inserts a rule; it applies to the next Request
func (c *Client) AddRoutingRule(rule router.Rule) {
	c.router.AddRule(rule)
}

// RemoveRoutingRule removes every rule with the given pattern text
func (c *Client) RemoveRoutingRule(pattern string) int {
	return c.router.RemoveRule(pattern)
}

// RoutingRules returns the rules in evaluation order
func (c *Client) RoutingRules() []router.Rule {
	return c.router.Rules()
}

// Events subscribes to connection and health lifecycle events. Call cancel
// to unsubscribe; the channel is then closed.
func (c *Client) Events(buffer int) (<-chan registry.Event, func()) {
	return c.registry.Subscribe(buffer)
}
