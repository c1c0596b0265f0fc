package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/mcp-router/pkg/config"
	rpcerrors "github.com/ajitpratap0/mcp-router/pkg/errors"
	"github.com/ajitpratap0/mcp-router/pkg/logging"
)

// ErrAlreadyRunning is returned by Start when the monitor is running
var ErrAlreadyRunning = errors.New("health monitor already running")

// Prober issues a lightweight health request to one server
type Prober interface {
	Probe(ctx context.Context, serverID string) error
}

// ProberFunc adapts a function to Prober
type ProberFunc func(ctx context.Context, serverID string) error

// Probe calls f
func (f ProberFunc) Probe(ctx context.Context, serverID string) error { return f(ctx, serverID) }

// TransitionFunc is called after a server's status changes
type TransitionFunc func(serverID string, from, to Status, err error)

// Recorder receives every probe result
type Recorder interface {
	RecordHealthCheck(serverID string, healthy bool, latency time.Duration)
}

// CheckResult is the outcome of one probe
type CheckResult struct {
	ServerID string
	Healthy  bool
	Latency  time.Duration
	Err      error
}

// Monitor probes servers and keeps their health records
type Monitor struct {
	prober  Prober
	ids     []string
	servers map[string]*serverState

	logger       logging.Logger
	onTransition TransitionFunc
	recorder     Recorder
	now          func() time.Time

	// generation changes on every Stop; scheduled probes started under an
	// older generation drop their results
	generation atomic.Uint64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Monitor
type Option func(*Monitor)

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithTransitionFunc registers a status change hook
func WithTransitionFunc(fn TransitionFunc) Option {
	return func(m *Monitor) { m.onTransition = fn }
}

// WithRecorder sets a sink for probe results
func WithRecorder(r Recorder) Option {
	return func(m *Monitor) { m.recorder = r }
}

// NewMonitor creates a monitor with an unknown record for every enabled
// descriptor. The set of monitored servers is fixed for the monitor's life.
func NewMonitor(prober Prober, descriptors []config.ServerDescriptor, opts ...Option) *Monitor {
	m := &Monitor{
		prober:  prober,
		servers: make(map[string]*serverState),
		logger:  logging.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithFields(logging.String("component", "health"))

	for _, desc := range descriptors {
		if !desc.Enabled {
			continue
		}
		if _, dup := m.servers[desc.ID]; dup {
			continue
		}
		timeout := desc.HealthCheck.Timeout
		if timeout <= 0 {
			timeout = config.DefaultHealthTimeout
		}
		threshold := desc.HealthCheck.FailureThreshold
		if threshold <= 0 {
			threshold = config.DefaultFailureThreshold
		}
		m.servers[desc.ID] = newServerState(desc.ID, threshold, timeout, desc.HealthCheck.Interval)
		m.ids = append(m.ids, desc.ID)
	}
	sort.Strings(m.ids)
	return m
}

// Start begins probing every monitored server each interval. The first round
// runs immediately.
func (m *Monitor) Start(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("health interval must be positive, got %s", interval)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})

	gen := m.generation.Load()
	go m.loop(ctx, gen, interval, m.done)

	m.logger.Info("health monitor started",
		logging.Duration("interval", interval),
		logging.Int("servers", len(m.ids)))
	return nil
}

// Stop cancels scheduled probing. Probes still running are allowed to
// complete and Stop waits for them, but their results are discarded. Stop is
// idempotent and the monitor may be started again afterwards.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.generation.Add(1)
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info("health monitor stopped")
}

// Running reports whether scheduled probing is active
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) loop(ctx context.Context, gen uint64, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Stopping the loop must not cancel a round already in flight
	probeCtx := context.WithoutCancel(ctx)

	m.tick(probeCtx, gen, interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(probeCtx, gen, interval)
		}
	}
}

// tick probes every server that is due concurrently. The round never
// outlives the interval, so a hung server cannot hold up the next one.
func (m *Monitor) tick(ctx context.Context, gen uint64, interval time.Duration) {
	tickCtx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()

	now := m.now()
	var g errgroup.Group
	for _, id := range m.ids {
		s := m.servers[id]
		if !s.due(now, interval) {
			continue
		}
		if !s.beginProbe() {
			m.logger.Debug("probe still in flight, skipping", logging.ServerID(id))
			continue
		}
		s.scheduled(now)
		g.Go(func() error {
			defer s.endProbe()
			res := m.run(tickCtx, s)
			if m.generation.Load() != gen {
				return nil
			}
			m.apply(s, res)
			return nil
		})
	}
	_ = g.Wait()
}

// run probes one server under its own health timeout
func (m *Monitor) run(ctx context.Context, s *serverState) CheckResult {
	probeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := m.now()
	err := m.prober.Probe(probeCtx, s.id)
	latency := m.now().Sub(start)
	if err != nil && probeCtx.Err() == context.DeadlineExceeded && !rpcerrors.IsKind(err, rpcerrors.KindTimeout) {
		err = rpcerrors.Wrap(err, rpcerrors.KindTimeout,
			fmt.Sprintf("health check of %q timed out after %s", s.id, s.timeout))
	}
	return CheckResult{ServerID: s.id, Healthy: err == nil, Latency: latency, Err: err}
}

func (m *Monitor) apply(s *serverState, res CheckResult) {
	if m.recorder != nil {
		m.recorder.RecordHealthCheck(res.ServerID, res.Healthy, res.Latency)
	}
	m.update(s, res.Err, res.Latency)
}

func (m *Monitor) update(s *serverState, err error, latency time.Duration) {
	from, to := s.record(err, latency, m.now())
	if from == to {
		if err != nil {
			m.logger.Debug("server check failed",
				logging.ServerID(s.id), logging.ErrorField(err))
		}
		return
	}

	switch to {
	case StatusUnhealthy:
		m.logger.Warn("server marked unhealthy",
			logging.ServerID(s.id),
			logging.Int("consecutive_failures", s.threshold),
			logging.ErrorField(err))
	case StatusHealthy:
		if from == StatusUnhealthy {
			m.logger.Info("server recovered", logging.ServerID(s.id))
		} else {
			m.logger.Debug("server healthy", logging.ServerID(s.id))
		}
	}
	if m.onTransition != nil {
		m.onTransition(s.id, from, to, err)
	}
}

// Probe checks one server now and records the result. It runs even when a
// scheduled probe for the server is in flight.
func (m *Monitor) Probe(ctx context.Context, serverID string) CheckResult {
	s, ok := m.servers[serverID]
	if !ok {
		return CheckResult{
			ServerID: serverID,
			Err:      rpcerrors.ServerUnavailable(serverID, "not monitored"),
		}
	}
	if s.beginProbe() {
		defer s.endProbe()
	}

	res := m.run(ctx, s)
	m.apply(s, res)
	return res
}

// CheckAll probes every monitored server concurrently
func (m *Monitor) CheckAll(ctx context.Context) map[string]CheckResult {
	results := make(map[string]CheckResult, len(m.ids))
	var mu sync.Mutex

	var g errgroup.Group
	for _, id := range m.ids {
		g.Go(func() error {
			res := m.Probe(ctx, id)
			mu.Lock()
			results[id] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// RecordOutcome feeds the result of a live request into the server's record.
// Outcomes for servers that are not monitored are ignored.
func (m *Monitor) RecordOutcome(serverID string, success bool, latency time.Duration) {
	var err error
	if !success {
		err = errors.New("request failed")
	}
	m.RecordError(serverID, err, latency)
}

// RecordError is RecordOutcome with the failure cause kept on the record
func (m *Monitor) RecordError(serverID string, err error, latency time.Duration) {
	s, ok := m.servers[serverID]
	if !ok {
		return
	}
	m.update(s, err, latency)
}

// IsHealthy reports whether a server may receive traffic. Servers never
// checked, or not monitored at all, count as healthy.
func (m *Monitor) IsHealthy(serverID string) bool {
	s, ok := m.servers[serverID]
	if !ok {
		return true
	}
	return s.healthy()
}

// Record returns a copy of one server's record
func (m *Monitor) Record(serverID string) (Record, bool) {
	s, ok := m.servers[serverID]
	if !ok {
		return Record{}, false
	}
	return s.snapshot(), true
}

// Records returns a copy of every record
func (m *Monitor) Records() map[string]Record {
	out := make(map[string]Record, len(m.servers))
	for id, s := range m.servers {
		out[id] = s.snapshot()
	}
	return out
}

// ServerIDs lists the monitored servers in sorted order
func (m *Monitor) ServerIDs() []string {
	return append([]string(nil), m.ids...)
}
