// Package registry owns the live connections to backend servers: at most one
// per server id, each with a lifecycle status, and a bus announcing every
// transition.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ajitpratap0/mcp-router/pkg/config"
	rpcerrors "github.com/ajitpratap0/mcp-router/pkg/errors"
	"github.com/ajitpratap0/mcp-router/pkg/logging"
	"github.com/ajitpratap0/mcp-router/pkg/protocol"
	"github.com/ajitpratap0/mcp-router/pkg/transport"
)

// Status is the lifecycle state of a connection
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Snapshot is a copy of one registry entry
type Snapshot struct {
	ServerID        string
	Kind            config.TransportKind
	Status          Status
	LastConnectedAt time.Time
	LastError       error
}

type entry struct {
	desc            config.ServerDescriptor
	conn            transport.Connection
	status          Status
	lastConnectedAt time.Time
	lastErr         error
}

func (e *entry) snapshot() Snapshot {
	return Snapshot{
		ServerID:        e.desc.ID,
		Kind:            e.desc.Transport.Kind,
		Status:          e.status,
		LastConnectedAt: e.lastConnectedAt,
		LastError:       e.lastErr,
	}
}

// Registry holds one connection per server id
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	connect singleflight.Group

	factory       transport.Factory
	transportOpts []transport.Option
	middleware    []transport.Middleware
	bus           *Bus
	logger        logging.Logger
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithFactory replaces transport.New, mainly for tests
func WithFactory(f transport.Factory) Option {
	return func(r *Registry) {
		if f != nil {
			r.factory = f
		}
	}
}

// WithTransportOptions passes options to every connection the registry creates
func WithTransportOptions(opts ...transport.Option) Option {
	return func(r *Registry) { r.transportOpts = append(r.transportOpts, opts...) }
}

// WithMiddleware wraps every connection the registry creates
func WithMiddleware(mw ...transport.Middleware) Option {
	return func(r *Registry) { r.middleware = append(r.middleware, mw...) }
}

// WithBus publishes lifecycle events on an existing bus
func WithBus(bus *Bus) Option {
	return func(r *Registry) {
		if bus != nil {
			r.bus = bus
		}
	}
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		factory: transport.New,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithFields(logging.String("component", "registry"))
	if r.bus == nil {
		r.bus = NewBus(r.logger)
	}
	return r
}

// Connect opens a connection for desc. An existing connected entry is kept.
// Concurrent calls for the same id share one attempt. A failed or
// disconnected entry is closed and replaced.
func (r *Registry) Connect(ctx context.Context, desc config.ServerDescriptor) error {
	if snap, ok := r.Get(desc.ID); ok && snap.Status == StatusConnected {
		return nil
	}

	_, err, _ := r.connect.Do(desc.ID, func() (interface{}, error) {
		return nil, r.dial(ctx, desc)
	})
	return err
}

func (r *Registry) dial(ctx context.Context, desc config.ServerDescriptor) error {
	r.mu.Lock()
	old := r.entries[desc.ID]
	if old != nil && old.status == StatusConnected {
		r.mu.Unlock()
		return nil
	}

	e := &entry{desc: desc, status: StatusConnecting}
	if old != nil {
		e.lastConnectedAt = old.lastConnectedAt
	}

	opts := append([]transport.Option{}, r.transportOpts...)
	opts = append(opts, transport.WithLostHandler(func(_ string, err error) {
		r.markLost(e, err)
	}))

	conn, err := r.factory(desc, opts...)
	if err != nil {
		e.status = StatusError
		e.lastErr = rpcerrors.ConnectFailed(desc.ID, string(desc.Transport.Kind), desc.Transport.Endpoint, err)
		r.entries[desc.ID] = e
		r.publishLocked(EventError, desc.ID, e.lastErr)
		r.mu.Unlock()
		r.closeStale(old)
		return e.lastErr
	}
	if len(r.middleware) > 0 {
		conn = transport.Chain(r.middleware...).Wrap(conn)
	}
	e.conn = conn
	r.entries[desc.ID] = e
	r.publishLocked(EventConnecting, desc.ID, nil)
	r.mu.Unlock()

	r.closeStale(old)

	r.logger.Debug("connecting", logging.ServerID(desc.ID), logging.String("transport", string(desc.Transport.Kind)))
	connErr := conn.Connect(ctx)
	if connErr != nil && !rpcerrors.IsKind(connErr, rpcerrors.KindConnect) {
		connErr = rpcerrors.ConnectFailed(desc.ID, string(desc.Transport.Kind), desc.Transport.Endpoint, connErr)
	}

	r.mu.Lock()
	current := r.entries[desc.ID] == e
	if current {
		if connErr != nil {
			e.status = StatusError
			e.lastErr = connErr
			r.publishLocked(EventError, desc.ID, connErr)
		} else {
			e.status = StatusConnected
			e.lastErr = nil
			e.lastConnectedAt = time.Now()
			r.publishLocked(EventConnected, desc.ID, nil)
		}
	}
	r.mu.Unlock()

	if !current {
		// Disconnected while we were connecting
		_ = conn.Close(context.Background())
		if connErr == nil {
			connErr = rpcerrors.ConnectFailed(desc.ID, string(desc.Transport.Kind), desc.Transport.Endpoint,
				errors.New("disconnected during connect"))
		}
	}

	if connErr != nil {
		r.logger.WithError(connErr).Warn("connect failed", logging.ServerID(desc.ID))
		return connErr
	}
	r.logger.Info("connected", logging.ServerID(desc.ID), logging.String("transport", string(desc.Transport.Kind)))
	return nil
}

func (r *Registry) closeStale(old *entry) {
	if old == nil || old.conn == nil {
		return
	}
	if err := old.conn.Close(context.Background()); err != nil {
		r.logger.WithError(err).Debug("closing stale connection", logging.ServerID(old.desc.ID))
	}
}

// markLost moves a connected entry to error when its transport fails. Losses
// reported by a replaced connection are ignored.
func (r *Registry) markLost(e *entry, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries[e.desc.ID] != e || e.status != StatusConnected {
		return
	}
	e.status = StatusError
	e.lastErr = err
	r.publishLocked(EventError, e.desc.ID, err)
	r.logger.WithError(err).Warn("connection lost", logging.ServerID(e.desc.ID))
}

func (r *Registry) publishLocked(t EventType, id string, err error) {
	r.bus.Publish(Event{Type: t, ServerID: id, Err: err})
}

// Get returns a snapshot of one entry
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// GetAll returns snapshots of every entry
func (r *Registry) GetAll() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Snapshot, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.snapshot()
	}
	return out
}

// IDs returns the registered server ids, sorted
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Usable reports whether id can take a request. Servers without an entry
// are usable through a lazy connect; an entry in the error state is not,
// until a health probe or explicit Connect replaces it.
func (r *Registry) Usable(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	return !ok || e.status != StatusError
}

func (r *Registry) usable(id string) (transport.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, rpcerrors.NotConnected(id, "unknown server")
	}
	if e.status != StatusConnected || e.conn == nil {
		return nil, rpcerrors.NotConnected(id, string(e.status))
	}
	return e.conn, nil
}

// Send delivers req over the server's connection
func (r *Registry) Send(ctx context.Context, id string, req *protocol.Request) (*protocol.Response, error) {
	conn, err := r.usable(id)
	if err != nil {
		return nil, err
	}
	return conn.Send(ctx, req)
}

// Probe pings the server over its connection
func (r *Registry) Probe(ctx context.Context, id string) error {
	conn, err := r.usable(id)
	if err != nil {
		return err
	}
	return conn.Ping(ctx)
}

// Disconnect closes and removes the server's connection. Unknown ids are a
// no-op.
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		e.status = StatusDisconnected
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}

	var err error
	if e.conn != nil {
		err = e.conn.Close(ctx)
	}

	r.mu.Lock()
	r.publishLocked(EventDisconnected, id, err)
	r.mu.Unlock()

	if err != nil {
		r.logger.WithError(err).Warn("disconnect failed", logging.ServerID(id))
		return rpcerrors.TransportFailure(id, string(e.desc.Transport.Kind), "close", err)
	}
	r.logger.Info("disconnected", logging.ServerID(id))
	return nil
}

// DisconnectAll disconnects every server. Failures are logged and joined;
// the loop always runs to completion.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	var errs []error
	for _, id := range r.IDs() {
		if err := r.Disconnect(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe returns a channel of lifecycle events. See Bus.Subscribe.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	return r.bus.Subscribe(buffer)
}

// Bus returns the bus events are published on
func (r *Registry) Bus() *Bus {
	return r.bus
}
