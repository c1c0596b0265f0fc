// Package transport implements the physical channels to backend servers.
//
// A Connection carries JSON-RPC 2.0 frames to one server over stdio (a
// spawned subprocess), TCP, WebSocket or HTTP. Stream transports (stdio, tcp,
// websocket) multiplex requests over one channel and match responses by id;
// HTTP issues one POST per request.
//
// Connections are created from a config.ServerDescriptor:
//
//	conn, err := transport.New(desc, transport.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	if err := conn.Connect(ctx); err != nil {
//		return err
//	}
//	defer conn.Close(context.Background())
//	resp, err := conn.Send(ctx, req)
package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ajitpratap0/mcp-router/pkg/config"
	"github.com/ajitpratap0/mcp-router/pkg/logging"
	"github.com/ajitpratap0/mcp-router/pkg/protocol"
)

// Connection is a live channel to one server.
type Connection interface {
	// Connect establishes the channel. It must be called once before Send.
	Connect(ctx context.Context) error

	// Send delivers req and waits for the matching response. A JSON-RPC error
	// frame from the server is a successful Send; the frame is returned with
	// Response.Error set.
	Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error)

	// Ping checks that the server answers. Stream transports send the
	// descriptor's health method; HTTP issues a GET on the health path.
	Ping(ctx context.Context) error

	// Close releases the channel. It is safe to call more than once.
	Close(ctx context.Context) error

	Kind() config.TransportKind
	ServerID() string
}

// LostHandler is told when a connection fails on its own, for example when
// a subprocess exits or the peer hangs up. It is not called for Close.
type LostHandler func(serverID string, err error)

// Factory creates a connection for a descriptor
type Factory func(desc config.ServerDescriptor, opts ...Option) (Connection, error)

// Errors
var (
	ErrUnsupportedTransport = errors.New("unsupported transport kind")
	ErrClosed               = errors.New("connection closed")
)

// DefaultCloseGrace is how long Close waits for a subprocess to exit after
// its stdin is closed before killing it.
const DefaultCloseGrace = 2 * time.Second

type options struct {
	logger      logging.Logger
	credentials config.CredentialResolver
	httpClient  *http.Client
	dialer      *websocket.Dialer
	onLost      LostHandler
	closeGrace  time.Duration
	maxLineSize int
}

// Option configures a connection
type Option func(*options)

// WithLogger sets the logger. Connections add their own component and
// server fields.
func WithLogger(logger logging.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCredentialResolver sets how Auth.CredentialRef is resolved
func WithCredentialResolver(r config.CredentialResolver) Option {
	return func(o *options) {
		if r != nil {
			o.credentials = r
		}
	}
}

// WithHTTPClient sets the client used by HTTP connections. The descriptor
// timeout is only applied to clients created internally.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithDialer sets the WebSocket dialer
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithLostHandler registers a callback for unexpected connection loss
func WithLostHandler(h LostHandler) Option {
	return func(o *options) { o.onLost = h }
}

// WithCloseGrace sets how long Close waits for a subprocess to exit
func WithCloseGrace(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.closeGrace = d
		}
	}
}

// WithMaxLineSize bounds a single inbound frame on stream transports
func WithMaxLineSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxLineSize = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:      logging.NewNop(),
		credentials: config.DefaultCredentialResolver(),
		closeGrace:  DefaultCloseGrace,
		maxLineSize: protocol.DefaultMaxLineSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates an unconnected Connection for desc
func New(desc config.ServerDescriptor, opts ...Option) (Connection, error) {
	o := buildOptions(opts)

	switch desc.Transport.Kind {
	case config.TransportStdio:
		return newStdioConnection(desc, o), nil
	case config.TransportTCP:
		return newTCPConnection(desc, o), nil
	case config.TransportWebSocket:
		return newWebSocketConnection(desc, o), nil
	case config.TransportHTTP:
		return newHTTPConnection(desc, o), nil
	default:
		return nil, ErrUnsupportedTransport
	}
}

// componentLogger scopes a logger to one connection
func componentLogger(logger logging.Logger, desc config.ServerDescriptor) logging.Logger {
	return logger.WithFields(
		logging.String("component", "transport"),
		logging.ServerID(desc.ID),
		logging.String("transport", string(desc.Transport.Kind)),
	)
}

// authToken resolves the bearer token for desc, or "" when it has no auth
func authToken(ctx context.Context, desc config.ServerDescriptor, r config.CredentialResolver) (string, error) {
	if !desc.HasAuth() {
		return "", nil
	}
	return r.Resolve(ctx, desc.Auth.CredentialRef)
}

// authHeader builds the request headers carrying token
func authHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
