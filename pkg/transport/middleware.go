package transport

import (
	"context"
	"time"

	"github.com/ajitpratap0/mcp-router/pkg/config"
	rpcerrors "github.com/ajitpratap0/mcp-router/pkg/errors"
	"github.com/ajitpratap0/mcp-router/pkg/logging"
	"github.com/ajitpratap0/mcp-router/pkg/protocol"
)

// Middleware wraps a connection to add behaviour around Send and Ping
type Middleware interface {
	Wrap(conn Connection) Connection
}

// MiddlewareFunc is an adapter to allow the use of ordinary functions as middleware
type MiddlewareFunc func(Connection) Connection

// Wrap implements the Middleware interface
func (f MiddlewareFunc) Wrap(c Connection) Connection {
	return f(c)
}

// Chain composes middleware so the first one is the outermost
func Chain(middleware ...Middleware) Middleware {
	return MiddlewareFunc(func(conn Connection) Connection {
		for i := len(middleware) - 1; i >= 0; i-- {
			if middleware[i] != nil {
				conn = middleware[i].Wrap(conn)
			}
		}
		return conn
	})
}

// Wrapped delegates every Connection method to Next. Middleware embed it and
// override what they need.
type Wrapped struct {
	Next Connection
}

// Connect delegates to the wrapped connection
func (w *Wrapped) Connect(ctx context.Context) error { return w.Next.Connect(ctx) }

// Send delegates to the wrapped connection
func (w *Wrapped) Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	return w.Next.Send(ctx, req)
}

// Ping delegates to the wrapped connection
func (w *Wrapped) Ping(ctx context.Context) error { return w.Next.Ping(ctx) }

// Close delegates to the wrapped connection
func (w *Wrapped) Close(ctx context.Context) error { return w.Next.Close(ctx) }

// Kind delegates to the wrapped connection
func (w *Wrapped) Kind() config.TransportKind { return w.Next.Kind() }

// ServerID delegates to the wrapped connection
func (w *Wrapped) ServerID() string { return w.Next.ServerID() }

// Unwrap returns the innermost connection
func Unwrap(conn Connection) Connection {
	for {
		type unwrapper interface{ unwrap() Connection }
		u, ok := conn.(unwrapper)
		if !ok {
			return conn
		}
		conn = u.unwrap()
	}
}

func (w *Wrapped) unwrap() Connection { return w.Next }

// NewLoggingMiddleware logs every send and connect with its latency.
// Successes go to debug, failures to warn.
func NewLoggingMiddleware(logger logging.Logger) Middleware {
	if logger == nil {
		logger = logging.NewNop()
	}
	return MiddlewareFunc(func(conn Connection) Connection {
		return &loggingConnection{
			Wrapped: Wrapped{Next: conn},
			logger: logger.WithFields(
				logging.String("component", "transport"),
				logging.ServerID(conn.ServerID()),
			),
		}
	})
}

type loggingConnection struct {
	Wrapped
	logger logging.Logger
}

func (l *loggingConnection) Connect(ctx context.Context) error {
	start := time.Now()
	err := l.Next.Connect(ctx)
	if err != nil {
		l.logger.WithError(err).Warn("connect failed", logging.Duration("latency", time.Since(start)))
		return err
	}
	l.logger.Debug("connect succeeded", logging.Duration("latency", time.Since(start)))
	return nil
}

func (l *loggingConnection) Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	start := time.Now()
	resp, err := l.Next.Send(ctx, req)

	fields := []logging.Field{
		logging.String("request_id", req.ID),
		logging.String("method", req.Method),
		logging.Duration("latency", time.Since(start)),
	}
	switch {
	case err != nil:
		l.logger.WithError(err).Warn("send failed", fields...)
	case resp.Error != nil:
		l.logger.Debug("server returned error", append(fields, logging.Int("code", resp.Error.Code))...)
	default:
		l.logger.Debug("send succeeded", fields...)
	}
	return resp, err
}

// Outcome classifies a Send result for metrics: "success", "remote_error" or
// the error kind.
func Outcome(resp *protocol.Response, err error) string {
	if err != nil {
		return string(rpcerrors.KindOf(err))
	}
	if resp != nil && resp.Error != nil {
		return "remote_error"
	}
	return "success"
}
