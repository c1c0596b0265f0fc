package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/mcp-router/pkg/config"
	rpcerrors "github.com/ajitpratap0/mcp-router/pkg/errors"
	"github.com/ajitpratap0/mcp-router/pkg/logging"
	"github.com/ajitpratap0/mcp-router/pkg/protocol"
)

// WebSocketConnection sends one frame per text message. Inbound messages may
// hold several newline-delimited frames.
type WebSocketConnection struct {
	*stream
	desc   config.ServerDescriptor
	opts   options
	logger logging.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	readers *errgroup.Group
	closing bool

	closeOnce sync.Once
}

func newWebSocketConnection(desc config.ServerDescriptor, o options) *WebSocketConnection {
	logger := componentLogger(o.logger, desc)
	return &WebSocketConnection{
		stream: newStream(desc.ID, string(config.TransportWebSocket), desc.HealthCheck.Method,
			desc.Transport.MaxInFlight, logger),
		desc:   desc,
		opts:   o,
		logger: logger,
	}
}

// Connect performs the WebSocket handshake. Auth headers are attached to the
// upgrade request.
func (c *WebSocketConnection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	endpoint := c.desc.Transport.Endpoint
	token, err := authToken(ctx, c.desc, c.opts.credentials)
	if err != nil {
		return rpcerrors.ConnectFailed(c.desc.ID, "websocket", endpoint, err)
	}

	dialer := c.opts.dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, authHeader(token))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return rpcerrors.ConnectFailed(c.desc.ID, "websocket", endpoint, err)
	}

	c.conn = conn
	c.stream.write = func(frame []byte) error {
		return conn.WriteMessage(websocket.TextMessage, bytes.TrimRight(frame, "\n"))
	}

	g := new(errgroup.Group)
	g.Go(func() error { return c.readLoop(conn) })
	c.readers = g

	c.logger.Debug("connected", logging.String("remote", conn.RemoteAddr().String()))
	return nil
}

func (c *WebSocketConnection) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.lost(err)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		for _, line := range bytes.Split(data, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			c.dispatch(line)
		}
	}
}

func (c *WebSocketConnection) lost(err error) {
	c.pending.fail(err)

	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return
	}

	c.logger.Warn("connection lost", logging.ErrorField(err))
	if c.opts.onLost != nil {
		c.opts.onLost(c.desc.ID, rpcerrors.ConnectionLost(c.desc.ID, "websocket", err))
	}
}

// Send implements Connection
func (c *WebSocketConnection) Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if !c.connected() {
		return nil, rpcerrors.NotConnected(c.desc.ID, "not connected")
	}
	return c.roundTrip(ctx, req)
}

// Ping implements Connection
func (c *WebSocketConnection) Ping(ctx context.Context) error {
	if !c.connected() {
		return rpcerrors.NotConnected(c.desc.ID, "not connected")
	}
	return c.ping(ctx)
}

func (c *WebSocketConnection) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close sends a close frame and tears down the socket
func (c *WebSocketConnection) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		conn, readers := c.conn, c.readers
		c.mu.Unlock()

		c.pending.fail(ErrClosed)
		if conn == nil {
			return
		}

		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, websocket.ErrCloseSent) {
			err = cerr
		}

		done := make(chan struct{})
		go func() {
			_ = readers.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
	})
	return err
}

// Kind implements Connection
func (c *WebSocketConnection) Kind() config.TransportKind { return config.TransportWebSocket }

// ServerID implements Connection
func (c *WebSocketConnection) ServerID() string { return c.desc.ID }
