package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/mcp-router/pkg/config"
	rpcerrors "github.com/ajitpratap0/mcp-router/pkg/errors"
	"github.com/ajitpratap0/mcp-router/pkg/logging"
	"github.com/ajitpratap0/mcp-router/pkg/protocol"
)

// TCPConnection carries newline-delimited frames over a TCP socket
type TCPConnection struct {
	*stream
	desc   config.ServerDescriptor
	opts   options
	logger logging.Logger

	mu      sync.Mutex
	conn    net.Conn
	readers *errgroup.Group
	closing bool

	closeOnce sync.Once
}

func newTCPConnection(desc config.ServerDescriptor, o options) *TCPConnection {
	logger := componentLogger(o.logger, desc)
	return &TCPConnection{
		stream: newStream(desc.ID, string(config.TransportTCP), desc.HealthCheck.Method,
			desc.Transport.MaxInFlight, logger),
		desc:   desc,
		opts:   o,
		logger: logger,
	}
}

// Connect dials Endpoint (host:port)
func (c *TCPConnection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.desc.Transport.Endpoint)
	if err != nil {
		return rpcerrors.ConnectFailed(c.desc.ID, "tcp", c.desc.Transport.Endpoint, err)
	}

	c.conn = conn
	c.stream.write = func(frame []byte) error {
		_, err := conn.Write(frame)
		return err
	}

	g := new(errgroup.Group)
	g.Go(func() error { return c.readLoop(conn) })
	c.readers = g

	c.logger.Debug("connected", logging.String("remote", conn.RemoteAddr().String()))
	return nil
}

func (c *TCPConnection) readLoop(conn net.Conn) error {
	lines := protocol.NewLineBuffer(c.opts.maxLineSize)
	buf := make([]byte, 32*1024)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, line := range lines.Write(buf[:n]) {
				c.dispatch(line)
			}
		}
		if err != nil {
			c.lost(err)
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (c *TCPConnection) lost(err error) {
	if errors.Is(err, io.EOF) {
		err = errors.New("connection closed by peer")
	}
	c.pending.fail(err)

	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return
	}

	c.logger.Warn("connection lost", logging.ErrorField(err))
	if c.opts.onLost != nil {
		c.opts.onLost(c.desc.ID, rpcerrors.ConnectionLost(c.desc.ID, "tcp", err))
	}
}

// Send implements Connection
func (c *TCPConnection) Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if !c.connected() {
		return nil, rpcerrors.NotConnected(c.desc.ID, "not connected")
	}
	return c.roundTrip(ctx, req)
}

// Ping implements Connection
func (c *TCPConnection) Ping(ctx context.Context) error {
	if !c.connected() {
		return rpcerrors.NotConnected(c.desc.ID, "not connected")
	}
	return c.ping(ctx)
}

func (c *TCPConnection) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close implements Connection
func (c *TCPConnection) Close(ctx context.Context) error {
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
		err = conn.Close()

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
func (c *TCPConnection) Kind() config.TransportKind { return config.TransportTCP }

// ServerID implements Connection
func (c *TCPConnection) ServerID() string { return c.desc.ID }
