package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ajitpratap0/mcp-router/pkg/config"
	rpcerrors "github.com/ajitpratap0/mcp-router/pkg/errors"
	"github.com/ajitpratap0/mcp-router/pkg/logging"
	"github.com/ajitpratap0/mcp-router/pkg/protocol"
)

// maxErrorBody caps how much of a non-2xx body ends up in an error
const maxErrorBody = 512

// HTTPConnection issues one POST per request. The connection itself is
// stateless; Connect only resolves credentials and checks the endpoint.
type HTTPConnection struct {
	desc   config.ServerDescriptor
	opts   options
	logger logging.Logger
	client *http.Client

	mu        sync.RWMutex
	token     string
	connected bool
	closed    bool
}

func newHTTPConnection(desc config.ServerDescriptor, o options) *HTTPConnection {
	client := o.httpClient
	if client == nil {
		// Deadlines come from the request context
		client = &http.Client{}
	}
	return &HTTPConnection{
		desc:   desc,
		opts:   o,
		logger: componentLogger(o.logger, desc),
		client: client,
	}
}

// Connect resolves the auth token and validates the endpoint
func (c *HTTPConnection) Connect(ctx context.Context) error {
	endpoint := c.desc.Transport.Endpoint
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		if err == nil {
			err = fmt.Errorf("endpoint must be an http(s) URL")
		}
		return rpcerrors.ConnectFailed(c.desc.ID, "http", endpoint, err)
	}

	token, err := authToken(ctx, c.desc, c.opts.credentials)
	if err != nil {
		return rpcerrors.ConnectFailed(c.desc.ID, "http", endpoint, err)
	}

	c.mu.Lock()
	c.token = token
	c.connected = true
	c.closed = false
	c.mu.Unlock()
	return nil
}

// Send POSTs the frame and parses the response body as a single frame
func (c *HTTPConnection) Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	c.mu.RLock()
	token, ready := c.token, c.connected && !c.closed
	c.mu.RUnlock()
	if !ready {
		return nil, rpcerrors.NotConnected(c.desc.ID, "not connected")
	}

	start := time.Now()
	body, err := json.Marshal(req)
	if err != nil {
		return nil, rpcerrors.TransportFailure(c.desc.ID, "http", "encode", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.desc.Transport.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, rpcerrors.TransportFailure(c.desc.ID, "http", "send", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-RPC-Method", req.Method)
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return nil, rpcerrors.Timeout(c.desc.ID, req.ID, time.Since(start))
		}
		return nil, rpcerrors.TransportFailure(c.desc.ID, "http", "send", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, rpcerrors.HTTPStatus(c.desc.ID, c.desc.Transport.Endpoint, resp.StatusCode,
			strings.TrimSpace(string(snippet)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(c.opts.maxLineSize)))
	if err != nil {
		if ctx.Err() != nil {
			return nil, rpcerrors.Timeout(c.desc.ID, req.ID, time.Since(start))
		}
		return nil, rpcerrors.TransportFailure(c.desc.ID, "http", "receive", err)
	}

	frame, err := protocol.ParseFrame(data)
	if err != nil {
		return nil, rpcerrors.MalformedResponse(c.desc.ID, "http", err)
	}
	if frame.ID != req.ID {
		c.logger.Debug("response id mismatch",
			logging.String("request_id", req.ID),
			logging.String("response_id", frame.ID),
		)
		frame.ID = req.ID
	}

	c.logger.Debug("request completed",
		logging.String("request_id", req.ID),
		logging.String("method", req.Method),
		logging.Duration("latency", time.Since(start)),
	)
	return frame, nil
}

// Ping issues GET Endpoint+HealthCheck.Path; any 2xx is healthy
func (c *HTTPConnection) Ping(ctx context.Context) error {
	c.mu.RLock()
	token, ready := c.token, c.connected && !c.closed
	c.mu.RUnlock()
	if !ready {
		return rpcerrors.NotConnected(c.desc.ID, "not connected")
	}

	target := c.healthURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return rpcerrors.TransportFailure(c.desc.ID, "http", "ping", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return rpcerrors.Timeout(c.desc.ID, "health", 0)
		}
		return rpcerrors.TransportFailure(c.desc.ID, "http", "ping", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return rpcerrors.HTTPStatus(c.desc.ID, target, resp.StatusCode, "")
	}
	return nil
}

func (c *HTTPConnection) healthURL() string {
	path := c.desc.HealthCheck.Path
	if path == "" {
		path = config.DefaultHealthPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimSuffix(c.desc.Transport.Endpoint, "/") + path
}

// Close releases idle keep-alive connections
func (c *HTTPConnection) Close(_ context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.client.CloseIdleConnections()
	return nil
}

// Kind implements Connection
func (c *HTTPConnection) Kind() config.TransportKind { return config.TransportHTTP }

// ServerID implements Connection
func (c *HTTPConnection) ServerID() string { return c.desc.ID }

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
