package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/trace"

	rpcerrors "github.com/ajitpratap0/mcp-router/pkg/errors"
	"github.com/ajitpratap0/mcp-router/pkg/logging"
	"github.com/ajitpratap0/mcp-router/pkg/observability"
	"github.com/ajitpratap0/mcp-router/pkg/protocol"
	"github.com/ajitpratap0/mcp-router/pkg/router"
)

// Response is the normalized outcome of a Request. Exactly one of Result
// and Error is set.
type Response struct {
	ID       string          `json:"id"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *ResponseError  `json:"error,omitempty"`
	ServerID string          `json:"serverId,omitempty"`
	Duration time.Duration   `json:"-"`
	Attempts int             `json:"attempts"`
}

// DurationMs is the request duration in milliseconds
func (r *Response) DurationMs() int64 {
	return r.Duration.Milliseconds()
}

// MarshalJSON adds durationMs to the encoded response
func (r *Response) MarshalJSON() ([]byte, error) {
	type plain Response
	return json.Marshal(struct {
		*plain
		DurationMs int64 `json:"durationMs"`
	}{(*plain)(r), r.DurationMs()})
}

// Err returns the response error, or nil on success
func (r *Response) Err() error {
	if r == nil || r.Error == nil {
		return nil
	}
	return r.Error
}

// Decode unmarshals the result into v
func (r *Response) Decode(v interface{}) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.Result) == 0 {
		return errors.New("response has no result")
	}
	return json.Unmarshal(r.Result, v)
}

// ResponseError is a structured failure carried in a Response
type ResponseError struct {
	Kind    rpcerrors.Kind  `json:"kind"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`

	err error
}

func newResponseError(err error) *ResponseError {
	pe := rpcerrors.ToProtocolError(err)
	return &ResponseError{
		Kind:    rpcerrors.KindOf(err),
		Code:    pe.Code,
		Message: pe.Message,
		Data:    pe.Data,
		err:     err,
	}
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying router error
func (e *ResponseError) Unwrap() error { return e.err }

// RequestOptions tune a single Request
type RequestOptions struct {
	// ServerID skips rule matching and sends to this server
	ServerID string
	// Timeout bounds each attempt; zero uses the server's or client's default
	Timeout time.Duration
	// Retries is how many extra attempts retryable failures get
	Retries int
	// Strategy overrides the load-balancing strategy
	Strategy router.Strategy
	// RequestID replaces the generated id
	RequestID string
}

// RequestOption sets a RequestOptions field
type RequestOption func(*RequestOptions)

// WithServer sends the request to id, bypassing routing rules
func WithServer(id string) RequestOption {
	return func(o *RequestOptions) { o.ServerID = id }
}

// WithTimeout bounds each attempt
func WithTimeout(d time.Duration) RequestOption {
	return func(o *RequestOptions) { o.Timeout = d }
}

// WithRetries allows n more attempts after a retryable failure
func WithRetries(n int) RequestOption {
	return func(o *RequestOptions) { o.Retries = n }
}

// WithStrategy selects the load-balancing strategy
func WithStrategy(s router.Strategy) RequestOption {
	return func(o *RequestOptions) { o.Strategy = s }
}

// WithRequestID sets the request id
func WithRequestID(id string) RequestOption {
	return func(o *RequestOptions) { o.RequestID = id }
}

// Request calls method on the server chosen by the router. Routing,
// transport and backend failures come back as Response.Error; the returned
// error is non-nil only when the client could not be initialized.
func (c *Client) Request(ctx context.Context, method string, params interface{}, opts ...RequestOption) (*Response, error) {
	if err := c.Initialize(ctx); err != nil {
		return nil, rpcerrors.NotInitialized(err)
	}

	var o RequestOptions
	for _, opt := range opts {
		opt(&o)
	}
	id := o.RequestID
	if id == "" {
		id = c.newID()
	}

	var span trace.Span
	if c.tracer != nil {
		ctx, span = c.tracer.StartRequestSpan(ctx, method, id)
	}

	start := time.Now()
	resp := &Response{ID: id}

	raw, err := validate(method, params)
	if err != nil {
		resp.Error = newResponseError(err)
		c.finish(resp, method, start, span)
		return resp, nil
	}

	attempt := 0
	operation := func() (*Response, error) {
		attempt++
		last := c.attempt(ctx, method, raw, wireID(id, attempt), o)
		last.ID = id
		last.Attempts = attempt
		resp = last
		if last.Error != nil && rpcerrors.IsRetryable(last.Error.err) {
			return last, last.Error
		}
		return last, nil
	}

	if o.Retries <= 0 {
		_, _ = operation()
	} else {
		expBackoff := backoff.NewExponentialBackOff()
		expBackoff.InitialInterval = c.retryInitial
		expBackoff.MaxInterval = c.retryMax
		expBackoff.Reset()

		_, _ = backoff.Retry(ctx, operation,
			backoff.WithBackOff(expBackoff),
			backoff.WithMaxTries(uint(o.Retries+1)), // #nosec G115 -- Retries > 0 here
			backoff.WithNotify(func(err error, wait time.Duration) {
				c.logger.Debug("retrying request",
					logging.String("request_id", id),
					logging.String("method", method),
					logging.Int("attempt", attempt),
					logging.Duration("backoff", wait),
					logging.ErrorField(err))
			}),
		)
	}

	c.finish(resp, method, start, span)
	return resp, nil
}

// wireID keeps ids unique per attempt so a late reply to a timed out
// attempt is never taken for the reply to its retry.
func wireID(id string, attempt int) string {
	if attempt <= 1 {
		return id
	}
	return fmt.Sprintf("%s.%d", id, attempt)
}

// validate checks the method name and encodes params, which must be nil, a
// JSON object or a JSON array.
func validate(method string, params interface{}) (json.RawMessage, error) {
	if method == "" {
		return nil, rpcerrors.InvalidParams("", "method is required")
	}
	if params == nil {
		return nil, nil
	}

	raw, ok := params.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(params); err != nil {
			return nil, rpcerrors.InvalidParams(method, fmt.Sprintf("params cannot be encoded: %v", err))
		}
	}
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) == 0, bytes.Equal(trimmed, []byte("null")):
		return nil, nil
	case trimmed[0] == '{' || trimmed[0] == '[':
		if !json.Valid(trimmed) {
			return nil, rpcerrors.InvalidParams(method, "params are not valid JSON")
		}
		return trimmed, nil
	default:
		return nil, rpcerrors.InvalidParams(method, "params must be a JSON object or array")
	}
}

// attempt routes and sends once, feeding the outcome to the health monitor
func (c *Client) attempt(ctx context.Context, method string, params json.RawMessage, id string, o RequestOptions) *Response {
	resp := &Response{}

	serverID, err := c.router.Route(router.RouteRequest{
		Method:   method,
		ServerID: o.ServerID,
		Strategy: o.Strategy,
	})
	if err != nil {
		resp.Error = newResponseError(rpcerrors.WithRequestContext(err, id, method, ""))
		return resp
	}
	resp.ServerID = serverID

	desc := c.servers[serverID]
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = desc.Transport.Timeout
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := c.send(attemptCtx, serverID, method, params, id)
	latency := time.Since(start)
	resp.Duration = latency

	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded && !rpcerrors.IsKind(err, rpcerrors.KindTimeout) {
			err = rpcerrors.Timeout(serverID, id, timeout)
		}
		c.monitor.RecordError(serverID, err, latency)
		c.metrics.RecordRequest(serverID, string(rpcerrors.KindOf(err)), latency)
		resp.Error = newResponseError(rpcerrors.WithRequestContext(err, id, method, serverID))
		return resp
	}

	// The server answered, even if with an error frame
	c.monitor.RecordOutcome(serverID, true, latency)

	if result.Error != nil {
		c.metrics.RecordRequest(serverID, "remote_error", latency)
		resp.Error = newResponseError(rpcerrors.Remote(serverID, result.Error))
		return resp
	}
	c.metrics.RecordRequest(serverID, "success", latency)
	resp.Result = result.Result
	if len(resp.Result) == 0 {
		resp.Result = json.RawMessage("null")
	}
	return resp
}

func (c *Client) send(ctx context.Context, serverID, method string, params json.RawMessage, id string) (*protocol.Response, error) {
	if err := c.ensureConnected(ctx, serverID); err != nil {
		if rpcerrors.IsKind(err, rpcerrors.KindConnect) {
			err = rpcerrors.TransportFailure(serverID, string(c.servers[serverID].Transport.Kind), "connect", err)
		}
		return nil, err
	}

	var p interface{}
	if params != nil {
		p = params
	}
	req, err := protocol.NewRequest(id, method, p)
	if err != nil {
		return nil, rpcerrors.InvalidParams(method, err.Error())
	}
	return c.registry.Send(ctx, serverID, req)
}

// finish logs the outcome, counts errors and ends the request span
func (c *Client) finish(resp *Response, method string, start time.Time, span trace.Span) {
	resp.Duration = time.Since(start)

	if span != nil {
		outcome := "success"
		if resp.Error != nil {
			outcome = string(resp.Error.Kind)
		}
		span.SetAttributes(
			observability.AttrServerID.String(resp.ServerID),
			observability.AttrAttempt.Int(resp.Attempts),
			observability.AttrOutcome.String(outcome),
		)
		observability.EndSpan(span, resp.Err())
	}

	fields := []logging.Field{
		logging.String("request_id", resp.ID),
		logging.String("method", method),
		logging.ServerID(resp.ServerID),
		logging.Duration("duration", resp.Duration),
		logging.Int("attempts", resp.Attempts),
	}
	if resp.Error == nil {
		c.logger.Debug("request succeeded", fields...)
		return
	}

	c.metrics.RecordError(string(resp.Error.Kind))
	fields = append(fields,
		logging.String("kind", string(resp.Error.Kind)),
		logging.String("error", resp.Error.Message))
	if resp.Error.Kind == rpcerrors.KindRemote {
		c.logger.Debug("request returned remote error", fields...)
		return
	}
	c.logger.Warn("request failed", fields...)
}
