package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	rpcerrors "github.com/ajitpratap0/mcp-router/pkg/errors"
	"github.com/ajitpratap0/mcp-router/pkg/logging"
	"github.com/ajitpratap0/mcp-router/pkg/protocol"
)

// pendingRequests tracks requests waiting for a response, keyed by id. Once
// failed, every waiter is released and new registrations are refused.
type pendingRequests struct {
	mu      sync.Mutex
	waiters map[string]chan *protocol.Response
	err     error
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{waiters: make(map[string]chan *protocol.Response)}
}

func (p *pendingRequests) register(id string) (chan *protocol.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}
	if _, dup := p.waiters[id]; dup {
		return nil, fmt.Errorf("duplicate request id %s", id)
	}
	ch := make(chan *protocol.Response, 1)
	p.waiters[id] = ch
	return ch, nil
}

func (p *pendingRequests) remove(id string) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// deliver hands resp to its waiter. It reports false for ids nobody is
// waiting on, which includes responses that arrive after a timeout.
func (p *pendingRequests) deliver(resp *protocol.Response) bool {
	p.mu.Lock()
	ch, ok := p.waiters[resp.ID]
	if ok {
		delete(p.waiters, resp.ID)
	}
	p.mu.Unlock()

	if ok {
		ch <- resp
	}
	return ok
}

// fail releases every waiter with err. Only the first error sticks.
func (p *pendingRequests) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err == nil {
		p.err = err
	}
	for id, ch := range p.waiters {
		close(ch)
		delete(p.waiters, id)
	}
}

func (p *pendingRequests) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *pendingRequests) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// stream is the request/response multiplexer shared by the stdio, tcp and
// websocket transports. The owner supplies write and feeds inbound frames
// to dispatch.
type stream struct {
	serverID     string
	kind         string
	healthMethod string
	logger       logging.Logger

	pending *pendingRequests
	slots   chan struct{}

	writeMu sync.Mutex
	write   func(frame []byte) error
}

func newStream(serverID, kind, healthMethod string, maxInFlight int, logger logging.Logger) *stream {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &stream{
		serverID:     serverID,
		kind:         kind,
		healthMethod: healthMethod,
		logger:       logger,
		pending:      newPendingRequests(),
		slots:        make(chan struct{}, maxInFlight),
	}
}

// roundTrip writes req and waits for its response. At most cap(slots)
// requests are outstanding; the rest queue in arrival order.
func (s *stream) roundTrip(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	start := time.Now()

	if err := s.pending.failure(); err != nil {
		return nil, rpcerrors.ConnectionLost(s.serverID, s.kind, err)
	}

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, rpcerrors.Timeout(s.serverID, req.ID, time.Since(start))
	}
	defer func() { <-s.slots }()

	ch, err := s.pending.register(req.ID)
	if err != nil {
		return nil, rpcerrors.ConnectionLost(s.serverID, s.kind, err)
	}

	frame, err := protocol.EncodeFrame(req)
	if err != nil {
		s.pending.remove(req.ID)
		return nil, rpcerrors.TransportFailure(s.serverID, s.kind, "encode", err)
	}

	s.writeMu.Lock()
	err = s.write(frame)
	s.writeMu.Unlock()
	if err != nil {
		s.pending.remove(req.ID)
		return nil, rpcerrors.TransportFailure(s.serverID, s.kind, "send", err)
	}

	s.logger.Debug("request sent",
		logging.String("request_id", req.ID),
		logging.String("method", req.Method),
	)

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, rpcerrors.ConnectionLost(s.serverID, s.kind, s.pending.failure())
		}
		return resp, nil
	case <-ctx.Done():
		// Unregister first so a late response is dropped
		s.pending.remove(req.ID)
		return nil, rpcerrors.Timeout(s.serverID, req.ID, time.Since(start))
	}
}

// dispatch routes one inbound frame. Frames that do not parse or that
// nobody waits for are dropped.
func (s *stream) dispatch(line []byte) {
	resp, err := protocol.ParseFrame(line)
	if err != nil {
		s.logger.Debug("discarding unparseable frame",
			logging.ErrorField(err),
			logging.Int("bytes", len(line)),
		)
		return
	}

	if !s.pending.deliver(resp) {
		s.logger.Debug("discarding response with no waiter", logging.String("request_id", resp.ID))
	}
}

// ping sends the health method and treats any answer as alive
func (s *stream) ping(ctx context.Context) error {
	req, err := protocol.NewRequest(protocol.NewRequestID(), s.healthMethod, nil)
	if err != nil {
		return err
	}
	_, err = s.roundTrip(ctx, req)
	return err
}
