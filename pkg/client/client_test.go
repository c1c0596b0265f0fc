package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-router/pkg/config"
	rpcerrors "github.com/ajitpratap0/mcp-router/pkg/errors"
	"github.com/ajitpratap0/mcp-router/pkg/health"
	"github.com/ajitpratap0/mcp-router/pkg/protocol"
	"github.com/ajitpratap0/mcp-router/pkg/registry"
	"github.com/ajitpratap0/mcp-router/pkg/router"
	"github.com/ajitpratap0/mcp-router/pkg/transport"
	"github.com/ajitpratap0/mcp-router/pkg/utils"
)

// backend scripts how a fake server answers
type backend struct {
	connectErr error
	pingErr    atomic.Value // errBox
	handler    func(ctx context.Context, req *protocol.Request) (*protocol.Response, error)

	sends atomic.Int32
	mu    sync.Mutex
	ids   []string
}

func (b *backend) setPingErr(err error) { b.pingErr.Store(errBox{err}) }

type errBox struct{ err error }

func (b *backend) lastIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ids...)
}

// fakeConn is a transport.Connection backed by a backend script
type fakeConn struct {
	id string
	b  *backend
}

func (f *fakeConn) Connect(context.Context) error { return f.b.connectErr }

func (f *fakeConn) Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	f.b.sends.Add(1)
	f.b.mu.Lock()
	f.b.ids = append(f.b.ids, req.ID)
	f.b.mu.Unlock()
	if f.b.handler != nil {
		return f.b.handler(ctx, req)
	}
	return protocol.NewResponse(req.ID, map[string]string{"server": f.id, "method": req.Method})
}

func (f *fakeConn) Ping(context.Context) error {
	if v, ok := f.b.pingErr.Load().(errBox); ok {
		return v.err
	}
	return nil
}

func (f *fakeConn) Close(context.Context) error { return nil }
func (f *fakeConn) Kind() config.TransportKind  { return config.TransportTCP }
func (f *fakeConn) ServerID() string            { return f.id }

type fakeNetwork struct {
	backends map[string]*backend
	created  atomic.Int32
}

func newFakeNetwork(ids ...string) *fakeNetwork {
	n := &fakeNetwork{backends: make(map[string]*backend)}
	for _, id := range ids {
		n.backends[id] = &backend{}
	}
	return n
}

func (n *fakeNetwork) factory(desc config.ServerDescriptor, _ ...transport.Option) (transport.Connection, error) {
	n.created.Add(1)
	b, ok := n.backends[desc.ID]
	if !ok {
		return nil, errors.New("no backend")
	}
	return &fakeConn{id: desc.ID, b: b}, nil
}

func server(id string, priority int) config.ServerDescriptor {
	return config.ServerDescriptor{
		ID:        id,
		Priority:  priority,
		Enabled:   true,
		Transport: config.TransportConfig{Kind: config.TransportTCP, Endpoint: "127.0.0.1:1"},
	}
}

// scenarioConfig routes git.* to git and everything else to fallback
func scenarioConfig() config.Config {
	return config.Config{
		Servers: []config.ServerDescriptor{server("git", 10), server("fallback", 1)},
		Routing: config.RoutingConfig{
			Rules: []config.RuleConfig{
				{Pattern: `^git\.`, Regex: true, ServerID: "git", Priority: 10},
				{Pattern: `.*`, Regex: true, ServerID: "fallback", Priority: 1},
			},
		},
	}
}

func newTestClient(t *testing.T, cfg config.Config, net *fakeNetwork, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithTransportFactory(net.factory),
		WithRetryBackoff(time.Millisecond, 5*time.Millisecond),
	}, opts...)
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Routing.Rules[0].ServerID = "missing"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestInitializeStatuses(t *testing.T) {
	net := newFakeNetwork("git", "fallback")
	net.backends["fallback"].connectErr = rpcerrors.ConnectFailed("fallback", "tcp", "127.0.0.1:1", errors.New("refused"))

	c := newTestClient(t, scenarioConfig(), net)
	require.NoError(t, c.Initialize(context.Background()))
	assert.True(t, c.Initialized())

	statuses := c.GetServerStatuses()
	require.Len(t, statuses, 2)
	for _, st := range statuses {
		assert.Contains(t, []registry.Status{registry.StatusConnected, registry.StatusError}, st.Connection, st.ServerID)
	}

	git, ok := c.GetServerStatus("git")
	require.True(t, ok)
	assert.Equal(t, registry.StatusConnected, git.Connection)
	assert.Equal(t, health.StatusUnknown, git.Health)

	fallback, _ := c.GetServerStatus("fallback")
	assert.Equal(t, registry.StatusError, fallback.Connection)
	assert.Contains(t, fallback.LastError, "refused")

	_, ok = c.GetServerStatus("nope")
	assert.False(t, ok)
}

func TestInitializeIsSharedByConcurrentCallers(t *testing.T) {
	net := newFakeNetwork("git", "fallback")
	c := newTestClient(t, scenarioConfig(), net)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Initialize(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), net.created.Load())
}

func TestRequestWithoutEnabledServers(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Routing.Rules = nil
	for i := range cfg.Servers {
		cfg.Servers[i].Enabled = false
	}
	c := newTestClient(t, cfg, newFakeNetwork())

	resp, err := c.Request(context.Background(), "git.status", nil)
	assert.Nil(t, resp)
	assert.True(t, rpcerrors.IsKind(err, rpcerrors.KindNotInitialized))
	assert.ErrorIs(t, err, ErrNoEnabledServers)
}

func TestRequestRoutingScenario(t *testing.T) {
	c := newTestClient(t, scenarioConfig(), newFakeNetwork("git", "fallback"))

	resp, err := c.Request(context.Background(), "git.status", map[string]string{"repo": "."})
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, "git", resp.ServerID)
	assert.Equal(t, 1, resp.Attempts)

	var result map[string]string
	require.NoError(t, resp.Decode(&result))
	assert.Equal(t, "git.status", result["method"])

	resp, err = c.Request(context.Background(), "unknown.op", nil)
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, "fallback", resp.ServerID)
}

func TestRequestIDs(t *testing.T) {
	net := newFakeNetwork("git", "fallback")
	c := newTestClient(t, scenarioConfig(), net)

	resp, err := c.Request(context.Background(), "git.log", nil, WithRequestID("fixed"))
	require.NoError(t, err)
	assert.Equal(t, "fixed", resp.ID)

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		resp, err := c.Request(context.Background(), "git.log", nil)
		require.NoError(t, err)
		assert.False(t, seen[resp.ID], "duplicate id %s", resp.ID)
		seen[resp.ID] = true
	}
}

func TestOverrideToUnhealthyServer(t *testing.T) {
	cfg := scenarioConfig()
	down := server("down-server", 5)
	down.HealthCheck.FailureThreshold = 1
	cfg.Servers = append(cfg.Servers, down)

	net := newFakeNetwork("git", "fallback", "down-server")
	net.backends["down-server"].setPingErr(errors.New("no answer"))
	c := newTestClient(t, cfg, net)

	results, err := c.CheckHealth(context.Background(), "down-server")
	require.NoError(t, err)
	assert.False(t, results["down-server"].Healthy)

	st, _ := c.GetServerStatus("down-server")
	assert.Equal(t, health.StatusUnhealthy, st.Health)

	resp, err := c.Request(context.Background(), "x.y", map[string]interface{}{}, WithServer("down-server"))
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcerrors.KindServerUnavailable, resp.Error.Kind)
	assert.Equal(t, int32(0), net.backends["down-server"].sends.Load())
}

func TestOverrideSkipsRules(t *testing.T) {
	c := newTestClient(t, scenarioConfig(), newFakeNetwork("git", "fallback"))

	resp, err := c.Request(context.Background(), "git.status", nil, WithServer("fallback"))
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, "fallback", resp.ServerID)
}

func TestAddRoutingRuleTakesEffectImmediately(t *testing.T) {
	c := newTestClient(t, scenarioConfig(), newFakeNetwork("git", "fallback"))

	resp, err := c.Request(context.Background(), "git.status", nil)
	require.NoError(t, err)
	assert.Equal(t, "git", resp.ServerID)

	c.AddRoutingRule(router.Rule{Pattern: router.Exact("git.status"), ServerID: "fallback", Priority: 100})
	resp, err = c.Request(context.Background(), "git.status", nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.ServerID)
	assert.Equal(t, "git.status", c.RoutingRules()[0].Pattern.String())

	assert.Equal(t, 1, c.RemoveRoutingRule("git.status"))
	resp, err = c.Request(context.Background(), "git.status", nil)
	require.NoError(t, err)
	assert.Equal(t, "git", resp.ServerID)
}

func TestNoRouteFound(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Routing.Rules = cfg.Routing.Rules[:1]
	c := newTestClient(t, cfg, newFakeNetwork("git", "fallback"))

	resp, err := c.Request(context.Background(), "memory.get", nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcerrors.KindNoRouteFound, resp.Error.Kind)
}

func TestInvalidParams(t *testing.T) {
	c := newTestClient(t, scenarioConfig(), newFakeNetwork("git", "fallback"))

	tests := []struct {
		name   string
		method string
		params interface{}
	}{
		{"empty method", "", nil},
		{"scalar params", "git.status", 42},
		{"string params", "git.status", "x"},
		{"raw scalar", "git.status", json.RawMessage(`true`)},
		{"broken raw", "git.status", json.RawMessage(`{"a":`)},
		{"unencodable", "git.status", map[string]interface{}{"c": make(chan int)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := c.Request(context.Background(), tt.method, tt.params)
			require.NoError(t, err)
			require.NotNil(t, resp.Error)
			assert.Equal(t, rpcerrors.KindInvalidParams, resp.Error.Kind)
		})
	}

	for _, params := range []interface{}{nil, []int{1, 2}, json.RawMessage(`{"a":1}`), json.RawMessage(`null`)} {
		resp, err := c.Request(context.Background(), "git.status", params)
		require.NoError(t, err)
		assert.NoError(t, resp.Err())
	}
}

func TestRemoteErrorCountsAsHealthy(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Servers[0].HealthCheck.FailureThreshold = 1

	net := newFakeNetwork("git", "fallback")
	net.backends["git"].handler = func(_ context.Context, req *protocol.Request) (*protocol.Response, error) {
		return protocol.NewErrorResponse(req.ID, rpcerrors.CodeMethodNotFound, "no such method"), nil
	}
	c := newTestClient(t, cfg, net)

	resp, err := c.Request(context.Background(), "git.blame", nil, WithRetries(3))
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcerrors.KindRemote, resp.Error.Kind)
	assert.Equal(t, rpcerrors.CodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "no such method", resp.Error.Message)
	assert.Equal(t, 1, resp.Attempts)

	st, _ := c.GetServerStatus("git")
	assert.Equal(t, health.StatusHealthy, st.Health)
}

func TestTimeoutIsIsolated(t *testing.T) {
	net := newFakeNetwork("git", "fallback")
	net.backends["git"].handler = func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c := newTestClient(t, scenarioConfig(), net)

	var wg sync.WaitGroup
	var slow, fast *Response
	wg.Add(2)
	go func() {
		defer wg.Done()
		slow, _ = c.Request(context.Background(), "git.status", nil, WithTimeout(10*time.Millisecond))
	}()
	go func() {
		defer wg.Done()
		fast, _ = c.Request(context.Background(), "memory.get", nil)
	}()
	wg.Wait()

	require.NotNil(t, slow.Error)
	assert.Equal(t, rpcerrors.KindTimeout, slow.Error.Kind)
	assert.Less(t, slow.Duration, time.Second)
	require.NoError(t, fast.Err())

	st, _ := c.GetServerStatus("git")
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, registry.StatusConnected, st.Connection)
}

func TestRetriesRetryableFailures(t *testing.T) {
	net := newFakeNetwork("git", "fallback")
	var calls atomic.Int32
	net.backends["git"].handler = func(_ context.Context, req *protocol.Request) (*protocol.Response, error) {
		if calls.Add(1) < 3 {
			return nil, rpcerrors.TransportFailure("git", "tcp", "send", errors.New("reset"))
		}
		return protocol.NewResponse(req.ID, "ok")
	}
	c := newTestClient(t, scenarioConfig(), net)

	resp, err := c.Request(context.Background(), "git.push", nil, WithRetries(3), WithRequestID("r1"))
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, "r1", resp.ID)
	assert.Equal(t, []string{"r1", "r1.2", "r1.3"}, net.backends["git"].lastIDs())
}

func TestRetriesStopAtLimit(t *testing.T) {
	net := newFakeNetwork("git", "fallback")
	net.backends["git"].handler = func(_ context.Context, _ *protocol.Request) (*protocol.Response, error) {
		return nil, rpcerrors.TransportFailure("git", "tcp", "send", errors.New("reset"))
	}
	c := newTestClient(t, scenarioConfig(), net)

	resp, err := c.Request(context.Background(), "git.push", nil, WithRetries(2))
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcerrors.KindTransport, resp.Error.Kind)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, int32(3), net.backends["git"].sends.Load())

	resp, err = c.Request(context.Background(), "git.push", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Attempts)
}

func TestNonRetryableFailureIsNotRetried(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Routing.Rules = cfg.Routing.Rules[:1]
	c := newTestClient(t, cfg, newFakeNetwork("git", "fallback"))

	resp, err := c.Request(context.Background(), "memory.get", nil, WithRetries(5))
	require.NoError(t, err)
	assert.Equal(t, rpcerrors.KindNoRouteFound, resp.Error.Kind)
	assert.Equal(t, 1, resp.Attempts)
}

func TestLazyReconnect(t *testing.T) {
	net := newFakeNetwork("git", "fallback")
	c := newTestClient(t, scenarioConfig(), net)
	require.NoError(t, c.Initialize(context.Background()))
	require.NoError(t, c.registry.Disconnect(context.Background(), "git"))

	resp, err := c.Request(context.Background(), "git.status", nil)
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, int32(3), net.created.Load())
}

func TestPartialInitializationRoutesToConnectedServers(t *testing.T) {
	cfg := config.Config{
		Servers: []config.ServerDescriptor{server("a", 10), server("b", 5)},
		Routing: config.RoutingConfig{
			Rules: []config.RuleConfig{
				{Pattern: "op.", ServerID: "a", Priority: 10},
				{Pattern: "op.", ServerID: "b", Priority: 5},
				{Pattern: "only.", ServerID: "a", Priority: 1},
			},
		},
	}
	net := newFakeNetwork("a", "b")
	net.backends["a"].connectErr = rpcerrors.ConnectFailed("a", "tcp", "127.0.0.1:1", errors.New("refused"))
	c := newTestClient(t, cfg, net)
	require.NoError(t, c.Initialize(context.Background()))

	resp, err := c.Request(context.Background(), "op.x", nil)
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, "b", resp.ServerID)

	resp, err = c.Request(context.Background(), "only.x", nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcerrors.KindNoAvailableServer, resp.Error.Kind)

	resp, err = c.Request(context.Background(), "op.x", nil, WithServer("a"))
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcerrors.KindServerUnavailable, resp.Error.Kind)

	assert.Equal(t, int32(0), net.backends["a"].sends.Load())
}

func TestFailedReconnectFailsOver(t *testing.T) {
	net := newFakeNetwork("git", "fallback")
	c := newTestClient(t, scenarioConfig(), net)
	require.NoError(t, c.Initialize(context.Background()))
	require.NoError(t, c.registry.Disconnect(context.Background(), "git"))
	net.backends["git"].connectErr = errors.New("refused")

	resp, err := c.Request(context.Background(), "git.status", nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcerrors.KindTransport, resp.Error.Kind)
	assert.Equal(t, "git", resp.ServerID)

	resp, err = c.Request(context.Background(), "git.status", nil)
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, "fallback", resp.ServerID)
}

func TestShortcuts(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Servers = append(cfg.Servers, server("memory", 5), server("search", 5))
	cfg.Routing.Rules = append(cfg.Routing.Rules,
		config.RuleConfig{Pattern: "memory.", ServerID: "memory", Priority: 10},
		config.RuleConfig{Pattern: "search.", ServerID: "search", Priority: 10},
	)
	net := newFakeNetwork("git", "fallback", "memory", "search")
	var seen json.RawMessage
	net.backends["search"].handler = func(_ context.Context, req *protocol.Request) (*protocol.Response, error) {
		seen = req.Params
		return protocol.NewResponse(req.ID, []string{"hit"})
	}
	c := newTestClient(t, cfg, net)

	resp, err := c.Git(context.Background(), "status", Params{"repo": "."})
	require.NoError(t, err)
	assert.Equal(t, "git", resp.ServerID)

	resp, err = c.Memory(context.Background(), "memory.store", Params{"key": "k"})
	require.NoError(t, err)
	assert.Equal(t, "memory", resp.ServerID)
	var result map[string]string
	require.NoError(t, resp.Decode(&result))
	assert.Equal(t, "memory.store", result["method"])

	resp, err = c.Search(context.Background(), "routing", Params{"query": "ignored", "limit": 5})
	require.NoError(t, err)
	assert.Equal(t, "search", resp.ServerID)
	assert.JSONEq(t, `{"query":"routing","limit":5}`, string(seen))

	resp, err = c.Git(context.Background(), " ", nil)
	require.NoError(t, err)
	assert.Equal(t, rpcerrors.KindInvalidParams, resp.Error.Kind)

	resp, err = c.Search(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, rpcerrors.KindInvalidParams, resp.Error.Kind)
}

func TestResponseJSON(t *testing.T) {
	resp := &Response{ID: "r1", Result: json.RawMessage(`{"a":1}`), ServerID: "git", Duration: 1500 * time.Millisecond, Attempts: 1}
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"r1","result":{"a":1},"serverId":"git","attempts":1,"durationMs":1500}`, string(data))
}

func TestEventsAndShutdown(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Servers[0].HealthCheck.FailureThreshold = 1
	net := newFakeNetwork("git", "fallback")
	c := newTestClient(t, cfg, net)

	events, cancel := c.Events(32)
	defer cancel()

	require.NoError(t, c.Initialize(context.Background()))

	net.backends["git"].setPingErr(errors.New("down"))
	_, err := c.CheckHealth(context.Background(), "git")
	require.NoError(t, err)

	var sawUnhealthy bool
	timeout := time.After(2 * time.Second)
	for !sawUnhealthy {
		select {
		case e := <-events:
			if e.Type == registry.EventUnhealthy && e.ServerID == "git" {
				sawUnhealthy = true
			}
		case <-timeout:
			t.Fatal("no unhealthy event")
		}
	}

	require.NoError(t, c.Shutdown(context.Background()))
	require.NoError(t, c.Shutdown(context.Background()))
	assert.False(t, c.Initialized())

	st, _ := c.GetServerStatus("git")
	assert.Equal(t, registry.StatusDisconnected, st.Connection)
}

func TestCheckHealthUnknownServer(t *testing.T) {
	c := newTestClient(t, scenarioConfig(), newFakeNetwork("git", "fallback"))
	_, err := c.CheckHealth(context.Background(), "nope")
	assert.True(t, rpcerrors.IsKind(err, rpcerrors.KindServerUnavailable))

	results, err := c.CheckHealth(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestHTTPEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusOK)
			return
		}
		var req protocol.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		resp, _ := protocol.NewResponse(req.ID, map[string]string{"echo": req.Method})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cfg := config.Config{
		Servers: []config.ServerDescriptor{{
			ID:        "search",
			Enabled:   true,
			Transport: config.TransportConfig{Kind: config.TransportHTTP, Endpoint: srv.URL},
		}},
		Routing: config.RoutingConfig{FallbackServer: "search"},
	}
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	resp, err := c.Search(context.Background(), "routers", nil)
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.JSONEq(t, `{"echo":"search.query"}`, string(resp.Result))

	results, err := c.CheckHealth(context.Background(), "search")
	require.NoError(t, err)
	assert.True(t, results["search"].Healthy)
}

func TestCallerTimeoutOverridesServerTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		time.Sleep(300 * time.Millisecond)
		resp, _ := protocol.NewResponse(req.ID, "done")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cfg := config.Config{
		Servers: []config.ServerDescriptor{{
			ID:      "slow",
			Enabled: true,
			Transport: config.TransportConfig{
				Kind:     config.TransportHTTP,
				Endpoint: srv.URL,
				Timeout:  100 * time.Millisecond,
			},
		}},
		Routing: config.RoutingConfig{FallbackServer: "slow"},
	}
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	resp, err := c.Request(context.Background(), "work.run", nil, WithTimeout(2*time.Second))
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.JSONEq(t, `"done"`, string(resp.Result))

	resp, err = c.Request(context.Background(), "work.run", nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcerrors.KindTimeout, resp.Error.Kind)
}

func TestNoGoroutineLeak(t *testing.T) {
	detector := utils.NewLeakDetector(t)

	cfg := scenarioConfig()
	cfg.HealthMonitoring = config.HealthMonitoringConfig{Enabled: true, Interval: 5 * time.Millisecond}
	c, err := New(cfg, WithTransportFactory(newFakeNetwork("git", "fallback").factory))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		resp, err := c.Request(context.Background(), "git.status", nil)
		require.NoError(t, err)
		require.NoError(t, resp.Err())
	}
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Shutdown(context.Background()))

	detector.Check()
}
