package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-router/pkg/config"
	rpcerrors "github.com/ajitpratap0/mcp-router/pkg/errors"
	"github.com/ajitpratap0/mcp-router/pkg/protocol"
)

// helperDescriptor runs this test binary as a fake stdio server in the given
// mode. See TestHelperProcess.
func helperDescriptor(mode string) config.ServerDescriptor {
	d := config.ServerDescriptor{
		ID:      "helper-" + mode,
		Enabled: true,
		Transport: config.TransportConfig{
			Kind:         config.TransportStdio,
			Endpoint:     os.Args[0],
			Args:         []string{"-test.run=TestHelperProcess", "--", mode},
			Env:          map[string]string{"GO_WANT_HELPER_PROCESS": "1"},
			StartupDelay: 100 * time.Millisecond,
		},
	}
	cfg := config.Config{Servers: []config.ServerDescriptor{d}}
	cfg.ApplyDefaults()
	return cfg.Servers[0]
}

// TestHelperProcess is not a real test. It is the fake server spawned by the
// stdio tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	mode := ""
	for i, arg := range os.Args {
		if arg == "--" && i+1 < len(os.Args) {
			mode = os.Args[i+1]
		}
	}

	if mode == "exit" {
		fmt.Fprintln(os.Stderr, "refusing to start")
		os.Exit(3)
	}

	out := bufio.NewWriter(os.Stdout)
	reply := func(v interface{}) {
		data, _ := json.Marshal(v)
		_, _ = out.Write(append(data, '\n'))
		_ = out.Flush()
	}

	// Noise the client must skip
	_, _ = out.WriteString("this is not json\n\n")
	_ = out.Flush()
	fmt.Fprintln(os.Stderr, "helper ready")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req protocol.Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}

		switch req.Method {
		case "slow":
			time.Sleep(300 * time.Millisecond)
			reply(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": "slow-done"})
		case "fail":
			reply(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]interface{}{"code": -32601, "message": "method not found"}})
		case "split":
			data, _ := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": "joined"})
			half := len(data) / 2
			_, _ = out.Write(data[:half])
			_ = out.Flush()
			time.Sleep(20 * time.Millisecond)
			_, _ = out.Write(append(data[half:], '\r', '\n'))
			_ = out.Flush()
		case "crash":
			os.Exit(4)
		default:
			reply(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID,
				"result": map[string]interface{}{"method": req.Method, "params": req.Params}})
		}
	}
}

func connectHelper(t *testing.T, mode string, opts ...Option) Connection {
	t.Helper()
	if testing.Short() {
		t.Skip("spawns subprocesses")
	}

	conn, err := New(helperDescriptor(mode), opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Connect(ctx))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(ctx)
	})
	return conn
}

func request(t *testing.T, method string, params interface{}) *protocol.Request {
	t.Helper()
	req, err := protocol.NewRequest(protocol.NewRequestID(), method, params)
	require.NoError(t, err)
	return req
}

func TestStdioRoundTrip(t *testing.T) {
	conn := connectHelper(t, "echo")
	assert.Equal(t, config.TransportStdio, conn.Kind())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := request(t, "git.status", map[string]string{"path": "."})
	resp, err := conn.Send(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, req.ID, resp.ID)
	assert.Nil(t, resp.Error)

	var result struct {
		Method string            `json:"method"`
		Params map[string]string `json:"params"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "git.status", result.Method)
	assert.Equal(t, ".", result.Params["path"])
}

func TestStdioFrameSplitAcrossReads(t *testing.T) {
	conn := connectHelper(t, "echo")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := conn.Send(ctx, request(t, "split", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `"joined"`, string(resp.Result))
}

func TestStdioRemoteErrorIsNotTransportError(t *testing.T) {
	conn := connectHelper(t, "echo")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := conn.Send(ctx, request(t, "fail", nil))
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
	assert.Equal(t, "remote_error", Outcome(resp, err))
}

func TestStdioTimeoutDropsLateResponse(t *testing.T) {
	conn := connectHelper(t, "echo")

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := conn.Send(short, request(t, "slow", nil))
	require.Error(t, err)
	assert.True(t, rpcerrors.IsKind(err, rpcerrors.KindTimeout), "got %v", err)

	// The connection survives and the late "slow" answer is not handed to
	// the next caller.
	ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	req := request(t, "after", nil)
	resp, err := conn.Send(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, req.ID, resp.ID)
	assert.Contains(t, string(resp.Result), `"after"`)
}

func TestStdioPing(t *testing.T) {
	conn := connectHelper(t, "echo")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, conn.Ping(ctx))
}

func TestStdioExitDuringStartup(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns subprocesses")
	}

	desc := helperDescriptor("exit")
	desc.Transport.StartupDelay = 3 * time.Second

	conn, err := New(desc)
	require.NoError(t, err)
	defer conn.Close(context.Background())

	start := time.Now()
	err = conn.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, rpcerrors.IsKind(err, rpcerrors.KindConnect), "got %v", err)
	assert.Less(t, time.Since(start), 3*time.Second, "exit should cut the startup window short")
}

func TestStdioMissingBinary(t *testing.T) {
	desc := helperDescriptor("echo")
	desc.Transport.Endpoint = "/definitely/not/a/binary"

	conn, err := New(desc)
	require.NoError(t, err)

	err = conn.Connect(context.Background())
	assert.True(t, rpcerrors.IsKind(err, rpcerrors.KindConnect), "got %v", err)
}

func TestStdioCrashFailsPendingAndReportsLoss(t *testing.T) {
	var lost atomic.Int32
	conn := connectHelper(t, "echo", WithLostHandler(func(serverID string, err error) {
		assert.Equal(t, "helper-echo", serverID)
		assert.True(t, rpcerrors.IsKind(err, rpcerrors.KindTransport))
		lost.Add(1)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := conn.Send(ctx, request(t, "crash", nil))
	require.Error(t, err)
	assert.True(t, rpcerrors.IsKind(err, rpcerrors.KindTransport), "got %v", err)

	assert.Eventually(t, func() bool { return lost.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = conn.Send(ctx, request(t, "after", nil))
	assert.True(t, rpcerrors.IsKind(err, rpcerrors.KindTransport), "got %v", err)
}

func TestStdioCloseIsIdempotent(t *testing.T) {
	var lost atomic.Int32
	conn := connectHelper(t, "echo", WithLostHandler(func(string, error) { lost.Add(1) }))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, conn.Close(ctx))
	require.NoError(t, conn.Close(ctx))

	_, err := conn.Send(ctx, request(t, "after", nil))
	assert.Error(t, err)
	assert.Equal(t, int32(0), lost.Load(), "Close must not report a lost connection")
}

func TestSendBeforeConnect(t *testing.T) {
	conn, err := New(helperDescriptor("echo"))
	require.NoError(t, err)

	_, err = conn.Send(context.Background(), request(t, "x", nil))
	assert.True(t, rpcerrors.IsKind(err, rpcerrors.KindTransport))
	assert.NoError(t, conn.Close(context.Background()))
}
