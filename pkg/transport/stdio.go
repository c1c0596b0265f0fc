package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/mcp-router/pkg/config"
	rpcerrors "github.com/ajitpratap0/mcp-router/pkg/errors"
	"github.com/ajitpratap0/mcp-router/pkg/logging"
	"github.com/ajitpratap0/mcp-router/pkg/protocol"
)

// StdioConnection talks to a subprocess over its stdin and stdout. Stderr is
// forwarded to the logger at debug level.
type StdioConnection struct {
	*stream
	desc   config.ServerDescriptor
	opts   options
	logger logging.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	exited  chan struct{}
	exitErr error
	closing bool

	closeOnce sync.Once
}

func newStdioConnection(desc config.ServerDescriptor, o options) *StdioConnection {
	logger := componentLogger(o.logger, desc)
	return &StdioConnection{
		stream: newStream(desc.ID, string(config.TransportStdio), desc.HealthCheck.Method,
			desc.Transport.MaxInFlight, logger),
		desc:   desc,
		opts:   o,
		logger: logger,
	}
}

// Connect spawns the process and waits out the startup window. A process
// that exits inside the window fails the connect.
func (c *StdioConnection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cmd != nil {
		c.mu.Unlock()
		return nil
	}

	tc := c.desc.Transport
	cmd := exec.Command(tc.Endpoint, tc.Args...) // #nosec G204 -- command comes from operator config
	cmd.Env = mergeEnv(os.Environ(), tc.Env)
	cmd.Dir = tc.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.mu.Unlock()
		return rpcerrors.ConnectFailed(c.desc.ID, "stdio", tc.Endpoint, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.mu.Unlock()
		return rpcerrors.ConnectFailed(c.desc.ID, "stdio", tc.Endpoint, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		c.mu.Unlock()
		return rpcerrors.ConnectFailed(c.desc.ID, "stdio", tc.Endpoint, err)
	}

	if err := cmd.Start(); err != nil {
		c.mu.Unlock()
		return rpcerrors.ConnectFailed(c.desc.ID, "stdio", tc.Endpoint, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.exited = make(chan struct{})
	c.stream.write = func(frame []byte) error {
		_, err := stdin.Write(frame)
		return err
	}
	exited := c.exited
	c.mu.Unlock()

	c.logger.Debug("process started", logging.Int("pid", cmd.Process.Pid))

	var g errgroup.Group
	g.Go(func() error { return c.readStdout(stdout) })
	g.Go(func() error { return c.readStderr(stderr) })
	go c.wait(&g)

	delay := tc.StartupDelay
	if delay <= 0 {
		delay = config.DefaultStdioStartupDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-exited:
		return rpcerrors.ConnectFailed(c.desc.ID, "stdio", tc.Endpoint,
			fmt.Errorf("process exited during startup: %w", c.exitError()))
	case <-ctx.Done():
		_ = c.Close(context.Background())
		return rpcerrors.ConnectFailed(c.desc.ID, "stdio", tc.Endpoint, ctx.Err())
	}
}

// readStdout feeds stdout through a line buffer into the multiplexer
func (c *StdioConnection) readStdout(r io.Reader) error {
	lines := protocol.NewLineBuffer(c.opts.maxLineSize)
	buf := make([]byte, 32*1024)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range lines.Write(buf[:n]) {
				c.dispatch(line)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read stdout: %w", err)
		}
	}
}

func (c *StdioConnection) readStderr(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.logger.Debug("stderr", logging.String("line", scanner.Text()))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("read stderr: %w", err)
	}
	return nil
}

// wait reaps the process once its pipes drain and fails every pending
// request.
func (c *StdioConnection) wait(g *errgroup.Group) {
	readErr := g.Wait()
	waitErr := c.cmd.Wait()

	exitErr := waitErr
	if exitErr == nil {
		exitErr = readErr
	}
	if exitErr == nil {
		exitErr = errors.New("process exited")
	}

	c.mu.Lock()
	c.exitErr = exitErr
	closing := c.closing
	close(c.exited)
	c.mu.Unlock()

	c.pending.fail(exitErr)

	if closing {
		c.logger.Debug("process stopped")
		return
	}

	c.logger.Warn("process exited unexpectedly", logging.ErrorField(exitErr))
	if c.opts.onLost != nil {
		c.opts.onLost(c.desc.ID, rpcerrors.ConnectionLost(c.desc.ID, "stdio", exitErr))
	}
}

func (c *StdioConnection) exitError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

// Send implements Connection
func (c *StdioConnection) Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if !c.started() {
		return nil, rpcerrors.NotConnected(c.desc.ID, "not started")
	}
	return c.roundTrip(ctx, req)
}

// Ping implements Connection
func (c *StdioConnection) Ping(ctx context.Context) error {
	if !c.started() {
		return rpcerrors.NotConnected(c.desc.ID, "not started")
	}
	return c.ping(ctx)
}

func (c *StdioConnection) started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmd != nil
}

// Close closes stdin, waits for the process to exit, and kills it when the
// grace period runs out.
func (c *StdioConnection) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		cmd, stdin, exited := c.cmd, c.stdin, c.exited
		c.mu.Unlock()

		if cmd == nil {
			c.pending.fail(ErrClosed)
			return
		}

		_ = stdin.Close()

		grace := time.NewTimer(c.opts.closeGrace)
		defer grace.Stop()

		select {
		case <-exited:
			return
		case <-grace.C:
		case <-ctx.Done():
		}

		c.logger.Debug("killing process", logging.Int("pid", cmd.Process.Pid))
		_ = cmd.Process.Kill()

		select {
		case <-exited:
		case <-ctx.Done():
		}
	})

	c.pending.fail(ErrClosed)
	return nil
}

// Kind implements Connection
func (c *StdioConnection) Kind() config.TransportKind { return config.TransportStdio }

// ServerID implements Connection
func (c *StdioConnection) ServerID() string { return c.desc.ID }

// mergeEnv overlays extra on base, sorted for a stable environment
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(extra))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
