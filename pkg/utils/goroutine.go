// Package utils holds test helpers shared by the router packages.
package utils

import (
	"bytes"
	"runtime"
	"strings"
	"testing"
	"time"
)

// LeakDetector fails a test when goroutines started during it are still
// running at the end. Connections, read loops and the health monitor all own
// goroutines that Close, Stop and Shutdown must release.
type LeakDetector struct {
	tb       testing.TB
	baseline int
	allowed  int
	timeout  time.Duration
	poll     time.Duration
}

// NewLeakDetector records the current goroutine count as the baseline
func NewLeakDetector(tb testing.TB) *LeakDetector {
	tb.Helper()
	d := &LeakDetector{
		tb:      tb,
		timeout: 2 * time.Second,
		poll:    20 * time.Millisecond,
	}
	d.baseline = runtime.NumGoroutine()
	tb.Logf("goroutine baseline: %d", d.baseline)
	return d
}

// Allow tolerates n goroutines above the baseline
func (d *LeakDetector) Allow(n int) *LeakDetector {
	d.allowed = n
	return d
}

// Within sets how long Check waits for goroutines to exit
func (d *LeakDetector) Within(timeout time.Duration) *LeakDetector {
	d.timeout = timeout
	return d
}

// Check waits until the goroutine count is back within the allowance and
// reports a leak if it never gets there.
func (d *LeakDetector) Check() {
	d.tb.Helper()

	limit := d.baseline + d.allowed
	deadline := time.Now().Add(d.timeout)
	count := runtime.NumGoroutine()
	for count > limit && time.Now().Before(deadline) {
		time.Sleep(d.poll)
		count = runtime.NumGoroutine()
	}
	if count <= limit {
		return
	}

	d.tb.Errorf("goroutine leak: baseline %d, now %d, allowed %d", d.baseline, count, d.allowed)
	if stacks := moduleStacks(); stacks != "" {
		d.tb.Logf("goroutines running module code:\n%s", stacks)
	}
}

// moduleStacks returns the stacks of goroutines that have a frame in this
// module, which is where a leak from router code shows up.
func moduleStacks() string {
	buf := make([]byte, 1<<20)
	buf = buf[:runtime.Stack(buf, true)]

	var out strings.Builder
	for _, g := range bytes.Split(buf, []byte("\n\n")) {
		s := string(g)
		if strings.Contains(s, "mcp-router/pkg/") && !strings.Contains(s, "pkg/utils.moduleStacks") {
			out.WriteString(s)
			out.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(out.String())
}
