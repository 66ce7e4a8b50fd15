package eventbus

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// syncBuffer is a bytes.Buffer safe to read while loggers write to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

// testConfig returns a config with fast retries and a per-test overflow dir.
func testConfig(t *testing.T, opts ...Option) Config {
	t.Helper()
	base := []Option{
		WithLogger(discardLogger()),
		WithOverflowDir(t.TempDir()),
		WithPodIdentity("test-pod"),
		WithRetry(3, time.Millisecond, 200*time.Millisecond),
		WithCircuitBreaker(5, time.Minute, time.Minute),
	}
	cfg := NewConfig(append(base, opts...)...)
	require.NoError(t, cfg.Validate())
	return cfg
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func auditEnvelope(action string) Envelope {
	return NewEnvelope(context.Background(), AuditEvent{
		UserID:   "u-1",
		Action:   action,
		Resource: "user",
		IP:       "10.0.0.1",
	})
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

var errBrokerDown = &ConnectionError{Op: "publish", Err: ErrNotConnected}
