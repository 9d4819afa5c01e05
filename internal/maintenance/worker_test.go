package maintenance

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

type countingMaintainer struct {
	mu    sync.Mutex
	calls int
	n     int
	err   error
	done  chan struct{}
}

func (c *countingMaintainer) Maintain(context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls == 3 && c.done != nil {
		close(c.done)
	}
	return c.n, c.err
}

func TestStart_RunsUntilCanceled(t *testing.T) {
	t.Parallel()
	m := &countingMaintainer{n: 1, done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		Start(ctx, log.NewWithOptions(io.Discard, log.Options{}), 5*time.Millisecond, m)
		close(stopped)
	}()

	select {
	case <-m.done:
	case <-time.After(5 * time.Second):
		t.Fatal("maintainer was not called three times")
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}

func TestStart_DisabledInterval(t *testing.T) {
	t.Parallel()
	m := &countingMaintainer{}
	Start(context.Background(), log.NewWithOptions(io.Discard, log.Options{}), 0, m)
	if m.calls != 0 {
		t.Fatalf("expected no calls, got %d", m.calls)
	}
}

func TestRunOnce_LogsFailure(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.NewWithOptions(&buf, log.Options{})
	runOnce(context.Background(), logger, &countingMaintainer{err: errors.New("disk full")})
	if !strings.Contains(buf.String(), "disk full") {
		t.Fatalf("expected failure in log output, got %q", buf.String())
	}
}
