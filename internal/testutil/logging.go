package testutil

import (
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
)

// testWriter forwards log lines to t.Log until the test's cleanup runs;
// background goroutines that log later are dropped.
type testWriter struct {
	t    *testing.T
	mu   sync.Mutex
	done bool
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.done {
		w.t.Log(strings.TrimRight(string(p), "\n"))
	}
	return len(p), nil
}

// TestLogger returns a debug-level logger whose lines go to t.Log, so they
// only show up for failing tests or under `go test -v`.
func TestLogger(t *testing.T) *log.Logger {
	t.Helper()
	w := &testWriter{t: t}
	t.Cleanup(func() {
		w.mu.Lock()
		w.done = true
		w.mu.Unlock()
	})
	return log.NewWithOptions(w, log.Options{
		Level:  log.DebugLevel,
		Prefix: t.Name(),
	})
}
