// Package watch observes the auth state directory and re-verifies the
// integrity manifest whenever a protected file changes.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/Dicklesworthstone/warden/internal/utils"
)

// Event is a debounced change to a watched auth file.
type Event struct {
	Path string
	Op   fsnotify.Op
	At   time.Time
}

// Options configures a Watcher.
type Options struct {
	// AuthDir is the directory holding credentials and the manifest.
	AuthDir  string
	Debounce time.Duration
	Logger   *log.Logger
	Now      func() time.Time
}

// Watcher watches the auth directory for credential and manifest changes.
//
// Token and activity files change on every evaluation and are ignored, as
// are lock sidecars and atomic-write temp files.
type Watcher struct {
	authDir string

	watcher *fsnotify.Watcher
	logger  *log.Logger
	now     func() time.Time

	debounceWindow time.Duration
	events         chan Event
	errors         chan error

	mu      sync.Mutex
	pending map[string]fsnotify.Op
	timer   *time.Timer

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewWatcher creates a watcher over opts.AuthDir, creating it if needed.
func NewWatcher(opts Options) (*Watcher, error) {
	authDir := strings.TrimSpace(opts.AuthDir)
	if authDir == "" {
		return nil, fmt.Errorf("auth dir is required")
	}
	authDir = filepath.Clean(authDir)
	if err := os.MkdirAll(authDir, 0700); err != nil {
		return nil, fmt.Errorf("creating auth dir: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new fsnotify watcher: %w", err)
	}
	if err := fsw.Add(authDir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", authDir, err)
	}

	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Watcher{
		authDir:        authDir,
		watcher:        fsw,
		logger:         utils.LoggerOrDefault(opts.Logger, "watch"),
		now:            now,
		debounceWindow: debounce,
		events:         make(chan Event, 64),
		errors:         make(chan error, 16),
		pending:        make(map[string]fsnotify.Op),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}, nil
}

// AuthDir returns the watched directory.
func (w *Watcher) AuthDir() string { return w.authDir }

// Events returns a channel of debounced events. It is closed on Stop().
func (w *Watcher) Events() <-chan Event {
	if w == nil {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	return w.events
}

// Errors returns a channel of watcher errors. It is closed on Stop().
func (w *Watcher) Errors() <-chan error {
	if w == nil {
		ch := make(chan error)
		close(ch)
		return ch
	}
	return w.errors
}

// Start starts the event loop in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	if w == nil || w.watcher == nil {
		return fmt.Errorf("watcher is not initialized")
	}

	w.startOnce.Do(func() {
		go w.loop(ctx)
	})
	return nil
}

// Stop stops the watcher and closes its channels.
func (w *Watcher) Stop() error {
	if w == nil {
		return nil
	}
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
		w.startOnce.Do(func() { close(w.doneCh) })
		<-w.doneCh
	})
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	defer close(w.events)
	defer close(w.errors)

	for {
		var timerC <-chan time.Time
		w.mu.Lock()
		if w.timer != nil {
			timerC = w.timer.C
		}
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			w.flush()
			return
		case <-w.stopCh:
			w.flush()
			return
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.flush()
				return
			}
			w.sendError(err)
		case ev, ok := <-w.watcher.Events:
			if !ok {
				w.flush()
				return
			}
			if !w.isRelevant(ev.Name) {
				continue
			}
			w.record(ev.Name, ev.Op)
		case <-timerC:
			w.flush()
		}
	}
}

// isRelevant accepts credential hashes, failure counters, the manifest and its key.
func (w *Watcher) isRelevant(path string) bool {
	path = filepath.Clean(path)
	if filepath.Dir(path) != w.authDir {
		return false
	}
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".lock") || strings.HasSuffix(name, ".tmp") {
		return false
	}
	switch filepath.Ext(name) {
	case ".hash", ".failures", ".sha256", ".key":
		return true
	}
	return false
}

func (w *Watcher) record(path string, op fsnotify.Op) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[path] |= op

	if w.timer == nil {
		w.timer = time.NewTimer(w.debounceWindow)
		return
	}

	if !w.timer.Stop() {
		select {
		case <-w.timer.C:
		default:
		}
	}
	w.timer.Reset(w.debounceWindow)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]fsnotify.Op)

	if w.timer != nil {
		if !w.timer.Stop() {
			select {
			case <-w.timer.C:
			default:
			}
		}
		w.timer = nil
	}
	w.mu.Unlock()

	now := w.now().UTC()
	for path, op := range pending {
		select {
		case w.events <- Event{Path: path, Op: op, At: now}:
		default:
			w.logger.Warn("watch event dropped", "path", path)
		}
	}
}

func (w *Watcher) sendError(err error) {
	if err == nil {
		return
	}
	select {
	case w.errors <- err:
	default:
		w.logger.Warn("watcher error dropped", "error", err)
	}
}
