package correlator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/fsutil"
)

// Defaults for the sliding window.
const (
	DefaultWindowSize = 50
	DefaultTTL        = 30 * time.Minute
	// compactFactor bounds the file at this many windows before it is
	// rewritten.
	compactFactor = 4
)

// Entry is one recorded operation.
type Entry struct {
	Tool   core.ToolType `json:"tool"`
	Target string        `json:"target"`
	TS     int64         `json:"ts"`
	Events []Event       `json:"events,omitempty"`
}

// Time returns the entry timestamp.
func (e Entry) Time() time.Time { return time.Unix(e.TS, 0) }

// HistoryStore keeps a per-session JSONL log of recent operations under
// history/<session>.jsonl.
type HistoryStore struct {
	dir      string
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

// NewHistoryStore returns a store under dir. Zero capacity or ttl select the
// defaults.
func NewHistoryStore(dir string, capacity int, ttl time.Duration, now func() time.Time) *HistoryStore {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &HistoryStore{dir: dir, capacity: capacity, ttl: ttl, now: now}
}

// Path returns the history file for a session.
func (h *HistoryStore) Path(sessionID string) string {
	return filepath.Join(h.dir, fsutil.SafeName(sessionKey(sessionID))+".jsonl")
}

func sessionKey(sessionID string) string {
	if sessionID == "" {
		return "default"
	}
	return sessionID
}

// Append records e and compacts the file once it holds more than
// compactFactor windows.
func (h *HistoryStore) Append(sessionID string, e Entry) error {
	path := h.Path(sessionID)
	if err := fsutil.CheckRegular(path); err != nil {
		return err
	}
	return fsutil.WithLock(path, func() error {
		if err := fsutil.AppendJSONL(path, e); err != nil {
			return fmt.Errorf("append history: %w", err)
		}
		entries, total, err := h.read(path)
		if err != nil {
			return err
		}
		if total <= compactFactor*h.capacity {
			return nil
		}
		return h.rewrite(path, h.window(entries))
	})
}

// Window returns the live entries, oldest first: at most capacity entries no
// older than the TTL.
func (h *HistoryStore) Window(sessionID string) ([]Entry, error) {
	path := h.Path(sessionID)
	if err := fsutil.CheckRegular(path); err != nil {
		return nil, err
	}
	entries, _, err := h.read(path)
	if err != nil {
		return nil, err
	}
	return h.window(entries), nil
}

// Clear removes a session's history.
func (h *HistoryStore) Clear(sessionID string) error {
	path := h.Path(sessionID)
	return fsutil.WithLock(path, func() error {
		_, err := fsutil.RemoveIfExists(path)
		return err
	})
}

// read parses every well-formed line. total counts all lines, malformed
// included.
func (h *HistoryStore) read(path string) ([]Entry, int, error) {
	lines, err := fsutil.ReadLines(path)
	if err != nil {
		return nil, 0, fmt.Errorf("read history: %w", err)
	}
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, len(lines), nil
}

func (h *HistoryStore) window(entries []Entry) []Entry {
	cutoff := h.now().Add(-h.ttl).Unix()
	var live []Entry
	for _, e := range entries {
		if e.TS >= cutoff {
			live = append(live, e)
		}
	}
	if len(live) > h.capacity {
		live = live[len(live)-h.capacity:]
	}
	return live
}

func (h *HistoryStore) rewrite(path string, entries []Entry) error {
	return fsutil.AtomicWriteFunc(path, 0600, func(w io.Writer) error {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		_, err := w.Write(buf.Bytes())
		return err
	})
}
