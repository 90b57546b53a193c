package domain

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/Dicklesworthstone/warden/internal/fsutil"
)

// Decision is a session-scoped answer for one domain.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionBlock Decision = "block"
)

// SessionFileName maps a session id onto a file-name-safe token.
func SessionFileName(sessionID string) string {
	return fsutil.SafeName(sessionID)
}

// SessionStore persists per-session domain decisions as
// sessions/<id>.domains.json.
type SessionStore struct {
	dir string
}

// NewSessionStore returns a store under dir.
func NewSessionStore(dir string) *SessionStore {
	return &SessionStore{dir: dir}
}

func (s *SessionStore) path(sessionID string) string {
	return filepath.Join(s.dir, SessionFileName(sessionID)+".domains.json")
}

// Load returns every decision for the session.
func (s *SessionStore) Load(sessionID string) (map[string]Decision, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]Decision{}, nil
		}
		return nil, err
	}
	decisions := map[string]Decision{}
	if err := json.Unmarshal(data, &decisions); err != nil {
		return nil, err
	}
	return decisions, nil
}

// Get returns the decision for host, if any.
func (s *SessionStore) Get(sessionID, host string) (Decision, bool) {
	if sessionID == "" {
		return "", false
	}
	decisions, err := s.Load(sessionID)
	if err != nil {
		return "", false
	}
	d, ok := decisions[host]
	return d, ok
}

// Set records a decision under the file lock.
func (s *SessionStore) Set(sessionID, host string, d Decision) error {
	if sessionID == "" {
		return nil
	}
	path := s.path(sessionID)
	return fsutil.WithLock(path, func() error {
		decisions, err := s.Load(sessionID)
		if err != nil {
			decisions = map[string]Decision{}
		}
		decisions[host] = d
		data, err := json.MarshalIndent(decisions, "", "  ")
		if err != nil {
			return err
		}
		return fsutil.AtomicWrite(path, append(data, '\n'), 0600)
	})
}

// Clear removes the session's decisions.
func (s *SessionStore) Clear(sessionID string) error {
	_, err := fsutil.RemoveIfExists(s.path(sessionID))
	return err
}
