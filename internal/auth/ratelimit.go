package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/fsutil"
)

// FailureRecord is the persisted failure counter.
type FailureRecord struct {
	Count       int   `json:"count"`
	LastFailure int64 `json:"last_failure"`
}

// LockoutFor returns the lockout that applies after count consecutive
// failures. The schedule is monotone in count.
func LockoutFor(count int) (d time.Duration, indefinite bool) {
	switch {
	case count >= 10:
		return 0, true
	case count >= 6:
		return time.Hour, false
	case count == 5:
		return 15 * time.Minute, false
	case count == 4:
		return 5 * time.Minute, false
	case count == 3:
		return time.Minute, false
	default:
		return 0, false
	}
}

// RateLimiter guards one tier's unlock surface.
type RateLimiter struct {
	tier string
	path string
	now  func() time.Time
}

// NewRateLimiter stores its counter at path.
func NewRateLimiter(tier, path string, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{tier: tier, path: path, now: now}
}

// Load reads the counter. A missing file is a zero record; a corrupt file is
// treated as indefinitely locked so tampering never loosens the limit.
func (r *RateLimiter) Load() (FailureRecord, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return FailureRecord{}, nil
		}
		return FailureRecord{}, err
	}
	var rec FailureRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.Count < 0 {
		return FailureRecord{Count: 10, LastFailure: r.now().Unix()}, nil
	}
	return rec, nil
}

// Check returns a RateLimitError while a lockout is active.
func (r *RateLimiter) Check() error {
	rec, err := r.Load()
	if err != nil {
		return fmt.Errorf("reading failure counter: %w", err)
	}
	return r.check(rec)
}

func (r *RateLimiter) check(rec FailureRecord) error {
	lockout, indefinite := LockoutFor(rec.Count)
	if indefinite {
		return &core.RateLimitError{Tier: r.tier, Failures: rec.Count, Indefinite: true}
	}
	if lockout == 0 {
		return nil
	}
	until := time.Unix(rec.LastFailure, 0).Add(lockout)
	if remaining := until.Sub(r.now()); remaining > 0 {
		return &core.RateLimitError{Tier: r.tier, Failures: rec.Count, Remaining: remaining}
	}
	return nil
}

// Remaining reports the active lockout for status output.
func (r *RateLimiter) Remaining() (FailureRecord, time.Duration, bool) {
	rec, err := r.Load()
	if err != nil {
		return rec, 0, false
	}
	if rl, ok := core.AsRateLimit(r.check(rec)); ok {
		return rec, rl.Remaining, rl.Indefinite
	}
	return rec, 0, false
}

// RecordFailure increments the counter under the file lock.
func (r *RateLimiter) RecordFailure() (FailureRecord, error) {
	var rec FailureRecord
	err := fsutil.WithLock(r.path, func() error {
		var err error
		rec, err = r.Load()
		if err != nil {
			return err
		}
		rec.Count++
		rec.LastFailure = r.now().Unix()
		return r.write(rec)
	})
	return rec, err
}

// Reset clears the counter.
func (r *RateLimiter) Reset() error {
	return fsutil.WithLock(r.path, func() error {
		_, err := fsutil.RemoveIfExists(r.path)
		return err
	})
}

func (r *RateLimiter) write(rec FailureRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return fsutil.AtomicWrite(r.path, append(data, '\n'), 0600)
}
