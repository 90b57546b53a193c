package watch

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Dicklesworthstone/warden/internal/auth"
	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/db"
	"github.com/Dicklesworthstone/warden/internal/utils"
)

// EventSink stores integrity failures. *db.DB satisfies it.
type EventSink interface {
	InsertIntegrityEvent(ev *db.IntegrityEvent) error
}

// Report is the outcome of one manifest check.
type Report struct {
	Time    time.Time `json:"ts"`
	Trigger string    `json:"trigger,omitempty"`
	OK      bool      `json:"ok"`
	Path    string    `json:"path,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Monitor re-verifies the integrity manifest on every watcher event.
type Monitor struct {
	watcher   *Watcher
	integrity *auth.Integrity
	sink      EventSink
	logger    *log.Logger
	now       func() time.Time
}

// NewMonitor ties w to the manifest in its auth directory. sink may be nil.
func NewMonitor(w *Watcher, sink EventSink, logger *log.Logger) *Monitor {
	return &Monitor{
		watcher:   w,
		integrity: auth.NewIntegrity(w.AuthDir()),
		sink:      sink,
		logger:    utils.LoggerOrDefault(logger, "watch"),
		now:       w.now,
	}
}

// Check verifies the manifest once and records a failure.
func (m *Monitor) Check(trigger string) Report {
	rep := Report{Time: m.now().UTC(), Trigger: trigger, OK: true}
	err := m.integrity.Verify()
	if err == nil {
		m.logger.Debug("integrity ok", "trigger", trigger)
		return rep
	}

	rep.OK = false
	rep.Detail = err.Error()
	var ie *core.IntegrityError
	if errors.As(err, &ie) {
		rep.Path = ie.Path
	}
	m.logger.Error("auth state tampered", "trigger", trigger, "path", rep.Path, "error", err)

	if m.sink != nil {
		ev := &db.IntegrityEvent{Time: rep.Time, Path: rep.Path, Detail: rep.Detail}
		if err := m.sink.InsertIntegrityEvent(ev); err != nil {
			m.logger.Warn("recording integrity event failed", "error", err)
		}
	}
	return rep
}

// Run checks once, then after every debounced change until ctx is done or
// the watcher stops. Each report is passed to onReport when it is non-nil.
func (m *Monitor) Run(ctx context.Context, onReport func(Report)) error {
	emit := func(r Report) {
		if onReport != nil {
			onReport(r)
		}
	}

	emit(m.Check("startup"))
	if err := m.watcher.Start(ctx); err != nil {
		return err
	}

	events := m.watcher.Events()
	errs := m.watcher.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			emit(m.Check(filepath.Base(ev.Path)))
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.logger.Warn("watcher error", "error", err)
		}
	}
}
