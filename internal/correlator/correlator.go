// Package correlator joins an operation against the session's recent history
// to catch attacks split across several individually harmless steps.
package correlator

import (
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/utils"
)

// Pattern names.
const (
	PatternWriteExecute      = "write-then-execute"
	PatternWriteChmodExecute = "write-chmod-execute"
	PatternDownloadExecute   = "download-then-execute"
	PatternPiecewise         = "piecewise-construction"
	PatternStartupConfigEdit = "startup-config-edit"
)

// systemBinaryCap bounds the risk of executing something under /usr/bin or
// /bin, which package managers legitimately write.
const systemBinaryCap = 20

// Assessment is the correlator's verdict input for one operation.
type Assessment struct {
	Risk    int    `json:"risk"`
	Pattern string `json:"pattern,omitempty"`
	Reason  string `json:"reason,omitempty"`
	// Error is set when history could not be read; the assessment then only
	// covers the current operation.
	Error string `json:"error,omitempty"`
}

// Options configures a Correlator.
type Options struct {
	Dir        string
	WindowSize int
	TTL        time.Duration
	Now        func() time.Time
	Logger     *log.Logger
}

// Correlator records operations and scores them against recent history.
type Correlator struct {
	store  *HistoryStore
	now    func() time.Time
	logger *log.Logger
}

// New returns a correlator keeping history under opts.Dir.
func New(opts Options) *Correlator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Correlator{
		store:  NewHistoryStore(opts.Dir, opts.WindowSize, opts.TTL, opts.Now),
		now:    opts.Now,
		logger: utils.LoggerOrDefault(opts.Logger, "correlator"),
	}
}

// Store exposes the history store.
func (c *Correlator) Store() *HistoryStore { return c.store }

// Entry builds the history entry for op.
func (c *Correlator) Entry(op core.Operation) Entry {
	ts := op.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}
	return Entry{Tool: op.Tool, Target: op.Target, TS: ts.Unix(), Events: ExtractEvents(op)}
}

// Record appends op to its session's history.
func (c *Correlator) Record(op core.Operation) error {
	if err := c.store.Append(op.SessionID, c.Entry(op)); err != nil {
		c.logger.Warn("recording history failed", "session", op.SessionID, "error", err)
		return err
	}
	return nil
}

// Assess scores op against the session window. It never fails: a history
// read error is logged and the window treated as empty.
func (c *Correlator) Assess(op core.Operation) Assessment {
	window, err := c.store.Window(op.SessionID)
	if err != nil {
		c.logger.Warn("reading history failed", "session", op.SessionID, "error", err)
		a := Correlate(nil, c.Entry(op), c.now())
		a.Error = err.Error()
		return a
	}
	a := Correlate(window, c.Entry(op), c.now())
	if a.Risk > 0 {
		c.logger.Debug("correlation", "session", op.SessionID, "pattern", a.Pattern, "risk", a.Risk)
	}
	return a
}

// History returns the live window for a session.
func (c *Correlator) History(sessionID string) ([]Entry, error) {
	return c.store.Window(sessionID)
}

type timedEvent struct {
	Event
	at time.Time
}

// Correlate scores current against window (oldest first). Only effects of
// the current operation can trigger a pattern; earlier events supply context.
func Correlate(window []Entry, current Entry, now time.Time) Assessment {
	var timeline []timedEvent
	for _, e := range window {
		for _, ev := range e.Events {
			timeline = append(timeline, timedEvent{ev, e.Time()})
		}
	}
	start := len(timeline)
	for _, ev := range current.Events {
		timeline = append(timeline, timedEvent{ev, now})
	}

	var best Assessment
	consider := func(a Assessment) {
		if a.Risk > best.Risk {
			best = a
		}
	}
	for i := start; i < len(timeline); i++ {
		ev := timeline[i]
		switch ev.Kind {
		case EventExec:
			if ev.Dynamic {
				consider(piecewise(timeline[:i], ev, now))
			}
			if ev.Path != "" {
				consider(executeAfterProduce(timeline[:i], ev, now))
			}
		case EventConfigEdit:
			consider(configEdit(timeline[start:], ev))
		}
	}
	return best
}

func executeAfterProduce(prior []timedEvent, exec timedEvent, now time.Time) Assessment {
	var producer, chmod *timedEvent
	for i := len(prior) - 1; i >= 0; i-- {
		ev := &prior[i]
		if ev.Path != exec.Path {
			continue
		}
		switch ev.Kind {
		case EventChmodExec:
			if chmod == nil && producer == nil {
				chmod = ev
			}
		case EventWrite, EventDownload:
			if producer == nil {
				producer = ev
			}
		}
		if producer != nil {
			break
		}
	}
	if producer == nil {
		return Assessment{}
	}

	var a Assessment
	temp := IsTempPath(exec.Path)
	switch {
	case producer.Kind == EventDownload:
		a = Assessment{Risk: 95, Pattern: PatternDownloadExecute}
		a.Reason = fmt.Sprintf("%s was downloaded and then executed", exec.Path)
		if producer.Source != "" {
			a.Reason = fmt.Sprintf("%s was downloaded from %s and then executed", exec.Path, producer.Source)
		}
	case chmod != nil:
		a = Assessment{Risk: 60, Pattern: PatternWriteChmodExecute}
		if temp {
			a.Risk = 90
		}
		a.Reason = fmt.Sprintf("%s was written, made executable and then executed", exec.Path)
	default:
		a = Assessment{Risk: 45, Pattern: PatternWriteExecute}
		if temp {
			a.Risk = 85
		}
		a.Reason = fmt.Sprintf("%s was written and then executed", exec.Path)
	}

	a.Risk = scale(a.Risk, now.Sub(producer.at))
	if IsSystemBinary(exec.Path) && a.Risk > systemBinaryCap {
		a.Risk = systemBinaryCap
	}
	return a
}

// piecewise flags a dynamic command name preceded by at least three
// consecutive variable assignments.
func piecewise(prior []timedEvent, exec timedEvent, now time.Time) Assessment {
	n := 0
	first := exec.at
	for i := len(prior) - 1; i >= 0 && prior[i].Kind == EventAssign; i-- {
		n++
		first = prior[i].at
	}
	if n < 3 {
		return Assessment{}
	}
	return Assessment{
		Risk:    scale(75, now.Sub(first)),
		Pattern: PatternPiecewise,
		Reason:  fmt.Sprintf("command %s assembled from %d preceding assignments", exec.Name, n),
	}
}

// configEdit scores a write to a startup file. It is raised when the same
// operation downloads or executes content.
func configEdit(current []timedEvent, edit timedEvent) Assessment {
	a := Assessment{
		Risk:    55,
		Pattern: PatternStartupConfigEdit,
		Reason:  fmt.Sprintf("%s is a startup file", edit.Path),
	}
	for _, ev := range current {
		fetches := ev.Kind == EventDownload ||
			(ev.Kind == EventExec && (downloaders[baseName(ev.Name)] || ev.Path != ""))
		if fetches {
			a.Risk = 80
			a.Reason = fmt.Sprintf("%s is a startup file and the same command fetches or runs content", edit.Path)
			break
		}
	}
	return a
}

func baseName(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[i+1:]
		}
	}
	return name
}

// scale applies the recency multiplier: full weight within two minutes, 0.9
// within ten, 0.75 after that.
func scale(risk int, age time.Duration) int {
	mult := 1.0
	switch {
	case age <= 2*time.Minute:
	case age <= 10*time.Minute:
		mult = 0.9
	default:
		mult = 0.75
	}
	return int(math.Round(float64(risk) * mult))
}

// Verdict maps a risk onto ALLOW/WARN/BLOCK.
func Verdict(a Assessment, warnAt, blockAt int) core.Verdict {
	return core.VerdictForScore(a.Risk, warnAt, blockAt)
}
