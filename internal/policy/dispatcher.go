// Package policy runs an operation through the decision pipeline: critical
// patterns, superadmin patterns, bypass token, domain validation, heuristic
// scan, correlation and the default allow.
package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/correlator"
	"github.com/Dicklesworthstone/warden/internal/domain"
	"github.com/Dicklesworthstone/warden/internal/utils"
)

// Dispatcher evaluates operations against a Context.
type Dispatcher struct {
	c      *Context
	logger *log.Logger
	now    func() time.Time
}

// New returns a dispatcher over c. Missing matcher, audit sink and clock are
// filled with defaults.
func New(c *Context) *Dispatcher {
	if c.Matcher == nil {
		c.Matcher = core.NewMatcher()
	}
	if c.Audit == nil {
		c.Audit = NoopAudit{}
	}
	now := c.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{c: c, logger: utils.LoggerOrDefault(c.Logger, "policy"), now: now}
}

// Evaluate returns the verdict for op. Stage errors never escape: each stage
// maps its own failure onto a verdict. The operation is always recorded in
// the correlator history and the decision always audited.
func (d *Dispatcher) Evaluate(ctx context.Context, op core.Operation) (dec core.Decision) {
	if op.Timestamp.IsZero() {
		op.Timestamp = d.now()
	}

	defer func() {
		if err := d.c.Audit.Record(op, dec); err != nil {
			d.logger.Warn("audit write failed", "error", err)
		}
		d.logger.Debug("decision", "verdict", dec.Verdict, "stage", dec.Stage, "code", dec.Code, "tool", op.Tool)
	}()
	defer d.record(op)

	if res := d.critical(op); res != nil {
		return *res
	}
	// A superadmin token lifts SUPERADMIN_REQUIRED only; the operation
	// still goes through the later stages.
	authorized := d.superadmin(op)
	if authorized != nil && authorized.Verdict != core.VerdictAllow {
		return *authorized
	}

	bypass, integrityFailed := d.bypass()
	if bypass != nil {
		return *bypass
	}

	var warn *core.Decision
	keepWarn := func(w *core.Decision) {
		if warn == nil {
			warn = w
		}
	}

	for _, stage := range []func(context.Context, core.Operation) *core.Decision{d.domains, d.heuristics, d.correlate} {
		res := stage(ctx, op)
		if res == nil {
			continue
		}
		if res.Verdict.Blocks() {
			return *res
		}
		if res.Verdict == core.VerdictWarn {
			keepWarn(res)
		}
	}

	if warn != nil {
		return *warn
	}
	if integrityFailed {
		return core.Decision{
			Verdict: core.VerdictWarn,
			Stage:   core.StageBypass,
			Code:    core.ReasonAuthIntegrityFailure,
			Reason:  "auth state failed its integrity check; bypass is disabled until it is reset",
		}
	}
	if authorized != nil {
		return *authorized
	}
	return core.Decision{
		Verdict: core.VerdictAllow,
		Stage:   core.StageDefault,
		Code:    core.ReasonDefaultAllow,
		Reason:  "no stage objected",
	}
}

// guard converts a panic in fn into a stage_error decision with verdict
// onPanic. A zero onPanic means the stage fails open.
func (d *Dispatcher) guard(stage core.Stage, onPanic core.Verdict, fn func() *core.Decision) (res *core.Decision) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("stage failed", "stage", stage, "panic", r)
			if onPanic == 0 {
				res = nil
				return
			}
			res = &core.Decision{
				Verdict: onPanic,
				Stage:   stage,
				Code:    core.ReasonStageError,
				Reason:  fmt.Sprintf("%s stage failed: %v", stage, r),
			}
		}
	}()
	return fn()
}

func (d *Dispatcher) critical(op core.Operation) *core.Decision {
	return d.guard(core.StageCritical, core.VerdictBlock, func() *core.Decision {
		m := d.c.Matcher.MatchCritical(op)
		if m == nil {
			return nil
		}
		return &core.Decision{
			Verdict:    core.VerdictBlock,
			Stage:      core.StageCritical,
			Code:       core.ReasonCriticalPattern,
			Reason:     m.Description,
			Confidence: 100,
			Pattern:    m.Pattern,
		}
	})
}

func (d *Dispatcher) superadmin(op core.Operation) *core.Decision {
	return d.guard(core.StageSuperAdmin, core.VerdictSuperAdminRequired, func() *core.Decision {
		m := d.c.Matcher.MatchSuperAdmin(op)
		if m == nil {
			return nil
		}
		required := &core.Decision{
			Verdict: core.VerdictSuperAdminRequired,
			Stage:   core.StageSuperAdmin,
			Code:    core.ReasonSuperAdminRequired,
			Reason:  m.Description + "; run `warden superadmin unlock`",
			Pattern: m.Pattern,
		}
		if d.c.SuperAdmin == nil {
			return required
		}
		info, err := d.c.SuperAdmin.Active()
		if err != nil {
			d.logger.Error("superadmin token check failed", "error", err)
			required.Reason = m.Description + "; superadmin state failed verification"
			return required
		}
		if info == nil {
			return required
		}
		if err := d.c.SuperAdmin.TouchActivity(); err != nil {
			d.logger.Warn("superadmin activity update failed", "error", err)
		}
		return &core.Decision{
			Verdict: core.VerdictAllow,
			Stage:   core.StageSuperAdmin,
			Code:    core.ReasonSuperAdminToken,
			Reason:  "authorized by superadmin token: " + m.Description,
			Pattern: m.Pattern,
		}
	})
}

// bypass returns an ALLOW decision when a bypass token is live. An integrity
// failure leaves the token inactive and is reported to the caller.
func (d *Dispatcher) bypass() (res *core.Decision, integrityFailed bool) {
	if d.c.Bypass == nil {
		return nil, false
	}
	res = d.guard(core.StageBypass, 0, func() *core.Decision {
		info, err := d.c.Bypass.Active()
		if err != nil {
			if core.IsIntegrityError(err) {
				integrityFailed = true
				d.logger.Error("bypass disabled by integrity failure", "error", err)
			} else {
				d.logger.Warn("bypass token check failed", "error", err)
			}
			return nil
		}
		if info == nil {
			return nil
		}
		if err := d.c.Bypass.TouchActivity(); err != nil {
			d.logger.Warn("bypass activity update failed", "error", err)
		}
		return &core.Decision{
			Verdict: core.VerdictAllow,
			Stage:   core.StageBypass,
			Code:    core.ReasonBypassToken,
			Reason:  "bypass token active",
		}
	})
	return res, integrityFailed
}

func (d *Dispatcher) domains(ctx context.Context, op core.Operation) *core.Decision {
	if d.c.Domains == nil {
		return nil
	}
	urls := op.URLs()
	if len(urls) == 0 {
		return nil
	}
	return d.guard(core.StageDomain, core.VerdictWarn, func() *core.Decision {
		vc := domain.Context{Interactive: d.c.Interactive, SessionID: op.SessionID}
		var worst *domain.Result
		for _, u := range urls {
			res := d.c.Domains.Validate(ctx, u, vc)
			if worst == nil || res.Verdict > worst.Verdict {
				r := res
				worst = &r
			}
			if res.Verdict == core.VerdictBlock {
				break
			}
		}
		switch worst.Verdict {
		case core.VerdictBlock:
			return &core.Decision{
				Verdict: core.VerdictBlock,
				Stage:   core.StageDomain,
				Code:    core.ReasonDomainBlocked,
				Reason:  domainReason(worst),
				Pattern: worst.Pattern,
			}
		case core.VerdictWarn:
			return &core.Decision{
				Verdict: core.VerdictWarn,
				Stage:   core.StageDomain,
				Code:    core.ReasonDomainWarn,
				Reason:  domainReason(worst),
				Pattern: worst.Pattern,
			}
		default:
			return nil
		}
	})
}

func domainReason(r *domain.Result) string {
	host := r.Host
	if host == "" {
		host = r.Input
	}
	return fmt.Sprintf("%s: %s", host, r.Reason)
}

func (d *Dispatcher) heuristics(_ context.Context, op core.Operation) *core.Decision {
	if d.c.Scanner == nil || !op.Tool.IsCommandLike() {
		return nil
	}
	text := op.Command()
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return d.guard(core.StageHeuristic, core.VerdictWarn, func() *core.Decision {
		res := d.c.Scanner.Scan(text)
		v := d.c.Scanner.Verdict(res)
		if v == core.VerdictAllow {
			return nil
		}
		reason := res.Reason
		if reason == "" && len(res.Errors) > 0 {
			reason = "detector failed: " + strings.Join(res.Errors, "; ")
		}
		return &core.Decision{
			Verdict:    v,
			Stage:      core.StageHeuristic,
			Code:       core.ReasonEvasionDetected,
			Reason:     reason,
			Confidence: res.Confidence,
			Pattern:    string(res.Category),
		}
	})
}

func (d *Dispatcher) correlate(_ context.Context, op core.Operation) *core.Decision {
	if d.c.Correlator == nil {
		return nil
	}
	return d.guard(core.StageCorrelator, 0, func() *core.Decision {
		a := d.c.Correlator.Assess(op)
		cfg := d.c.Config.Correlator
		v := correlator.Verdict(a, cfg.WarnThreshold, cfg.BlockThreshold)
		if v == core.VerdictAllow {
			return nil
		}
		return &core.Decision{
			Verdict:    v,
			Stage:      core.StageCorrelator,
			Code:       core.ReasonCorrelationDetected,
			Reason:     a.Reason,
			Confidence: a.Risk,
			Pattern:    a.Pattern,
		}
	})
}

// record appends op to the correlator history. Failures are logged only.
func (d *Dispatcher) record(op core.Operation) {
	if d.c.Correlator == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("history record failed", "panic", r)
		}
	}()
	_ = d.c.Correlator.Record(op)
}
