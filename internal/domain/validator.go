package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/terminal"
	"github.com/Dicklesworthstone/warden/internal/utils"
)

// Source names the step that produced a result.
type Source string

const (
	SourceInvalid   Source = "invalid"
	SourcePrivateIP Source = "private_ip"
	SourceBuiltin   Source = "tier1"
	SourceList      Source = "list"
	SourceSession   Source = "session"
	SourcePrompt    Source = "prompt"
	SourceUnknown   Source = "unknown"
)

// Result is the outcome of validating one URL or host.
type Result struct {
	Input   string       `json:"input"`
	Host    string       `json:"host,omitempty"`
	Kind    string       `json:"kind,omitempty"`
	Verdict core.Verdict `json:"verdict"`
	Source  Source       `json:"source"`
	Tier    int          `json:"tier,omitempty"`
	List    ListName     `json:"list,omitempty"`
	Pattern string       `json:"pattern,omitempty"`
	Reason  string       `json:"reason"`
	// Errors lists list files that could not be read.
	Errors []string `json:"errors,omitempty"`
}

// Context carries the caller's session and interactivity.
type Context struct {
	Interactive bool
	SessionID   string
}

// Validator runs the tiered domain checks.
type Validator struct {
	store    *Store
	sessions *SessionStore
	term     terminal.Terminal
	logger   *log.Logger
}

// NewValidator wires a validator. A nil terminal disables prompting.
func NewValidator(store *Store, sessions *SessionStore, term terminal.Terminal, logger *log.Logger) *Validator {
	if term == nil {
		term = terminal.NonInteractive{}
	}
	return &Validator{
		store:    store,
		sessions: sessions,
		term:     term,
		logger:   utils.LoggerOrDefault(logger, "domains"),
	}
}

// Store returns the list store.
func (v *Validator) Store() *Store { return v.store }

// Validate classifies input. Order: private IP literal, Tier 1, system safe,
// custom safe, custom blocked, system blocked, session decision, then unknown
// (WARN when non-interactive, otherwise an operator prompt).
func (v *Validator) Validate(ctx context.Context, input string, vc Context) Result {
	res := v.classify(input)
	if res.Source != SourceUnknown {
		return res
	}

	if d, ok := v.sessions.Get(vc.SessionID, res.Host); ok {
		res.Source = SourceSession
		if d == DecisionAllow {
			res.Verdict = core.VerdictAllow
			res.Reason = "allowed earlier in this session"
		} else {
			res.Verdict = core.VerdictBlock
			res.Reason = "blocked earlier in this session"
		}
		return v.degrade(res)
	}

	if vc.Interactive && v.term.IsInteractive() {
		return v.degrade(v.prompt(ctx, res, vc))
	}
	return res
}

// Explain classifies input without consulting session state or prompting.
func (v *Validator) Explain(input string) Result {
	return v.classify(input)
}

func (v *Validator) classify(input string) Result {
	res := Result{Input: input}
	host, err := Normalize(input)
	if err != nil {
		res.Verdict = core.VerdictBlock
		res.Source = SourceInvalid
		res.Reason = fmt.Sprintf("unparseable host: %v", err)
		return res
	}
	res.Host = host.Name
	res.Kind = host.Kind.String()

	if host.Kind != KindHostname {
		if name, ok := PrivateRange(host.IP); ok {
			res.Verdict = core.VerdictBlock
			res.Source = SourcePrivateIP
			res.Tier = 1
			res.Reason = fmt.Sprintf("%s address %s", name, host.Name)
			return res
		}
	}

	if p, ok := matchAny(builtinBlocked, host.Name); ok {
		res.Verdict = core.VerdictBlock
		res.Source = SourceBuiltin
		res.Tier = 1
		res.Pattern = p
		res.Reason = fmt.Sprintf("%s is on the built-in block list", host.Name)
		return res
	}

	loaded := make(map[ListName][]string, len(AllLists))
	for _, list := range AllLists {
		patterns, _, err := v.store.Load(list)
		if err != nil {
			v.logger.Error("domain list rejected", "list", list, "error", err)
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", list, err))
			continue
		}
		loaded[list] = patterns
	}

	for _, list := range AllLists {
		p, ok := matchAny(loaded[list], host.Name)
		if !ok {
			continue
		}
		res.Source = SourceList
		res.Tier = list.Tier()
		res.List = list
		res.Pattern = p
		if list.Blocks() {
			res.Verdict = core.VerdictBlock
			res.Reason = fmt.Sprintf("%s matches %s in %s", host.Name, p, list.File())
			return res
		}
		res.Verdict = core.VerdictAllow
		res.Reason = fmt.Sprintf("%s matches %s in %s", host.Name, p, list.File())
		return v.degrade(res)
	}

	res.Verdict = core.VerdictWarn
	res.Source = SourceUnknown
	res.Reason = fmt.Sprintf("%s is not on any list", host.Name)
	return v.degrade(res)
}

// degrade raises an ALLOW to WARN when some list could not be read: a
// missing block list means "not blocked" cannot be confirmed.
func (v *Validator) degrade(res Result) Result {
	if len(res.Errors) > 0 && res.Verdict == core.VerdictAllow {
		res.Verdict = core.VerdictWarn
		res.Reason += " (domain lists unreadable)"
	}
	return res
}

// prompt asks the operator about an unknown domain. Any failure, timeout or
// unrecognised answer blocks this one request.
func (v *Validator) prompt(ctx context.Context, res Result, vc Context) Result {
	res.Source = SourcePrompt
	v.term.Print(terminal.TitleStyle.Render("warden: unknown domain ") + terminal.WarnStyle.Render(res.Host))
	v.term.Print(terminal.HintStyle.Render("  [b] block once   [a] allow for this session   [s] always allow   [x] always block"))

	answer, err := v.term.ReadLine(ctx, "Choice [b/a/s/x]:")
	if err != nil {
		if !errors.Is(err, terminal.ErrPromptTimeout) {
			v.logger.Warn("domain prompt failed", "host", res.Host, "error", err)
		}
		res.Verdict = core.VerdictBlock
		res.Reason = fmt.Sprintf("%s blocked: no answer from operator", res.Host)
		return res
	}

	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "a":
		if err := v.sessions.Set(vc.SessionID, res.Host, DecisionAllow); err != nil {
			v.logger.Error("saving session decision", "host", res.Host, "error", err)
		}
		res.Verdict = core.VerdictAllow
		res.Reason = fmt.Sprintf("%s allowed for this session by operator", res.Host)
	case "s":
		res.Verdict = core.VerdictAllow
		res.Reason = fmt.Sprintf("%s added to %s by operator", res.Host, ListCustomSafe.File())
		if _, err := v.store.Add(ListCustomSafe, res.Host); err != nil {
			v.logger.Error("saving safe domain", "host", res.Host, "error", err)
			res.Reason = fmt.Sprintf("%s allowed once by operator (saving failed)", res.Host)
		}
	case "x":
		res.Verdict = core.VerdictBlock
		res.Reason = fmt.Sprintf("%s added to %s by operator", res.Host, ListCustomBlocked.File())
		if _, err := v.store.Add(ListCustomBlocked, res.Host); err != nil {
			v.logger.Error("saving blocked domain", "host", res.Host, "error", err)
		}
	default:
		res.Verdict = core.VerdictBlock
		res.Reason = fmt.Sprintf("%s blocked once by operator", res.Host)
	}
	return res
}

// Lists returns every list's entries, including the built-in Tier 1 list
// under the key "builtin".
func (v *Validator) Lists() (map[string][]string, []*core.ValidationError, error) {
	out := map[string][]string{"builtin": BuiltinBlocked()}
	var invalid []*core.ValidationError
	var errs []error
	for _, list := range AllLists {
		patterns, bad, err := v.store.Load(list)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", list, err))
			continue
		}
		out[string(list)] = patterns
		invalid = append(invalid, bad...)
	}
	return out, invalid, errors.Join(errs...)
}

// AddCustom appends pattern to a user list (custom-safe or custom-blocked).
func (v *Validator) AddCustom(list ListName, pattern string) (bool, error) {
	if list.Tier() != 3 {
		return false, fmt.Errorf("%s is not a custom list", list)
	}
	return v.store.Add(list, pattern)
}

// RemoveCustom removes pattern from a user list.
func (v *Validator) RemoveCustom(list ListName, pattern string) (bool, error) {
	if list.Tier() != 3 {
		return false, fmt.Errorf("%s is not a custom list", list)
	}
	return v.store.Remove(list, pattern)
}
