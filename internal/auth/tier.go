package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/fsutil"
	"github.com/Dicklesworthstone/warden/internal/terminal"
	"github.com/Dicklesworthstone/warden/internal/utils"
)

// State is the lifecycle state of a tier.
type State string

const (
	StateUnconfigured     State = "unconfigured"
	StateLocked           State = "locked"
	StateUnlocked         State = "unlocked"
	StateLockout          State = "lockout"
	StateIntegrityFailure State = "integrity_failure"
)

// TierConfig parameterizes a tier.
type TierConfig struct {
	// Name doubles as the file prefix and the MAC namespace.
	Name             string
	MaxDuration      time.Duration
	Inactivity       time.Duration
	MinPassphraseLen int
	// KeyInfo selects HKDF key derivation; empty keys the MAC with the hash.
	KeyInfo string
}

// Options are the collaborators shared by both tiers.
type Options struct {
	// Dir is the auth state directory (normally <state_dir>/auth).
	Dir      string
	Terminal terminal.Terminal
	Now      func() time.Time
	Logger   *log.Logger
}

// Tier is the credential and token state machine shared by bypass and
// superadmin. Token checks are lock-free; every read-modify-write goes
// through fsutil.WithLock.
type Tier struct {
	cfg       TierConfig
	dir       string
	term      terminal.Terminal
	now       func() time.Time
	logger    *log.Logger
	limiter   *RateLimiter
	integrity *Integrity
}

func newTier(cfg TierConfig, opts Options) *Tier {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	term := opts.Terminal
	if term == nil {
		term = terminal.NonInteractive{}
	}
	if cfg.MinPassphraseLen < 1 {
		cfg.MinPassphraseLen = 1
	}
	t := &Tier{
		cfg:       cfg,
		dir:       opts.Dir,
		term:      term,
		now:       now,
		logger:    utils.LoggerOrDefault(opts.Logger, cfg.Name),
		integrity: NewIntegrity(opts.Dir),
	}
	t.limiter = NewRateLimiter(cfg.Name, t.path("failures"), now)
	return t
}

// Name returns the tier name.
func (t *Tier) Name() string { return t.cfg.Name }

// Config returns the tier parameters.
func (t *Tier) Config() TierConfig { return t.cfg }

func (t *Tier) path(ext string) string {
	return filepath.Join(t.dir, t.cfg.Name+"."+ext)
}

// HashPath returns the credential file location.
func (t *Tier) HashPath() string { return t.path("hash") }

// TokenPath returns the token file location.
func (t *Tier) TokenPath() string { return t.path("token") }

// ActivityPath returns the activity file location.
func (t *Tier) ActivityPath() string { return t.path("activity") }

func (t *Tier) authErr(err error) error {
	return &core.AuthenticationError{Tier: t.cfg.Name, Err: err}
}

// Configured reports whether a credential exists.
func (t *Tier) Configured() bool {
	return fsutil.Exists(t.HashPath())
}

func (t *Tier) loadCredential() (Credential, error) {
	if err := fsutil.CheckRegular(t.HashPath()); err != nil {
		return Credential{}, &core.IntegrityError{Path: filepath.Base(t.HashPath()), Err: err}
	}
	line, err := fsutil.ReadFirstLine(t.HashPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Credential{}, core.ErrNotConfigured
		}
		return Credential{}, err
	}
	cred, err := ParseCredential(line)
	if err != nil {
		return Credential{}, &core.IntegrityError{Path: filepath.Base(t.HashPath()), Err: err}
	}
	return cred, nil
}

func (t *Tier) key(cred Credential) ([]byte, error) {
	return DeriveKey(cred, t.cfg.KeyInfo)
}

// Setup creates the credential. It requires an interactive terminal and
// refuses to replace an existing credential.
func (t *Tier) Setup(ctx context.Context) error {
	if !t.term.IsInteractive() {
		return t.authErr(core.ErrNotInteractive)
	}
	if t.Configured() {
		return t.authErr(core.ErrAlreadyConfigured)
	}

	pass, err := t.term.ReadSecret(ctx, fmt.Sprintf("New %s passphrase:", t.cfg.Name))
	if err != nil {
		return t.authErr(err)
	}
	if len([]rune(pass)) < t.cfg.MinPassphraseLen {
		return t.authErr(fmt.Errorf("%w: need at least %d characters", core.ErrPassphraseTooShort, t.cfg.MinPassphraseLen))
	}
	confirm, err := t.term.ReadSecret(ctx, "Confirm passphrase:")
	if err != nil {
		return t.authErr(err)
	}
	if pass != confirm {
		return t.authErr(core.ErrPassphraseMismatch)
	}

	cred, err := HashPassphrase(pass)
	if err != nil {
		return err
	}
	err = fsutil.WithLock(t.HashPath(), func() error {
		if t.Configured() {
			return t.authErr(core.ErrAlreadyConfigured)
		}
		return fsutil.AtomicWrite(t.HashPath(), []byte(cred.String()+"\n"), 0600)
	})
	if err != nil {
		return err
	}
	if err := t.integrity.Update(); err != nil {
		return fmt.Errorf("writing integrity manifest: %w", err)
	}

	t.logger.Info("credential configured", "tier", t.cfg.Name)
	return nil
}

// UnlockResult describes a freshly minted token.
type UnlockResult struct {
	Tier               string    `json:"tier"`
	Method             string    `json:"method"`
	ExpiresAt          time.Time `json:"expires_at"`
	InactivityDeadline time.Time `json:"inactivity_deadline"`
}

// preUnlock runs after the rate limit check and may settle the attempt
// before the passphrase prompt. It returns verified=true to mint, a non-nil
// error to fail, or (false, nil) to fall through to the passphrase.
type preUnlock func(ctx context.Context) (verified bool, method string, err error)

// Unlock verifies the passphrase and mints a token.
func (t *Tier) Unlock(ctx context.Context) (*UnlockResult, error) {
	return t.unlock(ctx, nil)
}

func (t *Tier) unlock(ctx context.Context, pre preUnlock) (*UnlockResult, error) {
	if !t.term.IsInteractive() {
		return nil, t.authErr(core.ErrNotInteractive)
	}
	if err := t.integrity.Verify(); err != nil {
		t.logger.Error("integrity check failed, refusing unlock", "tier", t.cfg.Name, "error", err)
		return nil, err
	}
	cred, err := t.loadCredential()
	if err != nil {
		if errors.Is(err, core.ErrNotConfigured) {
			return nil, t.authErr(core.ErrNotConfigured)
		}
		return nil, err
	}
	if err := t.limiter.Check(); err != nil {
		return nil, err
	}

	if pre != nil {
		verified, method, err := pre(ctx)
		if err != nil {
			return nil, err
		}
		if verified {
			return t.mint(cred, method)
		}
	}

	pass, err := t.term.ReadSecret(ctx, fmt.Sprintf("%s passphrase:", t.cfg.Name))
	if err != nil {
		// Timeouts and read errors are not verified failures.
		return nil, t.authErr(err)
	}
	if !VerifyPassphrase(cred, pass) {
		return nil, t.fail(core.ErrWrongPassphrase)
	}
	return t.mint(cred, "passphrase")
}

// fail records a verified wrong credential and returns the error to report.
func (t *Tier) fail(cause error) error {
	rec, err := t.limiter.RecordFailure()
	if err != nil {
		t.logger.Error("recording failure", "tier", t.cfg.Name, "error", err)
	}
	t.logger.Warn("unlock failed", "tier", t.cfg.Name, "failures", rec.Count)
	return t.authErr(cause)
}

func (t *Tier) mint(cred Credential, method string) (*UnlockResult, error) {
	key, err := t.key(cred)
	if err != nil {
		return nil, err
	}
	now := t.now()
	tok := MintToken(key, t.cfg.Name, now, t.cfg.MaxDuration)

	err = fsutil.WithLock(t.TokenPath(), func() error {
		if err := fsutil.AtomicWrite(t.TokenPath(), []byte(tok.String()+"\n"), 0600); err != nil {
			return err
		}
		return fsutil.AtomicWrite(t.ActivityPath(), []byte(SignActivity(key, t.cfg.Name, tok, now)+"\n"), 0600)
	})
	if err != nil {
		return nil, fmt.Errorf("writing token: %w", err)
	}
	if err := t.limiter.Reset(); err != nil {
		t.logger.Error("resetting failure counter", "tier", t.cfg.Name, "error", err)
	}

	t.logger.Info("unlocked", "tier", t.cfg.Name, "method", method, "expires", tok.Expires)
	return &UnlockResult{
		Tier:               t.cfg.Name,
		Method:             method,
		ExpiresAt:          tok.Expires,
		InactivityDeadline: now.Add(t.cfg.Inactivity).UTC(),
	}, nil
}

// LockResult reports what Lock did.
type LockResult struct {
	Tier      string `json:"tier"`
	WasActive bool   `json:"was_active"`
}

// Lock removes the token. It never needs a terminal and is a no-op when
// already locked.
func (t *Tier) Lock() (LockResult, error) {
	res := LockResult{Tier: t.cfg.Name}
	err := fsutil.WithLock(t.TokenPath(), func() error {
		existed, err := fsutil.RemoveIfExists(t.TokenPath())
		if err != nil {
			return err
		}
		res.WasActive = existed
		_, err = fsutil.RemoveIfExists(t.ActivityPath())
		return err
	})
	if err != nil {
		return res, fmt.Errorf("locking %s: %w", t.cfg.Name, err)
	}
	if res.WasActive {
		t.logger.Info("locked", "tier", t.cfg.Name)
	}
	return res, nil
}

// TokenInfo is the verified state of a live token.
type TokenInfo struct {
	Token        Token
	LastActivity time.Time
	key          []byte
}

// ExpiresAt is the earlier of the absolute and inactivity deadlines.
func (i TokenInfo) ExpiresAt(inactivity time.Duration) time.Time {
	idle := i.LastActivity.Add(inactivity)
	if idle.Before(i.Token.Expires) {
		return idle
	}
	return i.Token.Expires
}

// Active verifies the token without taking any lock. A token that fails
// verification or has expired is deleted. It returns an IntegrityError when
// the auth state itself is untrustworthy.
func (t *Tier) Active() (*TokenInfo, error) {
	line, err := fsutil.ReadFirstLine(t.TokenPath())
	if err != nil {
		return nil, nil
	}
	if err := t.integrity.Verify(); err != nil {
		t.discard("integrity check failed")
		return nil, err
	}
	cred, err := t.loadCredential()
	if err != nil {
		t.discard("credential unreadable")
		if errors.Is(err, core.ErrNotConfigured) {
			return nil, nil
		}
		return nil, err
	}
	key, err := t.key(cred)
	if err != nil {
		return nil, err
	}

	tok, err := ParseToken(line)
	if err != nil || !VerifyToken(key, t.cfg.Name, tok) {
		t.logger.Warn("token failed verification, deleting", "tier", t.cfg.Name)
		t.discard("")
		return nil, nil
	}

	now := t.now()
	if !now.Before(tok.Expires) {
		t.discard("token expired")
		return nil, nil
	}

	actLine, err := fsutil.ReadFirstLine(t.ActivityPath())
	if err != nil {
		t.logger.Warn("activity record missing, deleting token", "tier", t.cfg.Name)
		t.discard("")
		return nil, nil
	}
	last, err := VerifyActivity(key, t.cfg.Name, tok, actLine)
	if err != nil {
		t.logger.Warn("activity record failed verification, deleting token", "tier", t.cfg.Name)
		t.discard("")
		return nil, nil
	}
	if now.Sub(last) >= t.cfg.Inactivity {
		t.discard("inactivity timeout")
		return nil, nil
	}
	return &TokenInfo{Token: tok, LastActivity: last, key: key}, nil
}

// IsActive reports whether a valid token exists.
func (t *Tier) IsActive() bool {
	info, err := t.Active()
	return err == nil && info != nil
}

func (t *Tier) discard(reason string) {
	if reason != "" {
		t.logger.Info("discarding token", "tier", t.cfg.Name, "reason", reason)
	}
	_ = os.Remove(t.TokenPath())
	_ = os.Remove(t.ActivityPath())
}

// TouchActivity re-signs the activity record with the current time. It does
// nothing when no valid token exists.
func (t *Tier) TouchActivity() error {
	info, err := t.Active()
	if err != nil || info == nil {
		return err
	}
	return fsutil.WithLock(t.TokenPath(), func() error {
		line, err := fsutil.ReadFirstLine(t.TokenPath())
		if err != nil || line != info.Token.String() {
			// Locked or re-minted meanwhile.
			return nil
		}
		activity := SignActivity(info.key, t.cfg.Name, info.Token, t.now())
		return fsutil.AtomicWrite(t.ActivityPath(), []byte(activity+"\n"), 0600)
	})
}

// Status is a snapshot for `warden <tier> status`.
type Status struct {
	Tier               string        `json:"tier"`
	State              State         `json:"state"`
	Configured         bool          `json:"configured"`
	Active             bool          `json:"active"`
	ExpiresAt          *time.Time    `json:"expires_at,omitempty"`
	InactivityDeadline *time.Time    `json:"inactivity_deadline,omitempty"`
	Failures           int           `json:"failures"`
	LockoutRemaining   time.Duration `json:"lockout_remaining,omitempty"`
	LockoutIndefinite  bool          `json:"lockout_indefinite,omitempty"`
	Error              string        `json:"error,omitempty"`
}

// Status reports the tier state. It has the same side effects as Active.
func (t *Tier) Status() Status {
	st := Status{Tier: t.cfg.Name, Configured: t.Configured()}
	rec, remaining, indefinite := t.limiter.Remaining()
	st.Failures = rec.Count
	st.LockoutRemaining = remaining
	st.LockoutIndefinite = indefinite

	if !st.Configured {
		st.State = StateUnconfigured
		return st
	}
	if err := t.integrity.Verify(); err != nil {
		st.State = StateIntegrityFailure
		st.Error = err.Error()
		return st
	}

	info, err := t.Active()
	switch {
	case err != nil:
		st.State = StateIntegrityFailure
		st.Error = err.Error()
	case info != nil:
		st.State = StateUnlocked
		st.Active = true
		exp := info.Token.Expires
		idle := info.LastActivity.Add(t.cfg.Inactivity)
		st.ExpiresAt = &exp
		st.InactivityDeadline = &idle
	case indefinite || remaining > 0:
		st.State = StateLockout
	default:
		st.State = StateLocked
	}
	return st
}

// Reset removes the credential after re-verifying the current passphrase.
// The rate limiter still applies.
func (t *Tier) Reset(ctx context.Context) error {
	if !t.term.IsInteractive() {
		return t.authErr(core.ErrNotInteractive)
	}
	cred, err := t.loadCredential()
	if err != nil {
		if errors.Is(err, core.ErrNotConfigured) {
			return t.authErr(core.ErrNotConfigured)
		}
		return err
	}
	if err := t.limiter.Check(); err != nil {
		return err
	}
	pass, err := t.term.ReadSecret(ctx, fmt.Sprintf("Current %s passphrase:", t.cfg.Name))
	if err != nil {
		return t.authErr(err)
	}
	if !VerifyPassphrase(cred, pass) {
		return t.fail(core.ErrWrongPassphrase)
	}

	if _, err := t.Lock(); err != nil {
		return err
	}
	err = fsutil.WithLock(t.HashPath(), func() error {
		_, err := fsutil.RemoveIfExists(t.HashPath())
		return err
	})
	if err != nil {
		return fmt.Errorf("removing credential: %w", err)
	}
	if err := t.limiter.Reset(); err != nil {
		return err
	}
	if err := t.integrity.Update(); err != nil {
		return fmt.Errorf("writing integrity manifest: %w", err)
	}
	t.logger.Info("credential reset", "tier", t.cfg.Name)
	return nil
}

// Reseal re-records the manifest after a warden upgrade. The credential
// files must still match the sealed manifest; only the binary entry may
// have changed. The current passphrase is required and rate limited.
func (t *Tier) Reseal(ctx context.Context) error {
	if !t.term.IsInteractive() {
		return t.authErr(core.ErrNotInteractive)
	}
	cred, err := t.loadCredential()
	if err != nil {
		if errors.Is(err, core.ErrNotConfigured) {
			return t.authErr(core.ErrNotConfigured)
		}
		return err
	}
	if err := t.integrity.VerifyCredentials(); err != nil {
		return err
	}
	if err := t.limiter.Check(); err != nil {
		return err
	}
	pass, err := t.term.ReadSecret(ctx, fmt.Sprintf("Current %s passphrase:", t.cfg.Name))
	if err != nil {
		return t.authErr(err)
	}
	if !VerifyPassphrase(cred, pass) {
		return t.fail(core.ErrWrongPassphrase)
	}
	if err := t.limiter.Reset(); err != nil {
		return err
	}
	if err := t.integrity.Update(); err != nil {
		return fmt.Errorf("writing integrity manifest: %w", err)
	}
	t.logger.Info("integrity manifest resealed", "tier", t.cfg.Name)
	return nil
}

// ResetFailures clears a lockout. The operator must type the tier name on
// the controlling terminal.
func (t *Tier) ResetFailures(ctx context.Context) error {
	if !t.term.IsInteractive() {
		return t.authErr(core.ErrNotInteractive)
	}
	answer, err := t.term.ReadLine(ctx, fmt.Sprintf("Type %q to clear the %s lockout:", t.cfg.Name, t.cfg.Name))
	if err != nil {
		return t.authErr(err)
	}
	if answer != t.cfg.Name {
		return t.authErr(errors.New("confirmation did not match"))
	}
	if err := t.limiter.Reset(); err != nil {
		return err
	}
	t.logger.Info("failure counter cleared", "tier", t.cfg.Name)
	return nil
}

// Failures returns the persisted failure record.
func (t *Tier) Failures() (FailureRecord, error) {
	return t.limiter.Load()
}
