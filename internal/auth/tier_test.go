package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/fsutil"
	"github.com/Dicklesworthstone/warden/internal/terminal"
	"github.com/Dicklesworthstone/warden/internal/testutil"
)

const testPass = "CorrectHorse1"

type harness struct {
	dir   string
	term  *terminal.Fake
	clock *testutil.Clock
	opts  Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dir:   filepath.Join(t.TempDir(), "auth"),
		term:  terminal.NewFake(),
		clock: testutil.NewClock(time.Unix(1700000000, 0)),
	}
	h.opts = Options{Dir: h.dir, Terminal: h.term, Now: h.clock.Now, Logger: testutil.TestLogger(t)}
	return h
}

func (h *harness) bypass() *Bypass {
	return NewBypass(BypassConfig{}, h.opts)
}

func setupBypass(t *testing.T, h *harness) *Bypass {
	t.Helper()
	b := h.bypass()
	h.term.Secrets = append(h.term.Secrets, testPass, testPass)
	testutil.RequireNoError(t, b.Setup(context.Background()), "setup")
	return b
}

func unlock(t *testing.T, h *harness, tier interface {
	Unlock(context.Context) (*UnlockResult, error)
}, pass string) (*UnlockResult, error) {
	t.Helper()
	h.term.Secrets = append(h.term.Secrets, pass)
	return tier.Unlock(context.Background())
}

// Scenario: setup from a non-interactive context is rejected and writes nothing.
func TestSetupNonInteractiveRejected(t *testing.T) {
	h := newHarness(t)
	h.term.Interactive = false
	h.term.Secrets = []string{testPass, testPass}
	b := h.bypass()

	err := b.Setup(context.Background())
	if !errors.Is(err, core.ErrNotInteractive) {
		t.Fatalf("Setup err = %v, want ErrNotInteractive", err)
	}
	if fsutil.Exists(b.HashPath()) {
		t.Fatal("hash file written by non-interactive setup")
	}
	if b.Status().State != StateUnconfigured {
		t.Errorf("state = %s, want unconfigured", b.Status().State)
	}
}

func TestSetupWritesCredentialAndManifest(t *testing.T) {
	h := newHarness(t)
	b := setupBypass(t, h)

	info, err := os.Stat(b.HashPath())
	testutil.RequireNoError(t, err, "stat hash")
	if info.Mode().Perm() != 0600 {
		t.Errorf("hash mode = %v, want 0600", info.Mode().Perm())
	}
	testutil.RequireNoError(t, NewIntegrity(h.dir).Verify(), "verify manifest")
	testutil.RequireEqual(t, StateLocked, b.Status().State, "state after setup")

	h.term.Secrets = []string{testPass, testPass}
	if err := b.Setup(context.Background()); !errors.Is(err, core.ErrAlreadyConfigured) {
		t.Fatalf("second Setup err = %v, want ErrAlreadyConfigured", err)
	}
}

func TestSetupRejectsMismatchAndShort(t *testing.T) {
	h := newHarness(t)
	b := h.bypass()

	h.term.Secrets = []string{testPass, testPass + "x"}
	if err := b.Setup(context.Background()); !errors.Is(err, core.ErrPassphraseMismatch) {
		t.Fatalf("mismatch err = %v", err)
	}
	h.term.Secrets = []string{"short"}
	if err := b.Setup(context.Background()); !errors.Is(err, core.ErrPassphraseTooShort) {
		t.Fatalf("short err = %v", err)
	}
	if b.Configured() {
		t.Fatal("credential written despite rejected setup")
	}
}

// Scenario: one wrong attempt then the right one mints a token and resets the counter.
func TestUnlockWrongThenCorrect(t *testing.T) {
	h := newHarness(t)
	b := setupBypass(t, h)

	_, err := unlock(t, h, b, "wrong-passphrase")
	if !errors.Is(err, core.ErrWrongPassphrase) {
		t.Fatalf("first unlock err = %v, want ErrWrongPassphrase", err)
	}
	rec, _ := b.Failures()
	testutil.RequireEqual(t, 1, rec.Count, "failures after wrong attempt")

	res, err := unlock(t, h, b, testPass)
	testutil.RequireNoError(t, err, "second unlock")
	if !res.ExpiresAt.Equal(h.clock.Now().Add(4 * time.Hour).UTC()) {
		t.Errorf("ExpiresAt = %v", res.ExpiresAt)
	}
	if !b.IsActive() {
		t.Fatal("token not active after unlock")
	}
	rec, _ = b.Failures()
	testutil.RequireEqual(t, 0, rec.Count, "failures after success")
}

func TestUnlockNotConfigured(t *testing.T) {
	h := newHarness(t)
	b := h.bypass()
	_, err := unlock(t, h, b, testPass)
	if !errors.Is(err, core.ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
	rec, _ := b.Failures()
	testutil.RequireEqual(t, 0, rec.Count, "configuration errors never count as failures")
}

func TestUnlockTimeoutDoesNotCount(t *testing.T) {
	h := newHarness(t)
	b := setupBypass(t, h)
	// No queued secret: the fake behaves like a prompt timeout.
	if _, err := b.Unlock(context.Background()); !errors.Is(err, terminal.ErrPromptTimeout) {
		t.Fatalf("err = %v, want ErrPromptTimeout", err)
	}
	rec, _ := b.Failures()
	testutil.RequireEqual(t, 0, rec.Count, "timeouts are not verified failures")
}

func TestUnlockRateLimited(t *testing.T) {
	h := newHarness(t)
	b := setupBypass(t, h)

	for i := 0; i < 3; i++ {
		if _, err := unlock(t, h, b, "nope-nope"); !errors.Is(err, core.ErrWrongPassphrase) {
			t.Fatalf("attempt %d err = %v", i+1, err)
		}
	}

	_, err := unlock(t, h, b, testPass)
	rle, ok := core.AsRateLimit(err)
	if !ok {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rle.Remaining != time.Minute {
		t.Errorf("Remaining = %v, want 1m", rle.Remaining)
	}
	testutil.RequireEqual(t, StateLockout, b.Status().State, "status during lockout")

	h.clock.Advance(time.Minute)
	h.term.Secrets = nil
	if _, err := unlock(t, h, b, testPass); err != nil {
		t.Fatalf("unlock after lockout: %v", err)
	}
}

// Scenario: no activity for one second past the inactivity timeout.
func TestInactivityTimeout(t *testing.T) {
	h := newHarness(t)
	b := setupBypass(t, h)
	_, err := unlock(t, h, b, testPass)
	testutil.RequireNoError(t, err, "unlock")

	h.clock.Advance(1799 * time.Second)
	if !b.IsActive() {
		t.Fatal("token inactive before the inactivity timeout")
	}
	h.clock.Advance(2 * time.Second)
	if b.IsActive() {
		t.Fatal("token still active after 1801s of inactivity")
	}
	if fsutil.Exists(b.TokenPath()) {
		t.Error("expired token not deleted")
	}
}

func TestTouchActivityExtendsUntilMaxDuration(t *testing.T) {
	h := newHarness(t)
	b := setupBypass(t, h)
	_, err := unlock(t, h, b, testPass)
	testutil.RequireNoError(t, err, "unlock")

	// Stay active for the whole absolute window by touching every 20 minutes.
	for elapsed := time.Duration(0); elapsed < 4*time.Hour-20*time.Minute; elapsed += 20 * time.Minute {
		h.clock.Advance(20 * time.Minute)
		if !b.IsActive() {
			t.Fatalf("inactive after %v despite activity", elapsed+20*time.Minute)
		}
		testutil.RequireNoError(t, b.TouchActivity(), "touch")
	}
	h.clock.Set(time.Unix(1700000000, 0).Add(4 * time.Hour))
	if b.IsActive() {
		t.Fatal("token outlived its absolute maximum")
	}
}

func TestLockIdempotent(t *testing.T) {
	h := newHarness(t)
	b := setupBypass(t, h)
	_, err := unlock(t, h, b, testPass)
	testutil.RequireNoError(t, err, "unlock")

	// Lock works without a terminal.
	h.term.Interactive = false
	res, err := b.Lock()
	testutil.RequireNoError(t, err, "first lock")
	if !res.WasActive {
		t.Error("first lock should report an active token")
	}
	for i := 0; i < 2; i++ {
		res, err = b.Lock()
		testutil.RequireNoError(t, err, "repeat lock")
		if res.WasActive {
			t.Error("repeat lock reported an active token")
		}
		testutil.RequireEqual(t, StateLocked, b.Status().State, "status after repeat lock")
	}
}

func TestTamperedTokenDeleted(t *testing.T) {
	h := newHarness(t)
	b := setupBypass(t, h)
	_, err := unlock(t, h, b, testPass)
	testutil.RequireNoError(t, err, "unlock")

	line, _ := fsutil.ReadFirstLine(b.TokenPath())
	tok, _ := ParseToken(line)
	tok.Expires = tok.Expires.Add(24 * time.Hour)
	testutil.RequireNoError(t, fsutil.AtomicWrite(b.TokenPath(), []byte(tok.String()), 0600), "forge token")

	if b.IsActive() {
		t.Fatal("forged token accepted")
	}
	if fsutil.Exists(b.TokenPath()) {
		t.Fatal("forged token not deleted")
	}
}

func TestIntegrityFailureBlocksTier(t *testing.T) {
	h := newHarness(t)
	b := setupBypass(t, h)
	_, err := unlock(t, h, b, testPass)
	testutil.RequireNoError(t, err, "unlock")

	// Replace the credential behind the manifest's back.
	cred, _ := HashPassphrase("AttackerChosen1")
	testutil.RequireNoError(t, os.WriteFile(b.HashPath(), []byte(cred.String()+"\n"), 0600), "swap hash")

	if _, err := b.Active(); !core.IsIntegrityError(err) {
		t.Fatalf("Active err = %v, want IntegrityError", err)
	}
	if b.IsActive() {
		t.Fatal("token active despite integrity failure")
	}
	_, err = unlock(t, h, b, "AttackerChosen1")
	if !core.IsIntegrityError(err) {
		t.Fatalf("unlock err = %v, want IntegrityError", err)
	}
	testutil.RequireEqual(t, StateIntegrityFailure, b.Status().State, "status")
}

func TestResetRequiresPassphrase(t *testing.T) {
	h := newHarness(t)
	b := setupBypass(t, h)

	h.term.Secrets = []string{"wrong-passphrase"}
	if err := b.Reset(context.Background()); !errors.Is(err, core.ErrWrongPassphrase) {
		t.Fatalf("Reset with wrong passphrase err = %v", err)
	}
	h.term.Secrets = []string{testPass}
	testutil.RequireNoError(t, b.Reset(context.Background()), "reset")
	if b.Configured() {
		t.Fatal("credential survived reset")
	}
	testutil.RequireNoError(t, NewIntegrity(h.dir).Verify(), "manifest after reset")
}

func TestResetFailuresClearsIndefiniteLockout(t *testing.T) {
	h := newHarness(t)
	b := setupBypass(t, h)
	for i := 0; i < 10; i++ {
		if _, err := b.limiter.RecordFailure(); err != nil {
			t.Fatal(err)
		}
	}
	if st := b.Status(); !st.LockoutIndefinite {
		t.Fatalf("status = %+v, want indefinite lockout", st)
	}

	h.term.Lines = []string{"nope"}
	if err := b.ResetFailures(context.Background()); err == nil {
		t.Fatal("wrong confirmation accepted")
	}
	h.term.Lines = []string{"bypass"}
	testutil.RequireNoError(t, b.ResetFailures(context.Background()), "reset failures")
	if _, err := unlock(t, h, b, testPass); err != nil {
		t.Fatalf("unlock after manual reset: %v", err)
	}
}

type fakeBiometric struct {
	available bool
	result    BiometricResult
	calls     int
}

func (f *fakeBiometric) Available() bool { return f.available }

func (f *fakeBiometric) Verify(context.Context, string) BiometricResult {
	f.calls++
	return f.result
}

func setupSuperAdmin(t *testing.T, h *harness, bio BiometricVerifier) *SuperAdmin {
	t.Helper()
	s := NewSuperAdmin(SuperAdminConfig{}, bio, h.opts)
	h.term.Secrets = append(h.term.Secrets, "SuperSecretPass1", "SuperSecretPass1")
	testutil.RequireNoError(t, s.Setup(context.Background()), "superadmin setup")
	return s
}

func TestSuperAdminMinimumLength(t *testing.T) {
	h := newHarness(t)
	s := NewSuperAdmin(SuperAdminConfig{MinPassphraseLen: 4}, nil, h.opts)
	testutil.RequireEqual(t, 12, s.Config().MinPassphraseLen, "minimum is never below 12")

	h.term.Secrets = []string{"elevenchars"}
	if err := s.Setup(context.Background()); !errors.Is(err, core.ErrPassphraseTooShort) {
		t.Fatalf("err = %v, want ErrPassphraseTooShort", err)
	}
}

func TestSuperAdminLifetimes(t *testing.T) {
	h := newHarness(t)
	s := setupSuperAdmin(t, h, nil)
	_, err := unlock(t, h, s, "SuperSecretPass1")
	testutil.RequireNoError(t, err, "unlock")

	h.clock.Advance(5*time.Minute - time.Second)
	if !s.IsActive() {
		t.Fatal("inactive before 5m")
	}
	testutil.RequireNoError(t, s.TouchActivity(), "touch")
	h.clock.Advance(5 * time.Minute)
	if s.IsActive() {
		t.Fatal("active after 5m without activity")
	}
}

func TestSuperAdminBiometric(t *testing.T) {
	tests := []struct {
		name       string
		bio        *fakeBiometric
		secrets    []string
		wantErr    error
		wantMethod string
		failures   int
	}{
		{"verified", &fakeBiometric{available: true, result: BiometricVerified}, nil, nil, "biometric", 0},
		{"denied", &fakeBiometric{available: true, result: BiometricDenied}, nil, core.ErrBiometricDenied, "", 1},
		{"unavailable falls back", &fakeBiometric{available: true, result: BiometricUnavailable}, []string{"SuperSecretPass1"}, nil, "passphrase", 0},
		{"not available", &fakeBiometric{available: false}, []string{"SuperSecretPass1"}, nil, "passphrase", 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			s := setupSuperAdmin(t, h, tc.bio)
			h.term.Secrets = append(h.term.Secrets, tc.secrets...)

			res, err := s.Unlock(context.Background())
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
			} else {
				testutil.RequireNoError(t, err, "unlock")
				testutil.RequireEqual(t, tc.wantMethod, res.Method, "method")
			}
			rec, _ := s.Failures()
			testutil.RequireEqual(t, tc.failures, rec.Count, "failures")
		})
	}
}

func TestSuperAdminRequiresTerminalEvenWithBiometric(t *testing.T) {
	h := newHarness(t)
	bio := &fakeBiometric{available: true, result: BiometricVerified}
	s := setupSuperAdmin(t, h, bio)
	h.term.Interactive = false
	if _, err := s.Unlock(context.Background()); !errors.Is(err, core.ErrNotInteractive) {
		t.Fatalf("err = %v, want ErrNotInteractive", err)
	}
	testutil.RequireEqual(t, 0, bio.calls, "biometric calls")
}

func TestTiersAreIndependent(t *testing.T) {
	h := newHarness(t)
	b := setupBypass(t, h)
	s := setupSuperAdmin(t, h, nil)
	_, err := unlock(t, h, b, testPass)
	testutil.RequireNoError(t, err, "bypass unlock")

	if s.IsActive() {
		t.Fatal("bypass unlock activated superadmin")
	}
	// A bypass token copied into the superadmin slot must not verify.
	line, _ := fsutil.ReadFirstLine(b.TokenPath())
	act, _ := fsutil.ReadFirstLine(b.ActivityPath())
	testutil.RequireNoError(t, os.WriteFile(s.TokenPath(), []byte(line), 0600), "copy token")
	testutil.RequireNoError(t, os.WriteFile(s.ActivityPath(), []byte(act), 0600), "copy activity")
	if s.IsActive() {
		t.Fatal("bypass token accepted as superadmin token")
	}
	if !b.IsActive() {
		t.Fatal("bypass token lost")
	}
}

// Scenario: warden is upgraded in place, the manifest no longer matches the
// binary, and the operator reseals it with the current passphrase.
func TestResealAfterUpgrade(t *testing.T) {
	h := newHarness(t)
	exe := filepath.Join(t.TempDir(), "warden")
	testutil.RequireNoError(t, os.WriteFile(exe, []byte("v1\n"), 0700), "write binary")
	b := h.bypass()
	b.integrity.executable = func() (string, error) { return exe, nil }
	h.term.Secrets = []string{testPass, testPass}
	testutil.RequireNoError(t, b.Setup(context.Background()), "setup")

	testutil.RequireNoError(t, os.WriteFile(exe, []byte("v2\n"), 0700), "upgrade binary")
	testutil.RequireEqual(t, StateIntegrityFailure, b.Status().State, "status after upgrade")

	h.term.Secrets = []string{"wrong-passphrase"}
	if err := b.Reseal(context.Background()); !errors.Is(err, core.ErrWrongPassphrase) {
		t.Fatalf("Reseal with wrong passphrase err = %v", err)
	}
	testutil.RequireEqual(t, StateIntegrityFailure, b.Status().State, "status after failed reseal")

	h.term.Secrets = []string{testPass}
	testutil.RequireNoError(t, b.Reseal(context.Background()), "reseal")
	testutil.RequireEqual(t, StateLocked, b.Status().State, "status after reseal")
}

func TestResealRefusesSwappedCredential(t *testing.T) {
	h := newHarness(t)
	b := setupBypass(t, h)

	cred, _ := HashPassphrase("AttackerChosen1")
	testutil.RequireNoError(t, os.WriteFile(b.HashPath(), []byte(cred.String()+"\n"), 0600), "swap hash")

	h.term.Secrets = []string{"AttackerChosen1"}
	if err := b.Reseal(context.Background()); !core.IsIntegrityError(err) {
		t.Fatalf("Reseal err = %v, want IntegrityError", err)
	}
	testutil.RequireLen(t, h.term.Secrets, 1, "passphrase never read")
}

func TestResealNonInteractiveRejected(t *testing.T) {
	h := newHarness(t)
	b := setupBypass(t, h)
	h.term.Interactive = false
	if err := b.Reseal(context.Background()); !errors.Is(err, core.ErrNotInteractive) {
		t.Fatalf("Reseal err = %v, want ErrNotInteractive", err)
	}
}
