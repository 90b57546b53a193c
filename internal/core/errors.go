package core

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by the auth tiers.
var (
	ErrNotConfigured      = errors.New("not configured")
	ErrAlreadyConfigured  = errors.New("already configured")
	ErrNotInteractive     = errors.New("an interactive terminal is required")
	ErrWrongPassphrase    = errors.New("wrong passphrase")
	ErrPassphraseMismatch = errors.New("passphrases do not match")
	ErrPassphraseTooShort = errors.New("passphrase too short")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrBiometricDenied    = errors.New("biometric verification denied")
)

// ConfigurationError reports missing or malformed configuration. Stages map
// it to their documented fail-secure or fail-open default.
type ConfigurationError struct {
	Component string
	Err       error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: configuration error: %v", e.Component, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// AuthenticationError is a denied credential or token. It always denies.
type AuthenticationError struct {
	Tier string
	Err  error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Tier, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// IntegrityError means the auth subsystem's own files no longer match their
// recorded checksums. The whole tier is disabled, not just one call.
type IntegrityError struct {
	Path string
	Err  error
}

func (e *IntegrityError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("integrity check failed: %v", e.Err)
	}
	return fmt.Sprintf("integrity check failed for %s: %v", e.Path, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// RateLimitError is returned while a failure lockout is active.
type RateLimitError struct {
	Tier       string
	Failures   int
	Remaining  time.Duration
	Indefinite bool
}

func (e *RateLimitError) Error() string {
	if e.Indefinite {
		return fmt.Sprintf("%s: locked out after %d failures until manual reset", e.Tier, e.Failures)
	}
	return fmt.Sprintf("%s: locked out after %d failures, retry in %s", e.Tier, e.Failures, e.Remaining.Round(time.Second))
}

// ValidationError is a malformed line in a list file. The line is skipped and
// the rest of the file stays usable.
type ValidationError struct {
	File   string
	Line   int
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s:%d: invalid entry %q: %s", e.File, e.Line, e.Value, e.Reason)
}

// IsIntegrityError reports whether err wraps an IntegrityError.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// AsRateLimit extracts a RateLimitError from err.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
