package auth

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/mattn/go-shellwords"
)

// BiometricResult is the outcome of a biometric check.
type BiometricResult int

const (
	BiometricUnavailable BiometricResult = iota
	BiometricVerified
	BiometricDenied
)

func (r BiometricResult) String() string {
	switch r {
	case BiometricVerified:
		return "verified"
	case BiometricDenied:
		return "denied"
	default:
		return "unavailable"
	}
}

// BiometricVerifier is an optional external verification step for the
// superadmin tier. Unavailable always falls back to the passphrase.
type BiometricVerifier interface {
	Available() bool
	Verify(ctx context.Context, prompt string) BiometricResult
}

// NoopBiometric is never available.
type NoopBiometric struct{}

// Available implements BiometricVerifier.
func (NoopBiometric) Available() bool { return false }

// Verify implements BiometricVerifier.
func (NoopBiometric) Verify(context.Context, string) BiometricResult { return BiometricUnavailable }

// CommandBiometric runs an external command: exit 0 is verified, exit 1 is
// denied, anything else is unavailable. The prompt is passed in
// WARDEN_BIOMETRIC_PROMPT.
type CommandBiometric struct {
	Command string
	Timeout time.Duration
}

// NewBiometric returns a CommandBiometric for a non-empty command line and
// NoopBiometric otherwise.
func NewBiometric(command string) BiometricVerifier {
	if command == "" {
		return NoopBiometric{}
	}
	return &CommandBiometric{Command: command, Timeout: 60 * time.Second}
}

func (c *CommandBiometric) argv() []string {
	argv, err := shellwords.Parse(c.Command)
	if err != nil || len(argv) == 0 {
		return nil
	}
	return argv
}

// Available reports whether the command resolves on PATH.
func (c *CommandBiometric) Available() bool {
	argv := c.argv()
	if argv == nil {
		return false
	}
	_, err := exec.LookPath(argv[0])
	return err == nil
}

// Verify runs the command.
func (c *CommandBiometric) Verify(ctx context.Context, prompt string) BiometricResult {
	argv := c.argv()
	if argv == nil {
		return BiometricUnavailable
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), "WARDEN_BIOMETRIC_PROMPT="+prompt)
	err := cmd.Run()
	if err == nil {
		return BiometricVerified
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && ctx.Err() == nil {
		return BiometricDenied
	}
	return BiometricUnavailable
}
