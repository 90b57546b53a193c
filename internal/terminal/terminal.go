// Package terminal reads operator input from the controlling terminal.
//
// Prompts never read the process's stdin: an agent driving warden through a
// hook owns stdin, so answers must come from /dev/tty.
package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/utils"
)

// DefaultTimeout bounds every prompt. Callers treat a timeout as "deny".
const DefaultTimeout = 30 * time.Second

// ErrPromptTimeout is returned when the operator did not answer in time.
var ErrPromptTimeout = errors.New("prompt timed out")

// Terminal is the operator-facing input surface.
type Terminal interface {
	// IsInteractive reports whether a real terminal is attached.
	IsInteractive() bool
	// Print writes a message to the operator.
	Print(msg string)
	// ReadSecret prompts and reads a line with echo disabled.
	ReadSecret(ctx context.Context, prompt string) (string, error)
	// ReadLine prompts and reads a line.
	ReadLine(ctx context.Context, prompt string) (string, error)
}

// TTY is the Terminal backed by the controlling terminal device.
type TTY struct {
	Path    string
	Timeout time.Duration
}

// NewTTY returns a TTY on /dev/tty. A zero timeout uses DefaultTimeout.
func NewTTY(timeout time.Duration) *TTY {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &TTY{Path: "/dev/tty", Timeout: timeout}
}

func (t *TTY) open() (*os.File, error) {
	f, err := os.OpenFile(t.Path, os.O_RDWR, 0)
	if err != nil {
		return nil, core.ErrNotInteractive
	}
	if !term.IsTerminal(int(f.Fd())) {
		f.Close()
		return nil, core.ErrNotInteractive
	}
	return f, nil
}

// IsInteractive reports whether the controlling terminal can be opened.
func (t *TTY) IsInteractive() bool {
	f, err := t.open()
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// Print writes msg and a newline to the terminal. Errors are ignored.
func (t *TTY) Print(msg string) {
	f, err := t.open()
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintln(f, msg)
}

type readResult struct {
	text string
	err  error
}

// ReadSecret reads a passphrase with echo disabled.
func (t *TTY) ReadSecret(ctx context.Context, prompt string) (string, error) {
	f, err := t.open()
	if err != nil {
		return "", err
	}
	defer f.Close()

	fd := int(f.Fd())
	state, err := term.GetState(fd)
	if err != nil {
		return "", fmt.Errorf("reading terminal state: %w", err)
	}

	fmt.Fprint(f, PromptStyle.Render(prompt)+" ")
	ch := make(chan readResult, 1)
	go func() {
		b, err := term.ReadPassword(fd)
		ch <- readResult{text: string(b), err: err}
	}()

	text, err := t.wait(ctx, ch)
	fmt.Fprintln(f)
	if err != nil {
		// ReadPassword did not get to restore echo.
		_ = term.Restore(fd, state)
		return "", err
	}
	return text, nil
}

// ReadLine reads one line of input. Control characters are stripped.
func (t *TTY) ReadLine(ctx context.Context, prompt string) (string, error) {
	f, err := t.open()
	if err != nil {
		return "", err
	}
	defer f.Close()

	fmt.Fprint(f, PromptStyle.Render(prompt)+" ")
	ch := make(chan readResult, 1)
	go func() {
		line, err := bufio.NewReader(f).ReadString('\n')
		ch <- readResult{text: line, err: err}
	}()

	text, err := t.wait(ctx, ch)
	if err != nil {
		fmt.Fprintln(f)
		return "", err
	}
	return strings.TrimSpace(utils.SanitizeInput(text)), nil
}

func (t *TTY) wait(ctx context.Context, ch <-chan readResult) (string, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return "", fmt.Errorf("reading terminal: %w", r.err)
		}
		return r.text, nil
	case <-timer.C:
		return "", ErrPromptTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Fake is a scripted Terminal for tests. When a queue runs dry the read
// behaves like a timeout.
type Fake struct {
	mu          sync.Mutex
	Interactive bool
	Secrets     []string
	Lines       []string
	Output      []string
	Prompts     []string
}

// NewFake returns an interactive Fake with queued secrets.
func NewFake(secrets ...string) *Fake {
	return &Fake{Interactive: true, Secrets: secrets}
}

// IsInteractive implements Terminal.
func (f *Fake) IsInteractive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Interactive
}

// Print implements Terminal.
func (f *Fake) Print(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Output = append(f.Output, msg)
}

// ReadSecret implements Terminal.
func (f *Fake) ReadSecret(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Interactive {
		return "", core.ErrNotInteractive
	}
	f.Prompts = append(f.Prompts, prompt)
	if len(f.Secrets) == 0 {
		return "", ErrPromptTimeout
	}
	s := f.Secrets[0]
	f.Secrets = f.Secrets[1:]
	return s, nil
}

// ReadLine implements Terminal.
func (f *Fake) ReadLine(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Interactive {
		return "", core.ErrNotInteractive
	}
	f.Prompts = append(f.Prompts, prompt)
	if len(f.Lines) == 0 {
		return "", ErrPromptTimeout
	}
	s := f.Lines[0]
	f.Lines = f.Lines[1:]
	return s, nil
}

// NonInteractive is a Terminal with nothing attached.
type NonInteractive struct{}

// IsInteractive implements Terminal.
func (NonInteractive) IsInteractive() bool { return false }

// Print implements Terminal.
func (NonInteractive) Print(string) {}

// ReadSecret implements Terminal.
func (NonInteractive) ReadSecret(context.Context, string) (string, error) {
	return "", core.ErrNotInteractive
}

// ReadLine implements Terminal.
func (NonInteractive) ReadLine(context.Context, string) (string, error) {
	return "", core.ErrNotInteractive
}
