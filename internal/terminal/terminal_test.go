package terminal

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Dicklesworthstone/warden/internal/core"
)

func TestFakeQueues(t *testing.T) {
	f := NewFake("first", "second")
	f.Lines = []string{"a"}
	ctx := context.Background()

	for _, want := range []string{"first", "second"} {
		got, err := f.ReadSecret(ctx, "Passphrase:")
		if err != nil || got != want {
			t.Fatalf("ReadSecret = %q, %v; want %q", got, err, want)
		}
	}
	if _, err := f.ReadSecret(ctx, "Passphrase:"); !errors.Is(err, ErrPromptTimeout) {
		t.Fatalf("empty queue err = %v, want ErrPromptTimeout", err)
	}

	line, err := f.ReadLine(ctx, "Choice:")
	if err != nil || line != "a" {
		t.Fatalf("ReadLine = %q, %v", line, err)
	}
	if len(f.Prompts) != 4 {
		t.Errorf("recorded %d prompts, want 4", len(f.Prompts))
	}
}

func TestFakeNonInteractive(t *testing.T) {
	f := NewFake("secret")
	f.Interactive = false
	if _, err := f.ReadSecret(context.Background(), "x"); !errors.Is(err, core.ErrNotInteractive) {
		t.Fatalf("err = %v, want ErrNotInteractive", err)
	}
}

func TestNonInteractive(t *testing.T) {
	var term Terminal = NonInteractive{}
	if term.IsInteractive() {
		t.Fatal("NonInteractive reports interactive")
	}
	if _, err := term.ReadLine(context.Background(), "x"); !errors.Is(err, core.ErrNotInteractive) {
		t.Fatalf("err = %v, want ErrNotInteractive", err)
	}
}

func TestTTYMissingDevice(t *testing.T) {
	tty := NewTTY(0)
	tty.Path = filepath.Join(t.TempDir(), "no-tty")

	if tty.IsInteractive() {
		t.Fatal("missing device should not be interactive")
	}
	if _, err := tty.ReadSecret(context.Background(), "x"); !errors.Is(err, core.ErrNotInteractive) {
		t.Fatalf("ReadSecret err = %v, want ErrNotInteractive", err)
	}
	if tty.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", tty.Timeout, DefaultTimeout)
	}
}

func TestVerdictBadge(t *testing.T) {
	for _, v := range []core.Verdict{core.VerdictAllow, core.VerdictWarn, core.VerdictSuperAdminRequired, core.VerdictBlock} {
		if got := VerdictBadge(v); !strings.Contains(got, v.String()) {
			t.Errorf("VerdictBadge(%s) = %q", v, got)
		}
	}
}
