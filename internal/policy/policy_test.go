package policy

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Dicklesworthstone/warden/internal/config"
	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/db"
	"github.com/Dicklesworthstone/warden/internal/terminal"
	"github.com/Dicklesworthstone/warden/internal/testutil"
)

const testPass = "CorrectHorse1"

type fixture struct {
	t     *testing.T
	cfg   config.Config
	term  *terminal.Fake
	clock *testutil.Clock
	c     *Context
	d     *Dispatcher
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.General.StateDir = testutil.NewStateDir(t)
	for _, m := range mutate {
		m(&cfg)
	}
	f := &fixture{
		t:     t,
		cfg:   cfg,
		term:  terminal.NewFake(),
		clock: testutil.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.c = Build(cfg, BuildOptions{
		Terminal: f.term,
		Logger:   testutil.TestLogger(t),
		Now:      f.clock.Now,
	})
	t.Cleanup(func() { _ = f.c.Close() })
	f.d = New(f.c)
	return f
}

func (f *fixture) eval(op core.Operation) core.Decision {
	f.t.Helper()
	f.clock.Advance(time.Second)
	return f.d.Evaluate(context.Background(), op)
}

func (f *fixture) unlockBypass() {
	f.t.Helper()
	f.term.Secrets = append(f.term.Secrets, testPass, testPass)
	testutil.RequireNoError(f.t, f.c.Bypass.Setup(context.Background()), "bypass setup")
	f.term.Secrets = append(f.term.Secrets, testPass)
	_, err := f.c.Bypass.Unlock(context.Background())
	testutil.RequireNoError(f.t, err, "bypass unlock")
}

func TestEvaluateStages(t *testing.T) {
	tests := []struct {
		name    string
		op      core.Operation
		verdict core.Verdict
		stage   core.Stage
		code    core.ReasonCode
	}{
		{
			name:    "critical pattern",
			op:      testutil.MakeOperation(testutil.WithCommand("rm -rf /")),
			verdict: core.VerdictBlock,
			stage:   core.StageCritical,
			code:    core.ReasonCriticalPattern,
		},
		{
			name:    "superadmin without token",
			op:      testutil.MakeOperation(testutil.WithCommand("sudo apt-get install htop")),
			verdict: core.VerdictSuperAdminRequired,
			stage:   core.StageSuperAdmin,
			code:    core.ReasonSuperAdminRequired,
		},
		{
			name:    "private address",
			op:      testutil.MakeOperation(testutil.WithFetch("http://10.0.0.5/admin")),
			verdict: core.VerdictBlock,
			stage:   core.StageDomain,
			code:    core.ReasonDomainBlocked,
		},
		{
			name:    "unknown domain non-interactive",
			op:      testutil.MakeOperation(testutil.WithFetch("https://unlisted.example.org/page")),
			verdict: core.VerdictWarn,
			stage:   core.StageDomain,
			code:    core.ReasonDomainWarn,
		},
		{
			name:    "base64 into shell",
			op:      testutil.MakeOperation(testutil.WithCommand("echo cm0gLXJmIC8= | base64 -d | sh")),
			verdict: core.VerdictBlock,
			stage:   core.StageHeuristic,
			code:    core.ReasonEvasionDetected,
		},
		{
			name:    "ordinary command",
			op:      testutil.MakeOperation(testutil.WithCommand("ls -la")),
			verdict: core.VerdictAllow,
			stage:   core.StageDefault,
			code:    core.ReasonDefaultAllow,
		},
		{
			name:    "schemeless private host",
			op:      testutil.MakeOperation(testutil.WithCommand("curl 10.0.0.5/admin")),
			verdict: core.VerdictBlock,
			stage:   core.StageDomain,
			code:    core.ReasonDomainBlocked,
		},
		{
			name:    "schemeless loopback port",
			op:      testutil.MakeOperation(testutil.WithCommand("wget 127.0.0.1:6379")),
			verdict: core.VerdictBlock,
			stage:   core.StageDomain,
			code:    core.ReasonDomainBlocked,
		},
		{
			name:    "schemeless localhost",
			op:      testutil.MakeOperation(testutil.WithCommand("curl localhost:2375/containers/json")),
			verdict: core.VerdictBlock,
			stage:   core.StageDomain,
			code:    core.ReasonDomainBlocked,
		},
		{
			name:    "ssh to private host",
			op:      testutil.MakeOperation(testutil.WithCommand("ssh -i ~/.ssh/id_ed25519 ops@192.168.10.4 uptime")),
			verdict: core.VerdictBlock,
			stage:   core.StageDomain,
			code:    core.ReasonDomainBlocked,
		},
		{
			name:    "readme mentioning localhost",
			op:      testutil.MakeOperation(testutil.WithWrite("/home/u/app/README.md", "Start the server and open http://localhost:3000\n")),
			verdict: core.VerdictAllow,
			stage:   core.StageDefault,
			code:    core.ReasonDefaultAllow,
		},
		{
			name:    "source mentioning unknown domain",
			op:      testutil.MakeOperation(testutil.WithWrite("/home/u/app/main.go", `const base = "https://unlisted.example.org/v1"`)),
			verdict: core.VerdictAllow,
			stage:   core.StageDefault,
			code:    core.ReasonDefaultAllow,
		},
		{
			name:    "ordinary write",
			op:      testutil.MakeOperation(testutil.WithWrite("/home/u/notes.md", "rm -rf /")),
			verdict: core.VerdictAllow,
			stage:   core.StageDefault,
			code:    core.ReasonDefaultAllow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			got := f.eval(tt.op)
			testutil.RequireEqual(t, tt.verdict, got.Verdict, "verdict")
			testutil.RequireEqual(t, tt.stage, got.Stage, "stage")
			testutil.RequireEqual(t, tt.code, got.Code, "code")
		})
	}
}

func TestSelfProtectionCoversStateAndConfig(t *testing.T) {
	f := newFixture(t)
	paths := f.cfg.Paths()
	project := t.TempDir()

	blocked := []core.Operation{
		testutil.MakeOperation(testutil.WithWrite(filepath.Join(project, ".warden", "config.toml"), "[heuristics]\nenabled = false\n")),
		testutil.MakeOperation(testutil.WithWrite("/home/u/.warden/config.toml", "[general]\nstate_dir = \"/tmp/x\"\n")),
		testutil.MakeOperation(testutil.WithWrite(filepath.Join(paths.DomainsDir, "custom-safe.txt"), "evil.example\n")),
		testutil.MakeOperation(testutil.WithWrite(filepath.Join(paths.HistoryDir, "agent-1.jsonl"), "")),
		testutil.MakeOperation(testutil.WithCommand("echo evil.example >> ~/.warden/domains/custom-safe.txt")),
		testutil.MakeOperation(testutil.WithCommand("printf '[heuristics]\\nenabled=false\\n' > .warden/config.toml")),
		testutil.MakeOperation(testutil.WithCommand("rm -rf " + paths.HistoryDir)),
		testutil.MakeOperation(testutil.WithCommand("sqlite3 " + paths.AuditDB + " 'delete from audit'")),
		testutil.MakeOperation(testutil.WithCommand("cp /srv/guard/auth/integrity.key /tmp/k")),
		testutil.MakeOperation(func(op *core.Operation) {
			op.Tool = core.ToolRead
			op.Target = "/srv/guard/auth/integrity.key"
			op.Payload = ""
		}),
	}
	for _, op := range blocked {
		got := f.eval(op)
		if got.Verdict != core.VerdictBlock || got.Stage != core.StageCritical {
			t.Errorf("%s %q: got %s at %s, want BLOCK at critical", op.Tool, op.Target+op.Payload, got.Verdict, got.Stage)
		}
	}

	// Reading the configuration stays allowed.
	got := f.eval(testutil.MakeOperation(func(op *core.Operation) {
		op.Tool = core.ToolRead
		op.Target = filepath.Join(project, ".warden", "config.toml")
		op.Payload = ""
	}))
	testutil.RequireEqual(t, core.VerdictAllow, got.Verdict, "read config")
}

func TestSelfProtectionFollowsCustomStateDir(t *testing.T) {
	state := filepath.Join(t.TempDir(), "warden-state")
	lists := filepath.Join(t.TempDir(), "lists")
	f := newFixture(t, func(cfg *config.Config) {
		cfg.General.StateDir = state
		cfg.Domains.ConfigDir = lists
	})

	for _, target := range []string{
		filepath.Join(state, "auth", "bypass.hash"),
		filepath.Join(state, "config.toml"),
		filepath.Join(lists, "custom-safe.txt"),
	} {
		got := f.eval(testutil.MakeOperation(testutil.WithWrite(target, "x")))
		if got.Verdict != core.VerdictBlock || got.Stage != core.StageCritical {
			t.Errorf("write %s: got %s at %s, want BLOCK at critical", target, got.Verdict, got.Stage)
		}
	}
	got := f.eval(testutil.MakeOperation(testutil.WithCommand("cp /tmp/list.txt " + lists + "/custom-safe.txt")))
	testutil.RequireEqual(t, core.VerdictBlock, got.Verdict, "copy into list dir")
}

// Scenario: a project config written by the agent cannot switch stages off
// or move the credential store.
func TestProjectConfigCannotWeakenPipeline(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("WARDEN_STATE_DIR", "")
	project := t.TempDir()

	projectConfig := filepath.Join(project, ".warden", "config.toml")
	for key, val := range map[string]any{
		"general.state_dir":          filepath.Join(project, "forged"),
		"heuristics.enabled":         false,
		"correlator.enabled":         false,
		"domains.interactive":        false,
		"heuristics.block_threshold": 100,
	} {
		testutil.RequireNoError(t, config.WriteValue(projectConfig, key, val), "write project config")
	}

	cfg, err := config.Load(config.LoadOptions{ProjectDir: project})
	testutil.RequireNoError(t, err, "load")
	testutil.RequireEqual(t, filepath.Join(home, ".warden"), cfg.Paths().StateDir, "state dir")

	c := Build(cfg, BuildOptions{Logger: testutil.TestLogger(t)})
	t.Cleanup(func() { _ = c.Close() })
	d := New(c)

	got := d.Evaluate(context.Background(), testutil.MakeOperation(testutil.WithCommand("echo cm0gLXJmIC8= | base64 -d | sh")))
	testutil.RequireEqual(t, core.VerdictBlock, got.Verdict, "verdict")
	testutil.RequireEqual(t, core.StageHeuristic, got.Stage, "stage")
}

// Scenario: a bypass token never lifts a critical pattern.
func TestCriticalIgnoresBypass(t *testing.T) {
	f := newFixture(t)
	f.unlockBypass()

	got := f.eval(testutil.MakeOperation(testutil.WithCommand("rm -rf /")))
	testutil.RequireEqual(t, core.VerdictBlock, got.Verdict, "verdict")
	testutil.RequireEqual(t, core.StageCritical, got.Stage, "stage")
}

func TestBypassAllowsLaterStages(t *testing.T) {
	f := newFixture(t)
	f.unlockBypass()

	got := f.eval(testutil.MakeOperation(testutil.WithCommand("echo cm0gLXJmIC8= | base64 -d | sh")))
	testutil.RequireEqual(t, core.VerdictAllow, got.Verdict, "verdict")
	testutil.RequireEqual(t, core.ReasonBypassToken, got.Code, "code")

	// Bypass does not cover superadmin patterns.
	got = f.eval(testutil.MakeOperation(testutil.WithCommand("sudo reboot")))
	testutil.RequireEqual(t, core.VerdictSuperAdminRequired, got.Verdict, "superadmin verdict")
}

func TestSuperAdminTokenAllows(t *testing.T) {
	f := newFixture(t)
	const pass = "a-much-longer-passphrase"
	f.term.Secrets = append(f.term.Secrets, pass, pass)
	testutil.RequireNoError(t, f.c.SuperAdmin.Setup(context.Background()), "setup")
	f.term.Secrets = append(f.term.Secrets, pass)
	_, err := f.c.SuperAdmin.Unlock(context.Background())
	testutil.RequireNoError(t, err, "unlock")

	got := f.eval(testutil.MakeOperation(testutil.WithCommand("sudo systemctl stop nginx")))
	testutil.RequireEqual(t, core.VerdictAllow, got.Verdict, "verdict")
	testutil.RequireEqual(t, core.StageSuperAdmin, got.Stage, "stage")
	testutil.RequireEqual(t, core.ReasonSuperAdminToken, got.Code, "code")

	// The token lifts the superadmin requirement, not the later stages.
	got = f.eval(testutil.MakeOperation(testutil.WithCommand("sudo sh -c 'echo cm0gLXJmIC8= | base64 -d | sh'")))
	testutil.RequireEqual(t, core.VerdictBlock, got.Verdict, "decoded payload verdict")
	testutil.RequireEqual(t, core.StageHeuristic, got.Stage, "decoded payload stage")

	got = f.eval(testutil.MakeOperation(testutil.WithCommand("sudo curl -s 10.0.0.5/admin")))
	testutil.RequireEqual(t, core.VerdictBlock, got.Verdict, "private host verdict")
	testutil.RequireEqual(t, core.StageDomain, got.Stage, "private host stage")
}

// Scenario: a script dropped in /tmp and then run is blocked on the run.
func TestWriteThenExecute(t *testing.T) {
	f := newFixture(t)
	session := testutil.WithSession("agent-1")

	first := f.eval(testutil.MakeOperation(session, testutil.WithWrite("/tmp/x.sh", "#!/bin/sh\necho hi\n")))
	testutil.RequireEqual(t, core.VerdictAllow, first.Verdict, "write verdict")

	got := f.eval(testutil.MakeOperation(session, testutil.WithCommand("bash /tmp/x.sh")))
	testutil.RequireEqual(t, core.VerdictBlock, got.Verdict, "execute verdict")
	testutil.RequireEqual(t, core.StageCorrelator, got.Stage, "stage")
	testutil.RequireEqual(t, core.ReasonCorrelationDetected, got.Code, "code")

	// A different session starts clean.
	other := f.eval(testutil.MakeOperation(testutil.WithSession("agent-2"), testutil.WithCommand("bash /tmp/x.sh")))
	testutil.RequireEqual(t, core.VerdictAllow, other.Verdict, "other session")
}

func TestHistoryRecordedEvenWhenBlockedOrBypassed(t *testing.T) {
	f := newFixture(t)
	f.eval(testutil.MakeOperation(testutil.WithSession("s"), testutil.WithCommand("rm -rf /")))
	f.unlockBypass()
	f.eval(testutil.MakeOperation(testutil.WithSession("s"), testutil.WithCommand("ls")))

	entries, err := f.c.Correlator.History("s")
	testutil.RequireNoError(t, err, "history")
	testutil.RequireLen(t, entries, 2, "history entries")
}

func TestEveryDecisionAudited(t *testing.T) {
	f := newFixture(t)
	f.eval(testutil.MakeOperation(testutil.WithSession("s"), testutil.WithCommand("ls")))
	f.eval(testutil.MakeOperation(testutil.WithSession("s"), testutil.WithCommand("rm -rf /")))

	if f.c.DB() == nil {
		t.Fatal("expected audit database to be open")
	}
	entries, err := f.c.DB().ListAudit(db.AuditFilter{SessionID: "s"})
	testutil.RequireNoError(t, err, "list audit")
	testutil.RequireLen(t, entries, 2, "audit rows")
	testutil.RequireEqual(t, core.VerdictBlock, entries[0].Verdict, "newest first")
	testutil.RequireEqual(t, core.StageCritical, entries[0].Stage, "stage")
}

func TestDisabledStages(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Heuristics.Enabled = false
		cfg.Correlator.Enabled = false
		cfg.Audit.Enabled = false
	})
	if f.c.Scanner != nil || f.c.Correlator != nil || f.c.DB() != nil {
		t.Fatal("expected disabled components to be nil")
	}
	got := f.eval(testutil.MakeOperation(testutil.WithCommand("echo cm0gLXJmIC8= | base64 -d | sh")))
	testutil.RequireEqual(t, core.VerdictAllow, got.Verdict, "verdict")
}

func TestAllDetectorsDisabledSkipsScanner(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Heuristics.DisabledDetectors = []string{"encoding", "variable_substitution", "obfuscation", "indirect_execution", "network_evasion"}
	})
	if f.c.Scanner != nil {
		t.Fatal("expected no scanner")
	}
}

func TestGuardMapsPanics(t *testing.T) {
	f := newFixture(t)
	boom := func() *core.Decision { panic("boom") }

	res := f.d.guard(core.StageCritical, core.VerdictBlock, boom)
	if res == nil {
		t.Fatal("expected a decision")
	}
	testutil.RequireEqual(t, core.VerdictBlock, res.Verdict, "critical fails secure")
	testutil.RequireEqual(t, core.ReasonStageError, res.Code, "code")

	res = f.d.guard(core.StageHeuristic, core.VerdictWarn, boom)
	testutil.RequireEqual(t, core.VerdictWarn, res.Verdict, "heuristic warns")

	if res := f.d.guard(core.StageCorrelator, 0, boom); res != nil {
		t.Fatalf("correlator should fail open, got %+v", res)
	}
}

func TestEvaluateFillsTimestamp(t *testing.T) {
	f := newFixture(t)
	op := testutil.MakeOperation(testutil.WithSession("ts"), testutil.WithCommand("ls"))
	f.eval(op)

	entries, err := f.c.DB().ListAudit(db.AuditFilter{SessionID: "ts"})
	testutil.RequireNoError(t, err, "list audit")
	testutil.RequireLen(t, entries, 1, "audit rows")
	testutil.RequireEqual(t, f.clock.Now().Unix(), entries[0].Time.Unix(), "timestamp")
}
