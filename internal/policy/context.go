package policy

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/Dicklesworthstone/warden/internal/auth"
	"github.com/Dicklesworthstone/warden/internal/config"
	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/correlator"
	"github.com/Dicklesworthstone/warden/internal/db"
	"github.com/Dicklesworthstone/warden/internal/domain"
	"github.com/Dicklesworthstone/warden/internal/heuristic"
	"github.com/Dicklesworthstone/warden/internal/terminal"
	"github.com/Dicklesworthstone/warden/internal/utils"
)

// Context holds everything one evaluation needs. It is built once per
// process and passed by reference; nothing in it is global.
type Context struct {
	Config     config.Config
	Matcher    *core.Matcher
	Bypass     *auth.Bypass
	SuperAdmin *auth.SuperAdmin
	// Domains, Scanner and Correlator may be nil to skip their stage.
	Domains    *domain.Validator
	Scanner    *heuristic.Scanner
	Correlator *correlator.Correlator
	Audit      AuditSink
	// Interactive allows the domain stage to prompt the operator.
	Interactive bool
	Logger      *log.Logger
	Now         func() time.Time

	db *db.DB
}

// BuildOptions are the process-level collaborators for Build.
type BuildOptions struct {
	Terminal    terminal.Terminal
	Interactive bool
	Logger      *log.Logger
	Now         func() time.Time
}

// Build wires every component from cfg. An audit database that cannot be
// opened is logged and replaced by a no-op sink.
func Build(cfg config.Config, opts BuildOptions) *Context {
	logger := utils.LoggerOrDefault(opts.Logger, "policy")
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	term := opts.Terminal
	if term == nil {
		term = terminal.NonInteractive{}
	}
	paths := cfg.Paths()

	bypass, superAdmin := newTiers(cfg, term, now, logger)
	c := &Context{
		Config:     cfg,
		Matcher:    core.NewMatcher(paths.StateDir, paths.DomainsDir, paths.AuditDB),
		Bypass:     bypass,
		SuperAdmin: superAdmin,
		Domains: domain.NewValidator(
			domain.NewStore(paths.DomainsDir, logger.WithPrefix("domains")),
			domain.NewSessionStore(paths.SessionsDir),
			term,
			logger.WithPrefix("domains"),
		),
		Audit:       NoopAudit{},
		Interactive: opts.Interactive && cfg.Domains.Interactive,
		Logger:      logger,
		Now:         now,
	}

	if cfg.Heuristics.Enabled {
		if detectors := heuristic.EnabledDetectors(cfg.Heuristics.DisabledDetectors); len(detectors) > 0 {
			c.Scanner = heuristic.NewScanner(heuristic.Options{
				WarnThreshold:  cfg.Heuristics.WarnThreshold,
				BlockThreshold: cfg.Heuristics.BlockThreshold,
				Logger:         logger.WithPrefix("heuristic"),
			}, detectors...)
		}
	}
	if cfg.Correlator.Enabled {
		c.Correlator = correlator.New(correlator.Options{
			Dir:        paths.HistoryDir,
			WindowSize: cfg.Correlator.WindowSize,
			TTL:        config.Minutes(cfg.Correlator.TTLMins),
			Now:        now,
			Logger:     logger.WithPrefix("correlator"),
		})
	}
	if cfg.Audit.Enabled {
		database, err := db.OpenAndMigrate(paths.AuditDB)
		if err != nil {
			logger.Warn("audit store unavailable", "path", paths.AuditDB, "error", err)
		} else {
			c.db = database
			c.Audit = &DBAudit{DB: database, Now: now}
		}
	}
	return c
}

// Tiers builds only the two auth tiers, for commands that manage
// credentials without evaluating anything.
func Tiers(cfg config.Config, opts BuildOptions) (*auth.Bypass, *auth.SuperAdmin) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	term := opts.Terminal
	if term == nil {
		term = terminal.NonInteractive{}
	}
	return newTiers(cfg, term, now, utils.LoggerOrDefault(opts.Logger, "policy"))
}

func newTiers(cfg config.Config, term terminal.Terminal, now func() time.Time, logger *log.Logger) (*auth.Bypass, *auth.SuperAdmin) {
	opts := auth.Options{Dir: cfg.Paths().AuthDir, Terminal: term, Now: now, Logger: logger.WithPrefix("auth")}
	bypass := auth.NewBypass(auth.BypassConfig{
		MaxDuration:      config.Minutes(cfg.Bypass.MaxDurationMins),
		Inactivity:       config.Minutes(cfg.Bypass.InactivityMins),
		MinPassphraseLen: cfg.Bypass.MinPassphraseLength,
	}, opts)
	superAdmin := auth.NewSuperAdmin(auth.SuperAdminConfig{
		MaxDuration:      config.Minutes(cfg.SuperAdmin.MaxDurationMins),
		Inactivity:       config.Minutes(cfg.SuperAdmin.InactivityMins),
		MinPassphraseLen: cfg.SuperAdmin.MinPassphraseLength,
	}, auth.NewBiometric(cfg.SuperAdmin.BiometricCommand), opts)
	return bypass, superAdmin
}

// DB returns the audit database, or nil when auditing is off or failed to
// open.
func (c *Context) DB() *db.DB { return c.db }

// Close releases the audit database.
func (c *Context) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}
