package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/warden/internal/auth"
	"github.com/Dicklesworthstone/warden/internal/config"
	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/correlator"
	"github.com/Dicklesworthstone/warden/internal/db"
	"github.com/Dicklesworthstone/warden/internal/terminal"
	"github.com/Dicklesworthstone/warden/internal/utils"
)

var (
	flagAuditVerdict string
	flagAuditStage   string
	flagAuditSince   string
	flagAuditLimit   int
	flagAuditDays    int
)

func init() {
	historyCmd.AddCommand(historyClearCmd)

	auditCmd.Flags().StringVar(&flagAuditVerdict, "verdict", "", "filter by verdict (allow, warn, superadmin_required, block)")
	auditCmd.Flags().StringVar(&flagAuditStage, "stage", "", "filter by stage (critical, superadmin, bypass, domain, heuristic, correlator, default)")
	auditCmd.Flags().StringVar(&flagAuditSince, "since", "", "only show decisions after this date (RFC3339 or YYYY-MM-DD)")
	auditCmd.Flags().IntVar(&flagAuditLimit, "limit", 50, "max results to return")
	auditPruneCmd.Flags().IntVar(&flagAuditDays, "days", 0, "delete entries older than this many days (default audit.retention_days)")
	auditIntegrityCmd.Flags().IntVar(&flagAuditLimit, "limit", 50, "max results to return")

	auditCmd.AddCommand(auditPruneCmd)
	auditCmd.AddCommand(auditIntegrityCmd)

	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(auditCmd)
}

func newCorrelator(e *env) *correlator.Correlator {
	return correlator.New(correlator.Options{
		Dir:        e.cfg.Paths().HistoryDir,
		WindowSize: e.cfg.Correlator.WindowSize,
		TTL:        config.Minutes(e.cfg.Correlator.TTLMins),
		Logger:     e.logger.WithPrefix("correlator"),
	})
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the correlator's operation window for a session",
	Long: `Show the recent operations the correlator remembers for one session,
with the write, download, chmod and execute events extracted from each.

Examples:
  warden history -s abc123
  WARDEN_SESSION_ID=abc123 warden history --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd)
		if err != nil {
			return err
		}
		sid := sessionID("")
		entries, err := newCorrelator(e).History(sid)
		if err != nil {
			return fmt.Errorf("reading history: %w", err)
		}
		if e.out.Structured() {
			if entries == nil {
				entries = []correlator.Entry{}
			}
			return e.out.Write(entries)
		}
		if len(entries) == 0 {
			e.out.Textf("no history for session %q", displaySession(sid))
			return nil
		}
		rows := make([][]string, 0, len(entries))
		for _, en := range entries {
			kinds := make([]string, 0, len(en.Events))
			for _, ev := range en.Events {
				kinds = append(kinds, string(ev.Kind))
			}
			rows = append(rows, []string{
				en.Time().Local().Format(time.TimeOnly),
				string(en.Tool),
				utils.Cell(en.Target, 60),
				strings.Join(kinds, ","),
			})
		}
		e.out.Table([]string{"TIME", "TOOL", "TARGET", "EVENTS"}, rows)
		return nil
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget the recorded operations of a session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd)
		if err != nil {
			return err
		}
		sid := sessionID("")
		if err := newCorrelator(e).Store().Clear(sid); err != nil {
			return fmt.Errorf("clearing history: %w", err)
		}
		e.out.Success(fmt.Sprintf("cleared history for session %q", displaySession(sid)))
		return nil
	},
}

func displaySession(sid string) string {
	if sid == "" {
		return "default"
	}
	return sid
}

func openAudit(e *env) (*db.DB, error) {
	path := e.cfg.Paths().AuditDB
	database, err := db.OpenAndMigrate(path)
	if err != nil {
		return nil, fmt.Errorf("opening audit store %s: %w", path, err)
	}
	return database, nil
}

// parseSince accepts RFC3339 or a bare date.
func parseSince(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: want RFC3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

func auditFilter() (db.AuditFilter, error) {
	f := db.AuditFilter{SessionID: flagSessionID, Limit: flagAuditLimit, Stage: core.Stage(flagAuditStage)}
	if flagAuditVerdict != "" {
		v, err := core.ParseVerdict(flagAuditVerdict)
		if err != nil {
			return f, err
		}
		f.Verdict = v
	}
	since, err := parseSince(flagAuditSince)
	if err != nil {
		return f, err
	}
	f.Since = since
	return f, nil
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Browse recorded decisions",
	Long: `Browse the decisions recorded in the audit store, newest first.

Examples:
  warden audit --limit 20
  warden audit --verdict block --since 2026-03-01
  warden audit -s abc123 --stage correlator --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd)
		if err != nil {
			return err
		}
		filter, err := auditFilter()
		if err != nil {
			return err
		}
		database, err := openAudit(e)
		if err != nil {
			return err
		}
		defer database.Close()

		entries, err := database.ListAudit(filter)
		if err != nil {
			return fmt.Errorf("listing audit entries: %w", err)
		}
		if e.out.Structured() {
			if entries == nil {
				entries = []*db.AuditEntry{}
			}
			return e.out.Write(entries)
		}
		if len(entries) == 0 {
			e.out.Textf("no audit entries")
			return nil
		}
		rows := make([][]string, 0, len(entries))
		for _, en := range entries {
			rows = append(rows, []string{
				en.Time.Local().Format(time.DateTime),
				terminal.VerdictBadge(en.Verdict),
				string(en.Stage),
				string(en.Tool),
				utils.Cell(en.Target, 48),
				utils.Cell(en.Reason, 60),
			})
		}
		e.out.Table([]string{"TIME", "VERDICT", "STAGE", "TOOL", "TARGET", "REASON"}, rows)
		return nil
	},
}

var auditPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete audit entries past the retention window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd)
		if err != nil {
			return err
		}
		days := flagAuditDays
		if days <= 0 {
			days = e.cfg.Audit.RetentionDays
		}
		if days <= 0 {
			return fmt.Errorf("retention must be at least one day")
		}
		database, err := openAudit(e)
		if err != nil {
			return err
		}
		defer database.Close()

		n, err := database.PruneAudit(time.Now().AddDate(0, 0, -days))
		if err != nil {
			return fmt.Errorf("pruning audit entries: %w", err)
		}
		if e.out.Structured() {
			return e.out.Write(map[string]any{"deleted": n, "retention_days": days})
		}
		e.out.Success(fmt.Sprintf("deleted %d entries older than %d days", n, days))
		return nil
	},
}

type manifestEntry struct {
	File   string `json:"file"`
	SHA256 string `json:"sha256"`
}

type integrityView struct {
	Verified bool                 `json:"verified"`
	Error    string               `json:"error,omitempty"`
	Manifest []manifestEntry      `json:"manifest"`
	Events   []*db.IntegrityEvent `json:"events"`
}

var auditIntegrityCmd = &cobra.Command{
	Use:   "integrity",
	Short: "Verify the auth manifest and list detected tampering",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd)
		if err != nil {
			return err
		}

		view := integrityView{Verified: true, Manifest: []manifestEntry{}, Events: []*db.IntegrityEvent{}}
		integrity := auth.NewIntegrity(e.cfg.Paths().AuthDir)
		if err := integrity.Verify(); err != nil {
			view.Verified = false
			view.Error = err.Error()
		}
		if entries, err := integrity.Entries(); err == nil {
			for _, en := range entries {
				view.Manifest = append(view.Manifest, manifestEntry{File: en[0], SHA256: en[1]})
			}
		}

		database, err := openAudit(e)
		if err != nil {
			return err
		}
		defer database.Close()
		events, err := database.ListIntegrityEvents(flagAuditLimit)
		if err != nil {
			return fmt.Errorf("listing integrity events: %w", err)
		}
		if events != nil {
			view.Events = events
		}

		if e.out.Structured() {
			return e.out.Write(view)
		}
		state := "ok"
		if !view.Verified {
			state = "integrity_failure"
		}
		e.out.Textf("%s %s", terminal.StateBadge(state), utils.SanitizeInput(view.Error))
		for _, m := range view.Manifest {
			e.out.Textf("  %s  %s", m.SHA256[:min(12, len(m.SHA256))], m.File)
		}
		if len(view.Events) == 0 {
			e.out.Textf("no integrity events")
			return nil
		}
		rows := make([][]string, 0, len(view.Events))
		for _, ev := range view.Events {
			rows = append(rows, []string{ev.Time.Local().Format(time.DateTime), ev.Path, utils.Cell(ev.Detail, 80)})
		}
		e.out.Table([]string{"TIME", "FILE", "DETAIL"}, rows)
		return nil
	},
}
