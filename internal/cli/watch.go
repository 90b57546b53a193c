package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/warden/internal/terminal"
	"github.com/Dicklesworthstone/warden/internal/utils"
	"github.com/Dicklesworthstone/warden/internal/watch"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the auth state for tampering",
	Long: `Watch <state_dir>/auth and re-verify the integrity manifest whenever a
credential, failure counter or the manifest itself changes.

Failures are logged to stderr and <state_dir>/watch.log and recorded in the
audit store (see 'warden audit integrity'). With --json every check is
streamed as one JSON object per line.

Runs until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Handle SIGINT/SIGTERM for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	paths := e.cfg.Paths()
	logger, closer, err := utils.InitWatchLogger(paths.StateDir, e.cfg.General.LogLevel)
	if err != nil {
		return err
	}
	defer closer.Close()

	w, err := watch.NewWatcher(watch.Options{
		AuthDir:  paths.AuthDir,
		Debounce: time.Duration(e.cfg.Watch.DebounceMillis) * time.Millisecond,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer w.Stop()

	var sink watch.EventSink
	if e.cfg.Audit.Enabled {
		database, err := openAudit(e)
		if err != nil {
			logger.Warn("integrity events will not be recorded", "error", err)
		} else {
			defer database.Close()
			sink = database
		}
	}

	logger.Info("watching", "dir", paths.AuthDir)
	return watch.NewMonitor(w, sink, logger).Run(ctx, func(r watch.Report) {
		if e.out.Structured() {
			_ = e.out.WriteNDJSON(r)
			return
		}
		if r.OK {
			e.out.Textf("%s %s %s", r.Time.Local().Format(time.TimeOnly), terminal.StateBadge("ok"), r.Trigger)
			return
		}
		e.out.Textf("%s %s %s", r.Time.Local().Format(time.TimeOnly), terminal.StateBadge("integrity_failure"),
			terminal.ErrorStyle.Render(r.Detail))
	})
}
