// Package cli implements the Cobra command-line interface for warden.
package cli

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/warden/internal/config"
	"github.com/Dicklesworthstone/warden/internal/output"
	"github.com/Dicklesworthstone/warden/internal/policy"
	"github.com/Dicklesworthstone/warden/internal/terminal"
	"github.com/Dicklesworthstone/warden/internal/utils"
)

// Version information set by goreleaser
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flag values
var (
	flagConfig    string
	flagOutput    string
	flagJSON      bool
	flagVerbose   bool
	flagStateDir  string
	flagSessionID string
	flagProject   string
)

// newTerminal opens the controlling terminal for prompts. Tests replace it.
var newTerminal = func(cfg config.Config) terminal.Terminal {
	return terminal.NewTTY(cfg.PromptTimeout())
}

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Pre-execution guard for operations requested by AI agents",
	Long: `warden inspects an agent's tool call before it runs and renders a verdict.

Every operation goes through the same pipeline:
  critical    - built-in patterns that always block
  superadmin  - privileged commands that need a superadmin token
  bypass      - an unlocked bypass token skips the checks below
  domains     - SSRF and domain allow/deny lists for every URL
  heuristics  - obfuscation and evasion detectors for shell commands
  correlator  - write-then-execute chains across a session

Verdicts: ALLOW, WARN, SUPERADMIN_REQUIRED, BLOCK.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if flagVerbose {
			utils.SetLevel("debug")
		}
		if flagProject == "" {
			return nil
		}
		if err := os.Chdir(flagProject); err != nil {
			return fmt.Errorf("changing directory to %s: %w", flagProject, err)
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		showQuickReference(cmd.OutOrStdout())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := newWriter(cmd)
		if err != nil {
			return err
		}
		userPath, projectPath := config.ConfigPaths(mustWorkdir(), flagConfig)
		payload := map[string]any{
			"version":        version,
			"commit":         commit,
			"build_date":     date,
			"go_version":     runtime.Version(),
			"user_config":    userPath,
			"project_config": projectPath,
		}
		if out.Structured() {
			return out.Write(payload)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "warden %s\n", version)
		fmt.Fprintf(w, "  commit:  %s\n", commit)
		fmt.Fprintf(w, "  built:   %s\n", date)
		fmt.Fprintf(w, "  go:      %s\n", runtime.Version())
		fmt.Fprintf(w, "  config:  %s, %s\n", userPath, projectPath)
		return nil
	},
}

// ExitError carries a process exit code. Err may be nil when the command
// already reported its outcome.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps an Execute error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

// Execute runs the root command.
func Execute() error {
	utils.InitDefaultLogger()
	return rootCmd.Execute()
}

// GetOutput returns the configured output format.
// Precedence: CLI flags > WARDEN_OUTPUT_FORMAT env > default
func GetOutput() string {
	if flagJSON {
		return "json"
	}
	if flagOutput != "" && flagOutput != "text" {
		return flagOutput
	}
	if envFormat := os.Getenv("WARDEN_OUTPUT_FORMAT"); envFormat != "" {
		switch envFormat {
		case "json", "yaml", "text":
			return envFormat
		}
	}
	return "text"
}

func newWriter(cmd *cobra.Command) (*output.Writer, error) {
	format, err := output.ParseFormat(GetOutput())
	if err != nil {
		return nil, err
	}
	return output.New(format,
		output.WithOutput(cmd.OutOrStdout()),
		output.WithErrorOutput(cmd.ErrOrStderr()),
	), nil
}

func mustWorkdir() string {
	wd, _ := os.Getwd()
	return wd
}

// flagOverrides maps global flags onto config keys.
func flagOverrides() map[string]any {
	overrides := map[string]any{}
	if flagStateDir != "" {
		overrides["general.state_dir"] = flagStateDir
	}
	if flagVerbose {
		overrides["general.log_level"] = "debug"
	}
	return overrides
}

func loadConfig() (config.Config, error) {
	return config.Load(config.LoadOptions{
		ProjectDir:    mustWorkdir(),
		ConfigPath:    flagConfig,
		FlagOverrides: flagOverrides(),
	})
}

// commandLogger builds the per-invocation logger at the configured level,
// writing to the command's stderr.
func commandLogger(cmd *cobra.Command, cfg config.Config) *log.Logger {
	logger := utils.InitLogger(utils.LoggerOptions{
		Level:  cfg.General.LogLevel,
		Output: cmd.ErrOrStderr(),
		Prefix: "warden",
	})
	utils.SetDefaultLogger(logger)
	return logger
}

// env is what most subcommands need: resolved config, logger and writer.
type env struct {
	cfg    config.Config
	logger *log.Logger
	out    *output.Writer
	term   terminal.Terminal
}

func newEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	out, err := newWriter(cmd)
	if err != nil {
		return nil, err
	}
	return &env{
		cfg:    cfg,
		logger: commandLogger(cmd, cfg),
		out:    out,
		term:   newTerminal(cfg),
	}, nil
}

// policy wires the evaluation context. Callers must Close it.
func (e *env) policy(interactive bool) *policy.Context {
	return policy.Build(e.cfg, policy.BuildOptions{
		Terminal:    e.term,
		Interactive: interactive,
		Logger:      e.logger,
	})
}

// sessionID resolves the session from the flag, then WARDEN_SESSION_ID.
func sessionID(fromDescriptor string) string {
	if flagSessionID != "" {
		return flagSessionID
	}
	if fromDescriptor != "" {
		return fromDescriptor
	}
	return strings.TrimSpace(os.Getenv("WARDEN_SESSION_ID"))
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "project config file path (default .warden/config.toml)")
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "text", "output format: text, json, yaml (env: WARDEN_OUTPUT_FORMAT)")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "shorthand for --output=json")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&flagStateDir, "state-dir", "", "state directory (env: WARDEN_STATE_DIR)")
	rootCmd.PersistentFlags().StringVarP(&flagSessionID, "session-id", "s", "", "session ID (env: WARDEN_SESSION_ID)")
	rootCmd.PersistentFlags().StringVarP(&flagProject, "project", "C", "", "project directory")

	rootCmd.AddCommand(versionCmd)
	registerCompletions()
}
