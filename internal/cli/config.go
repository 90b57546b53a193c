package cli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/warden/internal/config"
)

var (
	flagConfigGlobal bool
)

func init() {
	configCmd.PersistentFlags().BoolVar(&flagConfigGlobal, "global", false, "operate on user config (~/.warden/config.toml)")

	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
	configCmd.AddCommand(configEditCmd)

	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or modify warden configuration",
	Long: `Show the resolved configuration.

Values are layered: built-in defaults, ~/.warden/config.toml, the project's
.warden/config.toml (or --config), WARDEN_* environment variables, then
command-line flags. The project file only accepts general.log_level,
general.prompt_timeout_seconds and watch.debounce_ms; everything else
belongs in the user file (config set --global).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := newWriter(cmd)
		if err != nil {
			return err
		}
		if out.Structured() {
			return out.Write(cfg)
		}
		rows := make([][]string, 0, len(config.Keys()))
		for _, key := range config.Keys() {
			val, _ := config.GetValue(cfg, key)
			rows = append(rows, []string{key, fmt.Sprint(val)})
		}
		out.Table([]string{"KEY", "VALUE"}, rows)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		val, ok := config.GetValue(cfg, args[0])
		if !ok {
			return fmt.Errorf("unknown key %q (see `warden config keys`)", args[0])
		}
		out, err := newWriter(cmd)
		if err != nil {
			return err
		}
		if out.Structured() {
			return out.Write(map[string]any{
				"key":   args[0],
				"value": val,
			})
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), val)
		return err
	},
}

func configTarget() string {
	userPath, projectPath := config.ConfigPaths(mustWorkdir(), flagConfig)
	if flagConfigGlobal {
		return userPath
	}
	return projectPath
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in the project (or --global) config file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := configTarget()
		if !flagConfigGlobal && !config.ProjectSettable(args[0]) {
			return fmt.Errorf("%s can only be set in the user config; rerun with --global", args[0])
		}
		value, err := config.ParseValue(args[0], args[1])
		if err != nil {
			return err
		}
		if err := config.WriteValue(target, args[0], value); err != nil {
			return err
		}

		out, err := newWriter(cmd)
		if err != nil {
			return err
		}
		if out.Structured() {
			return out.Write(map[string]any{
				"path":  target,
				"key":   args[0],
				"value": value,
			})
		}
		out.Success(fmt.Sprintf("%s = %v (%s)", args[0], value, target))
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List every configuration key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), strings.Join(config.Keys(), "\n"))
		return err
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open the config file in $EDITOR (default: vi)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		target := configTarget()

		// Seed a missing file so the editor opens something meaningful.
		if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
			if err := config.WriteValue(target, "general.log_level", config.DefaultConfig().General.LogLevel); err != nil {
				return err
			}
		} else if err != nil {
			return fmt.Errorf("stat %s: %w", target, err)
		}

		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "vi"
		}
		argv, err := shellwords.Parse(editor)
		if err != nil || len(argv) == 0 {
			return fmt.Errorf("invalid $EDITOR %q", editor)
		}
		editCmd := exec.Command(argv[0], append(argv[1:], target)...)
		editCmd.Stdin = os.Stdin
		editCmd.Stdout = os.Stdout
		editCmd.Stderr = os.Stderr
		return editCmd.Run()
	},
}
