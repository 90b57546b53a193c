package cli

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/warden/internal/domain"
)

var completionCmd = &cobra.Command{
	Use:       "completion [bash|zsh|fish|powershell]",
	Short:     "Generate shell completion scripts",
	Args:      cobra.ExactValidArgs(1),
	ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletion(out)
		case "zsh":
			return rootCmd.GenZshCompletion(out)
		case "fish":
			return rootCmd.GenFishCompletion(out, true)
		case "powershell":
			return rootCmd.GenPowerShellCompletionWithDesc(out)
		default:
			return nil
		}
	},
}

// registerCompletions runs from root's init, after every flag it names has
// been defined.
func registerCompletions() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(completionCmd)

	// Best-effort dynamic completion for session IDs and list names.
	_ = rootCmd.RegisterFlagCompletionFunc("session-id", completeSessionIDs)
	_ = domainsAddCmd.RegisterFlagCompletionFunc("list", completeCustomLists)
	_ = domainsRemoveCmd.RegisterFlagCompletionFunc("list", completeCustomLists)
}

// completeSessionIDs offers the sessions that have correlator history.
// Session IDs that are not filename-safe are stored hashed and are skipped.
func completeSessionIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	entries, err := os.ReadDir(cfg.Paths().HistoryDir)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".jsonl" {
			continue
		}
		id := strings.TrimSuffix(name, ".jsonl")
		if strings.HasPrefix(id, "h-") {
			continue
		}
		if toComplete != "" && !strings.HasPrefix(id, toComplete) {
			continue
		}
		out = append(out, id)
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}

func completeCustomLists(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	var out []string
	for _, l := range domain.AllLists {
		if l.Tier() == 3 && strings.HasPrefix(string(l), toComplete) {
			out = append(out, string(l))
		}
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}
