package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/terminal"
)

var (
	flagPatternTier       string
	flagPatternOutputFile string
)

func init() {
	patternsListCmd.Flags().StringVarP(&flagPatternTier, "tier", "T", "", "tier to show: critical or superadmin")
	patternsExportCmd.Flags().StringVarP(&flagPatternOutputFile, "file", "f", "", "write to a file instead of stdout")

	patternsCmd.AddCommand(patternsListCmd)
	patternsCmd.AddCommand(patternsTestCmd)
	patternsCmd.AddCommand(patternsExportCmd)

	rootCmd.AddCommand(patternsCmd)
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Show the built-in critical and superadmin patterns",
	Long: `Show the compiled-in deny patterns.

  critical    - always BLOCK, no token overrides them
  superadmin  - SUPERADMIN_REQUIRED unless a superadmin token is live

The pattern sets are compiled in. There is no command to add or remove
patterns at runtime.`,
}

func parsePatternTier(s string) (core.Tier, error) {
	switch core.Tier(s) {
	case core.TierCritical, core.TierSuperAdmin:
		return core.Tier(s), nil
	}
	return "", fmt.Errorf("invalid tier: %s (must be critical or superadmin)", s)
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List patterns grouped by tier",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := newWriter(cmd)
		if err != nil {
			return err
		}
		m := core.NewMatcher()
		tiers := []core.Tier{core.TierCritical, core.TierSuperAdmin}
		if flagPatternTier != "" {
			t, err := parsePatternTier(flagPatternTier)
			if err != nil {
				return err
			}
			tiers = []core.Tier{t}
		}

		if out.Structured() {
			view := map[string][]core.PatternDetails{}
			for _, t := range tiers {
				for _, p := range m.ListPatterns(t) {
					view[string(t)] = append(view[string(t)], core.PatternDetails{
						Category:    p.Category,
						Pattern:     p.Pattern,
						Description: p.Description,
					})
				}
			}
			return out.Write(view)
		}

		var rows [][]string
		for _, t := range tiers {
			for _, p := range m.ListPatterns(t) {
				rows = append(rows, []string{string(t), p.Category, p.Description})
			}
		}
		out.Table([]string{"TIER", "CATEGORY", "DESCRIPTION"}, rows)
		return nil
	},
}

type patternTestView struct {
	Command     string `json:"command"`
	Tier        string `json:"tier,omitempty"`
	Category    string `json:"category,omitempty"`
	Pattern     string `json:"pattern,omitempty"`
	Description string `json:"description,omitempty"`
	Segment     string `json:"segment,omitempty"`
	ParseError  bool   `json:"parse_error,omitempty"`
}

var patternsTestCmd = &cobra.Command{
	Use:   "test <command>",
	Short: "Show which pattern, if any, a shell command matches",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := newWriter(cmd)
		if err != nil {
			return err
		}
		op := core.Operation{Tool: core.ToolBash, Payload: args[0], Cwd: mustWorkdir()}
		view := patternTestView{Command: args[0]}
		if res := core.NewMatcher().Match(op); res != nil {
			view.Tier = string(res.Tier)
			view.Category = res.Category
			view.Pattern = res.Pattern
			view.Description = res.Description
			view.Segment = res.Segment
			view.ParseError = res.ParseError
		}

		if out.Structured() {
			return out.Write(view)
		}
		if view.Tier == "" {
			out.Textf("%s no pattern matches", terminal.VerdictBadge(core.VerdictAllow))
			return nil
		}
		v := core.VerdictBlock
		if view.Tier == string(core.TierSuperAdmin) {
			v = core.VerdictSuperAdminRequired
		}
		out.Textf("%s %s", terminal.VerdictBadge(v), view.Description)
		out.Textf("  tier:     %s", view.Tier)
		out.Textf("  category: %s", view.Category)
		out.Textf("  segment:  %s", view.Segment)
		return nil
	},
}

var patternsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export both pattern sets as JSON with a content hash",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := core.NewMatcher().ExportJSON()
		if err != nil {
			return fmt.Errorf("exporting patterns: %w", err)
		}
		if flagPatternOutputFile == "" {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), content)
			return err
		}
		if err := os.WriteFile(flagPatternOutputFile, []byte(content+"\n"), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", flagPatternOutputFile, err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "✓ exported patterns to %s\n", flagPatternOutputFile)
		return nil
	},
}
