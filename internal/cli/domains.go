package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/domain"
	"github.com/Dicklesworthstone/warden/internal/terminal"
)

var flagDomainList string

func init() {
	domainsAddCmd.Flags().StringVarP(&flagDomainList, "list", "l", string(domain.ListCustomBlocked), "list to edit: custom-safe or custom-blocked")
	domainsRemoveCmd.Flags().StringVarP(&flagDomainList, "list", "l", string(domain.ListCustomBlocked), "list to edit: custom-safe or custom-blocked")

	domainsCmd.AddCommand(domainsCheckCmd)
	domainsCmd.AddCommand(domainsAddCmd)
	domainsCmd.AddCommand(domainsRemoveCmd)
	domainsCmd.AddCommand(domainsListCmd)

	rootCmd.AddCommand(domainsCmd)
}

var domainsCmd = &cobra.Command{
	Use:   "domains",
	Short: "Inspect and edit the domain allow and block lists",
	Long: `Every URL an operation references is checked in this order:

  1. private, loopback and link-local addresses (always BLOCK)
  2. the built-in block list (cloud metadata endpoints, always BLOCK)
  3. system-safe, custom-safe, custom-blocked, system-blocked
  4. a decision made earlier in the session
  5. anything else is WARN, or an operator prompt on a terminal

The custom lists live in <state_dir>/domains and can be edited here. The
system lists are maintained by the operator and edited by hand.`,
}

func newValidator(e *env) *domain.Validator {
	paths := e.cfg.Paths()
	return domain.NewValidator(
		domain.NewStore(paths.DomainsDir, e.logger.WithPrefix("domains")),
		domain.NewSessionStore(paths.SessionsDir),
		nil,
		e.logger.WithPrefix("domains"),
	)
}

var domainsCheckCmd = &cobra.Command{
	Use:   "check <url-or-host>...",
	Short: "Classify hosts without prompting or consulting the session",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd)
		if err != nil {
			return err
		}
		v := newValidator(e)

		results := make([]domain.Result, 0, len(args))
		worst := core.VerdictAllow
		for _, arg := range args {
			res := v.Explain(arg)
			results = append(results, res)
			worst = core.MaxVerdict(worst, res.Verdict)
		}

		if e.out.Structured() {
			if err := e.out.Write(results); err != nil {
				return err
			}
		} else {
			for _, res := range results {
				e.out.Textf("%s %s %s", terminal.VerdictBadge(res.Verdict), res.Input,
					terminal.HintStyle.Render(res.Reason))
			}
		}
		if worst.Blocks() {
			return &ExitError{Code: exitBlocked}
		}
		return nil
	},
}

func customList(raw string) (domain.ListName, error) {
	list, err := domain.ParseListName(raw)
	if err != nil {
		return "", err
	}
	if list.Tier() != 3 {
		return "", fmt.Errorf("%s is maintained by the operator; edit %s directly", list, list.File())
	}
	return list, nil
}

var domainsAddCmd = &cobra.Command{
	Use:   "add <pattern>",
	Short: "Add a host or *.wildcard pattern to a custom list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd)
		if err != nil {
			return err
		}
		list, err := customList(flagDomainList)
		if err != nil {
			return err
		}
		added, err := newValidator(e).AddCustom(list, args[0])
		if err != nil {
			return err
		}
		if added {
			e.out.Success(fmt.Sprintf("added %s to %s", args[0], list))
		} else {
			e.out.Success(fmt.Sprintf("%s already in %s", args[0], list))
		}
		return nil
	},
}

var domainsRemoveCmd = &cobra.Command{
	Use:   "remove <pattern>",
	Short: "Remove a pattern from a custom list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd)
		if err != nil {
			return err
		}
		list, err := customList(flagDomainList)
		if err != nil {
			return err
		}
		removed, err := newValidator(e).RemoveCustom(list, args[0])
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("%s is not in %s", args[0], list)
		}
		e.out.Success(fmt.Sprintf("removed %s from %s", args[0], list))
		return nil
	},
}

type listsView struct {
	Lists   map[string][]string `json:"lists"`
	Invalid []string            `json:"invalid,omitempty"`
	Errors  []string            `json:"errors,omitempty"`
}

var domainsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show every list, including the built-in block list",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd)
		if err != nil {
			return err
		}
		lists, invalid, loadErr := newValidator(e).Lists()
		view := listsView{Lists: lists}
		for _, ve := range invalid {
			view.Invalid = append(view.Invalid, ve.Error())
		}
		if loadErr != nil {
			view.Errors = strings.Split(loadErr.Error(), "\n")
		}

		if e.out.Structured() {
			return e.out.Write(view)
		}
		names := make([]string, 0, len(lists))
		for name := range lists {
			names = append(names, name)
		}
		sort.Strings(names)
		var rows [][]string
		for _, name := range names {
			for _, p := range lists[name] {
				rows = append(rows, []string{name, p})
			}
		}
		e.out.Table([]string{"LIST", "PATTERN"}, rows)
		for _, msg := range view.Invalid {
			e.out.Textf("%s", terminal.WarnStyle.Render("skipped "+msg))
		}
		for _, msg := range view.Errors {
			e.out.Textf("%s", terminal.ErrorStyle.Render(msg))
		}
		return nil
	},
}
