package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/warden/internal/auth"
	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/policy"
	"github.com/Dicklesworthstone/warden/internal/terminal"
)

// tier is the command surface shared by bypass and superadmin.
type tier interface {
	Name() string
	Setup(ctx context.Context) error
	Unlock(ctx context.Context) (*auth.UnlockResult, error)
	Lock() (auth.LockResult, error)
	Status() auth.Status
	Reset(ctx context.Context) error
	ResetFailures(ctx context.Context) error
	Reseal(ctx context.Context) error
}

func init() {
	rootCmd.AddCommand(newTierCmd("bypass",
		"Manage the bypass token that suspends non-critical checks",
		`The bypass tier suspends the superadmin-free stages (domains, heuristics,
correlator) while its token is valid. Critical patterns still block and
superadmin patterns still require a superadmin token.

Every prompt reads from the controlling terminal, never from stdin, so an
agent cannot answer it.`,
		func(b *auth.Bypass, _ *auth.SuperAdmin) tier { return b }))

	rootCmd.AddCommand(newTierCmd("superadmin",
		"Manage the superadmin token required by privileged commands",
		`The superadmin tier authorizes commands such as sudo, reboot or service
control. Its tokens are short-lived and keyed separately from bypass tokens.
When superadmin.biometric_command is set, unlock tries it first.`,
		func(_ *auth.Bypass, s *auth.SuperAdmin) tier { return s }))
}

func newTierCmd(name, short, long string, pick func(*auth.Bypass, *auth.SuperAdmin) tier) *cobra.Command {
	load := func(cmd *cobra.Command) (*env, tier, error) {
		e, err := newEnv(cmd)
		if err != nil {
			return nil, nil, err
		}
		b, s := policy.Tiers(e.cfg, policy.BuildOptions{Terminal: e.term, Logger: e.logger})
		return e, pick(b, s), nil
	}

	root := &cobra.Command{Use: name, Short: short, Long: long}

	root.AddCommand(&cobra.Command{
		Use:   "setup",
		Short: "Set the " + name + " passphrase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, t, err := load(cmd)
			if err != nil {
				return err
			}
			if err := t.Setup(cmd.Context()); err != nil {
				return tierError(t, err)
			}
			e.out.Success(name + " passphrase configured")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "unlock",
		Short: "Verify the passphrase and mint a " + name + " token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, t, err := load(cmd)
			if err != nil {
				return err
			}
			res, err := t.Unlock(cmd.Context())
			if err != nil {
				return tierError(t, err)
			}
			if e.out.Structured() {
				return e.out.Write(res)
			}
			e.out.Success(fmt.Sprintf("%s unlocked via %s until %s (idle timeout %s)",
				name, res.Method, res.ExpiresAt.Local().Format(time.Kitchen), res.InactivityDeadline.Local().Format(time.Kitchen)))
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "lock",
		Short: "Discard the " + name + " token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, t, err := load(cmd)
			if err != nil {
				return err
			}
			res, err := t.Lock()
			if err != nil {
				return err
			}
			if e.out.Structured() {
				return e.out.Write(res)
			}
			if res.WasActive {
				e.out.Success(name + " locked")
			} else {
				e.out.Textf("%s was not unlocked", name)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the " + name + " state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, t, err := load(cmd)
			if err != nil {
				return err
			}
			st := t.Status()
			if e.out.Structured() {
				return e.out.Write(st)
			}
			renderStatus(e, st)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Remove the " + name + " credential after re-entering it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, t, err := load(cmd)
			if err != nil {
				return err
			}
			if err := t.Reset(cmd.Context()); err != nil {
				return tierError(t, err)
			}
			e.out.Success(name + " credential removed")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "reset-failures",
		Short: "Clear a " + name + " lockout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, t, err := load(cmd)
			if err != nil {
				return err
			}
			if err := t.ResetFailures(cmd.Context()); err != nil {
				return tierError(t, err)
			}
			e.out.Success(name + " failure counter cleared")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "reseal",
		Short: "Re-record the integrity manifest after upgrading warden",
		Long: `Reseal re-hashes the warden binary into the integrity manifest. The
credential files must still match the manifest, so reseal cannot launder a
swapped passphrase.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, t, err := load(cmd)
			if err != nil {
				return err
			}
			if err := t.Reseal(cmd.Context()); err != nil {
				return tierError(t, err)
			}
			e.out.Success("integrity manifest resealed")
			return nil
		},
	})

	return root
}

func renderStatus(e *env, st auth.Status) {
	e.out.Textf("%s %s", terminal.TitleStyle.Render(st.Tier), terminal.StateBadge(string(st.State)))
	if st.ExpiresAt != nil {
		e.out.Textf("  expires:   %s", st.ExpiresAt.Local().Format(time.RFC3339))
	}
	if st.InactivityDeadline != nil {
		e.out.Textf("  idle:      %s", st.InactivityDeadline.Local().Format(time.RFC3339))
	}
	if st.Failures > 0 {
		e.out.Textf("  failures:  %d", st.Failures)
	}
	switch {
	case st.LockoutIndefinite:
		e.out.Textf("  %s", terminal.WarnStyle.Render("locked out until `warden "+st.Tier+" reset-failures`"))
	case st.LockoutRemaining > 0:
		e.out.Textf("  %s", terminal.WarnStyle.Render("locked out for "+st.LockoutRemaining.Round(time.Second).String()))
	}
	if st.Error != "" {
		e.out.Textf("  %s", terminal.ErrorStyle.Render(st.Error))
	}
}

// tierError adds a hint for the failures an operator can act on.
func tierError(t tier, err error) error {
	switch {
	case errors.Is(err, core.ErrNotConfigured):
		return fmt.Errorf("%w (run `warden %s setup`)", err, t.Name())
	case errors.Is(err, core.ErrNotInteractive):
		return fmt.Errorf("%w: run warden %s from a terminal", err, t.Name())
	}
	if rl, ok := core.AsRateLimit(err); ok && rl.Indefinite {
		return fmt.Errorf("%w (run `warden %s reset-failures`)", err, t.Name())
	}
	return err
}
