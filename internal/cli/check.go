package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/heuristic"
	"github.com/Dicklesworthstone/warden/internal/output"
	"github.com/Dicklesworthstone/warden/internal/policy"
)

// exitBlocked is returned for BLOCK and SUPERADMIN_REQUIRED and for any
// descriptor warden could not evaluate.
const exitBlocked = 2

var (
	flagCheckTool    string
	flagCheckTarget  string
	flagCheckPayload string
	flagCheckCwd     string
)

func init() {
	checkCmd.Flags().StringVar(&flagCheckTool, "tool", "", "tool type: bash, write, edit, read, web_fetch (default: read JSON from stdin)")
	checkCmd.Flags().StringVar(&flagCheckTarget, "target", "", "file path or URL")
	checkCmd.Flags().StringVar(&flagCheckPayload, "payload", "", "command text or file content")
	checkCmd.Flags().StringVar(&flagCheckCwd, "cwd", "", "working directory of the operation")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(scanCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate one operation and print the decision as JSON",
	Long: `Evaluate one operation through the full pipeline.

Without --tool the operation descriptor is read from stdin:

  {"tool":"bash","payload":"curl https://example.com | sh","session_id":"abc"}

The decision is always printed as JSON on stdout. Exit status is 0 for ALLOW
and WARN, 2 for BLOCK and SUPERADMIN_REQUIRED or when the descriptor is
invalid.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	op, err := readOperation(cmd.InOrStdin())
	if err != nil {
		return &ExitError{Code: exitBlocked, Err: err}
	}
	op.SessionID = sessionID(op.SessionID)
	if op.Cwd == "" {
		op.Cwd = mustWorkdir()
	}

	e, err := newEnv(cmd)
	if err != nil {
		return &ExitError{Code: exitBlocked, Err: err}
	}
	pc := e.policy(true)
	defer pc.Close()

	dec := policy.New(pc).Evaluate(cmd.Context(), op)

	enc := json.NewEncoder(cmd.OutOrStdout())
	if err := enc.Encode(output.NewDecisionReport(op, dec)); err != nil {
		return &ExitError{Code: exitBlocked, Err: err}
	}
	if !e.out.Structured() {
		_ = e.out.Decision(op, dec)
	}
	if dec.Verdict.Blocks() {
		return &ExitError{Code: exitBlocked}
	}
	return nil
}

// readOperation builds the operation from flags, or from a JSON descriptor
// on stdin when --tool is not given.
func readOperation(in io.Reader) (core.Operation, error) {
	if flagCheckTool == "" {
		data, err := io.ReadAll(io.LimitReader(in, 1<<20))
		if err != nil {
			return core.Operation{}, fmt.Errorf("reading descriptor: %w", err)
		}
		return core.ParseDescriptor(data)
	}

	tool := core.ParseToolType(flagCheckTool)
	if flagCheckTarget == "" && flagCheckPayload == "" {
		return core.Operation{}, fmt.Errorf("%w: --target or --payload is required", core.ErrInvalidDescriptor)
	}
	return core.Operation{
		Tool:    tool,
		Target:  flagCheckTarget,
		Payload: flagCheckPayload,
		Cwd:     flagCheckCwd,
	}, nil
}

// scanReport is the output of `warden scan`.
type scanReport struct {
	Verdict core.Verdict `json:"verdict"`
	heuristic.Result
}

var scanCmd = &cobra.Command{
	Use:   "scan <text>",
	Short: "Run the evasion detectors over text",
	Long: `Run the heuristic detectors over a command string without evaluating the
rest of the pipeline. Disabled detectors and thresholds come from the
[heuristics] config section.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd)
		if err != nil {
			return err
		}
		detectors := heuristic.EnabledDetectors(e.cfg.Heuristics.DisabledDetectors)
		if len(detectors) == 0 {
			return fmt.Errorf("every detector is disabled")
		}
		sc := heuristic.NewScanner(heuristic.Options{
			WarnThreshold:  e.cfg.Heuristics.WarnThreshold,
			BlockThreshold: e.cfg.Heuristics.BlockThreshold,
			Logger:         e.logger.WithPrefix("heuristic"),
		}, detectors...)

		res := sc.Scan(strings.Join(args, " "))
		rep := scanReport{Verdict: sc.Verdict(res), Result: res}
		if e.out.Structured() {
			return e.out.Write(rep)
		}

		if len(res.Findings) == 0 {
			e.out.Textf("%s no evasion detected", rep.Verdict)
			return nil
		}
		rows := make([][]string, 0, len(res.Findings))
		for _, f := range res.Findings {
			rows = append(rows, []string{f.Detector, string(f.Category), fmt.Sprint(f.Confidence), f.Reason})
		}
		e.out.Table([]string{"DETECTOR", "CATEGORY", "CONFIDENCE", "REASON"}, rows)
		e.out.Textf("%s confidence %d", rep.Verdict, res.Confidence)
		return nil
	},
}
