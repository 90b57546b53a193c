// Package output implements consistent output formatting for warden.
// Structured output uses snake_case keys; text goes to stderr so stdout
// stays clean for piping.
package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"go.yaml.in/yaml/v3"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/terminal"
	"github.com/Dicklesworthstone/warden/internal/utils"
)

// Format represents the output format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat maps a flag value onto a Format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported format %q (want text, json or yaml)", s)
	}
}

// Writer handles formatted output.
type Writer struct {
	format Format
	out    io.Writer
	errOut io.Writer
}

// Option configures the Writer.
type Option func(*Writer)

// WithOutput sets the standard output writer.
func WithOutput(w io.Writer) Option {
	return func(wr *Writer) {
		wr.out = w
	}
}

// WithErrorOutput sets the error output writer.
func WithErrorOutput(w io.Writer) Option {
	return func(wr *Writer) {
		wr.errOut = w
	}
}

// New creates a new output writer.
func New(format Format, opts ...Option) *Writer {
	w := &Writer{
		format: format,
		out:    os.Stdout,
		errOut: os.Stderr,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Format returns the configured format.
func (w *Writer) Format() Format { return w.format }

// Structured reports whether the writer emits machine-readable output.
func (w *Writer) Structured() bool { return w.format == FormatJSON || w.format == FormatYAML }

// Write outputs data in the configured format.
func (w *Writer) Write(data any) error {
	switch w.format {
	case FormatJSON:
		enc := json.NewEncoder(w.out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		return writeYAML(w.out, data)
	case FormatText:
		_, err := fmt.Fprintf(w.errOut, "%v\n", data)
		return err
	default:
		return fmt.Errorf("unsupported format: %s", w.format)
	}
}

// WriteNDJSON outputs data as one JSON document per line in JSON mode.
func (w *Writer) WriteNDJSON(data any) error {
	switch w.format {
	case FormatJSON:
		return json.NewEncoder(w.out).Encode(data)
	case FormatYAML:
		if _, err := io.WriteString(w.out, "---\n"); err != nil {
			return err
		}
		return writeYAML(w.out, data)
	case FormatText:
		_, err := fmt.Fprintf(w.errOut, "%v\n", data)
		return err
	default:
		return fmt.Errorf("unsupported format: %s", w.format)
	}
}

// Textf writes a line of human output to stderr. It is silent in
// structured modes.
func (w *Writer) Textf(format string, args ...any) {
	if w.Structured() {
		return
	}
	fmt.Fprintf(w.errOut, format+"\n", args...)
}

// Success outputs a success message.
func (w *Writer) Success(msg string) {
	if w.Structured() {
		_ = w.Write(map[string]any{"status": "success", "message": msg})
		return
	}
	fmt.Fprintf(w.errOut, "✓ %s\n", msg)
}

// ErrorPayload is the structured form of a command failure.
type ErrorPayload struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error outputs an error message.
func (w *Writer) Error(err error) {
	if w.Structured() {
		_ = w.Write(ErrorPayload{
			Error:   "error",
			Message: err.Error(),
			Details: map[string]any{"code": 1},
		})
		return
	}
	fmt.Fprintf(w.errOut, "%s %s\n", terminal.ErrorStyle.Render("✗"), err.Error())
}

// DecisionReport is the output shape of `warden check`.
type DecisionReport struct {
	Verdict    core.Verdict    `json:"verdict"`
	Stage      core.Stage      `json:"stage"`
	Code       core.ReasonCode `json:"code"`
	Reason     string          `json:"reason"`
	Confidence int             `json:"confidence,omitempty"`
	Pattern    string          `json:"pattern,omitempty"`
	Tool       core.ToolType   `json:"tool"`
	Target     string          `json:"target,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Operation  string          `json:"operation"`
}

// NewDecisionReport pairs a decision with the operation it answers.
func NewDecisionReport(op core.Operation, d core.Decision) DecisionReport {
	return DecisionReport{
		Verdict:    d.Verdict,
		Stage:      d.Stage,
		Code:       d.Code,
		Reason:     d.Reason,
		Confidence: d.Confidence,
		Pattern:    d.Pattern,
		Tool:       op.Tool,
		Target:     op.Target,
		SessionID:  op.SessionID,
		Operation:  op.Fingerprint(),
	}
}

// Decision writes a decision. Structured modes go to stdout; text mode
// renders a badge line to stderr.
func (w *Writer) Decision(op core.Operation, d core.Decision) error {
	if w.Structured() {
		return w.Write(NewDecisionReport(op, d))
	}
	line := fmt.Sprintf("%s %s", terminal.VerdictBadge(d.Verdict), utils.SanitizeInput(d.Reason))
	if d.Stage != "" {
		line += terminal.HintStyle.Render(fmt.Sprintf(" [%s/%s]", d.Stage, d.Code))
	}
	_, err := fmt.Fprintln(w.errOut, line)
	return err
}

// Table renders rows as a bordered table on stderr.
func (w *Writer) Table(headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(terminal.HintStyle).
		Headers(headers...).
		Rows(rows...)
	fmt.Fprintln(w.errOut, t.Render())
}

func normalizeForYAML(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var normalized any
	if err := dec.Decode(&normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}

// writeYAML encodes v via its JSON form so yaml keys match the json tags.
func writeYAML(out io.Writer, v any) error {
	normalized, err := normalizeForYAML(v)
	if err != nil {
		return err
	}
	b, err := yaml.Marshal(normalized)
	if err != nil {
		return err
	}
	if len(b) == 0 || b[len(b)-1] != '\n' {
		b = append(b, '\n')
	}
	_, err = out.Write(b)
	return err
}
