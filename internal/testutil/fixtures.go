package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/db"
)

// OperationOption customizes a test operation.
type OperationOption func(*core.Operation)

// MakeOperation returns a bash operation in a fresh session.
func MakeOperation(opts ...OperationOption) core.Operation {
	op := core.Operation{
		Tool:      core.ToolBash,
		Payload:   "echo test",
		SessionID: "sess-" + randHex(6),
	}
	for _, opt := range opts {
		opt(&op)
	}
	return op
}

// WithCommand makes op a bash command.
func WithCommand(cmd string) OperationOption {
	return func(op *core.Operation) {
		op.Tool = core.ToolBash
		op.Payload = cmd
	}
}

// WithWrite makes op a file write of content to target.
func WithWrite(target, content string) OperationOption {
	return func(op *core.Operation) {
		op.Tool = core.ToolWrite
		op.Target = target
		op.Payload = content
	}
}

// WithFetch makes op a web fetch of url.
func WithFetch(url string) OperationOption {
	return func(op *core.Operation) {
		op.Tool = core.ToolWebFetch
		op.Target = url
		op.Payload = ""
	}
}

// WithSession sets the session id.
func WithSession(id string) OperationOption {
	return func(op *core.Operation) { op.SessionID = id }
}

// WithCwd sets the working directory.
func WithCwd(dir string) OperationOption {
	return func(op *core.Operation) { op.Cwd = dir }
}

// WithTimestamp sets the operation time.
func WithTimestamp(ts time.Time) OperationOption {
	return func(op *core.Operation) { op.Timestamp = ts }
}

// MakeAuditEntry inserts an audit entry for op with the given verdict.
func MakeAuditEntry(t *testing.T, database *db.DB, op core.Operation, v core.Verdict, at time.Time) *db.AuditEntry {
	t.Helper()
	e := db.NewAuditEntry(op, core.Decision{
		Verdict: v,
		Stage:   core.StageDefault,
		Code:    core.ReasonDefaultAllow,
		Reason:  "test",
	}, at)
	RequireNoError(t, database.InsertAudit(e), "insert audit entry")
	return e
}

// randHex returns a cryptographically random hex string for unique test IDs.
func randHex(n int) string {
	b := make([]byte, (n+1)/2) // Each byte produces 2 hex chars
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)[:n]
}
