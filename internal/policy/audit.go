package policy

import (
	"time"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/db"
)

// AuditSink receives every decision.
type AuditSink interface {
	Record(op core.Operation, d core.Decision) error
}

// NoopAudit discards decisions.
type NoopAudit struct{}

// Record implements AuditSink.
func (NoopAudit) Record(core.Operation, core.Decision) error { return nil }

// DBAudit writes decisions to the sqlite audit store.
type DBAudit struct {
	DB  *db.DB
	Now func() time.Time
}

// Record implements AuditSink.
func (a *DBAudit) Record(op core.Operation, d core.Decision) error {
	at := op.Timestamp
	if at.IsZero() {
		now := a.Now
		if now == nil {
			now = time.Now
		}
		at = now()
	}
	return a.DB.InsertAudit(db.NewAuditEntry(op, d, at))
}
