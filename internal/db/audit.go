package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Dicklesworthstone/warden/internal/core"
)

// ErrAuditNotFound is returned when an audit entry is not found.
var ErrAuditNotFound = errors.New("audit entry not found")

// AuditEntry is one recorded decision.
type AuditEntry struct {
	ID         string          `json:"id" yaml:"id"`
	Time       time.Time       `json:"ts" yaml:"ts"`
	SessionID  string          `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Tool       core.ToolType   `json:"tool" yaml:"tool"`
	Target     string          `json:"target,omitempty" yaml:"target,omitempty"`
	Stage      core.Stage      `json:"stage" yaml:"stage"`
	Verdict    core.Verdict    `json:"verdict" yaml:"verdict"`
	Code       core.ReasonCode `json:"code" yaml:"code"`
	Reason     string          `json:"reason" yaml:"reason"`
	Confidence int             `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	Pattern    string          `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// NewAuditEntry builds the audit record for a decision on op.
func NewAuditEntry(op core.Operation, d core.Decision, at time.Time) *AuditEntry {
	return &AuditEntry{
		Time:       at,
		SessionID:  op.SessionID,
		Tool:       op.Tool,
		Target:     op.Target,
		Stage:      d.Stage,
		Verdict:    d.Verdict,
		Code:       d.Code,
		Reason:     d.Reason,
		Confidence: d.Confidence,
		Pattern:    d.Pattern,
	}
}

// AuditFilter narrows ListAudit. Zero fields match everything.
type AuditFilter struct {
	SessionID string
	Verdict   core.Verdict
	Stage     core.Stage
	Since     time.Time
	Limit     int
}

// InsertAudit records e, assigning an ID and timestamp when unset.
func (db *DB) InsertAudit(e *AuditEntry) error {
	if e.Verdict == 0 {
		return fmt.Errorf("verdict is required")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	e.Time = e.Time.UTC().Truncate(time.Second)

	_, err := db.Exec(`
		INSERT INTO audit (id, ts, session_id, tool, target, stage, verdict, code, reason, confidence, pattern)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Time.Unix(), e.SessionID, string(e.Tool), e.Target, string(e.Stage),
		e.Verdict.String(), string(e.Code), e.Reason, e.Confidence, e.Pattern)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// GetAudit retrieves an entry by ID.
func (db *DB) GetAudit(id string) (*AuditEntry, error) {
	row := db.QueryRow(`
		SELECT id, ts, session_id, tool, target, stage, verdict, code, reason, confidence, pattern
		FROM audit WHERE id = ?
	`, id)
	return scanAudit(row)
}

// ListAudit returns matching entries, newest first.
func (db *DB) ListAudit(f AuditFilter) ([]*AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Verdict != 0 {
		where = append(where, "verdict = ?")
		args = append(args, f.Verdict.String())
	}
	if f.Stage != "" {
		where = append(where, "stage = ?")
		args = append(args, string(f.Stage))
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.Unix())
	}

	query := `SELECT id, ts, session_id, tool, target, stage, verdict, code, reason, confidence, pattern FROM audit`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit: %w", err)
	}
	return entries, nil
}

// CountAudit returns the number of stored entries.
func (db *DB) CountAudit() (int, error) {
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM audit").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting audit: %w", err)
	}
	return n, nil
}

// PruneAudit deletes entries older than cutoff and returns how many went.
func (db *DB) PruneAudit(cutoff time.Time) (int64, error) {
	result, err := db.Exec("DELETE FROM audit WHERE ts < ?", cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("pruning audit: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAudit(s scanner) (*AuditEntry, error) {
	var (
		e       AuditEntry
		ts      int64
		tool    string
		stage   string
		verdict string
		code    string
	)
	err := s.Scan(&e.ID, &ts, &e.SessionID, &tool, &e.Target, &stage, &verdict, &code, &e.Reason, &e.Confidence, &e.Pattern)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAuditNotFound
		}
		return nil, fmt.Errorf("scanning audit entry: %w", err)
	}
	e.Time = time.Unix(ts, 0).UTC()
	e.Tool = core.ToolType(tool)
	e.Stage = core.Stage(stage)
	e.Code = core.ReasonCode(code)
	e.Verdict, err = core.ParseVerdict(verdict)
	if err != nil {
		return nil, fmt.Errorf("parsing verdict: %w", err)
	}
	return &e, nil
}
