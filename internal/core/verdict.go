package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Verdict is the outcome of evaluating an operation. Values are ordered by
// severity so the strictest contribution can be chosen with Max.
type Verdict int

const (
	VerdictAllow Verdict = iota + 1
	VerdictWarn
	VerdictSuperAdminRequired
	VerdictBlock
)

// String returns the wire name of the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "ALLOW"
	case VerdictWarn:
		return "WARN"
	case VerdictSuperAdminRequired:
		return "SUPERADMIN_REQUIRED"
	case VerdictBlock:
		return "BLOCK"
	default:
		return "UNSPECIFIED"
	}
}

// ParseVerdict is the inverse of String.
func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ALLOW":
		return VerdictAllow, nil
	case "WARN":
		return VerdictWarn, nil
	case "SUPERADMIN_REQUIRED":
		return VerdictSuperAdminRequired, nil
	case "BLOCK":
		return VerdictBlock, nil
	default:
		return 0, fmt.Errorf("unknown verdict %q", s)
	}
}

// MarshalJSON encodes the verdict by name.
func (v Verdict) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

// UnmarshalJSON decodes a verdict name.
func (v *Verdict) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseVerdict(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Blocks reports whether the operation must not run.
func (v Verdict) Blocks() bool {
	return v == VerdictBlock || v == VerdictSuperAdminRequired
}

// MaxVerdict returns the stricter of two verdicts.
func MaxVerdict(a, b Verdict) Verdict {
	if b > a {
		return b
	}
	return a
}

// VerdictForScore maps a 0-100 score onto ALLOW/WARN/BLOCK.
func VerdictForScore(score, warnAt, blockAt int) Verdict {
	switch {
	case score >= blockAt:
		return VerdictBlock
	case score >= warnAt:
		return VerdictWarn
	default:
		return VerdictAllow
	}
}

// Stage names the pipeline step that produced a decision.
type Stage string

const (
	StageCritical   Stage = "critical"
	StageSuperAdmin Stage = "superadmin"
	StageBypass     Stage = "bypass"
	StageDomain     Stage = "domain"
	StageHeuristic  Stage = "heuristic"
	StageCorrelator Stage = "correlator"
	StageDefault    Stage = "default"
)

// ReasonCode is the machine-readable reason attached to a decision.
type ReasonCode string

const (
	ReasonCriticalPattern      ReasonCode = "critical_pattern"
	ReasonSuperAdminRequired   ReasonCode = "superadmin_required"
	ReasonSuperAdminToken      ReasonCode = "superadmin_token"
	ReasonBypassToken          ReasonCode = "bypass_token"
	ReasonDomainBlocked        ReasonCode = "domain_blocked"
	ReasonDomainWarn           ReasonCode = "domain_warn"
	ReasonDomainSafe           ReasonCode = "domain_safe"
	ReasonEvasionDetected      ReasonCode = "evasion_detected"
	ReasonCorrelationDetected  ReasonCode = "correlation_detected"
	ReasonAuthIntegrityFailure ReasonCode = "auth_integrity_failure"
	ReasonDefaultAllow         ReasonCode = "default_allow"
	ReasonStageError           ReasonCode = "stage_error"
)

// Decision is the verdict plus the reason it was reached.
type Decision struct {
	Verdict    Verdict    `json:"verdict"`
	Stage      Stage      `json:"stage"`
	Code       ReasonCode `json:"code"`
	Reason     string     `json:"reason"`
	Confidence int        `json:"confidence,omitempty"`
	Pattern    string     `json:"pattern,omitempty"`
}

// MarshalYAML encodes the verdict by name.
func (v Verdict) MarshalYAML() (any, error) {
	return v.String(), nil
}
