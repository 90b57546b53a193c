// Package core holds the operation model shared by every warden stage and the
// immutable critical/superadmin pattern matcher.
package core

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ToolType identifies the kind of host tool an operation came from.
type ToolType string

const (
	ToolBash     ToolType = "bash"
	ToolWrite    ToolType = "write"
	ToolEdit     ToolType = "edit"
	ToolRead     ToolType = "read"
	ToolWebFetch ToolType = "web_fetch"
	ToolOther    ToolType = "other"
)

// ParseToolType maps host tool names (case-insensitive, with common aliases)
// onto a ToolType.
func ParseToolType(s string) ToolType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bash", "shell", "exec", "command":
		return ToolBash
	case "write", "create", "notebookedit":
		return ToolWrite
	case "edit", "multiedit", "str_replace":
		return ToolEdit
	case "read", "view", "cat":
		return ToolRead
	case "web_fetch", "webfetch", "fetch", "http", "websearch":
		return ToolWebFetch
	default:
		return ToolOther
	}
}

// IsCommandLike reports whether the payload of this tool is shell text.
func (t ToolType) IsCommandLike() bool {
	return t == ToolBash
}

// Operation is the normalized descriptor of one intercepted call.
type Operation struct {
	Tool      ToolType  `json:"tool"`
	Target    string    `json:"target"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Cwd       string    `json:"cwd,omitempty"`
}

// UnmarshalJSON accepts the tool as any alias understood by ParseToolType and
// the timestamp as RFC3339 or epoch seconds.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var raw struct {
		Tool      string          `json:"tool"`
		Target    string          `json:"target"`
		Payload   string          `json:"payload"`
		Timestamp json.RawMessage `json:"timestamp"`
		SessionID string          `json:"session_id"`
		Cwd       string          `json:"cwd"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	o.Tool = ParseToolType(raw.Tool)
	o.Target = raw.Target
	o.Payload = raw.Payload
	o.SessionID = raw.SessionID
	o.Cwd = raw.Cwd
	o.Timestamp = time.Time{}

	if len(raw.Timestamp) > 0 && string(raw.Timestamp) != "null" {
		var epoch int64
		if err := json.Unmarshal(raw.Timestamp, &epoch); err == nil {
			o.Timestamp = time.Unix(epoch, 0).UTC()
		} else {
			var ts time.Time
			if err := json.Unmarshal(raw.Timestamp, &ts); err != nil {
				return fmt.Errorf("parsing timestamp: %w", err)
			}
			o.Timestamp = ts.UTC()
		}
	}
	return nil
}

// Command returns the shell text of a command-like operation.
func (o Operation) Command() string {
	if !o.Tool.IsCommandLike() {
		return ""
	}
	if o.Payload != "" {
		return o.Payload
	}
	return o.Target
}

var urlInText = regexp.MustCompile(`(?i)\b(?:https?|ftp|wss?|gopher|file)://[^\s'"<>|;)]+`)

// URLs returns every URL or host the operation reaches out to: a web_fetch
// target, URLs in a bash command and the hosts its network clients name.
// Write and edit payloads are file contents and are never scanned.
func (o Operation) URLs() []string {
	var out []string
	seen := map[string]bool{}
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	switch o.Tool {
	case ToolWebFetch:
		add(o.Target)
	case ToolBash:
		cmd := o.Command()
		for _, m := range urlInText.FindAllString(cmd, -1) {
			add(m)
		}
		for _, h := range NetworkHosts(cmd) {
			add(h)
		}
	case ToolOther:
		for _, m := range urlInText.FindAllString(o.Target, -1) {
			add(m)
		}
	}
	return out
}

// Fingerprint computes the SHA256 hash of the operation.
// Hash = sha256(tool + "\n" + target + "\n" + payload + "\n" + cwd)
func (o Operation) Fingerprint() string {
	var buf bytes.Buffer
	buf.WriteString(string(o.Tool))
	buf.WriteString("\n")
	buf.WriteString(o.Target)
	buf.WriteString("\n")
	buf.WriteString(o.Payload)
	buf.WriteString("\n")
	buf.WriteString(o.Cwd)

	hash := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(hash[:])
}
