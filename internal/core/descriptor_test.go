package core

import (
	"errors"
	"testing"
	"time"
)

func TestParseDescriptor(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Operation
		wantErr bool
	}{
		{
			name: "bash command",
			in:   `{"tool":"Bash","payload":"ls -la","session_id":"s1","cwd":"/work"}`,
			want: Operation{Tool: ToolBash, Payload: "ls -la", SessionID: "s1", Cwd: "/work"},
		},
		{
			name: "web fetch with epoch timestamp",
			in:   `{"tool":"web_fetch","target":"https://example.com","timestamp":1700000000}`,
			want: Operation{Tool: ToolWebFetch, Target: "https://example.com", Timestamp: time.Unix(1700000000, 0).UTC()},
		},
		{
			name: "rfc3339 timestamp",
			in:   `{"tool":"write","target":"/tmp/a","payload":"x","timestamp":"2026-03-01T12:00:00Z"}`,
			want: Operation{Tool: ToolWrite, Target: "/tmp/a", Payload: "x", Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		},
		{name: "missing tool", in: `{"payload":"ls"}`, wantErr: true},
		{name: "no target or payload", in: `{"tool":"bash"}`, wantErr: true},
		{name: "wrong type", in: `{"tool":"bash","payload":42}`, wantErr: true},
		{name: "not json", in: `tool=bash`, wantErr: true},
		{name: "empty", in: "  \n", wantErr: true},
		{name: "array", in: `[]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDescriptor([]byte(tt.in))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidDescriptor) {
					t.Fatalf("expected ErrInvalidDescriptor, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDescriptor: %v", err)
			}
			if got.Tool != tt.want.Tool || got.Target != tt.want.Target || got.Payload != tt.want.Payload ||
				got.SessionID != tt.want.SessionID || got.Cwd != tt.want.Cwd || !got.Timestamp.Equal(tt.want.Timestamp) {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}
