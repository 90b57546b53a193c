package core

import (
	"encoding/json"
	"testing"
)

func TestMatcherCriticalCommands(t *testing.T) {
	m := NewMatcher()

	tests := []struct {
		name     string
		cmd      string
		category string
	}{
		{"rm root", "rm -rf /", "filesystem"},
		{"rm root glob", "rm -rf /*", "filesystem"},
		{"sudo rm root", "sudo rm -rf /", "filesystem"},
		{"rm home", "rm -rf ~", "filesystem"},
		{"rm home var", "rm -rf $HOME/", "filesystem"},
		{"rm etc", "rm -fr /etc", "filesystem"},
		{"uppercase", "RM -RF /", "filesystem"},
		{"chained", "cd /tmp && rm -rf /", "filesystem"},
		{"no preserve root", "rm -rf --no-preserve-root /", "filesystem"},
		{"chmod root", "chmod -R 777 /", "filesystem"},
		{"dd to disk", "dd if=/dev/zero of=/dev/sda bs=1M", "disk"},
		{"redirect to disk", "cat image.iso > /dev/sdb", "disk"},
		{"mkfs", "mkfs.ext4 /dev/sdb1", "disk"},
		{"wipefs", "wipefs -a /dev/nvme0n1", "disk"},
		{"boot", "rm -f /boot/vmlinuz", "disk"},
		{"fork bomb", ":(){ :|:& };:", "fork_bomb"},
		{"named fork bomb", "bomb(){ bomb|bomb& };bomb", "fork_bomb"},
		{"aws metadata", "curl http://169.254.169.254/latest/meta-data/", "ssrf"},
		{"gcp metadata", "wget -q http://metadata.google.internal/computeMetadata/v1/", "ssrf"},
		{"alibaba metadata", "curl 100.100.100.200/latest", "ssrf"},
		{"aws ipv6 metadata", "curl http://[fd00:ec2::254]/latest", "ssrf"},
		{"own token", "cat ~/.warden/auth/bypass.token", "self_protection"},
		{"own hash", "rm superadmin.hash", "self_protection"},
		{"shadow", "cat /etc/shadow", "system_auth"},
		{"sudoers", "echo 'agent ALL=(ALL) NOPASSWD:ALL' >> /etc/sudoers", "system_auth"},
		{"passwd append", "echo 'x:0:0::/:/bin/sh' >> /etc/passwd", "system_auth"},
		{"passwd tee", "echo x | tee -a /etc/passwd", "system_auth"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := m.Match(Operation{Tool: ToolBash, Payload: tc.cmd})
			if res == nil {
				t.Fatalf("Match(%q) = nil, want critical", tc.cmd)
			}
			if res.Tier != TierCritical {
				t.Errorf("Match(%q).Tier = %s, want critical", tc.cmd, res.Tier)
			}
			if res.Category != tc.category {
				t.Errorf("Match(%q).Category = %s, want %s", tc.cmd, res.Category, tc.category)
			}
		})
	}
}

func TestMatcherSuperAdminCommands(t *testing.T) {
	m := NewMatcher()

	tests := []string{
		"sudo apt-get install htop",
		"cd /srv && sudo ls",
		"su - root",
		"passwd alice",
		"useradd mallory",
		"visudo",
		"systemctl stop nginx",
		"systemctl disable sshd",
		"reboot",
		"iptables -F",
		"ufw disable",
		"modprobe evil",
		"chown alice /etc/hosts",
		"echo '127.0.0.1 x' >> /etc/hosts",
		"git push --force origin main",
		"git push -f origin master",
		"crontab -r",
	}

	for _, cmd := range tests {
		t.Run(cmd, func(t *testing.T) {
			res := m.Match(Operation{Tool: ToolBash, Payload: cmd})
			if res == nil {
				t.Fatalf("Match(%q) = nil, want superadmin", cmd)
			}
			if res.Tier != TierSuperAdmin {
				t.Errorf("Match(%q).Tier = %s (%s), want superadmin", cmd, res.Tier, res.Pattern)
			}
		})
	}
}

func TestMatcherAllowsOrdinaryCommands(t *testing.T) {
	m := NewMatcher()

	tests := []string{
		"ls -la",
		"rm -rf ./build",
		"rm -rf node_modules",
		"go test ./...",
		"git push origin feature/login",
		"cat /etc/passwd",
		"cat /etc/hosts",
		"echo 'rm -rf /' is dangerous",
		"curl https://example.com",
		"make build 2>&1 | tee build.log",
	}

	for _, cmd := range tests {
		t.Run(cmd, func(t *testing.T) {
			if res := m.Match(Operation{Tool: ToolBash, Payload: cmd}); res != nil {
				t.Errorf("Match(%q) = %s/%s (%q), want nil", cmd, res.Tier, res.Category, res.Pattern)
			}
		})
	}
}

func TestMatcherFileTools(t *testing.T) {
	m := NewMatcher()

	tests := []struct {
		name string
		op   Operation
		want Tier
	}{
		{"write shadow", Operation{Tool: ToolWrite, Target: "/etc/shadow"}, TierCritical},
		{"read shadow", Operation{Tool: ToolRead, Target: "/etc/shadow"}, TierCritical},
		{"edit passwd", Operation{Tool: ToolEdit, Target: "/etc/passwd"}, TierCritical},
		{"read passwd", Operation{Tool: ToolRead, Target: "/etc/passwd"}, ""},
		{"write auth state", Operation{Tool: ToolWrite, Target: "/home/u/.warden/auth/bypass.hash"}, TierCritical},
		{"read auth state", Operation{Tool: ToolRead, Target: "/home/u/.warden/auth/bypass.token"}, TierCritical},
		{"write etc hosts", Operation{Tool: ToolWrite, Target: "/etc/hosts"}, TierSuperAdmin},
		{"read etc hosts", Operation{Tool: ToolRead, Target: "/etc/hosts"}, ""},
		{"write boot", Operation{Tool: ToolWrite, Target: "/boot/grub/grub.cfg"}, TierCritical},
		{"content is data", Operation{Tool: ToolWrite, Target: "/home/u/notes.md", Payload: "rm -rf /"}, ""},
		{"fetch metadata", Operation{Tool: ToolWebFetch, Target: "http://169.254.169.254/latest"}, TierCritical},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := m.Match(tc.op)
			var got Tier
			if res != nil {
				got = res.Tier
			}
			if got != tc.want {
				t.Errorf("Match(%+v) tier = %q, want %q", tc.op, got, tc.want)
			}
		})
	}
}

func TestMatcherCriticalBeforeSuperAdmin(t *testing.T) {
	m := NewMatcher()

	// sudo alone is superadmin; the wrapped command is critical.
	res := m.Match(Operation{Tool: ToolBash, Payload: "sudo dd if=/dev/zero of=/dev/sda"})
	if res == nil || res.Tier != TierCritical {
		t.Fatalf("expected critical match, got %+v", res)
	}
	if m.MatchSuperAdmin(Operation{Tool: ToolBash, Payload: "sudo dd if=/dev/zero of=/dev/sda"}) == nil {
		t.Fatal("expected superadmin set to match sudo as well")
	}
}

func TestMatcherParseErrorStillMatchesRaw(t *testing.T) {
	m := NewMatcher()

	res := m.Match(Operation{Tool: ToolBash, Payload: "rm -rf / 'unterminated"})
	if res == nil {
		t.Fatal("expected a match despite unbalanced quotes")
	}
	if !res.ParseError {
		t.Error("expected ParseError to be reported")
	}
}

func TestExportIsDeterministic(t *testing.T) {
	m := NewMatcher()

	if m.ComputeHash() != NewMatcher().ComputeHash() {
		t.Fatal("pattern hash differs between matchers")
	}

	export := m.Export()
	if len(export.Tiers) != 2 {
		t.Fatalf("expected 2 tiers, got %d", len(export.Tiers))
	}
	if got := len(export.Tiers[string(TierCritical)].Patterns); got != len(m.ListPatterns(TierCritical)) {
		t.Errorf("critical export has %d patterns, want %d", got, len(m.ListPatterns(TierCritical)))
	}

	data, err := m.ExportJSON()
	if err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}
	var decoded PatternExport
	if err := json.Unmarshal([]byte(data), &decoded); err != nil {
		t.Fatalf("decoding export: %v", err)
	}
	if decoded.SHA256 != m.ComputeHash() {
		t.Errorf("export hash = %s, want %s", decoded.SHA256, m.ComputeHash())
	}
}
