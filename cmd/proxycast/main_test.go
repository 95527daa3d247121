package main

import (
	"strings"
	"testing"
	"time"

	"github.com/lyqf/proxycast/internal/config"
)

func TestRedactSecrets(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "env assignment", in: "API_KEY=sk-abc123", want: "API_KEY=[redacted]"},
		{name: "yaml style", in: "token: ghp_deadbeef", want: "token: [redacted]"},
		{name: "header", in: "Authorization: Bearer xyz", want: "Authorization: [redacted] xyz"},
		{name: "plain text untouched", in: "no credentials here", want: "no credentials here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redactSecrets(tt.in); got != tt.want {
				t.Fatalf("redactSecrets(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRedactSecretsKeepsSurroundingOutput(t *testing.T) {
	in := "building...\nexport OPENAI_API_KEY=sk-live-1234\ndone\n"
	got := redactSecrets(in)
	if strings.Contains(got, "sk-live-1234") {
		t.Fatalf("secret survived redaction: %q", got)
	}
	if !strings.Contains(got, "building...") || !strings.Contains(got, "done") {
		t.Fatalf("non-secret output mangled: %q", got)
	}
}

func TestRetryPolicyFromConfig(t *testing.T) {
	p := retryPolicy(config.RetryConfig{MaxRetries: 7, BaseDelayMS: 100, MaxDelayMS: 2000, Factor: 3, JitterRatio: 0.1})
	if p.MaxRetries != 7 {
		t.Fatalf("MaxRetries = %d, want 7", p.MaxRetries)
	}
	if p.BaseDelay != 100*time.Millisecond || p.MaxDelay != 2*time.Second {
		t.Fatalf("delays = %v/%v", p.BaseDelay, p.MaxDelay)
	}
	if !p.Retryable(429) {
		t.Fatal("default retryable statuses should survive config overrides")
	}
}

func TestRetryPolicyZeroConfigKeepsDefaults(t *testing.T) {
	p := retryPolicy(config.RetryConfig{})
	if p.MaxRetries != 3 || p.Factor != 2.0 {
		t.Fatalf("defaults not applied: retries=%d factor=%v", p.MaxRetries, p.Factor)
	}
}

func TestMemoryConfigMapsProjectFile(t *testing.T) {
	cfg := config.Config{HomeDir: "/tmp/pc"}
	cfg.Memory.ProjectFileNames = []string{"AGENT.md", "PROXYCAST.md"}
	mc := memoryConfig(cfg, "/tmp/pc/workspace")
	if mc.ProjectFileName != "AGENT.md" {
		t.Fatalf("ProjectFileName = %q", mc.ProjectFileName)
	}
	if mc.WorkDir != "/tmp/pc/workspace" || mc.HomeDir != "/tmp/pc" {
		t.Fatalf("dirs not mapped: %+v", mc)
	}
}
