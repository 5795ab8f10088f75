package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pactd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsSecureByDefault(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Auth.Enabled || !cfg.Auth.enabledSet {
		t.Fatalf("expected auth.enabled to default to true")
	}
	if cfg.Auth.ArbiterScope != "arbiter" || cfg.Auth.ScopeClaim != "scope" {
		t.Fatalf("unexpected auth defaults %+v", cfg.Auth)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `
environment: dev
listen: 127.0.0.1:9090
readTimeout: 5s
auth:
  enabled: false
rateLimits:
  - id: disputes
    ratePerSecond: 2
    burst: 4
    tokens:
      "POST /v1/disputes": 2
pact:
  policyFile: /etc/pact/policy.toml
  arbiterKeyFile: /etc/pact/arbiter.key
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:9090" || cfg.ReadTimeout != 5*time.Second {
		t.Fatalf("unexpected listener config %+v", cfg)
	}
	if cfg.Auth.Enabled {
		t.Fatalf("explicit auth.enabled=false must stick in dev")
	}
	if cfg.Auth.ClockSkew != 2*time.Minute {
		t.Fatalf("clock skew default not applied: %v", cfg.Auth.ClockSkew)
	}
	rl, ok := cfg.RateLimit("disputes")
	if !ok || rl.Burst != 4 || rl.Tokens["POST /v1/disputes"] != 2 {
		t.Fatalf("unexpected rate limit %+v", rl)
	}
	if cfg.Pact.PolicyFile != "/etc/pact/policy.toml" || cfg.Pact.ArbiterKeyFile != "/etc/pact/arbiter.key" {
		t.Fatalf("unexpected pact config %+v", cfg.Pact)
	}
}

func TestLoadRejects(t *testing.T) {
	cases := []struct {
		name    string
		content string
		target  error
	}{
		{name: "auth disabled in prod", content: "environment: prod\nauth:\n  enabled: false\n", target: ErrAuthDisabledOutsideDev},
		{name: "missing secret in prod", content: "environment: prod\n", target: ErrAuthSecretMissing},
		{name: "unknown key", content: "listn: :80\n"},
		{name: "duplicate rate limit", content: "rateLimits:\n  - id: a\n  - id: a\n"},
		{name: "zero token cost", content: "rateLimits:\n  - id: a\n    tokens:\n      \"GET /x\": 0\n"},
		{name: "zero body limit", content: "maxBodyBytes: 0\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			if err == nil {
				t.Fatalf("expected load to fail")
			}
			if tc.target != nil && !errors.Is(err, tc.target) {
				t.Fatalf("expected %v, got %v", tc.target, err)
			}
		})
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("PACT_ENV", "prod")
	t.Setenv("PACT_JWT_SECRET", "s3cret")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Environment != "prod" || cfg.Auth.HMACSecret != "s3cret" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}
