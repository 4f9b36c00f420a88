package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if cfg.Gateway.Port != 18790 {
		t.Errorf("expected default port 18790, got %d", cfg.Gateway.Port)
	}
	if cfg.Security.RateLimit.Local != 1000 {
		t.Errorf("expected default local cap 1000, got %d", cfg.Security.RateLimit.Local)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
gateway:
  host: 127.0.0.1
  port: 9100
  max_message_size: 65536
tunnels:
  cloudflare:
    enabled: true
    executable: /usr/local/bin/cloudflared
security:
  rate_limit:
    enabled: true
    local: 500
    vpn: 250
    cloudflare: 50
    direct: 50
agents:
  workspace: /tmp/ws
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9100 {
		t.Errorf("port = %d, want 9100", cfg.Gateway.Port)
	}
	if cfg.ListenAddress() != "127.0.0.1:9100" {
		t.Errorf("ListenAddress = %s", cfg.ListenAddress())
	}
	if cfg.DirectListenAddress() != "127.0.0.1:9101" {
		t.Errorf("DirectListenAddress = %s", cfg.DirectListenAddress())
	}
	if !cfg.Tunnels.Cloudflare.Enabled {
		t.Error("cloudflare tunnel should be enabled")
	}
	if cfg.Security.RateLimit.Local != 500 {
		t.Errorf("local cap = %d, want 500", cfg.Security.RateLimit.Local)
	}
	// Unset fields keep defaults
	if cfg.Gateway.WriteTimeout != 30*time.Second {
		t.Errorf("write timeout should default to 30s, got %v", cfg.Gateway.WriteTimeout)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OMNIBRIDGE_GATEWAY_PORT", "9999")
	t.Setenv("OMNIBRIDGE_SECURITY_AUTH_TOKEN", "sekrit")
	t.Setenv("OMNIBRIDGE_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("env port override not applied, got %d", cfg.Gateway.Port)
	}
	if cfg.Security.AuthToken != "sekrit" {
		t.Errorf("env auth token override not applied")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("env log level override not applied")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no host", func(c *Config) { c.Gateway.Host = "" }, "gateway.host"},
		{"bad port", func(c *Config) { c.Gateway.Port = 0 }, "gateway.port"},
		{"port too high", func(c *Config) { c.Gateway.Port = 65535 }, "gateway.port"},
		{"zero message size", func(c *Config) { c.Gateway.MaxMessageSize = 0 }, "max_message_size"},
		{"huge message size", func(c *Config) { c.Gateway.MaxMessageSize = 1 << 30 }, "max_message_size"},
		{"tls without cert", func(c *Config) { c.Gateway.TLS.Enabled = true }, "cert_file"},
		{"encryption without password", func(c *Config) { c.Gateway.Encryption.Enabled = true }, "password"},
		{"tunnel without executable", func(c *Config) {
			c.Tunnels.Cloudflare.Enabled = true
			c.Tunnels.Cloudflare.Executable = ""
		}, "executable"},
		{"vpn without status command", func(c *Config) {
			c.Tunnels.VPN.Enabled = true
			c.Tunnels.VPN.StatusCommand = nil
		}, "status_command"},
		{"zero max connections", func(c *Config) { c.Security.MaxConnections = 0 }, "max_connections"},
		{"per-client over global", func(c *Config) {
			c.Security.MaxConnections = 5
			c.Security.MaxConnectionsPerClient = 6
		}, "max_connections_per_client"},
		{"zero rate cap", func(c *Config) { c.Security.RateLimit.VPN = 0 }, "rate_limit"},
		{"relative workspace", func(c *Config) { c.Agents.Workspace = "relative/path" }, "absolute"},
		{"zero max steps", func(c *Config) { c.Agents.MaxSteps = 0 }, "max_steps"},
		{"llm url without model", func(c *Config) { c.Agents.LLM.BaseURL = "https://api.example.com/v1" }, "llm.model"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"non-loopback health", func(c *Config) { c.Health.ListenAddress = "0.0.0.0:18791" }, "loopback"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q should mention %q", err, tc.want)
			}
		})
	}
}

func TestApplyReloadableFields(t *testing.T) {
	old := DefaultConfig()
	updated := DefaultConfig()
	updated.Security.AuthToken = "new-token"
	updated.Security.RateLimit.Local = 200
	updated.Logging.Level = "debug"
	updated.Gateway.Port = 1234 // not reloadable

	merged := old.ApplyReloadableFields(updated)
	if merged.Security.AuthToken != "new-token" {
		t.Error("auth token should be reloadable")
	}
	if merged.Security.RateLimit.Local != 200 {
		t.Error("rate limit should be reloadable")
	}
	if merged.Logging.Level != "debug" {
		t.Error("log level should be reloadable")
	}
	if merged.Gateway.Port != old.Gateway.Port {
		t.Error("listen port must not change on reload")
	}
}

func TestIsReloadSafe(t *testing.T) {
	old := DefaultConfig()
	same := DefaultConfig()
	if w := IsReloadSafe(old, same); len(w) != 0 {
		t.Errorf("identical configs should be reload safe, got %v", w)
	}

	changed := DefaultConfig()
	changed.Gateway.Port = 2222
	changed.Agents.Workspace = "/other/ws"
	w := IsReloadSafe(old, changed)
	if len(w) != 2 {
		t.Errorf("expected 2 warnings, got %v", w)
	}
}
