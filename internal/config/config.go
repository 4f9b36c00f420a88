package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for omnibridge.
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway"`
	Tunnels    TunnelsConfig    `yaml:"tunnels"`
	Security   SecurityConfig   `yaml:"security"`
	Agents     AgentsConfig     `yaml:"agents"`
	Logging    LoggingConfig    `yaml:"logging"`
	Health     HealthConfig     `yaml:"health"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GatewayConfig contains the core listener settings. The direct TLS
// listener, when enabled, binds to Port+1 with the given cert material.
type GatewayConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	TLS            TLSConfig     `yaml:"tls"`
	Encryption     EncryptionConfig `yaml:"encryption"`
}

// TLSConfig contains the direct HTTPS listener settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// EncryptionConfig controls the optional frame codec.
type EncryptionConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Password string `yaml:"password"`
}

// TunnelsConfig describes the external tunnel processes per class.
type TunnelsConfig struct {
	Cloudflare   TunnelConfig  `yaml:"cloudflare"`
	VPN          VPNConfig     `yaml:"vpn"`
	SettlePeriod time.Duration `yaml:"settle_period"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// TunnelConfig describes one managed tunnel executable.
type TunnelConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Executable string   `yaml:"executable"`
	Args       []string `yaml:"args"`
}

// VPNConfig describes the self-managing VPN daemon. The daemon is not
// spawned by omnibridge; only its status command is probed.
type VPNConfig struct {
	Enabled       bool     `yaml:"enabled"`
	StatusCommand []string `yaml:"status_command"`
}

// SecurityConfig contains admission and authentication settings.
type SecurityConfig struct {
	AuthToken           string          `yaml:"auth_token"`
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
	MaxConnections      int             `yaml:"max_connections"`
	MaxConnectionsPerClient int         `yaml:"max_connections_per_client"`
}

// RateLimitConfig contains per-class admission caps over a 60s window and
// the per-connection message throughput limit.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	Local             int  `yaml:"local"`
	VPN               int  `yaml:"vpn"`
	Cloudflare        int  `yaml:"cloudflare"`
	Direct            int  `yaml:"direct"`
	MessagesPerSecond int  `yaml:"messages_per_second"`
}

// AgentsConfig contains the sub-agent coordinator settings. Agents stay
// disabled until an LLM base URL is configured.
type AgentsConfig struct {
	Workspace  string    `yaml:"workspace"`
	MaxSteps   int       `yaml:"max_steps"`
	LessonDB   string    `yaml:"lesson_db"`
	LLM        LLMConfig `yaml:"llm"`
}

// LLMConfig points at an OpenAI-compatible chat completions API.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// HealthConfig contains health check endpoint settings.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	ListenAddress string `yaml:"listen_address"`
	Detailed      bool   `yaml:"detailed"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:           "127.0.0.1",
			Port:           18790,
			MaxMessageSize: 1048576, // 1MB
			WriteTimeout:   30 * time.Second,
			PingInterval:   30 * time.Second,
			PongTimeout:    10 * time.Second,
			DrainTimeout:   30 * time.Second,
		},
		Tunnels: TunnelsConfig{
			Cloudflare: TunnelConfig{
				Enabled:    false,
				Executable: "cloudflared",
			},
			VPN: VPNConfig{
				Enabled:       false,
				StatusCommand: []string{"tailscale", "status"},
			},
			SettlePeriod: 2 * time.Second,
			ProbeTimeout: 10 * time.Second,
		},
		Security: SecurityConfig{
			MaxConnections:          1000,
			MaxConnectionsPerClient: 10,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				Local:             1000,
				VPN:               500,
				Cloudflare:        100,
				Direct:            100,
				MessagesPerSecond: 100,
			},
		},
		Agents: AgentsConfig{
			Workspace: "/var/lib/omnibridge/workspace",
			MaxSteps:  5,
			LessonDB:  "/var/lib/omnibridge/lessons.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Health: HealthConfig{
			Enabled:       true,
			Endpoint:      "/health",
			ListenAddress: "127.0.0.1:18791",
			Detailed:      true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  false,
			MetricsEndpoint: "/metrics",
		},
	}
}

// Load reads a config file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s", path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// ListenAddress returns the local WS listen address.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Gateway.Host, fmt.Sprintf("%d", c.Gateway.Port))
}

// DirectListenAddress returns the direct TLS listen address (port+1).
func (c *Config) DirectListenAddress() string {
	return net.JoinHostPort(c.Gateway.Host, fmt.Sprintf("%d", c.Gateway.Port+1))
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Gateway.Host == "" {
		return fmt.Errorf("gateway.host is required")
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65534 {
		return fmt.Errorf("gateway.port must be in 1..65534 (port+1 is the direct TLS listener)")
	}
	if c.Gateway.MaxMessageSize <= 0 {
		return fmt.Errorf("gateway.max_message_size must be positive")
	}
	if c.Gateway.MaxMessageSize > 67108864 {
		return fmt.Errorf("gateway.max_message_size must not exceed 67108864 (64MB)")
	}
	if c.Gateway.WriteTimeout <= 0 {
		return fmt.Errorf("gateway.write_timeout must be positive")
	}
	if c.Gateway.DrainTimeout <= 0 {
		return fmt.Errorf("gateway.drain_timeout must be positive")
	}
	if c.Gateway.DrainTimeout > 5*time.Minute {
		return fmt.Errorf("gateway.drain_timeout must not exceed 5m")
	}
	if c.Gateway.WriteTimeout > 5*time.Minute {
		return fmt.Errorf("gateway.write_timeout must not exceed 5m")
	}

	if c.Gateway.TLS.Enabled {
		if c.Gateway.TLS.CertFile == "" {
			return fmt.Errorf("gateway.tls.cert_file is required when TLS is enabled")
		}
		if c.Gateway.TLS.KeyFile == "" {
			return fmt.Errorf("gateway.tls.key_file is required when TLS is enabled")
		}
	}
	if c.Gateway.Encryption.Enabled && c.Gateway.Encryption.Password == "" {
		return fmt.Errorf("gateway.encryption.password is required when encryption is enabled")
	}

	if c.Tunnels.Cloudflare.Enabled && c.Tunnels.Cloudflare.Executable == "" {
		return fmt.Errorf("tunnels.cloudflare.executable is required when the tunnel is enabled")
	}
	if c.Tunnels.VPN.Enabled && len(c.Tunnels.VPN.StatusCommand) == 0 {
		return fmt.Errorf("tunnels.vpn.status_command is required when the vpn probe is enabled")
	}
	if c.Tunnels.SettlePeriod <= 0 {
		return fmt.Errorf("tunnels.settle_period must be positive")
	}
	if c.Tunnels.ProbeTimeout <= 0 {
		return fmt.Errorf("tunnels.probe_timeout must be positive")
	}

	if c.Security.MaxConnections <= 0 {
		return fmt.Errorf("security.max_connections must be positive")
	}
	if c.Security.MaxConnections > 65535 {
		return fmt.Errorf("security.max_connections must not exceed 65535")
	}
	if c.Security.MaxConnectionsPerClient <= 0 {
		return fmt.Errorf("security.max_connections_per_client must be positive")
	}
	if c.Security.MaxConnectionsPerClient > c.Security.MaxConnections {
		return fmt.Errorf("security.max_connections_per_client must not exceed security.max_connections")
	}
	if c.Security.RateLimit.Enabled {
		for name, v := range map[string]int{
			"local":      c.Security.RateLimit.Local,
			"vpn":        c.Security.RateLimit.VPN,
			"cloudflare": c.Security.RateLimit.Cloudflare,
			"direct":     c.Security.RateLimit.Direct,
		} {
			if v <= 0 {
				return fmt.Errorf("security.rate_limit.%s must be positive", name)
			}
		}
	}

	if c.Agents.Workspace == "" {
		return fmt.Errorf("agents.workspace is required")
	}
	if !filepath.IsAbs(c.Agents.Workspace) {
		return fmt.Errorf("agents.workspace must be an absolute path")
	}
	if c.Agents.MaxSteps <= 0 {
		return fmt.Errorf("agents.max_steps must be positive")
	}
	if c.Agents.MaxSteps > 50 {
		return fmt.Errorf("agents.max_steps must not exceed 50")
	}
	if c.Agents.LLM.BaseURL != "" && c.Agents.LLM.Model == "" {
		return fmt.Errorf("agents.llm.model is required when agents.llm.base_url is set")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Health.Enabled {
		if c.Health.ListenAddress == "" {
			return fmt.Errorf("health.listen_address is required when health is enabled")
		}
		if _, _, err := net.SplitHostPort(c.Health.ListenAddress); err != nil {
			return fmt.Errorf("health.listen_address is invalid: %w", err)
		}
		host, _, _ := net.SplitHostPort(c.Health.ListenAddress)
		ip := net.ParseIP(host)
		if ip != nil && !ip.IsLoopback() {
			return fmt.Errorf("health.listen_address should bind to a loopback address (e.g. 127.0.0.1) to avoid exposing metrics")
		}
		if c.ListenAddress() == c.Health.ListenAddress {
			return fmt.Errorf("gateway listen address and health.listen_address must be different")
		}
	}

	return nil
}

// applyEnvOverrides applies OMNIBRIDGE_ prefixed environment variables.
// Convention: OMNIBRIDGE_ + uppercase + underscores for nesting.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"OMNIBRIDGE_GATEWAY_HOST":             func(v string) { cfg.Gateway.Host = v },
		"OMNIBRIDGE_GATEWAY_PORT":             func(v string) { cfg.Gateway.Port = parseInt(v, cfg.Gateway.Port) },
		"OMNIBRIDGE_GATEWAY_MAX_MESSAGE_SIZE": func(v string) { cfg.Gateway.MaxMessageSize = parseInt64(v, cfg.Gateway.MaxMessageSize) },
		"OMNIBRIDGE_GATEWAY_WRITE_TIMEOUT":    func(v string) { cfg.Gateway.WriteTimeout = parseDuration(v, cfg.Gateway.WriteTimeout) },
		"OMNIBRIDGE_GATEWAY_PING_INTERVAL":    func(v string) { cfg.Gateway.PingInterval = parseDuration(v, cfg.Gateway.PingInterval) },
		"OMNIBRIDGE_GATEWAY_PONG_TIMEOUT":     func(v string) { cfg.Gateway.PongTimeout = parseDuration(v, cfg.Gateway.PongTimeout) },
		"OMNIBRIDGE_GATEWAY_DRAIN_TIMEOUT":    func(v string) { cfg.Gateway.DrainTimeout = parseDuration(v, cfg.Gateway.DrainTimeout) },
		"OMNIBRIDGE_GATEWAY_ENCRYPTION_ENABLED":  func(v string) { cfg.Gateway.Encryption.Enabled = parseBool(v, cfg.Gateway.Encryption.Enabled) },
		"OMNIBRIDGE_GATEWAY_ENCRYPTION_PASSWORD": func(v string) { cfg.Gateway.Encryption.Password = v },
		"OMNIBRIDGE_TUNNELS_CLOUDFLARE_ENABLED":    func(v string) { cfg.Tunnels.Cloudflare.Enabled = parseBool(v, cfg.Tunnels.Cloudflare.Enabled) },
		"OMNIBRIDGE_TUNNELS_CLOUDFLARE_EXECUTABLE": func(v string) { cfg.Tunnels.Cloudflare.Executable = v },
		"OMNIBRIDGE_TUNNELS_VPN_ENABLED":           func(v string) { cfg.Tunnels.VPN.Enabled = parseBool(v, cfg.Tunnels.VPN.Enabled) },
		"OMNIBRIDGE_SECURITY_AUTH_TOKEN":            func(v string) { cfg.Security.AuthToken = v },
		"OMNIBRIDGE_SECURITY_MAX_CONNECTIONS":       func(v string) { cfg.Security.MaxConnections = parseInt(v, cfg.Security.MaxConnections) },
		"OMNIBRIDGE_SECURITY_RATE_LIMIT_ENABLED":    func(v string) { cfg.Security.RateLimit.Enabled = parseBool(v, cfg.Security.RateLimit.Enabled) },
		"OMNIBRIDGE_AGENTS_WORKSPACE":    func(v string) { cfg.Agents.Workspace = v },
		"OMNIBRIDGE_AGENTS_LESSON_DB":    func(v string) { cfg.Agents.LessonDB = v },
		"OMNIBRIDGE_AGENTS_LLM_BASE_URL": func(v string) { cfg.Agents.LLM.BaseURL = v },
		"OMNIBRIDGE_AGENTS_LLM_API_KEY":  func(v string) { cfg.Agents.LLM.APIKey = v },
		"OMNIBRIDGE_AGENTS_LLM_MODEL":    func(v string) { cfg.Agents.LLM.Model = v },
		"OMNIBRIDGE_LOGGING_LEVEL":    func(v string) { cfg.Logging.Level = v },
		"OMNIBRIDGE_LOGGING_FORMAT":   func(v string) { cfg.Logging.Format = v },
		"OMNIBRIDGE_LOGGING_FILE":     func(v string) { cfg.Logging.File = v },
		"OMNIBRIDGE_HEALTH_ENABLED":        func(v string) { cfg.Health.Enabled = parseBool(v, cfg.Health.Enabled) },
		"OMNIBRIDGE_HEALTH_LISTEN_ADDRESS": func(v string) { cfg.Health.ListenAddress = v },
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

// ApplyReloadableFields returns a copy of c with reloadable fields from newCfg.
// Non-reloadable: listeners, TLS material, tunnel executables, workspace.
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Security.RateLimit = newCfg.Security.RateLimit
	updated.Security.AuthToken = newCfg.Security.AuthToken
	updated.Security.MaxConnections = newCfg.Security.MaxConnections
	updated.Security.MaxConnectionsPerClient = newCfg.Security.MaxConnectionsPerClient
	updated.Logging.Level = newCfg.Logging.Level
	updated.Gateway.MaxMessageSize = newCfg.Gateway.MaxMessageSize
	updated.Agents.MaxSteps = newCfg.Agents.MaxSteps
	return &updated
}

// IsReloadSafe checks if only reloadable fields changed between configs.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Gateway.Host != new.Gateway.Host || old.Gateway.Port != new.Gateway.Port {
		warnings = append(warnings, "gateway listen address requires restart")
	}
	if !reflect.DeepEqual(old.Gateway.TLS, new.Gateway.TLS) {
		warnings = append(warnings, "gateway.tls requires restart")
	}
	if !reflect.DeepEqual(old.Tunnels, new.Tunnels) {
		warnings = append(warnings, "tunnels requires restart")
	}
	if old.Agents.Workspace != new.Agents.Workspace {
		warnings = append(warnings, "agents.workspace requires restart")
	}
	if old.Health.ListenAddress != new.Health.ListenAddress {
		warnings = append(warnings, "health.listen_address requires restart")
	}
	return warnings
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt64(s string, fallback int64) int64 {
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
