package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cortexuvula/omnibridge/internal/config"
	"github.com/cortexuvula/omnibridge/internal/security"
)

const (
	defaultConfigPath = "/etc/omnibridge/config.yaml"
	defaultGatewayPort = "18790"
	defaultHealthPort  = "18791"
)

// WizardOptions configures the setup wizard.
type WizardOptions struct {
	ConfigPath string        // Override default config path
	DetectVPN  func() string // Override VPN overlay IP detection (for testing)
}

// RunWizard runs the interactive setup wizard.
// It takes io.Reader/io.Writer for testability.
func RunWizard(in io.Reader, out io.Writer, opts WizardOptions) error {
	scanner := bufio.NewScanner(in)
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = defaultConfigPath
	}

	// Check if running as root; fall back to local config if not
	isRoot := os.Geteuid() == 0
	if !isRoot && configPath == defaultConfigPath {
		configPath = "./config.yaml"
		fmt.Fprintf(out, "NOTE: Not running as root. Config will be written to %s\n", configPath)
		fmt.Fprintf(out, "      Run with sudo for system-wide install: sudo omnibridge setup\n\n")
	}

	fmt.Fprintln(out, "omnibridge Setup")
	fmt.Fprintln(out, "================")
	fmt.Fprintln(out)

	// Step 1: Detect a VPN overlay address. Binding to it exposes the
	// gateway to the tailnet without opening it to the LAN.
	fmt.Fprintln(out, "Detecting VPN overlay network...")
	detect := detectVPNIP
	if opts.DetectVPN != nil {
		detect = opts.DetectVPN
	}
	vpnIP := detect()
	if vpnIP == "" {
		fmt.Fprintln(out, "  No overlay IP detected. The gateway will bind to loopback only.")
		fmt.Fprintln(out, "  Run: tailscale status")
		fmt.Fprintln(out)
	} else {
		fmt.Fprintf(out, "  Found overlay IP: %s\n\n", vpnIP)
	}

	// Step 2: Bind host
	defaultHost := "127.0.0.1"
	if vpnIP != "" {
		defaultHost = vpnIP
	}
	host := prompt(scanner, out,
		fmt.Sprintf("Gateway bind host [%s]: ", defaultHost),
		defaultHost)

	// Step 3: Gateway port
	port := promptPort(scanner, out,
		fmt.Sprintf("Gateway port [%s]: ", defaultGatewayPort),
		defaultGatewayPort)

	if reason := checkPortAvailable(host, port); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s on %s %s\n\n", port, host, reason)
	}

	// Step 4: Health port
	healthPort := promptPort(scanner, out,
		fmt.Sprintf("Health check port [%s]: ", defaultHealthPort),
		defaultHealthPort)
	healthAddress := net.JoinHostPort("127.0.0.1", healthPort)

	if reason := checkPortAvailable("127.0.0.1", healthPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s on 127.0.0.1 %s\n\n", healthPort, reason)
	}

	// Step 5: Auth token (optional)
	authToken := prompt(scanner, out,
		"Auth token (leave empty for none): ", "")

	// Step 6: Frame encryption (optional)
	encryptPassword := prompt(scanner, out,
		"Frame encryption password (leave empty to disable): ", "")

	// Step 7: Cloudflare tunnel
	cloudflare := prompt(scanner, out,
		"Enable Cloudflare tunnel (requires cloudflared)? [y/N]: ", "n")
	cloudflareEnabled := strings.HasPrefix(strings.ToLower(cloudflare), "y")

	// Step 8: Agent workspace
	defaultWorkspace := "/var/lib/omnibridge/workspace"
	if !isRoot {
		defaultWorkspace = "./workspace"
	}
	workspace := prompt(scanner, out,
		fmt.Sprintf("Agent workspace directory [%s]: ", defaultWorkspace),
		defaultWorkspace)
	if !filepath.IsAbs(workspace) {
		if abs, err := filepath.Abs(workspace); err == nil {
			workspace = abs
		}
	}

	// Step 9: Check for existing config
	if _, err := os.Stat(configPath); err == nil {
		overwrite := prompt(scanner, out,
			fmt.Sprintf("Config already exists at %s. Overwrite? [y/N]: ", configPath), "n")
		if !strings.HasPrefix(strings.ToLower(overwrite), "y") {
			fmt.Fprintln(out, "Setup cancelled.")
			return nil
		}
	}

	// Step 10: Write config
	fmt.Fprintf(out, "\nWriting config to %s...\n", configPath)
	configContent := generateConfig(host, port, healthAddress, authToken, encryptPassword, workspace, cloudflareEnabled, vpnIP != "")

	if err := writeConfig(configPath, configContent, isRoot, out); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintln(out, "  Config written successfully.")

	// Step 11: Validate the written config
	fmt.Fprintln(out, "  Validating config...")
	if _, err := config.Load(configPath); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	fmt.Fprintln(out, "  Config is valid.")

	// Step 12: Offer to start systemd service (Linux + root only)
	if isRoot && isSystemdAvailable() {
		fmt.Fprintln(out)
		startService := prompt(scanner, out,
			"Start omnibridge service now? [Y/n]: ", "y")
		if strings.HasPrefix(strings.ToLower(startService), "y") || startService == "" {
			if err := startSystemdService(out); err != nil {
				fmt.Fprintf(out, "  WARNING: Failed to start service: %v\n", err)
				fmt.Fprintln(out, "  You can start it manually: sudo systemctl start omnibridge")
			}
		}
	}

	// Step 13: Print summary
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Setup complete!")
	fmt.Fprintln(out, "===============")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Config:       %s\n", configPath)
	fmt.Fprintf(out, "  Gateway:      ws://%s\n", net.JoinHostPort(host, port))
	fmt.Fprintf(out, "  Health:       http://%s/health\n", healthAddress)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Useful commands:")
	fmt.Fprintf(out, "  Check health:   curl http://%s/health\n", healthAddress)
	fmt.Fprintln(out, "  View logs:      sudo journalctl -u omnibridge -f")
	fmt.Fprintln(out, "  Validate:       omnibridge validate --config "+configPath)

	return nil
}

// prompt displays a message and reads a line from the scanner.
// Returns defaultVal if input is empty or EOF.
func prompt(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	fmt.Fprint(out, message)
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

// validatePort checks that a port string is a valid TCP port (1-65535).
func validatePort(port string) bool {
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

// promptPort prompts for a port, re-prompting on invalid input.
// Returns defaultVal on empty/EOF input.
func promptPort(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	val := prompt(scanner, out, message, defaultVal)
	for !validatePort(val) {
		fmt.Fprintf(out, "  Invalid port %q: must be a number between 1 and 65535\n", val)
		val = prompt(scanner, out, message, defaultVal)
		// If we got the default back (EOF/empty), and default is valid, accept it
		if val == defaultVal {
			return defaultVal
		}
	}
	return val
}

// detectVPNIP finds a local VPN overlay IP address.
func detectVPNIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		// IsVPNIP expects host:port format
		if security.IsVPNIP(ipNet.IP.String() + ":0") {
			return ipNet.IP.String()
		}
	}
	return ""
}

// checkPortAvailable checks if a TCP port is free on the given host.
// Returns empty string if available, or a reason string if not.
func checkPortAvailable(host, port string) string {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		if errors.Is(err, syscall.EACCES) {
			return "permission denied (try sudo or a port >= 1024)"
		}
		return "appears to be in use"
	}
	ln.Close()
	return ""
}

// isSystemdAvailable checks if systemctl is available.
func isSystemdAvailable() bool {
	_, err := exec.LookPath("systemctl")
	return err == nil
}

// startSystemdService starts (or restarts) the omnibridge service.
func startSystemdService(out io.Writer) error {
	// Reload in case service file changed
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}

	// Try restart first (handles already-running case), fall back to start
	if err := exec.Command("systemctl", "restart", "omnibridge").Run(); err != nil {
		if err := exec.Command("systemctl", "start", "omnibridge").Run(); err != nil {
			return err
		}
	}

	// Brief wait then check status
	time.Sleep(2 * time.Second)
	output, err := exec.Command("systemctl", "is-active", "omnibridge").Output()
	if err != nil {
		return fmt.Errorf("service did not start (status: %s)", strings.TrimSpace(string(output)))
	}
	status := strings.TrimSpace(string(output))
	if status == "active" {
		fmt.Fprintln(out, "  Service started successfully.")
	} else {
		fmt.Fprintf(out, "  Service status: %s\n", status)
	}
	return nil
}

// yamlEscapeString escapes a string for use inside YAML double quotes.
func yamlEscapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// generateConfig creates a commented YAML config string.
func generateConfig(host, port, healthAddress, authToken, encryptPassword, workspace string, cloudflare, vpn bool) string {
	authTokenLine := `  auth_token: ""`
	if authToken != "" {
		authTokenLine = fmt.Sprintf(`  auth_token: "%s"`, yamlEscapeString(authToken))
	}

	encryptionBlock := `  encryption:
    enabled: false
    password: ""`
	if encryptPassword != "" {
		encryptionBlock = fmt.Sprintf(`  encryption:
    enabled: true
    password: "%s"`, yamlEscapeString(encryptPassword))
	}

	return fmt.Sprintf(`# omnibridge Configuration
# Generated by: omnibridge setup
# Documentation: https://github.com/cortexuvula/omnibridge

gateway:
  # Listen host and port for the WebSocket ingress
  host: "%s"
  port: %s

  # Shutdown: wait for active connections to finish
  drain_timeout: "30s"

  # WebSocket settings
  max_message_size: 1048576  # 1MB
  ping_interval: "30s"
  pong_timeout: "10s"
  write_timeout: "30s"

  # Direct TLS listener (binds to port+1 when enabled)
  tls:
    enabled: false
    cert_file: ""
    key_file: ""

  # Optional frame encryption (clients must share the password)
%s

tunnels:
  cloudflare:
    enabled: %t
    executable: "cloudflared"
    args: []
  vpn:
    enabled: %t
    status_command: ["tailscale", "status"]
  settle_period: "2s"
  probe_timeout: "10s"

security:
  # Clients send via Authorization: Bearer <token> header or ?token=xxx query param
%s

  # Admission caps per trust class (connections per 60s window)
  rate_limit:
    enabled: true
    local: 1000
    vpn: 500
    cloudflare: 100
    direct: 100
    messages_per_second: 100

  # Connection limits
  max_connections: 1000
  max_connections_per_client: 10

agents:
  workspace: "%s"
  max_steps: 5
  lesson_db: "%s"
  llm:
    base_url: ""  # e.g. https://api.openai.com/v1; empty disables agents
    api_key: ""
    model: ""

logging:
  level: "info"
  format: "json"
  file: ""  # Empty = stdout (journald captures this)

health:
  enabled: true
  endpoint: "/health"
  listen_address: "%s"
  detailed: true

monitoring:
  metrics_enabled: false
  metrics_endpoint: "/metrics"
`, yamlEscapeString(host), port, encryptionBlock, cloudflare, vpn, authTokenLine,
		yamlEscapeString(workspace), yamlEscapeString(filepath.Join(filepath.Dir(workspace), "lessons.db")),
		yamlEscapeString(healthAddress))
}

// writeConfig writes the config file, creating parent directories as needed.
func writeConfig(path, content string, setOwnership bool, out io.Writer) error {
	path = filepath.Clean(path)

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	// Set ownership to omnibridge:omnibridge if running as root
	if setOwnership {
		u, err := user.Lookup("omnibridge")
		if err != nil {
			fmt.Fprintf(out, "  WARNING: Could not look up user omnibridge: %v\n", err)
			return nil
		}
		g, err := user.LookupGroup("omnibridge")
		if err != nil {
			fmt.Fprintf(out, "  WARNING: Could not look up group omnibridge: %v\n", err)
			return nil
		}
		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			fmt.Fprintf(out, "  WARNING: Could not parse UID %q for user omnibridge: %v\n", u.Uid, err)
			return nil
		}
		gid, err := strconv.Atoi(g.Gid)
		if err != nil {
			fmt.Fprintf(out, "  WARNING: Could not parse GID %q for group omnibridge: %v\n", g.Gid, err)
			return nil
		}
		if err := os.Chown(path, uid, gid); err != nil {
			fmt.Fprintf(out, "  WARNING: Could not set ownership to omnibridge:omnibridge: %v\n", err)
		}
	}

	return nil
}
