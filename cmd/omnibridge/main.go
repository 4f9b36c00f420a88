package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cortexuvula/omnibridge/internal/agent"
	"github.com/cortexuvula/omnibridge/internal/codec"
	"github.com/cortexuvula/omnibridge/internal/config"
	"github.com/cortexuvula/omnibridge/internal/gateway"
	"github.com/cortexuvula/omnibridge/internal/health"
	"github.com/cortexuvula/omnibridge/internal/lessondb"
	"github.com/cortexuvula/omnibridge/internal/logging"
	"github.com/cortexuvula/omnibridge/internal/metrics"
	"github.com/cortexuvula/omnibridge/internal/platform"
	"github.com/cortexuvula/omnibridge/internal/router"
	"github.com/cortexuvula/omnibridge/internal/security"
	"github.com/cortexuvula/omnibridge/internal/setup"
	"github.com/cortexuvula/omnibridge/internal/tunnel"
	"github.com/cortexuvula/omnibridge/internal/workspace"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "omnibridge",
		Short: "Multi-platform messaging gateway with tunnel supervision and sub-agents",
	}

	var configPath string
	var verbose bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(configPath, verbose)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("omnibridge %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Listen: %s\n", cfg.ListenAddress())
			if cfg.Gateway.TLS.Enabled {
				fmt.Printf("  Direct TLS: %s\n", cfg.DirectListenAddress())
			}
			fmt.Printf("  Health: %s\n", cfg.Health.ListenAddress)
			fmt.Printf("  Workspace: %s\n", cfg.Agents.Workspace)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check health (exit 0 if healthy, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			return checkHealth(url)
		},
	}
	healthCmd.Flags().String("url", "http://127.0.0.1:18791/health", "Health endpoint URL")

	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setup.RunWizard(os.Stdin, os.Stdout, setup.WizardOptions{ConfigPath: configPath})
		},
	}
	setupCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to write config file")

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate systemd service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFlag, _ := cmd.Flags().GetBool("print")
			if printFlag {
				printSystemdUnit()
			}
			return nil
		},
	}
	systemdCmd.Flags().Bool("print", false, "Print systemd unit to stdout")

	rootCmd.AddCommand(startCmd, versionCmd, validateCmd, healthCmd, setupCmd, systemdCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	lj := logging.Setup(cfg.Logging)
	if lj != nil {
		defer lj.Close()
	}

	// Keep recent log records in memory for the debug endpoint.
	capture := logging.NewCapture(512)
	slog.SetDefault(slog.New(capture.Wrap(slog.Default().Handler())))

	slog.Info("starting omnibridge",
		"version", Version,
		"listen", cfg.ListenAddress(),
		"health", cfg.Health.ListenAddress,
	)

	// Frame codec (optional).
	var cdc *codec.Codec
	if cfg.Gateway.Encryption.Enabled {
		cdc, err = codec.New(cfg.Gateway.Encryption.Password)
		if err != nil {
			return fmt.Errorf("initializing frame codec: %w", err)
		}
		slog.Info("frame encryption enabled")
	}

	// Admission limiter with per-class caps.
	var limiter *security.AdmissionLimiter
	if cfg.Security.RateLimit.Enabled {
		limiter = security.NewAdmissionLimiter(map[security.ConnectionClass]int{
			security.ClassLocal:    cfg.Security.RateLimit.Local,
			security.ClassVPN:      cfg.Security.RateLimit.VPN,
			security.ClassTunneled: cfg.Security.RateLimit.Cloudflare,
			security.ClassDirect:   cfg.Security.RateLimit.Direct,
		})
		defer limiter.Stop()
	}

	// Tunnel supervision and health monitoring.
	var specs []tunnel.Spec
	if cfg.Tunnels.Cloudflare.Enabled {
		specs = append(specs, tunnel.Spec{
			Class:      security.ClassTunneled,
			Executable: cfg.Tunnels.Cloudflare.Executable,
			Args:       cfg.Tunnels.Cloudflare.Args,
			Desired:    true,
		})
	}
	supervisor := tunnel.NewSupervisor(specs, cfg.Tunnels.SettlePeriod, cfg.Tunnels.ProbeTimeout)
	var vpnStatus []string
	if cfg.Tunnels.VPN.Enabled {
		vpnStatus = cfg.Tunnels.VPN.StatusCommand
	}
	monitor := tunnel.NewMonitor(supervisor, vpnStatus, cfg.Tunnels.ProbeTimeout)

	server := gateway.New(cfg, supervisor, monitor, limiter, cdc)

	// Optional Prometheus metrics.
	var m *metrics.Metrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.New()
		server.Metrics = m
		monitor.SetMetrics(m)
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Monitoring.MetricsEndpoint)
	}

	// Sub-agent pipeline. A coordinator without a provider would block
	// every spawn in pre-flight, so agents stay disabled until an LLM
	// endpoint is configured; the gateway itself runs fine without one.
	var spawner router.Spawner
	if cfg.Agents.LLM.BaseURL != "" {
		provider := agent.NewOpenAIProvider(cfg.Agents.LLM.APIKey, cfg.Agents.LLM.Model, cfg.Agents.LLM.BaseURL)
		fs, err := workspace.New(cfg.Agents.Workspace)
		if err != nil {
			return fmt.Errorf("preparing agent workspace: %w", err)
		}
		store, err := lessondb.Open(context.Background(), cfg.Agents.LessonDB)
		if err != nil {
			return fmt.Errorf("opening lesson store: %w", err)
		}
		defer store.Close()

		coordinator := agent.NewCoordinator(provider, agent.NewToolset(fs, nil, nil), store, cfg.Agents.MaxSteps)
		coordinator.SetNotify(func(event any) { server.Broadcast(event) })
		spawner = coordinator
		slog.Info("sub-agents enabled", "provider", provider.Name(), "model", cfg.Agents.LLM.Model)
	} else {
		slog.Info("no LLM endpoint configured, agent commands disabled")
	}

	// Platform registry and frame routing.
	rt := router.New(server, nil, spawner)
	registry := platform.NewRegistry(rt.HandleInbound)
	rt.SetPlatforms(registry)
	server.RegisterHandler(rt.Handle)
	defer registry.ShutdownAll()

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}
	defer server.Stop()

	// Health server on its own loopback listener.
	var healthServer *http.Server
	if cfg.Health.Enabled {
		healthHandler := health.NewHandler(server, Version, cfg.Health.Detailed)
		if m != nil {
			healthHandler.SetMetrics(m)
		}
		healthMux := http.NewServeMux()
		healthMux.Handle(cfg.Health.Endpoint, healthHandler)
		healthMux.Handle("/logs", capture)
		if cfg.Monitoring.MetricsEnabled {
			healthMux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
		}
		healthServer = &http.Server{Addr: cfg.Health.ListenAddress, Handler: healthMux}
		go func() {
			slog.Info("health endpoint listening", "address", cfg.Health.ListenAddress)
			if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("health server error", "error", err)
			}
		}()
	}

	daemon.SdNotify(false, daemon.SdNotifyReady)

	// Watchdog heartbeat (every 15s for WatchdogSec=30s).
	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					slog.Warn("failed to notify watchdog", "error", err)
				}
			case <-watchdogCtx.Done():
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, reloading config")
			newCfg, err := config.Load(configPath)
			if err != nil {
				slog.Error("config reload failed", "error", err)
				continue
			}
			for _, w := range config.IsReloadSafe(cfg, newCfg) {
				slog.Warn("config reload warning", "warning", w)
			}
			cfg = cfg.ApplyReloadableFields(newCfg)
			server.UpdateConfig(cfg)
			logging.Setup(cfg.Logging)
			slog.SetDefault(slog.New(capture.Wrap(slog.Default().Handler())))
			slog.Info("config reloaded successfully")

		case syscall.SIGTERM, syscall.SIGINT:
			slog.Info("received shutdown signal, draining connections",
				"signal", sig.String(),
				"drain_timeout", cfg.Gateway.DrainTimeout.String(),
			)
			watchdogCancel()
			daemon.SdNotify(false, daemon.SdNotifyStopping)

			if healthServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.DrainTimeout)
				healthServer.Shutdown(ctx)
				cancel()
			}
			server.Stop()
			slog.Info("shutdown complete")
			return nil
		}
	}
	return nil
}

func checkHealth(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Println("healthy")
		return nil
	}
	fmt.Fprintf(os.Stderr, "unhealthy (status: %d)\n", resp.StatusCode)
	os.Exit(1)
	return nil
}

func printSystemdUnit() {
	fmt.Print(`[Unit]
Description=omnibridge - Multi-platform messaging gateway
Documentation=https://github.com/cortexuvula/omnibridge
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
User=omnibridge
Group=omnibridge
ExecStartPre=/usr/local/bin/omnibridge validate --config /etc/omnibridge/config.yaml
ExecStart=/usr/local/bin/omnibridge start --config /etc/omnibridge/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
WatchdogSec=30s

# Security hardening
ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
ReadOnlyPaths=/etc/omnibridge
LogsDirectory=omnibridge
StateDirectory=omnibridge
LimitNOFILE=65535
MemoryMax=256M

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier=omnibridge

[Install]
WantedBy=multi-user.target
`)
}
