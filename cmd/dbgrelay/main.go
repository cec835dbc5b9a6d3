package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/kardianos/service"

	"github.com/dbgrelay/dbgrelay/internal/config"
	"github.com/dbgrelay/dbgrelay/internal/httpapi"
	"github.com/dbgrelay/dbgrelay/internal/relay"
)

const (
	serviceName        = "DBGRelay"
	serviceDisplayName = "DBG Relay"
	serviceDescription = "Bridges a browser-automation driver to a remote browser tab over the DBG protocol"
)

// program implements kardianos/service.Interface for OS service lifecycle.
type program struct {
	cfg    *config.Config
	cancel context.CancelFunc
}

func (p *program) Start(s service.Service) error {
	go p.run()
	return nil
}

func (p *program) Stop(s service.Service) error {
	slog.Info("service stop requested")
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

func (p *program) run() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	defer cancel()

	if err := runRelay(ctx, p.cfg); err != nil {
		slog.Error("relay exited with error", "error", err)
		os.Exit(1)
	}
}

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (default: /etc/dbgrelay/config.yaml)")
		doInstall   = flag.Bool("install", false, "install as an OS service")
		doUninstall = flag.Bool("uninstall", false, "uninstall the OS service")
		doRun       = flag.Bool("run", false, "run in foreground (non-service mode)")
	)
	flag.Parse()

	initLogger("info")

	if envPath := os.Getenv("DBGRELAY_CONFIG_PATH"); *configPath == "" && envPath != "" {
		*configPath = envPath
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	initLogger(cfg.LogLevel)

	svcConfig := &service.Config{
		Name:        serviceName,
		DisplayName: serviceDisplayName,
		Description: serviceDescription,
		Arguments:   []string{"-run"},
	}

	p := &program{cfg: cfg}
	svc, err := service.New(p, svcConfig)
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	switch {
	case *doInstall:
		if err := svc.Install(); err != nil {
			slog.Error("failed to install service", "error", err)
			os.Exit(1)
		}
		fmt.Println("Service installed successfully:", serviceName)

	case *doUninstall:
		if err := svc.Stop(); err != nil {
			slog.Warn("failed to stop service (may not be running)", "error", err)
		}
		if err := svc.Uninstall(); err != nil {
			slog.Error("failed to uninstall service", "error", err)
			os.Exit(1)
		}
		fmt.Println("Service uninstalled successfully:", serviceName)

	case *doRun, service.Interactive():
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		slog.Info("starting relay in foreground mode")
		if err := runRelay(ctx, cfg); err != nil {
			slog.Error("relay exited with error", "error", err)
			os.Exit(1)
		}

	default:
		if err := svc.Run(); err != nil {
			slog.Error("service run failed", "error", err)
			os.Exit(1)
		}
	}
}

// runRelay starts the relay server and its inspection HTTP routes, and blocks
// until ctx is cancelled, then calls Stop, which sends a normal close frame on
// both sockets and closes the listener at once; no shutdown deadline applies.
func runRelay(ctx context.Context, cfg *config.Config) error {
	startedAt := time.Now()

	host, port, err := splitListenAddr(cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("parsing listen_addr: %w", err)
	}

	var r *relay.Relay
	r = relay.New(relay.Options{
		Host:       host,
		Port:       port,
		AgentPath:  cfg.AgentPath,
		DriverPath: cfg.DriverPath,
		Logger:     slog.Default(),
		ExtraRoutes: func(router *mux.Router) {
			httpapi.Register(router, r, cfg.StatusToken, startedAt)
		},
	})

	if err := r.Start(); err != nil {
		return fmt.Errorf("starting relay: %w", err)
	}
	slog.Info("relay started", "agentUrl", r.AgentURL(), "driverUrl", r.DriverURL())

	<-ctx.Done()

	slog.Info("shutting down relay")
	if err := r.Stop(); err != nil {
		return fmt.Errorf("stopping relay: %w", err)
	}
	slog.Info("relay shut down cleanly")
	return nil
}

// splitListenAddr splits a "host:port" listen address into its parts. An
// address with no host (":9223") binds on all interfaces.
func splitListenAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in listen address %q: %w", addr, err)
	}
	return host, port, nil
}

func initLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
