// Command gatewayd runs the Instrument Gateway: it wires the composition
// root and serves the Request Gateway's REST and duplex surfaces over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/r3e-labs/instrument-gateway/internal/app"
	"github.com/r3e-labs/instrument-gateway/internal/gateway"
	"github.com/r3e-labs/instrument-gateway/pkg/config"
	"github.com/r3e-labs/instrument-gateway/pkg/logger"
)

// Exit codes: 0 clean shutdown, 1 configuration/startup failure, 2 an
// unsupported configuration was requested (Backend: "real" has no driver
// yet), 64 (EX_USAGE) a CLI flag was malformed.
const (
	exitOK            = 0
	exitStartupFailed = 1
	exitUnsupported   = 2
	exitUsage         = 64
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("gatewayd", flag.ContinueOnError)
	addr := fs.String("addr", "", "HTTP listen address (overrides config, default :8080)")
	dataDir := fs.String("data-dir", "", "directory for persisted alarms/jobs/named states (overrides config)")
	backend := fs.String("backend", "", "instrument transport backend: mock (default) or real")
	enforceLocks := fs.Bool("enforce-locks", true, "require the exclusive lock for control commands")
	rateLimit := fs.Int("command-rate-per-min", 0, "per-session command rate limit per minute (overrides config)")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	configPath := fs.String("config", "", "path to a YAML config file (defaults to configs/config.yaml if present)")

	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if trimmed := strings.TrimSpace(*configPath); trimmed != "" {
		os.Setenv("CONFIG_FILE", trimmed)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitStartupFailed
	}

	if *addr != "" {
		host, port, splitErr := splitHostPort(*addr)
		if splitErr != nil {
			fmt.Fprintf(os.Stderr, "invalid -addr %q: %v\n", *addr, splitErr)
			return exitUsage
		}
		cfg.Server.Host, cfg.Server.Port = host, port
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if *backend != "" {
		cfg.Transport.Backend = *backend
	}
	if *rateLimit > 0 {
		cfg.Server.CommandRatePerMin = *rateLimit
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "enforce-locks" {
			cfg.Locks.Enforce = *enforceLocks
		}
	})

	if cfg.Transport.Backend != "mock" {
		fmt.Fprintf(os.Stderr, "unsupported transport backend %q: only \"mock\" is implemented\n", cfg.Transport.Backend)
		return exitUnsupported
	}

	log := logger.New(cfg.Logging)

	a, err := app.New(cfg, log)
	if err != nil {
		log.WithError(err).Error("initialise application")
		return exitStartupFailed
	}
	defer a.Stop()

	gw := gateway.New(a, gateway.Config{
		CommandRatePerMin: cfg.Server.CommandRatePerMin,
		HeartbeatInterval: time.Duration(cfg.Server.HeartbeatSeconds) * time.Second,
		CORS:              gateway.CORSConfig{AllowedOrigins: splitCommaList(cfg.Server.CORSAllowedOrigins)},
	}, log.WithComponent("gateway"))

	listenAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("instrument gateway listening on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			log.WithError(err).Error("server error")
			return exitStartupFailed
		}
	case <-sigCh:
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown")
		return exitStartupFailed
	}
	return exitOK
}

func splitCommaList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitHostPort(addr string) (host string, port int, err error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("expected host:port")
	}
	host = addr[:idx]
	portStr := addr[idx+1:]
	var p int
	if _, err := fmt.Sscanf(portStr, "%d", &p); err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, p, nil
}
