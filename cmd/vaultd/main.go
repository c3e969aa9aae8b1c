package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/i5heu/ouroboros-vault/pkg/apiServer"
	"github.com/i5heu/ouroboros-vault/pkg/config"
	"github.com/i5heu/ouroboros-vault/pkg/logging"
	"github.com/i5heu/ouroboros-vault/pkg/session"
)

const (
	logKeyListenAddr = "listenAddr"
	logKeyDataPath   = "dataPath"
	logKeyConfig     = "config"
	logKeySignal     = "signal"
	logKeyError      = "error"
	logKeyExpired    = "expired"
	logKeySessions   = "sessions"
	logKeyTiers      = "tiers"
	logKeyUsedBytes  = "usedBytes"
	logKeyReads      = "reads"
	logKeyWrites     = "writes"

	shutdownTimeout = 20 * time.Second
	maintainEvery   = time.Hour
)

func main() {
	flags := parseFlags()

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	flags.apply(&cfg)

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New(level, level == slog.LevelDebug)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", logKeyError, err)
		os.Exit(2)
	}

	logger.Info("starting vault daemon",
		logKeyConfig, flags.configPath,
		logKeyListenAddr, cfg.ListenAddr,
		logKeyDataPath, cfg.DataPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.InfoContext(ctx, "received shutdown signal", logKeySignal, sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("daemon error", logKeyError, err)
		os.Exit(1)
	}
}

// daemonFlags override values of the configuration file.
type daemonFlags struct {
	configPath string
	dataPath   string
	listenAddr string
	origin     string
	debug      bool
}

func parseFlags() daemonFlags {
	f := daemonFlags{}
	flag.StringVar(&f.configPath, "config", "", "Path to the YAML configuration file")
	flag.StringVar(&f.dataPath, "data", "", "Path to data directory")
	flag.StringVar(&f.listenAddr, "listen", "", "Address the HTTP API listens on")
	flag.StringVar(&f.origin, "origin", "", "Public base URL used in access links")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()
	return f
}

func (f daemonFlags) apply(cfg *config.Config) {
	if f.dataPath != "" {
		cfg.DataPath = f.dataPath
	}
	if f.listenAddr != "" {
		cfg.ListenAddr = f.listenAddr
	}
	if f.origin != "" {
		cfg.Origin = f.origin
	}
	if f.debug {
		cfg.LogLevel = "debug"
	}
}

// run is the main daemon logic, separated for testability.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) (err error) {
	st, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.close(); closeErr != nil {
			logger.Warn("error closing vault stack", logKeyError, closeErr)
			err = errors.Join(err, closeErr)
		}
	}()

	logger.InfoContext(ctx, "storage tiers ready", logKeyTiers, fmt.Sprint(st.router.Order()))

	sessions := session.NewManager(cfg.SessionTimeout, nil, logger)
	api := apiServer.New(st.vault, sessions,
		apiServer.WithLogger(logger),
		apiServer.WithRateLimit(rate.Limit(cfg.RequestsPerSecond), cfg.RequestBurst),
	)

	go sweep(ctx, cfg.ExpirySweep, st, sessions, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	logger.InfoContext(ctx, "daemon started", logKeyListenAddr, cfg.ListenAddr)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
	}

	logger.Info("daemon shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", logKeyError, err)
	}
	if err := st.vault.Close(shutdownCtx); err != nil {
		logger.Warn("vault shutdown incomplete", logKeyError, err)
	}
	return nil
}

// sweep expires stale permissions and idle sessions until ctx ends. The local
// store is compacted hourly.
func sweep(ctx context.Context, every time.Duration, st *stack, sessions *session.Manager, logger *slog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	maintain := time.NewTicker(maintainEvery)
	defer maintain.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-maintain.C:
			if err := st.maintain(logger); err != nil {
				logger.Warn("local store maintenance failed", logKeyError, err)
			}
		case <-ticker.C:
			n, err := st.vault.ExpireStalePermissions(ctx)
			if err != nil {
				logger.Warn("permission expiry sweep failed", logKeyError, err)
			} else if n > 0 {
				logger.Info("expired stale permissions", logKeyExpired, n)
			}
			if dropped := sessions.Sweep(); dropped > 0 {
				logger.Debug("dropped idle sessions", logKeySessions, dropped)
			}
		}
	}
}
