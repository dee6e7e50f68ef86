package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iphizic/homed-service-zigbee/internal/ncp"
	"github.com/iphizic/homed-service-zigbee/internal/store"
	"github.com/iphizic/homed-service-zigbee/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("homed-zigbee starting", "version", version)

	// The radio backend is an external component; this binary runs
	// the registry against persisted state until one is wired in.
	if err := run(cfg, logger, nil); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

// run serves the registry until SIGINT or SIGTERM. radio may be nil, in
// which case no device traffic reaches the registry.
func run(cfg *Config, logger *slog.Logger, radio ncp.NCP) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw := newGateway(cfg, st, logger)

	// Consumers subscribe before Load so they see the first status update.
	startMQTT(gw, cfg)

	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webServer := web.NewServer(gw.reg, logger, webOpts...)
	gw.onStop(webServer.Stop)

	gw.reg.Load()
	logger.Info("registry loaded", "devices", len(gw.reg.Devices()))
	gw.attach(ctx, radio)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()
	if err := gw.close(); err != nil {
		logger.Error("final snapshot write", "err", err)
	}
	return runErr
}

func openStore(cfg *Config) (store.Store, error) {
	switch cfg.Persistence.Backend {
	case "bolt":
		return store.NewBoltStore(cfg.Persistence.BoltPath)
	default:
		return store.NewFileStore(cfg.Zigbee.Database, cfg.Zigbee.Properties), nil
	}
}
