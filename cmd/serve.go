package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Alaa-nl/phytod/internal/api"
	"github.com/Alaa-nl/phytod/internal/config"
	"github.com/Alaa-nl/phytod/internal/registry"
	"github.com/Alaa-nl/phytod/internal/router"
	"github.com/Alaa-nl/phytod/internal/store"
	"github.com/Alaa-nl/phytod/internal/syncer"
	"github.com/Alaa-nl/phytod/internal/upstream"
)

var (
	listenAddr    string
	storageDriver string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the phytod daemon (default command)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().StringVar(&storageDriver, "storage-driver", "", "storage driver (overrides config)")
	rootCmd.AddCommand(serveCmd)

	// Make serve the default command.
	rootCmd.RunE = runServe
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	// Apply flag overrides.
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}

	slog.Info("starting phytod",
		"listen_addr", cfg.ListenAddr,
		"storage_driver", cfg.Storage.Driver,
		"devices", len(cfg.Devices),
		"upstream", redactDSN(cfg.Upstream.BaseURL),
	)

	reg, err := registry.New(cfg.Descriptors())
	if err != nil {
		return err
	}

	var s store.Store
	switch cfg.Storage.Driver {
	case "sqlite":
		s, err = store.NewSQLiteStore(cfg.DSN())
	case "postgres":
		s, err = store.NewPostgresStore(cfg.DSN())
	}
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck

	slog.Info("database ready", "driver", cfg.Storage.Driver)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fetcher := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.APIKey, upstream.Options{
		Timeout:        cfg.Upstream.Timeout,
		MaxSpan:        cfg.Upstream.MaxSpan,
		RequestsPerMin: cfg.Upstream.RequestsPerMin,
		MaxBodyBytes:   cfg.Upstream.MaxBodyBytes,
	}, slog.Default())

	hub := syncer.NewHub()
	sy := syncer.New(s, fetcher, reg, cfg.Sync.Interval, hub, slog.Default())

	// Seed history on startup before the periodic loop takes over.
	if cfg.Sync.BackfillOnStartup {
		if _, err := sy.BackfillAll(ctx, cfg.Sync.BackfillMaxDays); err != nil {
			slog.Error("startup backfill incomplete", "error", err)
		}
		sy.SyncAll(ctx)
	}

	rt := router.New(reg, s, fetcher, router.Options{
		CacheTTL: cfg.Cache.TTL,
		Liveness: cfg.Sync.LivenessThreshold,
		Cadence:  cfg.Sync.Interval,
	}, slog.Default())

	srv := api.NewServer(reg, rt, sy, hub, slog.Default())
	srv.SetVersion(Version)
	srv.SetStorageDriver(cfg.Storage.Driver)

	slog.Info("phytod ready", "addr", cfg.ListenAddr)

	// Start syncer and server using errgroup.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sy.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.ListenAddr) })

	waitErr := g.Wait()
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		slog.Error("phytod exited with error", "error", waitErr)
	}

	// Always run graceful cleanup, even on error.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	_ = s.Close()

	slog.Info("phytod shutdown complete")
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}

func setupLogging() {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	if logFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// redactDSN masks any credentials embedded in a URL for safe display.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
