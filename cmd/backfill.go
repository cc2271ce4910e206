package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Alaa-nl/phytod/internal/config"
	"github.com/Alaa-nl/phytod/internal/registry"
	"github.com/Alaa-nl/phytod/internal/store"
	"github.com/Alaa-nl/phytod/internal/syncer"
	"github.com/Alaa-nl/phytod/internal/upstream"
)

var (
	bfDevice string
	bfDays   int
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Pull historical readings into the local history store",
	RunE:  runBackfill,
}

func init() {
	backfillCmd.Flags().StringVar(&bfDevice, "device", "", "device ID to backfill (default: all)")
	backfillCmd.Flags().IntVar(&bfDays, "days", 30, "how many days back to fill (max 365)")
	rootCmd.AddCommand(backfillCmd)
}

func runBackfill(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fetcher := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.APIKey, upstream.Options{
		Timeout:        cfg.Upstream.Timeout,
		MaxSpan:        cfg.Upstream.MaxSpan,
		RequestsPerMin: cfg.Upstream.RequestsPerMin,
		MaxBodyBytes:   cfg.Upstream.MaxBodyBytes,
	}, slog.Default())

	sy := syncer.New(s, fetcher, reg, cfg.Sync.Interval, nil, slog.Default())

	var written int
	if bfDevice != "" {
		written, err = sy.Backfill(ctx, bfDevice, bfDays)
	} else {
		written, err = sy.BackfillAll(ctx, bfDays)
	}
	if err != nil {
		return err
	}

	slog.Info("backfill finished", "readings", written)
	return nil
}
