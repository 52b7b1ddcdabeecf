package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"thirdcoast.systems/postmedia/internal/application"
	"thirdcoast.systems/postmedia/internal/assets"
	"thirdcoast.systems/postmedia/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting janitor service")

	conf, err := config.LoadConfig(ctx)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	dbc, err := application.ConnectDatabase(ctx, *conf)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbc.Close()

	blobs, err := application.OpenBlobstore(ctx, *conf)
	if err != nil {
		slog.Error("failed to open blobstore", "error", err)
		os.Exit(1)
	}

	notifier := application.NewNotifier(*conf)
	defer notifier.Close()

	m, reg := application.NewMetrics()
	go application.ServeOps(ctx, application.NewOpsServer(reg, func(ctx context.Context) error {
		return dbc.Ping(ctx)
	}), conf.WebServerPort)

	svc := assets.NewService(dbc.Store(), blobs,
		assets.WithNotifier(notifier),
		assets.WithMetrics(m),
		assets.WithConflictRetries(conf.Ingest.ConflictRetry),
		assets.WithCleanupBatch(conf.Janitor.BatchSize),
	)

	slog.Info("Janitor started", "interval", conf.Janitor.Interval, "batch_size", conf.Janitor.BatchSize)
	ticker := time.NewTicker(conf.Janitor.Interval)
	defer ticker.Stop()
	for {
		sweep(ctx, svc, conf.Janitor.BatchSize)

		select {
		case <-ctx.Done():
			slog.Info("Janitor stopping")
			return
		case <-ticker.C:
		}
	}
}

// sweep purges removed assets batch by batch until a batch comes back short.
func sweep(ctx context.Context, svc *assets.Service, batch int) {
	total := 0
	for ctx.Err() == nil {
		n, err := svc.CleanupUnusedAssets(ctx)
		if err != nil {
			slog.Error("cleanup sweep failed", "error", err)
			break
		}
		total += n
		if n < batch {
			break
		}
	}
	if total > 0 {
		slog.Info("cleanup sweep finished", "purged", total)
	}
}
