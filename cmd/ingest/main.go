package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"thirdcoast.systems/postmedia/internal/application"
	"thirdcoast.systems/postmedia/internal/config"
	"thirdcoast.systems/postmedia/internal/worker"
	"thirdcoast.systems/postmedia/pkg/ffmpeg"
	"thirdcoast.systems/postmedia/pkg/ytdlp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting ingest service")

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

	dl := ytdlp.New()
	if conf.Tools.YtdlpPath != "" {
		dl.Path = conf.Tools.YtdlpPath
	}
	dl.MaxHeight = conf.Ingest.MaxHeight
	if v, err := dl.Version(ctx); err != nil {
		slog.Warn("yt-dlp not usable", "path", dl.PathOrDefault(), "error", err)
	} else {
		slog.Info("yt-dlp found", "path", dl.PathOrDefault(), "version", v)
	}

	w := worker.New(dbc.Store(), blobs, dl, ffmpeg.NewProber(conf.Tools.FFprobePath), worker.Config{
		SpoolDir:        conf.Storage.SpoolDir,
		Concurrency:     conf.Ingest.Workers,
		BatchSize:       conf.Ingest.BatchSize,
		JobTimeout:      conf.Ingest.JobTimeout,
		StuckAfter:      conf.Ingest.StuckAfter,
		MaxAttempts:     conf.Ingest.MaxAttempts,
		ConflictRetries: conf.Ingest.ConflictRetry,
	},
		worker.WithNotifier(notifier),
		worker.WithMetrics(m),
	)

	wake := make(chan struct{}, 1)
	go application.ListenIngestionJobs(ctx, conf.DatabaseDSN, wake)

	if err := w.StartWorkerLoop(ctx, conf.Ingest.PollInterval, wake); err != nil && ctx.Err() == nil {
		slog.Error("ingest worker failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Ingest service stopping")
}
