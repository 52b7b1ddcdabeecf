package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"thirdcoast.systems/postmedia/internal/application"
	"thirdcoast.systems/postmedia/internal/config"
	"thirdcoast.systems/postmedia/internal/variants"
	"thirdcoast.systems/postmedia/pkg/ffmpeg"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting encoder service")

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

	engine := variants.New(dbc.Store(), blobs,
		ffmpeg.NewRunner(conf.Tools.FFmpegPath),
		ffmpeg.NewProber(conf.Tools.FFprobePath),
		variants.Config{
			SpoolDir:   conf.Storage.SpoolDir,
			Timeout:    conf.Variant.Timeout,
			StuckAfter: conf.Variant.StuckAfter,
		},
		variants.WithNotifier(notifier),
		variants.WithMetrics(m),
	)

	if err := engine.StartEncoderLoop(ctx, conf.Variant.PollInterval); err != nil && ctx.Err() == nil {
		slog.Error("encoder failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Encoder service stopping")
}
