package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"thirdcoast.systems/postmedia/internal/blobstore"
	"thirdcoast.systems/postmedia/internal/config"
	"thirdcoast.systems/postmedia/internal/events"
	"thirdcoast.systems/postmedia/internal/metrics"
)

// OpenBlobstore returns the configured blob store. New objects go to
// BLOBSTORE_URL; URIs of BLOBSTORE_LEGACY_URL's scheme stay readable and
// deletable.
func OpenBlobstore(ctx context.Context, conf config.Config) (blobstore.Store, error) {
	s3cfg := blobstore.S3Config{
		Endpoint:        conf.Storage.S3Endpoint,
		Region:          conf.Storage.S3Region,
		AccessKeyID:     conf.Storage.S3AccessKeyID,
		SecretAccessKey: conf.Storage.S3SecretAccessKey,
		ForcePathStyle:  conf.Storage.S3ForcePathStyle,
	}

	primary, err := blobstore.Open(ctx, conf.Storage.BlobstoreURL, s3cfg)
	if err != nil {
		return nil, fmt.Errorf("open blobstore: %w", err)
	}
	mux := blobstore.NewMux(primary).Handle(scheme(conf.Storage.BlobstoreURL), primary)

	if legacyURL := conf.Storage.LegacyBlobstoreURL; legacyURL != "" {
		if scheme(legacyURL) == scheme(conf.Storage.BlobstoreURL) {
			return nil, fmt.Errorf("legacy blobstore %q must use a different scheme than %q", legacyURL, conf.Storage.BlobstoreURL)
		}
		legacy, err := blobstore.Open(ctx, legacyURL, s3cfg)
		if err != nil {
			return nil, fmt.Errorf("open legacy blobstore: %w", err)
		}
		mux.Handle(scheme(legacyURL), legacy)
	}

	slog.Info("blobstore ready", "url", conf.Storage.BlobstoreURL, "legacy", conf.Storage.LegacyBlobstoreURL)
	return mux, nil
}

func scheme(rawURL string) string {
	s, _, ok := strings.Cut(rawURL, "://")
	if !ok {
		return "file"
	}
	return s
}

// NewNotifier publishes to Kafka when brokers are configured and discards
// events otherwise.
func NewNotifier(conf config.Config) events.Notifier {
	brokers := conf.Events.Brokers()
	if len(brokers) == 0 {
		slog.Info("KAFKA_BROKERS not set; lifecycle events are disabled")
		return events.Nop{}
	}
	slog.Info("publishing lifecycle events", "brokers", brokers, "topic", conf.Events.KafkaTopic)
	return events.NewKafkaNotifier(brokers, conf.Events.KafkaTopic)
}

// NewMetrics registers the pipeline collectors, plus the Go runtime and
// process collectors, on a fresh registry.
func NewMetrics() (*metrics.Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.New(reg), reg
}

// NewOpsServer builds the health and metrics listener of the worker
// binaries. ready reports whether the process can serve; nil means always.
func NewOpsServer(reg *prometheus.Registry, ready func(ctx context.Context) error) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		if ready != nil {
			if err := ready(c.Request().Context()); err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			}
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	return e
}

// ServeOps runs e on the configured port until ctx is done. A port of zero
// disables the listener.
func ServeOps(ctx context.Context, e *echo.Echo, port int) {
	if port == 0 {
		return
	}
	addr := ":" + strconv.Itoa(port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()

	slog.Info("ops listener started", "addr", addr)
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("ops listener failed", "error", err)
	}
}
