package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	// WebServer Configuration (health and metrics listener)
	WebServerPort int `mapstructure:"WEBSERVER_PORT" validate:"gte=0,lte=65535"`

	// Database Configuration
	DatabaseDSN     string `mapstructure:"DATABASE_DSN" validate:"required"`
	DatabaseRetries int    `mapstructure:"DATABASE_RETRIES" validate:"gte=1"`

	Storage StorageConfig `mapstructure:",squash"`
	Ingest  IngestConfig  `mapstructure:",squash"`
	Variant VariantConfig `mapstructure:",squash"`
	Janitor JanitorConfig `mapstructure:",squash"`
	Tools   ToolsConfig   `mapstructure:",squash"`
	Events  EventsConfig  `mapstructure:",squash"`
}

type StorageConfig struct {
	BlobstoreURL      string `mapstructure:"BLOBSTORE_URL" validate:"required"`
	SpoolDir          string `mapstructure:"SPOOL_DIR" validate:"required"`
	S3Endpoint        string `mapstructure:"S3_ENDPOINT"`
	S3Region          string `mapstructure:"S3_REGION"`
	S3AccessKeyID     string `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `mapstructure:"S3_SECRET_ACCESS_KEY"`
	S3ForcePathStyle  bool   `mapstructure:"S3_FORCE_PATH_STYLE"`

	// LegacyBlobstoreURL names a store of another scheme that still holds
	// objects from before a storage migration. It is read and deleted from,
	// never written to.
	LegacyBlobstoreURL string `mapstructure:"BLOBSTORE_LEGACY_URL"`
}

type IngestConfig struct {
	Workers       int           `mapstructure:"INGEST_WORKERS" validate:"gte=1"`
	BatchSize     int           `mapstructure:"INGEST_BATCH_SIZE" validate:"gte=1"`
	PollInterval  time.Duration `mapstructure:"INGEST_POLL_INTERVAL" validate:"gt=0"`
	JobTimeout    time.Duration `mapstructure:"INGEST_JOB_TIMEOUT" validate:"gt=0"`
	StuckAfter    time.Duration `mapstructure:"INGEST_STUCK_AFTER" validate:"gt=0"`
	MaxAttempts   int           `mapstructure:"INGEST_MAX_ATTEMPTS" validate:"gte=1"`
	MaxHeight     int           `mapstructure:"DOWNLOAD_MAX_HEIGHT" validate:"gte=144"`
	ConflictRetry int           `mapstructure:"INGEST_CONFLICT_RETRIES" validate:"gte=0"`
}

type VariantConfig struct {
	Timeout      time.Duration `mapstructure:"VARIANT_TIMEOUT" validate:"gt=0"`
	StuckAfter   time.Duration `mapstructure:"VARIANT_STUCK_AFTER" validate:"gt=0"`
	PollInterval time.Duration `mapstructure:"VARIANT_POLL_INTERVAL" validate:"gt=0"`
}

type JanitorConfig struct {
	Interval  time.Duration `mapstructure:"JANITOR_INTERVAL" validate:"gt=0"`
	BatchSize int           `mapstructure:"JANITOR_BATCH_SIZE" validate:"gte=1"`
}

type ToolsConfig struct {
	YtdlpPath   string `mapstructure:"YTDLP_PATH"`
	FFmpegPath  string `mapstructure:"FFMPEG_PATH"`
	FFprobePath string `mapstructure:"FFPROBE_PATH"`
}

type EventsConfig struct {
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string `mapstructure:"KAFKA_TOPIC"`
}

// Brokers returns the configured Kafka brokers, or nil when events are disabled.
func (e EventsConfig) Brokers() []string {
	var out []string
	for _, b := range strings.Split(e.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// use reflect to bind environment variables based on mapstructure tags
func bindEnv(c Config) {
	val := reflect.ValueOf(c)
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		fieldVal := val.Field(i)
		tag := field.Tag.Get("mapstructure")

		squash := strings.HasPrefix(tag, ",")
		if tag != "" && !squash {
			viper.BindEnv(tag)
		}

		// Handle nested structs
		if field.Type.Kind() == reflect.Struct && squash {
			nestedTyp := fieldVal.Type()
			for j := 0; j < fieldVal.NumField(); j++ {
				nestedTag := nestedTyp.Field(j).Tag.Get("mapstructure")
				if nestedTag != "" {
					viper.BindEnv(nestedTag)
				}
			}
		}
	}
	slog.Debug("Environment variables bound")
}

// loadDotEnv loads a .env file from the working directory when one exists.
// Variables already present in the environment win.
func loadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func setDefaults() {
	viper.SetDefault("WEBSERVER_PORT", 8080)
	viper.SetDefault("DATABASE_RETRIES", 10)

	viper.SetDefault("BLOBSTORE_URL", "file:///var/lib/postmedia/blobs")
	viper.SetDefault("SPOOL_DIR", filepath.Join(os.TempDir(), "postmedia"))
	viper.SetDefault("S3_REGION", "auto")

	viper.SetDefault("INGEST_WORKERS", 2)
	viper.SetDefault("INGEST_BATCH_SIZE", 5)
	viper.SetDefault("INGEST_POLL_INTERVAL", 5*time.Second)
	viper.SetDefault("INGEST_JOB_TIMEOUT", 30*time.Minute)
	viper.SetDefault("INGEST_STUCK_AFTER", time.Hour)
	viper.SetDefault("INGEST_MAX_ATTEMPTS", 3)
	viper.SetDefault("INGEST_CONFLICT_RETRIES", 5)
	viper.SetDefault("DOWNLOAD_MAX_HEIGHT", 1080)

	viper.SetDefault("VARIANT_TIMEOUT", 30*time.Minute)
	viper.SetDefault("VARIANT_STUCK_AFTER", time.Hour)
	viper.SetDefault("VARIANT_POLL_INTERVAL", 5*time.Second)

	viper.SetDefault("JANITOR_INTERVAL", 15*time.Minute)
	viper.SetDefault("JANITOR_BATCH_SIZE", 100)

	viper.SetDefault("KAFKA_TOPIC", "media.events")
}

func LoadConfig(ctx context.Context) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	bindEnv(Config{})
	viper.AutomaticEnv()
	setDefaults()

	cfg := Config{}
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	slog.Info("Loaded configuration",
		"webserver_port", cfg.WebServerPort,
		"blobstore", cfg.Storage.BlobstoreURL,
		"spool_dir", cfg.Storage.SpoolDir,
		"ingest_workers", cfg.Ingest.Workers,
		"kafka_enabled", len(cfg.Events.Brokers()) > 0,
	)

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}
