package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"thirdcoast.systems/postmedia/internal/db"
)

const listenRetryDelay = 2 * time.Second

// ListenIngestionJobs holds a dedicated connection listening for job inserts
// and sends a non-blocking signal on wake for each notification. It
// reconnects on failure and returns when ctx is done.
func ListenIngestionJobs(ctx context.Context, dsn string, wake chan<- struct{}) {
	channel := db.IngestionJobsChannel
	for ctx.Err() == nil {
		// Parse using pgxpool so pool_* DSN params are consumed client-side
		// instead of being sent to Postgres as startup params.
		poolConf, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			slog.Error("listen parse config failed", "channel", channel, "error", err)
			return
		}

		conn, err := pgx.ConnectConfig(ctx, poolConf.ConnConfig)
		if err != nil {
			slog.Error("listen connect failed", "channel", channel, "error", err)
			_ = sleep(ctx, listenRetryDelay)
			continue
		}

		if err := db.New(conn).ListenIngestionJobs(ctx); err != nil {
			slog.Error("LISTEN failed", "channel", channel, "error", err)
			_ = conn.Close(context.Background())
			_ = sleep(ctx, listenRetryDelay)
			continue
		}
		slog.Info("listening for notifications", "channel", channel)

		for {
			_, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("wait for notification failed", "channel", channel, "error", err)
				}
				_ = conn.Close(context.Background())
				break
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
		_ = sleep(ctx, listenRetryDelay)
	}
}
