package variants

import (
	"context"
	"time"
)

// StuckCheckInterval is how often StartEncoderLoop looks for stuck variants.
const StuckCheckInterval = 2 * time.Minute

// StartEncoderLoop renders queued variants until the queue is empty, then
// waits for the poll interval or cancellation. It returns when ctx is done.
func (e *Engine) StartEncoderLoop(ctx context.Context, interval time.Duration) error {
	e.logger.Info("variant encoder started", "interval", interval, "timeout", e.cfg.Timeout)

	if _, err := e.ResetStuckVariants(ctx); err != nil {
		e.logger.Error("failed to reset stuck variants", "error", err)
	}

	poll := time.NewTicker(interval)
	defer poll.Stop()
	stuck := time.NewTicker(StuckCheckInterval)
	defer stuck.Stop()

	for {
		if _, err := e.ProcessPendingVariants(ctx); err != nil {
			e.logger.Error("failed to process queued variants", "error", err)
		}

		select {
		case <-ctx.Done():
			e.logger.Info("variant encoder stopped")
			return ctx.Err()
		case <-poll.C:
		case <-stuck.C:
			if _, err := e.ResetStuckVariants(ctx); err != nil {
				e.logger.Error("failed to reset stuck variants", "error", err)
			}
		}
	}
}
