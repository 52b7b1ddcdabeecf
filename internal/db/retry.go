package db

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// RetryOnConflict runs fn and re-runs it from scratch, up to maxRetries more
// times, while it fails with a race conflict. fn must own its transaction.
// Any other error is returned unchanged. onRetry, when set, is called before
// each re-run.
func RetryOnConflict[T any](ctx context.Context, maxRetries int, onRetry func(), fn func() (T, error)) (T, error) {
	policy := retrypolicy.NewBuilder[T]().
		HandleIf(func(_ T, err error) bool {
			return IsRaceConflict(err)
		}).
		WithMaxRetries(maxRetries).
		WithBackoff(5*time.Millisecond, 250*time.Millisecond).
		WithJitterFactor(0.25).
		ReturnLastFailure().
		Build()

	attempt := 0
	return failsafe.With(policy).WithContext(ctx).Get(func() (T, error) {
		if attempt > 0 && onRetry != nil {
			onRetry()
		}
		attempt++
		return fn()
	})
}
