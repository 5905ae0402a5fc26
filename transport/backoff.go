package transport

import (
	"context"
	"math"
	"time"
)

// Backoff computes the teacher-style exponential backoff (2^attempt seconds,
// matching the original's `await asyncio.sleep(2 ** attempt)`) and sleeps
// for it unless ctx is cancelled first. attempt is zero-based.
func Backoff(ctx context.Context, attempt int) error {
	d := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
