package verify

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/zmlAEQ/Aequa-fhevm/internal/fault"
)

// RetryPolicy bounds decryption retries on transient backend failures.
// Attempt n (1-based) waits n*Step before running again.
type RetryPolicy struct {
	MaxRetries int
	Step       time.Duration
	// Sleep overrides the clock based wait. Tests record delays with it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetry allows 3 retries (4 attempts) with 10s, 20s and 30s waits.
func DefaultRetry() RetryPolicy { return RetryPolicy{MaxRetries: 3, Step: 10 * time.Second} }

// Delay returns the wait before retry n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration { return time.Duration(n) * p.Step }

func (p RetryPolicy) wait(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, fails permanently or the retries run out.
// Only errors for which fault.IsTransient holds are retried. It returns the
// number of retries spent.
func (p RetryPolicy) Do(ctx context.Context, clk clock.Clock, fn func() error) (int, error) {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !fault.IsTransient(err) || attempt >= p.MaxRetries {
			return attempt, err
		}
		if werr := p.wait(ctx, clk, p.Delay(attempt+1)); werr != nil {
			return attempt, werr
		}
	}
}
