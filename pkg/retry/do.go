package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retrier retries operations that fail with an oplog.TransientError.
type Retrier struct {
	Policy oplog.RetryPolicy
	Sleep  Sleeper
	Logger *slog.Logger
}

// New returns a Retrier using the real clock.
func New(policy oplog.RetryPolicy) *Retrier {
	return &Retrier{
		Policy: policy,
		Sleep:  sleep,
		Logger: slog.Default().With("component", "retry"),
	}
}

// Do runs fn until it succeeds, fails permanently, or the policy is
// exhausted. The last error is returned wrapped with op.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if r == nil {
		return fn(ctx)
	}
	var err error
	for attempt := uint32(0); ; attempt++ {
		if attempt > 0 {
			d := Delay(r.Policy, attempt, op)
			if r.Logger != nil {
				r.Logger.DebugContext(ctx, "retrying transient failure",
					"op", op, "attempt", attempt, "delay", d, "error", err)
			}
			if serr := r.Sleep(ctx, d); serr != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}
		err = fn(ctx)
		if err == nil || !oplog.IsTransient(err) {
			return err
		}
		if attempt+1 >= r.Policy.MaxAttempts {
			return fmt.Errorf("%s: retries exhausted after %d attempts: %w", op, attempt+1, err)
		}
	}
}
