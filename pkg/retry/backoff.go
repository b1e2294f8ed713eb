// Package retry computes backoff schedules from an oplog retry policy and
// retries transient store failures with them.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

// Delay returns the wait before the given attempt (1-based; attempt 1 is the
// first retry). Jitter is derived from seed so the same inputs always yield
// the same delay.
func Delay(policy oplog.RetryPolicy, attempt uint32, seed string) time.Duration {
	if attempt == 0 {
		return 0
	}
	base := float64(policy.MinDelay) * math.Pow(policy.Multiplier, float64(attempt-1))
	if base > float64(policy.MaxDelay) || math.IsInf(base, 0) {
		base = float64(policy.MaxDelay)
	}

	jitter := base * policy.JitterFactor * deterministicFraction(seed, attempt)
	return time.Duration(base + jitter)
}

// deterministicFraction maps (seed, attempt) onto [0, 1).
func deterministicFraction(seed string, attempt uint32) float64 {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", seed, attempt)))
	basis := binary.BigEndian.Uint64(hash[:8])
	return float64(basis>>11) / float64(uint64(1)<<53)
}

// Decision is what the execution core should do after a failure.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide applies policy to a worker that has failed previousTries times in a
// row. The worker is retried while previousTries is below MaxAttempts.
func Decide(policy oplog.RetryPolicy, previousTries uint32, seed string) Decision {
	if previousTries >= policy.MaxAttempts {
		return Decision{}
	}
	return Decision{Retry: true, Delay: Delay(policy, previousTries, seed)}
}
