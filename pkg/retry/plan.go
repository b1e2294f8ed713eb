package retry

import (
	"time"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

type Plan struct {
	Seed      string     `json:"seed"`
	Schedule  []Schedule `json:"schedule"`
	CreatedAt time.Time  `json:"created_at"`
}

type Schedule struct {
	Attempt     uint32        `json:"attempt"`
	Delay       time.Duration `json:"delay"`
	ScheduledAt time.Time     `json:"scheduled_at"`
}

// GeneratePlan lays out every attempt the policy allows. Attempt 0 runs
// immediately; scheduled times are cumulative.
func GeneratePlan(policy oplog.RetryPolicy, seed string, now time.Time) Plan {
	schedule := make([]Schedule, policy.MaxAttempts)
	current := now
	for i := uint32(0); i < policy.MaxAttempts; i++ {
		delay := Delay(policy, i, seed)
		current = current.Add(delay)
		schedule[i] = Schedule{Attempt: i, Delay: delay, ScheduledAt: current}
	}
	return Plan{Seed: seed, Schedule: schedule, CreatedAt: now}
}
