package queue

import (
	"math/rand/v2"
	"time"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
)

// RetryPolicy decides what happens to a job after its handler returns.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: 15 * time.Minute}
}

// Outcome is the job state to persist after one run.
type Outcome struct {
	Status    JobStatus
	Attempt   int
	RunAt     time.Time
	LastError string
}

// Next computes the outcome of running job at now with handler result err.
func (p RetryPolicy) Next(job *Job, err error, now time.Time) Outcome {
	if err == nil {
		return Outcome{Status: StatusCompleted, Attempt: job.Attempt + 1, RunAt: now}
	}

	if d, ok := appErrors.AsDefer(err); ok {
		return Outcome{Status: StatusPending, Attempt: job.Attempt, RunAt: now.Add(d.Delay), LastError: err.Error()}
	}

	attempt := job.Attempt + 1
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.MaxAttempts
	}

	if !appErrors.IsRetryable(err) || attempt >= maxAttempts {
		return Outcome{Status: StatusFailed, Attempt: attempt, RunAt: now, LastError: err.Error()}
	}

	return Outcome{Status: StatusPending, Attempt: attempt, RunAt: now.Add(p.Backoff(attempt)), LastError: err.Error()}
}

// Backoff returns base*2^(attempt-1) capped at MaxDelay, with the upper half
// of the interval randomized.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}

	d := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}

	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int64N(int64(half)+1))
}
