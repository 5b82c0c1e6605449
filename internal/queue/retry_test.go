package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
)

func TestRetryPolicyNext(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		attempt     int
		err         error
		wantStatus  JobStatus
		wantAttempt int
	}{
		{"success", 0, nil, StatusCompleted, 1},
		{"transient retries", 0, appErrors.NewTransient("send", errors.New("timeout")), StatusPending, 1},
		{"unclassified retries", 1, errors.New("connection reset"), StatusPending, 2},
		{"transient exhausted", 2, appErrors.NewTransient("send", errors.New("timeout")), StatusFailed, 3},
		{"permanent fails at once", 0, appErrors.NewPermanent("send", errors.New("550")), StatusFailed, 1},
		{"validation fails at once", 0, appErrors.NewValidation("send", "bad address"), StatusFailed, 1},
		{"deferred keeps attempt", 2, appErrors.NewDefer(time.Hour, "budget"), StatusPending, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &Job{Attempt: tt.attempt}
			out := policy.Next(job, tt.err, now)
			assert.Equal(t, tt.wantStatus, out.Status)
			assert.Equal(t, tt.wantAttempt, out.Attempt)
			if tt.err != nil {
				assert.NotEmpty(t, out.LastError)
			}
		})
	}
}

func TestRetryPolicyDeferRunAt(t *testing.T) {
	policy := DefaultRetryPolicy()
	now := time.Now()

	out := policy.Next(&Job{}, appErrors.NewDefer(10*time.Minute, "hourly budget"), now)
	assert.Equal(t, now.Add(10*time.Minute), out.RunAt)
}

func TestRetryPolicyUsesJobMaxAttempts(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}
	out := policy.Next(&Job{Attempt: 3, MaxAttempts: 5}, errors.New("boom"), time.Now())
	assert.Equal(t, StatusPending, out.Status)
}

func TestBackoffBounds(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	for attempt := 1; attempt <= 6; attempt++ {
		full := time.Second << (attempt - 1)
		if full > policy.MaxDelay {
			full = policy.MaxDelay
		}
		for i := 0; i < 20; i++ {
			d := policy.Backoff(attempt)
			assert.GreaterOrEqual(t, d, full/2)
			assert.LessOrEqual(t, d, full)
		}
	}

	assert.Equal(t, time.Duration(0), RetryPolicy{}.Backoff(2))
}
