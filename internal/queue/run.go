package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// runHandler invokes h with panic recovery and returns the outcome to store.
func runHandler(ctx context.Context, h Handler, job *Job, policy RetryPolicy, logger *zap.Logger) Outcome {
	timer := prometheus.NewTimer(jobDurationHist.WithLabelValues(job.Queue))
	err := safeCall(ctx, h, job)
	timer.ObserveDuration()

	out := policy.Next(job, err, time.Now().UTC())
	jobsProcessedCounter.WithLabelValues(job.Queue, string(out.Status)).Inc()

	fields := []zap.Field{
		zap.String("queue", job.Queue),
		zap.String("job_id", job.ID),
		zap.Int("attempt", out.Attempt),
		zap.String("status", string(out.Status)),
	}
	switch {
	case err == nil:
		logger.Debug("job completed", fields...)
	case out.Status == StatusFailed:
		logger.Error("job permanently failed", append(fields, zap.Error(err))...)
	default:
		logger.Warn("job will run again", append(fields, zap.Error(err), zap.Time("run_at", out.RunAt))...)
	}
	return out
}

func safeCall(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, job)
}
