package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Logical queues served by the worker process.
const (
	SendQueue     = "send-queue"
	FollowUpQueue = "follow-up-queue"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed" // dead-lettered, never retried
	StatusCancelled JobStatus = "cancelled"
)

// Job is a unit of delayed work.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       time.Time       `json:"run_at"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// Handler processes one job. Returning an error asks the queue to apply its
// retry policy.
type Handler func(ctx context.Context, job *Job) error

// Queue accepts delayed work.
type Queue interface {
	Enqueue(ctx context.Context, queueName string, payload any, delay time.Duration) (string, error)
	// Cancel removes a job that has not started yet. It is best-effort: a
	// job that is already running is not interrupted and false is returned.
	Cancel(ctx context.Context, jobID string) (bool, error)
}

// Worker pulls due jobs and runs the registered handlers.
type Worker interface {
	Handle(queueName string, concurrency int, h Handler)
	Run(ctx context.Context) error
}
