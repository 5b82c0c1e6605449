package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InMemoryQueue is a process-local Queue and Worker. Delays are timers and
// each queue has a fixed number of concurrency slots. Jobs do not survive a
// restart; use PostgresQueue when that matters.
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers map[string]*registration
	jobs     map[string]*memJob
	closed   bool

	policy RetryPolicy
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type registration struct {
	handler Handler
	slots   chan struct{}
}

type memJob struct {
	job   Job
	timer *time.Timer
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(policy RetryPolicy, logger *zap.Logger) *InMemoryQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InMemoryQueue{
		handlers: make(map[string]*registration),
		jobs:     make(map[string]*memJob),
		policy:   policy,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handle registers the handler for a queue. It must be called before jobs
// are enqueued on that queue.
func (q *InMemoryQueue) Handle(queueName string, concurrency int, h Handler) {
	if concurrency < 1 {
		concurrency = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[queueName] = &registration{handler: h, slots: make(chan struct{}, concurrency)}
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, queueName string, payload any, delay time.Duration) (string, error) {
	body, err := encodePayload(payload)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", fmt.Errorf("queue closed")
	}
	if _, ok := q.handlers[queueName]; !ok {
		return "", fmt.Errorf("no subscribers for queue %s", queueName)
	}

	now := time.Now().UTC()
	if delay < 0 {
		delay = 0
	}
	mj := &memJob{job: Job{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Payload:     body,
		Status:      StatusPending,
		MaxAttempts: q.policy.MaxAttempts,
		RunAt:       now.Add(delay),
		CreatedAt:   now,
	}}
	q.jobs[mj.job.ID] = mj
	q.schedule(mj, delay)
	jobsEnqueuedCounter.WithLabelValues(queueName).Inc()

	return mj.job.ID, nil
}

// schedule must be called with q.mu held.
func (q *InMemoryQueue) schedule(mj *memJob, delay time.Duration) {
	id := mj.job.ID
	mj.timer = time.AfterFunc(delay, func() { q.fire(id) })
}

func (q *InMemoryQueue) fire(id string) {
	q.mu.Lock()
	mj, ok := q.jobs[id]
	if !ok || q.closed || mj.job.Status != StatusPending {
		q.mu.Unlock()
		return
	}
	reg := q.handlers[mj.job.Queue]
	mj.job.Status = StatusRunning
	job := mj.job
	q.wg.Add(1)
	q.mu.Unlock()

	defer q.wg.Done()

	select {
	case reg.slots <- struct{}{}:
	case <-q.ctx.Done():
		return
	}
	defer func() { <-reg.slots }()

	out := runHandler(q.ctx, reg.handler, &job, q.policy, q.logger)

	q.mu.Lock()
	defer q.mu.Unlock()
	mj.job.Status = out.Status
	mj.job.Attempt = out.Attempt
	mj.job.RunAt = out.RunAt
	mj.job.LastError = out.LastError
	if out.Status == StatusPending && !q.closed {
		q.schedule(mj, time.Until(out.RunAt))
	}
}

func (q *InMemoryQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	mj, ok := q.jobs[jobID]
	if !ok || mj.job.Status != StatusPending {
		return false, nil
	}
	if mj.timer != nil {
		mj.timer.Stop()
	}
	mj.job.Status = StatusCancelled
	return true, nil
}

// Run blocks until ctx is done, then stops timers and waits for running jobs.
func (q *InMemoryQueue) Run(ctx context.Context) error {
	<-ctx.Done()
	q.Close()
	return nil
}

func (q *InMemoryQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, mj := range q.jobs {
		if mj.timer != nil {
			mj.timer.Stop()
		}
	}
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

// Job returns a snapshot of a job.
func (q *InMemoryQueue) Job(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mj, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return mj.job, true
}

// Jobs returns snapshots of every job on a queue, oldest first.
func (q *InMemoryQueue) Jobs(queueName string) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := []Job{}
	for _, mj := range q.jobs {
		if mj.job.Queue == queueName {
			out = append(out, mj.job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return body, nil
	}
}

var (
	_ Queue  = (*InMemoryQueue)(nil)
	_ Worker = (*InMemoryQueue)(nil)
)
