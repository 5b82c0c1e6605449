package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PostgresQueue stores jobs in the queue_jobs table so that several worker
// processes can share the work and delayed jobs survive restarts.
type PostgresQueue struct {
	DB *sql.DB

	policy            RetryPolicy
	pollInterval      time.Duration
	visibilityTimeout time.Duration
	logger            *zap.Logger

	mu       sync.Mutex
	handlers map[string]*pgRegistration
}

type pgRegistration struct {
	handler     Handler
	concurrency int
}

type PostgresOptions struct {
	Policy       RetryPolicy
	PollInterval time.Duration
	// VisibilityTimeout is how long a job may stay running before another
	// worker assumes its owner crashed and claims it again.
	VisibilityTimeout time.Duration
}

func NewPostgresQueue(db *sql.DB, opts PostgresOptions, logger *zap.Logger) *PostgresQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 5 * time.Minute
	}
	return &PostgresQueue{
		DB:                db,
		policy:            opts.Policy,
		pollInterval:      opts.PollInterval,
		visibilityTimeout: opts.VisibilityTimeout,
		logger:            logger,
		handlers:          make(map[string]*pgRegistration),
	}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, queueName string, payload any, delay time.Duration) (string, error) {
	body, err := encodePayload(payload)
	if err != nil {
		return "", err
	}
	if delay < 0 {
		delay = 0
	}

	id := uuid.NewString()
	query := `
		INSERT INTO queue_jobs (id, queue, payload, status, attempt, max_attempts, run_at)
		VALUES ($1, $2, $3, 'pending', 0, $4, $5)
	`
	_, err = q.DB.ExecContext(ctx, query, id, queueName, string(body), q.policy.MaxAttempts, time.Now().UTC().Add(delay))
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", queueName, err)
	}

	jobsEnqueuedCounter.WithLabelValues(queueName).Inc()
	return id, nil
}

func (q *PostgresQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	query := `UPDATE queue_jobs SET status='cancelled', updated_at=NOW() WHERE id=$1 AND status='pending'`
	res, err := q.DB.ExecContext(ctx, query, jobID)
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (q *PostgresQueue) Handle(queueName string, concurrency int, h Handler) {
	if concurrency < 1 {
		concurrency = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[queueName] = &pgRegistration{handler: h, concurrency: concurrency}
}

// Run polls every registered queue until ctx is cancelled.
func (q *PostgresQueue) Run(ctx context.Context) error {
	q.mu.Lock()
	regs := make(map[string]*pgRegistration, len(q.handlers))
	for name, reg := range q.handlers {
		regs[name] = reg
	}
	q.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for name, reg := range regs {
		g.Go(func() error {
			q.poll(ctx, name, reg)
			return nil
		})
	}
	return g.Wait()
}

func (q *PostgresQueue) poll(ctx context.Context, queueName string, reg *pgRegistration) {
	q.logger.Info("queue poller started", zap.String("queue", queueName), zap.Int("concurrency", reg.concurrency))
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		// Drain while batches come back full, then wait for the next tick.
		for {
			n, err := q.processBatch(ctx, queueName, reg)
			if err != nil && ctx.Err() == nil {
				q.logger.Error("claim jobs failed", zap.String("queue", queueName), zap.Error(err))
			}
			if err != nil || n < reg.concurrency || ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			q.logger.Info("queue poller stopped", zap.String("queue", queueName))
			return
		case <-ticker.C:
		}
	}
}

// processBatch claims up to reg.concurrency due jobs, runs them in parallel
// and stores their outcomes. It returns the number of jobs claimed.
func (q *PostgresQueue) processBatch(ctx context.Context, queueName string, reg *pgRegistration) (int, error) {
	jobs, err := q.claim(ctx, queueName, reg.concurrency)
	if err != nil {
		return 0, err
	}

	var g errgroup.Group
	g.SetLimit(reg.concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			out := runHandler(ctx, reg.handler, job, q.policy, q.logger)
			// Use a fresh context so a shutdown does not leave the row running.
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := q.complete(saveCtx, job.ID, out); err != nil {
				q.logger.Error("store job outcome failed", zap.String("job_id", job.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	return len(jobs), nil
}

func (q *PostgresQueue) claim(ctx context.Context, queueName string, limit int) ([]*Job, error) {
	now := time.Now().UTC()
	query := `
		UPDATE queue_jobs
		SET status='running', updated_at=$2
		WHERE id IN (
			SELECT id FROM queue_jobs
			WHERE queue=$1
			  AND ((status='pending' AND run_at <= $2) OR (status='running' AND updated_at < $3))
			ORDER BY run_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue, payload, status, attempt, max_attempts, run_at, last_error, created_at
	`
	rows, err := q.DB.QueryContext(ctx, query, queueName, now, now.Add(-q.visibilityTimeout), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		var job Job
		var payload []byte
		if err := rows.Scan(&job.ID, &job.Queue, &payload, &job.Status, &job.Attempt, &job.MaxAttempts,
			&job.RunAt, &job.LastError, &job.CreatedAt); err != nil {
			return nil, err
		}
		job.Payload = payload
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

func (q *PostgresQueue) complete(ctx context.Context, jobID string, out Outcome) error {
	query := `
		UPDATE queue_jobs
		SET status=$2, attempt=$3, run_at=$4, last_error=$5, updated_at=NOW()
		WHERE id=$1 AND status='running'
	`
	_, err := q.DB.ExecContext(ctx, query, jobID, out.Status, out.Attempt, out.RunAt, out.LastError)
	return err
}

var (
	_ Queue  = (*PostgresQueue)(nil)
	_ Worker = (*PostgresQueue)(nil)
)
