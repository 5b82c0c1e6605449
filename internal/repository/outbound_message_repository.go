package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
	"github.com/unclebandit/outreach-engine/internal/model"
)

type OutboundMessageRepositoryInterface interface {
	Create(ctx context.Context, msg *model.OutboundMessage) error
	GetByID(ctx context.Context, id int64) (*model.OutboundMessage, error)
	// ClaimForSend moves a pending or failed message to sending. A sending
	// claim last touched before staleBefore is taken over. It returns false
	// when another delivery holds the message or it was already sent.
	ClaimForSend(ctx context.Context, id int64, staleBefore time.Time) (bool, error)
	// MarkSent records an accepted send. It returns false when the message
	// was no longer pending, sending or failed.
	MarkSent(ctx context.Context, id int64, providerID string, sentAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, id int64, lastError string) (bool, error)
	// MarkReplied applies the replied transition at most once per message.
	MarkReplied(ctx context.Context, id int64, repliedAt time.Time) (bool, error)
	SetFollowUpJob(ctx context.Context, id int64, jobID *string) error
	ListAwaitingReply(ctx context.Context, accountID int64, limit int) ([]*model.OutboundMessage, error)
	StatusCounts(ctx context.Context, accountID int64) (map[string]int, error)
}

type OutboundMessageRepository struct {
	DB *sql.DB
}

const outboundColumns = `id, recipient_id, account_id, to_address, subject, body, status,
	provider_message_id, normalized_provider_id, attempt_count, last_error,
	sent_at, replied_at, follow_up_job_id, step, template_name, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutbound(row rowScanner) (*model.OutboundMessage, error) {
	var msg model.OutboundMessage
	err := row.Scan(
		&msg.ID, &msg.RecipientID, &msg.AccountID, &msg.ToAddress, &msg.Subject, &msg.Body, &msg.Status,
		&msg.ProviderMessageID, &msg.NormalizedProviderID, &msg.AttemptCount, &msg.LastError,
		&msg.SentAt, &msg.RepliedAt, &msg.FollowUpJobID, &msg.Step, &msg.TemplateName, &msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Create inserts a new outbound message and fills in its ID.
func (r *OutboundMessageRepository) Create(ctx context.Context, msg *model.OutboundMessage) error {
	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if msg.Status == "" {
		msg.Status = model.MessageStatusPending
	}

	query := `
		INSERT INTO outbound_messages
		(recipient_id, account_id, to_address, subject, body, status, last_error, attempt_count, step, template_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`
	return r.DB.QueryRowContext(ctx, query,
		msg.RecipientID,
		msg.AccountID,
		msg.ToAddress,
		msg.Subject,
		msg.Body,
		msg.Status,
		msg.LastError,
		msg.AttemptCount,
		msg.Step,
		msg.TemplateName,
		msg.CreatedAt,
		msg.UpdatedAt,
	).Scan(&msg.ID)
}

func (r *OutboundMessageRepository) GetByID(ctx context.Context, id int64) (*model.OutboundMessage, error) {
	query := `SELECT ` + outboundColumns + ` FROM outbound_messages WHERE id=$1`
	msg, err := scanOutbound(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("outbound message", id)
		}
		return nil, err
	}
	return msg, nil
}

func (r *OutboundMessageRepository) ClaimForSend(ctx context.Context, id int64, staleBefore time.Time) (bool, error) {
	query := `
		UPDATE outbound_messages
		SET status='sending', updated_at=NOW()
		WHERE id=$1 AND (status IN ('pending', 'failed') OR (status='sending' AND updated_at < $2))
	`
	res, err := r.DB.ExecContext(ctx, query, id, staleBefore)
	return applied(res, err)
}

// MarkSent keeps the first provider id ever recorded for the message.
func (r *OutboundMessageRepository) MarkSent(ctx context.Context, id int64, providerID string, sentAt time.Time) (bool, error) {
	query := `
		UPDATE outbound_messages
		SET status='sent',
		    provider_message_id=COALESCE(NULLIF(provider_message_id, ''), $2),
		    normalized_provider_id=COALESCE(NULLIF(normalized_provider_id, ''), $3),
		    attempt_count=attempt_count+1,
		    last_error='',
		    sent_at=$4,
		    updated_at=NOW()
		WHERE id=$1 AND status IN ('pending', 'sending', 'failed')
	`
	res, err := r.DB.ExecContext(ctx, query, id, providerID, model.NormalizeMessageID(providerID), sentAt)
	return applied(res, err)
}

func (r *OutboundMessageRepository) MarkFailed(ctx context.Context, id int64, lastError string) (bool, error) {
	query := `
		UPDATE outbound_messages
		SET status='failed', attempt_count=attempt_count+1, last_error=$2, updated_at=NOW()
		WHERE id=$1 AND status IN ('pending', 'sending', 'failed')
	`
	res, err := r.DB.ExecContext(ctx, query, id, model.NormalizeErrorText(lastError))
	return applied(res, err)
}

func (r *OutboundMessageRepository) MarkReplied(ctx context.Context, id int64, repliedAt time.Time) (bool, error) {
	query := `
		UPDATE outbound_messages
		SET status='replied', replied_at=$2, follow_up_job_id=NULL, updated_at=NOW()
		WHERE id=$1 AND status <> 'replied'
	`
	res, err := r.DB.ExecContext(ctx, query, id, repliedAt)
	return applied(res, err)
}

func (r *OutboundMessageRepository) SetFollowUpJob(ctx context.Context, id int64, jobID *string) error {
	query := `UPDATE outbound_messages SET follow_up_job_id=$2, updated_at=NOW() WHERE id=$1`
	ok, err := applied(r.DB.ExecContext(ctx, query, id, jobID))
	if err != nil {
		return err
	}
	if !ok {
		return appErrors.NewNotFound("outbound message", id)
	}
	return nil
}

// ListAwaitingReply returns sent messages that still have an armed follow-up.
func (r *OutboundMessageRepository) ListAwaitingReply(ctx context.Context, accountID int64, limit int) ([]*model.OutboundMessage, error) {
	query := `SELECT ` + outboundColumns + `
		FROM outbound_messages
		WHERE account_id=$1 AND status='sent' AND follow_up_job_id IS NOT NULL
		ORDER BY sent_at ASC
		LIMIT $2`

	rows, err := r.DB.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []*model.OutboundMessage{}
	for rows.Next() {
		msg, err := scanOutbound(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (r *OutboundMessageRepository) StatusCounts(ctx context.Context, accountID int64) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM outbound_messages WHERE account_id=$1 GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{"total": 0, "pending": 0, "sending": 0, "sent": 0, "failed": 0, "replied": 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
		stats["total"] += count
	}
	return stats, rows.Err()
}

func applied(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

var _ OutboundMessageRepositoryInterface = (*OutboundMessageRepository)(nil)
