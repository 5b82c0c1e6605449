package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
	"github.com/unclebandit/outreach-engine/internal/model"
)

// RecipientRepositoryInterface defines the recipient mutations used by the engine.
// Stage changes are conditioned on the stored stage so concurrent workers
// cannot move a recipient backwards.
type RecipientRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.Recipient, error)
	GetByEmail(ctx context.Context, email string) (*model.Recipient, error)
	Create(ctx context.Context, r *model.Recipient) error
	AdvanceStage(ctx context.Context, id int64, stage model.Stage, contactedAt time.Time) (bool, error)
	SetSequence(ctx context.Context, id int64, state model.SequenceState) error
	MarkResponded(ctx context.Context, id int64) (bool, error)
	MarkRejected(ctx context.Context, id int64) (bool, error)
}

type RecipientRepository struct {
	DB *sql.DB
}

const recipientColumns = `id, email, first_name, last_name, company, stage, sequence_state, last_contacted_at`

func scanRecipient(row rowScanner) (*model.Recipient, error) {
	var rc model.Recipient
	if err := row.Scan(&rc.ID, &rc.Email, &rc.FirstName, &rc.LastName, &rc.Company, &rc.Stage, &rc.Sequence, &rc.LastContactedAt); err != nil {
		return nil, err
	}
	return &rc, nil
}

func (r *RecipientRepository) GetByID(ctx context.Context, id int64) (*model.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE id = $1`
	rc, err := scanRecipient(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("recipient", id)
		}
		return nil, err
	}
	return rc, nil
}

// GetByEmail returns nil, nil when no recipient has the address.
func (r *RecipientRepository) GetByEmail(ctx context.Context, email string) (*model.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE email = $1`
	rc, err := scanRecipient(r.DB.QueryRowContext(ctx, query, strings.ToLower(strings.TrimSpace(email))))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rc, nil
}

func (r *RecipientRepository) Create(ctx context.Context, rc *model.Recipient) error {
	if rc.Stage == "" {
		rc.Stage = model.StageNotContacted
	}
	if rc.Sequence == "" {
		rc.Sequence = model.SequenceNone
	}
	rc.Email = strings.ToLower(strings.TrimSpace(rc.Email))

	query := `
		INSERT INTO recipients (email, first_name, last_name, company, stage, stage_rank, sequence_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	return r.DB.QueryRowContext(ctx, query,
		rc.Email, rc.FirstName, rc.LastName, rc.Company, rc.Stage, rc.Stage.Rank(), rc.Sequence,
	).Scan(&rc.ID)
}

func (r *RecipientRepository) AdvanceStage(ctx context.Context, id int64, stage model.Stage, contactedAt time.Time) (bool, error) {
	query := `
		UPDATE recipients
		SET stage=$2, stage_rank=$3, last_contacted_at=$4
		WHERE id=$1 AND stage_rank < $3 AND stage NOT IN ('converted', 'rejected')
	`
	return applied(r.DB.ExecContext(ctx, query, id, stage, stage.Rank(), contactedAt))
}

func (r *RecipientRepository) SetSequence(ctx context.Context, id int64, state model.SequenceState) error {
	query := `UPDATE recipients SET sequence_state=$2 WHERE id=$1`
	ok, err := applied(r.DB.ExecContext(ctx, query, id, state))
	if err != nil {
		return err
	}
	if !ok {
		return appErrors.NewNotFound("recipient", id)
	}
	return nil
}

// MarkResponded is the only transition allowed to lower the stage rank.
func (r *RecipientRepository) MarkResponded(ctx context.Context, id int64) (bool, error) {
	query := `
		UPDATE recipients
		SET stage='responded', stage_rank=0, sequence_state='responded'
		WHERE id=$1 AND stage NOT IN ('converted', 'responded')
	`
	return applied(r.DB.ExecContext(ctx, query, id))
}

// MarkRejected leaves a responded recipient alone so a reply that lands
// during the final check wins.
func (r *RecipientRepository) MarkRejected(ctx context.Context, id int64) (bool, error) {
	query := `
		UPDATE recipients
		SET stage='rejected', stage_rank=$2, sequence_state='rejected'
		WHERE id=$1 AND stage NOT IN ('converted', 'rejected', 'responded')
	`
	return applied(r.DB.ExecContext(ctx, query, id, model.StageRejected.Rank()))
}

var _ RecipientRepositoryInterface = (*RecipientRepository)(nil)
