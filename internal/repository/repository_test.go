package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
	"github.com/unclebandit/outreach-engine/internal/model"
)

func newMock(t *testing.T) (sqlmock.Sqlmock, *OutboundMessageRepository, *RecipientRepository) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return mock, &OutboundMessageRepository{DB: db}, &RecipientRepository{DB: db}
}

func TestMarkRepliedIsConditional(t *testing.T) {
	mock, repo, _ := newMock(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectExec(`UPDATE outbound_messages\s+SET status='replied'.*WHERE id=\$1 AND status <> 'replied'`).
		WithArgs(int64(7), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE outbound_messages\s+SET status='replied'`).
		WithArgs(int64(7), now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := repo.MarkReplied(ctx, 7, now)
	require.NoError(t, err)
	second, err := repo.MarkReplied(ctx, 7, now)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimForSendIsExclusive(t *testing.T) {
	mock, repo, _ := newMock(t)
	ctx := context.Background()
	stale := time.Now().Add(-5 * time.Minute)

	mock.ExpectExec(`UPDATE outbound_messages\s+SET status='sending'.*WHERE id=\$1 AND \(status IN \('pending', 'failed'\) OR \(status='sending' AND updated_at < \$2\)\)`).
		WithArgs(int64(3), stale).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SET status='sending'`).
		WithArgs(int64(3), stale).
		WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := repo.ClaimForSend(ctx, 3, stale)
	require.NoError(t, err)
	second, err := repo.ClaimForSend(ctx, 3, stale)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second, "a fresh claim is not taken over")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSentKeepsFirstProviderID(t *testing.T) {
	mock, repo, _ := newMock(t)

	mock.ExpectExec(`provider_message_id=COALESCE\(NULLIF\(provider_message_id, ''\), \$2\).*status IN \('pending', 'sending', 'failed'\)`).
		WithArgs(int64(3), "<abc@mx.example.com>", "abc@mx.example.com", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.MarkSent(context.Background(), 3, "<abc@mx.example.com>", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedNormalizesError(t *testing.T) {
	mock, repo, _ := newMock(t)

	mock.ExpectExec(`SET status='failed', attempt_count=attempt_count\+1`).
		WithArgs(int64(4), "421 try again later").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.MarkFailed(context.Background(), 4, "421\n   try again later ")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByIDNotFound(t *testing.T) {
	mock, repo, recipients := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery(`FROM outbound_messages WHERE id=\$1`).WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`FROM recipients WHERE id = \$1`).WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByID(ctx, 9)
	assert.True(t, appErrors.IsNotFound(err))

	_, err = recipients.GetByID(ctx, 9)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestGetOutboundMessage(t *testing.T) {
	mock, repo, _ := newMock(t)
	now := time.Now()
	jobID := "job-1"

	rows := sqlmock.NewRows([]string{
		"id", "recipient_id", "account_id", "to_address", "subject", "body", "status",
		"provider_message_id", "normalized_provider_id", "attempt_count", "last_error",
		"sent_at", "replied_at", "follow_up_job_id", "step", "template_name", "created_at", "updated_at",
	}).AddRow(1, 2, 3, "lead@example.com", "Hello", "<p>hi</p>", "sent",
		"<id@mx>", "id@mx", 1, "", now, nil, jobID, 1, "", now, now)

	mock.ExpectQuery(`FROM outbound_messages WHERE id=\$1`).WithArgs(int64(1)).WillReturnRows(rows)

	msg, err := repo.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusSent, msg.Status)
	assert.Equal(t, "id@mx", msg.NormalizedProviderID)
	require.NotNil(t, msg.FollowUpJobID)
	assert.Equal(t, jobID, *msg.FollowUpJobID)
	assert.Nil(t, msg.RepliedAt)
}

func TestAdvanceStageIsForwardOnly(t *testing.T) {
	mock, _, recipients := newMock(t)

	mock.ExpectExec(`UPDATE recipients\s+SET stage=\$2, stage_rank=\$3.*WHERE id=\$1 AND stage_rank < \$3`).
		WithArgs(int64(5), model.StageStep2Sent, 2, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := recipients.AdvanceStage(context.Background(), 5, model.StageStep2Sent, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceStageRestartsRespondedRecipient(t *testing.T) {
	mock, _, recipients := newMock(t)

	mock.ExpectExec(`WHERE id=\$1 AND stage_rank < \$3 AND stage NOT IN \('converted', 'rejected'\)\s*$`).
		WithArgs(int64(6), model.StageStep1Sent, 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := recipients.AdvanceStage(context.Background(), 6, model.StageStep1Sent, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRejectedKeepsRespondedRecipient(t *testing.T) {
	mock, _, recipients := newMock(t)

	mock.ExpectExec(`SET stage='rejected'.*stage NOT IN \('converted', 'rejected', 'responded'\)`).
		WithArgs(int64(6), model.StageRejected.Rank()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := recipients.MarkRejected(context.Background(), 6)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
