// internal/service/outreach_service.go
package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
	"github.com/unclebandit/outreach-engine/internal/model"
	"github.com/unclebandit/outreach-engine/internal/pacer"
	"github.com/unclebandit/outreach-engine/internal/queue"
	"github.com/unclebandit/outreach-engine/internal/repository"
)

// OutreachService is the enqueue API used by the HTTP layer.
type OutreachService struct {
	OutboundRepo  repository.OutboundMessageRepositoryInterface
	RecipientRepo repository.RecipientRepositoryInterface
	Queue         queue.Queue
	Pacer         *pacer.Pacer
	Logger        *zap.Logger
}

type SendRequest struct {
	AccountID   int64  `json:"account_id"`
	RecipientID int64  `json:"recipient_id,omitempty"`
	To          string `json:"to"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	Company     string `json:"company,omitempty"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	ReplyTo     string `json:"reply_to,omitempty"`
	// StartAutomation begins the three-step follow-up sequence once the
	// message is sent.
	StartAutomation bool `json:"start_automation,omitempty"`
}

type EnqueueResult struct {
	OutboundMessageID int64  `json:"outbound_message_id"`
	RecipientID       int64  `json:"recipient_id"`
	JobID             string `json:"job_id"`
	DelayMs           int64  `json:"delay_ms"`
}

type BulkOptions struct {
	IntervalSec int `json:"interval_sec"`
	JitterMs    int `json:"jitter_ms"`
}

type BulkItem struct {
	Index  int            `json:"index"`
	To     string         `json:"to"`
	Result *EnqueueResult `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

type BulkResult struct {
	Queued int        `json:"queued"`
	Failed int        `json:"failed"`
	Items  []BulkItem `json:"items"`
}

// EnqueueSend records a pending message and queues it after delay. An
// invalid address is recorded as a failed message against the resolved
// recipient, and nothing is queued.
func (s *OutreachService) EnqueueSend(ctx context.Context, req SendRequest, delay time.Duration) (*EnqueueResult, error) {
	const op = "enqueue send"

	req.To = strings.TrimSpace(req.To)
	if req.AccountID <= 0 {
		return nil, appErrors.NewValidation(op, "account_id is required")
	}
	if strings.TrimSpace(req.Subject) == "" {
		return nil, appErrors.NewValidation(op, "subject is required")
	}

	if verr := ValidateAddress(op, req.To); verr != nil {
		s.recordInvalid(ctx, req, verr)
		return nil, verr
	}

	recipient, err := s.resolveRecipient(ctx, req)
	if err != nil {
		return nil, err
	}

	step := 0
	if req.StartAutomation {
		step = 1
	}
	msg := &model.OutboundMessage{
		RecipientID: recipient.ID,
		AccountID:   req.AccountID,
		ToAddress:   req.To,
		Subject:     req.Subject,
		Body:        req.Body,
		Status:      model.MessageStatusPending,
		Step:        step,
	}
	if err := s.OutboundRepo.Create(ctx, msg); err != nil {
		return nil, err
	}

	payload := model.SendPayload{
		OutboundMessageID: msg.ID,
		RecipientID:       recipient.ID,
		AccountID:         req.AccountID,
		To:                req.To,
		Subject:           req.Subject,
		Body:              req.Body,
		ReplyTo:           req.ReplyTo,
		StartAutomation:   req.StartAutomation,
		Step:              step,
	}
	jobID, err := s.Queue.Enqueue(ctx, queue.SendQueue, payload, delay)
	if err != nil {
		if _, ferr := s.OutboundRepo.MarkFailed(ctx, msg.ID, "enqueue failed: "+err.Error()); ferr != nil {
			s.Logger.Error("failed to record enqueue failure", zap.Int64("outbound_message_id", msg.ID), zap.Error(ferr))
		}
		return nil, err
	}

	return &EnqueueResult{
		OutboundMessageID: msg.ID,
		RecipientID:       recipient.ID,
		JobID:             jobID,
		DelayMs:           delay.Milliseconds(),
	}, nil
}

// EnqueueBulk paces a batch with the Pacer. A failing item never stops the
// rest of the batch.
func (s *OutreachService) EnqueueBulk(ctx context.Context, reqs []SendRequest, opts BulkOptions) (*BulkResult, error) {
	if len(reqs) == 0 {
		return nil, appErrors.NewValidation("enqueue bulk", "at least one recipient is required")
	}

	addrs := make([]string, len(reqs))
	for i, r := range reqs {
		addrs[i] = r.To
	}
	delays := s.Pacer.Plan(addrs, pacer.BatchOptions{
		Interval:  time.Duration(opts.IntervalSec) * time.Second,
		MaxJitter: time.Duration(opts.JitterMs) * time.Millisecond,
	})

	result := &BulkResult{Items: make([]BulkItem, 0, len(reqs))}
	for i, r := range reqs {
		item := BulkItem{Index: i, To: r.To}
		res, err := s.EnqueueSend(ctx, r, delays[i])
		if err != nil {
			s.Logger.Warn("bulk item not queued", zap.Int("index", i), zap.String("to", r.To), zap.Error(err))
			item.Error = err.Error()
			result.Failed++
		} else {
			item.Result = res
			result.Queued++
		}
		result.Items = append(result.Items, item)
	}

	s.Logger.Info("bulk batch queued", zap.Int("queued", result.Queued), zap.Int("failed", result.Failed))
	return result, nil
}

func (s *OutreachService) GetMessage(ctx context.Context, id int64) (*model.OutboundMessage, error) {
	return s.OutboundRepo.GetByID(ctx, id)
}

func (s *OutreachService) AccountStats(ctx context.Context, accountID int64) (map[string]int, error) {
	return s.OutboundRepo.StatusCounts(ctx, accountID)
}

func (s *OutreachService) resolveRecipient(ctx context.Context, req SendRequest) (*model.Recipient, error) {
	if req.RecipientID > 0 {
		return s.RecipientRepo.GetByID(ctx, req.RecipientID)
	}

	existing, err := s.RecipientRepo.GetByEmail(ctx, req.To)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	r := &model.Recipient{
		Email:     req.To,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Company:   req.Company,
	}
	if err := s.RecipientRepo.Create(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// recordInvalid stores the validation failure. Without a recipient id or an
// address there is nothing to attach it to.
func (s *OutreachService) recordInvalid(ctx context.Context, req SendRequest, verr error) {
	if req.RecipientID <= 0 && req.To == "" {
		return
	}
	log := s.Logger.With(zap.Int64("recipient_id", req.RecipientID), zap.String("to", req.To))

	recipient, err := s.resolveRecipient(ctx, req)
	if err != nil {
		log.Error("failed to resolve recipient for invalid address", zap.Error(err))
		return
	}

	msg := &model.OutboundMessage{
		RecipientID: recipient.ID,
		AccountID:   req.AccountID,
		ToAddress:   req.To,
		Subject:     req.Subject,
		Body:        req.Body,
		Status:      model.MessageStatusFailed,
		LastError:   model.NormalizeErrorText(verr.Error()),
	}
	if err := s.OutboundRepo.Create(ctx, msg); err != nil {
		log.Error("failed to record invalid address", zap.Error(err))
	}
}
