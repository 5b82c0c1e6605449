// internal/service/followup_service.go
package service

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
	"github.com/unclebandit/outreach-engine/internal/model"
	"github.com/unclebandit/outreach-engine/internal/publisher"
	"github.com/unclebandit/outreach-engine/internal/queue"
	"github.com/unclebandit/outreach-engine/internal/repository"
)

// FinalStep is the last check of a sequence; no reply after it rejects the
// recipient.
const FinalStep = 3

type ReplyChecker interface {
	HasReply(ctx context.Context, msg *model.OutboundMessage, account *model.Account) (bool, error)
}

type ReplyMarker interface {
	MarkReplied(ctx context.Context, msg *model.OutboundMessage, source string) (bool, error)
}

type FollowUpConfig struct {
	// Step1Delay returns the wait before the first check for an account
	// provider (gmail, outlook, ...).
	Step1Delay func(provider string) time.Duration
	// StepDelays holds the wait before checking steps 2 and 3.
	StepDelays map[int]time.Duration
	// Templates names the template sent at steps 2 and 3.
	Templates map[int]string
	// MissingTemplateDelay is how long to wait before checking the same step
	// again when the next template does not exist.
	MissingTemplateDelay   time.Duration
	RetryOnMissingTemplate bool
}

// FollowUpScheduler drives the per-recipient sequence
// sent_1 -> sent_2 -> sent_3 -> rejected, closed early by a reply.
type FollowUpScheduler struct {
	OutboundRepo  repository.OutboundMessageRepositoryInterface
	RecipientRepo repository.RecipientRepositoryInterface
	AccountRepo   repository.AccountRepositoryInterface
	TemplateRepo  repository.TemplateRepositoryInterface
	Queue         queue.Queue
	Detector      ReplyChecker
	Replies       ReplyMarker
	Publisher     publisher.Publisher
	Config        FollowUpConfig
	Logger        *zap.Logger
}

// Start enters sent_1 and arms the first check.
func (s *FollowUpScheduler) Start(ctx context.Context, msg *model.OutboundMessage, account *model.Account) error {
	delay := 24 * time.Hour
	if s.Config.Step1Delay != nil {
		delay = s.Config.Step1Delay(account.Provider)
	}

	if _, err := s.Arm(ctx, msg, 1, delay); err != nil {
		return err
	}
	if err := s.RecipientRepo.SetSequence(ctx, msg.RecipientID, model.SequenceSent1); err != nil {
		s.Logger.Warn("failed to record sequence state", zap.Int64("recipient_id", msg.RecipientID), zap.Error(err))
	}
	return nil
}

// Arm schedules the check for step on msg and makes it the message's only
// armed job. The job it replaces is cancelled best-effort.
func (s *FollowUpScheduler) Arm(ctx context.Context, msg *model.OutboundMessage, step int, delay time.Duration) (string, error) {
	payload := model.FollowUpPayload{
		OutboundMessageID: msg.ID,
		RecipientID:       msg.RecipientID,
		Step:              step,
		AccountID:         msg.AccountID,
	}

	jobID, err := s.Queue.Enqueue(ctx, queue.FollowUpQueue, payload, delay)
	if err != nil {
		return "", err
	}

	previous := msg.FollowUpJobID
	if err := s.OutboundRepo.SetFollowUpJob(ctx, msg.ID, &jobID); err != nil {
		if _, cerr := s.Queue.Cancel(ctx, jobID); cerr != nil {
			s.Logger.Warn("failed to cancel orphaned follow-up job", zap.String("job_id", jobID), zap.Error(cerr))
		}
		return "", err
	}
	msg.FollowUpJobID = &jobID

	if previous != nil && *previous != jobID {
		if _, err := s.Queue.Cancel(ctx, *previous); err != nil {
			s.Logger.Warn("failed to cancel superseded follow-up job", zap.String("job_id", *previous), zap.Error(err))
		}
	}

	s.Logger.Info("follow-up armed",
		zap.Int64("outbound_message_id", msg.ID),
		zap.Int("step", step),
		zap.String("job_id", jobID),
		zap.Duration("delay", delay),
	)
	return jobID, nil
}

// HandleFollowUp is the follow-up-queue handler.
func (s *FollowUpScheduler) HandleFollowUp(ctx context.Context, job *queue.Job) error {
	var p model.FollowUpPayload
	if err := job.Decode(&p); err != nil || !p.Valid() {
		s.Logger.Warn("dropping malformed follow-up job", zap.String("job_id", job.ID), zap.ByteString("payload", job.Payload))
		return nil
	}

	log := s.Logger.With(
		zap.String("job_id", job.ID),
		zap.Int64("outbound_message_id", p.OutboundMessageID),
		zap.Int64("recipient_id", p.RecipientID),
		zap.Int("step", p.Step),
	)
	step := strconv.Itoa(p.Step)

	msg, err := s.OutboundRepo.GetByID(ctx, p.OutboundMessageID)
	if err != nil {
		return s.dropIfMissing(log, err)
	}
	if msg.Status == model.MessageStatusReplied {
		log.Debug("conversation already replied")
		followUpChecksTotal.WithLabelValues(step, "noop").Inc()
		return nil
	}
	if msg.FollowUpJobID == nil || *msg.FollowUpJobID != job.ID {
		log.Info("follow-up job superseded")
		followUpChecksTotal.WithLabelValues(step, "noop").Inc()
		return nil
	}

	recipient, err := s.RecipientRepo.GetByID(ctx, p.RecipientID)
	if err != nil {
		return s.dropIfMissing(log, err)
	}
	// Sequence is owned by the scheduler; a responded recipient that was
	// sent to again is back on sent_1 here.
	if recipient.Sequence.IsTerminal() || recipient.Stage.IsTerminal() {
		log.Info("sequence already finished", zap.String("stage", string(recipient.Stage)))
		s.clearArmed(ctx, log, msg.ID)
		followUpChecksTotal.WithLabelValues(step, "noop").Inc()
		return nil
	}

	account, err := s.AccountRepo.GetByID(ctx, p.AccountID)
	if err != nil {
		return s.dropIfMissing(log, err)
	}

	replied, err := s.Detector.HasReply(ctx, msg, account)
	if err != nil {
		return err
	}
	if replied {
		followUpChecksTotal.WithLabelValues(step, "replied").Inc()
		_, err := s.Replies.MarkReplied(ctx, msg, "follow_up")
		return err
	}

	if p.Step >= FinalStep {
		followUpChecksTotal.WithLabelValues(step, "rejected").Inc()
		s.reject(ctx, log, job.ID, msg, recipient, "no reply after final follow-up")
		return nil
	}

	next := p.Step + 1
	name := s.Config.Templates[next]
	tpl, err := s.TemplateRepo.FindByName(ctx, name)
	if err != nil {
		return err
	}
	if tpl == nil {
		followUpChecksTotal.WithLabelValues(step, "missing_template").Inc()
		if !s.Config.RetryOnMissingTemplate {
			log.Warn("follow-up template missing, stopping sequence", zap.String("template", name))
			s.reject(ctx, log, job.ID, msg, recipient, "follow-up template "+name+" missing")
			return nil
		}
		log.Warn("follow-up template missing, checking again later",
			zap.String("template", name),
			zap.Duration("delay", s.Config.MissingTemplateDelay),
		)
		_, err := s.Arm(ctx, msg, p.Step, s.Config.MissingTemplateDelay)
		return err
	}

	return s.advance(ctx, log, job.ID, msg, recipient, tpl, next)
}

// advance sends the next step's message and arms its check.
func (s *FollowUpScheduler) advance(ctx context.Context, log *zap.Logger, jobID string, prev *model.OutboundMessage, recipient *model.Recipient, tpl *model.Template, next int) error {
	step := strconv.Itoa(next - 1)

	// A reply scan may have closed the conversation since it was read.
	current, err := s.OutboundRepo.GetByID(ctx, prev.ID)
	if err != nil {
		return s.dropIfMissing(log, err)
	}
	if current.Status == model.MessageStatusReplied || current.FollowUpJobID == nil || *current.FollowUpJobID != jobID {
		log.Info("conversation changed during check, not advancing", zap.String("status", string(current.Status)))
		followUpChecksTotal.WithLabelValues(step, "noop").Inc()
		return nil
	}

	vars := recipient.Variables()
	msg := &model.OutboundMessage{
		RecipientID:  recipient.ID,
		AccountID:    prev.AccountID,
		ToAddress:    prev.ToAddress,
		Subject:      RenderTemplate(tpl.Subject, vars),
		Body:         RenderTemplate(tpl.Body, vars),
		Status:       model.MessageStatusPending,
		Step:         next,
		TemplateName: tpl.Name,
	}
	if err := s.OutboundRepo.Create(ctx, msg); err != nil {
		return err
	}

	payload := model.SendPayload{
		OutboundMessageID: msg.ID,
		RecipientID:       recipient.ID,
		AccountID:         msg.AccountID,
		To:                msg.ToAddress,
		Subject:           msg.Subject,
		Body:              msg.Body,
		Step:              next,
		ThreadProviderID:  prev.ProviderMessageID,
	}
	if _, err := s.Queue.Enqueue(ctx, queue.SendQueue, payload, 0); err != nil {
		if _, ferr := s.OutboundRepo.MarkFailed(ctx, msg.ID, "enqueue failed: "+err.Error()); ferr != nil {
			log.Error("failed to record enqueue failure", zap.Error(ferr))
		}
		return err
	}

	followUpChecksTotal.WithLabelValues(step, "advanced").Inc()

	// From here on the next message is queued; errors only abort this
	// branch so the job is not retried into a duplicate send.
	now := time.Now().UTC()
	if _, err := s.RecipientRepo.AdvanceStage(ctx, recipient.ID, model.StageForStep(next), now); err != nil {
		log.Warn("failed to advance recipient stage", zap.Error(err))
	}
	if err := s.RecipientRepo.SetSequence(ctx, recipient.ID, model.SequenceForStep(next)); err != nil {
		log.Warn("failed to record sequence state", zap.Error(err))
		return nil
	}

	delay := s.Config.StepDelays[next]
	if _, err := s.Arm(ctx, msg, next, delay); err != nil {
		log.Error("failed to arm next follow-up check", zap.Int64("next_message_id", msg.ID), zap.Error(err))
		return nil
	}
	s.clearArmed(ctx, log, prev.ID)

	s.Publisher.Publish(ctx, publisher.ProgressChannel(jobID), publisher.Event{
		Type:              "follow_up",
		OutboundMessageID: msg.ID,
		RecipientID:       recipient.ID,
		AccountID:         msg.AccountID,
		Step:              next,
		Status:            string(model.MessageStatusPending),
		Stage:             string(model.StageForStep(next)),
	})
	log.Info("follow-up queued", zap.Int64("next_message_id", msg.ID), zap.Int("next_step", next))
	return nil
}

func (s *FollowUpScheduler) reject(ctx context.Context, log *zap.Logger, jobID string, msg *model.OutboundMessage, recipient *model.Recipient, reason string) {
	ok, err := s.RecipientRepo.MarkRejected(ctx, recipient.ID)
	if err != nil {
		log.Warn("failed to reject recipient", zap.Error(err))
		return
	}
	s.clearArmed(ctx, log, msg.ID)
	if !ok {
		log.Info("recipient already in a final stage")
		return
	}

	s.Publisher.Publish(ctx, publisher.ProgressChannel(jobID), publisher.Event{
		Type:              "rejected",
		OutboundMessageID: msg.ID,
		RecipientID:       recipient.ID,
		AccountID:         msg.AccountID,
		Stage:             string(model.StageRejected),
		Error:             reason,
	})
	log.Info("sequence finished without reply", zap.String("reason", reason))
}

func (s *FollowUpScheduler) clearArmed(ctx context.Context, log *zap.Logger, messageID int64) {
	if err := s.OutboundRepo.SetFollowUpJob(ctx, messageID, nil); err != nil {
		log.Warn("failed to clear armed follow-up", zap.Int64("outbound_message_id", messageID), zap.Error(err))
	}
}

// dropIfMissing turns a vanished record into a logged no-op.
func (s *FollowUpScheduler) dropIfMissing(log *zap.Logger, err error) error {
	if appErrors.IsNotFound(err) {
		log.Warn("dropping follow-up job", zap.String("kind", appErrors.KindSchedulingInconsistency.String()), zap.Error(err))
		return nil
	}
	return err
}
