// internal/service/dispatcher.go
package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
	"github.com/unclebandit/outreach-engine/internal/model"
	"github.com/unclebandit/outreach-engine/internal/provider"
	"github.com/unclebandit/outreach-engine/internal/publisher"
	"github.com/unclebandit/outreach-engine/internal/queue"
	"github.com/unclebandit/outreach-engine/internal/repository"
)

// SendBudget hands out per-account send slots. A positive wait means the
// account is over its rolling limit.
type SendBudget interface {
	Reserve(ctx context.Context, accountID int64, now time.Time) (time.Duration, error)
}

// AutomationStarter arms the first follow-up check after a successful send.
type AutomationStarter interface {
	Start(ctx context.Context, msg *model.OutboundMessage, account *model.Account) error
}

// Dispatcher processes send-queue jobs.
type Dispatcher struct {
	OutboundRepo  repository.OutboundMessageRepositoryInterface
	RecipientRepo repository.RecipientRepositoryInterface
	AccountRepo   repository.AccountRepositoryInterface
	Sender        provider.Sender
	Budget        SendBudget
	Automation    AutomationStarter
	Publisher     publisher.Publisher
	SendTimeout   time.Duration
	// ClaimTTL is how long a sending claim is honoured before another
	// delivery may take the message over. It must outlast SendTimeout.
	ClaimTTL      time.Duration
	Logger        *zap.Logger
}

const defaultClaimTTL = 5 * time.Minute

// Handle is the send-queue handler. Returned errors are classified so the
// queue retries transient failures only.
func (d *Dispatcher) Handle(ctx context.Context, job *queue.Job) error {
	var p model.SendPayload
	if err := job.Decode(&p); err != nil || !p.Valid() {
		d.Logger.Warn("dropping malformed send job", zap.String("job_id", job.ID), zap.ByteString("payload", job.Payload))
		sendsTotal.WithLabelValues("dropped").Inc()
		return nil
	}

	log := d.Logger.With(
		zap.String("job_id", job.ID),
		zap.Int64("outbound_message_id", p.OutboundMessageID),
		zap.Int64("recipient_id", p.RecipientID),
		zap.Int("step", p.Step),
	)

	msg, err := d.OutboundRepo.GetByID(ctx, p.OutboundMessageID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			log.Warn("dropping send job", zap.String("kind", appErrors.KindSchedulingInconsistency.String()), zap.Error(err))
			return nil
		}
		return err
	}
	if msg.Status == model.MessageStatusSent || msg.Status == model.MessageStatusReplied {
		log.Debug("message already sent", zap.String("status", string(msg.Status)))
		return nil
	}

	if verr := ValidateAddress("dispatch", p.To); verr != nil {
		if _, err := d.OutboundRepo.MarkFailed(ctx, msg.ID, verr.Error()); err != nil {
			log.Error("failed to record validation error", zap.Error(err))
		}
		sendsTotal.WithLabelValues("invalid").Inc()
		d.publish(ctx, job.ID, p, "failed", verr)
		return verr
	}

	account, err := d.AccountRepo.GetByID(ctx, p.AccountID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			ierr := appErrors.NewInconsistency("dispatch", "sending account no longer exists")
			if _, ferr := d.OutboundRepo.MarkFailed(ctx, msg.ID, ierr.Error()); ferr != nil {
				log.Error("failed to record missing account", zap.Error(ferr))
			}
			log.Warn("dropping send job", zap.String("kind", appErrors.KindSchedulingInconsistency.String()), zap.Error(ierr))
			sendsTotal.WithLabelValues("dropped").Inc()
			return nil
		}
		return err
	}

	now := time.Now().UTC()
	if d.Budget != nil {
		wait, err := d.Budget.Reserve(ctx, account.ID, now)
		switch {
		case err != nil:
			log.Warn("send budget unavailable, sending without it", zap.Error(err))
		case wait > 0:
			sendsTotal.WithLabelValues("deferred").Inc()
			return appErrors.NewDefer(wait, "account send budget exhausted")
		}
	}

	claimed, err := d.OutboundRepo.ClaimForSend(ctx, msg.ID, now.Add(-d.claimTTL()))
	if err != nil {
		return err
	}
	if !claimed {
		return d.notClaimed(ctx, log, msg.ID)
	}

	res, err := d.send(ctx, account, msg, p)
	if err != nil {
		if _, ferr := d.OutboundRepo.MarkFailed(ctx, msg.ID, err.Error()); ferr != nil {
			log.Error("failed to record send failure", zap.Error(ferr))
		}

		kind := appErrors.KindOf(err)
		sendsTotal.WithLabelValues(kind.String()).Inc()
		log.Warn("send failed", zap.String("kind", kind.String()), zap.Error(err))

		if kind == appErrors.KindPermanentProvider {
			d.Publisher.Publish(ctx, publisher.SuppressionChannel(account.ID), publisher.Event{
				Type:              "suppressed",
				OutboundMessageID: msg.ID,
				RecipientID:       p.RecipientID,
				AccountID:         account.ID,
				Error:             err.Error(),
			})
		}
		d.publish(ctx, job.ID, p, "failed", err)
		return err
	}

	sentAt := time.Now().UTC()
	ok, err := d.OutboundRepo.MarkSent(ctx, msg.ID, res.ProviderMessageID, sentAt)
	if err != nil {
		// The provider accepted the message; retrying would send it twice.
		log.Error("message sent but not recorded", zap.String("provider_message_id", res.ProviderMessageID), zap.Error(err))
		return nil
	}
	if !ok {
		log.Warn("message changed state during send", zap.String("provider_message_id", res.ProviderMessageID))
		return nil
	}
	sendsTotal.WithLabelValues("sent").Inc()

	if _, err := d.RecipientRepo.AdvanceStage(ctx, p.RecipientID, model.StageForStep(p.Step), sentAt); err != nil {
		log.Warn("failed to advance recipient stage", zap.Error(err))
	}

	msg.Status = model.MessageStatusSent
	msg.ProviderMessageID = res.ProviderMessageID
	msg.NormalizedProviderID = model.NormalizeMessageID(res.ProviderMessageID)
	msg.SentAt = &sentAt
	msg.AttemptCount++

	d.publish(ctx, job.ID, p, "sent", nil)
	log.Info("message sent", zap.String("provider_message_id", res.ProviderMessageID))

	if p.StartAutomation && d.Automation != nil {
		if err := d.Automation.Start(ctx, msg, account); err != nil {
			log.Error("failed to start follow-up sequence", zap.Error(err))
		}
	}
	return nil
}

func (d *Dispatcher) claimTTL() time.Duration {
	if d.ClaimTTL > 0 {
		return d.ClaimTTL
	}
	return defaultClaimTTL
}

// notClaimed handles a delivery that lost the claim. While another delivery
// is still sending, the job comes back after the claim expires so a crashed
// sender cannot strand the message.
func (d *Dispatcher) notClaimed(ctx context.Context, log *zap.Logger, id int64) error {
	current, err := d.OutboundRepo.GetByID(ctx, id)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if current.Status != model.MessageStatusSending {
		log.Debug("message already handled by another delivery", zap.String("status", string(current.Status)))
		return nil
	}
	sendsTotal.WithLabelValues("claimed_elsewhere").Inc()
	log.Info("message is being sent by another delivery")
	return appErrors.NewDefer(d.claimTTL(), "message is being sent by another delivery")
}

func (d *Dispatcher) send(ctx context.Context, account *model.Account, msg *model.OutboundMessage, p model.SendPayload) (*provider.SendResult, error) {
	headers := map[string]string{
		provider.HeaderMessageID:   strconv.FormatInt(msg.ID, 10),
		provider.HeaderRecipientID: strconv.FormatInt(p.RecipientID, 10),
	}
	if p.ReplyTo != "" {
		headers[provider.HeaderReplyTo] = p.ReplyTo
	}
	if p.ThreadProviderID != "" {
		ref := "<" + model.NormalizeMessageID(p.ThreadProviderID) + ">"
		headers[provider.HeaderInReplyTo] = ref
		headers[provider.HeaderReferences] = ref
	}

	timeout := d.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := d.Sender.Send(sendCtx, provider.SendRequest{
		From:    account.Email,
		To:      p.To,
		Subject: p.Subject,
		HTML:    p.Body,
		Headers: headers,
	})
	if err != nil {
		if appErrors.KindOf(err) == appErrors.KindUnknown && errors.Is(err, context.DeadlineExceeded) {
			err = appErrors.NewTransient("send", err)
		}
		return nil, err
	}
	if res == nil || res.ProviderMessageID == "" {
		return nil, appErrors.NewTransient("send", errors.New("provider returned no message id"))
	}
	return res, nil
}

func (d *Dispatcher) publish(ctx context.Context, jobID string, p model.SendPayload, status string, err error) {
	ev := publisher.Event{
		Type:              "send",
		OutboundMessageID: p.OutboundMessageID,
		RecipientID:       p.RecipientID,
		AccountID:         p.AccountID,
		Step:              p.Step,
		Status:            status,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	d.Publisher.Publish(ctx, publisher.ProgressChannel(jobID), ev)
}
