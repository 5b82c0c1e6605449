package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
	"github.com/unclebandit/outreach-engine/internal/model"
	"github.com/unclebandit/outreach-engine/internal/publisher"
	"github.com/unclebandit/outreach-engine/internal/queue"
	"github.com/unclebandit/outreach-engine/internal/repository"
)

// accountScanLimit bounds how many mailboxes are searched at once.
const accountScanLimit = 4

type AccountScanner interface {
	ScanAccount(ctx context.Context, account *model.Account, msgs []*model.OutboundMessage) (map[int64]bool, error)
}

// ReplyService closes conversations once a reply is found.
type ReplyService struct {
	OutboundRepo  repository.OutboundMessageRepositoryInterface
	RecipientRepo repository.RecipientRepositoryInterface
	AccountRepo   repository.AccountRepositoryInterface
	Queue         queue.Queue
	Scanner       AccountScanner
	Publisher     publisher.Publisher
	BatchSize     int
	Logger        *zap.Logger
}

// MarkReplied moves msg to replied and applies the side effects once. It
// returns false when another worker got there first. The status re-read and
// the conditional update both guard against concurrent checkers.
func (s *ReplyService) MarkReplied(ctx context.Context, msg *model.OutboundMessage, source string) (bool, error) {
	log := s.Logger.With(zap.Int64("outbound_message_id", msg.ID), zap.String("source", source))

	current, err := s.OutboundRepo.GetByID(ctx, msg.ID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			log.Warn("replied message no longer exists", zap.String("kind", appErrors.KindSchedulingInconsistency.String()))
			return false, nil
		}
		return false, err
	}
	if current.Status == model.MessageStatusReplied {
		log.Debug("already marked replied")
		return false, nil
	}

	now := time.Now().UTC()
	applied, err := s.OutboundRepo.MarkReplied(ctx, current.ID, now)
	if err != nil {
		return false, err
	}
	if !applied {
		log.Debug("reply recorded by another worker")
		return false, nil
	}
	repliesTotal.WithLabelValues(source).Inc()

	if _, err := s.RecipientRepo.MarkResponded(ctx, current.RecipientID); err != nil {
		log.Warn("failed to reset recipient stage", zap.Error(err))
	}

	if current.FollowUpJobID != nil {
		if _, err := s.Queue.Cancel(ctx, *current.FollowUpJobID); err != nil {
			log.Warn("failed to cancel armed follow-up", zap.String("job_id", *current.FollowUpJobID), zap.Error(err))
		}
	}

	s.Publisher.Publish(ctx, publisher.ReplyChannel(current.AccountID), publisher.Event{
		Type:              "replied",
		OutboundMessageID: current.ID,
		RecipientID:       current.RecipientID,
		AccountID:         current.AccountID,
		Step:              current.Step,
		Status:            string(model.MessageStatusReplied),
		Stage:             string(model.StageResponded),
	})
	log.Info("conversation closed by reply", zap.Int64("recipient_id", current.RecipientID))
	return true, nil
}

// ScanAccountNow checks every conversation of one account that still waits
// for a reply and returns how many were closed.
func (s *ReplyService) ScanAccountNow(ctx context.Context, accountID int64) (int, error) {
	account, err := s.AccountRepo.GetByID(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return s.scanAccount(ctx, account)
}

func (s *ReplyService) scanAccount(ctx context.Context, account *model.Account) (int, error) {
	limit := s.BatchSize
	if limit <= 0 {
		limit = 200
	}

	msgs, err := s.OutboundRepo.ListAwaitingReply(ctx, account.ID, limit)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	replied, err := s.Scanner.ScanAccount(ctx, account, msgs)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, msg := range msgs {
		if !replied[msg.ID] {
			continue
		}
		ok, err := s.MarkReplied(ctx, msg, "scan")
		if err != nil {
			s.Logger.Error("failed to close replied conversation", zap.Int64("outbound_message_id", msg.ID), zap.Error(err))
			continue
		}
		if ok {
			closed++
		}
	}
	return closed, nil
}

// ScanAll scans every active account. One account failing does not stop
// the others.
func (s *ReplyService) ScanAll(ctx context.Context) error {
	accounts, err := s.AccountRepo.ListActive(ctx)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(accountScanLimit)
	for _, account := range accounts {
		g.Go(func() error {
			closed, err := s.scanAccount(ctx, account)
			if err != nil {
				s.Logger.Error("reply scan failed", zap.Int64("account_id", account.ID), zap.Error(err))
				return nil
			}
			if closed > 0 {
				s.Logger.Info("reply scan closed conversations", zap.Int64("account_id", account.ID), zap.Int("closed", closed))
			}
			return nil
		})
	}
	return g.Wait()
}
