package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
)

type BreakerConfig struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// BreakerSender stops calling the provider after a run of transient
// failures. While open, sends fail fast with a transient error so the queue
// backs off instead of holding worker slots on a dead provider.
type BreakerSender struct {
	next   Sender
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

func NewBreakerSender(next Sender, cfg BreakerConfig, logger *zap.Logger) *BreakerSender {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &BreakerSender{next: next, logger: logger}
	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "email-provider",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		// A rejected recipient says nothing about provider health.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch appErrors.KindOf(err) {
			case appErrors.KindPermanentProvider, appErrors.KindValidation:
				return true
			default:
				return false
			}
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return s
}

func (s *BreakerSender) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.next.Send(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, appErrors.NewTransient("send", fmt.Errorf("email provider unavailable: %w", err))
		}
		return nil, err
	}
	return res.(*SendResult), nil
}

// State reports the breaker position, e.g. "closed" or "open".
func (s *BreakerSender) State() string {
	return s.cb.State().String()
}
