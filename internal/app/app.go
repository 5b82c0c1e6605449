// Package app builds the service graph shared by the server and the worker.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unclebandit/outreach-engine/internal/config"
	"github.com/unclebandit/outreach-engine/internal/pacer"
	"github.com/unclebandit/outreach-engine/internal/provider"
	"github.com/unclebandit/outreach-engine/internal/publisher"
	"github.com/unclebandit/outreach-engine/internal/queue"
	"github.com/unclebandit/outreach-engine/internal/reply"
	"github.com/unclebandit/outreach-engine/internal/repository"
	"github.com/unclebandit/outreach-engine/internal/service"
)

// Broker is a queue that also runs handlers.
type Broker interface {
	queue.Queue
	queue.Worker
}

// NewBroker picks the queue driver from config.
func NewBroker(cfg *config.Config, db *sql.DB, logger *zap.Logger) (Broker, error) {
	policy := queue.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}

	switch cfg.QueueDriver {
	case "postgres", "":
		return queue.NewPostgresQueue(db, queue.PostgresOptions{
			Policy:            policy,
			PollInterval:      cfg.PollInterval,
			VisibilityTimeout: cfg.VisibilityTimeout,
		}, logger), nil
	case "memory":
		return queue.NewInMemoryQueue(policy, logger), nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.QueueDriver)
	}
}

// NewPacer builds the bulk pacer from config.
func NewPacer(cfg *config.Config) *pacer.Pacer {
	return pacer.New(pacer.Options{
		DefaultInterval: cfg.PaceDefaultInterval,
		DomainIntervals: cfg.DomainIntervals,
		MaxJitter:       cfg.PaceMaxJitter,
		HourlyLimit:     cfg.HourlySendLimit,
		DailyLimit:      cfg.DailySendLimit,
	})
}

// Providers are the external send and mailbox capabilities. A nil field is
// replaced by an in-process stand-in, which only development accepts.
type Providers struct {
	Sender  provider.Sender
	Mailbox provider.Mailbox
}

func (p Providers) orStandIns(cfg *config.Config, logger *zap.Logger) (Providers, error) {
	var missing []string
	if p.Sender == nil {
		missing = append(missing, "sender")
		p.Sender = provider.NewLogSender(logger)
	}
	if p.Mailbox == nil {
		missing = append(missing, "mailbox")
		p.Mailbox = provider.NewMemoryMailbox()
	}
	if len(missing) == 0 {
		return p, nil
	}
	if !cfg.IsDevelopment() {
		return p, fmt.Errorf("no %s provider configured for environment %q", strings.Join(missing, " or "), cfg.Environment)
	}
	logger.Warn("using in-process stand-ins: sends are only logged and no replies can be found",
		zap.Strings("capabilities", missing),
	)
	return p, nil
}

// Components is everything a process needs to enqueue and run outreach.
type Components struct {
	Outreach   *service.OutreachService
	Dispatcher *service.Dispatcher
	Scheduler  *service.FollowUpScheduler
	Replies    *service.ReplyService
	Publisher  publisher.Publisher

	closers []func() error
}

// Build wires repositories, providers and services over db and q. Redis and
// RabbitMQ are optional: without them sends are not budgeted and events go
// to the log.
func Build(cfg *config.Config, db *sql.DB, q queue.Queue, providers Providers, logger *zap.Logger) (*Components, error) {
	providers, err := providers.orStandIns(cfg, logger)
	if err != nil {
		return nil, err
	}
	c := &Components{}

	outboundRepo := &repository.OutboundMessageRepository{DB: db}
	recipientRepo := &repository.RecipientRepository{DB: db}
	accountRepo := &repository.AccountRepository{DB: db}
	templateRepo := &repository.TemplateRepository{DB: db}

	c.Publisher = publisher.NewLogPublisher(logger)
	if cfg.AMQPURL != "" {
		amqpPub, err := publisher.NewAMQPPublisher(cfg.AMQPURL, cfg.ProgressExchange, logger)
		if err != nil {
			return nil, err
		}
		c.Publisher = amqpPub
		c.closers = append(c.closers, amqpPub.Close)
	}

	var budget service.SendBudget
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		c.closers = append(c.closers, rdb.Close)
		budget = pacer.NewBudget(rdb, cfg.HourlySendLimit, cfg.DailySendLimit)
	}

	var refresher provider.TokenRefresher
	if cfg.OAuthClientID != "" {
		refresher = provider.NewOAuthRefresher(cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.OAuthTokenURL)
	}

	sender := provider.NewBreakerSender(providers.Sender, provider.BreakerConfig{
		ConsecutiveFailures: cfg.BreakerConsecutiveFailures,
		OpenTimeout:         cfg.BreakerOpenTimeout,
	}, logger)

	detector := reply.NewDetector(providers.Mailbox, refresher, accountRepo, reply.Options{
		SkewBuffer:    cfg.ReplySkewBuffer,
		MaxResults:    cfg.ReplySearchMaxResults,
		SearchTimeout: cfg.SearchTimeout,
	}, logger)

	c.Replies = &service.ReplyService{
		OutboundRepo:  outboundRepo,
		RecipientRepo: recipientRepo,
		AccountRepo:   accountRepo,
		Queue:         q,
		Scanner:       detector,
		Publisher:     c.Publisher,
		BatchSize:     cfg.ReplyScanBatchSize,
		Logger:        logger,
	}

	c.Scheduler = &service.FollowUpScheduler{
		OutboundRepo:  outboundRepo,
		RecipientRepo: recipientRepo,
		AccountRepo:   accountRepo,
		TemplateRepo:  templateRepo,
		Queue:         q,
		Detector:      detector,
		Replies:       c.Replies,
		Publisher:     c.Publisher,
		Config: service.FollowUpConfig{
			Step1Delay:             cfg.Step1DelayFor,
			StepDelays:             map[int]time.Duration{2: cfg.Step2Delay, 3: cfg.Step3Delay},
			Templates:              map[int]string{2: cfg.Step2Template, 3: cfg.Step3Template},
			MissingTemplateDelay:   cfg.MissingTemplateDelay,
			RetryOnMissingTemplate: cfg.RetryOnMissingTemplate,
		},
		Logger: logger,
	}

	c.Dispatcher = &service.Dispatcher{
		OutboundRepo:  outboundRepo,
		RecipientRepo: recipientRepo,
		AccountRepo:   accountRepo,
		Sender:        sender,
		Budget:        budget,
		Automation:    c.Scheduler,
		Publisher:     c.Publisher,
		SendTimeout:   cfg.ProviderTimeout,
		ClaimTTL:      cfg.SendClaimTTL,
		Logger:        logger,
	}

	c.Outreach = &service.OutreachService{
		OutboundRepo:  outboundRepo,
		RecipientRepo: recipientRepo,
		Queue:         q,
		Pacer:         NewPacer(cfg),
		Logger:        logger,
	}

	return c, nil
}

// Register subscribes the dispatcher and scheduler to their queues.
func (c *Components) Register(w queue.Worker, cfg *config.Config) {
	w.Handle(queue.SendQueue, cfg.SendConcurrency, c.Dispatcher.Handle)
	w.Handle(queue.FollowUpQueue, cfg.FollowUpConcurrency, c.Scheduler.HandleFollowUp)
}

// RunReplyScans scans every active account each interval until ctx ends.
func (c *Components) RunReplyScans(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Replies.ScanAll(ctx); err != nil {
				logger.Error("reply scan failed", zap.Error(err))
			}
		}
	}
}

func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		_ = c.closers[i]()
	}
}
