package service_test

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-engine/internal/model"
	"github.com/unclebandit/outreach-engine/internal/pacer"
	"github.com/unclebandit/outreach-engine/internal/provider"
	"github.com/unclebandit/outreach-engine/internal/reply"
	"github.com/unclebandit/outreach-engine/internal/service"
)

const (
	step2Template = "24-Hour Reminder"
	step3Template = "48-Hour Reminder"
)

type harness struct {
	outbound   *MockOutboundRepo
	recipients *MockRecipientRepo
	accounts   *MockAccountRepo
	templates  *MockTemplateRepo
	queue      *MockQueue
	publisher  *MockPublisher
	sender     *MockSender
	mailbox    *provider.MemoryMailbox

	dispatcher *service.Dispatcher
	scheduler  *service.FollowUpScheduler
	replies    *service.ReplyService
	outreach   *service.OutreachService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		outbound:   NewMockOutboundRepo(),
		recipients: NewMockRecipientRepo(),
		accounts: NewMockAccountRepo(&model.Account{
			ID:          1,
			Email:       "sales@acme.io",
			Provider:    "gmail",
			AccessToken: "token",
			Active:      true,
		}),
		templates: &MockTemplateRepo{templates: map[string]*model.Template{
			step2Template: {Name: step2Template, Subject: "Re: quick question, {{ first_name }}", Body: "<p>Hi {{first_name}}, bumping this.</p>"},
			step3Template: {Name: step3Template, Subject: "Re: quick question, {{ first_name }}", Body: "<p>Last note, {{first_name}}.</p>"},
		}},
		queue:     &MockQueue{},
		publisher: &MockPublisher{},
		sender:    &MockSender{},
		mailbox:   provider.NewMemoryMailbox(),
	}

	logger := zap.NewNop()
	detector := reply.NewDetector(h.mailbox, nil, h.accounts, reply.Options{SkewBuffer: 5 * time.Minute}, logger)

	h.replies = &service.ReplyService{
		OutboundRepo:  h.outbound,
		RecipientRepo: h.recipients,
		AccountRepo:   h.accounts,
		Queue:         h.queue,
		Scanner:       detector,
		Publisher:     h.publisher,
		Logger:        logger,
	}
	h.scheduler = &service.FollowUpScheduler{
		OutboundRepo:  h.outbound,
		RecipientRepo: h.recipients,
		AccountRepo:   h.accounts,
		TemplateRepo:  h.templates,
		Queue:         h.queue,
		Detector:      detector,
		Replies:       h.replies,
		Publisher:     h.publisher,
		Config: service.FollowUpConfig{
			Step1Delay: func(p string) time.Duration {
				if p == "gmail" {
					return 24 * time.Hour
				}
				return 12 * time.Hour
			},
			StepDelays:             map[int]time.Duration{2: 24 * time.Hour, 3: 48 * time.Hour},
			Templates:              map[int]string{2: step2Template, 3: step3Template},
			MissingTemplateDelay:   time.Hour,
			RetryOnMissingTemplate: true,
		},
		Logger: logger,
	}
	h.dispatcher = &service.Dispatcher{
		OutboundRepo:  h.outbound,
		RecipientRepo: h.recipients,
		AccountRepo:   h.accounts,
		Sender:        h.sender,
		Automation:    h.scheduler,
		Publisher:     h.publisher,
		Logger:        logger,
	}
	h.outreach = &service.OutreachService{
		OutboundRepo:  h.outbound,
		RecipientRepo: h.recipients,
		Queue:         h.queue,
		Pacer: pacer.New(pacer.Options{
			DefaultInterval: 15 * time.Second,
			DomainIntervals: map[string]time.Duration{"gmail.com": 20 * time.Second},
		}).WithJitter(func(time.Duration) time.Duration { return 0 }),
		Logger: logger,
	}
	return h
}
