package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
	"github.com/unclebandit/outreach-engine/internal/model"
	"github.com/unclebandit/outreach-engine/internal/provider"
	"github.com/unclebandit/outreach-engine/internal/queue"
)

// --- Mock Repositories ---

type MockOutboundRepo struct {
	mu     sync.Mutex
	nextID int64
	msgs   map[int64]*model.OutboundMessage
	// failList makes ListAwaitingReply fail for these accounts.
	failList map[int64]bool
}

func NewMockOutboundRepo() *MockOutboundRepo {
	return &MockOutboundRepo{msgs: map[int64]*model.OutboundMessage{}, failList: map[int64]bool{}}
}

func (m *MockOutboundRepo) Create(ctx context.Context, msg *model.OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	msg.ID = m.nextID
	msg.CreatedAt = time.Now().UTC()
	msg.UpdatedAt = msg.CreatedAt
	if msg.Status == "" {
		msg.Status = model.MessageStatusPending
	}
	cp := *msg
	m.msgs[msg.ID] = &cp
	return nil
}

func (m *MockOutboundRepo) GetByID(ctx context.Context, id int64) (*model.OutboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.msgs[id]
	if !ok {
		return nil, appErrors.NewNotFound("outbound message", id)
	}
	cp := *msg
	return &cp, nil
}

func (m *MockOutboundRepo) ClaimForSend(ctx context.Context, id int64, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.msgs[id]
	if !ok {
		return false, nil
	}
	switch msg.Status {
	case model.MessageStatusPending, model.MessageStatusFailed:
	case model.MessageStatusSending:
		if !msg.UpdatedAt.Before(staleBefore) {
			return false, nil
		}
	default:
		return false, nil
	}
	msg.Status = model.MessageStatusSending
	msg.UpdatedAt = time.Now().UTC()
	return true, nil
}

func sendable(s model.MessageStatus) bool {
	return s == model.MessageStatusPending || s == model.MessageStatusSending || s == model.MessageStatusFailed
}

func (m *MockOutboundRepo) MarkSent(ctx context.Context, id int64, providerID string, sentAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.msgs[id]
	if !ok || !sendable(msg.Status) {
		return false, nil
	}
	msg.Status = model.MessageStatusSent
	if msg.ProviderMessageID == "" {
		msg.ProviderMessageID = providerID
		msg.NormalizedProviderID = model.NormalizeMessageID(providerID)
	}
	msg.AttemptCount++
	msg.LastError = ""
	msg.SentAt = &sentAt
	return true, nil
}

func (m *MockOutboundRepo) MarkFailed(ctx context.Context, id int64, lastError string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.msgs[id]
	if !ok || !sendable(msg.Status) {
		return false, nil
	}
	msg.Status = model.MessageStatusFailed
	msg.AttemptCount++
	msg.LastError = model.NormalizeErrorText(lastError)
	return true, nil
}

func (m *MockOutboundRepo) MarkReplied(ctx context.Context, id int64, repliedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.msgs[id]
	if !ok || msg.Status == model.MessageStatusReplied {
		return false, nil
	}
	msg.Status = model.MessageStatusReplied
	msg.RepliedAt = &repliedAt
	msg.FollowUpJobID = nil
	return true, nil
}

func (m *MockOutboundRepo) SetFollowUpJob(ctx context.Context, id int64, jobID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.msgs[id]
	if !ok {
		return appErrors.NewNotFound("outbound message", id)
	}
	if jobID == nil {
		msg.FollowUpJobID = nil
		return nil
	}
	v := *jobID
	msg.FollowUpJobID = &v
	return nil
}

func (m *MockOutboundRepo) ListAwaitingReply(ctx context.Context, accountID int64, limit int) ([]*model.OutboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failList[accountID] {
		return nil, fmt.Errorf("connection reset")
	}
	out := []*model.OutboundMessage{}
	for _, msg := range m.msgs {
		if msg.AccountID == accountID && msg.Status == model.MessageStatusSent && msg.FollowUpJobID != nil {
			cp := *msg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockOutboundRepo) StatusCounts(ctx context.Context, accountID int64) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := map[string]int{"total": 0, "pending": 0, "sending": 0, "sent": 0, "failed": 0, "replied": 0}
	for _, msg := range m.msgs {
		if msg.AccountID == accountID {
			stats[string(msg.Status)]++
			stats["total"]++
		}
	}
	return stats, nil
}

// All returns copies of every stored message ordered by id.
func (m *MockOutboundRepo) All() []model.OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.OutboundMessage, 0, len(m.msgs))
	for _, msg := range m.msgs {
		out = append(out, *msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MockOutboundRepo) Delete(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.msgs, id)
}

type MockRecipientRepo struct {
	mu         sync.Mutex
	nextID     int64
	recipients map[int64]*model.Recipient
}

func NewMockRecipientRepo() *MockRecipientRepo {
	return &MockRecipientRepo{recipients: map[int64]*model.Recipient{}}
}

func (m *MockRecipientRepo) GetByID(ctx context.Context, id int64) (*model.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[id]
	if !ok {
		return nil, appErrors.NewNotFound("recipient", id)
	}
	cp := *r
	return &cp, nil
}

func (m *MockRecipientRepo) GetByEmail(ctx context.Context, email string) (*model.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recipients {
		if r.Email == strings.ToLower(strings.TrimSpace(email)) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MockRecipientRepo) Create(ctx context.Context, r *model.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.ID = m.nextID
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	if r.Stage == "" {
		r.Stage = model.StageNotContacted
	}
	if r.Sequence == "" {
		r.Sequence = model.SequenceNone
	}
	cp := *r
	m.recipients[r.ID] = &cp
	return nil
}

func (m *MockRecipientRepo) AdvanceStage(ctx context.Context, id int64, stage model.Stage, contactedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[id]
	if !ok || !r.Stage.CanAdvanceTo(stage) {
		return false, nil
	}
	r.Stage = stage
	r.LastContactedAt = &contactedAt
	return true, nil
}

func (m *MockRecipientRepo) SetSequence(ctx context.Context, id int64, state model.SequenceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[id]
	if !ok {
		return appErrors.NewNotFound("recipient", id)
	}
	r.Sequence = state
	return nil
}

func (m *MockRecipientRepo) MarkResponded(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[id]
	if !ok || r.Stage == model.StageConverted || r.Stage == model.StageResponded {
		return false, nil
	}
	r.Stage = model.StageResponded
	r.Sequence = model.SequenceResponded
	return true, nil
}

func (m *MockRecipientRepo) MarkRejected(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[id]
	if !ok || r.Stage.IsTerminal() || r.Stage == model.StageResponded {
		return false, nil
	}
	r.Stage = model.StageRejected
	r.Sequence = model.SequenceRejected
	return true, nil
}

type MockAccountRepo struct {
	mu       sync.Mutex
	accounts map[int64]*model.Account
}

func NewMockAccountRepo(accounts ...*model.Account) *MockAccountRepo {
	m := &MockAccountRepo{accounts: map[int64]*model.Account{}}
	for _, a := range accounts {
		m.accounts[a.ID] = a
	}
	return m
}

func (m *MockAccountRepo) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, appErrors.NewNotFound("account", id)
	}
	cp := *a
	return &cp, nil
}

func (m *MockAccountRepo) ListActive(ctx context.Context) ([]*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.Account{}
	for _, a := range m.accounts {
		if a.Active {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockAccountRepo) UpdateToken(ctx context.Context, id int64, tok *oauth2.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return appErrors.NewNotFound("account", id)
	}
	a.AccessToken = tok.AccessToken
	a.RefreshToken = tok.RefreshToken
	return nil
}

type MockTemplateRepo struct {
	templates map[string]*model.Template
}

func (m *MockTemplateRepo) FindByName(ctx context.Context, name string) (*model.Template, error) {
	t, ok := m.templates[name]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *MockTemplateRepo) Upsert(ctx context.Context, t *model.Template) error {
	if m.templates == nil {
		m.templates = map[string]*model.Template{}
	}
	m.templates[t.Name] = t
	return nil
}

// --- Mock Queue ---

type queuedJob struct {
	job       *queue.Job
	delay     time.Duration
	taken     bool
	cancelled bool
}

// MockQueue records jobs; tests run them by hand with Next.
type MockQueue struct {
	mu     sync.Mutex
	nextID int
	jobs   []*queuedJob
	err    error
}

func (q *MockQueue) Enqueue(ctx context.Context, queueName string, payload any, delay time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	q.nextID++
	job := &queue.Job{
		ID:      fmt.Sprintf("job-%d", q.nextID),
		Queue:   queueName,
		Payload: body,
		Status:  queue.StatusPending,
		RunAt:   time.Now().Add(delay),
	}
	q.jobs = append(q.jobs, &queuedJob{job: job, delay: delay})
	return job.ID, nil
}

func (q *MockQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.job.ID == jobID && !j.taken && !j.cancelled {
			j.cancelled = true
			return true, nil
		}
	}
	return false, nil
}

// Next hands out the oldest pending job of a queue, or nil.
func (q *MockQueue) Next(queueName string) *queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.job.Queue == queueName && !j.taken && !j.cancelled {
			j.taken = true
			return j.job
		}
	}
	return nil
}

// Pending returns the jobs of a queue that were neither run nor cancelled.
func (q *MockQueue) Pending(queueName string) []queuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := []queuedJob{}
	for _, j := range q.jobs {
		if j.job.Queue == queueName && !j.taken && !j.cancelled {
			out = append(out, *j)
		}
	}
	return out
}

// --- Mock collaborators ---

type publishedEvent struct {
	Channel string
	Payload any
}

type MockPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *MockPublisher) Publish(ctx context.Context, channel string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Channel: channel, Payload: payload})
}

func (p *MockPublisher) Count(prefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if strings.HasPrefix(e.Channel, prefix) {
			n++
		}
	}
	return n
}

type MockSender struct {
	mu       sync.Mutex
	requests []provider.SendRequest
	err      error
	// latency is how long each call spends at the provider.
	latency time.Duration
}

func (s *MockSender) Send(ctx context.Context, req provider.SendRequest) (*provider.SendResult, error) {
	if s.latency > 0 {
		time.Sleep(s.latency)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	return &provider.SendResult{ProviderMessageID: fmt.Sprintf("<msg-%d@mx.acme.io>", len(s.requests))}, nil
}

func (s *MockSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *MockSender) Last() provider.SendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

type MockBudget struct {
	wait time.Duration
	err  error
}

func (b *MockBudget) Reserve(ctx context.Context, accountID int64, now time.Time) (time.Duration, error) {
	return b.wait, b.err
}

type MockChecker struct {
	replied bool
	err     error
}

func (c *MockChecker) HasReply(ctx context.Context, msg *model.OutboundMessage, account *model.Account) (bool, error) {
	return c.replied, c.err
}

// CheckerFunc adapts a function to service.ReplyChecker.
type CheckerFunc func(ctx context.Context, msg *model.OutboundMessage, account *model.Account) (bool, error)

func (f CheckerFunc) HasReply(ctx context.Context, msg *model.OutboundMessage, account *model.Account) (bool, error) {
	return f(ctx, msg, account)
}
