package broker

import (
	"context"
	"sort"
	"sync"
	"time"

	"cockpit/internal/cdp"
	cerrors "cockpit/internal/errors"
	"cockpit/internal/events"
	"cockpit/internal/logging"
)

// Permission decisions accepted by Respond.
const (
	DecisionAllowOnce   = "allow_once"
	DecisionAllowAlways = "allow_always"
	DecisionDeny        = "deny"
)

// Config tunes the broker.
type Config struct {
	// PollInterval is the pending-prompt discovery cadence.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.PollInterval <= 0 {
		out.PollInterval = 2 * time.Second
	}
	return out
}

// Broker surfaces the assistant's pending tool-permission and ask-user
// prompts and routes operator decisions back through the Adapter. Items the
// Adapter stops reporting are dropped silently.
type Broker struct {
	cfg     Config
	adapter cdp.API
	bus     *events.Bus
	logger  logging.Logger

	mu          sync.Mutex
	permissions map[string]cdp.PendingPermission
	questions   map[string]cdp.PendingQuestion

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a broker. Call Run to start discovery.
func New(cfg Config, adapter cdp.API, bus *events.Bus, logger logging.Logger) *Broker {
	return &Broker{
		cfg:         cfg.withDefaults(),
		adapter:     adapter,
		bus:         bus,
		logger:      logging.OrNop(logger),
		permissions: make(map[string]cdp.PendingPermission),
		questions:   make(map[string]cdp.PendingQuestion),
		done:        make(chan struct{}),
	}
}

// Run polls for pending prompts until ctx is cancelled or Close is called.
func (b *Broker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-ticker.C:
			if err := b.Refresh(ctx); err != nil {
				b.logger.Warn("Pending-prompt poll failed: %v", err)
			}
		}
	}
}

// Close stops the poll loop.
func (b *Broker) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

// Refresh reconciles the pending maps against an Adapter snapshot. New items
// broadcast; expired and vanished items drop.
func (b *Broker) Refresh(ctx context.Context) error {
	perms, err := b.adapter.PendingPermissions(ctx)
	if err != nil {
		return err
	}
	questions, err := b.adapter.PendingQuestions(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	var arrivals []events.Event

	b.mu.Lock()
	seenPerms := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		if !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt) {
			continue
		}
		seenPerms[p.ID] = struct{}{}
		if _, ok := b.permissions[p.ID]; !ok {
			arrivals = append(arrivals, events.New(events.TypePermissionPending, map[string]any{
				"requestId":      p.ID,
				"conversationId": p.ConversationID,
				"tool":           p.Tool,
				"risk":           p.Risk,
				"expiresAt":      p.ExpiresAt,
			}))
		}
		b.permissions[p.ID] = p
	}
	for id := range b.permissions {
		if _, ok := seenPerms[id]; !ok {
			delete(b.permissions, id)
		}
	}

	seenQuestions := make(map[string]struct{}, len(questions))
	for _, q := range questions {
		seenQuestions[q.ID] = struct{}{}
		if _, ok := b.questions[q.ID]; !ok {
			arrivals = append(arrivals, events.New(events.TypeQuestionPending, map[string]any{
				"questionId":     q.ID,
				"conversationId": q.ConversationID,
				"prompt":         q.Prompt,
				"options":        q.Options,
			}))
		}
		b.questions[q.ID] = q
	}
	for id := range b.questions {
		if _, ok := seenQuestions[id]; !ok {
			delete(b.questions, id)
		}
	}
	b.mu.Unlock()

	for _, ev := range arrivals {
		b.publishEvent(ev)
	}
	return nil
}

// Pending lists open permission requests, oldest first.
func (b *Broker) Pending() []cdp.PendingPermission {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]cdp.PendingPermission, 0, len(b.permissions))
	for _, p := range b.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PendingQuestions lists open ask-user prompts, oldest first.
func (b *Broker) PendingQuestions() []cdp.PendingQuestion {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]cdp.PendingQuestion, 0, len(b.questions))
	for _, q := range b.questions {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Respond dispatches an operator decision on a permission request.
func (b *Broker) Respond(ctx context.Context, requestID, decision string, paramOverride map[string]any) error {
	switch decision {
	case DecisionAllowOnce, DecisionAllowAlways, DecisionDeny:
	default:
		return cerrors.New(cerrors.Validation, "unknown decision %q", decision)
	}

	b.mu.Lock()
	p, ok := b.permissions[requestID]
	b.mu.Unlock()
	if !ok {
		return cerrors.New(cerrors.NotFound, "permission request %s not found", requestID)
	}

	if err := b.adapter.RespondPermission(ctx, requestID, decision, paramOverride); err != nil {
		return err
	}

	b.mu.Lock()
	delete(b.permissions, requestID)
	b.mu.Unlock()

	b.logger.Info("Permission %s on %s resolved: %s", requestID, p.ConversationID, decision)
	b.publish(events.TypePermissionResponded, map[string]any{
		"requestId":      requestID,
		"conversationId": p.ConversationID,
		"decision":       decision,
	})
	return nil
}

// RespondQuestion dispatches answers to an ask-user prompt.
func (b *Broker) RespondQuestion(ctx context.Context, questionID string, answers []string) error {
	if len(answers) == 0 {
		return cerrors.New(cerrors.Validation, "answers must not be empty")
	}

	b.mu.Lock()
	q, ok := b.questions[questionID]
	b.mu.Unlock()
	if !ok {
		return cerrors.New(cerrors.NotFound, "question %s not found", questionID)
	}

	if err := b.adapter.RespondQuestion(ctx, questionID, answers); err != nil {
		return err
	}

	b.mu.Lock()
	delete(b.questions, questionID)
	b.mu.Unlock()

	b.publish(events.TypeQuestionAnswered, map[string]any{
		"questionId":     questionID,
		"conversationId": q.ConversationID,
		"answers":        answers,
	})
	return nil
}

func (b *Broker) publish(eventType string, data map[string]any) {
	if b.bus != nil {
		b.bus.Publish(eventType, data)
	}
}

func (b *Broker) publishEvent(ev events.Event) {
	if b.bus != nil {
		b.bus.PublishEvent(ev)
	}
}
