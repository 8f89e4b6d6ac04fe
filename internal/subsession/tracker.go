package subsession

import (
	"context"
	"sync"
	"time"

	"cockpit/internal/cdp"
	cerrors "cockpit/internal/errors"
	"cockpit/internal/events"
	"cockpit/internal/logging"
)

// ResultMarker prefixes a child's final reply when it is lifted into the
// parent conversation.
const ResultMarker = "[Subtask result]"

// Link statuses.
type Status string

const (
	StatusActive     Status = "active"
	StatusCompleting Status = "completing"
	StatusCompleted  Status = "completed"
	StatusReturned   Status = "returned"
	StatusOrphaned   Status = "orphaned"
	StatusError      Status = "error"
)

// Link ties a child conversation to the parent that spawned it.
type Link struct {
	ChildID              string    `json:"childId"`
	ParentID             string    `json:"parentId"`
	ToolInvocationID     string    `json:"toolInvocationId,omitempty"`
	Status               Status    `json:"status"`
	LinkedAt             time.Time `json:"linkedAt"`
	LastActivity         time.Time `json:"lastActivity"`
	LastAssistantMessage string    `json:"lastAssistantMessage,omitempty"`

	messageCount int
}

// Injector delivers the lifted result into the parent conversation.
type Injector interface {
	Inject(ctx context.Context, conversationID, text string) error
}

// Config tunes the tracker.
type Config struct {
	// PollInterval is the per-link observation cadence.
	PollInterval time.Duration
	// CompletingAfter is the inactivity span that marks a child completing.
	CompletingAfter time.Duration
	// CompletedAfter is the additional inactivity before the result lifts.
	CompletedAfter time.Duration
	// AutoLinkWindow accepts new conversations as children for this long
	// after a parent spawn notice. Zero disables auto-linking.
	AutoLinkWindow time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.PollInterval <= 0 {
		out.PollInterval = 5 * time.Second
	}
	if out.CompletingAfter <= 0 {
		out.CompletingAfter = 60 * time.Second
	}
	if out.CompletedAfter <= 0 {
		out.CompletedAfter = 30 * time.Second
	}
	return out
}

// Tracker watches child conversations the assistant spawned on its own and
// returns their final output to the parent after prolonged inactivity.
type Tracker struct {
	cfg      Config
	adapter  cdp.API
	injector Injector
	bus      *events.Bus
	logger   logging.Logger

	mu          sync.Mutex
	links       map[string]*Link
	spawnNotice map[string]time.Time
	seen        map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a tracker. Call Run to start polling.
func New(cfg Config, adapter cdp.API, injector Injector, bus *events.Bus, logger logging.Logger) *Tracker {
	return &Tracker{
		cfg:         cfg.withDefaults(),
		adapter:     adapter,
		injector:    injector,
		bus:         bus,
		logger:      logging.OrNop(logger),
		links:       make(map[string]*Link),
		spawnNotice: make(map[string]time.Time),
		seen:        make(map[string]struct{}),
		done:        make(chan struct{}),
	}
}

// Run polls until ctx is cancelled or Close is called.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
			t.Scan(ctx)
		}
	}
}

// Close stops the poll loop.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() { close(t.done) })
}

// Link registers a parent/child pair.
func (t *Tracker) Link(childID, parentID, toolInvocationID string) (*Link, error) {
	if childID == "" || parentID == "" {
		return nil, cerrors.New(cerrors.Validation, "child and parent ids are required")
	}
	t.mu.Lock()
	if existing, ok := t.links[childID]; ok && existing.Status == StatusActive {
		t.mu.Unlock()
		return nil, cerrors.New(cerrors.Conflict, "child %s is already linked to %s", childID, existing.ParentID)
	}
	link := &Link{
		ChildID:          childID,
		ParentID:         parentID,
		ToolInvocationID: toolInvocationID,
		Status:           StatusActive,
		LinkedAt:         time.Now(),
		LastActivity:     time.Now(),
	}
	t.links[childID] = link
	t.seen[childID] = struct{}{}
	t.mu.Unlock()

	t.publish(events.TypeSubsessionLinked, map[string]any{
		"childId":  childID,
		"parentId": parentID,
	})
	return copyLink(link), nil
}

// Unlink removes a pair.
func (t *Tracker) Unlink(childID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.links[childID]; !ok {
		return cerrors.New(cerrors.NotFound, "no link for child %s", childID)
	}
	delete(t.links, childID)
	return nil
}

// List returns every link.
func (t *Tracker) List() []*Link {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Link, 0, len(t.links))
	for _, link := range t.links {
		out = append(out, copyLink(link))
	}
	return out
}

// NoteParentSpawn records that a parent just invoked a sub-task tool. New
// conversations arriving inside the auto-link window become its children.
func (t *Tracker) NoteParentSpawn(parentID string) {
	t.mu.Lock()
	t.spawnNotice[parentID] = time.Now()
	t.mu.Unlock()
}

// Scan performs one observation pass over conversations and links.
func (t *Tracker) Scan(ctx context.Context) {
	infos, err := t.adapter.ListConversations(ctx)
	if err != nil {
		t.logger.Debug("Conversation list poll: %v", err)
		infos = nil
	}
	t.autoLink(infos)

	t.mu.Lock()
	ids := make([]string, 0, len(t.links))
	for id := range t.links {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	alive := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		alive[info.ID] = struct{}{}
	}
	for _, id := range ids {
		t.observe(ctx, id, alive)
	}
}

// autoLink pairs unseen conversations with parents that spawned recently.
func (t *Tracker) autoLink(infos []cdp.SessionInfo) {
	if t.cfg.AutoLinkWindow <= 0 {
		return
	}
	now := time.Now()

	t.mu.Lock()
	var pending []struct{ child, parent string }
	for _, info := range infos {
		if _, ok := t.seen[info.ID]; ok {
			continue
		}
		t.seen[info.ID] = struct{}{}
		for parentID, at := range t.spawnNotice {
			if parentID == info.ID {
				continue
			}
			if now.Sub(at) <= t.cfg.AutoLinkWindow {
				pending = append(pending, struct{ child, parent string }{info.ID, parentID})
				delete(t.spawnNotice, parentID)
				break
			}
		}
	}
	for parentID, at := range t.spawnNotice {
		if now.Sub(at) > t.cfg.AutoLinkWindow {
			delete(t.spawnNotice, parentID)
		}
	}
	t.mu.Unlock()

	for _, pair := range pending {
		if _, err := t.Link(pair.child, pair.parent, ""); err != nil {
			t.logger.Debug("Auto-link %s -> %s: %v", pair.child, pair.parent, err)
		}
	}
}

// observe advances one link's state machine.
func (t *Tracker) observe(ctx context.Context, childID string, alive map[string]struct{}) {
	t.mu.Lock()
	link, ok := t.links[childID]
	if !ok || link.Status == StatusReturned || link.Status == StatusOrphaned || link.Status == StatusError {
		t.mu.Unlock()
		return
	}
	parentID := link.ParentID
	prevCount := link.messageCount
	t.mu.Unlock()

	transcript, err := t.adapter.GetTranscript(ctx, childID)
	if err != nil {
		t.logger.Debug("Child %s transcript poll: %v", childID, err)
	}

	now := time.Now()
	var transition Status

	t.mu.Lock()
	link, ok = t.links[childID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if len(transcript) > prevCount {
		link.messageCount = len(transcript)
		link.LastActivity = now
		for i := len(transcript) - 1; i >= 0; i-- {
			if transcript[i].Role == cdp.RoleAssistant {
				link.LastAssistantMessage = transcript[i].Content
				break
			}
		}
		if link.Status == StatusCompleting {
			link.Status = StatusActive
		}
	}
	idle := now.Sub(link.LastActivity)
	switch link.Status {
	case StatusActive:
		if idle >= t.cfg.CompletingAfter {
			link.Status = StatusCompleting
			transition = StatusCompleting
		}
	case StatusCompleting:
		if idle >= t.cfg.CompletingAfter+t.cfg.CompletedAfter {
			link.Status = StatusCompleted
			transition = StatusCompleted
		}
	}
	result := link.LastAssistantMessage
	t.mu.Unlock()

	switch transition {
	case StatusCompleting:
		t.publish(events.TypeSubsessionCompleting, map[string]any{"childId": childID, "parentId": parentID})
	case StatusCompleted:
		t.publish(events.TypeSubsessionCompleted, map[string]any{"childId": childID, "parentId": parentID})
		t.deliver(ctx, childID, parentID, result, alive)
	}
}

// deliver lifts the child's final reply into the parent.
func (t *Tracker) deliver(ctx context.Context, childID, parentID, result string, alive map[string]struct{}) {
	if _, ok := alive[parentID]; !ok {
		t.setStatus(childID, StatusOrphaned)
		t.publish(events.TypeSubsessionOrphaned, map[string]any{"childId": childID, "parentId": parentID})
		return
	}
	text := ResultMarker + " " + result
	if result == "" {
		text = ResultMarker + " (no output)"
	}
	if err := t.injector.Inject(ctx, parentID, text); err != nil {
		t.logger.Warn("Returning %s result to %s failed: %v", childID, parentID, err)
		t.setStatus(childID, StatusError)
		t.publish(events.TypeSubsessionError, map[string]any{
			"childId":  childID,
			"parentId": parentID,
			"error":    err.Error(),
		})
		return
	}
	t.setStatus(childID, StatusReturned)
	t.publish(events.TypeSubsessionReturned, map[string]any{"childId": childID, "parentId": parentID})
}

func (t *Tracker) setStatus(childID string, status Status) {
	t.mu.Lock()
	if link, ok := t.links[childID]; ok {
		link.Status = status
	}
	t.mu.Unlock()
}

func copyLink(link *Link) *Link {
	out := *link
	return &out
}

func (t *Tracker) publish(eventType string, data map[string]any) {
	if t.bus != nil {
		t.bus.Publish(eventType, data)
	}
}
