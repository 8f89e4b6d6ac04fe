package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"cockpit/internal/cdp"
	cerrors "cockpit/internal/errors"
	"cockpit/internal/events"
	"cockpit/internal/logging"
)

// HiddenPrefix marks conversations owned by the worker pool. They are
// excluded from listings unless explicitly requested.
const HiddenPrefix = cdp.HiddenConversationPrefix

// Conversation statuses.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusWaitingInput Status = "waiting_input"
	StatusThinking     Status = "thinking"
)

// Conversation is the coordinator's canonical view of one assistant session.
type Conversation struct {
	ID            string    `json:"id"`
	CWD           string    `json:"cwd"`
	Title         string    `json:"title"`
	LastActivity  time.Time `json:"lastActivity"`
	MessageCount  int       `json:"messageCount"`
	ContextTokens int       `json:"contextTokens"`
	Status        Status    `json:"status"`
	Hidden        bool      `json:"hidden"`
}

// Detail is a conversation plus a window of its transcript.
type Detail struct {
	Conversation
	Messages      []cdp.Message `json:"messages"`
	TotalMessages int           `json:"totalMessages"`
}

// Injector is the slice of the injection engine the coordinator needs.
type Injector interface {
	Inject(ctx context.Context, conversationID, text string) error
}

// InjectorFunc adapts a function to the Injector interface.
type InjectorFunc func(ctx context.Context, conversationID, text string) error

func (f InjectorFunc) Inject(ctx context.Context, conversationID, text string) error {
	return f(ctx, conversationID, text)
}

// Config tunes the coordinator.
type Config struct {
	// ListInterval is the poll cadence while a UI viewer watches the list.
	ListInterval time.Duration
	// IdleListInterval is the cadence with no viewers.
	IdleListInterval time.Duration
	// BurstInterval and BurstTicks define the fast polling window entered
	// after a local mutation.
	BurstInterval time.Duration
	BurstTicks    int
	// CacheTTL bounds staleness of detail reads.
	CacheTTL  time.Duration
	CacheSize int
}

func (c Config) withDefaults() Config {
	out := c
	if out.ListInterval <= 0 {
		out.ListInterval = 2 * time.Second
	}
	if out.IdleListInterval <= 0 {
		out.IdleListInterval = 60 * time.Second
	}
	if out.BurstInterval <= 0 {
		out.BurstInterval = time.Second
	}
	if out.BurstTicks <= 0 {
		out.BurstTicks = 10
	}
	if out.CacheTTL <= 0 {
		out.CacheTTL = 5 * time.Second
	}
	if out.CacheSize <= 0 {
		out.CacheSize = 256
	}
	return out
}

// Coordinator owns the conversation map. All mutations flow through the
// Adapter; the map reflects what polling observed last.
type Coordinator struct {
	cfg      Config
	adapter  cdp.API
	injector Injector
	bus      *events.Bus
	logger   logging.Logger

	mu            sync.Mutex
	conversations map[string]*Conversation
	viewers       int
	burstLeft     int

	// switchMu serializes active-conversation changes at the Adapter.
	switchMu sync.Mutex

	cache *expirable.LRU[string, *Detail]

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a coordinator. Call Run to start polling.
func New(cfg Config, adapter cdp.API, injector Injector, bus *events.Bus, logger logging.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:           cfg,
		adapter:       adapter,
		injector:      injector,
		bus:           bus,
		logger:        logging.OrNop(logger),
		conversations: make(map[string]*Conversation),
		cache:         expirable.NewLRU[string, *Detail](cfg.CacheSize, nil, cfg.CacheTTL),
		done:          make(chan struct{}),
	}
}

// Run polls the Adapter until ctx is cancelled or Close is called.
func (c *Coordinator) Run(ctx context.Context) {
	timer := time.NewTimer(c.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-timer.C:
		}
		if err := c.Refresh(ctx); err != nil {
			c.logger.Warn("List poll failed: %v", err)
		}
		timer.Reset(c.interval())
	}
}

// Close stops the poll loop.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Coordinator) interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.burstLeft > 0 {
		c.burstLeft--
		return c.cfg.BurstInterval
	}
	if c.viewers > 0 {
		return c.cfg.ListInterval
	}
	return c.cfg.IdleListInterval
}

// AddViewer and RemoveViewer track UI viewers on the list page. With at least
// one viewer the list poll runs at the active cadence.
func (c *Coordinator) AddViewer() {
	c.mu.Lock()
	c.viewers++
	c.mu.Unlock()
}

func (c *Coordinator) RemoveViewer() {
	c.mu.Lock()
	if c.viewers > 0 {
		c.viewers--
	}
	c.mu.Unlock()
}

func (c *Coordinator) burst() {
	c.mu.Lock()
	c.burstLeft = c.cfg.BurstTicks
	c.mu.Unlock()
}

// Refresh pulls the conversation list from the Adapter and reconciles the
// map. Status transitions and arrivals/departures broadcast on the bus.
func (c *Coordinator) Refresh(ctx context.Context) error {
	infos, err := c.adapter.ListConversations(ctx)
	if err != nil {
		return err
	}

	type change struct {
		eventType string
		data      map[string]any
	}
	var changes []change

	c.mu.Lock()
	seen := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		seen[info.ID] = struct{}{}
		status := deriveStatus(info)
		prev, ok := c.conversations[info.ID]
		conv := &Conversation{
			ID:            info.ID,
			CWD:           info.CWD,
			Title:         info.Title,
			LastActivity:  info.LastActivity,
			MessageCount:  info.MessageCount,
			ContextTokens: info.ContextTokens,
			Status:        status,
			Hidden:        isHidden(info.ID),
		}
		c.conversations[info.ID] = conv
		switch {
		case !ok:
			changes = append(changes, change{events.TypeSessionCreated, map[string]any{
				"conversationId": conv.ID,
				"status":         string(conv.Status),
			}})
		case prev.Status != status:
			changes = append(changes, change{events.TypeSessionStatusChanged, map[string]any{
				"conversationId": conv.ID,
				"from":           string(prev.Status),
				"to":             string(status),
			}})
		}
	}
	for id := range c.conversations {
		if _, ok := seen[id]; !ok {
			delete(c.conversations, id)
			changes = append(changes, change{events.TypeSessionArchived, map[string]any{
				"conversationId": id,
			}})
		}
	}
	c.mu.Unlock()

	for _, ch := range changes {
		c.publish(ch.eventType, ch.data)
	}
	return nil
}

func deriveStatus(info cdp.SessionInfo) Status {
	switch {
	case info.Thinking:
		return StatusThinking
	case info.PromptVisible:
		return StatusWaitingInput
	default:
		return StatusIdle
	}
}

func isHidden(id string) bool {
	return len(id) >= len(HiddenPrefix) && id[:len(HiddenPrefix)] == HiddenPrefix
}

// List returns conversations ordered by recency. Hidden worker conversations
// are filtered unless includeHidden is set.
func (c *Coordinator) List(includeHidden bool) []Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Conversation, 0, len(c.conversations))
	for _, conv := range c.conversations {
		if conv.Hidden && !includeHidden {
			continue
		}
		out = append(out, *conv)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns a conversation with a message window taken from the end of the
// transcript: offset messages back, up to limit entries. The second return
// reports whether the read was served from cache.
func (c *Coordinator) Get(ctx context.Context, id string, offset, limit int) (*Detail, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	detail, cached := c.cache.Get(id)
	if !cached {
		full, err := c.load(ctx, id)
		if err != nil {
			return nil, false, err
		}
		c.cache.Add(id, full)
		detail = full
	}

	out := *detail
	total := len(detail.Messages)
	end := total - offset
	if end < 0 {
		end = 0
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out.Messages = append([]cdp.Message(nil), detail.Messages[start:end]...)
	out.TotalMessages = total
	return &out, cached, nil
}

func (c *Coordinator) load(ctx context.Context, id string) (*Detail, error) {
	c.mu.Lock()
	conv, ok := c.conversations[id]
	var snapshot Conversation
	if ok {
		snapshot = *conv
	}
	c.mu.Unlock()

	messages, err := c.adapter.GetTranscript(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := c.Refresh(ctx); err == nil {
			c.mu.Lock()
			if conv, ok = c.conversations[id]; ok {
				snapshot = *conv
			}
			c.mu.Unlock()
		}
		if !ok {
			return nil, cerrors.New(cerrors.NotFound, "conversation %s not found", id)
		}
	}
	return &Detail{Conversation: snapshot, Messages: messages, TotalMessages: len(messages)}, nil
}

// Switch makes a conversation active at the Adapter. Switches are serialized.
func (c *Coordinator) Switch(ctx context.Context, id string) error {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	if err := c.adapter.SwitchSession(ctx, id); err != nil {
		return err
	}
	c.cache.Remove(id)
	c.burst()
	c.publish(events.TypeSessionSwitched, map[string]any{"conversationId": id})
	return nil
}

// SendMessage delivers text into a conversation through the injection engine.
func (c *Coordinator) SendMessage(ctx context.Context, id, text string) error {
	if err := c.injector.Inject(ctx, id, text); err != nil {
		return err
	}
	c.cache.Remove(id)
	c.burst()
	return nil
}

// Archive retires a conversation. Archiving one that is already gone is not
// an error.
func (c *Coordinator) Archive(ctx context.Context, id string) error {
	err := c.adapter.ArchiveSession(ctx, id)
	if err != nil && !cerrors.Is(err, cerrors.NotFound) {
		return err
	}
	c.cache.Remove(id)
	c.mu.Lock()
	_, existed := c.conversations[id]
	delete(c.conversations, id)
	c.mu.Unlock()
	c.burst()
	if existed {
		c.publish(events.TypeSessionArchived, map[string]any{"conversationId": id})
	}
	return nil
}

// Create starts a new conversation and records its id.
func (c *Coordinator) Create(ctx context.Context, cwd, firstMessage string, opts cdp.StartOptions) (string, error) {
	id, err := c.adapter.StartNewSession(ctx, cwd, firstMessage, opts)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.conversations[id] = &Conversation{
		ID:           id,
		CWD:          cwd,
		LastActivity: time.Now(),
		Status:       StatusIdle,
		Hidden:       isHidden(id),
	}
	c.mu.Unlock()
	c.burst()
	c.publish(events.TypeSessionCreated, map[string]any{"conversationId": id, "cwd": cwd})
	return id, nil
}

// Counts reports visible and hidden conversation totals for usage snapshots.
func (c *Coordinator) Counts() (visible, hidden int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conv := range c.conversations {
		if conv.Hidden {
			hidden++
		} else {
			visible++
		}
	}
	return visible, hidden
}

func (c *Coordinator) publish(eventType string, data map[string]any) {
	if c.bus != nil {
		c.bus.Publish(eventType, data)
	}
}
