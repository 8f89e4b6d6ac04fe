package inject

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"time"

	"cockpit/internal/cdp"
	cerrors "cockpit/internal/errors"
	"cockpit/internal/events"
	"cockpit/internal/logging"
)

// Config tunes the engine.
type Config struct {
	// Preferred names the strategy tried first. Empty uses the platform
	// chain head.
	Preferred string
	// RetryDelay is the pause between fallback attempts.
	RetryDelay time.Duration
	// QueueDelay is the pause between drained queue items.
	QueueDelay time.Duration
	// TmuxPane is the target pane for the tmux strategy.
	TmuxPane string
}

func (c Config) withDefaults() Config {
	out := c
	if out.RetryDelay <= 0 {
		out.RetryDelay = 300 * time.Millisecond
	}
	if out.QueueDelay <= 0 {
		out.QueueDelay = 500 * time.Millisecond
	}
	return out
}

// MethodStats tracks delivery outcomes for one strategy.
type MethodStats struct {
	Method    string    `json:"method"`
	Successes int       `json:"successes"`
	Failures  int       `json:"failures"`
	LastUsed  time.Time `json:"lastUsed"`
}

// Engine delivers text into conversations, walking a platform fallback chain
// of strategies. Deliveries to the same conversation are serialized.
type Engine struct {
	cfg        Config
	logger     logging.Logger
	bus        *events.Bus
	strategies map[string]Strategy
	chain      []string

	mu     sync.Mutex
	convMu map[string]*sync.Mutex
	stats  map[string]*MethodStats

	queueMu sync.Mutex
	queue   []*QueueItem
}

// NewEngine builds the engine with the platform strategy set.
func NewEngine(cfg Config, adapter cdp.API, bus *events.Bus, logger logging.Logger) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:    cfg,
		logger: logging.OrNop(logger),
		bus:    bus,
		chain:  fallbackChain(runtime.GOOS),
		convMu: make(map[string]*sync.Mutex),
		stats:  make(map[string]*MethodStats),
	}
	e.strategies = map[string]Strategy{
		MethodCDPEval:   &cdpEvalStrategy{adapter: adapter},
		MethodCDPPaste:  &cdpPasteStrategy{adapter: adapter},
		MethodOSKeySend: osKeySendStrategy(),
		MethodTmuxSend:  tmuxStrategy(cfg.TmuxPane),
		MethodGUIScript: guiScriptStrategy(),
		MethodClipboard: clipboardStrategy(),
	}
	return e
}

// newEngineWith is the test seam: a fixed chain of prebuilt strategies.
func newEngineWith(cfg Config, bus *events.Bus, logger logging.Logger, strategies ...Strategy) *Engine {
	e := &Engine{
		cfg:        cfg.withDefaults(),
		logger:     logging.OrNop(logger),
		bus:        bus,
		strategies: make(map[string]Strategy, len(strategies)),
		convMu:     make(map[string]*sync.Mutex),
		stats:      make(map[string]*MethodStats),
	}
	for _, s := range strategies {
		e.strategies[s.Name()] = s
		e.chain = append(e.chain, s.Name())
	}
	return e
}

// Chain returns the strategy priority order for this platform.
func (e *Engine) Chain() []string {
	out := make([]string, len(e.chain))
	copy(out, e.chain)
	return out
}

func (e *Engine) lockConversation(conversationID string) *sync.Mutex {
	e.mu.Lock()
	m, ok := e.convMu[conversationID]
	if !ok {
		m = &sync.Mutex{}
		e.convMu[conversationID] = m
	}
	e.mu.Unlock()
	return m
}

// Result describes a finished delivery.
type Result struct {
	Method   string        `json:"method"`
	Attempts []string      `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// Inject delivers text into a conversation. The preferred strategy goes
// first, then the rest of the platform chain in order; a strategy that fails
// is never retried within the same delivery.
func (e *Engine) Inject(ctx context.Context, conversationID, text string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, cerrors.New(cerrors.Validation, "message text is empty")
	}

	m := e.lockConversation(conversationID)
	m.Lock()
	defer m.Unlock()

	order := e.attemptOrder()
	e.publish(events.TypeInjectionStarted, map[string]any{
		"conversationId": conversationID,
		"chain":          order,
	})

	start := time.Now()
	var attempts []string
	var lastErr error
	adapterDown := false

	for i, name := range order {
		strategy, ok := e.strategies[name]
		if !ok {
			continue
		}
		if !strategy.Available(ctx) {
			if name == MethodCDPEval || name == MethodCDPPaste {
				adapterDown = true
			}
			continue
		}
		if i > 0 && len(attempts) > 0 {
			select {
			case <-ctx.Done():
				return nil, cerrors.Wrap(cerrors.Timeout, ctx.Err(), "injection aborted")
			case <-time.After(e.cfg.RetryDelay):
			}
		}
		attempts = append(attempts, name)
		err := strategy.Send(ctx, conversationID, text)
		e.record(name, err == nil)
		if err == nil {
			res := &Result{Method: name, Attempts: attempts, Duration: time.Since(start)}
			e.logger.Info("Injected message into %s via %s after %d attempt(s)", conversationID, name, len(attempts))
			e.publish(events.TypeInjectionSuccess, map[string]any{
				"conversationId": conversationID,
				"method":         name,
				"attempts":       attempts,
				"durationMs":     res.Duration.Milliseconds(),
			})
			e.publish(events.TypeMessageInjected, map[string]any{
				"conversationId": conversationID,
				"method":         name,
			})
			return res, nil
		}
		lastErr = err
		e.logger.Warn("Strategy %s failed for %s: %v", name, conversationID, err)
		e.publish(events.TypeInjectionError, map[string]any{
			"conversationId": conversationID,
			"method":         name,
			"error":          err.Error(),
		})
	}

	e.publish(events.TypeInjectionFailed, map[string]any{
		"conversationId": conversationID,
		"attempts":       attempts,
	})
	if lastErr != nil {
		return nil, cerrors.Wrap(cerrors.NoStrategyAvailable, lastErr,
			"all strategies failed for %s (tried %s)", conversationID, strings.Join(attempts, ", "))
	}
	if adapterDown {
		return nil, cerrors.New(cerrors.Unavailable, "debug adapter unreachable and no fallback strategy available")
	}
	return nil, cerrors.New(cerrors.NoStrategyAvailable,
		"no injection strategy available (chain: %s)", strings.Join(order, ", "))
}

func (e *Engine) attemptOrder() []string {
	preferred := e.Preferred()
	order := make([]string, 0, len(e.chain))
	if preferred != "" {
		if _, ok := e.strategies[preferred]; ok {
			order = append(order, preferred)
		}
	}
	for _, name := range e.chain {
		if name == preferred {
			continue
		}
		order = append(order, name)
	}
	return order
}

// Preferred returns the currently preferred strategy name, if any.
func (e *Engine) Preferred() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Preferred
}

// Configure changes the preferred strategy. Empty resets to the platform
// chain order.
func (e *Engine) Configure(preferred string) error {
	if preferred != "" {
		if _, ok := e.strategies[preferred]; !ok {
			return cerrors.New(cerrors.Validation, "unknown injection method %q", preferred)
		}
	}
	e.mu.Lock()
	e.cfg.Preferred = preferred
	e.mu.Unlock()
	return nil
}

func (e *Engine) record(method string, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.stats[method]
	if !ok {
		st = &MethodStats{Method: method}
		e.stats[method] = st
	}
	if success {
		st.Successes++
	} else {
		st.Failures++
	}
	st.LastUsed = time.Now()
}

// Stats returns per-method delivery counters in chain order.
func (e *Engine) Stats() []MethodStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]MethodStats, 0, len(e.stats))
	for _, name := range e.chain {
		if st, ok := e.stats[name]; ok {
			out = append(out, *st)
		}
	}
	return out
}

// BestMethod returns the strategy with the highest success count, preferring
// chain order on ties. Empty until something has succeeded.
func (e *Engine) BestMethod() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	best := ""
	bestCount := 0
	for _, name := range e.chain {
		if st, ok := e.stats[name]; ok && st.Successes > bestCount {
			best = name
			bestCount = st.Successes
		}
	}
	return best
}

func (e *Engine) publish(eventType string, data map[string]any) {
	if e.bus != nil {
		e.bus.Publish(eventType, data)
	}
}
