package worker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"cockpit/internal/cdp"
	cerrors "cockpit/internal/errors"
	"cockpit/internal/events"
	"cockpit/internal/logging"
	"cockpit/internal/parser"
	"cockpit/internal/template"
)

// Worker states.
type State string

const (
	StatePending   State = "pending"
	StateSpawning  State = "spawning"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimeout   State = "timeout"
	StateCancelled State = "cancelled"
)

// Terminal reports whether a state admits no further transitions except
// an explicit Retry.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimeout, StateCancelled:
		return true
	}
	return false
}

// Task is one unit of work handed to a child conversation.
type Task struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Scope         []string `json:"scope,omitempty"`
	Priority      int      `json:"priority,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
	TokenEstimate int      `json:"tokenEstimate,omitempty"`
}

// Worker is the pool's record of one child conversation.
type Worker struct {
	ID             string         `json:"id"`
	OrchestratorID string         `json:"orchestratorId"`
	TaskID         string         `json:"taskId"`
	ConversationID string         `json:"conversationId"`
	Status         State          `json:"status"`
	Progress       int            `json:"progress"`
	CurrentAction  string         `json:"currentAction,omitempty"`
	ToolUses       map[string]int `json:"toolUses,omitempty"`
	Output         string         `json:"output,omitempty"`
	OutputFiles    []string       `json:"outputFiles,omitempty"`
	Error          string         `json:"error,omitempty"`
	RetryCount     int            `json:"retryCount"`
	StartedAt      time.Time      `json:"startedAt,omitempty"`
	CompletedAt    time.Time      `json:"completedAt,omitempty"`

	spawn      spawnRequest
	lastOffset int
	cancel     context.CancelFunc
	doneCh     chan struct{}
}

// Config tunes the pool. A WorkerTimeout of zero times every worker out on
// its first poll after running; callers pass the template value.
type Config struct {
	MaxWorkers     int
	WorkerTimeout  time.Duration
	PollInterval   time.Duration
	SpawnDelay     time.Duration
	MaxRetries     int
	RetryOnError   bool
	RetryOnTimeout bool
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxWorkers <= 0 {
		out.MaxWorkers = 5
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 2 * time.Second
	}
	if out.SpawnDelay < 0 {
		out.SpawnDelay = 0
	}
	return out
}

type spawnRequest struct {
	orchestratorID string
	task           Task
	cwd            string
	prompt         string
	variables      map[string]any
}

// Pool spawns and monitors child conversations with bounded concurrency.
// At most MaxWorkers are in spawning or running at once; the rest wait in
// arrival order.
type Pool struct {
	cfg     Config
	adapter cdp.API
	parser  *parser.Parser
	bus     *events.Bus
	logger  logging.Logger

	sem *semaphore.Weighted

	mu        sync.Mutex
	workers   map[string]*Worker
	queue     []string
	lastSpawn time.Time
	draining  bool
	closed    bool

	baseCtx   context.Context
	baseStop  context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPool creates a pool.
func NewPool(cfg Config, adapter cdp.API, p *parser.Parser, bus *events.Bus, logger logging.Logger) *Pool {
	cfg = cfg.withDefaults()
	ctx, stop := context.WithCancel(context.Background())
	if p == nil {
		p = parser.New("", "")
	}
	return &Pool{
		cfg:      cfg,
		adapter:  adapter,
		parser:   p,
		bus:      bus,
		logger:   logging.OrNop(logger),
		sem:      semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		workers:  make(map[string]*Worker),
		baseCtx:  ctx,
		baseStop: stop,
	}
}

// Close cancels every monitor and waits for them to exit.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.baseStop()
		p.wg.Wait()
	})
}

// WorkerID computes the deterministic child conversation id for a task.
func WorkerID(orchestratorID, taskID string) string {
	return cdp.HiddenConversationPrefix + orchestratorID + "_" + taskID
}

// Spawn queues a worker for a task. The returned id is stable for the
// (orchestrator, task) pair; spawning a pair that already has a live worker
// is a conflict.
func (p *Pool) Spawn(orchestratorID string, task Task, cwd, prompt string, variables map[string]any) (string, error) {
	if task.ID == "" {
		return "", cerrors.New(cerrors.Validation, "task id is empty")
	}
	id := WorkerID(orchestratorID, task.ID)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", cerrors.New(cerrors.Unavailable, "worker pool is closed")
	}
	if existing, ok := p.workers[id]; ok && !existing.Status.Terminal() {
		p.mu.Unlock()
		return "", cerrors.New(cerrors.Conflict, "task %s already has a live worker", task.ID)
	}
	w := &Worker{
		ID:             id,
		OrchestratorID: orchestratorID,
		TaskID:         task.ID,
		ConversationID: id,
		Status:         StatePending,
		ToolUses:       make(map[string]int),
		spawn: spawnRequest{
			orchestratorID: orchestratorID,
			task:           task,
			cwd:            cwd,
			prompt:         prompt,
			variables:      variables,
		},
		doneCh: make(chan struct{}),
	}
	p.workers[id] = w
	p.queue = append(p.queue, id)
	p.mu.Unlock()

	p.publish(events.TypeWorkerQueued, map[string]any{
		"workerId":       id,
		"orchestratorId": orchestratorID,
		"taskId":         task.ID,
	})
	p.drain()
	return id, nil
}

// drain admits queued workers while slots are free.
func (p *Pool) drain() {
	p.mu.Lock()
	if p.draining || p.closed {
		p.mu.Unlock()
		return
	}
	p.draining = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			p.mu.Lock()
			if p.closed || len(p.queue) == 0 {
				p.draining = false
				p.mu.Unlock()
				return
			}
			id := p.queue[0]
			p.mu.Unlock()

			if err := p.sem.Acquire(p.baseCtx, 1); err != nil {
				p.mu.Lock()
				p.draining = false
				p.mu.Unlock()
				return
			}

			p.mu.Lock()
			if len(p.queue) == 0 || p.queue[0] != id {
				// Queue changed while acquiring; put the slot back.
				p.mu.Unlock()
				p.sem.Release(1)
				continue
			}
			p.queue = p.queue[1:]
			w, ok := p.workers[id]
			if !ok || w.Status != StatePending {
				p.mu.Unlock()
				p.sem.Release(1)
				continue
			}
			w.Status = StateSpawning

			// Pace spawns.
			var wait time.Duration
			if p.cfg.SpawnDelay > 0 {
				next := p.lastSpawn.Add(p.cfg.SpawnDelay)
				if now := time.Now(); next.After(now) {
					wait = next.Sub(now)
				}
				p.lastSpawn = time.Now().Add(wait)
			}
			p.mu.Unlock()

			if wait > 0 {
				select {
				case <-p.baseCtx.Done():
					p.sem.Release(1)
					return
				case <-time.After(wait):
				}
			}

			p.wg.Add(1)
			go func(id string) {
				defer p.wg.Done()
				p.launch(id)
			}(id)
		}
	}()
}

// launch starts the child conversation and hands off to the monitor. The
// semaphore slot is held until the worker reaches a terminal state.
func (p *Pool) launch(id string) {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		p.sem.Release(1)
		return
	}
	req := w.spawn
	p.mu.Unlock()

	vars := map[string]any{
		"ORCHESTRATOR_ID":  req.orchestratorID,
		"TASK_ID":          req.task.ID,
		"TASK_TITLE":       req.task.Title,
		"TASK_DESCRIPTION": req.task.Description,
		"TASK_SCOPE":       req.task.Scope,
	}
	for k, v := range req.variables {
		vars[k] = v
	}
	prompt := template.Substitute(req.prompt, vars)

	p.publish(events.TypeWorkerSpawned, map[string]any{
		"workerId":       id,
		"orchestratorId": req.orchestratorID,
		"taskId":         req.task.ID,
	})

	ctx, cancel := context.WithCancel(p.baseCtx)
	if _, err := p.adapter.StartNewSession(ctx, req.cwd, prompt, cdp.StartOptions{}); err != nil {
		cancel()
		p.logger.Warn("Worker %s spawn failed: %v", id, err)
		p.finish(id, StateFailed, "", err.Error())
		return
	}

	p.mu.Lock()
	if w, ok = p.workers[id]; ok && w.Status == StateSpawning {
		w.cancel = cancel
		w.StartedAt = time.Now()
	} else {
		p.mu.Unlock()
		cancel()
		return
	}
	p.mu.Unlock()

	p.monitor(ctx, id)
}

// finish records a terminal transition, frees the slot and re-drains. An
// auto-retry swaps in the fresh pending record before waiters wake, so
// WaitTerminal follows the chain instead of observing the failed attempt.
func (p *Pool) finish(id string, state State, output, errMsg string) {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok || w.Status.Terminal() {
		p.mu.Unlock()
		return
	}
	w.Status = state
	w.CompletedAt = time.Now()
	if output != "" {
		w.Output = output
	}
	if errMsg != "" {
		w.Error = errMsg
	}
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	retry := p.shouldAutoRetry(w, state)
	var retryCount int
	if retry {
		retryCount = w.RetryCount + 1
		fresh := &Worker{
			ID:             w.ID,
			OrchestratorID: w.OrchestratorID,
			TaskID:         w.TaskID,
			ConversationID: w.ConversationID,
			Status:         StatePending,
			ToolUses:       make(map[string]int),
			RetryCount:     retryCount,
			spawn:          w.spawn,
			doneCh:         make(chan struct{}),
		}
		p.workers[id] = fresh
		p.queue = append(p.queue, id)
	}
	close(w.doneCh)
	orchID, taskID := w.OrchestratorID, w.TaskID
	p.mu.Unlock()

	p.sem.Release(1)

	eventType := map[State]string{
		StateCompleted: events.TypeWorkerCompleted,
		StateFailed:    events.TypeWorkerFailed,
		StateTimeout:   events.TypeWorkerTimeout,
		StateCancelled: events.TypeWorkerCancelled,
	}[state]
	p.publish(eventType, map[string]any{
		"workerId":       id,
		"orchestratorId": orchID,
		"taskId":         taskID,
		"status":         string(state),
		"error":          errMsg,
	})

	if retry {
		p.publish(events.TypeWorkerRetrying, map[string]any{
			"workerId":   id,
			"retryCount": retryCount,
		})
	}
	p.drain()
}

func (p *Pool) shouldAutoRetry(w *Worker, state State) bool {
	if w.RetryCount >= p.cfg.MaxRetries {
		return false
	}
	switch state {
	case StateFailed:
		return p.cfg.RetryOnError
	case StateTimeout:
		return p.cfg.RetryOnTimeout
	}
	return false
}

// Retry re-queues a worker that ended in failed or timeout, while the retry
// budget allows.
func (p *Pool) Retry(id string) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return cerrors.New(cerrors.NotFound, "worker %s not found", id)
	}
	if w.Status != StateFailed && w.Status != StateTimeout {
		p.mu.Unlock()
		return cerrors.New(cerrors.Conflict, "worker %s is %s, not retryable", id, w.Status)
	}
	if w.RetryCount >= p.cfg.MaxRetries {
		p.mu.Unlock()
		return cerrors.New(cerrors.Conflict, "worker %s exhausted its %d retries", id, p.cfg.MaxRetries)
	}
	retryCount := w.RetryCount + 1
	fresh := &Worker{
		ID:             w.ID,
		OrchestratorID: w.OrchestratorID,
		TaskID:         w.TaskID,
		ConversationID: w.ConversationID,
		Status:         StatePending,
		ToolUses:       make(map[string]int),
		RetryCount:     retryCount,
		spawn:          w.spawn,
		doneCh:         make(chan struct{}),
	}
	p.workers[id] = fresh
	p.queue = append(p.queue, id)
	p.mu.Unlock()

	p.publish(events.TypeWorkerRetrying, map[string]any{
		"workerId":   id,
		"retryCount": retryCount,
	})
	p.drain()
	return nil
}

// Cancel stops a worker. Pending workers leave the queue; live ones are
// cut off and their child conversation archived best-effort.
func (p *Pool) Cancel(ctx context.Context, id string) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return cerrors.New(cerrors.NotFound, "worker %s not found", id)
	}
	if w.Status.Terminal() {
		p.mu.Unlock()
		return nil
	}
	pending := w.Status == StatePending
	if pending {
		for i, queued := range p.queue {
			if queued == id {
				p.queue = append(p.queue[:i], p.queue[i+1:]...)
				break
			}
		}
		w.Status = StateCancelled
		w.CompletedAt = time.Now()
		close(w.doneCh)
	}
	p.mu.Unlock()

	if pending {
		p.publish(events.TypeWorkerCancelled, map[string]any{
			"workerId": id,
			"taskId":   w.TaskID,
			"status":   string(StateCancelled),
		})
		return nil
	}

	p.finish(id, StateCancelled, "", "")
	if err := p.adapter.ArchiveSession(ctx, w.ConversationID); err != nil {
		p.logger.Debug("Archive of cancelled worker %s: %v", id, err)
	}
	return nil
}

// Pause suspends timeout accounting for a running worker.
func (p *Pool) Pause(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok {
		return cerrors.New(cerrors.NotFound, "worker %s not found", id)
	}
	if w.Status != StateRunning {
		return cerrors.New(cerrors.Conflict, "worker %s is %s, not running", id, w.Status)
	}
	w.Status = StatePaused
	return nil
}

// Resume restarts a paused worker's clock.
func (p *Pool) Resume(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok {
		return cerrors.New(cerrors.NotFound, "worker %s not found", id)
	}
	if w.Status != StatePaused {
		return cerrors.New(cerrors.Conflict, "worker %s is %s, not paused", id, w.Status)
	}
	w.Status = StateRunning
	w.StartedAt = time.Now()
	return nil
}

// Get returns a copy of one worker record.
func (p *Pool) Get(id string) (*Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok {
		return nil, cerrors.New(cerrors.NotFound, "worker %s not found", id)
	}
	return w.copy(), nil
}

// ForOrchestrator lists workers belonging to one orchestrator.
func (p *Pool) ForOrchestrator(orchestratorID string) []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Worker
	for _, w := range p.workers {
		if w.OrchestratorID == orchestratorID {
			out = append(out, w.copy())
		}
	}
	return out
}

// WaitTerminal blocks until the worker reaches a terminal state or ctx ends.
func (p *Pool) WaitTerminal(ctx context.Context, id string) (*Worker, error) {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return nil, cerrors.New(cerrors.NotFound, "worker %s not found", id)
	}
	p.mu.Unlock()

	// Retry swaps in a fresh record; follow the chain until a terminal one.
	for {
		p.mu.Lock()
		w = p.workers[id]
		if w.Status.Terminal() {
			out := w.copy()
			p.mu.Unlock()
			return out, nil
		}
		done := w.doneCh
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, cerrors.Wrap(cerrors.Timeout, ctx.Err(), "waiting for worker %s", id)
		case <-done:
		}
	}
}

// ActiveCount reports workers holding a slot.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		switch w.Status {
		case StateSpawning, StateRunning, StatePaused:
			n++
		}
	}
	return n
}

func (w *Worker) copy() *Worker {
	out := *w
	out.ToolUses = make(map[string]int, len(w.ToolUses))
	for k, v := range w.ToolUses {
		out.ToolUses[k] = v
	}
	out.OutputFiles = append([]string(nil), w.OutputFiles...)
	out.cancel = nil
	return &out
}

func (p *Pool) publish(eventType string, data map[string]any) {
	if p.bus != nil {
		p.bus.Publish(eventType, data)
	}
}
