package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cockpit/internal/cdp"
	cerrors "cockpit/internal/errors"
	"cockpit/internal/events"
	"cockpit/internal/logging"
	"cockpit/internal/parser"
	"cockpit/internal/template"
	"cockpit/internal/worker"
)

// Orchestrator statuses.
type Status string

const (
	StatusCreated              Status = "created"
	StatusAnalyzing            Status = "analyzing"
	StatusPlanning             Status = "planning"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusSpawning             Status = "spawning"
	StatusRunning              Status = "running"
	StatusAggregating          Status = "aggregating"
	StatusVerifying            Status = "verifying"
	StatusCompleted            Status = "completed"
	StatusError                Status = "error"
	StatusCancelled            Status = "cancelled"
	StatusPaused               Status = "paused"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Phases of a run.
const (
	PhaseAnalysis        = "analysis"
	PhaseTaskPlanning    = "task-planning"
	PhaseWorkerExecution = "worker-execution"
	PhaseAggregation     = "aggregation"
	PhaseVerification    = "verification"
)

// Analysis is the parsed result of the analysis phase.
type Analysis struct {
	Summary           string         `json:"summary"`
	RecommendedSplits int            `json:"recommendedSplits"`
	Raw               map[string]any `json:"raw,omitempty"`
}

// TaskOutput is one worker's collected result.
type TaskOutput struct {
	TaskID      string         `json:"taskId"`
	Status      string         `json:"status"`
	Output      string         `json:"output,omitempty"`
	OutputFiles []string       `json:"outputFiles,omitempty"`
	Error       string         `json:"error,omitempty"`
	ToolUses    map[string]int `json:"toolUses,omitempty"`
}

// Orchestrator is one multi-phase run over a main conversation.
type Orchestrator struct {
	ID                 string             `json:"id"`
	TemplateID         string             `json:"templateId"`
	Template           *template.Template `json:"template"`
	MainConversationID string             `json:"mainConversationId"`
	CWD                string             `json:"cwd"`
	Request            string             `json:"request"`
	Status             Status             `json:"status"`
	PrevStatus         Status             `json:"prevStatus,omitempty"`
	Phase              string             `json:"phase,omitempty"`
	Analysis           *Analysis          `json:"analysis,omitempty"`
	Tasks              []worker.Task      `json:"tasks,omitempty"`
	Groups             [][]string         `json:"groups,omitempty"`
	Workers            map[string]string  `json:"workers,omitempty"`
	Outputs            []TaskOutput       `json:"outputs,omitempty"`
	AggregationResult  map[string]any     `json:"aggregationResult,omitempty"`
	VerificationResult map[string]any     `json:"verificationResult,omitempty"`
	Errors             []string           `json:"errors,omitempty"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
	CompletedAt        time.Time          `json:"completedAt,omitempty"`
	// ResumeStatus records the in-flight status a restored orchestrator
	// held when the snapshot was written.
	ResumeStatus string `json:"_resume_status,omitempty"`

	cancel context.CancelFunc
}

// Conversations is the slice of the session layer the engine drives the main
// conversation through.
type Conversations interface {
	Create(ctx context.Context, cwd, firstMessage string, opts cdp.StartOptions) (string, error)
	SendMessage(ctx context.Context, conversationID, text string) error
	Transcript(ctx context.Context, conversationID string) ([]cdp.Message, error)
}

// PoolFactory builds a worker pool for one run's template configuration.
type PoolFactory func(cfg worker.Config) *worker.Pool

// Config tunes the engine.
type Config struct {
	// DataDir holds the snapshot file.
	DataDir string
	// PollInterval is the main-conversation watch cadence.
	PollInterval time.Duration
	// AnalysisGap separates the system prompt from the user prompt.
	AnalysisGap time.Duration
	// PersistDebounce coalesces snapshot writes.
	PersistDebounce time.Duration
	// PhaseTimeout applies when a template leaves a phase timeout unset.
	PhaseTimeout time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.DataDir == "" {
		out.DataDir = "data"
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 2 * time.Second
	}
	if out.AnalysisGap <= 0 {
		out.AnalysisGap = 1500 * time.Millisecond
	}
	if out.PersistDebounce <= 0 {
		out.PersistDebounce = time.Second
	}
	if out.PhaseTimeout <= 0 {
		out.PhaseTimeout = 5 * time.Minute
	}
	return out
}

// Engine owns orchestrator records and drives their phase transitions. All
// mutation happens under one mutex; external calls run outside it.
type Engine struct {
	cfg       Config
	conv      Conversations
	store     *template.Store
	newPool   PoolFactory
	bus       *events.Bus
	logger    logging.Logger
	metrics   *Metrics
	persister *persister

	mu            sync.Mutex
	orchestrators map[string]*Orchestrator
	pools         map[string]*worker.Pool
}

// NewEngine creates the engine and loads the snapshot file. Orchestrators
// that were mid-flight come back paused with ResumeStatus set.
func NewEngine(cfg Config, conv Conversations, store *template.Store, newPool PoolFactory, bus *events.Bus, metrics *Metrics, logger logging.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:           cfg,
		conv:          conv,
		store:         store,
		newPool:       newPool,
		bus:           bus,
		logger:        logging.OrNop(logger),
		metrics:       metrics,
		orchestrators: make(map[string]*Orchestrator),
		pools:         make(map[string]*worker.Pool),
	}
	e.persister = newPersister(cfg.DataDir, cfg.PersistDebounce, e.snapshot, e.logger)
	if err := e.load(); err != nil {
		return nil, err
	}
	return e, nil
}

// Close flushes the snapshot and stops worker pools.
func (e *Engine) Close() {
	e.persister.stop()
	e.mu.Lock()
	pools := make([]*worker.Pool, 0, len(e.pools))
	for _, p := range e.pools {
		pools = append(pools, p)
	}
	e.mu.Unlock()
	for _, p := range pools {
		p.Close()
	}
}

// CreateRequest describes a new run.
type CreateRequest struct {
	TemplateID         string `json:"templateId"`
	CWD                string `json:"cwd"`
	Request            string `json:"request"`
	MainConversationID string `json:"mainConversationId,omitempty"`
}

// Create registers a new orchestrator against a resolved template snapshot.
func (e *Engine) Create(req CreateRequest) (*Orchestrator, error) {
	if req.Request == "" {
		return nil, cerrors.New(cerrors.Validation, "request text is empty")
	}
	if req.TemplateID == "" {
		req.TemplateID = "_default"
	}
	tpl, err := e.store.Get(req.TemplateID, true)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		ID:                 uuid.NewString(),
		TemplateID:         tpl.ID,
		Template:           tpl,
		MainConversationID: req.MainConversationID,
		CWD:                req.CWD,
		Request:            req.Request,
		Status:             StatusCreated,
		Workers:            make(map[string]string),
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
	}

	e.mu.Lock()
	e.orchestrators[o.ID] = o
	e.mu.Unlock()

	e.publish(events.TypeOrchestratorCreated, map[string]any{
		"orchestratorId": o.ID,
		"templateId":     o.TemplateID,
	})
	if e.metrics != nil {
		e.metrics.Active.Inc()
	}
	e.persister.schedule()
	return e.copyOf(o.ID)
}

// Get returns one orchestrator.
func (e *Engine) Get(id string) (*Orchestrator, error) {
	return e.copyOf(id)
}

// List returns every orchestrator, newest first.
func (e *Engine) List() []*Orchestrator {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Orchestrator, 0, len(e.orchestrators))
	for id := range e.orchestrators {
		out = append(out, e.orchestrators[id].copy())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Start launches the analysis and planning phases. The run stops at
// awaiting_confirmation until ConfirmTasks.
func (e *Engine) Start(id string) error {
	e.mu.Lock()
	o, ok := e.orchestrators[id]
	if !ok {
		e.mu.Unlock()
		return cerrors.New(cerrors.NotFound, "orchestrator %s not found", id)
	}
	if o.Status != StatusCreated {
		e.mu.Unlock()
		return cerrors.New(cerrors.Conflict, "orchestrator %s is %s, not created", id, o.Status)
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	e.setStatusLocked(o, StatusAnalyzing, PhaseAnalysis)
	e.mu.Unlock()

	e.publish(events.TypeOrchestratorStarted, map[string]any{"orchestratorId": id})
	e.persister.schedule()

	go e.runPlanningPhases(ctx, id)
	return nil
}

// ConfirmTasks releases an orchestrator waiting on operator approval into
// worker execution.
func (e *Engine) ConfirmTasks(id string) error {
	e.mu.Lock()
	o, ok := e.orchestrators[id]
	if !ok {
		e.mu.Unlock()
		return cerrors.New(cerrors.NotFound, "orchestrator %s not found", id)
	}
	if o.Status != StatusAwaitingConfirmation {
		e.mu.Unlock()
		return cerrors.New(cerrors.Conflict, "orchestrator %s is %s, not awaiting confirmation", id, o.Status)
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	e.setStatusLocked(o, StatusSpawning, PhaseWorkerExecution)
	e.mu.Unlock()

	e.publish(events.TypeOrchestratorConfirmed, map[string]any{"orchestratorId": id})
	e.persister.schedule()

	go e.runExecutionPhases(ctx, id)
	return nil
}

// Pause suspends an active run. Watch loops keep their place; deadlines
// stretch while paused.
func (e *Engine) Pause(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orchestrators[id]
	if !ok {
		return cerrors.New(cerrors.NotFound, "orchestrator %s not found", id)
	}
	if o.Status.Terminal() || o.Status == StatusPaused {
		return cerrors.New(cerrors.Conflict, "orchestrator %s is %s", id, o.Status)
	}
	o.PrevStatus = o.Status
	o.Status = StatusPaused
	o.UpdatedAt = time.Now()
	e.publishLocked(events.TypeOrchestratorPaused, map[string]any{"orchestratorId": id})
	e.persister.schedule()
	return nil
}

// Resume restores a paused run to its previous status. Orchestrators
// restored from a snapshot can only resume from awaiting_confirmation.
func (e *Engine) Resume(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orchestrators[id]
	if !ok {
		return cerrors.New(cerrors.NotFound, "orchestrator %s not found", id)
	}
	if o.Status != StatusPaused {
		return cerrors.New(cerrors.Conflict, "orchestrator %s is %s, not paused", id, o.Status)
	}
	if o.cancel == nil {
		// Restored from disk: no live run goroutine to hand back to.
		if o.PrevStatus == StatusAwaitingConfirmation || o.ResumeStatus == string(StatusAwaitingConfirmation) {
			o.Status = StatusAwaitingConfirmation
			o.PrevStatus = ""
			o.UpdatedAt = time.Now()
			e.publishLocked(events.TypeOrchestratorResumed, map[string]any{"orchestratorId": id})
			e.persister.schedule()
			return nil
		}
		return cerrors.New(cerrors.Conflict,
			"orchestrator %s was restored mid-flight (%s) and cannot resume; create a new run", id, o.ResumeStatus)
	}
	o.Status = o.PrevStatus
	o.PrevStatus = ""
	o.UpdatedAt = time.Now()
	e.publishLocked(events.TypeOrchestratorResumed, map[string]any{"orchestratorId": id})
	e.persister.schedule()
	return nil
}

// Cancel stops a run and every live worker. Cancelling twice is a no-op.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	o, ok := e.orchestrators[id]
	if !ok {
		e.mu.Unlock()
		return cerrors.New(cerrors.NotFound, "orchestrator %s not found", id)
	}
	if o.Status.Terminal() {
		e.mu.Unlock()
		return nil
	}
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.Status = StatusCancelled
	o.CompletedAt = time.Now()
	o.UpdatedAt = time.Now()
	pool := e.pools[id]
	e.mu.Unlock()

	if pool != nil {
		for _, w := range pool.ForOrchestrator(id) {
			if !w.Status.Terminal() {
				if err := pool.Cancel(ctx, w.ID); err != nil {
					e.logger.Debug("Cancel worker %s: %v", w.ID, err)
				}
			}
		}
	}

	e.publish(events.TypeOrchestratorCancelled, map[string]any{"orchestratorId": id})
	if e.metrics != nil {
		e.metrics.Active.Dec()
	}
	e.persister.schedule()
	return nil
}

// SendMessage injects operator text into the run's main conversation.
func (e *Engine) SendMessage(ctx context.Context, id, text string) error {
	e.mu.Lock()
	o, ok := e.orchestrators[id]
	if !ok {
		e.mu.Unlock()
		return cerrors.New(cerrors.NotFound, "orchestrator %s not found", id)
	}
	convID := o.MainConversationID
	e.mu.Unlock()
	if convID == "" {
		return cerrors.New(cerrors.Conflict, "orchestrator %s has no main conversation yet", id)
	}
	if err := e.conv.SendMessage(ctx, convID, text); err != nil {
		return err
	}
	e.publish(events.TypeOrchestratorMessage, map[string]any{
		"orchestratorId": id,
		"conversationId": convID,
	})
	return nil
}

// WorkersOf lists the pool records for one orchestrator.
func (e *Engine) WorkersOf(id string) ([]*worker.Worker, error) {
	e.mu.Lock()
	pool, ok := e.pools[id]
	_, known := e.orchestrators[id]
	e.mu.Unlock()
	if !known {
		return nil, cerrors.New(cerrors.NotFound, "orchestrator %s not found", id)
	}
	if !ok {
		return nil, nil
	}
	return pool.ForOrchestrator(id), nil
}

// RetryWorker re-queues a failed worker of one orchestrator.
func (e *Engine) RetryWorker(orchestratorID, workerID string) error {
	pool, err := e.poolOf(orchestratorID)
	if err != nil {
		return err
	}
	return pool.Retry(workerID)
}

// CancelWorker stops one worker of one orchestrator.
func (e *Engine) CancelWorker(ctx context.Context, orchestratorID, workerID string) error {
	pool, err := e.poolOf(orchestratorID)
	if err != nil {
		return err
	}
	return pool.Cancel(ctx, workerID)
}

func (e *Engine) poolOf(id string) (*worker.Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.orchestrators[id]; !ok {
		return nil, cerrors.New(cerrors.NotFound, "orchestrator %s not found", id)
	}
	pool, ok := e.pools[id]
	if !ok {
		return nil, cerrors.New(cerrors.Conflict, "orchestrator %s has no worker pool yet", id)
	}
	return pool, nil
}

func (e *Engine) setStatusLocked(o *Orchestrator, status Status, phase string) {
	o.Status = status
	if phase != "" {
		o.Phase = phase
	}
	o.UpdatedAt = time.Now()
}

func (e *Engine) copyOf(id string) (*Orchestrator, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orchestrators[id]
	if !ok {
		return nil, cerrors.New(cerrors.NotFound, "orchestrator %s not found", id)
	}
	return o.copy(), nil
}

func (o *Orchestrator) copy() *Orchestrator {
	out := *o
	out.cancel = nil
	out.Tasks = append([]worker.Task(nil), o.Tasks...)
	out.Groups = make([][]string, len(o.Groups))
	for i, g := range o.Groups {
		out.Groups[i] = append([]string(nil), g...)
	}
	out.Workers = make(map[string]string, len(o.Workers))
	for k, v := range o.Workers {
		out.Workers[k] = v
	}
	out.Outputs = append([]TaskOutput(nil), o.Outputs...)
	out.Errors = append([]string(nil), o.Errors...)
	return &out
}

func (e *Engine) publish(eventType string, data map[string]any) {
	if e.bus != nil {
		e.bus.Publish(eventType, data)
	}
}

// publishLocked is safe to call with e.mu held; the bus never calls back.
func (e *Engine) publishLocked(eventType string, data map[string]any) {
	e.publish(eventType, data)
}

func (e *Engine) parserFor(tpl *template.Template) *parser.Parser {
	return parser.New(tpl.Delimiters.Start, tpl.Delimiters.End)
}
