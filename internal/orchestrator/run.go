package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cockpit/internal/cdp"
	cerrors "cockpit/internal/errors"
	"cockpit/internal/events"
	"cockpit/internal/parser"
	"cockpit/internal/template"
	"cockpit/internal/worker"
)

// runPlanningPhases drives analysis and task planning, then parks the run at
// awaiting_confirmation.
func (e *Engine) runPlanningPhases(ctx context.Context, id string) {
	o, err := e.copyOf(id)
	if err != nil {
		return
	}
	tpl := o.Template

	if o.MainConversationID == "" {
		convID, err := e.conv.Create(ctx, o.CWD, "", cdp.StartOptions{})
		if err != nil {
			e.fail(id, PhaseAnalysis, cerrors.Wrap(cerrors.Unavailable, err, "create main conversation"))
			return
		}
		e.mu.Lock()
		if cur, ok := e.orchestrators[id]; ok {
			cur.MainConversationID = convID
		}
		e.mu.Unlock()
		o.MainConversationID = convID
		e.persister.schedule()
	}

	// Analysis.
	e.publish(events.TypeOrchestratorAnalysisStarted, map[string]any{"orchestratorId": id})
	vars := e.baseVars(o)
	started := time.Now()
	data, err := e.dispatchAndAwait(ctx, id, o.MainConversationID, tpl, tpl.Prompts["analysis"], vars,
		parser.PhaseAnalysis, e.phaseTimeout(tpl, "analysis"))
	if err != nil {
		e.fail(id, PhaseAnalysis, err)
		return
	}
	e.observePhase(PhaseAnalysis, started)

	analysis := &Analysis{Raw: data}
	analysis.Summary, _ = data["summary"].(string)
	if v, ok := data["recommended_splits"].(float64); ok {
		analysis.RecommendedSplits = int(v)
	}
	e.mu.Lock()
	if cur, ok := e.orchestrators[id]; ok {
		cur.Analysis = analysis
		e.setStatusLocked(cur, StatusPlanning, PhaseTaskPlanning)
	}
	e.mu.Unlock()
	e.publish(events.TypeOrchestratorAnalysisComplete, map[string]any{
		"orchestratorId": id,
		"summary":        analysis.Summary,
	})
	e.persister.schedule()

	// Task planning.
	e.publish(events.TypeOrchestratorPlanningStarted, map[string]any{"orchestratorId": id})
	vars["ANALYSIS_SUMMARY"] = analysis.Summary
	started = time.Now()
	data, err = e.dispatchAndAwait(ctx, id, o.MainConversationID, tpl, tpl.Prompts["task_planning"], vars,
		parser.PhaseTaskList, e.phaseTimeout(tpl, "task_planning"))
	if err != nil {
		e.fail(id, PhaseTaskPlanning, err)
		return
	}
	e.observePhase(PhaseTaskPlanning, started)

	tasks, err := decodeTasks(data)
	if err != nil {
		e.fail(id, PhaseTaskPlanning, err)
		return
	}
	if n := len(tasks); n < tpl.Config.MinTasks || (tpl.Config.MaxTasks > 0 && n > tpl.Config.MaxTasks) {
		e.fail(id, PhaseTaskPlanning, cerrors.New(cerrors.Validation,
			"planned %d tasks, template allows %d..%d", n, tpl.Config.MinTasks, tpl.Config.MaxTasks))
		return
	}
	groups, err := BuildGroups(tasks)
	if err != nil {
		e.fail(id, PhaseTaskPlanning, err)
		return
	}

	e.mu.Lock()
	if cur, ok := e.orchestrators[id]; ok {
		cur.Tasks = tasks
		cur.Groups = groups
		cur.cancel = nil
		e.setStatusLocked(cur, StatusAwaitingConfirmation, PhaseTaskPlanning)
	}
	e.mu.Unlock()

	e.publish(events.TypeOrchestratorTasksPlanned, map[string]any{
		"orchestratorId": id,
		"taskCount":      len(tasks),
		"groupCount":     len(groups),
	})
	e.publish(events.TypeOrchestratorAwaitingConfirmation, map[string]any{"orchestratorId": id})
	e.persister.schedule()
}

// runExecutionPhases walks parallel groups, then aggregation and
// verification as the template enables them.
func (e *Engine) runExecutionPhases(ctx context.Context, id string) {
	o, err := e.copyOf(id)
	if err != nil {
		return
	}
	tpl := o.Template

	pool := e.newPool(worker.Config{
		MaxWorkers:     tpl.Config.MaxWorkers,
		WorkerTimeout:  time.Duration(tpl.Config.WorkerTimeout) * time.Millisecond,
		PollInterval:   time.Duration(tpl.Config.PollInterval) * time.Millisecond,
		SpawnDelay:     time.Duration(tpl.Config.SpawnDelay) * time.Millisecond,
		MaxRetries:     tpl.Config.MaxRetries,
		RetryOnError:   tpl.Config.RetryOnError,
		RetryOnTimeout: tpl.Config.RetryOnTimeout,
	})
	e.mu.Lock()
	e.pools[id] = pool
	e.mu.Unlock()

	e.publish(events.TypeOrchestratorSpawning, map[string]any{"orchestratorId": id})
	taskByID := make(map[string]worker.Task, len(o.Tasks))
	for _, t := range o.Tasks {
		taskByID[t.ID] = t
	}

	execStarted := time.Now()
	running := false
	for _, group := range o.Groups {
		if err := e.waitWhilePaused(ctx, id); err != nil {
			return
		}
		var ids []string
		for _, taskID := range group {
			task := taskByID[taskID]
			workerID, err := pool.Spawn(id, task, o.CWD, tpl.Worker.User, e.workerVars(o))
			if err != nil {
				e.fail(id, PhaseWorkerExecution, err)
				return
			}
			ids = append(ids, workerID)
			e.mu.Lock()
			if cur, ok := e.orchestrators[id]; ok {
				cur.Workers[taskID] = workerID
			}
			e.mu.Unlock()
		}
		if !running {
			running = true
			e.mu.Lock()
			if cur, ok := e.orchestrators[id]; ok && cur.Status == StatusSpawning {
				e.setStatusLocked(cur, StatusRunning, PhaseWorkerExecution)
			}
			e.mu.Unlock()
			e.publish(events.TypeOrchestratorRunning, map[string]any{"orchestratorId": id})
			e.persister.schedule()
		}
		for _, workerID := range ids {
			if _, err := pool.WaitTerminal(ctx, workerID); err != nil {
				return
			}
		}
	}
	e.observePhase(PhaseWorkerExecution, execStarted)

	outputs := collectOutputs(pool.ForOrchestrator(id), e.metrics)
	e.mu.Lock()
	if cur, ok := e.orchestrators[id]; ok {
		cur.Outputs = outputs
	}
	e.mu.Unlock()
	e.persister.schedule()

	if phase, ok := tpl.Phases["aggregation"]; !ok || !phase.Enabled {
		e.complete(id)
		return
	}
	if err := e.runAggregation(ctx, id, o, outputs); err != nil {
		return
	}

	if phase, ok := tpl.Phases["verification"]; !ok || !phase.Enabled {
		e.complete(id)
		return
	}
	if err := e.runVerification(ctx, id, o); err != nil {
		return
	}
	e.complete(id)
}

func (e *Engine) runAggregation(ctx context.Context, id string, o *Orchestrator, outputs []TaskOutput) error {
	tpl := o.Template
	e.mu.Lock()
	if cur, ok := e.orchestrators[id]; ok {
		e.setStatusLocked(cur, StatusAggregating, PhaseAggregation)
	}
	e.mu.Unlock()
	e.publish(events.TypeOrchestratorAggregationStarted, map[string]any{"orchestratorId": id})
	e.persister.schedule()

	vars := e.baseVars(o)
	vars["WORKER_OUTPUTS"] = renderOutputs(outputs)
	if o.Analysis != nil {
		vars["ANALYSIS_SUMMARY"] = o.Analysis.Summary
	}

	started := time.Now()
	data, err := e.dispatchAndAwait(ctx, id, o.MainConversationID, tpl, tpl.Prompts["aggregation"], vars,
		parser.PhaseAggregation, e.phaseTimeout(tpl, "aggregation"))
	if err != nil {
		e.fail(id, PhaseAggregation, err)
		return err
	}
	e.observePhase(PhaseAggregation, started)

	e.mu.Lock()
	if cur, ok := e.orchestrators[id]; ok {
		cur.AggregationResult = data
		cur.UpdatedAt = time.Now()
	}
	e.mu.Unlock()
	e.publish(events.TypeOrchestratorAggregationComplete, map[string]any{
		"orchestratorId": id,
		"status":         data["status"],
	})
	e.persister.schedule()
	return nil
}

func (e *Engine) runVerification(ctx context.Context, id string, o *Orchestrator) error {
	tpl := o.Template
	e.mu.Lock()
	if cur, ok := e.orchestrators[id]; ok {
		e.setStatusLocked(cur, StatusVerifying, PhaseVerification)
	}
	e.mu.Unlock()
	e.publish(events.TypeOrchestratorVerificationStarted, map[string]any{"orchestratorId": id})
	e.persister.schedule()

	vars := e.baseVars(o)

	started := time.Now()
	data, err := e.dispatchAndAwait(ctx, id, o.MainConversationID, tpl, tpl.Prompts["verification"], vars,
		parser.PhaseVerification, e.phaseTimeout(tpl, "verification"))
	if err != nil {
		e.fail(id, PhaseVerification, err)
		return err
	}
	e.observePhase(PhaseVerification, started)

	e.mu.Lock()
	if cur, ok := e.orchestrators[id]; ok {
		cur.VerificationResult = data
		cur.UpdatedAt = time.Now()
	}
	e.mu.Unlock()
	e.publish(events.TypeOrchestratorVerificationComplete, map[string]any{
		"orchestratorId": id,
		"status":         data["status"],
	})
	e.persister.schedule()
	return nil
}

func (e *Engine) complete(id string) {
	e.mu.Lock()
	cur, ok := e.orchestrators[id]
	if !ok || cur.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	cur.Status = StatusCompleted
	cur.Phase = ""
	cur.CompletedAt = time.Now()
	cur.UpdatedAt = time.Now()
	cur.cancel = nil
	e.mu.Unlock()

	e.publish(events.TypeOrchestratorCompleted, map[string]any{"orchestratorId": id})
	if e.metrics != nil {
		e.metrics.Active.Dec()
	}
	e.persister.schedule()
}

// fail records a fatal phase error and stops the run's workers.
func (e *Engine) fail(id, phase string, err error) {
	e.logger.Error("Orchestrator %s failed in %s: %v", id, phase, err)

	e.mu.Lock()
	o, ok := e.orchestrators[id]
	if !ok || o.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	o.Status = StatusError
	o.Errors = append(o.Errors, fmt.Sprintf("%s: %v", phase, err))
	o.CompletedAt = time.Now()
	o.UpdatedAt = time.Now()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	pool := e.pools[id]
	e.mu.Unlock()

	if pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		for _, w := range pool.ForOrchestrator(id) {
			if !w.Status.Terminal() {
				if cancelErr := pool.Cancel(ctx, w.ID); cancelErr != nil {
					e.logger.Debug("Cancel worker %s: %v", w.ID, cancelErr)
				}
			}
		}
		cancel()
	}

	e.publish(events.TypeOrchestratorError, map[string]any{
		"orchestratorId": id,
		"phase":          phase,
		"error":          err.Error(),
	})
	if e.metrics != nil {
		e.metrics.Active.Dec()
		e.metrics.PhaseFailures.WithLabelValues(phase).Inc()
	}
	e.persister.schedule()
}

// dispatchAndAwait sends a phase's prompt pair into the main conversation
// and watches the transcript for the first matching delimited reply. An
// aggregation reply of needs_input broadcasts and keeps waiting.
func (e *Engine) dispatchAndAwait(ctx context.Context, id, convID string, tpl *template.Template,
	prompt template.Prompt, vars map[string]any, wantPhase string, timeout time.Duration) (map[string]any, error) {

	p := e.parserFor(tpl)

	baseline := 0
	if transcript, err := e.conv.Transcript(ctx, convID); err == nil {
		baseline = len(transcript)
	}

	if prompt.System != "" {
		if err := e.conv.SendMessage(ctx, convID, template.Substitute(prompt.System, vars)); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, cerrors.Wrap(cerrors.Timeout, ctx.Err(), "dispatch interrupted")
		case <-time.After(e.cfg.AnalysisGap):
		}
	}
	if prompt.User != "" {
		if err := e.conv.SendMessage(ctx, convID, template.Substitute(prompt.User, vars)); err != nil {
			return nil, err
		}
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, cerrors.Wrap(cerrors.Timeout, ctx.Err(), "phase %s interrupted", wantPhase)
		case <-ticker.C:
		}

		if e.isPaused(id) {
			deadline = deadline.Add(e.cfg.PollInterval)
			continue
		}
		if time.Now().After(deadline) {
			return nil, cerrors.New(cerrors.Timeout, "no %s reply within %s", wantPhase, timeout)
		}

		transcript, err := e.conv.Transcript(ctx, convID)
		if err != nil {
			e.logger.Debug("Transcript poll for %s: %v", convID, err)
			continue
		}
		if len(transcript) <= baseline {
			continue
		}
		fresh := transcript[baseline:]
		baseline = len(transcript)
		for _, msg := range fresh {
			if msg.Role != cdp.RoleAssistant {
				continue
			}
			resp, err := p.Parse(msg.Content)
			if err != nil || resp == nil || resp.Phase != wantPhase {
				continue
			}
			if wantPhase == parser.PhaseAggregation {
				if status, _ := resp.Data["status"].(string); status == "needs_input" {
					e.publish(events.TypeOrchestratorAggregationComplete, map[string]any{
						"orchestratorId": id,
						"status":         "needs_input",
					})
					deadline = time.Now().Add(timeout)
					continue
				}
			}
			return resp.Data, nil
		}
	}
}

func (e *Engine) isPaused(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orchestrators[id]
	return ok && o.Status == StatusPaused
}

// waitWhilePaused blocks between parallel groups while the run is paused.
func (e *Engine) waitWhilePaused(ctx context.Context, id string) error {
	for e.isPaused(id) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (e *Engine) phaseTimeout(tpl *template.Template, key string) time.Duration {
	if phase, ok := tpl.Phases[key]; ok && phase.Timeout > 0 {
		return time.Duration(phase.Timeout) * time.Millisecond
	}
	return e.cfg.PhaseTimeout
}

func (e *Engine) baseVars(o *Orchestrator) map[string]any {
	vars := map[string]any{
		"USER_REQUEST":     o.Request,
		"ORIGINAL_REQUEST": o.Request,
		"CWD":              o.CWD,
		"TEMPLATE_NAME":    o.Template.Name,
		"ORCHESTRATOR_ID":  o.ID,
		"DELIM_START":      o.Template.Delimiters.Start,
		"DELIM_END":        o.Template.Delimiters.End,
	}
	for k, v := range o.Template.Variables {
		vars[k] = v
	}
	return vars
}

func (e *Engine) workerVars(o *Orchestrator) map[string]any {
	vars := e.baseVars(o)
	if o.Analysis != nil {
		vars["ANALYSIS_SUMMARY"] = o.Analysis.Summary
	}
	return vars
}

func decodeTasks(data map[string]any) ([]worker.Task, error) {
	raw, ok := data["tasks"].([]any)
	if !ok {
		return nil, cerrors.New(cerrors.ParseFailed, "task_list payload has no tasks array")
	}
	tasks := make([]worker.Task, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, cerrors.New(cerrors.ParseFailed, "task entry is not an object")
		}
		t := worker.Task{}
		t.ID, _ = obj["id"].(string)
		t.Title, _ = obj["title"].(string)
		t.Description, _ = obj["description"].(string)
		if v, ok := obj["priority"].(float64); ok {
			t.Priority = int(v)
		}
		if v, ok := obj["token_estimate"].(float64); ok {
			t.TokenEstimate = int(v)
		}
		for _, s := range toStrings(obj["scope"]) {
			t.Scope = append(t.Scope, s)
		}
		for _, s := range toStrings(obj["dependencies"]) {
			t.Dependencies = append(t.Dependencies, s)
		}
		if t.ID == "" {
			return nil, cerrors.New(cerrors.ParseFailed, "task entry has no id")
		}
		if _, dup := seen[t.ID]; dup {
			return nil, cerrors.New(cerrors.ParseFailed, "duplicate task id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func toStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func collectOutputs(workers []*worker.Worker, metrics *Metrics) []TaskOutput {
	out := make([]TaskOutput, 0, len(workers))
	for _, w := range workers {
		out = append(out, TaskOutput{
			TaskID:      w.TaskID,
			Status:      string(w.Status),
			Output:      w.Output,
			OutputFiles: w.OutputFiles,
			Error:       w.Error,
			ToolUses:    w.ToolUses,
		})
		if metrics != nil {
			metrics.WorkersTotal.WithLabelValues(string(w.Status)).Inc()
		}
	}
	return out
}

func renderOutputs(outputs []TaskOutput) string {
	var b strings.Builder
	for _, out := range outputs {
		fmt.Fprintf(&b, "### Task %s [%s]\n", out.TaskID, out.Status)
		if out.Output != "" {
			b.WriteString(out.Output)
			b.WriteString("\n")
		}
		if out.Error != "" {
			fmt.Fprintf(&b, "Error: %s\n", out.Error)
		}
		if len(out.OutputFiles) > 0 {
			fmt.Fprintf(&b, "Files: %s\n", strings.Join(out.OutputFiles, ", "))
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func (e *Engine) observePhase(phase string, started time.Time) {
	if e.metrics != nil {
		e.metrics.PhaseDuration.WithLabelValues(phase).Observe(time.Since(started).Seconds())
	}
}
