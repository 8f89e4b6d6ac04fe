package worker

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"cockpit/internal/cdp"
	"cockpit/internal/events"
	"cockpit/internal/parser"
)

// toolPatterns recognizes tool labels inside transcript chunks. Counters feed
// the per-worker activity report.
var toolPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"Read", regexp.MustCompile(`\bRead\b`)},
	{"Write", regexp.MustCompile(`\bWrite\b`)},
	{"Edit", regexp.MustCompile(`\bEdit\b`)},
	{"Bash", regexp.MustCompile(`\bBash\b`)},
	{"Grep", regexp.MustCompile(`\bGrep\b`)},
	{"Glob", regexp.MustCompile(`\bGlob\b`)},
	{"Task", regexp.MustCompile(`\bTask\b`)},
	{"WebFetch", regexp.MustCompile(`\bWebFetch\b`)},
}

// monitor polls one worker's transcript until it reaches a terminal state.
func (p *Pool) monitor(ctx context.Context, id string) {
	// First observation happens immediately, then on the poll cadence.
	if p.poll(ctx, id) {
		return
	}
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if p.poll(ctx, id) {
			return
		}
	}
}

// poll performs one observation. Returns true once the worker is terminal.
func (p *Pool) poll(ctx context.Context, id string) bool {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok || w.Status.Terminal() {
		p.mu.Unlock()
		return true
	}
	if w.Status == StatePaused {
		p.mu.Unlock()
		return false
	}
	convID := w.ConversationID
	offset := w.lastOffset
	startedAt := w.StartedAt
	p.mu.Unlock()

	// The deadline wins over anything observed on the same poll.
	if !startedAt.IsZero() && time.Since(startedAt) > p.cfg.WorkerTimeout {
		p.finish(id, StateTimeout, "", fmt.Sprintf("no completion within %s", p.cfg.WorkerTimeout))
		return true
	}

	transcript, err := p.adapter.GetTranscript(ctx, convID)
	if err != nil {
		p.logger.Debug("Worker %s transcript poll: %v", id, err)
		return false
	}

	if len(transcript) > offset {
		if terminal := p.observe(id, transcript[offset:]); terminal {
			return true
		}
	}
	return false
}

// observe folds new transcript messages into the worker record. Returns true
// on a terminal transition.
func (p *Pool) observe(id string, fresh []cdp.Message) bool {
	started := false

	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok || w.Status.Terminal() {
		p.mu.Unlock()
		return true
	}
	if w.Status == StateSpawning {
		w.Status = StateRunning
		started = true
	}
	w.lastOffset += len(fresh)
	for _, msg := range fresh {
		for _, tp := range toolPatterns {
			if n := len(tp.re.FindAllStringIndex(msg.Content, -1)); n > 0 {
				w.ToolUses[tp.name] += n
			}
		}
	}
	orchID, taskID := w.OrchestratorID, w.TaskID
	p.mu.Unlock()

	if started {
		p.publish(events.TypeWorkerStarted, map[string]any{
			"workerId":       id,
			"orchestratorId": orchID,
			"taskId":         taskID,
		})
	}

	for _, msg := range fresh {
		if msg.Role != cdp.RoleAssistant {
			continue
		}
		resp, err := p.parser.Parse(msg.Content)
		if err != nil || resp == nil {
			continue
		}
		switch resp.Phase {
		case parser.PhaseProgress:
			pct := 0
			if v, ok := resp.Data["progress_percent"].(float64); ok {
				pct = int(v)
			}
			action, _ := resp.Data["current_action"].(string)
			p.mu.Lock()
			if w, ok := p.workers[id]; ok && !w.Status.Terminal() {
				w.Progress = pct
				if action != "" {
					w.CurrentAction = action
				}
			}
			p.mu.Unlock()
			p.publish(events.TypeWorkerProgress, map[string]any{
				"workerId":       id,
				"orchestratorId": orchID,
				"taskId":         taskID,
				"progress":       pct,
				"currentAction":  action,
			})
		case parser.PhaseCompletion:
			status, _ := resp.Data["status"].(string)
			output, _ := resp.Data["summary"].(string)
			if output == "" {
				output, _ = resp.Data["output"].(string)
			}
			files := stringList(resp.Data["files"])
			if len(files) == 0 {
				files = stringList(resp.Data["output_files"])
			}
			errMsg, _ := resp.Data["error"].(string)

			p.mu.Lock()
			if w, ok := p.workers[id]; ok {
				w.OutputFiles = files
				w.Progress = 100
			}
			p.mu.Unlock()

			switch status {
			case "success", "partial":
				p.finish(id, StateCompleted, output, errMsg)
			case "timeout":
				p.finish(id, StateTimeout, output, errMsg)
			default:
				if errMsg == "" {
					errMsg = "worker reported failure"
				}
				p.finish(id, StateFailed, output, errMsg)
			}
			return true
		}
	}
	return false
}

func stringList(v any) []string {
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
