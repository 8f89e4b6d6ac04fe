package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cockpit/internal/cdp"
	cerrors "cockpit/internal/errors"
	"cockpit/internal/logging"
	"cockpit/internal/parser"
)

type fakeAdapter struct {
	cdp.API

	mu          sync.Mutex
	transcripts map[string][]cdp.Message
	prompts     []string
	spawnErr    error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{transcripts: make(map[string][]cdp.Message)}
}

func (f *fakeAdapter) StartNewSession(_ context.Context, _, firstMessage string, _ cdp.StartOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return "", f.spawnErr
	}
	f.prompts = append(f.prompts, firstMessage)
	return "", nil
}

func (f *fakeAdapter) GetTranscript(_ context.Context, id string) ([]cdp.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cdp.Message(nil), f.transcripts[id]...), nil
}

func (f *fakeAdapter) ArchiveSession(context.Context, string) error { return nil }

func (f *fakeAdapter) setTranscript(id string, msgs ...cdp.Message) {
	f.mu.Lock()
	f.transcripts[id] = msgs
	f.mu.Unlock()
}

func completionMsg(taskID, status, summary string) cdp.Message {
	body := fmt.Sprintf(`{"phase":"completion","data":{"task_id":%q,"status":%q,"summary":%q,"files":["out.go"]}}`,
		taskID, status, summary)
	return cdp.Message{
		Role:    cdp.RoleAssistant,
		Content: parser.DefaultStartDelimiter + "\n" + body + "\n" + parser.DefaultEndDelimiter,
	}
}

func newTestPool(t *testing.T, cfg Config, adapter *fakeAdapter) *Pool {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	p := NewPool(cfg, adapter, parser.New("", ""), nil, logging.Nop())
	t.Cleanup(p.Close)
	return p
}

func TestSpawnSubstitutesPromptAndCompletes(t *testing.T) {
	adapter := newFakeAdapter()
	pool := newTestPool(t, Config{WorkerTimeout: 5 * time.Second}, adapter)

	task := Task{ID: "t1", Title: "docs pass", Description: "update the docs"}
	id, err := pool.Spawn("orch1", task, "/tmp/proj", "Do {TASK_TITLE} ({TASK_ID}) in {CWD}", map[string]any{"CWD": "/tmp/proj"})
	require.NoError(t, err)
	assert.Equal(t, cdp.HiddenConversationPrefix+"orch1_t1", id)

	adapter.setTranscript(id, completionMsg("t1", "success", "done"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w, err := pool.WaitTerminal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, w.Status)
	assert.Equal(t, "done", w.Output)
	assert.Equal(t, []string{"out.go"}, w.OutputFiles)
	assert.Equal(t, 100, w.Progress)

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	require.Len(t, adapter.prompts, 1)
	assert.Equal(t, "Do docs pass (t1) in /tmp/proj", adapter.prompts[0])
}

func TestMaxWorkersOneSerializes(t *testing.T) {
	adapter := newFakeAdapter()
	pool := newTestPool(t, Config{MaxWorkers: 1, WorkerTimeout: 5 * time.Second}, adapter)

	aID, err := pool.Spawn("orch1", Task{ID: "a"}, "/tmp", "go", nil)
	require.NoError(t, err)
	bID, err := pool.Spawn("orch1", Task{ID: "b"}, "/tmp", "go", nil)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	b, err := pool.Get(bID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, b.Status)

	adapter.setTranscript(aID, completionMsg("a", "success", "first"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = pool.WaitTerminal(ctx, aID)
	require.NoError(t, err)

	adapter.setTranscript(bID, completionMsg("b", "success", "second"))
	w, err := pool.WaitTerminal(ctx, bID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, w.Status)
}

func TestWorkerTimeoutZero(t *testing.T) {
	adapter := newFakeAdapter()
	pool := newTestPool(t, Config{WorkerTimeout: 0}, adapter)

	id, err := pool.Spawn("orch1", Task{ID: "t1"}, "/tmp", "go", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w, err := pool.WaitTerminal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateTimeout, w.Status)
}

func TestRetryBudget(t *testing.T) {
	adapter := newFakeAdapter()
	pool := newTestPool(t, Config{WorkerTimeout: 5 * time.Second, MaxRetries: 1}, adapter)

	id, err := pool.Spawn("orch1", Task{ID: "t1"}, "/tmp", "go", nil)
	require.NoError(t, err)
	adapter.setTranscript(id, completionMsg("t1", "failed", ""))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w, err := pool.WaitTerminal(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateFailed, w.Status)

	// One retry fits the budget; it fails again the same way.
	require.NoError(t, pool.Retry(id))
	w, err = pool.WaitTerminal(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateFailed, w.Status)
	assert.Equal(t, 1, w.RetryCount)

	err = pool.Retry(id)
	require.Error(t, err)
	assert.Equal(t, cerrors.Conflict, cerrors.KindOf(err))
}

func TestAutoRetryOnError(t *testing.T) {
	adapter := newFakeAdapter()
	pool := newTestPool(t, Config{WorkerTimeout: 5 * time.Second, MaxRetries: 2, RetryOnError: true}, adapter)

	id, err := pool.Spawn("orch1", Task{ID: "t1"}, "/tmp", "go", nil)
	require.NoError(t, err)
	adapter.setTranscript(id, completionMsg("t1", "failed", ""))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	w, err := pool.WaitTerminal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, w.Status)
	assert.Equal(t, 2, w.RetryCount)
}

func TestCancelPendingWorker(t *testing.T) {
	adapter := newFakeAdapter()
	pool := newTestPool(t, Config{MaxWorkers: 1, WorkerTimeout: 5 * time.Second}, adapter)

	_, err := pool.Spawn("orch1", Task{ID: "a"}, "/tmp", "go", nil)
	require.NoError(t, err)
	bID, err := pool.Spawn("orch1", Task{ID: "b"}, "/tmp", "go", nil)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, pool.Cancel(context.Background(), bID))

	b, err := pool.Get(bID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, b.Status)
}

func TestCancelRunningWorker(t *testing.T) {
	adapter := newFakeAdapter()
	pool := newTestPool(t, Config{WorkerTimeout: 5 * time.Second}, adapter)

	id, err := pool.Spawn("orch1", Task{ID: "t1"}, "/tmp", "go", nil)
	require.NoError(t, err)
	adapter.setTranscript(id, cdp.Message{Role: cdp.RoleAssistant, Content: "working"})

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, pool.Cancel(context.Background(), id))

	w, err := pool.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, w.Status)
}

func TestToolUseCounters(t *testing.T) {
	adapter := newFakeAdapter()
	pool := newTestPool(t, Config{WorkerTimeout: 5 * time.Second}, adapter)

	id, err := pool.Spawn("orch1", Task{ID: "t1"}, "/tmp", "go", nil)
	require.NoError(t, err)
	adapter.setTranscript(id,
		cdp.Message{Role: cdp.RoleToolAction, Content: "Read main.go"},
		cdp.Message{Role: cdp.RoleToolAction, Content: "Read util.go then Edit util.go"},
		completionMsg("t1", "success", "done"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w, err := pool.WaitTerminal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, w.ToolUses["Read"])
	assert.Equal(t, 1, w.ToolUses["Edit"])
}

func TestSpawnConflictWhileLive(t *testing.T) {
	adapter := newFakeAdapter()
	pool := newTestPool(t, Config{WorkerTimeout: 5 * time.Second}, adapter)

	_, err := pool.Spawn("orch1", Task{ID: "t1"}, "/tmp", "go", nil)
	require.NoError(t, err)

	_, err = pool.Spawn("orch1", Task{ID: "t1"}, "/tmp", "go", nil)
	require.Error(t, err)
	assert.Equal(t, cerrors.Conflict, cerrors.KindOf(err))
}
