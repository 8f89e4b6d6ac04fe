package session

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
	"cockpit/internal/events"
	"cockpit/internal/logging"
)

type fakeAdapter struct {
	mu              sync.Mutex
	sessions        []cdp.SessionInfo
	transcripts     map[string][]cdp.Message
	transcriptCalls int
	archived        []string
	switched        []string
	archiveErr      error
}

func (f *fakeAdapter) AvailabilityCheck(context.Context) (bool, string) { return true, "page" }

func (f *fakeAdapter) ListConversations(context.Context) ([]cdp.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]cdp.SessionInfo, len(f.sessions))
	copy(out, f.sessions)
	return out, nil
}

func (f *fakeAdapter) GetTranscript(_ context.Context, id string) ([]cdp.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcriptCalls++
	msgs, ok := f.transcripts[id]
	if !ok {
		return nil, cerrors.New(cerrors.NotFound, "conversation %s not found", id)
	}
	return msgs, nil
}

func (f *fakeAdapter) StartNewSession(_ context.Context, cwd, _ string, _ cdp.StartOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("conv-%d", len(f.sessions)+1)
	f.sessions = append(f.sessions, cdp.SessionInfo{ID: id, CWD: cwd, LastActivity: time.Now()})
	return id, nil
}

func (f *fakeAdapter) ArchiveSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.archiveErr != nil {
		return f.archiveErr
	}
	f.archived = append(f.archived, id)
	return nil
}

func (f *fakeAdapter) SwitchSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switched = append(f.switched, id)
	return nil
}

func (f *fakeAdapter) SendText(context.Context, string, string) error { return nil }

func (f *fakeAdapter) PasteText(context.Context, string, string) error { return nil }

func (f *fakeAdapter) PendingPermissions(context.Context) ([]cdp.PendingPermission, error) {
	return nil, nil
}

func (f *fakeAdapter) PendingQuestions(context.Context) ([]cdp.PendingQuestion, error) {
	return nil, nil
}

func (f *fakeAdapter) RespondPermission(context.Context, string, string, map[string]any) error {
	return nil
}

func (f *fakeAdapter) RespondQuestion(context.Context, string, []string) error { return nil }

func newTestCoordinator(adapter *fakeAdapter) (*Coordinator, *events.Bus) {
	bus := events.NewBus(logging.Nop())
	injector := InjectorFunc(func(context.Context, string, string) error { return nil })
	return New(Config{}, adapter, injector, bus, logging.Nop()), bus
}

func collect(ch <-chan events.Event, n int, timeout time.Duration) []events.Event {
	var out []events.Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestRefreshEdgeTriggeredStatus(t *testing.T) {
	adapter := &fakeAdapter{sessions: []cdp.SessionInfo{{ID: "conv-1", Thinking: true}}}
	c, bus := newTestCoordinator(adapter)
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	require.NoError(t, c.Refresh(context.Background()))
	evs := collect(ch, 1, time.Second)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeSessionCreated, evs[0].Type)

	// Same state again: no broadcast.
	require.NoError(t, c.Refresh(context.Background()))
	assert.Empty(t, collect(ch, 1, 50*time.Millisecond))

	adapter.mu.Lock()
	adapter.sessions[0].Thinking = false
	adapter.sessions[0].PromptVisible = true
	adapter.mu.Unlock()

	require.NoError(t, c.Refresh(context.Background()))
	evs = collect(ch, 1, time.Second)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeSessionStatusChanged, evs[0].Type)
	assert.Equal(t, string(StatusThinking), evs[0].Data["from"])
	assert.Equal(t, string(StatusWaitingInput), evs[0].Data["to"])
}

func TestListFiltersHiddenConversations(t *testing.T) {
	adapter := &fakeAdapter{sessions: []cdp.SessionInfo{
		{ID: "conv-1", LastActivity: time.Now()},
		{ID: HiddenPrefix + "orch1_t1", LastActivity: time.Now().Add(time.Second)},
	}}
	c, _ := newTestCoordinator(adapter)
	require.NoError(t, c.Refresh(context.Background()))

	visible := c.List(false)
	require.Len(t, visible, 1)
	assert.Equal(t, "conv-1", visible[0].ID)

	all := c.List(true)
	require.Len(t, all, 2)
	assert.True(t, all[0].Hidden)
}

func TestGetPaginatesFromEnd(t *testing.T) {
	msgs := make([]cdp.Message, 10)
	for i := range msgs {
		msgs[i] = cdp.Message{Role: cdp.RoleUser, Content: fmt.Sprintf("m%d", i)}
	}
	adapter := &fakeAdapter{
		sessions:    []cdp.SessionInfo{{ID: "conv-1"}},
		transcripts: map[string][]cdp.Message{"conv-1": msgs},
	}
	c, _ := newTestCoordinator(adapter)
	require.NoError(t, c.Refresh(context.Background()))

	detail, _, err := c.Get(context.Background(), "conv-1", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 10, detail.TotalMessages)
	require.Len(t, detail.Messages, 3)
	assert.Equal(t, "m5", detail.Messages[0].Content)
	assert.Equal(t, "m7", detail.Messages[2].Content)
}

func TestGetReadThroughCache(t *testing.T) {
	adapter := &fakeAdapter{
		sessions:    []cdp.SessionInfo{{ID: "conv-1"}},
		transcripts: map[string][]cdp.Message{"conv-1": {{Role: cdp.RoleUser, Content: "hi"}}},
	}
	c, _ := newTestCoordinator(adapter)
	require.NoError(t, c.Refresh(context.Background()))

	_, cached, err := c.Get(context.Background(), "conv-1", 0, 10)
	require.NoError(t, err)
	assert.False(t, cached)

	_, cached, err = c.Get(context.Background(), "conv-1", 0, 10)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, 1, adapter.transcriptCalls)

	// A local mutation invalidates the cache.
	require.NoError(t, c.SendMessage(context.Background(), "conv-1", "hello"))
	_, cached, err = c.Get(context.Background(), "conv-1", 0, 10)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 2, adapter.transcriptCalls)
}

func TestGetUnknownConversation(t *testing.T) {
	adapter := &fakeAdapter{transcripts: map[string][]cdp.Message{}}
	c, _ := newTestCoordinator(adapter)

	_, _, err := c.Get(context.Background(), "missing", 0, 10)
	require.Error(t, err)
	assert.Equal(t, cerrors.NotFound, cerrors.KindOf(err))
}

func TestArchiveIdempotent(t *testing.T) {
	adapter := &fakeAdapter{archiveErr: cerrors.New(cerrors.NotFound, "already gone")}
	c, _ := newTestCoordinator(adapter)

	assert.NoError(t, c.Archive(context.Background(), "conv-1"))
}

func TestCreateRecordsConversation(t *testing.T) {
	adapter := &fakeAdapter{}
	c, _ := newTestCoordinator(adapter)

	id, err := c.Create(context.Background(), "/tmp/proj", "hello", cdp.StartOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	list := c.List(false)
	require.Len(t, list, 1)
	assert.Equal(t, "/tmp/proj", list[0].CWD)
}

func TestSwitchSerializedAndBroadcast(t *testing.T) {
	adapter := &fakeAdapter{sessions: []cdp.SessionInfo{{ID: "conv-1"}}}
	c, bus := newTestCoordinator(adapter)
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	require.NoError(t, c.Switch(context.Background(), "conv-1"))
	evs := collect(ch, 1, time.Second)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeSessionSwitched, evs[0].Type)
	assert.Equal(t, []string{"conv-1"}, adapter.switched)
}
