package broker

import (
	"context"
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
	cdp.API

	mu          sync.Mutex
	permissions []cdp.PendingPermission
	questions   []cdp.PendingQuestion
	responded   []string
	answered    []string
}

func (f *fakeAdapter) PendingPermissions(context.Context) ([]cdp.PendingPermission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cdp.PendingPermission(nil), f.permissions...), nil
}

func (f *fakeAdapter) PendingQuestions(context.Context) ([]cdp.PendingQuestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cdp.PendingQuestion(nil), f.questions...), nil
}

func (f *fakeAdapter) RespondPermission(_ context.Context, requestID, decision string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responded = append(f.responded, requestID+":"+decision)
	return nil
}

func (f *fakeAdapter) RespondQuestion(_ context.Context, questionID string, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, questionID)
	return nil
}

func newTestBroker(adapter *fakeAdapter) (*Broker, *events.Bus) {
	bus := events.NewBus(logging.Nop())
	return New(Config{}, adapter, bus, logging.Nop()), bus
}

func TestRefreshDiscoversAndDrops(t *testing.T) {
	adapter := &fakeAdapter{permissions: []cdp.PendingPermission{
		{ID: "p1", ConversationID: "conv-1", Tool: "Bash", Risk: "high", CreatedAt: time.Now()},
	}}
	b, bus := newTestBroker(adapter)
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	require.NoError(t, b.Refresh(context.Background()))
	require.Len(t, b.Pending(), 1)

	select {
	case ev := <-ch:
		assert.Equal(t, events.TypePermissionPending, ev.Type)
		assert.Equal(t, "p1", ev.Data["requestId"])
	case <-time.After(time.Second):
		t.Fatal("no pending event")
	}

	// Rediscovery of the same item does not re-broadcast.
	require.NoError(t, b.Refresh(context.Background()))
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}

	// The assistant resolved it out of band: it vanishes from the snapshot.
	adapter.mu.Lock()
	adapter.permissions = nil
	adapter.mu.Unlock()
	require.NoError(t, b.Refresh(context.Background()))
	assert.Empty(t, b.Pending())
}

func TestExpiredPermissionsSwept(t *testing.T) {
	adapter := &fakeAdapter{permissions: []cdp.PendingPermission{
		{ID: "p1", ExpiresAt: time.Now().Add(-time.Minute)},
		{ID: "p2", ExpiresAt: time.Now().Add(time.Minute)},
	}}
	b, _ := newTestBroker(adapter)

	require.NoError(t, b.Refresh(context.Background()))
	pending := b.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "p2", pending[0].ID)
}

func TestRespondDispatchesAndRemoves(t *testing.T) {
	adapter := &fakeAdapter{permissions: []cdp.PendingPermission{
		{ID: "p1", ConversationID: "conv-1"},
	}}
	b, bus := newTestBroker(adapter)
	require.NoError(t, b.Refresh(context.Background()))

	ch, cancel := bus.Subscribe(16)
	defer cancel()

	require.NoError(t, b.Respond(context.Background(), "p1", DecisionAllowOnce, nil))
	assert.Equal(t, []string{"p1:allow_once"}, adapter.responded)
	assert.Empty(t, b.Pending())

	select {
	case ev := <-ch:
		assert.Equal(t, events.TypePermissionResponded, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no responded event")
	}
}

func TestRespondValidation(t *testing.T) {
	adapter := &fakeAdapter{permissions: []cdp.PendingPermission{{ID: "p1"}}}
	b, _ := newTestBroker(adapter)
	require.NoError(t, b.Refresh(context.Background()))

	err := b.Respond(context.Background(), "p1", "maybe", nil)
	assert.Equal(t, cerrors.Validation, cerrors.KindOf(err))

	err = b.Respond(context.Background(), "missing", DecisionDeny, nil)
	assert.Equal(t, cerrors.NotFound, cerrors.KindOf(err))
}

func TestRespondQuestion(t *testing.T) {
	adapter := &fakeAdapter{questions: []cdp.PendingQuestion{
		{ID: "q1", ConversationID: "conv-1", Prompt: "pick one", Options: []string{"a", "b"}},
	}}
	b, _ := newTestBroker(adapter)
	require.NoError(t, b.Refresh(context.Background()))

	err := b.RespondQuestion(context.Background(), "q1", nil)
	assert.Equal(t, cerrors.Validation, cerrors.KindOf(err))

	require.NoError(t, b.RespondQuestion(context.Background(), "q1", []string{"a"}))
	assert.Equal(t, []string{"q1"}, adapter.answered)
	assert.Empty(t, b.PendingQuestions())
}
