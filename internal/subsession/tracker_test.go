package subsession

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cockpit/internal/cdp"
	cerrors "cockpit/internal/errors"
	"cockpit/internal/logging"
)

type fakeAdapter struct {
	cdp.API

	mu          sync.Mutex
	sessions    []cdp.SessionInfo
	transcripts map[string][]cdp.Message
}

func (f *fakeAdapter) ListConversations(context.Context) ([]cdp.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cdp.SessionInfo(nil), f.sessions...), nil
}

func (f *fakeAdapter) GetTranscript(_ context.Context, id string) ([]cdp.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cdp.Message(nil), f.transcripts[id]...), nil
}

type recordingInjector struct {
	mu    sync.Mutex
	sent  []string
	fail  bool
	convs []string
}

func (r *recordingInjector) Inject(_ context.Context, conversationID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return cerrors.New(cerrors.Unavailable, "injection down")
	}
	r.convs = append(r.convs, conversationID)
	r.sent = append(r.sent, text)
	return nil
}

func newTestTracker(adapter *fakeAdapter, injector *recordingInjector) *Tracker {
	cfg := Config{
		PollInterval:    5 * time.Millisecond,
		CompletingAfter: 30 * time.Millisecond,
		CompletedAfter:  20 * time.Millisecond,
		AutoLinkWindow:  50 * time.Millisecond,
	}
	return New(cfg, adapter, injector, nil, logging.Nop())
}

func scanUntil(t *testing.T, tr *Tracker, childID string, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tr.Scan(context.Background())
		for _, link := range tr.List() {
			if link.ChildID == childID && link.Status == want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("link %s never reached %s", childID, want)
}

func TestInactivityLiftsResultIntoParent(t *testing.T) {
	adapter := &fakeAdapter{
		sessions: []cdp.SessionInfo{{ID: "parent"}, {ID: "child"}},
		transcripts: map[string][]cdp.Message{
			"child": {
				{Role: cdp.RoleUser, Content: "do the subtask"},
				{Role: cdp.RoleAssistant, Content: "subtask finished: report written"},
			},
		},
	}
	injector := &recordingInjector{}
	tr := newTestTracker(adapter, injector)

	_, err := tr.Link("child", "parent", "tool-1")
	require.NoError(t, err)

	scanUntil(t, tr, "child", StatusReturned)

	injector.mu.Lock()
	defer injector.mu.Unlock()
	require.Len(t, injector.sent, 1)
	assert.Equal(t, []string{"parent"}, injector.convs)
	assert.True(t, strings.HasPrefix(injector.sent[0], ResultMarker))
	assert.Contains(t, injector.sent[0], "subtask finished: report written")
}

func TestActivityResetsCompleting(t *testing.T) {
	adapter := &fakeAdapter{
		sessions:    []cdp.SessionInfo{{ID: "parent"}, {ID: "child"}},
		transcripts: map[string][]cdp.Message{"child": {{Role: cdp.RoleAssistant, Content: "part 1"}}},
	}
	tr := newTestTracker(adapter, &recordingInjector{})

	_, err := tr.Link("child", "parent", "")
	require.NoError(t, err)
	scanUntil(t, tr, "child", StatusCompleting)

	// Fresh output moves the link back to active.
	adapter.mu.Lock()
	adapter.transcripts["child"] = append(adapter.transcripts["child"],
		cdp.Message{Role: cdp.RoleAssistant, Content: "part 2"})
	adapter.mu.Unlock()

	tr.Scan(context.Background())
	links := tr.List()
	require.Len(t, links, 1)
	assert.Equal(t, StatusActive, links[0].Status)
}

func TestOrphanedWhenParentGone(t *testing.T) {
	adapter := &fakeAdapter{
		sessions:    []cdp.SessionInfo{{ID: "child"}},
		transcripts: map[string][]cdp.Message{"child": {{Role: cdp.RoleAssistant, Content: "done"}}},
	}
	injector := &recordingInjector{}
	tr := newTestTracker(adapter, injector)

	_, err := tr.Link("child", "parent", "")
	require.NoError(t, err)

	scanUntil(t, tr, "child", StatusOrphaned)
	assert.Empty(t, injector.sent)
}

func TestInjectionFailureMarksError(t *testing.T) {
	adapter := &fakeAdapter{
		sessions:    []cdp.SessionInfo{{ID: "parent"}, {ID: "child"}},
		transcripts: map[string][]cdp.Message{"child": {{Role: cdp.RoleAssistant, Content: "done"}}},
	}
	tr := newTestTracker(adapter, &recordingInjector{fail: true})

	_, err := tr.Link("child", "parent", "")
	require.NoError(t, err)

	scanUntil(t, tr, "child", StatusError)
}

func TestAutoLinkWithinWindow(t *testing.T) {
	adapter := &fakeAdapter{sessions: []cdp.SessionInfo{{ID: "parent"}}}
	tr := newTestTracker(adapter, &recordingInjector{})

	// Prime the seen set, then announce a spawn and surface a new child.
	tr.Scan(context.Background())
	tr.NoteParentSpawn("parent")

	adapter.mu.Lock()
	adapter.sessions = append(adapter.sessions, cdp.SessionInfo{ID: "child"})
	adapter.mu.Unlock()

	tr.Scan(context.Background())
	links := tr.List()
	require.Len(t, links, 1)
	assert.Equal(t, "child", links[0].ChildID)
	assert.Equal(t, "parent", links[0].ParentID)
}

func TestLinkValidation(t *testing.T) {
	tr := newTestTracker(&fakeAdapter{}, &recordingInjector{})

	_, err := tr.Link("", "parent", "")
	assert.Equal(t, cerrors.Validation, cerrors.KindOf(err))

	_, err = tr.Link("child", "parent", "")
	require.NoError(t, err)
	_, err = tr.Link("child", "other", "")
	assert.Equal(t, cerrors.Conflict, cerrors.KindOf(err))

	require.NoError(t, tr.Unlink("child"))
	assert.Equal(t, cerrors.NotFound, cerrors.KindOf(tr.Unlink("child")))
}
