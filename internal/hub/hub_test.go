package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "cockpit/internal/errors"
	"cockpit/internal/events"
	"cockpit/internal/gate"
	"cockpit/internal/logging"
)

type fakeValidator struct {
	enabled bool
	valid   map[string]bool
	expired map[string]bool
}

func (f *fakeValidator) Enabled() bool { return f.enabled }

func (f *fakeValidator) Validate(token, source string) error {
	if f.expired[token] {
		return cerrors.Wrap(cerrors.Unauthenticated, gate.ErrTokenExpired, "token from %s", source)
	}
	if f.valid[token] {
		return nil
	}
	return cerrors.New(cerrors.Unauthenticated, "unknown session token")
}

func newTestHub(t *testing.T, v Validator) (*Hub, *httptest.Server) {
	t.Helper()
	h := New(Config{HeartbeatInterval: time.Hour}, v, events.NewBus(logging.Nop()), nil, logging.Nop())
	srv := httptest.NewServer(http.HandlerFunc(h.Handle))
	t.Cleanup(func() {
		h.Shutdown()
		srv.Close()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func waitClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count never reached %d (have %d)", want, h.ClientCount())
}

func TestConnectedGreetingAndFanOut(t *testing.T) {
	h, srv := newTestHub(t, &fakeValidator{enabled: true, valid: map[string]bool{"tok": true}})

	c1 := dial(t, srv, "tok")
	c2 := dial(t, srv, "tok")

	g1 := readEvent(t, c1)
	assert.Equal(t, events.TypeConnected, g1["type"])
	assert.Equal(t, true, g1["authenticated"])
	assert.NotEmpty(t, g1["clientId"])
	assert.NotEmpty(t, g1["timestamp"])
	readEvent(t, c2)

	waitClients(t, h, 2)
	h.Broadcast(events.New(events.TypeSessionCreated, map[string]any{"id": "s1"}))

	for _, conn := range []*websocket.Conn{c1, c2} {
		ev := readEvent(t, conn)
		assert.Equal(t, events.TypeSessionCreated, ev["type"])
		assert.Equal(t, "s1", ev["id"])
	}
}

func TestUnauthenticatedReceivesOnlySecurityEvents(t *testing.T) {
	h, srv := newTestHub(t, &fakeValidator{enabled: true})

	conn := dial(t, srv, "")
	greeting := readEvent(t, conn)
	assert.Equal(t, false, greeting["authenticated"])

	waitClients(t, h, 1)
	h.Broadcast(events.New(events.TypeSessionCreated, map[string]any{"id": "s1"}))
	h.Broadcast(events.New(events.TypeSecurityIPBlocked, map[string]any{"source": "1.2.3.4"}))

	ev := readEvent(t, conn)
	assert.Equal(t, events.TypeSecurityIPBlocked, ev["type"])
	assert.Equal(t, "1.2.3.4", ev["source"])
}

func TestInvalidTokenClosesWith4001(t *testing.T) {
	_, srv := newTestHub(t, &fakeValidator{enabled: true})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=bogus"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, CloseUnauthenticated), "want close %d, got %v", CloseUnauthenticated, err)
}

func TestExpiredTokenClosesWith4002(t *testing.T) {
	_, srv := newTestHub(t, &fakeValidator{enabled: true, expired: map[string]bool{"old": true}})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=old"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, CloseTokenExpired), "want close %d, got %v", CloseTokenExpired, err)
}

func TestGateDisabledSkipsTokenCheck(t *testing.T) {
	h, srv := newTestHub(t, &fakeValidator{enabled: false})

	conn := dial(t, srv, "")
	greeting := readEvent(t, conn)
	assert.Equal(t, true, greeting["authenticated"])
	waitClients(t, h, 1)
}

func TestUsageSnapshotInGreeting(t *testing.T) {
	usage := func() map[string]any { return map[string]any{"sessions": 3} }
	h := New(Config{HeartbeatInterval: time.Hour}, &fakeValidator{enabled: false}, events.NewBus(logging.Nop()), usage, logging.Nop())
	srv := httptest.NewServer(http.HandlerFunc(h.Handle))
	t.Cleanup(func() {
		h.Shutdown()
		srv.Close()
	})

	conn := dial(t, srv, "")
	greeting := readEvent(t, conn)
	snapshot, ok := greeting["usage"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3), snapshot["sessions"])
}

func TestHeartbeatSweepDropsSilentClient(t *testing.T) {
	h, srv := newTestHub(t, &fakeValidator{enabled: false})

	conn := dial(t, srv, "")
	readEvent(t, conn)
	waitClients(t, h, 1)

	// First sweep clears the liveness mark, second drops the silent peer.
	h.sweep()
	h.sweep()
	waitClients(t, h, 0)
}

func TestPongMarksClientAlive(t *testing.T) {
	h, srv := newTestHub(t, &fakeValidator{enabled: false})

	conn := dial(t, srv, "")
	readEvent(t, conn)
	waitClients(t, h, 1)

	h.sweep()
	require.NoError(t, conn.WriteJSON(map[string]string{"type": events.TypePong}))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		alive := false
		for _, c := range h.clients {
			alive = c.alive
		}
		h.mu.Unlock()
		if alive {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.sweep()
	assert.Equal(t, 1, h.ClientCount())
}

func TestShutdownBroadcastsAndDisconnects(t *testing.T) {
	h, srv := newTestHub(t, &fakeValidator{enabled: false})

	conn := dial(t, srv, "")
	readEvent(t, conn)
	waitClients(t, h, 1)

	h.Shutdown()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	sawShutdown := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var doc map[string]any
		if json.Unmarshal(data, &doc) == nil && doc["type"] == events.TypeShutdown {
			sawShutdown = true
		}
	}
	assert.True(t, sawShutdown)
	assert.Equal(t, 0, h.ClientCount())
	srv.Close()
}
