package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cockpit/internal/broker"
	"cockpit/internal/cdp"
	"cockpit/internal/config"
	"cockpit/internal/events"
	"cockpit/internal/gate"
	"cockpit/internal/hub"
	"cockpit/internal/inject"
	"cockpit/internal/logging"
	"cockpit/internal/orchestrator"
	"cockpit/internal/parser"
	"cockpit/internal/session"
	"cockpit/internal/subsession"
	"cockpit/internal/template"
	"cockpit/internal/worker"
)

type fakeAdapter struct {
	cdp.API

	mu       sync.Mutex
	sessions []cdp.SessionInfo
	sent     []string
}

func (f *fakeAdapter) AvailabilityCheck(context.Context) (bool, string) {
	return true, ""
}

func (f *fakeAdapter) ListConversations(context.Context) ([]cdp.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cdp.SessionInfo(nil), f.sessions...), nil
}

func (f *fakeAdapter) GetTranscript(_ context.Context, id string) ([]cdp.Message, error) {
	return []cdp.Message{{Role: cdp.RoleAssistant, Content: "hello from " + id}}, nil
}

func (f *fakeAdapter) SendText(_ context.Context, conversationID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeAdapter) PasteText(context.Context, string, string) error { return nil }

func (f *fakeAdapter) StartNewSession(context.Context, string, string, cdp.StartOptions) (string, error) {
	return "conv-new", nil
}

func (f *fakeAdapter) ArchiveSession(context.Context, string) error { return nil }
func (f *fakeAdapter) SwitchSession(context.Context, string) error  { return nil }

func (f *fakeAdapter) PendingPermissions(context.Context) ([]cdp.PendingPermission, error) {
	return nil, nil
}

func (f *fakeAdapter) PendingQuestions(context.Context) ([]cdp.PendingQuestion, error) {
	return nil, nil
}

type convGlue struct {
	adapter cdp.API
}

func (g convGlue) Create(ctx context.Context, cwd, firstMessage string, opts cdp.StartOptions) (string, error) {
	return g.adapter.StartNewSession(ctx, cwd, firstMessage, opts)
}

func (g convGlue) SendMessage(ctx context.Context, conversationID, text string) error {
	return g.adapter.SendText(ctx, conversationID, text)
}

func (g convGlue) Transcript(ctx context.Context, conversationID string) ([]cdp.Message, error) {
	return g.adapter.GetTranscript(ctx, conversationID)
}

func newTestServer(t *testing.T, pin string) (*Server, *fakeAdapter) {
	t.Helper()

	adapter := &fakeAdapter{sessions: []cdp.SessionInfo{{ID: "conv-1", Title: "First"}}}
	bus := events.NewBus(logging.Nop())
	g := gate.New(gate.Config{PIN: pin}, bus, logging.Nop())
	h := hub.New(hub.Config{}, g, bus, nil, logging.Nop())
	t.Cleanup(h.Shutdown)

	injector := inject.NewEngine(inject.Config{}, adapter, bus, logging.Nop())
	sessions := session.New(session.Config{}, adapter, session.InjectorFunc(
		func(ctx context.Context, conversationID, text string) error {
			_, err := injector.Inject(ctx, conversationID, text)
			return err
		}), bus, logging.Nop())
	t.Cleanup(sessions.Close)

	b := broker.New(broker.Config{}, adapter, bus, logging.Nop())
	t.Cleanup(b.Close)

	systemDir := t.TempDir()
	seed, err := os.ReadFile(filepath.Join("..", "..", "templates", "system", "_default.json"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(systemDir, "_default.json"), seed, 0o644))
	store, err := template.NewStore(systemDir, filepath.Join(t.TempDir(), "user"), logging.Nop())
	require.NoError(t, err)
	t.Cleanup(store.Close)

	engine, err := orchestrator.NewEngine(
		orchestrator.Config{DataDir: t.TempDir()},
		convGlue{adapter: adapter},
		store,
		func(cfg worker.Config) *worker.Pool {
			return worker.NewPool(cfg, adapter, parser.New("", ""), bus, logging.Nop())
		},
		bus, nil, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	tracker := subsession.New(subsession.Config{}, adapter, session.InjectorFunc(
		func(ctx context.Context, conversationID, text string) error {
			_, err := injector.Inject(ctx, conversationID, text)
			return err
		}), bus, logging.Nop())
	t.Cleanup(tracker.Close)

	srv := New(Deps{
		Config:        (&config.Config{}).WithDefaults(),
		Adapter:       adapter,
		Gate:          g,
		Limiter:       gate.NewRateLimiter(),
		Hub:           h,
		Injector:      injector,
		Sessions:      sessions,
		Broker:        b,
		Templates:     store,
		Orchestrators: engine,
		Subsessions:   tracker,
		Logger:        logging.Nop(),
	})
	return srv, adapter
}

type envelope struct {
	Success           bool            `json:"success"`
	Error             string          `json:"error"`
	Message           string          `json:"message"`
	Token             string          `json:"token"`
	Blocked           bool            `json:"blocked"`
	AttemptsRemaining int             `json:"attemptsRemaining"`
	Template          json.RawMessage `json:"template"`
	Session           json.RawMessage `json:"session"`
}

func do(t *testing.T, srv *Server, method, path, token, source string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if source != "" {
		req.Header.Set("X-Real-Ip", source)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	var env envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

func TestLoginHappyPath(t *testing.T) {
	srv, _ := newTestServer(t, "654321")

	rec, env := do(t, srv, http.MethodPost, "/api/auth/login", "", "10.0.0.1", map[string]string{"pin": "654321"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.Regexp(t, regexp.MustCompile("^[0-9a-f]{64}$"), env.Token)

	rec, _ = do(t, srv, http.MethodGet, "/api/sessions", env.Token, "10.0.0.1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, srv, http.MethodGet, "/api/sessions", env.Token, "10.0.0.99", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBruteForceLockout(t *testing.T) {
	srv, _ := newTestServer(t, "111111")

	var env envelope
	var rec *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		rec, env = do(t, srv, http.MethodPost, "/api/auth/login", "", "10.0.0.5", map[string]string{"pin": "000000"})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	assert.True(t, env.Blocked)
	assert.Equal(t, 0, env.AttemptsRemaining)

	rec, env = do(t, srv, http.MethodPost, "/api/auth/login", "", "10.0.0.5", map[string]string{"pin": "111111"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.True(t, env.Blocked)
}

func TestBlockedSourceLosesTokenAccess(t *testing.T) {
	srv, _ := newTestServer(t, "654321")
	token := login(t, srv, "654321", "10.0.0.7")

	for i := 0; i < 3; i++ {
		rec, _ := do(t, srv, http.MethodPost, "/api/auth/login", "", "10.0.0.7", map[string]string{"pin": "000000"})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec, env := do(t, srv, http.MethodGet, "/api/sessions", token, "10.0.0.7", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", env.Error)
}

func TestMissingTokenRejected(t *testing.T) {
	srv, _ := newTestServer(t, "654321")

	rec, env := do(t, srv, http.MethodGet, "/api/sessions", "", "10.0.0.1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, env.Success)
	assert.Equal(t, "unauthenticated", env.Error)
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, _ := newTestServer(t, "654321")

	rec, env := do(t, srv, http.MethodGet, "/api/health", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
}

func login(t *testing.T, srv *Server, pin, source string) string {
	t.Helper()
	rec, env := do(t, srv, http.MethodPost, "/api/auth/login", "", source, map[string]string{"pin": pin})
	require.Equal(t, http.StatusOK, rec.Code)
	return env.Token
}

func TestTemplateInheritanceThroughAPI(t *testing.T) {
	srv, _ := newTestServer(t, "654321")
	token := login(t, srv, "654321", "10.0.0.1")

	rec, _ := do(t, srv, http.MethodPost, "/api/orchestrator/templates", token, "10.0.0.1", map[string]any{
		"id":      "docs",
		"name":    "Docs",
		"extends": "_default",
		"config":  map[string]any{"maxWorkers": 8},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := do(t, srv, http.MethodGet, "/api/orchestrator/templates/docs?resolved=true", token, "10.0.0.1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var tpl template.Template
	require.NoError(t, json.Unmarshal(env.Template, &tpl))
	assert.Equal(t, 8, tpl.Config.MaxWorkers)
	assert.Equal(t, "<<<ORCHESTRATOR_RESPONSE>>>", tpl.Delimiters.Start)
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	srv, _ := newTestServer(t, "654321")
	token := login(t, srv, "654321", "10.0.0.1")

	rec, env := do(t, srv, http.MethodGet, "/api/session/nope", token, "10.0.0.1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", env.Error)
}

func TestSessionDetailCacheHeader(t *testing.T) {
	srv, _ := newTestServer(t, "654321")
	token := login(t, srv, "654321", "10.0.0.1")

	rec, _ := do(t, srv, http.MethodGet, "/api/session/conv-1", token, "10.0.0.1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "false", rec.Header().Get("X-Cache-Hit"))

	rec, _ = do(t, srv, http.MethodGet, "/api/session/conv-1", token, "10.0.0.1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("X-Cache-Hit"))
}

func TestSendDelegatesToInjection(t *testing.T) {
	srv, adapter := newTestServer(t, "654321")
	token := login(t, srv, "654321", "10.0.0.1")

	rec, _ := do(t, srv, http.MethodPost, "/api/send", token, "10.0.0.1", map[string]string{
		"conversationId": "conv-1",
		"text":           "hello there",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	require.Len(t, adapter.sent, 1)
	assert.Equal(t, "hello there", adapter.sent[0])
}

func TestWorkerDetailRouteRegistered(t *testing.T) {
	srv, _ := newTestServer(t, "654321")
	token := login(t, srv, "654321", "10.0.0.1")

	// An unmatched gin route would come back with an empty body; the worker
	// detail route reaches the engine and reports the missing run instead.
	rec, env := do(t, srv, http.MethodGet, "/api/orchestrator/nope/workers/task-1", token, "10.0.0.1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", env.Error)
}

func TestRootUpgradesToWebSocket(t *testing.T) {
	srv, _ := newTestServer(t, "")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"/", "/ws"} {
		wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + path
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err, path)
		assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
		conn.Close()
	}
}

func TestAuthDisabledOpensEverything(t *testing.T) {
	srv, _ := newTestServer(t, "")

	rec, _ := do(t, srv, http.MethodGet, "/api/sessions", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
