package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	cerrors "cockpit/internal/errors"
	"cockpit/internal/logging"
)

// Config tunes the adapter.
type Config struct {
	// BaseURL is the HTTP root of the remote-debugging endpoint.
	BaseURL string
	// Timeout is the per-call deadline for protocol commands.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	out.BaseURL = strings.TrimRight(strings.TrimSpace(out.BaseURL), "/")
	if out.BaseURL == "" {
		out.BaseURL = "http://127.0.0.1:9222"
	}
	if out.Timeout <= 0 {
		out.Timeout = 15 * time.Second
	}
	return out
}

// Adapter speaks the remote-debugging protocol of the desktop assistant.
// Discovery goes over HTTP; commands go over one attached WebSocket target.
// Transient transport loss triggers capped exponential re-attach; persistent
// failure surfaces as Unavailable. The adapter never retries business
// operations.
type Adapter struct {
	cfg    Config
	httpc  *http.Client
	logger logging.Logger

	mu          sync.Mutex
	cli         *client
	backoff     *cerrors.Backoff
	nextAttempt time.Time
}

var _ API = (*Adapter)(nil)

// New creates an adapter. No connection is made until the first call.
func New(cfg Config, logger logging.Logger) *Adapter {
	cfg = cfg.withDefaults()
	return &Adapter{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		logger:  logging.OrNop(logger),
		backoff: cerrors.NewBackoff(500*time.Millisecond, 2.0, 30*time.Second),
	}
}

// ListPages enumerates debuggable targets via HTTP discovery.
func (a *Adapter) ListPages(ctx context.Context) ([]PageDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/json/list", nil)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.Internal, err, "build discovery request")
	}
	resp, err := a.httpc.Do(req)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.Unavailable, err, "discovery failed")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, cerrors.New(cerrors.Unavailable, "discovery returned HTTP %d", resp.StatusCode)
	}
	var pages []PageDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&pages); err != nil {
		return nil, cerrors.Wrap(cerrors.Unavailable, err, "decode discovery reply")
	}
	return pages, nil
}

// AvailabilityCheck reports whether the endpoint has a reachable target.
func (a *Adapter) AvailabilityCheck(ctx context.Context) (bool, string) {
	pages, err := a.ListPages(ctx)
	if err != nil {
		return false, err.Error()
	}
	for _, p := range pages {
		if p.Type == "page" && p.WebSocketDebuggerURL != "" {
			return true, ""
		}
	}
	return false, "no attachable page target"
}

// ensureClient returns a live frame transport, re-attaching when needed.
// Discovery and dialing happen outside the mutex so a flapping endpoint never
// stalls concurrent adapter calls; attach failures arm a capped backoff window
// during which callers fail fast with Unavailable.
func (a *Adapter) ensureClient(ctx context.Context) (*client, error) {
	a.mu.Lock()
	if a.cli != nil && !a.cli.isClosed() {
		cli := a.cli
		a.mu.Unlock()
		return cli, nil
	}
	a.cli = nil
	if wait := time.Until(a.nextAttempt); wait > 0 {
		a.mu.Unlock()
		return nil, cerrors.New(cerrors.Unavailable, "re-attach backing off for another %s", wait.Round(time.Millisecond))
	}
	a.mu.Unlock()

	pages, err := a.ListPages(ctx)
	if err != nil {
		return nil, err
	}
	var target *PageDescriptor
	for i := range pages {
		if pages[i].Type == "page" && pages[i].WebSocketDebuggerURL != "" {
			target = &pages[i]
			break
		}
	}
	if target == nil {
		return nil, cerrors.New(cerrors.Unavailable, "no attachable page target")
	}

	cli, err := dial(ctx, target.WebSocketDebuggerURL, a.cfg.Timeout)
	if err != nil {
		a.mu.Lock()
		delay := a.backoff.Next()
		a.nextAttempt = time.Now().Add(delay)
		a.mu.Unlock()
		a.logger.Warn("Attach to %s failed (%v), next attempt in %s", target.ID, err, delay)
		return nil, err
	}

	a.mu.Lock()
	if a.cli != nil && !a.cli.isClosed() {
		// Another caller attached first.
		existing := a.cli
		a.mu.Unlock()
		cli.close()
		return existing, nil
	}
	a.backoff.Reset()
	a.nextAttempt = time.Time{}
	a.cli = cli
	a.mu.Unlock()

	a.logger.Info("Attached to target %s (%s)", target.ID, target.Title)
	return cli, nil
}

// evalProbe evaluates an expression whose value is a JSON string and decodes
// it into out. A transport failure drops the client so the next call
// re-attaches.
func (a *Adapter) evalProbe(ctx context.Context, expression string, out any) error {
	cli, err := a.ensureClient(ctx)
	if err != nil {
		return err
	}
	value, err := cli.evaluate(ctx, expression)
	if err != nil {
		if cerrors.Is(err, cerrors.Unavailable) {
			a.dropClient(cli)
		}
		return err
	}
	if out == nil {
		return nil
	}
	var payload string
	if err := json.Unmarshal(value, &payload); err != nil {
		return cerrors.Wrap(cerrors.Internal, err, "probe returned non-string value")
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return cerrors.Wrap(cerrors.Internal, err, "decode probe payload")
	}
	return nil
}

func (a *Adapter) dropClient(cli *client) {
	a.mu.Lock()
	if a.cli == cli {
		a.cli = nil
	}
	a.mu.Unlock()
	cli.close()
}

// ListConversations returns every conversation the assistant reports,
// including hidden worker conversations.
func (a *Adapter) ListConversations(ctx context.Context) ([]SessionInfo, error) {
	var sessions []SessionInfo
	if err := a.evalProbe(ctx, probeListSessions, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// GetTranscript returns the ordered message sequence of one conversation.
func (a *Adapter) GetTranscript(ctx context.Context, conversationID string) ([]Message, error) {
	if conversationID == "" {
		return nil, cerrors.New(cerrors.Validation, "conversation id is required")
	}
	var messages []Message
	expr := fmtJS(probeTranscript, conversationID)
	if err := a.evalProbe(ctx, expr, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// StartNewSession creates a conversation and returns its id.
func (a *Adapter) StartNewSession(ctx context.Context, cwd, firstMessage string, opts StartOptions) (string, error) {
	var reply struct {
		ID string `json:"id"`
	}
	expr := fmtJS(probeStartSession, cwd, firstMessage, opts)
	if err := a.evalProbe(ctx, expr, &reply); err != nil {
		return "", err
	}
	if reply.ID == "" {
		return "", cerrors.New(cerrors.Internal, "assistant did not return a session id")
	}
	return reply.ID, nil
}

// ArchiveSession archives a conversation.
func (a *Adapter) ArchiveSession(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return cerrors.New(cerrors.Validation, "conversation id is required")
	}
	return a.evalProbe(ctx, fmtJS(probeArchiveSession, conversationID), nil)
}

// SwitchSession makes a conversation the active one at the assistant level.
func (a *Adapter) SwitchSession(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return cerrors.New(cerrors.Validation, "conversation id is required")
	}
	return a.evalProbe(ctx, fmtJS(probeSwitchSession, conversationID), nil)
}

// SendText types and submits text through the assistant's own composer API.
func (a *Adapter) SendText(ctx context.Context, conversationID, text string) error {
	return a.evalProbe(ctx, fmtJS(probeSendText, conversationID, text), nil)
}

// PasteText focuses the composer, loads the clipboard and simulates a paste
// plus Enter via the Input domain.
func (a *Adapter) PasteText(ctx context.Context, conversationID, text string) error {
	if err := a.evalProbe(ctx, fmtJS(probeFocusComposer, conversationID), nil); err != nil {
		return err
	}
	if err := a.evalProbe(ctx, fmtJS(probeWriteClipboard, text), nil); err != nil {
		return err
	}
	cli, err := a.ensureClient(ctx)
	if err != nil {
		return err
	}
	if err := cli.insertText(ctx, text); err != nil {
		return err
	}
	return cli.pressEnter(ctx)
}

// PendingPermissions lists unresolved tool-permission prompts.
func (a *Adapter) PendingPermissions(ctx context.Context) ([]PendingPermission, error) {
	var pending []PendingPermission
	if err := a.evalProbe(ctx, probePendingPermissions, &pending); err != nil {
		return nil, err
	}
	return pending, nil
}

// PendingQuestions lists unresolved ask-user prompts.
func (a *Adapter) PendingQuestions(ctx context.Context) ([]PendingQuestion, error) {
	var pending []PendingQuestion
	if err := a.evalProbe(ctx, probePendingQuestions, &pending); err != nil {
		return nil, err
	}
	return pending, nil
}

// RespondPermission dispatches an operator decision for a pending prompt.
func (a *Adapter) RespondPermission(ctx context.Context, requestID, decision string, paramOverride map[string]any) error {
	switch decision {
	case "allow_once", "allow_always", "deny":
	default:
		return cerrors.New(cerrors.Validation, "invalid decision %q", decision)
	}
	if paramOverride == nil {
		paramOverride = map[string]any{}
	}
	return a.evalProbe(ctx, fmtJS(probeRespondPermission, requestID, decision, paramOverride), nil)
}

// RespondQuestion dispatches answers for a pending ask-user prompt.
func (a *Adapter) RespondQuestion(ctx context.Context, questionID string, answers []string) error {
	if questionID == "" {
		return cerrors.New(cerrors.Validation, "question id is required")
	}
	return a.evalProbe(ctx, fmtJS(probeRespondQuestion, questionID, answers), nil)
}

// Close tears down the attached transport.
func (a *Adapter) Close() {
	a.mu.Lock()
	cli := a.cli
	a.cli = nil
	a.mu.Unlock()
	if cli != nil {
		cli.close()
	}
}

// String describes the adapter endpoint for logs.
func (a *Adapter) String() string {
	return fmt.Sprintf("cdp(%s)", a.cfg.BaseURL)
}
