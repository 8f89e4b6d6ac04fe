package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	cerrors "cockpit/internal/errors"
)

// client is the frame transport over one debugger WebSocket. Commands carry
// integer ids; replies are correlated through a pending map. All writes go
// through a single mutex so frames never interleave.
type client struct {
	url     string
	timeout time.Duration

	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan callResult
	nextID    atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

type command struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type reply struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *protocolError  `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type protocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type callResult struct {
	result json.RawMessage
	err    error
}

func dial(ctx context.Context, wsURL string, timeout time.Duration) (*client, error) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.Unavailable, err, "dial debugger %s", wsURL)
	}
	c := &client{
		url:     wsURL,
		timeout: timeout,
		conn:    conn,
		pending: make(map[int64]chan callResult),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// call sends one command and waits for its correlated reply or the deadline.
func (c *client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	select {
	case <-c.closed:
		return nil, cerrors.New(cerrors.Unavailable, "debugger connection closed")
	default:
	}

	id := c.nextID.Add(1)
	ch := make(chan callResult, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.writeJSON(command{ID: id, Method: method, Params: params}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, cerrors.Wrap(cerrors.Unavailable, err, "write %s", method)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	select {
	case <-callCtx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, cerrors.Wrap(cerrors.Timeout, callCtx.Err(), "%s timed out", method)
		}
		return nil, callCtx.Err()
	case res := <-ch:
		return res.result, res.err
	}
}

func (c *client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		c.dispatch(data)
	}
	c.close()
}

func (c *client) dispatch(data []byte) {
	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		return
	}
	if r.Method != "" {
		// Protocol events (target lifecycle, console) are not consumed here;
		// state is harvested by polling probes instead.
		return
	}

	var out callResult
	out.result = r.Result
	if r.Error != nil {
		out.err = cerrors.New(cerrors.Internal, "protocol error %d: %s", r.Error.Code, r.Error.Message)
	}

	c.pendingMu.Lock()
	ch := c.pending[r.ID]
	delete(c.pending, r.ID)
	c.pendingMu.Unlock()
	if ch != nil {
		ch <- out
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
		c.pendingMu.Lock()
		for id, ch := range c.pending {
			delete(c.pending, id)
			ch <- callResult{err: cerrors.New(cerrors.Unavailable, "debugger connection closed")}
		}
		c.pendingMu.Unlock()
	})
}

func (c *client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// evaluate runs a JS expression in the attached page and returns its value.
// Runtime exceptions surface as errors rather than values.
func (c *client) evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	raw, err := c.call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  true,
	})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, cerrors.Wrap(cerrors.Internal, err, "decode evaluate reply")
	}
	if parsed.ExceptionDetails != nil {
		desc := parsed.ExceptionDetails.Text
		if parsed.ExceptionDetails.Exception != nil && parsed.ExceptionDetails.Exception.Description != "" {
			desc = parsed.ExceptionDetails.Exception.Description
		}
		return nil, cerrors.New(cerrors.Internal, "runtime error: %s", desc)
	}
	return parsed.Result.Value, nil
}

// insertText types text into the focused element via the Input domain.
func (c *client) insertText(ctx context.Context, text string) error {
	_, err := c.call(ctx, "Input.insertText", map[string]any{"text": text})
	return err
}

// pressEnter dispatches a raw Enter key down/up pair.
func (c *client) pressEnter(ctx context.Context) error {
	down := map[string]any{
		"type":                  "rawKeyDown",
		"key":                   "Enter",
		"code":                  "Enter",
		"windowsVirtualKeyCode": 13,
		"nativeVirtualKeyCode":  13,
	}
	if _, err := c.call(ctx, "Input.dispatchKeyEvent", down); err != nil {
		return err
	}
	up := map[string]any{
		"type":                  "keyUp",
		"key":                   "Enter",
		"code":                  "Enter",
		"windowsVirtualKeyCode": 13,
		"nativeVirtualKeyCode":  13,
	}
	_, err := c.call(ctx, "Input.dispatchKeyEvent", up)
	return err
}

func fmtJS(format string, args ...any) string {
	quoted := make([]any, len(args))
	for i, a := range args {
		b, _ := json.Marshal(a)
		quoted[i] = string(b)
	}
	return fmt.Sprintf(format, quoted...)
}
