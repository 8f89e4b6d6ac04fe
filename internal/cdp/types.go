package cdp

import (
	"context"
	"time"
)

// HiddenConversationPrefix marks conversations created by the worker pool.
// Listings exclude them by default.
const HiddenConversationPrefix = "__cockpit_worker_"

// Message roles observed in assistant transcripts.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolAction = "tool_action"
	RoleTaskUpdate = "task_update"
)

// PageDescriptor is one debuggable target reported by HTTP discovery.
type PageDescriptor struct {
	ID                   string `json:"id"`
	Title                string `json:"title"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Message is a single transcript entry.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionInfo is the conversation summary harvested from the renderer.
type SessionInfo struct {
	ID            string    `json:"id"`
	CWD           string    `json:"cwd"`
	Title         string    `json:"title"`
	LastActivity  time.Time `json:"lastActivity"`
	MessageCount  int       `json:"messageCount"`
	ContextTokens int       `json:"contextTokens"`
	Active        bool      `json:"active"`
	Thinking      bool      `json:"thinking"`
	PromptVisible bool      `json:"promptVisible"`
}

// PendingPermission is a tool-permission prompt awaiting an operator decision.
type PendingPermission struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Tool           string    `json:"tool"`
	ParamsPreview  string    `json:"paramsPreview"`
	Risk           string    `json:"risk"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// PendingQuestion is an ask-user prompt awaiting answers.
type PendingQuestion struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Prompt         string    `json:"prompt"`
	Options        []string  `json:"options"`
	CreatedAt      time.Time `json:"createdAt"`
}

// StartOptions tune StartNewSession.
type StartOptions struct {
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
}

// API is the narrow contract the rest of the server consumes. The concrete
// Adapter speaks the remote-debugging protocol; tests substitute fakes.
type API interface {
	AvailabilityCheck(ctx context.Context) (bool, string)
	ListConversations(ctx context.Context) ([]SessionInfo, error)
	GetTranscript(ctx context.Context, conversationID string) ([]Message, error)
	StartNewSession(ctx context.Context, cwd, firstMessage string, opts StartOptions) (string, error)
	ArchiveSession(ctx context.Context, conversationID string) error
	SwitchSession(ctx context.Context, conversationID string) error
	SendText(ctx context.Context, conversationID, text string) error
	PasteText(ctx context.Context, conversationID, text string) error
	PendingPermissions(ctx context.Context) ([]PendingPermission, error)
	PendingQuestions(ctx context.Context) ([]PendingQuestion, error)
	RespondPermission(ctx context.Context, requestID, decision string, paramOverride map[string]any) error
	RespondQuestion(ctx context.Context, questionID string, answers []string) error
}
