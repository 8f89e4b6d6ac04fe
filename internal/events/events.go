package events

import "time"

// Event kinds form the stable wire contract between the server and connected
// UIs. The set is closed: subsystems publish these constants only, never ad
// hoc strings.
const (
	// Hub lifecycle.
	TypeConnected = "connected"
	TypePing      = "ping"
	TypePong      = "pong"
	TypeShutdown  = "shutdown"

	// Usage snapshot.
	TypeUsageUpdated = "usage-updated"

	// Security. These are the only kinds delivered to unauthenticated clients.
	TypeSecurityIPBlocked   = "security-ip-blocked"
	TypeSecurityAlert       = "security-alert"
	TypeGlobalLockdown      = "global-lockdown"
	TypeSecurityLoginFailed = "security-login-failed"

	// Injection engine.
	TypeInjectionStarted = "injection-started"
	TypeInjectionSuccess = "injection-success"
	TypeInjectionFailed  = "injection-failed"
	TypeInjectionError   = "injection-error"
	TypeMessageInjected  = "message-injected"

	// Adapter / session coordinator.
	TypeSessionSwitched        = "cdp-session-switched"
	TypePermissionResponded    = "cdp-permission-responded"
	TypeQuestionAnswered       = "cdp-question-answered"
	TypeConnectionsDetected    = "cdp-connections-detected"
	TypeConnectionCountChanged = "cdp-connection-count-changed"
	TypeSessionStatusChanged   = "cdp-session-status-changed"
	TypeSessionCreated         = "cdp-session-created"
	TypeSessionArchived        = "cdp-session-archived"
	TypePermissionPending      = "cdp-permission-pending"
	TypeQuestionPending        = "cdp-question-pending"

	// Orchestrator engine.
	TypeOrchestratorCreated              = "orchestrator:created"
	TypeOrchestratorStarted              = "orchestrator:started"
	TypeOrchestratorAnalysisStarted      = "orchestrator:analysis-started"
	TypeOrchestratorAnalysisComplete     = "orchestrator:analysis-complete"
	TypeOrchestratorPlanningStarted      = "orchestrator:planning-started"
	TypeOrchestratorTasksPlanned         = "orchestrator:tasks-planned"
	TypeOrchestratorAwaitingConfirmation = "orchestrator:awaiting-confirmation"
	TypeOrchestratorConfirmed            = "orchestrator:confirmed"
	TypeOrchestratorSpawning             = "orchestrator:spawning"
	TypeOrchestratorRunning              = "orchestrator:running"
	TypeOrchestratorAggregationStarted   = "orchestrator:aggregation-started"
	TypeOrchestratorAggregationComplete  = "orchestrator:aggregation-complete"
	TypeOrchestratorVerificationStarted  = "orchestrator:verification-started"
	TypeOrchestratorVerificationComplete = "orchestrator:verification-complete"
	TypeOrchestratorCompleted            = "orchestrator:completed"
	TypeOrchestratorPaused               = "orchestrator:paused"
	TypeOrchestratorResumed              = "orchestrator:resumed"
	TypeOrchestratorCancelled            = "orchestrator:cancelled"
	TypeOrchestratorError                = "orchestrator:error"
	TypeOrchestratorMessage              = "orchestrator:message"

	// Worker pool.
	TypeWorkerQueued    = "worker:queued"
	TypeWorkerSpawned   = "worker:spawned"
	TypeWorkerStarted   = "worker:started"
	TypeWorkerProgress  = "worker:progress"
	TypeWorkerCompleted = "worker:completed"
	TypeWorkerFailed    = "worker:failed"
	TypeWorkerTimeout   = "worker:timeout"
	TypeWorkerCancelled = "worker:cancelled"
	TypeWorkerRetrying  = "worker:retrying"

	// Sub-session tracker.
	TypeSubsessionLinked     = "subsession:linked"
	TypeSubsessionCompleting = "subsession:completing"
	TypeSubsessionCompleted  = "subsession:completed"
	TypeSubsessionReturned   = "subsession:returned"
	TypeSubsessionOrphaned   = "subsession:orphaned"
	TypeSubsessionError      = "subsession:error"
)

// securityTypes is the whitelist delivered to clients without a valid token.
var securityTypes = map[string]struct{}{
	TypeSecurityIPBlocked:   {},
	TypeSecurityAlert:       {},
	TypeGlobalLockdown:      {},
	TypeSecurityLoginFailed: {},
}

// IsSecurity reports whether an event kind belongs to the unauthenticated
// whitelist.
func IsSecurity(eventType string) bool {
	_, ok := securityTypes[eventType]
	return ok
}

// Event is a single broadcastable occurrence. Data keys merge into the
// serialized JSON object next to type and timestamp.
type Event struct {
	Type      string
	Data      map[string]any
	Timestamp time.Time
}

// New builds an event stamped with the current time.
func New(eventType string, data map[string]any) Event {
	return Event{Type: eventType, Data: data, Timestamp: time.Now()}
}
