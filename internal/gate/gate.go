package gate

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	cerrors "cockpit/internal/errors"
	"cockpit/internal/events"
	"cockpit/internal/logging"
)

// ErrTokenExpired distinguishes an expired token from an unknown one, for
// callers that report the two differently.
var ErrTokenExpired = errors.New("session token expired")

const (
	maxFailedAttempts = 3
	// Distinct failing sources before the global lockdown trips.
	defaultAlertThreshold = 5
	tokenBytes            = 32
)

// Config tunes the gate.
type Config struct {
	// PIN guarding the operator session. Empty disables the gate: every
	// check passes and no tokens are minted.
	PIN string
	// TokenTTL is the session token lifetime.
	TokenTTL time.Duration
	// AlertThreshold is the count of distinct failing sources that trips
	// the global lockdown.
	AlertThreshold int
}

func (c Config) withDefaults() Config {
	out := c
	out.PIN = strings.TrimSpace(out.PIN)
	if out.TokenTTL <= 0 {
		out.TokenTTL = 4 * time.Hour
	}
	if out.AlertThreshold <= 0 {
		out.AlertThreshold = defaultAlertThreshold
	}
	return out
}

// Token is one minted session token. It validates only from its original
// source address and before expiry.
type Token struct {
	Value     string    `json:"-"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
}

type sourceRecord struct {
	failed  int
	blocked bool
}

// Gate is the PIN attempt model with per-source lockout, a global circuit
// breaker and session tokens bound to source addresses. Blocked sources stay
// blocked for the process lifetime.
type Gate struct {
	cfg    Config
	logger logging.Logger
	bus    *events.Bus

	mu               sync.Mutex
	tokens           map[string]*Token
	sources          map[string]*sourceRecord
	distinctFailures map[string]struct{}
	lockdown         bool
	lockdownReason   string
	loginSuccesses   int
	loginFailures    int
}

// New creates a gate.
func New(cfg Config, bus *events.Bus, logger logging.Logger) *Gate {
	return &Gate{
		cfg:              cfg.withDefaults(),
		logger:           logging.OrNop(logger),
		bus:              bus,
		tokens:           make(map[string]*Token),
		sources:          make(map[string]*sourceRecord),
		distinctFailures: make(map[string]struct{}),
	}
}

// Enabled reports whether a PIN is configured.
func (g *Gate) Enabled() bool {
	return g.cfg.PIN != ""
}

// LoginResult carries the outcome of an AttemptLogin call.
type LoginResult struct {
	Token             string
	AttemptsRemaining int
	Blocked           bool
}

// AttemptLogin verifies the PIN from a source address. Three failures block
// the source until process restart; enough distinct failing sources trip the
// global lockdown.
func (g *Gate) AttemptLogin(source, pin string) (*LoginResult, error) {
	if !g.Enabled() {
		return nil, cerrors.New(cerrors.Validation, "authentication is disabled")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.sources[source]
	if rec == nil {
		rec = &sourceRecord{}
		g.sources[source] = rec
	}
	if rec.blocked {
		return &LoginResult{Blocked: true}, cerrors.New(cerrors.Forbidden, "source %s is blocked", source)
	}
	if g.lockdown {
		return nil, cerrors.New(cerrors.Forbidden, "global lockdown: %s", g.lockdownReason)
	}

	if subtle.ConstantTimeCompare([]byte(pin), []byte(g.cfg.PIN)) != 1 {
		rec.failed++
		g.loginFailures++
		g.distinctFailures[source] = struct{}{}
		remaining := maxFailedAttempts - rec.failed
		if remaining < 0 {
			remaining = 0
		}
		g.publish(events.TypeSecurityLoginFailed, map[string]any{
			"source":            source,
			"attemptsRemaining": remaining,
		})
		if rec.failed >= maxFailedAttempts {
			rec.blocked = true
			g.logger.Warn("Source %s blocked after %d failed attempts", source, rec.failed)
			g.publish(events.TypeSecurityIPBlocked, map[string]any{"source": source})
		}
		if !g.lockdown && len(g.distinctFailures) >= g.cfg.AlertThreshold {
			g.lockdown = true
			g.lockdownReason = "too many distinct sources failing authentication"
			g.logger.Error("Global lockdown engaged: %s", g.lockdownReason)
			g.publish(events.TypeGlobalLockdown, map[string]any{"reason": g.lockdownReason})
		}
		return &LoginResult{AttemptsRemaining: remaining, Blocked: rec.blocked},
			cerrors.New(cerrors.Unauthenticated, "incorrect PIN")
	}

	rec.failed = 0
	g.loginSuccesses++
	value, err := mintToken()
	if err != nil {
		return nil, cerrors.Wrap(cerrors.Internal, err, "mint session token")
	}
	g.tokens[value] = &Token{Value: value, Source: source, CreatedAt: time.Now()}
	g.logger.Info("Session token minted for %s", source)
	return &LoginResult{Token: value, AttemptsRemaining: maxFailedAttempts}, nil
}

func mintToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Validate checks a token presented from a source address. Expired tokens are
// purged on sight. A blocked source is refused even with a valid token.
func (g *Gate) Validate(token, source string) error {
	if !g.Enabled() {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if rec := g.sources[source]; rec != nil && rec.blocked {
		return cerrors.New(cerrors.Forbidden, "source %s is blocked", source)
	}

	t, ok := g.tokens[token]
	if !ok {
		return cerrors.New(cerrors.Unauthenticated, "unknown session token")
	}
	if t.Source != source {
		return cerrors.New(cerrors.Unauthenticated, "session token presented from a different source")
	}
	if time.Since(t.CreatedAt) > g.cfg.TokenTTL {
		delete(g.tokens, token)
		return cerrors.Wrap(cerrors.Unauthenticated, ErrTokenExpired, "token from %s", source)
	}
	return nil
}

// Refresh re-stamps a token's creation time.
func (g *Gate) Refresh(token, source string) error {
	if err := g.Validate(token, source); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.tokens[token]; ok {
		t.CreatedAt = time.Now()
	}
	return nil
}

// Logout deletes a token. Unknown tokens are a no-op.
func (g *Gate) Logout(token string) {
	g.mu.Lock()
	delete(g.tokens, token)
	g.mu.Unlock()
}

// SessionInfo returns the stored record for a token.
func (g *Gate) SessionInfo(token string) (*Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tokens[token]
	if !ok {
		return nil, cerrors.New(cerrors.NotFound, "unknown session token")
	}
	copied := *t
	return &copied, nil
}

// IsBlocked reports whether a source has been locked out.
func (g *Gate) IsBlocked(source string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec := g.sources[source]
	return rec != nil && rec.blocked
}

// InLockdown reports the global circuit-breaker state.
func (g *Gate) InLockdown() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lockdown, g.lockdownReason
}

// ClearLockdown resets the global circuit breaker. Blocked sources stay
// blocked.
func (g *Gate) ClearLockdown() {
	g.mu.Lock()
	g.lockdown = false
	g.lockdownReason = ""
	g.distinctFailures = make(map[string]struct{})
	g.mu.Unlock()
	g.logger.Info("Global lockdown cleared")
}

// Stats summarizes gate activity for the auth stats endpoint.
func (g *Gate) Stats() map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	blocked := 0
	for _, rec := range g.sources {
		if rec.blocked {
			blocked++
		}
	}
	return map[string]any{
		"enabled":        g.Enabled(),
		"activeTokens":   len(g.tokens),
		"blockedSources": blocked,
		"loginSuccesses": g.loginSuccesses,
		"loginFailures":  g.loginFailures,
		"lockdown":       g.lockdown,
	}
}

func (g *Gate) publish(eventType string, data map[string]any) {
	if g.bus != nil {
		g.bus.Publish(eventType, data)
	}
}

// ResolveSource attributes a source address to a request, preferring proxy
// headers in a fixed order before the connection remote address.
func ResolveSource(r *http.Request) string {
	for _, header := range []string{"cf-connecting-ip", "x-real-ip"} {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
	}
	if fwd := strings.TrimSpace(r.Header.Get("x-forwarded-for")); fwd != "" {
		parts := strings.Split(fwd, ",")
		if first := strings.TrimSpace(parts[0]); first != "" {
			return first
		}
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return strings.Trim(host, "[]")
}
