package server

import (
	"context"
	"log/slog"
	"sync"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

type authClaimsKey struct{}

// ContextWithClaims stores verified bearer claims on a request context so the
// session registry and tool adapters can reach them.
func ContextWithClaims(ctx context.Context, claims *BearerClaims) context.Context {
	return context.WithValue(ctx, authClaimsKey{}, claims)
}

// ClaimsFromContext returns the verified bearer claims, if any.
func ClaimsFromContext(ctx context.Context) (*BearerClaims, bool) {
	claims, ok := ctx.Value(authClaimsKey{}).(*BearerClaims)
	return claims, ok && claims != nil
}

// SessionRegistry maps transport session identifiers to their live MCP
// client sessions. Sessions are created by the streamable HTTP transport on
// initialize; the registry observes register/unregister through hooks,
// binding the request's delegated credentials on create and driving bridge
// cleanup on close.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]mcpserver.ClientSession
	bridge   *CredentialBridge
	logger   *slog.Logger
}

// NewSessionRegistry constructs the registry.
func NewSessionRegistry(bridge *CredentialBridge, logger *slog.Logger) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]mcpserver.ClientSession),
		bridge:   bridge,
		logger:   logger,
	}
}

// Hooks wires the registry into an MCP server's session lifecycle.
func (r *SessionRegistry) Hooks() *mcpserver.Hooks {
	hooks := &mcpserver.Hooks{}
	hooks.AddOnRegisterSession(r.onRegister)
	hooks.AddOnUnregisterSession(r.onUnregister)
	return hooks
}

func (r *SessionRegistry) onRegister(ctx context.Context, session mcpserver.ClientSession) {
	id := session.SessionID()

	r.mu.Lock()
	r.sessions[id] = session
	r.mu.Unlock()

	if claims, ok := ClaimsFromContext(ctx); ok {
		r.bridge.Bind(id, claims.Subject, claims.Credentials())
		r.logger.Info("session established", "session_id", id, "user_id", claims.Subject)
		return
	}
	r.logger.Warn("session established without credentials", "session_id", id)
}

func (r *SessionRegistry) onUnregister(_ context.Context, session mcpserver.ClientSession) {
	id := session.SessionID()

	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()

	r.bridge.Unbind(id)
	r.logger.Info("session closed", "session_id", id)
}

// Get returns the live session for an identifier.
func (r *SessionRegistry) Get(sessionID string) (mcpserver.ClientSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Close drops a session's registry entry and credential binding without
// waiting for the transport to unregister it.
func (r *SessionRegistry) Close(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	r.bridge.Unbind(sessionID)
}

// Count reports the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
