package server

import (
	"sync"
	"time"
)

// CredentialBridge associates transport session identifiers with the
// delegated credentials obtained through the authorization flow. Bindings
// are keyed strictly by session id; tool adapters pass the id explicitly
// through context rather than reading a process-wide singleton.
//
// Single-session mode keeps a "current" fallback slot for deployments with
// exactly one desktop client, where a downstream caller may not thread the
// session id. A second concurrent login overwrites the slot in that mode,
// which is the documented tradeoff of enabling it.
type CredentialBridge struct {
	mu            sync.RWMutex
	bindings      map[string]SessionAuthBinding
	current       string
	singleSession bool
}

// NewCredentialBridge constructs the bridge.
func NewCredentialBridge(singleSession bool) *CredentialBridge {
	return &CredentialBridge{
		bindings:      make(map[string]SessionAuthBinding),
		singleSession: singleSession,
	}
}

// Bind stores the binding for a session and marks it most recent.
func (b *CredentialBridge) Bind(sessionID string, userID string, creds Credentials) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings[sessionID] = SessionAuthBinding{
		UserID:      userID,
		Credentials: creds,
		BoundAt:     time.Now(),
	}
	b.current = sessionID
}

// Credentials returns the binding for a session. In single-session mode an
// unknown or empty id falls back to the most recent binding.
func (b *CredentialBridge) Credentials(sessionID string) (SessionAuthBinding, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if binding, ok := b.bindings[sessionID]; ok {
		return binding, true
	}
	if b.singleSession && b.current != "" {
		binding, ok := b.bindings[b.current]
		return binding, ok
	}
	return SessionAuthBinding{}, false
}

// Update replaces the delegated credentials for a session in place, used
// after a refresh triggered by an expired delegated token mid-call.
func (b *CredentialBridge) Update(sessionID string, creds Credentials) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := sessionID
	if _, ok := b.bindings[id]; !ok && b.singleSession {
		id = b.current
	}
	binding, ok := b.bindings[id]
	if !ok {
		return false
	}
	binding.Credentials = creds
	b.bindings[id] = binding
	return true
}

// Unbind removes a session's binding. When the last binding goes away the
// "current" marker is cleared too.
func (b *CredentialBridge) Unbind(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bindings, sessionID)
	if b.current == sessionID {
		b.current = ""
		for id := range b.bindings {
			b.current = id
			break
		}
	}
}

// Clear drops every binding. Called when a new authorization attempt starts
// so stale delegated tokens never survive a new login.
func (b *CredentialBridge) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings = make(map[string]SessionAuthBinding)
	b.current = ""
}

// Len reports the number of live bindings.
func (b *CredentialBridge) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bindings)
}
