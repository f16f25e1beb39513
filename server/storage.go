package server

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// AuthStore is the volatile state behind the authorization flow. All entries
// are time-bounded; read paths treat expired-but-present entries as absent
// and delete them eagerly. A durable backend can substitute without touching
// the flow controller.
type AuthStore interface {
	CreatePending(p PendingAuthorization) (handle string)
	TakePending(handle string) (PendingAuthorization, bool)
	IssueCode(c AuthorizationCode) (code string)
	ConsumeCode(code string) (AuthorizationCode, bool)
	CreateRefresh(r RefreshRecord) (token string)
	LookupRefresh(token string) (RefreshRecord, bool)
}

// InMemoryStore keeps the pending/code/refresh maps in process memory.
// Each map is an independent unit of mutual exclusion; cross-map sequences
// need no atomicity because handles, codes, and tokens are 32 random bytes
// and single-client.
type InMemoryStore struct {
	pendingMu sync.Mutex
	pending   map[string]PendingAuthorization

	codesMu sync.Mutex
	codes   map[string]AuthorizationCode

	refreshMu sync.Mutex
	refresh   map[string]RefreshRecord

	now func() time.Time
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		pending: make(map[string]PendingAuthorization),
		codes:   make(map[string]AuthorizationCode),
		refresh: make(map[string]RefreshRecord),
		now:     time.Now,
	}
}

// NewSecret returns 32 random bytes hex-encoded, used for handles, codes,
// refresh tokens, and nonces.
func NewSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process has bigger problems.
		panic("server: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// CreatePending stores a pending authorization and returns its handle.
func (s *InMemoryStore) CreatePending(p PendingAuthorization) string {
	handle := NewSecret()
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pending[handle] = p
	return handle
}

// TakePending fetches and removes a pending authorization. Expired entries
// are absent.
func (s *InMemoryStore) TakePending(handle string) (PendingAuthorization, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	p, ok := s.pending[handle]
	if !ok {
		return PendingAuthorization{}, false
	}
	delete(s.pending, handle)
	if s.now().After(p.ExpiresAt) {
		return PendingAuthorization{}, false
	}
	return p, true
}

// IssueCode stores an authorization code record and returns the code value.
func (s *InMemoryStore) IssueCode(c AuthorizationCode) string {
	code := NewSecret()
	c.Code = code
	s.codesMu.Lock()
	defer s.codesMu.Unlock()
	s.codes[code] = c
	return code
}

// ConsumeCode fetches and removes an authorization code. A code is consumed
// exactly once; expired codes are absent.
func (s *InMemoryStore) ConsumeCode(code string) (AuthorizationCode, bool) {
	s.codesMu.Lock()
	defer s.codesMu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return AuthorizationCode{}, false
	}
	delete(s.codes, code)
	if s.now().After(c.ExpiresAt) {
		return AuthorizationCode{}, false
	}
	return c, true
}

// CreateRefresh stores a refresh record and returns the token value.
func (s *InMemoryStore) CreateRefresh(r RefreshRecord) string {
	token := NewSecret()
	r.Token = token
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	s.refresh[token] = r
	return token
}

// LookupRefresh fetches a refresh record. Unlike codes, a successful lookup
// does not delete the record; it stays reusable until expiry. Expired
// records are deleted on sight.
func (s *InMemoryStore) LookupRefresh(token string) (RefreshRecord, bool) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	r, ok := s.refresh[token]
	if !ok {
		return RefreshRecord{}, false
	}
	if s.now().After(r.ExpiresAt) {
		delete(s.refresh, token)
		return RefreshRecord{}, false
	}
	return r, true
}
