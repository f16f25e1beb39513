package server

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	id          string
	notifs      chan mcp.JSONRPCNotification
	initialized bool
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, notifs: make(chan mcp.JSONRPCNotification, 4)}
}

func (s *fakeSession) SessionID() string { return s.id }

func (s *fakeSession) NotificationChannel() chan<- mcp.JSONRPCNotification { return s.notifs }

func (s *fakeSession) Initialize() { s.initialized = true }

func (s *fakeSession) Initialized() bool { return s.initialized }

func newTestRegistry() (*SessionRegistry, *CredentialBridge) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bridge := NewCredentialBridge(false)
	return NewSessionRegistry(bridge, logger), bridge
}

func TestRegistryBindsCredentialsOnRegister(t *testing.T) {
	registry, bridge := newTestRegistry()

	claims := &BearerClaims{
		MusicAccessToken:  "music-access",
		MusicRefreshToken: "music-refresh",
	}
	claims.Subject = "spotify:alice"
	ctx := ContextWithClaims(context.Background(), claims)

	session := newFakeSession("session-1")
	registry.onRegister(ctx, session)

	got, ok := registry.Get("session-1")
	require.True(t, ok)
	assert.Equal(t, "session-1", got.SessionID())

	binding, ok := bridge.Credentials("session-1")
	require.True(t, ok)
	assert.Equal(t, "spotify:alice", binding.UserID)
	assert.Equal(t, "music-access", binding.Credentials.AccessToken)
}

func TestRegistryTracksSessionsWithoutCredentials(t *testing.T) {
	registry, bridge := newTestRegistry()

	registry.onRegister(context.Background(), newFakeSession("anon"))

	_, ok := registry.Get("anon")
	assert.True(t, ok, "session is tracked even without claims")
	_, ok = bridge.Credentials("anon")
	assert.False(t, ok, "no binding without claims")
}

func TestRegistryUnregisterCleansUp(t *testing.T) {
	registry, bridge := newTestRegistry()

	claims := &BearerClaims{MusicAccessToken: "music-access"}
	claims.Subject = "spotify:alice"
	ctx := ContextWithClaims(context.Background(), claims)

	session := newFakeSession("session-1")
	registry.onRegister(ctx, session)
	require.Equal(t, 1, registry.Count())

	registry.onUnregister(context.Background(), session)

	assert.Equal(t, 0, registry.Count())
	_, ok := bridge.Credentials("session-1")
	assert.False(t, ok, "binding removed with session")
}

func TestRegistryClose(t *testing.T) {
	registry, bridge := newTestRegistry()

	claims := &BearerClaims{MusicAccessToken: "music-access"}
	claims.Subject = "spotify:alice"
	registry.onRegister(ContextWithClaims(context.Background(), claims), newFakeSession("s1"))

	registry.Close("s1")

	_, ok := registry.Get("s1")
	assert.False(t, ok)
	_, ok = bridge.Credentials("s1")
	assert.False(t, ok)
}

func TestClaimsContextRoundTrip(t *testing.T) {
	_, ok := ClaimsFromContext(context.Background())
	assert.False(t, ok)

	claims := &BearerClaims{MusicAccessToken: "x"}
	ctx := ContextWithClaims(context.Background(), claims)
	got, ok := ClaimsFromContext(ctx)
	require.True(t, ok)
	assert.Same(t, claims, got)
}
