package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// MusicToolset exposes the delegated music API as MCP tools. Every tool
// resolves credentials through the bridge using the caller's transport
// session id; a stale delegated token is refreshed once in place and the
// call retried before giving up.
type MusicToolset struct {
	provider MusicProvider
	bridge   *CredentialBridge
	logger   *slog.Logger
}

// NewMusicToolset constructs the toolset.
func NewMusicToolset(provider MusicProvider, bridge *CredentialBridge, logger *slog.Logger) *MusicToolset {
	return &MusicToolset{provider: provider, bridge: bridge, logger: logger}
}

// Register adds the music tools to an MCP server.
func (t *MusicToolset) Register(s *mcpserver.MCPServer) {
	s.AddTool(mcp.NewTool("search",
		mcp.WithDescription("Search the music catalog for tracks, albums, artists, or playlists"),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search terms")),
		mcp.WithString("type", mcp.Description("Comma-separated result types: track, album, artist, playlist (default track)")),
		mcp.WithString("limit", mcp.Description("Maximum results to return, 1-50")),
	), t.handleSearch)

	s.AddTool(mcp.NewTool("playback_play",
		mcp.WithDescription("Start or resume playback, optionally of a specific track or context URI"),
		mcp.WithString("uri", mcp.Description("Track or context URI to play; resumes current playback if omitted")),
	), t.handlePlay)

	s.AddTool(mcp.NewTool("playback_pause",
		mcp.WithDescription("Pause the current playback"),
	), t.handlePause)

	s.AddTool(mcp.NewTool("playback_next",
		mcp.WithDescription("Skip to the next track"),
	), t.handleNext)

	s.AddTool(mcp.NewTool("playback_previous",
		mcp.WithDescription("Skip to the previous track"),
	), t.handlePrevious)

	s.AddTool(mcp.NewTool("playlists",
		mcp.WithDescription("List the authenticated user's playlists"),
		mcp.WithString("limit", mcp.Description("Maximum playlists to return, 1-50")),
	), t.handlePlaylists)
}

// sessionCredentials resolves the delegated credentials for the session
// behind a tool call.
func (t *MusicToolset) sessionCredentials(ctx context.Context) (string, SessionAuthBinding, error) {
	var sessionID string
	if session := mcpserver.ClientSessionFromContext(ctx); session != nil {
		sessionID = session.SessionID()
	}
	binding, ok := t.bridge.Credentials(sessionID)
	if !ok {
		return "", SessionAuthBinding{}, fmt.Errorf("no credentials bound for this session, authorize first")
	}
	return sessionID, binding, nil
}

// refresh replaces the session's delegated credentials after the music API
// rejected the current access token.
func (t *MusicToolset) refresh(ctx context.Context, sessionID string, binding SessionAuthBinding) (Credentials, error) {
	creds, err := t.provider.Refresh(ctx, binding.Credentials.RefreshToken)
	if err != nil {
		return Credentials{}, err
	}
	t.bridge.Update(sessionID, creds)
	t.logger.Info("delegated credentials refreshed", "session_id", sessionID, "user_id", binding.UserID)
	return creds, nil
}

// get fetches from the music API, refreshing the delegated token and
// retrying once on a 401.
func (t *MusicToolset) get(ctx context.Context, op ProviderOp, path string) ([]byte, error) {
	sessionID, binding, err := t.sessionCredentials(ctx)
	if err != nil {
		return nil, err
	}
	body, status, err := t.provider.Get(ctx, op, path, binding.Credentials.AccessToken)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		creds, err := t.refresh(ctx, sessionID, binding)
		if err != nil {
			return nil, err
		}
		body, status, err = t.provider.Get(ctx, op, path, creds.AccessToken)
		if err != nil {
			return nil, err
		}
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("music api returned status %d", status)
	}
	return body, nil
}

// send issues a mutating music API call with the same refresh-once policy.
func (t *MusicToolset) send(ctx context.Context, op ProviderOp, method, path string, payload any) error {
	sessionID, binding, err := t.sessionCredentials(ctx)
	if err != nil {
		return err
	}
	status, err := t.provider.Send(ctx, op, method, path, binding.Credentials.AccessToken, payload)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		creds, err := t.refresh(ctx, sessionID, binding)
		if err != nil {
			return err
		}
		status, err = t.provider.Send(ctx, op, method, path, creds.AccessToken, payload)
		if err != nil {
			return err
		}
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("music api returned status %d", status)
	}
	return nil
}

func (t *MusicToolset) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	kinds := request.GetString("type", "track")
	limit := request.GetString("limit", "10")

	path := "/search" + APIQuery(map[string]string{
		"q":     query,
		"type":  kinds,
		"limit": limit,
	})
	body, err := t.get(ctx, OpSearch, path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

func (t *MusicToolset) handlePlay(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var payload any
	if uri := request.GetString("uri", ""); uri != "" {
		payload = map[string]any{"uris": []string{uri}}
	}
	if err := t.send(ctx, OpPlayback, http.MethodPut, "/me/player/play", payload); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("playback started"), nil
}

func (t *MusicToolset) handlePause(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := t.send(ctx, OpPlayback, http.MethodPut, "/me/player/pause", nil); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("playback paused"), nil
}

func (t *MusicToolset) handleNext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := t.send(ctx, OpPlayback, http.MethodPost, "/me/player/next", nil); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("skipped to next track"), nil
}

func (t *MusicToolset) handlePrevious(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := t.send(ctx, OpPlayback, http.MethodPost, "/me/player/previous", nil); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("returned to previous track"), nil
}

func (t *MusicToolset) handlePlaylists(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetString("limit", "20")
	path := "/me/playlists" + APIQuery(map[string]string{"limit": limit})
	body, err := t.get(ctx, OpPlaylists, path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}
