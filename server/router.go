package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients during initialize.
const Version = "0.1.0"

// Routes constructs the HTTP router: discovery and OAuth endpoints in the
// open, the MCP transport behind bearer verification.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware())
	}

	r.Get("/.well-known/oauth-authorization-server", a.handleAuthServerMetadata)
	r.Get("/.well-known/oauth-protected-resource", a.handleProtectedResourceMetadata)
	r.Get("/.well-known/jwks.json", a.handleJWKS)
	r.Get("/jwks.json", a.handleJWKS)

	r.Get("/authorize", a.handleAuthorize)
	r.Get("/callback", a.handleCallback)
	r.Post("/token", a.handleToken)
	r.Post("/register", a.handleRegister)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"status": "ok", "sessions": a.Sessions.Count()})
	})

	r.Handle("/mcp", a.RequireBearer(a.mcpHandler()))

	return r
}

// mcpHandler builds the streamable HTTP transport for the MCP server, with
// the toolset registered and session lifecycle hooks driving the bridge.
func (a *App) mcpHandler() http.Handler {
	mcp := mcpserver.NewMCPServer("tunegate", Version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithHooks(a.Sessions.Hooks()),
	)
	a.Toolset.Register(mcp)

	return mcpserver.NewStreamableHTTPServer(mcp,
		mcpserver.WithEndpointPath("/mcp"),
	)
}
