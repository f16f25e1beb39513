package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    AuthStore
	Tokens   *TokenService
	JWKS     *JWKSManager
	Clients  *ClientRegistry
	Provider MusicProvider
	Bridge   *CredentialBridge
	Sessions *SessionRegistry
	Toolset  *MusicToolset
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	store := NewInMemoryStore()

	jwks, err := NewJWKSManager(cfg.Server.SecretsPath, logger)
	if err != nil {
		return nil, err
	}

	provider := NewSpotifyProvider(cfg.Provider, logger)
	bridge := NewCredentialBridge(cfg.Server.SingleSession)
	sessions := NewSessionRegistry(bridge, logger)
	tokens := NewTokenService(cfg, store, jwks, logger)
	clients := NewClientRegistry(cfg.OAuth.ClientID)
	toolset := NewMusicToolset(provider, bridge, logger)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Tokens:   tokens,
		JWKS:     jwks,
		Clients:  clients,
		Provider: provider,
		Bridge:   bridge,
		Sessions: sessions,
		Toolset:  toolset,
	}, nil
}

func (a *App) handleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, AuthorizationServerMetadata(a.Config))
}

func (a *App) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ProtectedResourceMetadata(a.Config))
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.JWKS.PublicJWKS())
}

// handleRegister implements secret-less dynamic client registration. PKCE is
// the security boundary; there is nothing to hand out beyond the fixed
// public client id.
func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RedirectURIs []string `json:"redirect_uris"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeOAuthError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid registration body")
		return
	}

	client, err := a.Clients.Register(req.RedirectURIs)
	if err != nil {
		writeOAuthErrorFrom(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(client)
}

// handleAuthorize starts an authorization attempt: validates the request,
// stores a pending entry, and redirects the user agent to the upstream
// provider's consent page. Validation happens before any state mutation.
func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")

	if clientID == "" {
		writeOAuthError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "client_id required")
		return
	}
	// Per OAuth2, never redirect errors to a redirect_uri that fails policy.
	if err := ValidateRedirectURI(redirectURI); err != nil {
		a.Logger.Warn("authorize rejected", "error", err)
		writeOAuthError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	if rt := q.Get("response_type"); rt != "code" {
		redirectOAuthError(w, r, redirectURI, state, ErrCodeUnsupportedResponseType, "only code is supported")
		return
	}
	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")
	if challenge == "" || method != CodeChallengeMethodS256 {
		redirectOAuthError(w, r, redirectURI, state, ErrCodeInvalidRequest, "code_challenge with S256 required")
		return
	}

	// A new login invalidates whatever delegated tokens earlier sessions
	// were holding; re-consent is mandatory.
	a.Bridge.Clear()

	now := time.Now()
	nonce := NewSecret()
	upstreamRedirect := a.externalBaseURL(r) + "/callback"
	handle := a.Store.CreatePending(PendingAuthorization{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		State:               state,
		Scope:               q.Get("scope"),
		UpstreamNonce:       nonce,
		UpstreamRedirectURI: upstreamRedirect,
		CreatedAt:           now,
		ExpiresAt:           now.Add(a.Config.OAuth.PendingTTL),
	})

	consentURL := a.Provider.AuthCodeURL(handle+"."+nonce, upstreamRedirect)
	http.Redirect(w, r, consentURL, http.StatusFound)
}

// handleCallback is the terminal upstream step: it trades the provider's
// code for delegated credentials, resolves the user, and sends the user
// agent back to the client with a freshly minted authorization code.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	handle, nonce, ok := splitCombinedState(q.Get("state"))
	if !ok {
		writeOAuthError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "malformed state")
		return
	}

	pending, ok := a.Store.TakePending(handle)
	if !ok {
		writeOAuthError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "unknown or expired authorization")
		return
	}
	if pending.UpstreamNonce != nonce {
		a.Logger.Warn("callback nonce mismatch", "client_id", pending.ClientID)
		writeOAuthError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "state mismatch")
		return
	}

	if upstreamErr := q.Get("error"); upstreamErr != "" {
		a.Logger.Warn("upstream consent failed", "error", upstreamErr)
		redirectOAuthError(w, r, pending.RedirectURI, pending.State, ErrCodeAccessDenied, upstreamErr)
		return
	}
	upstreamCode := q.Get("code")
	if upstreamCode == "" {
		writeOAuthError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "missing code")
		return
	}

	ctx := r.Context()
	creds, err := a.Provider.Exchange(ctx, upstreamCode, pending.UpstreamRedirectURI)
	if err != nil {
		a.Logger.Error("upstream exchange failed", "op", string(OpExchangeCode), "error", err)
		writeOAuthError(w, http.StatusBadGateway, ErrCodeServerError, "upstream exchange failed")
		return
	}
	user, err := a.Provider.CurrentUser(ctx, creds.AccessToken)
	if err != nil {
		a.Logger.Error("identity resolution failed", "op", string(OpFetchProfile), "error", err)
		writeOAuthError(w, http.StatusBadGateway, ErrCodeServerError, "identity resolution failed")
		return
	}

	now := time.Now()
	code := a.Store.IssueCode(AuthorizationCode{
		ClientID:      pending.ClientID,
		RedirectURI:   pending.RedirectURI,
		CodeChallenge: pending.CodeChallenge,
		UserID:        user.ID,
		Scope:         pending.Scope,
		Credentials:   creds,
		CreatedAt:     now,
		ExpiresAt:     now.Add(a.Config.OAuth.CodeTTL),
	})

	redirect, err := url.Parse(pending.RedirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid redirect_uri")
		return
	}
	values := redirect.Query()
	values.Set("code", code)
	if pending.State != "" {
		values.Set("state", pending.State)
	}
	redirect.RawQuery = values.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	form, err := parseTokenRequest(r)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	switch form["grant_type"] {
	case "authorization_code":
		a.handleTokenAuthorizationCode(w, form)
	case "refresh_token":
		a.handleTokenRefresh(w, form)
	default:
		writeOAuthError(w, http.StatusBadRequest, ErrCodeUnsupportedGrantType, "grant_type must be authorization_code or refresh_token")
	}
}

func (a *App) handleTokenAuthorizationCode(w http.ResponseWriter, form map[string]string) {
	code := form["code"]
	redirectURI := form["redirect_uri"]
	verifier := form["code_verifier"]
	clientID := form["client_id"]
	if code == "" || redirectURI == "" || verifier == "" || clientID == "" {
		writeOAuthError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "code, redirect_uri, code_verifier, and client_id required")
		return
	}

	stored, ok := a.Store.ConsumeCode(code)
	if !ok {
		writeOAuthError(w, http.StatusBadRequest, ErrCodeInvalidGrant, "code invalid or expired")
		return
	}
	if stored.ClientID != clientID {
		writeOAuthError(w, http.StatusBadRequest, ErrCodeInvalidGrant, "client mismatch")
		return
	}
	if stored.RedirectURI != redirectURI {
		writeOAuthError(w, http.StatusBadRequest, ErrCodeInvalidGrant, "redirect_uri mismatch")
		return
	}
	if err := VerifyPKCE(stored.CodeChallenge, verifier); err != nil {
		writeOAuthErrorFrom(w, err)
		return
	}

	resp, err := a.Tokens.MintForAuthorizationCode(stored)
	if err != nil {
		a.Logger.Error("mint for code failed", "error", err)
		writeOAuthErrorFrom(w, err)
		return
	}
	writeJSON(w, resp)
}

func (a *App) handleTokenRefresh(w http.ResponseWriter, form map[string]string) {
	token := form["refresh_token"]
	if token == "" {
		writeOAuthError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "missing refresh_token")
		return
	}

	resp, err := a.Tokens.MintForRefreshToken(token)
	if err != nil {
		a.Logger.Warn("refresh grant failed", "error", err)
		writeOAuthErrorFrom(w, err)
		return
	}
	writeJSON(w, resp)
}

// parseTokenRequest accepts both form-encoded and JSON bodies.
func parseTokenRequest(r *http.Request) (map[string]string, error) {
	out := make(map[string]string)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, err
		}
		for k, v := range body {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
		return out, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	for k := range r.PostForm {
		out[k] = r.PostForm.Get(k)
	}
	return out, nil
}

// externalBaseURL reconstructs the base URL this request arrived on, so the
// callback URI sent upstream matches exactly on the return leg even behind a
// TLS-terminating proxy.
func (a *App) externalBaseURL(r *http.Request) string {
	if !a.Config.Server.TrustProxyHeaders {
		return a.Config.Server.PublicURL
	}
	proto := r.Header.Get("X-Forwarded-Proto")
	host := r.Header.Get("X-Forwarded-Host")
	if proto == "" || host == "" {
		return a.Config.Server.PublicURL
	}
	return proto + "://" + host
}

func splitCombinedState(combined string) (handle, nonce string, ok bool) {
	handle, nonce, found := strings.Cut(combined, ".")
	if !found || handle == "" || nonce == "" {
		return "", "", false
	}
	return handle, nonce, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
