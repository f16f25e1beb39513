package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// fakeProvider stands in for the upstream music service.
type fakeProvider struct {
	exchangeErr   error
	profileErr    error
	refreshErr    error
	getStatuses   []int
	getBody       string
	sendStatuses  []int
	refreshCalls  int
	exchangedCode string
	redirectSeen  string
}

func (f *fakeProvider) AuthCodeURL(state, redirectURI string) string {
	return "https://accounts.test/authorize?state=" + url.QueryEscape(state) +
		"&redirect_uri=" + url.QueryEscape(redirectURI)
}

func (f *fakeProvider) Exchange(_ context.Context, code, redirectURI string) (Credentials, error) {
	if f.exchangeErr != nil {
		return Credentials{}, f.exchangeErr
	}
	f.exchangedCode = code
	f.redirectSeen = redirectURI
	return Credentials{AccessToken: "music-access", RefreshToken: "music-refresh"}, nil
}

func (f *fakeProvider) Refresh(context.Context, string) (Credentials, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return Credentials{}, f.refreshErr
	}
	return Credentials{AccessToken: "music-access-2", RefreshToken: "music-refresh-2"}, nil
}

func (f *fakeProvider) CurrentUser(context.Context, string) (MusicUser, error) {
	if f.profileErr != nil {
		return MusicUser{}, f.profileErr
	}
	return MusicUser{ID: "spotify:alice", DisplayName: "Alice"}, nil
}

func (f *fakeProvider) Get(context.Context, ProviderOp, string, string) ([]byte, int, error) {
	status := http.StatusOK
	if len(f.getStatuses) > 0 {
		status, f.getStatuses = f.getStatuses[0], f.getStatuses[1:]
	}
	return []byte(f.getBody), status, nil
}

func (f *fakeProvider) Send(context.Context, ProviderOp, string, string, string, any) (int, error) {
	status := http.StatusNoContent
	if len(f.sendStatuses) > 0 {
		status, f.sendStatuses = f.sendStatuses[0], f.sendStatuses[1:]
	}
	return status, nil
}

func setupTestApp(t *testing.T) (*App, *fakeProvider) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "http://gateway.test"
	cfg.Server.SecretsPath = t.TempDir()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := NewInMemoryStore()
	jwks, err := NewJWKSManager(cfg.Server.SecretsPath, logger)
	if err != nil {
		t.Fatalf("NewJWKSManager: %v", err)
	}

	provider := &fakeProvider{}
	bridge := NewCredentialBridge(cfg.Server.SingleSession)

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Tokens:   NewTokenService(cfg, store, jwks, logger),
		JWKS:     jwks,
		Clients:  NewClientRegistry(cfg.OAuth.ClientID),
		Provider: provider,
		Bridge:   bridge,
		Sessions: NewSessionRegistry(bridge, logger),
		Toolset:  NewMusicToolset(provider, bridge, logger),
	}
	return app, provider
}

// runAuthorize drives /authorize and returns the combined upstream state.
func runAuthorize(t *testing.T, handler http.Handler, challenge, state string) string {
	t.Helper()
	target := "/authorize?" + url.Values{
		"client_id":             {"tunegate-mcp"},
		"redirect_uri":          {"https://client.example/cb"},
		"response_type":         {"code"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"state":                 {state},
		"scope":                 {"user-read-private"},
	}.Encode()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, body %s", rec.Code, rec.Body.String())
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse consent redirect: %v", err)
	}
	combined := loc.Query().Get("state")
	if combined == "" {
		t.Fatal("consent redirect missing state")
	}
	return combined
}

// runCallback drives /callback and returns the authorization code handed to
// the client.
func runCallback(t *testing.T, handler http.Handler, combined, wantState string) string {
	t.Helper()
	target := "/callback?" + url.Values{
		"code":  {"upstream-code"},
		"state": {combined},
	}.Encode()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("callback status = %d, body %s", rec.Code, rec.Body.String())
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse client redirect: %v", err)
	}
	if got := loc.Query().Get("state"); got != wantState {
		t.Fatalf("client redirect state = %q, want %q", got, wantState)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatal("client redirect missing code")
	}
	return code
}

func postToken(t *testing.T, handler http.Handler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeOAuthError(t *testing.T, rec *httptest.ResponseRecorder) OAuthError {
	t.Helper()
	var oe OAuthError
	if err := json.NewDecoder(rec.Body).Decode(&oe); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return oe
}

func TestFullAuthorizationCodeFlow(t *testing.T) {
	app, provider := setupTestApp(t)
	handler := app.Routes()

	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	combined := runAuthorize(t, handler, DeriveChallenge(verifier), "client-state")
	code := runCallback(t, handler, combined, "client-state")

	if provider.exchangedCode != "upstream-code" {
		t.Fatalf("provider saw code %q", provider.exchangedCode)
	}
	if provider.redirectSeen != "http://gateway.test/callback" {
		t.Fatalf("provider saw redirect %q", provider.redirectSeen)
	}

	rec := postToken(t, handler, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://client.example/cb"},
		"code_verifier": {verifier},
		"client_id":     {"tunegate-mcp"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp TokenResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	if resp.ExpiresIn != 3600 {
		t.Fatalf("expires_in = %d, want 3600", resp.ExpiresIn)
	}
	if resp.RefreshToken == "" {
		t.Fatal("expected refresh token")
	}

	claims, err := app.Tokens.VerifyBearer(resp.AccessToken)
	if err != nil {
		t.Fatalf("VerifyBearer: %v", err)
	}
	if claims.MusicAccessToken != "music-access" {
		t.Fatalf("embedded music token = %q", claims.MusicAccessToken)
	}
}

func TestAuthorizationCodeSingleExchange(t *testing.T) {
	app, _ := setupTestApp(t)
	handler := app.Routes()

	verifier := "another-verifier-value-0123456789abcdefghij"
	combined := runAuthorize(t, handler, DeriveChallenge(verifier), "s")
	code := runCallback(t, handler, combined, "s")

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://client.example/cb"},
		"code_verifier": {verifier},
		"client_id":     {"tunegate-mcp"},
	}
	if rec := postToken(t, handler, form); rec.Code != http.StatusOK {
		t.Fatalf("first exchange status = %d", rec.Code)
	}

	rec := postToken(t, handler, form)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("second exchange status = %d, want 400", rec.Code)
	}
	if oe := decodeOAuthError(t, rec); oe.Code != ErrCodeInvalidGrant {
		t.Fatalf("second exchange error = %q, want invalid_grant", oe.Code)
	}
}

func TestTokenRejectsWrongVerifier(t *testing.T) {
	app, _ := setupTestApp(t)
	handler := app.Routes()

	combined := runAuthorize(t, handler, DeriveChallenge("right-verifier-0123456789abcdefghijklmn"), "s")
	code := runCallback(t, handler, combined, "s")

	rec := postToken(t, handler, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://client.example/cb"},
		"code_verifier": {"wrong-verifier-0123456789abcdefghijklmn"},
		"client_id":     {"tunegate-mcp"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if oe := decodeOAuthError(t, rec); oe.Code != ErrCodeInvalidGrant {
		t.Fatalf("error = %q, want invalid_grant", oe.Code)
	}
}

func TestTokenRejectsRedirectMismatch(t *testing.T) {
	app, _ := setupTestApp(t)
	handler := app.Routes()

	verifier := "a-verifier-for-redirect-mismatch-abcdefgh"
	combined := runAuthorize(t, handler, DeriveChallenge(verifier), "s")
	code := runCallback(t, handler, combined, "s")

	rec := postToken(t, handler, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://evil.example/cb"},
		"code_verifier": {verifier},
		"client_id":     {"tunegate-mcp"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if oe := decodeOAuthError(t, rec); oe.Code != ErrCodeInvalidGrant {
		t.Fatalf("error = %q, want invalid_grant", oe.Code)
	}
}

func TestTokenUnknownRefreshToken(t *testing.T) {
	app, _ := setupTestApp(t)
	handler := app.Routes()

	rec := postToken(t, handler, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {"nope"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if oe := decodeOAuthError(t, rec); oe.Code != ErrCodeInvalidGrant {
		t.Fatalf("error = %q, want invalid_grant", oe.Code)
	}
}

func TestTokenUnsupportedGrantType(t *testing.T) {
	app, _ := setupTestApp(t)
	handler := app.Routes()

	rec := postToken(t, handler, url.Values{"grant_type": {"client_credentials"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if oe := decodeOAuthError(t, rec); oe.Code != ErrCodeUnsupportedGrantType {
		t.Fatalf("error = %q, want unsupported_grant_type", oe.Code)
	}
}

func TestTokenAcceptsJSONBody(t *testing.T) {
	app, _ := setupTestApp(t)
	handler := app.Routes()

	verifier := "json-body-verifier-0123456789abcdefghijkl"
	combined := runAuthorize(t, handler, DeriveChallenge(verifier), "s")
	code := runCallback(t, handler, combined, "s")

	body := fmt.Sprintf(`{"grant_type":"authorization_code","code":%q,"redirect_uri":"https://client.example/cb","code_verifier":%q,"client_id":"tunegate-mcp"}`, code, verifier)
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestAuthorizeRejections(t *testing.T) {
	app, _ := setupTestApp(t)
	handler := app.Routes()

	tests := []struct {
		name       string
		params     url.Values
		wantStatus int
	}{
		{
			name:       "missing client_id",
			params:     url.Values{"redirect_uri": {"https://c.example/cb"}, "response_type": {"code"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "forbidden redirect scheme",
			params:     url.Values{"client_id": {"x"}, "redirect_uri": {"ftp://c.example/cb"}, "response_type": {"code"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "wrong response_type redirects error",
			params: url.Values{
				"client_id": {"x"}, "redirect_uri": {"https://c.example/cb"}, "response_type": {"token"},
			},
			wantStatus: http.StatusFound,
		},
		{
			name: "missing pkce redirects error",
			params: url.Values{
				"client_id": {"x"}, "redirect_uri": {"https://c.example/cb"}, "response_type": {"code"},
			},
			wantStatus: http.StatusFound,
		},
		{
			name: "plain method rejected",
			params: url.Values{
				"client_id": {"x"}, "redirect_uri": {"https://c.example/cb"}, "response_type": {"code"},
				"code_challenge": {"abc"}, "code_challenge_method": {"plain"},
			},
			wantStatus: http.StatusFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/authorize?"+tt.params.Encode(), nil))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusFound {
				loc, err := url.Parse(rec.Header().Get("Location"))
				if err != nil {
					t.Fatalf("parse location: %v", err)
				}
				if loc.Query().Get("error") == "" {
					t.Fatal("error redirect missing error parameter")
				}
			}
		})
	}
}

func TestCallbackUnknownState(t *testing.T) {
	app, _ := setupTestApp(t)
	handler := app.Routes()

	for _, state := range []string{"", "no-dot", "unknown.nonce"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback?code=x&state="+url.QueryEscape(state), nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("state %q: status = %d, want 400", state, rec.Code)
		}
	}
}

func TestCallbackUpstreamDenialRedirectsAccessDenied(t *testing.T) {
	app, _ := setupTestApp(t)
	handler := app.Routes()

	combined := runAuthorize(t, handler, DeriveChallenge("denied-flow-verifier-0123456789abcdefgh"), "client-state")

	rec := httptest.NewRecorder()
	target := "/callback?" + url.Values{"error": {"access_denied"}, "state": {combined}}.Encode()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	if loc.Query().Get("error") != ErrCodeAccessDenied {
		t.Fatalf("redirect error = %q, want access_denied", loc.Query().Get("error"))
	}
	if loc.Query().Get("state") != "client-state" {
		t.Fatalf("redirect state = %q", loc.Query().Get("state"))
	}
}

func TestCallbackUpstreamFailureIsBadGateway(t *testing.T) {
	app, provider := setupTestApp(t)
	handler := app.Routes()
	provider.exchangeErr = fmt.Errorf("upstream down")

	combined := runAuthorize(t, handler, DeriveChallenge("exchange-fails-verifier-0123456789abcde"), "s")

	rec := httptest.NewRecorder()
	target := "/callback?" + url.Values{"code": {"x"}, "state": {combined}}.Encode()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if oe := decodeOAuthError(t, rec); oe.Code != ErrCodeServerError {
		t.Fatalf("error = %q, want server_error", oe.Code)
	}
}

func TestAuthorizeClearsBridgeBindings(t *testing.T) {
	app, _ := setupTestApp(t)
	handler := app.Routes()

	app.Bridge.Bind("session-1", "spotify:alice", Credentials{AccessToken: "old"})
	runAuthorize(t, handler, DeriveChallenge("clears-bindings-verifier-0123456789abcd"), "s")

	if app.Bridge.Len() != 0 {
		t.Fatal("new authorization attempt must drop existing bindings")
	}
}

func TestMCPRequiresBearer(t *testing.T) {
	app, _ := setupTestApp(t)
	handler := app.Routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	authn := rec.Header().Get("WWW-Authenticate")
	if !strings.Contains(authn, "/.well-known/oauth-protected-resource") {
		t.Fatalf("WWW-Authenticate missing resource metadata: %q", authn)
	}
	if !strings.Contains(authn, `error="invalid_token"`) {
		t.Fatalf("WWW-Authenticate missing error: %q", authn)
	}
}

func TestMCPUnauthorizedAsEventStream(t *testing.T) {
	app, _ := setupTestApp(t)
	handler := app.Routes()

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.HasPrefix(rec.Body.String(), "event: error\n") {
		t.Fatalf("body not SSE framed: %q", rec.Body.String())
	}
}

func TestDiscoveryDocuments(t *testing.T) {
	app, _ := setupTestApp(t)
	handler := app.Routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metadata status = %d", rec.Code)
	}
	var meta map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta["issuer"] != "http://gateway.test" {
		t.Fatalf("issuer = %v", meta["issuer"])
	}
	if meta["token_endpoint"] != "http://gateway.test/token" {
		t.Fatalf("token_endpoint = %v", meta["token_endpoint"])
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("resource metadata status = %d", rec.Code)
	}
}

func TestRegisterEndpoint(t *testing.T) {
	app, _ := setupTestApp(t)
	handler := app.Routes()

	req := httptest.NewRequest(http.MethodPost, "/register",
		strings.NewReader(`{"redirect_uris":["https://client.example/cb"]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	var client RegisteredClient
	if err := json.NewDecoder(rec.Body).Decode(&client); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if client.ClientID != app.Config.OAuth.ClientID {
		t.Fatalf("client_id = %q", client.ClientID)
	}
}

func TestExternalBaseURLBehindProxy(t *testing.T) {
	app, _ := setupTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "gateway.example")

	if got := app.externalBaseURL(req); got != "http://gateway.test" {
		t.Fatalf("untrusted proxy headers honored: %q", got)
	}

	app.Config.Server.TrustProxyHeaders = true
	if got := app.externalBaseURL(req); got != "https://gateway.example" {
		t.Fatalf("externalBaseURL = %q", got)
	}
}
