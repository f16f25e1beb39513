package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ProviderOp names an upstream call for logs and error wrapping. Operations
// are enumerated here and passed explicitly; they are never inferred from
// call sites.
type ProviderOp string

const (
	OpExchangeCode ProviderOp = "exchange_code"
	OpRefreshToken ProviderOp = "refresh_token"
	OpFetchProfile ProviderOp = "fetch_profile"
	OpSearch       ProviderOp = "search"
	OpPlayback     ProviderOp = "playback"
	OpPlaylists    ProviderOp = "playlists"
)

// MusicProvider is the capability the flow controller needs from the
// upstream music service: code exchange, token refresh, and resource
// fetches. All calls can fail or time out; failures propagate as
// server_error to the caller and are never retried here.
type MusicProvider interface {
	AuthCodeURL(state, redirectURI string) string
	Exchange(ctx context.Context, code, redirectURI string) (Credentials, error)
	Refresh(ctx context.Context, refreshToken string) (Credentials, error)
	CurrentUser(ctx context.Context, accessToken string) (MusicUser, error)
	Get(ctx context.Context, op ProviderOp, path string, accessToken string) ([]byte, int, error)
	Send(ctx context.Context, op ProviderOp, method, path string, accessToken string, body any) (int, error)
}

// SpotifyProvider talks to a Spotify-compatible accounts + API host pair.
type SpotifyProvider struct {
	conf   *oauth2.Config
	apiURL string
	http   *http.Client
	logger *slog.Logger
}

// NewSpotifyProvider builds the provider from configuration.
func NewSpotifyProvider(cfg ProviderConfig, logger *slog.Logger) *SpotifyProvider {
	return &SpotifyProvider{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		apiURL: strings.TrimSuffix(cfg.APIURL, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// AuthCodeURL constructs the consent URL for the upstream provider.
func (p *SpotifyProvider) AuthCodeURL(state, redirectURI string) string {
	return p.conf.AuthCodeURL(state,
		oauth2.SetAuthURLParam("redirect_uri", redirectURI),
		oauth2.SetAuthURLParam("show_dialog", "true"),
	)
}

// Exchange swaps the upstream authorization code for delegated credentials.
// The redirect URI must byte-match what was sent on the consent redirect.
func (p *SpotifyProvider) Exchange(ctx context.Context, code, redirectURI string) (Credentials, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.http)
	tok, err := p.conf.Exchange(ctx, code, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
	if err != nil {
		return Credentials{}, p.wrap(OpExchangeCode, err)
	}
	return Credentials{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}, nil
}

// Refresh obtains a fresh delegated access token. Spotify does not always
// rotate the refresh token; when the response omits one the old token stays
// valid and is carried forward.
func (p *SpotifyProvider) Refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.http)
	src := p.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return Credentials{}, p.wrap(OpRefreshToken, err)
	}
	creds := Credentials{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if creds.RefreshToken == "" {
		creds.RefreshToken = refreshToken
	}
	return creds, nil
}

// CurrentUser resolves the account behind the delegated access token.
func (p *SpotifyProvider) CurrentUser(ctx context.Context, accessToken string) (MusicUser, error) {
	body, status, err := p.Get(ctx, OpFetchProfile, "/me", accessToken)
	if err != nil {
		return MusicUser{}, err
	}
	if status != http.StatusOK {
		return MusicUser{}, p.wrap(OpFetchProfile, fmt.Errorf("status %d", status))
	}
	var profile struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
		Email       string `json:"email"`
	}
	if err := json.Unmarshal(body, &profile); err != nil {
		return MusicUser{}, p.wrap(OpFetchProfile, err)
	}
	if profile.ID == "" {
		return MusicUser{}, p.wrap(OpFetchProfile, fmt.Errorf("profile missing id"))
	}
	return MusicUser{ID: profile.ID, DisplayName: profile.DisplayName, Email: profile.Email}, nil
}

// Get performs an authenticated GET against the music API and returns the
// response body and status.
func (p *SpotifyProvider) Get(ctx context.Context, op ProviderOp, path, accessToken string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiURL+path, nil)
	if err != nil {
		return nil, 0, p.wrap(op, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, 0, p.wrap(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, p.wrap(op, err)
	}
	p.logger.Debug("music api call", "op", string(op), "path", path, "status", resp.StatusCode)
	return body, resp.StatusCode, nil
}

// Send performs an authenticated mutating call (PUT/POST/DELETE) with an
// optional JSON body and returns the status.
func (p *SpotifyProvider) Send(ctx context.Context, op ProviderOp, method, path, accessToken string, body any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, p.wrap(op, err)
		}
		reader = strings.NewReader(string(payload))
	}
	req, err := http.NewRequestWithContext(ctx, method, p.apiURL+path, reader)
	if err != nil {
		return 0, p.wrap(op, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return 0, p.wrap(op, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	p.logger.Debug("music api call", "op", string(op), "method", method, "path", path, "status", resp.StatusCode)
	return resp.StatusCode, nil
}

func (p *SpotifyProvider) wrap(op ProviderOp, err error) error {
	return fmt.Errorf("provider %s: %w", op, err)
}

// APIQuery builds a query string for the music API.
func APIQuery(params map[string]string) string {
	q := url.Values{}
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}
