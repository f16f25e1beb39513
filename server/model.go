package server

import "time"

// Credentials is the delegated access/refresh token pair obtained from the
// upstream music provider. It is carried inside the gateway's own bearer
// tokens and refresh records so tool adapters can call the music API on the
// user's behalf.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// MusicUser is the resolved identity of the upstream account.
type MusicUser struct {
	ID          string
	DisplayName string
	Email       string
}

// PendingAuthorization tracks a client authorization attempt awaiting the
// upstream provider callback. Keyed by an unguessable handle; removed on
// callback processing or after the pending TTL.
type PendingAuthorization struct {
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	Scope               string
	UpstreamNonce       string
	UpstreamRedirectURI string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AuthorizationCode is a short-lived, single-use code bound to the PKCE
// challenge from the originating authorization request and the delegated
// credentials obtained through upstream consent.
type AuthorizationCode struct {
	Code          string
	ClientID      string
	RedirectURI   string
	CodeChallenge string
	UserID        string
	Scope         string
	Credentials   Credentials
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// RefreshRecord lets a client mint fresh bearer tokens without repeating
// upstream consent. Reusable until expiry, not single-use.
type RefreshRecord struct {
	Token       string
	ClientID    string
	UserID      string
	Scope       string
	Credentials Credentials
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// SessionAuthBinding associates a transport session with the delegated
// credentials it operates under. Replaced wholesale on token refresh.
type SessionAuthBinding struct {
	UserID      string
	Credentials Credentials
	BoundAt     time.Time
}

// TokenResponse matches the OAuth token endpoint payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}
