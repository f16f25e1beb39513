package server

import (
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// BearerClaims is the claim set minted into gateway bearer tokens. The
// delegated music credentials ride inside the token so verification alone
// recovers everything a tool adapter needs.
type BearerClaims struct {
	ClientID          string `json:"client_id,omitempty"`
	Scope             string `json:"scope,omitempty"`
	MusicAccessToken  string `json:"music_access_token"`
	MusicRefreshToken string `json:"music_refresh_token,omitempty"`
	jwt.RegisteredClaims
}

// Credentials recovers the delegated pair embedded in the claims.
func (c *BearerClaims) Credentials() Credentials {
	return Credentials{
		AccessToken:  c.MusicAccessToken,
		RefreshToken: c.MusicRefreshToken,
	}
}

// TokenService signs and verifies the gateway's bearer tokens and turns
// consumed authorization codes and refresh records into token responses.
type TokenService struct {
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	store      AuthStore
	jwks       *JWKSManager
	logger     *slog.Logger
}

// NewTokenService constructs a TokenService.
func NewTokenService(cfg Config, store AuthStore, jwks *JWKSManager, logger *slog.Logger) *TokenService {
	return &TokenService{
		issuer:     cfg.Server.PublicURL,
		audience:   cfg.Server.PublicURL,
		accessTTL:  cfg.OAuth.AccessTTL,
		refreshTTL: cfg.OAuth.RefreshTTL,
		store:      store,
		jwks:       jwks,
		logger:     logger,
	}
}

// MintForAuthorizationCode turns a consumed code into a bearer token plus a
// fresh refresh record.
func (ts *TokenService) MintForAuthorizationCode(code AuthorizationCode) (TokenResponse, error) {
	access, err := ts.sign(code.UserID, code.ClientID, code.Scope, code.Credentials)
	if err != nil {
		return TokenResponse{}, err
	}

	now := time.Now()
	refreshToken := ts.store.CreateRefresh(RefreshRecord{
		ClientID:    code.ClientID,
		UserID:      code.UserID,
		Scope:       code.Scope,
		Credentials: code.Credentials,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ts.refreshTTL),
	})

	return TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(ts.accessTTL.Seconds()),
		RefreshToken: refreshToken,
		Scope:        code.Scope,
	}, nil
}

// MintForRefreshToken issues a fresh bearer token reusing the delegated
// credentials already on record. The record is reusable: it is neither
// rotated nor consumed, and the same refresh token is returned.
func (ts *TokenService) MintForRefreshToken(token string) (TokenResponse, error) {
	rec, ok := ts.store.LookupRefresh(token)
	if !ok {
		return TokenResponse{}, errInvalidGrant("refresh token invalid or expired")
	}

	access, err := ts.sign(rec.UserID, rec.ClientID, rec.Scope, rec.Credentials)
	if err != nil {
		return TokenResponse{}, err
	}

	return TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(ts.accessTTL.Seconds()),
		RefreshToken: rec.Token,
		Scope:        rec.Scope,
	}, nil
}

// VerifyBearer validates signature, issuer, audience, and expiry. Every
// failure collapses into ErrInvalidToken; callers learn nothing about why.
func (ts *TokenService) VerifyBearer(token string) (*BearerClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(ts.issuer),
		jwt.WithAudience(ts.audience),
		jwt.WithExpirationRequired(),
	}
	tok, err := jwt.ParseWithClaims(token, &BearerClaims{}, ts.jwks.Keyfunc, opts...)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := tok.Claims.(*BearerClaims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidToken
	}
	if claims.MusicAccessToken == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (ts *TokenService) sign(subject, clientID, scope string, creds Credentials) (string, error) {
	now := time.Now()
	claims := BearerClaims{
		ClientID:          clientID,
		Scope:             scope,
		MusicAccessToken:  creds.AccessToken,
		MusicRefreshToken: creds.RefreshToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Audience:  jwt.ClaimStrings{ts.audience},
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.accessTTL)),
		},
	}
	signed, err := ts.jwks.Sign(claims)
	if err != nil {
		ts.logger.Error("bearer sign failed", "error", err)
		return "", &OAuthError{Code: ErrCodeServerError, Description: "failed to sign token"}
	}
	return signed, nil
}
