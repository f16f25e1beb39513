package server

import (
	"net"
	"net/url"
	"strings"
	"sync"
)

// wellKnownNonAppSchemes are URI schemes that are never acceptable redirect
// targets. Custom private-use schemes (reverse-DNS or otherwise) stay allowed
// so native clients can register things like myapp://callback.
var wellKnownNonAppSchemes = map[string]bool{
	"ftp":        true,
	"file":       true,
	"javascript": true,
	"data":       true,
	"vbscript":   true,
	"about":      true,
	"mailto":     true,
	"ws":         true,
	"wss":        true,
	"blob":       true,
}

// ValidateRedirectURI enforces the redirect scheme policy: HTTPS is always
// allowed, HTTP only for loopback hosts, and custom URI schemes are allowed
// as long as they parse and are not a well-known non-web scheme.
func ValidateRedirectURI(raw string) error {
	if raw == "" {
		return errInvalidRequest("redirect_uri required")
	}
	if strings.HasPrefix(raw, "//") {
		return errInvalidRequest("protocol-relative redirect_uri not allowed")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return errInvalidRequest("redirect_uri must be absolute")
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "https":
		return nil
	case "http":
		if isLoopbackHost(u.Hostname()) {
			return nil
		}
		return errInvalidRequest("http redirect_uri allowed for loopback hosts only")
	}
	if wellKnownNonAppSchemes[scheme] {
		return errInvalidRequest("redirect_uri scheme not allowed: " + scheme)
	}
	if !validSchemeSyntax(scheme) {
		return errInvalidRequest("malformed redirect_uri scheme")
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// validSchemeSyntax checks RFC 3986 scheme syntax:
// ALPHA *( ALPHA / DIGIT / "+" / "-" / "." ).
func validSchemeSyntax(scheme string) bool {
	if scheme == "" {
		return false
	}
	for i, r := range scheme {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// RegisteredClient is the single public client the gateway hands out through
// dynamic registration. There is no client secret; PKCE is the security
// boundary.
type RegisteredClient struct {
	ClientID                string   `json:"client_id"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// ClientRegistry remembers redirect URIs submitted through dynamic
// registration. Registration is advisory for this public-client deployment:
// every registration resolves to the one fixed client id.
type ClientRegistry struct {
	mu           sync.RWMutex
	clientID     string
	redirectURIs map[string]bool
}

// NewClientRegistry builds the registry around the fixed public client id.
func NewClientRegistry(clientID string) *ClientRegistry {
	return &ClientRegistry{
		clientID:     clientID,
		redirectURIs: make(map[string]bool),
	}
}

// Register validates the submitted redirect URIs and returns the public
// client metadata.
func (cr *ClientRegistry) Register(redirectURIs []string) (RegisteredClient, error) {
	for _, uri := range redirectURIs {
		if err := ValidateRedirectURI(uri); err != nil {
			return RegisteredClient{}, err
		}
	}
	cr.mu.Lock()
	for _, uri := range redirectURIs {
		cr.redirectURIs[uri] = true
	}
	cr.mu.Unlock()

	return RegisteredClient{
		ClientID:                cr.clientID,
		RedirectURIs:            redirectURIs,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
	}, nil
}

// ClientID returns the fixed public client identifier.
func (cr *ClientRegistry) ClientID() string {
	return cr.clientID
}
