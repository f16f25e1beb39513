package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
)

// OAuth error codes per RFC 6749 §5.2 and RFC 6750 §3.1.
const (
	ErrCodeInvalidRequest          = "invalid_request"
	ErrCodeInvalidGrant            = "invalid_grant"
	ErrCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrCodeUnsupportedResponseType = "unsupported_response_type"
	ErrCodeAccessDenied            = "access_denied"
	ErrCodeServerError             = "server_error"
	ErrCodeInvalidToken            = "invalid_token"
)

// ErrInvalidToken is returned for every bearer verification failure.
// Expired, malformed, and forged tokens are deliberately indistinguishable.
var ErrInvalidToken = errors.New(ErrCodeInvalidToken)

// OAuthError carries an OAuth error code plus a description safe to return
// to the client.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func errInvalidRequest(desc string) error {
	return &OAuthError{Code: ErrCodeInvalidRequest, Description: desc}
}

func errInvalidGrant(desc string) error {
	return &OAuthError{Code: ErrCodeInvalidGrant, Description: desc}
}

// writeOAuthError writes a structured OAuth error object.
func writeOAuthError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(OAuthError{Code: code, Description: desc})
}

// writeOAuthErrorFrom maps an error to the token endpoint's response shape.
// Validation and grant failures are 400s; everything else is a server_error.
func writeOAuthErrorFrom(w http.ResponseWriter, err error) {
	var oe *OAuthError
	if errors.As(err, &oe) {
		status := http.StatusBadRequest
		if oe.Code == ErrCodeServerError {
			status = http.StatusBadGateway
		}
		writeOAuthError(w, status, oe.Code, oe.Description)
		return
	}
	writeOAuthError(w, http.StatusBadGateway, ErrCodeServerError, "upstream failure")
}

// redirectOAuthError sends the error back on the client's redirect URI when
// one is registered and safe, falling back to a JSON body otherwise.
func redirectOAuthError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, desc string) {
	if redirectURI == "" || ValidateRedirectURI(redirectURI) != nil {
		writeOAuthError(w, http.StatusBadRequest, code, desc)
		return
	}
	uri, err := url.Parse(redirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, code, desc)
		return
	}
	q := uri.Query()
	q.Set("error", code)
	if desc != "" {
		q.Set("error_description", desc)
	}
	if state != "" {
		q.Set("state", state)
	}
	uri.RawQuery = q.Encode()
	http.Redirect(w, r, uri.String(), http.StatusFound)
}
