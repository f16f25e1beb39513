package server

// AuthorizationServerMetadata is the RFC 8414 discovery document.
func AuthorizationServerMetadata(cfg Config) map[string]any {
	issuer := cfg.Server.PublicURL
	return map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"registration_endpoint":                 issuer + "/register",
		"jwks_uri":                              issuer + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none"},
	}
}

// ProtectedResourceMetadata is the RFC 9728 document clients are pointed at
// by the WWW-Authenticate header.
func ProtectedResourceMetadata(cfg Config) map[string]any {
	issuer := cfg.Server.PublicURL
	return map[string]any{
		"resource":                 issuer,
		"authorization_servers":    []string{issuer},
		"bearer_methods_supported": []string{"header"},
	}
}
