package server

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Reference lifetimes for the authorization flow.
const (
	DefaultPendingTTL = 10 * time.Minute
	DefaultCodeTTL    = 10 * time.Minute
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type", "Mcp-Session-Id"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	OAuth    OAuthConfig    `yaml:"oauth"`
	Provider ProviderConfig `yaml:"provider"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string     `yaml:"public_url"`
	DevListenAddr     string     `yaml:"dev_listen_addr"`
	HTTPListenAddr    string     `yaml:"http_listen_addr"`
	HTTPSListenAddr   string     `yaml:"https_listen_addr"`
	DevMode           bool       `yaml:"dev_mode"`
	SecretsPath       string     `yaml:"secrets_path"`
	TrustProxyHeaders bool       `yaml:"trust_proxy_headers"`
	SingleSession     bool       `yaml:"single_session"`
	TLS               TLSConfig  `yaml:"tls"`
	CORS              CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// CORSConfig lists origins allowed to call the HTTP surface from browsers.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// OAuthConfig tunes the gateway's own authorization server.
type OAuthConfig struct {
	ClientID   string        `yaml:"client_id"`
	PendingTTL time.Duration `yaml:"pending_ttl"`
	CodeTTL    time.Duration `yaml:"code_ttl"`
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
}

// ProviderConfig holds the upstream music service OAuth application.
type ProviderConfig struct {
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	APIURL       string   `yaml:"api_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			SingleSession:   false,
			TLS: TLSConfig{
				Domains: []string{"localhost"},
			},
			CORS: CORSConfig{
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
		},
		OAuth: OAuthConfig{
			ClientID:   "tunegate-mcp",
			PendingTTL: DefaultPendingTTL,
			CodeTTL:    DefaultCodeTTL,
			AccessTTL:  DefaultAccessTTL,
			RefreshTTL: DefaultRefreshTTL,
		},
		Provider: ProviderConfig{
			AuthURL:  "https://accounts.spotify.com/authorize",
			TokenURL: "https://accounts.spotify.com/api/token",
			APIURL:   "https://api.spotify.com/v1",
			Scopes: []string{
				"user-read-private",
				"user-read-email",
				"user-read-playback-state",
				"user-modify-playback-state",
				"playlist-read-private",
				"playlist-modify-private",
				"playlist-modify-public",
			},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return fmt.Errorf("server.public_url required")
	}
	if strings.HasSuffix(c.Server.PublicURL, "/") {
		return fmt.Errorf("server.public_url must not end with a slash")
	}
	if c.OAuth.ClientID == "" {
		return fmt.Errorf("oauth.client_id required")
	}
	if c.OAuth.AccessTTL <= 0 || c.OAuth.RefreshTTL <= 0 || c.OAuth.PendingTTL <= 0 || c.OAuth.CodeTTL <= 0 {
		return fmt.Errorf("oauth TTLs must be positive")
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return fmt.Errorf("server.tls.domains required outside dev mode")
	}
	if c.Provider.AuthURL == "" || c.Provider.TokenURL == "" || c.Provider.APIURL == "" {
		return fmt.Errorf("provider auth_url, token_url, and api_url required")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"TUNEGATE_SERVER_PUBLIC_URL":      func(v string) { cfg.Server.PublicURL = strings.TrimSuffix(v, "/") },
		"TUNEGATE_SERVER_DEV_LISTEN_ADDR": func(v string) { cfg.Server.DevListenAddr = v },
		"TUNEGATE_SERVER_DEV_MODE":        func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"TUNEGATE_SERVER_SECRETS_PATH":    func(v string) { cfg.Server.SecretsPath = v },
		"TUNEGATE_SERVER_SINGLE_SESSION":  func(v string) { cfg.Server.SingleSession = parseBool(v, cfg.Server.SingleSession) },
		"TUNEGATE_PROVIDER_CLIENT_ID":     func(v string) { cfg.Provider.ClientID = v },
		"TUNEGATE_PROVIDER_CLIENT_SECRET": func(v string) { cfg.Provider.ClientSecret = v },
		"TUNEGATE_OAUTH_CLIENT_ID":        func(v string) { cfg.OAuth.ClientID = v },
	}
	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}
