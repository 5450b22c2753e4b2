// Package provider implements the pluggable OAuth2 authorization-code
// flow against external identity providers.
//
// Each provider is an Adapter built from a validated Config. The shared
// flow logic (authorization URL construction, code exchange, refresh)
// lives in flow.go; concrete providers only supply FetchUserIdentity,
// because user-info response shapes differ per provider.
package provider

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// Config holds the per-provider configuration surface. All fields are
// optional in the configuration file; a provider with any required field
// missing is registered Unconfigured and stays disabled.
type Config struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURIs []string `yaml:"redirect_uris"`
	AuthURI      string   `yaml:"auth_uri"`
	TokenURI     string   `yaml:"token_uri"`
	UserInfoURI  string   `yaml:"user_info_uri"`
	Scopes       []string `yaml:"scopes"`
}

// complete reports whether every required field is present and every
// redirect URI parses as an absolute URL. Validation is all-or-nothing:
// a half-filled config never yields a usable provider.
func (c Config) complete() bool {
	if c.ClientID == "" || c.ClientSecret == "" ||
		c.AuthURI == "" || c.TokenURI == "" || c.UserInfoURI == "" {
		return false
	}
	if len(c.RedirectURIs) == 0 {
		return false
	}
	for _, ru := range c.RedirectURIs {
		u, err := url.Parse(ru)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return false
		}
	}
	return true
}

// redirectURI returns the primary redirect URI.
func (c Config) redirectURI() string {
	if len(c.RedirectURIs) == 0 {
		return ""
	}
	return c.RedirectURIs[0]
}

// Token is an OAuth2 access token as stored and passed around. Tokens
// are immutable once issued; a refresh produces a new Token.
type Token struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Scope        []string  `json:"scope,omitempty"`
}

// Expired reports whether the token is past its expiry. Tokens without
// an expiry never expire here; the provider rejects them if revoked.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// UserIdentity is the canonical identity extracted from a provider's
// user-info response. Email is mandatory: adapters fail with
// ErrEmailUnavailable rather than produce an identity without one.
type UserIdentity struct {
	Provider    string `json:"provider"`
	ExternalID  string `json:"external_id,omitempty"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
}

// Adapter is the per-provider capability set. Implementations are built
// once at startup and are safe for concurrent use.
type Adapter interface {
	// Name returns the provider name ("linkedin", "github", ...).
	Name() string

	// Enabled reports whether the provider is fully configured.
	Enabled() bool

	// AuthorizationURL builds the URL to redirect the user to, with the
	// given anti-forgery state value bound in.
	AuthorizationURL(state string) (string, error)

	// ExchangeCode exchanges a single-use authorization code for a token.
	ExchangeCode(ctx context.Context, code string) (Token, error)

	// Refresh obtains a fresh token. The input token is not mutated.
	Refresh(ctx context.Context, t Token) (Token, error)

	// FetchUserIdentity retrieves the canonical identity for the token.
	FetchUserIdentity(ctx context.Context, t Token) (UserIdentity, error)
}

// DeriveUsername composes the canonical username from user-info fields:
// lowercase(first)_lowercase(last) when both names are present, else the
// local part of the email.
func DeriveUsername(email, firstName, lastName string) string {
	if firstName == "" || lastName == "" {
		if i := strings.Index(email, "@"); i > 0 {
			return email[:i]
		}
		return email
	}
	return strings.ToLower(firstName) + "_" + strings.ToLower(lastName)
}
