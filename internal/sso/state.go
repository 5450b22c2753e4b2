package sso

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	gocache "github.com/patrickmn/go-cache"
)

// stateAudience is the expected audience of state tokens.
const stateAudience = "sso-state"

// StateClaims is the payload bound into the anti-forgery state value.
type StateClaims struct {
	Provider string `json:"provider"`
	Nonce    string `json:"nonce"`
	ReturnTo string `json:"return_to,omitempty"`
	jwtv5.RegisteredClaims
}

// State verification errors. All of them collapse into a StateMismatch
// denial at the gate: no token exchange is attempted.
var (
	ErrStateInvalid  = errors.New("invalid state token")
	ErrStateExpired  = errors.New("state token expired")
	ErrStateConsumed = errors.New("state token already used or never issued")
	ErrStateProvider = errors.New("state provider mismatch")
)

// StateManager issues and verifies single-use state values. The value
// itself is an HMAC-signed JWT; the embedded nonce is additionally
// tracked server-side so each issued state verifies exactly once.
type StateManager struct {
	secret  []byte
	issuer  string
	ttl     time.Duration
	pending *gocache.Cache
}

// NewStateManager builds a state manager. ttl bounds how long a login
// redirect may take before the callback is rejected.
func NewStateManager(secret []byte, issuer string, ttl time.Duration) *StateManager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &StateManager{
		secret:  secret,
		issuer:  issuer,
		ttl:     ttl,
		pending: gocache.New(ttl, time.Minute),
	}
}

// Issue creates a fresh state value for a pending authorization against
// the given provider. returnTo is the in-site path to resume afterwards.
func (m *StateManager) Issue(provider, returnTo string) (string, error) {
	nonce, err := generateNonce(24)
	if err != nil {
		return "", fmt.Errorf("sso: generate nonce: %w", err)
	}

	now := time.Now().UTC()
	claims := StateClaims{
		Provider: provider,
		Nonce:    nonce,
		ReturnTo: returnTo,
		RegisteredClaims: jwtv5.RegisteredClaims{
			Issuer:    m.issuer,
			Audience:  jwtv5.ClaimStrings{stateAudience},
			IssuedAt:  jwtv5.NewNumericDate(now),
			NotBefore: jwtv5.NewNumericDate(now),
			ExpiresAt: jwtv5.NewNumericDate(now.Add(m.ttl)),
		},
	}

	signed, err := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sso: sign state: %w", err)
	}

	m.pending.Set(nonce, provider, m.ttl)
	return signed, nil
}

// Verify validates a callback's state value against the one issued for a
// pending authorization, and consumes it. Any failure means the callback
// must be denied before a token exchange is attempted.
func (m *StateManager) Verify(state, provider string) (*StateClaims, error) {
	claims := &StateClaims{}
	tk, err := jwtv5.ParseWithClaims(state, claims, func(*jwtv5.Token) (any, error) {
		return m.secret, nil
	}, jwtv5.WithValidMethods([]string{"HS256"}), jwtv5.WithAudience(stateAudience))
	if err != nil {
		if errors.Is(err, jwtv5.ErrTokenExpired) {
			return nil, ErrStateExpired
		}
		return nil, ErrStateInvalid
	}
	if !tk.Valid || claims.Nonce == "" {
		return nil, ErrStateInvalid
	}
	if m.issuer != "" && claims.Issuer != m.issuer {
		return nil, ErrStateInvalid
	}
	if !strings.EqualFold(claims.Provider, provider) {
		return nil, ErrStateProvider
	}

	// Single use: the nonce must still be pending, and is consumed now.
	if _, ok := m.pending.Get(claims.Nonce); !ok {
		return nil, ErrStateConsumed
	}
	m.pending.Delete(claims.Nonce)

	return claims, nil
}

func generateNonce(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
