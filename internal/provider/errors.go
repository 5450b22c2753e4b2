package provider

import "errors"

// Error taxonomy for the authorization-code flow. Adapters always return
// one of these sentinels (wrapped with context), so callers can decide
// between "retry with a fresh login", "provider is disabled, hide it"
// and "hard failure" without string matching.
var (
	// ErrProviderDisabled marks an Unconfigured provider. This is a
	// static state, not a runtime fault: the provider stays registered
	// but every operation reports it as disabled.
	ErrProviderDisabled = errors.New("provider is not configured")

	// ErrProviderNotFound is returned by Registry.Lookup for names that
	// were never registered.
	ErrProviderNotFound = errors.New("unknown provider")

	// ErrNetwork is an I/O failure or timeout reaching the provider.
	// Retryable by starting a new login, never by replaying the same
	// authorization code (codes are single-use).
	ErrNetwork = errors.New("provider unreachable")

	// ErrTokenExchange is a non-2xx reply from the token endpoint.
	ErrTokenExchange = errors.New("token exchange failed")

	// ErrUserInfo is a non-2xx reply from the user-info endpoint.
	ErrUserInfo = errors.New("user info request failed")

	// ErrEmailUnavailable means the user-info response parsed fine but
	// contained no usable email, even after a field-projection retry.
	// An email is never fabricated in its place.
	ErrEmailUnavailable = errors.New("no usable email in user info")

	// ErrMalformedResponse means the provider reply could not be parsed
	// in the expected format.
	ErrMalformedResponse = errors.New("malformed provider response")

	// ErrNoRefreshToken means a refresh was requested for a token that
	// was issued without a refresh token.
	ErrNoRefreshToken = errors.New("token has no refresh token")
)

// IsRetryable reports whether the error class allows the caller to send
// the user through a fresh login attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}
