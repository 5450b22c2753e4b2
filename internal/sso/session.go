package sso

import (
	"net/http"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

// sessionAudience keeps session cookies and state tokens from being
// accepted in each other's place even though they share a secret.
const sessionAudience = "sso-session"

// Session is the collaborator that ties an inbound request to a platform
// user id. The surrounding platform owns the real session model; the
// gate only needs to read the current user and to bind one after a
// completed login.
type Session interface {
	// UserID returns the user bound to the request, "" when anonymous.
	UserID(r *http.Request) string

	// Bind associates the user with the client after a completed login.
	Bind(w http.ResponseWriter, userID string)

	// Clear drops the binding on logout.
	Clear(w http.ResponseWriter)
}

// CookieSession is the reference Session: the user id carried as an
// HMAC-signed claim in a cookie. The signature is mandatory, so a bare
// or tampered value never resolves to a user; forging a session means
// forging HS256 over the server secret. Deployments embedding the gate
// substitute their own session implementation here.
type CookieSession struct {
	Name   string
	TTL    time.Duration
	Secure bool
	secret []byte
}

// NewCookieSession builds a cookie session with sane defaults. secret
// signs the cookie value; it must not be empty.
func NewCookieSession(name string, ttl time.Duration, secure bool, secret []byte) *CookieSession {
	if name == "" {
		name = "ssogate_session"
	}
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &CookieSession{Name: name, TTL: ttl, Secure: secure, secret: secret}
}

func (c *CookieSession) UserID(r *http.Request) string {
	ck, err := r.Cookie(c.Name)
	if err != nil || ck.Value == "" {
		return ""
	}
	claims := &jwtv5.RegisteredClaims{}
	tk, err := jwtv5.ParseWithClaims(ck.Value, claims, func(*jwtv5.Token) (any, error) {
		return c.secret, nil
	}, jwtv5.WithValidMethods([]string{"HS256"}), jwtv5.WithAudience(sessionAudience))
	if err != nil || !tk.Valid {
		return ""
	}
	return claims.Subject
}

func (c *CookieSession) Bind(w http.ResponseWriter, userID string) {
	now := time.Now().UTC()
	claims := jwtv5.RegisteredClaims{
		Subject:   userID,
		Audience:  jwtv5.ClaimStrings{sessionAudience},
		IssuedAt:  jwtv5.NewNumericDate(now),
		ExpiresAt: jwtv5.NewNumericDate(now.Add(c.TTL)),
	}
	signed, err := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    signed,
		Path:     "/",
		MaxAge:   int(c.TTL.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c *CookieSession) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
