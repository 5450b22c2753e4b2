// Package sso composes the bypass matcher, the provider registry and the
// token store into the per-request enforcement gate.
//
// Each request resolves in one pass: bypass, authenticated, or a
// challenge redirect to the configured provider's authorization endpoint
// with a freshly issued anti-forgery state. The callback drives code
// exchange, identity retrieval and token storage. Adapter failures stay
// typed all the way up; nothing ever degrades into a silent bypass.
package sso

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/idplane/ssogate/internal/httpx"
	"github.com/idplane/ssogate/internal/matcher"
	"github.com/idplane/ssogate/internal/metrics"
	"github.com/idplane/ssogate/internal/observability/logger"
	"github.com/idplane/ssogate/internal/provider"
	"github.com/idplane/ssogate/internal/tokenstore"
)

// Outcome is the terminal result of one gate evaluation.
type Outcome string

const (
	OutcomeBypass        Outcome = "bypass"
	OutcomeAuthenticated Outcome = "authenticated"
	OutcomeChallenge     Outcome = "challenge"
)

// Decision is the derived, per-request verdict. It is never persisted.
type Decision struct {
	Outcome     Outcome
	Reason      string
	RedirectURL string // set on challenge
}

// TokenValidator is the optional collaborator that checks claims or
// signatures on stored tokens beyond plain expiry.
type TokenValidator interface {
	Validate(ctx context.Context, providerName string, t provider.Token) error
}

// Deps wires the gate's collaborators.
type Deps struct {
	Bypass          *matcher.Node
	Registry        *provider.Registry
	Store           tokenstore.Store
	States          *StateManager
	Session         Session
	Validator       TokenValidator // optional
	DefaultProvider string
}

// Gate decides, per inbound request, whether SSO enforcement applies.
// It is safe for concurrent use: all shared state is read-only apart
// from the token store, which has its own discipline.
type Gate struct {
	bypass          *matcher.Node
	registry        *provider.Registry
	store           tokenstore.Store
	states          *StateManager
	session         Session
	validator       TokenValidator
	defaultProvider string

	// refreshGroup collapses concurrent refreshes for one key so the
	// provider sees a single request and the store a single write.
	refreshGroup singleflight.Group
}

// New builds the gate.
func New(d Deps) *Gate {
	return &Gate{
		bypass:          d.Bypass,
		registry:        d.Registry,
		store:           d.Store,
		states:          d.States,
		session:         d.Session,
		validator:       d.Validator,
		defaultProvider: d.DefaultProvider,
	}
}

// Decide evaluates one request. returnTo is the in-site path to resume
// after a successful login when the outcome is a challenge.
func (g *Gate) Decide(ctx context.Context, req matcher.Request, userID, returnTo string) (Decision, error) {
	if g.bypass.Matches(req) {
		return Decision{Outcome: OutcomeBypass, Reason: "request matches bypass rules"}, nil
	}

	if userID == "" {
		return g.challenge(ctx, returnTo, "no session")
	}

	key, tok, ok, err := g.lookupToken(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("sso: token lookup: %w", err)
	}
	if !ok {
		return g.challenge(ctx, returnTo, "no stored token")
	}

	if g.validator != nil {
		if err := g.validator.Validate(ctx, key.Provider, tok); err != nil {
			log := logger.From(ctx).With(logger.Component("sso.gate"))
			log.Warn("stored token rejected by validator", logger.UserID(userID), logger.Err(err))
			_ = g.store.Invalidate(ctx, key)
			return g.challenge(ctx, returnTo, "token rejected")
		}
	}

	if tok.Expired(time.Now()) {
		if tok.RefreshToken == "" {
			_ = g.store.Invalidate(ctx, key)
			return g.challenge(ctx, returnTo, "token expired")
		}
		if err := g.refresh(ctx, key, tok); err != nil {
			logger.From(ctx).Warn("token refresh failed",
				logger.UserID(userID),
				logger.Provider(key.Provider),
				logger.Err(err),
			)
			_ = g.store.Invalidate(ctx, key)
			return g.challenge(ctx, returnTo, "refresh failed")
		}
	}

	return Decision{Outcome: OutcomeAuthenticated, Reason: "valid session token"}, nil
}

// lookupToken finds the user's stored token: the default provider's key
// first, then every other enabled provider's. A user who logged in
// through a non-default provider keeps their token under that
// provider's key, and it must still satisfy the gate.
func (g *Gate) lookupToken(ctx context.Context, userID string) (tokenstore.Key, provider.Token, bool, error) {
	names := []string{g.defaultProvider}
	for _, n := range g.registry.Enabled() {
		if n != g.defaultProvider {
			names = append(names, n)
		}
	}
	for _, n := range names {
		key := tokenstore.Key{UserID: userID, Provider: n}
		tok, ok, err := g.store.Get(ctx, key)
		if err != nil {
			return tokenstore.Key{}, provider.Token{}, false, err
		}
		if ok {
			return key, tok, true, nil
		}
	}
	return tokenstore.Key{UserID: userID, Provider: g.defaultProvider}, provider.Token{}, false, nil
}

// refresh exchanges the refresh token for a new token and stores it.
// Concurrent refreshes for the same key collapse into one provider call
// and one store write; the store write itself is atomic, so the final
// state is always exactly one of the attempted tokens.
func (g *Gate) refresh(ctx context.Context, key tokenstore.Key, tok provider.Token) error {
	_, err, _ := g.refreshGroup.Do(key.String(), func() (any, error) {
		adapter, err := g.registry.Lookup(key.Provider)
		if err != nil {
			return nil, err
		}
		// Network call first, store write after: no store lock is ever
		// held across provider I/O.
		nt, err := adapter.Refresh(ctx, tok)
		if err != nil {
			metrics.ProviderErrors.WithLabelValues(key.Provider, errorClass(err)).Inc()
			return nil, err
		}
		if err := g.store.Put(ctx, key, nt); err != nil {
			return nil, err
		}
		return nil, nil
	})
	return err
}

// challenge builds the redirect to the default provider's authorization
// endpoint with a fresh state value.
func (g *Gate) challenge(ctx context.Context, returnTo, reason string) (Decision, error) {
	adapter, err := g.registry.Lookup(g.defaultProvider)
	if err != nil {
		return Decision{}, err
	}
	state, err := g.states.Issue(adapter.Name(), returnTo)
	if err != nil {
		return Decision{}, err
	}
	authURL, err := adapter.AuthorizationURL(state)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Outcome:     OutcomeChallenge,
		Reason:      reason,
		RedirectURL: authURL,
	}, nil
}

// Middleware enforces the gate in front of next. Bypassed and
// authenticated requests pass through; everything else is redirected to
// the provider, or answered with a generic authentication error when no
// provider is usable.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		req := requestAttributes(r)
		userID := g.session.UserID(r)

		d, err := g.Decide(ctx, req, userID, r.URL.RequestURI())
		if err != nil {
			log := logger.From(ctx).With(logger.Component("sso.gate"))
			switch {
			case errors.Is(err, provider.ErrProviderDisabled), errors.Is(err, provider.ErrProviderNotFound):
				log.Error("sso provider unavailable", logger.Err(err))
				httpx.WriteError(w, http.StatusServiceUnavailable, "temporarily_unavailable",
					"Single sign-on is not available. Please try again later.")
			default:
				log.Error("gate evaluation failed", logger.Err(err))
				httpx.WriteError(w, http.StatusInternalServerError, "server_error",
					"Authentication failed. Please try again.")
			}
			return
		}

		metrics.GateDecisions.WithLabelValues(string(d.Outcome)).Inc()
		logger.From(ctx).Debug("gate decision",
			logger.Decision(string(d.Outcome)),
			logger.String("reason", d.Reason),
		)

		switch d.Outcome {
		case OutcomeBypass, OutcomeAuthenticated:
			next.ServeHTTP(w, r)
		case OutcomeChallenge:
			w.Header().Set("Cache-Control", "no-store")
			http.Redirect(w, r, d.RedirectURL, http.StatusFound)
		}
	})
}

// requestAttributes projects an http.Request onto the matcher's view.
func requestAttributes(r *http.Request) matcher.Request {
	q := r.URL.Query()
	query := make(map[string]string, len(q))
	for k, vs := range q {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}
	return matcher.Request{
		Path:   r.URL.Path,
		Method: r.Method,
		Query:  query,
	}
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, provider.ErrNetwork):
		return "network"
	case errors.Is(err, provider.ErrTokenExchange):
		return "token_exchange"
	case errors.Is(err, provider.ErrUserInfo):
		return "user_info"
	case errors.Is(err, provider.ErrEmailUnavailable):
		return "email_unavailable"
	case errors.Is(err, provider.ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, provider.ErrProviderDisabled):
		return "configuration"
	default:
		return "other"
	}
}
