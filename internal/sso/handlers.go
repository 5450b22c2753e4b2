package sso

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/idplane/ssogate/internal/httpx"
	"github.com/idplane/ssogate/internal/metrics"
	"github.com/idplane/ssogate/internal/observability/logger"
	"github.com/idplane/ssogate/internal/provider"
	"github.com/idplane/ssogate/internal/tokenstore"
	"github.com/idplane/ssogate/internal/util"
)

// Handlers exposes the authentication endpoints around the gate:
// explicit login start, the provider callback, provider listing and
// logout.
type Handlers struct {
	gate *Gate
}

// NewHandlers builds the endpoint set for a gate.
func NewHandlers(g *Gate) *Handlers {
	return &Handlers{gate: g}
}

// Mount registers the endpoints on a chi router.
func (h *Handlers) Mount(r chi.Router) {
	r.Get("/sso/providers", h.Providers)
	r.Get("/sso/login/{provider}", h.Login)
	r.Get("/sso/callback/{provider}", h.Callback)
	r.Post("/sso/logout", h.Logout)
}

// Providers handles GET /sso/providers: the login choices to render.
// Unconfigured providers never appear here.
func (h *Handlers) Providers(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"providers": h.gate.registry.Enabled(),
	})
}

// Login handles GET /sso/login/{provider}: starts an authorization-code
// flow against the named provider and redirects the user agent.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("handler"), logger.Op("sso.Login"))

	name := chi.URLParam(r, "provider")
	adapter, err := h.gate.registry.Lookup(name)
	if err != nil {
		httpx.WriteError(w, http.StatusNotFound, "unauthorized_client", "This login provider is not enabled.")
		return
	}
	if !adapter.Enabled() {
		log.Warn("login attempt against unconfigured provider", logger.Provider(name))
		httpx.WriteError(w, http.StatusNotFound, "unauthorized_client", "This login provider is not enabled.")
		return
	}

	returnTo := sanitizeReturnTo(r.URL.Query().Get("return_to"))
	state, err := h.gate.states.Issue(name, returnTo)
	if err != nil {
		log.Error("state issuance failed", logger.Err(err))
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Authentication failed. Please try again.")
		return
	}

	authURL, err := adapter.AuthorizationURL(state)
	if err != nil {
		log.Error("authorization url build failed", logger.Provider(name), logger.Err(err))
		httpx.WriteError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "This login provider is not available.")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback handles GET /sso/callback/{provider}. The state is verified
// and consumed before any token exchange; a mismatch is a hard deny.
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "provider")
	log := logger.From(ctx).With(logger.Layer("handler"), logger.Op("sso.Callback"), logger.Provider(name))

	q := r.URL.Query()

	// The provider may report a user-side error instead of a code.
	if idpErr := strings.TrimSpace(q.Get("error")); idpErr != "" {
		log.Warn("provider returned error",
			logger.String("error", idpErr),
			logger.String("description", q.Get("error_description")),
		)
		httpx.WriteError(w, http.StatusBadGateway, "server_error", "Authentication failed. Please try again.")
		return
	}

	state := strings.TrimSpace(q.Get("state"))
	code := strings.TrimSpace(q.Get("code"))
	if state == "" || code == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Missing state or code parameter.")
		return
	}

	claims, err := h.gate.states.Verify(state, name)
	if err != nil {
		// Possible CSRF: deny outright, no exchange is attempted.
		log.Warn("state verification failed", logger.Err(err))
		httpx.WriteError(w, http.StatusForbidden, "invalid_request", "Invalid or expired login session. Please try again.")
		return
	}

	adapter, err := h.gate.registry.Lookup(name)
	if err != nil {
		httpx.WriteError(w, http.StatusNotFound, "unauthorized_client", "This login provider is not enabled.")
		return
	}

	tok, err := adapter.ExchangeCode(ctx, code)
	if err != nil {
		h.fail(w, log, name, "code exchange failed", err)
		return
	}

	identity, err := adapter.FetchUserIdentity(ctx, tok)
	if err != nil {
		h.fail(w, log, name, "identity retrieval failed", err)
		return
	}

	key := tokenstore.Key{UserID: identity.Username, Provider: name}
	if err := h.gate.store.Put(ctx, key, tok); err != nil {
		log.Error("token store write failed", logger.Err(err))
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Authentication failed. Please try again.")
		return
	}

	h.gate.session.Bind(w, identity.Username)
	metrics.Logins.WithLabelValues(name).Inc()

	log.Info("login completed",
		logger.UserID(identity.Username),
		logger.String("email", util.MaskEmail(identity.Email)),
	)

	target := claims.ReturnTo
	if target == "" {
		target = "/"
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, target, http.StatusFound)
}

// Logout handles POST /sso/logout: invalidates stored tokens for the
// current user across all registered providers and clears the session.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := h.gate.session.UserID(r)
	if userID != "" {
		for _, name := range h.gate.registry.Enabled() {
			_ = h.gate.store.Invalidate(ctx, tokenstore.Key{UserID: userID, Provider: name})
		}
	}
	h.gate.session.Clear(w)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// fail maps adapter errors onto user-visible responses. The body stays
// generic; the typed cause only reaches logs and metrics.
func (h *Handlers) fail(w http.ResponseWriter, log *zap.Logger, providerName, msg string, err error) {
	log.Error(msg, logger.Err(err), logger.Bool("retryable", provider.IsRetryable(err)))
	metrics.ProviderErrors.WithLabelValues(providerName, errorClass(err)).Inc()

	switch {
	case errors.Is(err, provider.ErrProviderDisabled):
		httpx.WriteError(w, http.StatusNotFound, "unauthorized_client", "This login provider is not enabled.")
	case errors.Is(err, provider.ErrEmailUnavailable):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request",
			"An email address is required but was not provided by the identity provider.")
	case errors.Is(err, provider.ErrNetwork):
		httpx.WriteError(w, http.StatusBadGateway, "temporarily_unavailable",
			"The identity provider could not be reached. Please try again.")
	default:
		httpx.WriteError(w, http.StatusBadGateway, "server_error", "Authentication failed. Please try again.")
	}
}

// sanitizeReturnTo accepts only in-site absolute paths, preventing open
// redirects through the return_to parameter.
func sanitizeReturnTo(v string) string {
	if v == "" || !strings.HasPrefix(v, "/") || strings.HasPrefix(v, "//") {
		return ""
	}
	return v
}
