package sso

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/idplane/ssogate/internal/matcher"
	"github.com/idplane/ssogate/internal/provider"
	"github.com/idplane/ssogate/internal/tokenstore"
)

// fakeAdapter is a scriptable provider.Adapter that records calls.
type fakeAdapter struct {
	mu        sync.Mutex
	name      string
	enabled   bool
	exchanges []string
	refreshes int

	exchangeTok provider.Token
	exchangeErr error
	refreshTok  provider.Token
	refreshErr  error
	identity    provider.UserIdentity
	identityErr error
}

func (f *fakeAdapter) Name() string  { return f.name }
func (f *fakeAdapter) Enabled() bool { return f.enabled }

func (f *fakeAdapter) AuthorizationURL(state string) (string, error) {
	if !f.enabled {
		return "", provider.ErrProviderDisabled
	}
	return "https://idp.example.com/authorize?client_id=c1&state=" + url.QueryEscape(state), nil
}

func (f *fakeAdapter) ExchangeCode(_ context.Context, code string) (provider.Token, error) {
	f.mu.Lock()
	f.exchanges = append(f.exchanges, code)
	f.mu.Unlock()
	return f.exchangeTok, f.exchangeErr
}

func (f *fakeAdapter) Refresh(_ context.Context, _ provider.Token) (provider.Token, error) {
	f.mu.Lock()
	f.refreshes++
	f.mu.Unlock()
	return f.refreshTok, f.refreshErr
}

func (f *fakeAdapter) FetchUserIdentity(_ context.Context, _ provider.Token) (provider.UserIdentity, error) {
	return f.identity, f.identityErr
}

func testRegistry(a provider.Adapter) *provider.Registry {
	r := provider.NewRegistry()
	r.Register(a)
	return r
}

var testSessionSecret = []byte("session-secret-session-secret-00")

func testSession() *CookieSession {
	return NewCookieSession("sid", time.Hour, false, testSessionSecret)
}

func testGate(a provider.Adapter, store tokenstore.Store) *Gate {
	return New(Deps{
		Bypass:          matcher.DefaultBypass(),
		Registry:        testRegistry(a),
		Store:           store,
		States:          newTestStates(),
		Session:         testSession(),
		DefaultProvider: "linkedin",
	})
}

// sessionCookie binds userID through the session and returns the cookie
// a logged-in client would present.
func sessionCookie(t *testing.T, s Session, userID string) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Bind(rec, userID)
	cs := rec.Result().Cookies()
	if len(cs) == 0 {
		t.Fatal("Bind set no cookie")
	}
	return cs[0]
}

func enabledAdapter() *fakeAdapter {
	return &fakeAdapter{
		name:        "linkedin",
		enabled:     true,
		exchangeTok: provider.Token{AccessToken: "at-1", TokenType: "Bearer"},
		identity: provider.UserIdentity{
			Provider: "linkedin",
			Username: "jane_doe",
			Email:    "jane.doe@example.com",
		},
	}
}

func attrs(method, path string) matcher.Request {
	return matcher.Request{Method: method, Path: path}
}

func TestDecide_Bypass(t *testing.T) {
	g := testGate(enabledAdapter(), tokenstore.NewMemory(0))

	d, err := g.Decide(context.Background(), attrs("GET", "/api/docs"), "", "/api/docs")
	require.NoError(t, err)
	require.Equal(t, OutcomeBypass, d.Outcome)
}

func TestDecide_ChallengeWhenAnonymous(t *testing.T) {
	a := enabledAdapter()
	g := testGate(a, tokenstore.NewMemory(0))

	d, err := g.Decide(context.Background(), attrs("GET", "/api/workspace/ws1"), "", "/api/workspace/ws1")
	require.NoError(t, err)
	require.Equal(t, OutcomeChallenge, d.Outcome)

	u, err := url.Parse(d.RedirectURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state, "challenge must carry a state value")

	// The issued state verifies against the pending authorization.
	claims, err := g.states.Verify(state, "linkedin")
	require.NoError(t, err)
	require.Equal(t, "/api/workspace/ws1", claims.ReturnTo)
}

func TestDecide_AuthenticatedWithStoredToken(t *testing.T) {
	g := testGate(enabledAdapter(), tokenstore.NewMemory(0))
	key := tokenstore.Key{UserID: "jane_doe", Provider: "linkedin"}
	require.NoError(t, g.store.Put(context.Background(), key, provider.Token{AccessToken: "at"}))

	d, err := g.Decide(context.Background(), attrs("GET", "/api/workspace/ws1"), "jane_doe", "/x")
	require.NoError(t, err)
	require.Equal(t, OutcomeAuthenticated, d.Outcome)
}

func TestDecide_ExpiredTokenRefreshes(t *testing.T) {
	a := enabledAdapter()
	a.refreshTok = provider.Token{AccessToken: "at-new", RefreshToken: "rt-1", ExpiresAt: time.Now().Add(time.Hour)}
	store := tokenstore.NewMemory(0)
	g := testGate(a, store)

	ctx := context.Background()
	key := tokenstore.Key{UserID: "jane_doe", Provider: "linkedin"}
	expired := provider.Token{AccessToken: "at-old", RefreshToken: "rt-1", ExpiresAt: time.Now().Add(-time.Minute)}
	require.NoError(t, store.Put(ctx, key, expired))

	d, err := g.Decide(ctx, attrs("GET", "/api/workspace/ws1"), "jane_doe", "/x")
	require.NoError(t, err)
	require.Equal(t, OutcomeAuthenticated, d.Outcome)
	require.Equal(t, 1, a.refreshes)

	got, ok, _ := store.Get(ctx, key)
	require.True(t, ok)
	require.Equal(t, "at-new", got.AccessToken)
}

func TestDecide_ExpiredTokenWithoutRefreshChallenges(t *testing.T) {
	a := enabledAdapter()
	store := tokenstore.NewMemory(0)
	g := testGate(a, store)

	ctx := context.Background()
	key := tokenstore.Key{UserID: "jane_doe", Provider: "linkedin"}
	require.NoError(t, store.Put(ctx, key, provider.Token{AccessToken: "at-old", ExpiresAt: time.Now().Add(-time.Minute)}))

	d, err := g.Decide(ctx, attrs("GET", "/api/workspace/ws1"), "jane_doe", "/x")
	require.NoError(t, err)
	require.Equal(t, OutcomeChallenge, d.Outcome)
	require.Equal(t, 0, a.refreshes)

	_, ok, _ := store.Get(ctx, key)
	require.False(t, ok, "expired token without refresh must be invalidated")
}

func TestDecide_RefreshFailureChallenges(t *testing.T) {
	a := enabledAdapter()
	a.refreshErr = fmt.Errorf("%w: boom", provider.ErrNetwork)
	store := tokenstore.NewMemory(0)
	g := testGate(a, store)

	ctx := context.Background()
	key := tokenstore.Key{UserID: "jane_doe", Provider: "linkedin"}
	require.NoError(t, store.Put(ctx, key, provider.Token{AccessToken: "at-old", RefreshToken: "rt", ExpiresAt: time.Now().Add(-time.Minute)}))

	d, err := g.Decide(ctx, attrs("GET", "/api/workspace/ws1"), "jane_doe", "/x")
	require.NoError(t, err)
	require.Equal(t, OutcomeChallenge, d.Outcome)
}

// twoProviderGate has linkedin as the default and github as a second
// enabled provider.
func twoProviderGate(store tokenstore.Store) (*Gate, *fakeAdapter) {
	gh := &fakeAdapter{
		name:        "github",
		enabled:     true,
		exchangeTok: provider.Token{AccessToken: "gh-at", TokenType: "Bearer"},
		identity: provider.UserIdentity{
			Provider: "github",
			Username: "jane_doe",
			Email:    "jane.doe@example.com",
		},
	}
	reg := provider.NewRegistry()
	reg.Register(enabledAdapter())
	reg.Register(gh)
	g := New(Deps{
		Bypass:          matcher.DefaultBypass(),
		Registry:        reg,
		Store:           store,
		States:          newTestStates(),
		Session:         testSession(),
		DefaultProvider: "linkedin",
	})
	return g, gh
}

func TestDecide_TokenUnderNonDefaultProvider(t *testing.T) {
	store := tokenstore.NewMemory(0)
	g, _ := twoProviderGate(store)

	ctx := context.Background()
	key := tokenstore.Key{UserID: "jane_doe", Provider: "github"}
	require.NoError(t, store.Put(ctx, key, provider.Token{AccessToken: "gh-at"}))

	d, err := g.Decide(ctx, attrs("GET", "/api/workspace/ws1"), "jane_doe", "/x")
	require.NoError(t, err)
	require.Equal(t, OutcomeAuthenticated, d.Outcome, "a github login must satisfy a linkedin-default gate")
}

func TestDecide_RefreshUsesLoginProvider(t *testing.T) {
	store := tokenstore.NewMemory(0)
	g, gh := twoProviderGate(store)
	gh.refreshTok = provider.Token{AccessToken: "gh-new", RefreshToken: "gh-rt", ExpiresAt: time.Now().Add(time.Hour)}

	ctx := context.Background()
	key := tokenstore.Key{UserID: "jane_doe", Provider: "github"}
	expired := provider.Token{AccessToken: "gh-old", RefreshToken: "gh-rt", ExpiresAt: time.Now().Add(-time.Minute)}
	require.NoError(t, store.Put(ctx, key, expired))

	d, err := g.Decide(ctx, attrs("GET", "/api/workspace/ws1"), "jane_doe", "/x")
	require.NoError(t, err)
	require.Equal(t, OutcomeAuthenticated, d.Outcome)
	require.Equal(t, 1, gh.refreshes, "refresh must go through the provider that issued the token")

	got, ok, _ := store.Get(ctx, key)
	require.True(t, ok)
	require.Equal(t, "gh-new", got.AccessToken)
}

func TestLoginViaNonDefaultProvider_EndToEnd(t *testing.T) {
	store := tokenstore.NewMemory(0)
	g, gh := twoProviderGate(store)
	router := newCallbackRouter(g)

	// Complete a github login.
	state, err := g.states.Issue("github", "/api/workspace/ws1")
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/sso/callback/github?code=c1&state="+url.QueryEscape(state), nil))
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, []string{"c1"}, gh.exchanges)

	// The session from that login passes the gate.
	var hits int
	protected := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest("GET", "/api/workspace/ws1", nil)
	req.AddCookie(rec.Result().Cookies()[0])
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, hits)
}

type rejectAllValidator struct{}

func (rejectAllValidator) Validate(context.Context, string, provider.Token) error {
	return errors.New("claims check failed")
}

func TestDecide_ValidatorRejectionChallenges(t *testing.T) {
	a := enabledAdapter()
	store := tokenstore.NewMemory(0)
	g := testGate(a, store)
	g.validator = rejectAllValidator{}

	ctx := context.Background()
	key := tokenstore.Key{UserID: "jane_doe", Provider: "linkedin"}
	require.NoError(t, store.Put(ctx, key, provider.Token{AccessToken: "at"}))

	d, err := g.Decide(ctx, attrs("GET", "/api/workspace/ws1"), "jane_doe", "/x")
	require.NoError(t, err)
	require.Equal(t, OutcomeChallenge, d.Outcome)
}

func TestDecide_ProviderDisabledSurfacesError(t *testing.T) {
	a := &fakeAdapter{name: "linkedin", enabled: false}
	g := testGate(a, tokenstore.NewMemory(0))

	_, err := g.Decide(context.Background(), attrs("GET", "/api/workspace/ws1"), "", "/x")
	require.ErrorIs(t, err, provider.ErrProviderDisabled)
}

func TestMiddleware_EndToEnd(t *testing.T) {
	a := enabledAdapter()
	g := testGate(a, tokenstore.NewMemory(0))

	var hits int
	protected := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))

	// Bypassed request reaches the handler without a session.
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, httptest.NewRequest("GET", "/api/docs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, hits)

	// Enforced request without a session is redirected to the provider.
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, httptest.NewRequest("GET", "/api/workspace/ws1", nil))
	require.Equal(t, http.StatusFound, rec.Code)
	require.Contains(t, rec.Header().Get("Location"), "https://idp.example.com/authorize")
	require.Equal(t, 1, hits)

	// With a signed session cookie and a stored token, the request passes.
	require.NoError(t, g.store.Put(context.Background(),
		tokenstore.Key{UserID: "jane_doe", Provider: "linkedin"},
		provider.Token{AccessToken: "at"}))
	req := httptest.NewRequest("GET", "/api/workspace/ws1", nil)
	req.AddCookie(sessionCookie(t, g.session, "jane_doe"))
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, hits)
}

func TestMiddleware_ForgedCookieDenied(t *testing.T) {
	a := enabledAdapter()
	g := testGate(a, tokenstore.NewMemory(0))
	require.NoError(t, g.store.Put(context.Background(),
		tokenstore.Key{UserID: "victim", Provider: "linkedin"},
		provider.Token{AccessToken: "at"}))

	var hits int
	protected := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))

	// A bare user id in the cookie is not a session.
	req := httptest.NewRequest("GET", "/api/workspace/ws1", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: "victim"})
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, 0, hits, "forged cookie must not reach the handler")

	// Neither is a signed cookie with a damaged signature.
	ck := sessionCookie(t, g.session, "victim")
	req = httptest.NewRequest("GET", "/api/workspace/ws1", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: ck.Value[:len(ck.Value)-4] + "AAAA"})
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, 0, hits, "tampered cookie must not reach the handler")
}

func newCallbackRouter(g *Gate) *chi.Mux {
	r := chi.NewRouter()
	NewHandlers(g).Mount(r)
	return r
}

func TestCallback_StateMismatchDeniesBeforeExchange(t *testing.T) {
	a := enabledAdapter()
	g := testGate(a, tokenstore.NewMemory(0))
	router := newCallbackRouter(g)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/sso/callback/linkedin?code=c1&state=forged", nil))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if len(a.exchanges) != 0 {
		t.Fatal("no token exchange may happen on a state mismatch")
	}
}

func TestCallback_ReplayedStateDenied(t *testing.T) {
	a := enabledAdapter()
	g := testGate(a, tokenstore.NewMemory(0))
	router := newCallbackRouter(g)

	state, err := g.states.Issue("linkedin", "/api/workspace/ws1")
	require.NoError(t, err)

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest("GET", "/sso/callback/linkedin?code=c1&state="+url.QueryEscape(state), nil))
	require.Equal(t, http.StatusFound, first.Code)

	replay := httptest.NewRecorder()
	router.ServeHTTP(replay, httptest.NewRequest("GET", "/sso/callback/linkedin?code=c2&state="+url.QueryEscape(state), nil))
	require.Equal(t, http.StatusForbidden, replay.Code)
	require.Equal(t, []string{"c1"}, a.exchanges, "replayed state must not trigger a second exchange")
}

func TestCallback_HappyPath(t *testing.T) {
	a := enabledAdapter()
	store := tokenstore.NewMemory(0)
	g := testGate(a, store)
	router := newCallbackRouter(g)

	state, err := g.states.Issue("linkedin", "/api/workspace/ws1")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/sso/callback/linkedin?code=c1&state="+url.QueryEscape(state), nil))

	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "/api/workspace/ws1", rec.Header().Get("Location"))

	// Token stored under (derived username, provider).
	got, ok, _ := store.Get(context.Background(), tokenstore.Key{UserID: "jane_doe", Provider: "linkedin"})
	require.True(t, ok)
	require.Equal(t, "at-1", got.AccessToken)

	// Session bound for subsequent requests, as a signed value that
	// round-trips to the user id.
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	require.Equal(t, "sid", cookies[0].Name)
	require.NotEqual(t, "jane_doe", cookies[0].Value, "cookie must not carry the bare user id")
	followUp := httptest.NewRequest("GET", "/", nil)
	followUp.AddCookie(cookies[0])
	require.Equal(t, "jane_doe", g.session.UserID(followUp))
}

func TestCallback_AdapterErrorsStayGeneric(t *testing.T) {
	cases := []struct {
		name       string
		setup      func(*fakeAdapter)
		wantStatus int
	}{
		{"exchange failed", func(a *fakeAdapter) {
			a.exchangeErr = fmt.Errorf("%w: http 400", provider.ErrTokenExchange)
		}, http.StatusBadGateway},
		{"network error", func(a *fakeAdapter) {
			a.exchangeErr = fmt.Errorf("%w: dial tcp", provider.ErrNetwork)
		}, http.StatusBadGateway},
		{"email unavailable", func(a *fakeAdapter) {
			a.identityErr = fmt.Errorf("%w: linkedin", provider.ErrEmailUnavailable)
		}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := enabledAdapter()
			tc.setup(a)
			store := tokenstore.NewMemory(0)
			g := testGate(a, store)
			router := newCallbackRouter(g)

			state, err := g.states.Issue("linkedin", "")
			require.NoError(t, err)

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest("GET", "/sso/callback/linkedin?code=c1&state="+url.QueryEscape(state), nil))
			require.Equal(t, tc.wantStatus, rec.Code)

			// No token may be stored on any failure path.
			_, ok, _ := store.Get(context.Background(), tokenstore.Key{UserID: "jane_doe", Provider: "linkedin"})
			require.False(t, ok)

			// The body must not leak the provider-internal detail.
			require.NotContains(t, rec.Body.String(), "dial tcp")
			require.NotContains(t, rec.Body.String(), "http 400")
		})
	}
}

func TestCallback_IdpErrorParameter(t *testing.T) {
	a := enabledAdapter()
	g := testGate(a, tokenstore.NewMemory(0))
	router := newCallbackRouter(g)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/sso/callback/linkedin?error=access_denied&error_description=nope", nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Empty(t, a.exchanges)
}

func TestProvidersEndpoint_HidesUnconfigured(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register(enabledAdapter())
	reg.Register(&fakeAdapter{name: "github", enabled: false})

	g := New(Deps{
		Bypass:          matcher.DefaultBypass(),
		Registry:        reg,
		Store:           tokenstore.NewMemory(0),
		States:          newTestStates(),
		Session:         testSession(),
		DefaultProvider: "linkedin",
	})
	router := newCallbackRouter(g)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/sso/providers", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "linkedin")
	require.NotContains(t, rec.Body.String(), "github")
}

func TestLogout(t *testing.T) {
	a := enabledAdapter()
	store := tokenstore.NewMemory(0)
	g := testGate(a, store)
	router := newCallbackRouter(g)

	ctx := context.Background()
	key := tokenstore.Key{UserID: "jane_doe", Provider: "linkedin"}
	require.NoError(t, store.Put(ctx, key, provider.Token{AccessToken: "at"}))

	req := httptest.NewRequest("POST", "/sso/logout", nil)
	req.AddCookie(sessionCookie(t, g.session, "jane_doe"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	_, ok, _ := store.Get(ctx, key)
	require.False(t, ok, "logout must invalidate the stored token")
}

func TestLogin_UnknownAndDisabledProviders(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register(&fakeAdapter{name: "github", enabled: false})
	g := New(Deps{
		Bypass:          matcher.DefaultBypass(),
		Registry:        reg,
		Store:           tokenstore.NewMemory(0),
		States:          newTestStates(),
		Session:         testSession(),
		DefaultProvider: "github",
	})
	router := newCallbackRouter(g)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/sso/login/gitlab", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/sso/login/github", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSanitizeReturnTo(t *testing.T) {
	cases := map[string]string{
		"":                         "",
		"/api/x":                   "/api/x",
		"//evil.example.com":       "",
		"https://evil.example.com": "",
		"relative/path":            "",
	}
	for in, want := range cases {
		if got := sanitizeReturnTo(in); got != want {
			t.Errorf("sanitizeReturnTo(%q) = %q, want %q", in, got, want)
		}
	}
}
