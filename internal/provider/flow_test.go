package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func completeConfig(tokenURI, userInfoURI string) Config {
	return Config{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		RedirectURIs: []string{"https://app.example.com/sso/callback/linkedin"},
		AuthURI:      "https://idp.example.com/oauth/authorize",
		TokenURI:     tokenURI,
		UserInfoURI:  userInfoURI,
		Scopes:       []string{"r_emailaddress", "r_basicprofile"},
	}
}

func TestAuthorizationURL(t *testing.T) {
	f := newFlow("linkedin", completeConfig("https://idp.example.com/token", "https://idp.example.com/me"), 0)

	raw, err := f.AuthorizationURL("state-123")
	if err != nil {
		t.Fatalf("AuthorizationURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	if got := q.Get("client_id"); got != "client-1" {
		t.Errorf("client_id = %q", got)
	}
	if got := q.Get("redirect_uri"); got != "https://app.example.com/sso/callback/linkedin" {
		t.Errorf("redirect_uri = %q", got)
	}
	if got := q.Get("response_type"); got != "code" {
		t.Errorf("response_type = %q", got)
	}
	if got := q.Get("state"); got != "state-123" {
		t.Errorf("state = %q", got)
	}
	if got := q.Get("scope"); got != "r_emailaddress r_basicprofile" {
		t.Errorf("scope = %q", got)
	}
}

func TestAuthorizationURL_Unconfigured(t *testing.T) {
	cfg := completeConfig("https://idp.example.com/token", "https://idp.example.com/me")
	cfg.ClientSecret = "" // one missing field is enough
	f := newFlow("linkedin", cfg, 0)

	if f.Enabled() {
		t.Fatal("provider with missing client_secret must be disabled")
	}
	if _, err := f.AuthorizationURL("s"); !errors.Is(err, ErrProviderDisabled) {
		t.Fatalf("expected ErrProviderDisabled, got %v", err)
	}
}

func TestConfigComplete_MalformedRedirect(t *testing.T) {
	cfg := completeConfig("https://t", "https://u")
	cfg.RedirectURIs = []string{"not a url"}
	if cfg.complete() {
		t.Fatal("malformed redirect URI must leave provider unconfigured")
	}
	cfg.RedirectURIs = nil
	if cfg.complete() {
		t.Fatal("no redirect URI must leave provider unconfigured")
	}
}

func TestExchangeCode_JSONResponse(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		_ = r.ParseForm()
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"bearer","refresh_token":"rt-1","expires_in":3600,"scope":"a b"}`))
	}))
	defer srv.Close()

	f := newFlow("linkedin", completeConfig(srv.URL, srv.URL), 0)
	tok, err := f.ExchangeCode(context.Background(), "code-1")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	if gotForm.Get("grant_type") != "authorization_code" ||
		gotForm.Get("code") != "code-1" ||
		gotForm.Get("client_id") != "client-1" ||
		gotForm.Get("client_secret") != "secret-1" ||
		gotForm.Get("redirect_uri") != "https://app.example.com/sso/callback/linkedin" {
		t.Fatalf("unexpected token request form: %v", gotForm)
	}

	if tok.AccessToken != "at-1" || tok.RefreshToken != "rt-1" {
		t.Fatalf("token = %+v", tok)
	}
	if tok.ExpiresAt.IsZero() || tok.ExpiresAt.Before(time.Now()) {
		t.Fatalf("expires_at not set from expires_in: %v", tok.ExpiresAt)
	}
	if len(tok.Scope) != 2 {
		t.Fatalf("scope = %v", tok.Scope)
	}
}

func TestExchangeCode_FormEncodedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-www-form-urlencoded")
		_, _ = w.Write([]byte("access_token=at-2&token_type=bearer&scope=user%3Aemail"))
	}))
	defer srv.Close()

	f := newFlow("github", completeConfig(srv.URL, srv.URL), 0)
	tok, err := f.ExchangeCode(context.Background(), "code-2")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if tok.AccessToken != "at-2" {
		t.Fatalf("access_token = %q", tok.AccessToken)
	}
	if !tok.ExpiresAt.IsZero() {
		t.Fatal("no expires_in must leave ExpiresAt zero")
	}
}

func TestExchangeCode_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"code expired"}`))
	}))
	defer srv.Close()

	f := newFlow("linkedin", completeConfig(srv.URL, srv.URL), 0)
	_, err := f.ExchangeCode(context.Background(), "stale")
	if !errors.Is(err, ErrTokenExchange) {
		t.Fatalf("expected ErrTokenExchange, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatal("token exchange failure must not be retryable")
	}
	if !strings.Contains(err.Error(), "invalid_grant") {
		t.Fatalf("error should carry provider code for logs: %v", err)
	}
}

func TestExchangeCode_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	f := newFlow("linkedin", completeConfig(srv.URL, srv.URL), 0)
	_, err := f.ExchangeCode(context.Background(), "c")
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatal("network failure must be retryable")
	}
}

func TestExchangeCode_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	f := newFlow("linkedin", completeConfig(srv.URL, srv.URL), 20*time.Millisecond)
	_, err := f.ExchangeCode(context.Background(), "c")
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork for timeout, got %v", err)
	}
}

func TestExchangeCode_MissingAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token_type":"bearer"}`))
	}))
	defer srv.Close()

	f := newFlow("linkedin", completeConfig(srv.URL, srv.URL), 0)
	_, err := f.ExchangeCode(context.Background(), "c")
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestRefresh(t *testing.T) {
	var gotGrant string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotGrant = r.PostForm.Get("grant_type")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-new","token_type":"bearer","expires_in":60}`))
	}))
	defer srv.Close()

	f := newFlow("linkedin", completeConfig(srv.URL, srv.URL), 0)
	old := Token{AccessToken: "at-old", RefreshToken: "rt-1"}

	nt, err := f.Refresh(context.Background(), old)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if gotGrant != "refresh_token" {
		t.Fatalf("grant_type = %q", gotGrant)
	}
	if nt.AccessToken != "at-new" {
		t.Fatalf("access_token = %q", nt.AccessToken)
	}
	// Provider omitted refresh_token: the old one is carried over.
	if nt.RefreshToken != "rt-1" {
		t.Fatalf("refresh_token = %q", nt.RefreshToken)
	}
	// The input token is a value; the original stays untouched.
	if old.AccessToken != "at-old" {
		t.Fatal("refresh must not mutate the input token")
	}
}

func TestRefresh_NoRefreshToken(t *testing.T) {
	f := newFlow("linkedin", completeConfig("https://t", "https://u"), 0)
	_, err := f.Refresh(context.Background(), Token{AccessToken: "at"})
	if !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("expected ErrNoRefreshToken, got %v", err)
	}
}

func TestTokenExpired(t *testing.T) {
	now := time.Now()
	if (Token{}).Expired(now) {
		t.Fatal("token without expiry never expires")
	}
	if (Token{ExpiresAt: now.Add(time.Minute)}).Expired(now) {
		t.Fatal("future expiry is not expired")
	}
	if !(Token{ExpiresAt: now.Add(-time.Minute)}).Expired(now) {
		t.Fatal("past expiry is expired")
	}
}

func TestDeriveUsername(t *testing.T) {
	cases := []struct {
		email, first, last, want string
	}{
		{"jane.doe@example.com", "Jane", "Doe", "jane_doe"},
		{"jd@example.com", "", "", "jd"},
		{"jd@example.com", "Jane", "", "jd"},
		{"jd@example.com", "", "Doe", "jd"},
		{"noat", "", "", "noat"},
	}
	for _, tc := range cases {
		if got := DeriveUsername(tc.email, tc.first, tc.last); got != tc.want {
			t.Errorf("DeriveUsername(%q,%q,%q) = %q, want %q", tc.email, tc.first, tc.last, got, tc.want)
		}
	}
}
