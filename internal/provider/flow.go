package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// flow carries the provider-independent half of the authorization-code
// flow. Concrete adapters embed it and add FetchUserIdentity on top.
type flow struct {
	name    string
	cfg     Config
	enabled bool
	http    *http.Client
}

func newFlow(name string, cfg Config, timeout time.Duration) flow {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return flow{
		name:    name,
		cfg:     cfg,
		enabled: cfg.complete(),
		http:    &http.Client{Timeout: timeout},
	}
}

func (f *flow) Name() string { return f.name }

func (f *flow) Enabled() bool { return f.enabled }

// AuthorizationURL builds the redirect URL for the authorization
// endpoint: client_id, redirect_uri, response_type=code, state and the
// configured scopes.
func (f *flow) AuthorizationURL(state string) (string, error) {
	if !f.enabled {
		return "", fmt.Errorf("%w: %s", ErrProviderDisabled, f.name)
	}
	u, err := url.Parse(f.cfg.AuthURI)
	if err != nil {
		return "", fmt.Errorf("%w: bad auth_uri: %v", ErrProviderDisabled, err)
	}
	q := u.Query()
	q.Set("client_id", f.cfg.ClientID)
	q.Set("redirect_uri", f.cfg.redirectURI())
	q.Set("response_type", "code")
	q.Set("state", state)
	if len(f.cfg.Scopes) > 0 {
		q.Set("scope", strings.Join(f.cfg.Scopes, " "))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ExchangeCode POSTs the form-encoded grant to the token endpoint.
// Codes are single-use: a transport failure here is reported as
// ErrNetwork and must not be retried with the same code.
func (f *flow) ExchangeCode(ctx context.Context, code string) (Token, error) {
	if !f.enabled {
		return Token{}, fmt.Errorf("%w: %s", ErrProviderDisabled, f.name)
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", f.cfg.redirectURI())
	form.Set("client_id", f.cfg.ClientID)
	form.Set("client_secret", f.cfg.ClientSecret)
	return f.tokenRequest(ctx, form)
}

// Refresh obtains a new token using the refresh token. The returned
// Token keeps the old refresh token when the provider omits it.
func (f *flow) Refresh(ctx context.Context, t Token) (Token, error) {
	if !f.enabled {
		return Token{}, fmt.Errorf("%w: %s", ErrProviderDisabled, f.name)
	}
	if t.RefreshToken == "" {
		return Token{}, fmt.Errorf("%w: %s", ErrNoRefreshToken, f.name)
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", t.RefreshToken)
	form.Set("client_id", f.cfg.ClientID)
	form.Set("client_secret", f.cfg.ClientSecret)

	nt, err := f.tokenRequest(ctx, form)
	if err != nil {
		return Token{}, err
	}
	if nt.RefreshToken == "" {
		nt.RefreshToken = t.RefreshToken
	}
	return nt, nil
}

func (f *flow) tokenRequest(ctx context.Context, form url.Values) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	if resp.StatusCode/100 != 2 {
		// Non-2xx from the token endpoint is terminal for this code.
		var b struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		_ = json.Unmarshal(body, &b)
		return Token{}, fmt.Errorf("%w: http %d: %s %s", ErrTokenExchange, resp.StatusCode, b.Error, b.ErrorDescription)
	}

	tok, err := parseTokenBody(body, resp.Header.Get("Content-Type"))
	if err != nil {
		return Token{}, err
	}
	if tok.AccessToken == "" {
		return Token{}, fmt.Errorf("%w: no access_token in token response", ErrMalformedResponse)
	}
	return tok, nil
}

// parseTokenBody accepts both JSON and form-encoded token replies,
// depending on what the provider sends.
func parseTokenBody(body []byte, contentType string) (Token, error) {
	trimmed := strings.TrimSpace(string(body))

	if strings.Contains(contentType, "json") || strings.HasPrefix(trimmed, "{") {
		var tr struct {
			AccessToken  string `json:"access_token"`
			TokenType    string `json:"token_type"`
			RefreshToken string `json:"refresh_token"`
			ExpiresIn    int64  `json:"expires_in"`
			Scope        string `json:"scope"`
		}
		if err := json.Unmarshal(body, &tr); err != nil {
			return Token{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		return buildToken(tr.AccessToken, tr.TokenType, tr.RefreshToken, tr.Scope, tr.ExpiresIn), nil
	}

	vals, err := url.ParseQuery(trimmed)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	var expiresIn int64
	if s := vals.Get("expires_in"); s != "" {
		expiresIn, _ = strconv.ParseInt(s, 10, 64)
	}
	return buildToken(vals.Get("access_token"), vals.Get("token_type"), vals.Get("refresh_token"), vals.Get("scope"), expiresIn), nil
}

func buildToken(access, typ, refresh, scope string, expiresIn int64) Token {
	t := Token{
		AccessToken:  access,
		TokenType:    typ,
		RefreshToken: refresh,
	}
	if t.TokenType == "" {
		t.TokenType = "Bearer"
	}
	if expiresIn > 0 {
		t.ExpiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second).UTC()
	}
	if scope != "" {
		t.Scope = splitScope(scope)
	}
	return t
}

func splitScope(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// getJSON performs a Bearer-authenticated GET against a user-info style
// endpoint and decodes the JSON body into v.
func (f *flow) getJSON(ctx context.Context, rawURL, accessToken string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: http %d from %s", ErrUserInfo, resp.StatusCode, f.name)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}
