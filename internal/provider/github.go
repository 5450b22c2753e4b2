package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NameGitHub is the registry name of the GitHub provider.
const NameGitHub = "github"

// GitHub implements the Adapter for GitHub OAuth 2.0. GitHub has no ID
// tokens, and user profiles frequently hide the email, so identity
// retrieval may need a second call to the emails endpoint (configured as
// user_info_uri + "/emails").
type GitHub struct {
	flow
}

// NewGitHub builds the GitHub adapter. An incomplete cfg yields a
// disabled adapter whose operations report ErrProviderDisabled.
func NewGitHub(cfg Config, timeout time.Duration) *GitHub {
	return &GitHub{flow: newFlow(NameGitHub, cfg, timeout)}
}

type githubUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// FetchUserIdentity fetches the profile and, if the email is private,
// the emails listing, preferring the primary verified address. No email
// at all fails with ErrEmailUnavailable.
func (g *GitHub) FetchUserIdentity(ctx context.Context, t Token) (UserIdentity, error) {
	if !g.enabled {
		return UserIdentity{}, fmt.Errorf("%w: %s", ErrProviderDisabled, g.name)
	}

	var user githubUser
	if err := g.getJSON(ctx, g.cfg.UserInfoURI, t.AccessToken, &user); err != nil {
		return UserIdentity{}, err
	}

	email := user.Email
	if email == "" {
		var emails []githubEmail
		if err := g.getJSON(ctx, strings.TrimRight(g.cfg.UserInfoURI, "/")+"/emails", t.AccessToken, &emails); err != nil {
			return UserIdentity{}, err
		}
		email = pickGitHubEmail(emails)
	}
	if email == "" {
		return UserIdentity{}, fmt.Errorf("%w: %s", ErrEmailUnavailable, g.name)
	}

	username := user.Login
	if username == "" {
		username = DeriveUsername(email, "", "")
	}

	return UserIdentity{
		Provider:    g.name,
		ExternalID:  strconv.FormatInt(user.ID, 10),
		Username:    username,
		Email:       email,
		DisplayName: user.Name,
	}, nil
}

// pickGitHubEmail prefers primary+verified, then any verified, then the
// first listed address.
func pickGitHubEmail(emails []githubEmail) string {
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email
		}
	}
	if len(emails) > 0 {
		return emails[0].Email
	}
	return ""
}
