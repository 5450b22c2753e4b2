package provider

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// NameLinkedIn is the registry name of the LinkedIn provider.
const NameLinkedIn = "linkedin"

// emailProjection is the field-projection expression appended to the
// user-info URI when the default response carries no email. LinkedIn
// only returns the email address when it is asked for explicitly.
const emailProjection = ":(email-address,first-name,last-name)"

// LinkedIn implements the Adapter for LinkedIn's OAuth2 API. The token
// flow is the shared one; only user-info retrieval is LinkedIn-specific.
type LinkedIn struct {
	flow
}

// NewLinkedIn builds the LinkedIn adapter. An incomplete cfg yields a
// disabled adapter whose operations report ErrProviderDisabled.
func NewLinkedIn(cfg Config, timeout time.Duration) *LinkedIn {
	return &LinkedIn{flow: newFlow(NameLinkedIn, cfg, timeout)}
}

// linkedInProfile is the subset of the user-info response we consume.
type linkedInProfile struct {
	ID           string `json:"id"`
	EmailAddress string `json:"emailAddress"`
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
}

func (p *linkedInProfile) merge(o linkedInProfile) {
	if p.ID == "" {
		p.ID = o.ID
	}
	if p.EmailAddress == "" {
		p.EmailAddress = o.EmailAddress
	}
	if p.FirstName == "" {
		p.FirstName = o.FirstName
	}
	if p.LastName == "" {
		p.LastName = o.LastName
	}
}

// FetchUserIdentity retrieves the user profile. When the default
// response has no email, a second request with an explicit field
// projection is issued; if the email is still missing the fetch fails
// with ErrEmailUnavailable. A placeholder is never substituted.
func (l *LinkedIn) FetchUserIdentity(ctx context.Context, t Token) (UserIdentity, error) {
	if !l.enabled {
		return UserIdentity{}, fmt.Errorf("%w: %s", ErrProviderDisabled, l.name)
	}

	var profile linkedInProfile
	if err := l.getJSON(ctx, l.cfg.UserInfoURI+"?format=json", t.AccessToken, &profile); err != nil {
		return UserIdentity{}, err
	}

	if profile.EmailAddress == "" {
		var projected linkedInProfile
		url := l.cfg.UserInfoURI + emailProjection + "?format=json"
		if err := l.getJSON(ctx, url, t.AccessToken, &projected); err != nil {
			return UserIdentity{}, err
		}
		profile.merge(projected)
	}

	if profile.EmailAddress == "" {
		return UserIdentity{}, fmt.Errorf("%w: %s", ErrEmailUnavailable, l.name)
	}

	id := UserIdentity{
		Provider:   l.name,
		ExternalID: profile.ID,
		Email:      profile.EmailAddress,
		Username:   DeriveUsername(profile.EmailAddress, profile.FirstName, profile.LastName),
	}
	if profile.FirstName != "" || profile.LastName != "" {
		id.DisplayName = strings.TrimSpace(profile.FirstName + " " + profile.LastName)
	}
	return id, nil
}
