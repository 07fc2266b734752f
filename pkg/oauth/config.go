package oauth

import (
	"golang.org/x/oauth2"
)

// ClientCredentials holds one provider's OAuth client registration.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Configured reports whether the provider's OAuth client is usable.
func (c ClientCredentials) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// NewConfig builds the oauth2 config for a provider from its credentials,
// endpoint and scopes.
func NewConfig(creds ClientCredentials, endpoint oauth2.Endpoint, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  creds.RedirectURL,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
}
