package models

// AuthType describes how a provider authorizes connections.
type AuthType string

const (
	AuthTypeOAuth2        AuthType = "oauth2"
	AuthTypeCustomWebhook AuthType = "custom-webhook"
)

// Provider is a static catalog entry describing a supported upstream.
// The catalog is built in code at process start and never mutated.
type Provider struct {
	Name     string   `json:"name"`
	AuthType AuthType `json:"auth_type"`
	Scopes   []string `json:"scopes"`
	Webhooks bool     `json:"webhooks"`
}

// Provider names. The set is curated, not extensible at runtime.
const (
	ProviderGitHub         = "github"
	ProviderJira           = "jira"
	ProviderGoogleDrive    = "google-drive"
	ProviderGoogleCalendar = "google-calendar"
	ProviderGmail          = "gmail"
	ProviderZohoCliq       = "zoho-cliq"
	ProviderZohoMail       = "zoho-mail"
	ProviderSlack          = "slack"
)
