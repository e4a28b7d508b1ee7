package domain

import "time"

// Application is a registered relying party (OAuth client).
// RedirectURIs is the exact-match whitelist consulted on every authorization
// and token request; IsActive gates both flows.
type Application struct {
	ID           int64
	Name         string
	Description  string
	Domain       string
	RedirectURIs []string
	ClientID     string
	ClientSecret string
	IsActive     bool
	CreatedBy    int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AllowsRedirectURI reports whether uri is a byte-exact member of the
// registered whitelist. No normalization: the URI presented at /oauth/token
// must match the one stored at authorization time exactly.
func (a Application) AllowsRedirectURI(uri string) bool {
	for _, allowed := range a.RedirectURIs {
		if allowed == uri {
			return true
		}
	}
	return false
}
