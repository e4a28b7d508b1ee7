package service

import "fmt"

// DiscoveryService builds responses for discovery endpoints.
type DiscoveryService struct{}

// OpenIDConfiguration matches the OIDC discovery document. There is no
// jwks_uri: tokens are signed with a symmetric secret that is never
// published.
type OpenIDConfiguration struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	UserinfoEndpoint                 string   `json:"userinfo_endpoint"`
	RevocationEndpoint               string   `json:"revocation_endpoint"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                  []string `json:"scopes_supported"`
	TokenEndpointAuthMethods         []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported    []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                  []string `json:"claims_supported"`
}

// OpenIDConfigurationResponse builds the OIDC document using request host.
func (s *DiscoveryService) OpenIDConfigurationResponse(scheme, host string) OpenIDConfiguration {
	issuer := fmt.Sprintf("%s://%s", scheme, host)
	return OpenIDConfiguration{
		Issuer:                           issuer,
		AuthorizationEndpoint:            issuer + "/api/oauth/authorize",
		TokenEndpoint:                    issuer + "/api/oauth/token",
		UserinfoEndpoint:                 issuer + "/api/oauth/userinfo",
		RevocationEndpoint:               issuer + "/api/oauth/revoke",
		ResponseTypesSupported:           []string{"code"},
		GrantTypesSupported:              []string{"authorization_code", "refresh_token"},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"HS256"},
		ScopesSupported:                  []string{"openid", "profile", "email"},
		TokenEndpointAuthMethods:         []string{"client_secret_post", "none"},
		CodeChallengeMethodsSupported:    []string{"S256", "plain"},
		ClaimsSupported:                  []string{"sub", "email", "email_verified", "name", "image", "id"},
	}
}
