package service_test

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/itangbaotop/itangbao-auth/internal/config"
	"github.com/itangbaotop/itangbao-auth/internal/domain"
	"github.com/itangbaotop/itangbao-auth/internal/jwt"
	"github.com/itangbaotop/itangbao-auth/internal/pkce"
	"github.com/itangbaotop/itangbao-auth/internal/service"
)

const (
	testClientID     = "9f3a2b1c9f3a2b1c9f3a2b1c9f3a2b1c"
	testClientSecret = "super-secret-client-credential"
	testRedirectURI  = "https://app.example.com/callback"
)

type grantFixture struct {
	grants *service.GrantService
	users  *memoryUserRepo
	apps   *memoryAppRepo
	codes  *memoryCodeRepo
	tokens *memoryTokenRepo
	cfg    config.Config
}

func newGrantFixture(t *testing.T) *grantFixture {
	t.Helper()

	verified := time.Now().UTC()
	users := newMemoryUserRepo(domain.User{
		ID:              10,
		Email:           "user@example.com",
		Name:            "Test User",
		Role:            domain.RoleUser,
		EmailVerifiedAt: &verified,
	})
	apps := newMemoryAppRepo(domain.Application{
		ID:           1,
		Name:         "Example App",
		Domain:       "app.example.com",
		RedirectURIs: []string{testRedirectURI},
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		IsActive:     true,
	})
	codes := newMemoryCodeRepo()
	tokens := newMemoryTokenRepo()

	cfg := config.Config{
		ServiceName:       "itangbao-auth",
		AccessTokenTTL:    15 * time.Minute,
		RefreshTokenTTL:   time.Hour,
		AuthCodeTTL:       5 * time.Minute,
		RefreshTokenBytes: 48,
		AuthCodeBytes:     32,
	}
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	generator := jwt.NewGenerator("0123456789abcdef0123456789abcdef", cfg.ServiceName, cfg.AccessTokenTTL)

	return &grantFixture{
		grants: service.NewGrantService(apps, users, codes, tokens, node, generator, cfg, zap.NewNop()),
		users:  users,
		apps:   apps,
		codes:  codes,
		tokens: tokens,
		cfg:    cfg,
	}
}

func (f *grantFixture) authorize(t *testing.T, req service.AuthorizeRequest) string {
	t.Helper()
	if req.ResponseType == "" {
		req.ResponseType = "code"
	}
	if req.ClientID == "" {
		req.ClientID = testClientID
	}
	if req.RedirectURI == "" {
		req.RedirectURI = testRedirectURI
	}
	if req.UserID == 0 {
		req.UserID = 10
	}
	target, err := f.grants.Authorize(context.Background(), req)
	require.NoError(t, err)

	parsed, err := url.Parse(target)
	require.NoError(t, err)
	code := parsed.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func requireOAuthError(t *testing.T, err error, code string, status int) {
	t.Helper()
	require.Error(t, err)
	oauthErr, ok := err.(*service.OAuthError)
	require.True(t, ok, "expected *service.OAuthError, got %T: %v", err, err)
	require.Equal(t, code, oauthErr.Code)
	require.Equal(t, status, oauthErr.Status)
}

func TestAuthorizationCodeFlow(t *testing.T) {
	f := newGrantFixture(t)

	target, err := f.grants.Authorize(context.Background(), service.AuthorizeRequest{
		ResponseType: "code",
		ClientID:     testClientID,
		RedirectURI:  testRedirectURI,
		Scope:        "openid profile",
		State:        "xyz-state",
		UserID:       10,
	})
	require.NoError(t, err)

	parsed, err := url.Parse(target)
	require.NoError(t, err)
	require.Equal(t, "app.example.com", parsed.Host)
	require.Equal(t, "xyz-state", parsed.Query().Get("state"))
	code := parsed.Query().Get("code")
	require.NotEmpty(t, code)

	resp, err := f.grants.Token(context.Background(), service.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
	})
	require.NoError(t, err)
	require.Equal(t, "Bearer", resp.TokenType)
	require.Equal(t, 900, resp.ExpiresIn)
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.RefreshToken)
	require.Equal(t, "openid profile", resp.Scope)
	require.Equal(t, "10", resp.UserInfo.Sub)
	require.Equal(t, "user@example.com", resp.UserInfo.Email)
	require.True(t, resp.UserInfo.EmailVerified)
}

func TestAuthorizeRejectsUnregisteredRedirectURI(t *testing.T) {
	f := newGrantFixture(t)

	_, err := f.grants.Authorize(context.Background(), service.AuthorizeRequest{
		ResponseType: "code",
		ClientID:     testClientID,
		RedirectURI:  "https://evil.example.com/callback",
		UserID:       10,
	})
	requireOAuthError(t, err, "invalid_request", 400)
}

func TestAuthorizeRejectsUnknownResponseType(t *testing.T) {
	f := newGrantFixture(t)

	_, err := f.grants.Authorize(context.Background(), service.AuthorizeRequest{
		ResponseType: "token",
		ClientID:     testClientID,
		RedirectURI:  testRedirectURI,
		UserID:       10,
	})
	requireOAuthError(t, err, "unsupported_response_type", 400)
}

func TestAuthorizeRejectsInactiveClient(t *testing.T) {
	f := newGrantFixture(t)
	app, _ := f.apps.GetByClientID(context.Background(), testClientID)
	app.IsActive = false
	_, err := f.apps.Update(context.Background(), app)
	require.NoError(t, err)

	_, err = f.grants.Authorize(context.Background(), service.AuthorizeRequest{
		ResponseType: "code",
		ClientID:     testClientID,
		RedirectURI:  testRedirectURI,
		UserID:       10,
	})
	requireOAuthError(t, err, "invalid_client", 401)
}

func TestAuthorizeRejectsUnknownClient(t *testing.T) {
	f := newGrantFixture(t)

	_, err := f.grants.Authorize(context.Background(), service.AuthorizeRequest{
		ResponseType: "code",
		ClientID:     "no-such-client",
		RedirectURI:  testRedirectURI,
		UserID:       10,
	})
	requireOAuthError(t, err, "invalid_client", 401)
}

func TestCodeIsSingleUse(t *testing.T) {
	f := newGrantFixture(t)
	code := f.authorize(t, service.AuthorizeRequest{})

	req := service.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
	}
	_, err := f.grants.Token(context.Background(), req)
	require.NoError(t, err)

	_, err = f.grants.Token(context.Background(), req)
	requireOAuthError(t, err, "invalid_grant", 400)
}

func TestConcurrentRedemptionOneWinner(t *testing.T) {
	f := newGrantFixture(t)
	code := f.authorize(t, service.AuthorizeRequest{})

	req := service.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
	}

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.grants.Token(context.Background(), req)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		}
	}
	require.Equal(t, 1, winners)
}

func TestExpiredCodeRejected(t *testing.T) {
	f := newGrantFixture(t)
	code := f.authorize(t, service.AuthorizeRequest{})

	// Shift stored expiry into the past.
	stored, err := f.codes.ConsumeCode(context.Background(), code, testClientID, testRedirectURI)
	require.NoError(t, err)
	stored.IsUsed = false
	stored.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, f.codes.Create(context.Background(), stored))

	_, err = f.grants.Token(context.Background(), service.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
	})
	requireOAuthError(t, err, "invalid_grant", 400)
}

func TestRedirectURIMismatchRejected(t *testing.T) {
	f := newGrantFixture(t)
	code := f.authorize(t, service.AuthorizeRequest{})

	_, err := f.grants.Token(context.Background(), service.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI + "/other",
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
	})
	requireOAuthError(t, err, "invalid_grant", 400)

	// The mismatched attempt must not consume the code: the client that
	// holds the real binding can still redeem it.
	_, err = f.grants.Token(context.Background(), service.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
	})
	require.NoError(t, err)
}

func TestPKCEVerification(t *testing.T) {
	f := newGrantFixture(t)
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	code := f.authorize(t, service.AuthorizeRequest{
		CodeChallenge:       pkce.Challenge(verifier),
		CodeChallengeMethod: pkce.MethodS256,
	})

	_, err := f.grants.Token(context.Background(), service.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		CodeVerifier: "the-wrong-verifier",
	})
	requireOAuthError(t, err, "invalid_grant", 400)

	// The failed attempt consumed the code; mint another.
	code = f.authorize(t, service.AuthorizeRequest{
		CodeChallenge:       pkce.Challenge(verifier),
		CodeChallengeMethod: pkce.MethodS256,
	})
	_, err = f.grants.Token(context.Background(), service.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		CodeVerifier: verifier,
	})
	require.NoError(t, err)
}

func TestInvalidClientSecretRejected(t *testing.T) {
	f := newGrantFixture(t)
	code := f.authorize(t, service.AuthorizeRequest{})

	_, err := f.grants.Token(context.Background(), service.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     testClientID,
		ClientSecret: "wrong-secret",
	})
	requireOAuthError(t, err, "invalid_client", 401)
}

func TestUnsupportedGrantType(t *testing.T) {
	f := newGrantFixture(t)

	_, err := f.grants.Token(context.Background(), service.TokenRequest{GrantType: "client_credentials"})
	requireOAuthError(t, err, "unsupported_grant_type", 400)

	_, err = f.grants.Token(context.Background(), service.TokenRequest{})
	requireOAuthError(t, err, "invalid_request", 400)
}

func TestRefreshRotationInvalidatesOldToken(t *testing.T) {
	f := newGrantFixture(t)
	code := f.authorize(t, service.AuthorizeRequest{Scope: "openid"})

	first, err := f.grants.Token(context.Background(), service.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
	})
	require.NoError(t, err)

	second, err := f.grants.Token(context.Background(), service.TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: first.RefreshToken,
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
	})
	require.NoError(t, err)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)
	require.Equal(t, "openid", second.Scope)

	// The rotated-out token no longer works.
	_, err = f.grants.Token(context.Background(), service.TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: first.RefreshToken,
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
	})
	requireOAuthError(t, err, "invalid_grant", 400)
}

func TestConcurrentRefreshOneWinner(t *testing.T) {
	f := newGrantFixture(t)
	code := f.authorize(t, service.AuthorizeRequest{})

	issued, err := f.grants.Token(context.Background(), service.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
	})
	require.NoError(t, err)

	req := service.TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: issued.RefreshToken,
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
	}

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.grants.Token(context.Background(), req)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		}
	}
	require.Equal(t, 1, winners)
}

func TestRevokedRefreshTokenRejected(t *testing.T) {
	f := newGrantFixture(t)
	code := f.authorize(t, service.AuthorizeRequest{})

	issued, err := f.grants.Token(context.Background(), service.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
	})
	require.NoError(t, err)

	require.NoError(t, f.grants.Revoke(context.Background(), testClientID, testClientSecret, issued.RefreshToken))

	_, err = f.grants.Token(context.Background(), service.TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: issued.RefreshToken,
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
	})
	requireOAuthError(t, err, "invalid_grant", 400)
}

func TestRevokeIsIdempotent(t *testing.T) {
	f := newGrantFixture(t)

	require.NoError(t, f.grants.Revoke(context.Background(), testClientID, testClientSecret, "never-issued"))
	require.NoError(t, f.grants.Revoke(context.Background(), testClientID, testClientSecret, "never-issued"))
}

func TestRevokeRequiresClientAuthentication(t *testing.T) {
	f := newGrantFixture(t)

	err := f.grants.Revoke(context.Background(), testClientID, "wrong-secret", "whatever")
	requireOAuthError(t, err, "invalid_client", 401)
}

func TestRevokeAllForUser(t *testing.T) {
	f := newGrantFixture(t)

	for i := 0; i < 3; i++ {
		code := f.authorize(t, service.AuthorizeRequest{})
		_, err := f.grants.Token(context.Background(), service.TokenRequest{
			GrantType:    "authorization_code",
			Code:         code,
			RedirectURI:  testRedirectURI,
			ClientID:     testClientID,
			ClientSecret: testClientSecret,
		})
		require.NoError(t, err)
	}
	require.Equal(t, 3, f.tokens.activeCountForUser(10))

	require.NoError(t, f.grants.RevokeAllForUser(context.Background(), 10))
	require.Equal(t, 0, f.tokens.activeCountForUser(10))
}

func TestVerifyAccessToken(t *testing.T) {
	f := newGrantFixture(t)
	code := f.authorize(t, service.AuthorizeRequest{})

	issued, err := f.grants.Token(context.Background(), service.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
	})
	require.NoError(t, err)

	claims, err := f.grants.Verify(context.Background(), issued.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "10", claims.UserID)

	_, err = f.grants.Verify(context.Background(), "not-a-jwt")
	requireOAuthError(t, err, "invalid_grant", 401)
}
