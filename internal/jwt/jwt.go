// Package jwt signs and validates the service's HS256 access tokens.
package jwt

import (
	"fmt"
	"strconv"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"

	"github.com/itangbaotop/itangbao-auth/internal/domain"
)

// Generator signs and validates JWTs with a single symmetric secret.
type Generator struct {
	secret    []byte
	issuer    string
	accessTTL time.Duration
}

// NewGenerator constructs a JWT generator.
func NewGenerator(secret string, issuer string, accessTTL time.Duration) *Generator {
	return &Generator{secret: []byte(secret), issuer: issuer, accessTTL: accessTTL}
}

// AccessTokenClaims is the custom JWT payload for access tokens.
type AccessTokenClaims struct {
	UserID        string `json:"id"`
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	Image         string `json:"image,omitempty"`
	Role          string `json:"role,omitempty"`
	Scope         string `json:"scope,omitempty"`
}

func (g *Generator) signer() (gojose.Signer, error) {
	return gojose.NewSigner(
		gojose.SigningKey{Algorithm: gojose.HS256, Key: g.secret},
		(&gojose.SignerOptions{}).WithType("JWT"),
	)
}

// GenerateAccessToken produces a signed access token for a client application.
func (g *Generator) GenerateAccessToken(user domain.User, clientID, scope string) (string, error) {
	return g.generate(user, clientID, scope, g.accessTTL)
}

// GenerateSessionToken produces a signed token for the service's own session,
// audienced to the issuer itself.
func (g *Generator) GenerateSessionToken(user domain.User, ttl time.Duration) (string, error) {
	return g.generate(user, g.issuer, "", ttl)
}

func (g *Generator) generate(user domain.User, audience, scope string, ttl time.Duration) (string, error) {
	signer, err := g.signer()
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}

	now := time.Now().UTC()
	std := gojwt.Claims{
		Subject:   strconv.FormatInt(user.ID, 10),
		Audience:  gojwt.Audience{audience},
		Issuer:    g.issuer,
		IssuedAt:  gojwt.NewNumericDate(now),
		Expiry:    gojwt.NewNumericDate(now.Add(ttl)),
		NotBefore: gojwt.NewNumericDate(now),
	}

	custom := AccessTokenClaims{
		UserID:        strconv.FormatInt(user.ID, 10),
		Name:          user.Name,
		Email:         user.Email,
		EmailVerified: user.EmailVerified(),
		Image:         user.Image,
		Role:          user.Role,
		Scope:         scope,
	}

	token, err := gojwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize jwt: %w", err)
	}
	return token, nil
}

// ValidateAccessToken verifies signature, expiry and issuer, then returns the
// claims. audience is optional; when non-empty it must match.
func (g *Generator) ValidateAccessToken(token, audience string) (*gojwt.Claims, *AccessTokenClaims, error) {
	parsed, err := gojwt.ParseSigned(token, []gojose.SignatureAlgorithm{gojose.HS256})
	if err != nil {
		return nil, nil, fmt.Errorf("parse token: %w", err)
	}

	var std gojwt.Claims
	var custom AccessTokenClaims
	if err := parsed.Claims(g.secret, &std, &custom); err != nil {
		return nil, nil, fmt.Errorf("verify token: %w", err)
	}

	expected := gojwt.Expected{Issuer: g.issuer, Time: time.Now().UTC()}
	if audience != "" {
		expected.AnyAudience = gojwt.Audience{audience}
	}
	if err := std.Validate(expected); err != nil {
		return nil, nil, fmt.Errorf("validate claims: %w", err)
	}

	return &std, &custom, nil
}
