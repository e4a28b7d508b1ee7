package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/itangbaotop/itangbao-auth/internal/config"
	"github.com/itangbaotop/itangbao-auth/internal/domain"
	"github.com/itangbaotop/itangbao-auth/internal/jwt"
	"github.com/itangbaotop/itangbao-auth/internal/pkce"
	"github.com/itangbaotop/itangbao-auth/internal/repository"
)

// OAuthError standardizes OAuth compliant errors.
type OAuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func newOAuthError(code, desc string, status int) *OAuthError {
	return &OAuthError{Code: code, Description: desc, Status: status}
}

// GrantService implements the authorization code and refresh token grants.
type GrantService struct {
	apps      repository.ApplicationRepository
	users     repository.UserRepository
	codes     repository.CodeRepository
	tokens    repository.TokenRepository
	snowflake *snowflake.Node
	jwt       *jwt.Generator
	cfg       config.Config
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewGrantService wires dependencies.
func NewGrantService(apps repository.ApplicationRepository, users repository.UserRepository, codes repository.CodeRepository, tokens repository.TokenRepository, node *snowflake.Node, generator *jwt.Generator, cfg config.Config, logger *zap.Logger) *GrantService {
	return &GrantService{
		apps:      apps,
		users:     users,
		codes:     codes,
		tokens:    tokens,
		snowflake: node,
		jwt:       generator,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("github.com/itangbaotop/itangbao-auth/internal/service"),
	}
}

// Authorize validates an authorization request for an authenticated user,
// persists a single-use code and returns the redirect URL carrying it.
// Errors returned here must never be delivered to the requested
// redirect_uri; the caller renders them on the service's own error page.
func (s *GrantService) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	ctx, span := s.startSpan(ctx, "GrantService.Authorize")
	defer span.End()

	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		return "", newOAuthError("invalid_request", "client_id is required.", http.StatusBadRequest)
	}
	redirectURI := strings.TrimSpace(req.RedirectURI)
	if redirectURI == "" {
		return "", newOAuthError("invalid_request", "redirect_uri is required.", http.StatusBadRequest)
	}
	if req.ResponseType != "code" {
		return "", newOAuthError("unsupported_response_type", "Only response_type=code is supported.", http.StatusBadRequest)
	}

	app, err := s.apps.GetByClientID(ctx, clientID)
	if err != nil || !app.IsActive {
		if err != nil {
			span.RecordError(err)
		}
		return "", newOAuthError("invalid_client", "Unknown client.", http.StatusUnauthorized)
	}
	if !app.AllowsRedirectURI(redirectURI) {
		return "", newOAuthError("invalid_request", "redirect_uri is not registered for this client.", http.StatusBadRequest)
	}

	if req.CodeChallenge != "" {
		method := req.CodeChallengeMethod
		if method != "" && method != pkce.MethodS256 && method != pkce.MethodPlain {
			return "", newOAuthError("invalid_request", "Unsupported code_challenge_method.", http.StatusBadRequest)
		}
	}

	user, err := s.users.GetByID(ctx, req.UserID)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("authorize load user: %w", err)
	}

	codeValue := randomToken(s.cfg.AuthCodeBytes)
	record := domain.AuthorizationCode{
		ID:                  s.snowflake.Generate().Int64(),
		Code:                codeValue,
		UserID:              user.ID,
		ClientID:            app.ClientID,
		RedirectURI:         redirectURI,
		Scope:               normalizeScope(req.Scope),
		State:               req.State,
		CodeChallenge:       strings.TrimSpace(req.CodeChallenge),
		CodeChallengeMethod: strings.TrimSpace(req.CodeChallengeMethod),
		ExpiresAt:           time.Now().Add(s.cfg.AuthCodeTTL),
	}
	if err := s.codes.Create(ctx, record); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("persist authorization code: %w", err)
	}

	s.audit("authorization_code.issued", "user_id", user.ID, "client_id", app.ClientID, "code_id", record.ID)

	target, err := url.Parse(redirectURI)
	if err != nil {
		return "", newOAuthError("invalid_request", "redirect_uri is not a valid URL.", http.StatusBadRequest)
	}
	query := target.Query()
	query.Set("code", codeValue)
	if req.State != "" {
		query.Set("state", req.State)
	}
	target.RawQuery = query.Encode()
	return target.String(), nil
}

// Token handles the token endpoint for both supported grants.
func (s *GrantService) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "GrantService.Token")
	defer span.End()

	switch req.GrantType {
	case "authorization_code":
		return s.authorizationCodeGrant(ctx, req)
	case "refresh_token":
		return s.refreshTokenGrant(ctx, req)
	case "":
		return nil, newOAuthError("invalid_request", "grant_type is required.", http.StatusBadRequest)
	default:
		return nil, newOAuthError("unsupported_grant_type", fmt.Sprintf("Grant type %q is not supported.", req.GrantType), http.StatusBadRequest)
	}
}

func (s *GrantService) authorizationCodeGrant(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "GrantService.authorizationCodeGrant")
	defer span.End()

	if req.Code == "" {
		return nil, newOAuthError("invalid_request", "code is required.", http.StatusBadRequest)
	}
	if req.RedirectURI == "" {
		return nil, newOAuthError("invalid_request", "redirect_uri is required.", http.StatusBadRequest)
	}

	app, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// One statement both checks and retires the code, so replays and
	// concurrent redemptions all land here with no row. The redirect_uri
	// is part of the match: a wrong one fails without burning the code.
	code, err := s.codes.ConsumeCode(ctx, req.Code, app.ClientID, req.RedirectURI)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			span.RecordError(err)
			return nil, fmt.Errorf("consume authorization code: %w", err)
		}
		return nil, newOAuthError("invalid_grant", "Invalid authorization code.", http.StatusBadRequest)
	}

	if code.CodeChallenge != "" && req.CodeVerifier != "" {
		if !pkce.Matches(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier) {
			return nil, newOAuthError("invalid_grant", "Invalid authorization code.", http.StatusBadRequest)
		}
	}

	user, err := s.users.GetByID(ctx, code.UserID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("code grant load user: %w", err)
	}

	resp, err := s.issueTokens(ctx, user, app.ClientID, code.Scope)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.audit("authorization_code.redeemed", "user_id", user.ID, "client_id", app.ClientID, "code_id", code.ID)
	return resp, nil
}

func (s *GrantService) refreshTokenGrant(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "GrantService.refreshTokenGrant")
	defer span.End()

	if req.RefreshToken == "" {
		return nil, newOAuthError("invalid_request", "refresh_token is required.", http.StatusBadRequest)
	}

	app, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	stored, err := s.tokens.GetActive(ctx, req.RefreshToken)
	if err != nil || stored.ClientID != app.ClientID {
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			span.RecordError(err)
		}
		return nil, newOAuthError("invalid_grant", "Invalid refresh token.", http.StatusBadRequest)
	}

	user, err := s.users.GetByID(ctx, stored.UserID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("refresh grant load user: %w", err)
	}

	next := domain.RefreshToken{
		ID:        s.snowflake.Generate().Int64(),
		Token:     randomToken(s.cfg.RefreshTokenBytes),
		UserID:    stored.UserID,
		ClientID:  stored.ClientID,
		Scope:     stored.Scope,
		ExpiresAt: time.Now().Add(s.cfg.RefreshTokenTTL),
	}

	// Rotation is all or nothing. If the presented token lost the race
	// the presenter gets invalid_grant and no successor exists.
	rotated, err := s.tokens.Rotate(ctx, req.RefreshToken, next)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, newOAuthError("invalid_grant", "Invalid refresh token.", http.StatusBadRequest)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	access, err := s.jwt.GenerateAccessToken(user, app.ClientID, stored.Scope)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("generate access token: %w", err)
	}

	s.audit("refresh_token.rotated", "user_id", user.ID, "client_id", app.ClientID, "token_id", rotated.ID)
	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
		RefreshToken: rotated.Token,
		Scope:        stored.Scope,
		UserInfo:     userInfo(user),
	}, nil
}

// Revoke invalidates a refresh token. Unknown and already revoked tokens
// revoke successfully so callers learn nothing about token state.
func (s *GrantService) Revoke(ctx context.Context, clientID, clientSecret, token string) error {
	ctx, span := s.startSpan(ctx, "GrantService.Revoke")
	defer span.End()

	if token == "" {
		return newOAuthError("invalid_request", "token is required.", http.StatusBadRequest)
	}
	app, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.tokens.RevokeByToken(ctx, token); err != nil {
		span.RecordError(err)
		return fmt.Errorf("revoke token: %w", err)
	}
	s.audit("refresh_token.revoked", "client_id", app.ClientID)
	return nil
}

// RevokeAllForUser invalidates every refresh token a user holds.
func (s *GrantService) RevokeAllForUser(ctx context.Context, userID int64) error {
	ctx, span := s.startSpan(ctx, "GrantService.RevokeAllForUser")
	defer span.End()

	if err := s.tokens.RevokeAllForUser(ctx, userID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	s.audit("refresh_token.revoked_all", "user_id", userID)
	return nil
}

// RevokeForUserAndClient invalidates a user's refresh tokens for one client.
func (s *GrantService) RevokeForUserAndClient(ctx context.Context, userID int64, clientID string) error {
	ctx, span := s.startSpan(ctx, "GrantService.RevokeForUserAndClient")
	defer span.End()

	if err := s.tokens.RevokeForUserAndClient(ctx, userID, clientID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("revoke client tokens: %w", err)
	}
	s.audit("refresh_token.revoked_client", "user_id", userID, "client_id", clientID)
	return nil
}

// Verify validates an access token and returns its claims.
func (s *GrantService) Verify(ctx context.Context, token string) (*jwt.AccessTokenClaims, error) {
	_, span := s.startSpan(ctx, "GrantService.Verify")
	defer span.End()

	_, claims, err := s.jwt.ValidateAccessToken(token, "")
	if err != nil {
		return nil, newOAuthError("invalid_grant", "Invalid access token.", http.StatusUnauthorized)
	}
	return claims, nil
}

// authenticateClient loads an active client and, when a secret was
// supplied, requires it to match. See the client registry docs for why a
// missing secret is accepted for browser-based clients.
func (s *GrantService) authenticateClient(ctx context.Context, clientID, clientSecret string) (domain.Application, error) {
	id := strings.TrimSpace(clientID)
	if id == "" {
		return domain.Application{}, newOAuthError("invalid_request", "client_id is required.", http.StatusBadRequest)
	}
	app, err := s.apps.GetByClientID(ctx, id)
	if err != nil || !app.IsActive {
		return domain.Application{}, newOAuthError("invalid_client", "Client authentication failed.", http.StatusUnauthorized)
	}
	if clientSecret != "" {
		if subtle.ConstantTimeCompare([]byte(clientSecret), []byte(app.ClientSecret)) != 1 {
			return domain.Application{}, newOAuthError("invalid_client", "Client authentication failed.", http.StatusUnauthorized)
		}
	}
	return app, nil
}

func (s *GrantService) issueTokens(ctx context.Context, user domain.User, clientID, scope string) (*TokenResponse, error) {
	access, err := s.jwt.GenerateAccessToken(user, clientID, scope)
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}

	refresh := domain.RefreshToken{
		ID:        s.snowflake.Generate().Int64(),
		Token:     randomToken(s.cfg.RefreshTokenBytes),
		UserID:    user.ID,
		ClientID:  clientID,
		Scope:     scope,
		ExpiresAt: time.Now().Add(s.cfg.RefreshTokenTTL),
	}
	if _, err := s.tokens.Create(ctx, refresh); err != nil {
		return nil, fmt.Errorf("persist refresh token: %w", err)
	}

	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
		RefreshToken: refresh.Token,
		Scope:        scope,
		UserInfo:     userInfo(user),
	}, nil
}

func userInfo(user domain.User) UserInfo {
	sub := strconv.FormatInt(user.ID, 10)
	return UserInfo{
		Sub:           sub,
		ID:            sub,
		Name:          user.Name,
		Email:         user.Email,
		EmailVerified: user.EmailVerified(),
		Image:         user.Image,
	}
}

func normalizeScope(scope string) string {
	trimmed := strings.TrimSpace(scope)
	if trimmed == "" {
		return "openid profile email"
	}
	return strings.Join(strings.Fields(trimmed), " ")
}

func (s *GrantService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *GrantService) audit(event string, attrs ...any) {
	logger := s.log()
	if logger == nil {
		return
	}
	fields := make([]zap.Field, 0, len(attrs)/2+2)
	fields = append(fields, zap.String("event", event), zap.Time("timestamp", time.Now().UTC()))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	logger.Info("audit", fields...)
}

func (s *GrantService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}

func randomToken(n int) string {
	if n <= 0 {
		n = 48
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
