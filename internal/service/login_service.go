package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
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
	pw "github.com/itangbaotop/itangbao-auth/internal/password"
	"github.com/itangbaotop/itangbao-auth/internal/repository"
)

// Mailer delivers magic link emails. Implementations must treat the link
// as a credential and never persist or log it.
type Mailer interface {
	SendMagicLink(ctx context.Context, email, link string) error
}

// NopMailer drops mail on the floor. Used in development.
type NopMailer struct {
	Logger *zap.Logger
}

func (m NopMailer) SendMagicLink(ctx context.Context, email, link string) error {
	if m.Logger != nil {
		m.Logger.Info("magic link issued", zap.String("email", email))
	}
	return nil
}

// UserProfile is the first-party view of a user account.
type UserProfile struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Name          string `json:"name,omitempty"`
	Image         string `json:"image,omitempty"`
	Role          string `json:"role"`
	EmailVerified bool   `json:"email_verified"`
}

// Profile maps a user to its first-party representation.
func Profile(user domain.User) UserProfile {
	return UserProfile{
		ID:            strconv.FormatInt(user.ID, 10),
		Email:         user.Email,
		Name:          user.Name,
		Image:         user.Image,
		Role:          user.Role,
		EmailVerified: user.EmailVerified(),
	}
}

// SessionResponse is returned from first-party login endpoints.
type SessionResponse struct {
	Token string      `json:"token"`
	User  UserProfile `json:"user"`
}

// LoginService handles first-party authentication against the user store.
type LoginService struct {
	users     repository.UserRepository
	accounts  repository.AccountRepository
	links     repository.MagicLinkRepository
	tokens    repository.TokenRepository
	snowflake *snowflake.Node
	jwt       *jwt.Generator
	mailer    Mailer
	cfg       config.Config
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewLoginService wires dependencies.
func NewLoginService(users repository.UserRepository, accounts repository.AccountRepository, links repository.MagicLinkRepository, tokens repository.TokenRepository, node *snowflake.Node, generator *jwt.Generator, mailer Mailer, cfg config.Config, logger *zap.Logger) *LoginService {
	return &LoginService{
		users:     users,
		accounts:  accounts,
		links:     links,
		tokens:    tokens,
		snowflake: node,
		jwt:       generator,
		mailer:    mailer,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("github.com/itangbaotop/itangbao-auth/internal/service"),
	}
}

// PasswordLogin authenticates with email and password.
func (s *LoginService) PasswordLogin(ctx context.Context, email, password string) (*SessionResponse, error) {
	ctx, span := s.startSpan(ctx, "LoginService.PasswordLogin")
	defer span.End()

	user, err := s.users.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		span.RecordError(err)
		return nil, newOAuthError("invalid_grant", "Wrong email or password.", http.StatusBadRequest)
	}
	if user.PasswordHash == "" {
		return nil, newOAuthError("invalid_grant", "Wrong email or password.", http.StatusBadRequest)
	}
	valid, err := pw.Verify(password, user.PasswordHash)
	if err != nil || !valid {
		return nil, newOAuthError("invalid_grant", "Wrong email or password.", http.StatusBadRequest)
	}

	resp, err := s.session(user)
	if err == nil {
		s.audit("password.login.success", "user_id", user.ID)
	}
	return resp, err
}

// Register creates a user with a password credential.
func (s *LoginService) Register(ctx context.Context, email, name, password string) (*SessionResponse, error) {
	ctx, span := s.startSpan(ctx, "LoginService.Register")
	defer span.End()

	normalized := normalizeEmail(email)
	if normalized == "" {
		return nil, newOAuthError("invalid_request", "email is required.", http.StatusBadRequest)
	}
	if len(password) < 8 {
		return nil, newOAuthError("invalid_request", "Password must be at least 8 characters.", http.StatusBadRequest)
	}
	if _, err := s.users.GetByEmail(ctx, normalized); err == nil {
		return nil, newOAuthError("invalid_request", "Email is already registered.", http.StatusConflict)
	} else if !errors.Is(err, pgx.ErrNoRows) {
		span.RecordError(err)
		return nil, fmt.Errorf("register lookup: %w", err)
	}

	hash, err := pw.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.users.Create(ctx, domain.User{
		ID:           s.snowflake.Generate().Int64(),
		Email:        normalized,
		Name:         strings.TrimSpace(name),
		Role:         domain.RoleUser,
		PasswordHash: hash,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create user: %w", err)
	}

	resp, err := s.session(user)
	if err == nil {
		s.audit("user.registered", "user_id", user.ID)
	}
	return resp, err
}

// RequestMagicLink issues a single-use login link for email.
// The response is identical whether or not the address is known.
func (s *LoginService) RequestMagicLink(ctx context.Context, email, baseURL string) error {
	ctx, span := s.startSpan(ctx, "LoginService.RequestMagicLink")
	defer span.End()

	normalized := normalizeEmail(email)
	if normalized == "" {
		return newOAuthError("invalid_request", "email is required.", http.StatusBadRequest)
	}

	token := randomToken(s.cfg.AuthCodeBytes)
	link := domain.MagicLink{
		ID:        s.snowflake.Generate().Int64(),
		Email:     normalized,
		Token:     token,
		ExpiresAt: time.Now().Add(s.cfg.MagicLinkTTL),
	}
	if err := s.links.Create(ctx, link); err != nil {
		span.RecordError(err)
		return fmt.Errorf("persist magic link: %w", err)
	}

	target := strings.TrimRight(baseURL, "/") + "/auth/magic-link/verify?token=" + token
	if err := s.mailer.SendMagicLink(ctx, normalized, target); err != nil {
		span.RecordError(err)
		return fmt.Errorf("send magic link: %w", err)
	}
	s.audit("magic_link.requested", "link_id", link.ID)
	return nil
}

// VerifyMagicLink consumes a link, provisioning the user on first login.
func (s *LoginService) VerifyMagicLink(ctx context.Context, token string) (*SessionResponse, error) {
	ctx, span := s.startSpan(ctx, "LoginService.VerifyMagicLink")
	defer span.End()

	if token == "" {
		return nil, newOAuthError("invalid_request", "token is required.", http.StatusBadRequest)
	}

	link, err := s.links.ConsumeToken(ctx, token)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			span.RecordError(err)
			return nil, fmt.Errorf("consume magic link: %w", err)
		}
		return nil, newOAuthError("invalid_grant", "Link is invalid or expired.", http.StatusBadRequest)
	}

	user, err := s.users.GetByEmail(ctx, link.Email)
	switch {
	case err == nil:
	case errors.Is(err, pgx.ErrNoRows):
		user, err = s.users.Create(ctx, domain.User{
			ID:    s.snowflake.Generate().Int64(),
			Email: link.Email,
			Role:  domain.RoleUser,
		})
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("provision user: %w", err)
		}
	default:
		span.RecordError(err)
		return nil, fmt.Errorf("magic link lookup: %w", err)
	}

	// A delivered link proves control of the mailbox.
	if !user.EmailVerified() {
		if err := s.users.MarkEmailVerified(ctx, user.ID); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("mark email verified: %w", err)
		}
		now := time.Now().UTC()
		user.EmailVerifiedAt = &now
	}

	resp, err := s.session(user)
	if err == nil {
		s.audit("magic_link.login.success", "user_id", user.ID)
	}
	return resp, err
}

// FederatedIdentity describes a profile asserted by an upstream provider.
type FederatedIdentity struct {
	Provider          string
	ProviderAccountID string
	Email             string
	Name              string
	Image             string
}

// CompleteFederatedLogin resolves a federated identity to a local user.
// An unknown identity takes exactly one path: provision the user, then
// link the account.
func (s *LoginService) CompleteFederatedLogin(ctx context.Context, identity FederatedIdentity) (*SessionResponse, error) {
	ctx, span := s.startSpan(ctx, "LoginService.CompleteFederatedLogin")
	defer span.End()

	if identity.Provider == "" || identity.ProviderAccountID == "" {
		return nil, newOAuthError("invalid_request", "Incomplete federated identity.", http.StatusBadRequest)
	}

	account, err := s.accounts.GetByProvider(ctx, identity.Provider, identity.ProviderAccountID)
	if err == nil {
		user, err := s.users.GetByID(ctx, account.UserID)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("federated load user: %w", err)
		}
		resp, err := s.session(user)
		if err == nil {
			s.audit("federated.login.success", "user_id", user.ID, "provider", identity.Provider)
		}
		return resp, err
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		span.RecordError(err)
		return nil, fmt.Errorf("federated account lookup: %w", err)
	}

	// First login for this identity.
	normalized := normalizeEmail(identity.Email)
	user, err := s.users.GetByEmail(ctx, normalized)
	if errors.Is(err, pgx.ErrNoRows) {
		now := time.Now().UTC()
		user, err = s.users.Create(ctx, domain.User{
			ID:              s.snowflake.Generate().Int64(),
			Email:           normalized,
			Name:            identity.Name,
			Image:           identity.Image,
			Role:            domain.RoleUser,
			EmailVerifiedAt: &now,
		})
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("federated provision user: %w", err)
	}

	if _, err := s.accounts.Create(ctx, domain.Account{
		ID:                s.snowflake.Generate().Int64(),
		UserID:            user.ID,
		Provider:          identity.Provider,
		ProviderAccountID: identity.ProviderAccountID,
	}); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("link federated account: %w", err)
	}

	resp, err := s.session(user)
	if err == nil {
		s.audit("federated.first_login", "user_id", user.ID, "provider", identity.Provider)
	}
	return resp, err
}

// GetUser returns a user by id.
func (s *LoginService) GetUser(ctx context.Context, userID int64) (domain.User, error) {
	return s.users.GetByID(ctx, userID)
}

// UpdateProfile changes a user's display name and avatar.
func (s *LoginService) UpdateProfile(ctx context.Context, userID int64, name, image string) (domain.User, error) {
	ctx, span := s.startSpan(ctx, "LoginService.UpdateProfile")
	defer span.End()

	name = strings.TrimSpace(name)
	if name == "" {
		return domain.User{}, newOAuthError("invalid_request", "name is required.", http.StatusBadRequest)
	}
	user, err := s.users.UpdateProfile(ctx, userID, name, strings.TrimSpace(image))
	if err != nil {
		span.RecordError(err)
		return domain.User{}, fmt.Errorf("update profile: %w", err)
	}
	s.audit("user.profile.updated", "user_id", userID)
	return user, nil
}

// ChangePassword verifies the current password, stores a new hash and
// revokes every refresh token the user holds.
func (s *LoginService) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	ctx, span := s.startSpan(ctx, "LoginService.ChangePassword")
	defer span.End()

	if len(next) < 8 {
		return newOAuthError("invalid_request", "Password must be at least 8 characters.", http.StatusBadRequest)
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("change password load user: %w", err)
	}
	if user.PasswordHash != "" {
		valid, err := pw.Verify(current, user.PasswordHash)
		if err != nil || !valid {
			return newOAuthError("invalid_grant", "Current password is wrong.", http.StatusBadRequest)
		}
	}

	hash, err := pw.Hash(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.UpdatePassword(ctx, userID, hash); err != nil {
		span.RecordError(err)
		return fmt.Errorf("update password: %w", err)
	}
	if err := s.tokens.RevokeAllForUser(ctx, userID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("revoke sessions: %w", err)
	}
	s.audit("user.password.changed", "user_id", userID)
	return nil
}

func (s *LoginService) session(user domain.User) (*SessionResponse, error) {
	token, err := s.jwt.GenerateSessionToken(user, s.cfg.RefreshTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}
	return &SessionResponse{Token: token, User: Profile(user)}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *LoginService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *LoginService) audit(event string, attrs ...any) {
	logger := s.logger
	if logger == nil {
		logger = zap.L()
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
