package repository

import (
	"context"

	"github.com/itangbaotop/itangbao-auth/internal/domain"
)

// UserRepository exposes persistence for user accounts.
type UserRepository interface {
	GetByEmail(ctx context.Context, email string) (domain.User, error)
	GetByID(ctx context.Context, userID int64) (domain.User, error)
	Create(ctx context.Context, user domain.User) (domain.User, error)
	UpdateProfile(ctx context.Context, userID int64, name, image string) (domain.User, error)
	UpdatePassword(ctx context.Context, userID int64, passwordHash string) error
	MarkEmailVerified(ctx context.Context, userID int64) error
	CountAdmins(ctx context.Context) (int64, error)
}

// AccountRepository links users to federated identity providers.
type AccountRepository interface {
	GetByProvider(ctx context.Context, provider, providerAccountID string) (domain.Account, error)
	Create(ctx context.Context, account domain.Account) (domain.Account, error)
}

// ApplicationRepository exposes the registered client applications.
type ApplicationRepository interface {
	GetByClientID(ctx context.Context, clientID string) (domain.Application, error)
	List(ctx context.Context) ([]domain.Application, error)
	ListActiveDomains(ctx context.Context) ([]string, error)
	Create(ctx context.Context, app domain.Application) (domain.Application, error)
	Update(ctx context.Context, app domain.Application) (domain.Application, error)
	Delete(ctx context.Context, clientID string) error
}

// CodeRepository manages authorization codes.
type CodeRepository interface {
	Create(ctx context.Context, code domain.AuthorizationCode) error
	// ConsumeCode atomically marks an unused, unexpired code as used and
	// returns it. A second call for the same code fails, and a mismatched
	// client or redirect URI fails without consuming the code.
	ConsumeCode(ctx context.Context, code, clientID, redirectURI string) (domain.AuthorizationCode, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

// TokenRepository handles refresh token persistence.
type TokenRepository interface {
	Create(ctx context.Context, token domain.RefreshToken) (domain.RefreshToken, error)
	GetActive(ctx context.Context, token string) (domain.RefreshToken, error)
	// Rotate revokes the presented token and stores its successor in one
	// transaction. If the old token was already revoked or rotated the
	// whole operation fails and no successor is stored.
	Rotate(ctx context.Context, oldToken string, next domain.RefreshToken) (domain.RefreshToken, error)
	// RevokeByToken revokes a refresh token. Revoking an unknown or
	// already revoked token is not an error.
	RevokeByToken(ctx context.Context, token string) error
	RevokeAllForUser(ctx context.Context, userID int64) error
	RevokeForUserAndClient(ctx context.Context, userID int64, clientID string) error
	DeleteExpired(ctx context.Context) (int64, error)
}

// MagicLinkRepository stores single-use email login links.
type MagicLinkRepository interface {
	Create(ctx context.Context, link domain.MagicLink) error
	// ConsumeToken atomically marks an unused, unexpired link as used and
	// returns it.
	ConsumeToken(ctx context.Context, token string) (domain.MagicLink, error)
}
