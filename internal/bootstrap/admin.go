package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/itangbaotop/itangbao-auth/internal/config"
	"github.com/itangbaotop/itangbao-auth/internal/domain"
	"github.com/itangbaotop/itangbao-auth/internal/password"
	"github.com/itangbaotop/itangbao-auth/internal/repository"
)

// EnsureAdmin creates the configured admin user on startup if the store
// holds no administrators yet. With no ADMIN_EMAIL configured this is a
// no-op, so a fresh deployment without credentials still boots.
func EnsureAdmin(lc fx.Lifecycle, cfg config.Config, users repository.UserRepository, node *snowflake.Node, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ensureAdmin(ctx, cfg, users, node, logger)
		},
	})
}

func ensureAdmin(ctx context.Context, cfg config.Config, users repository.UserRepository, node *snowflake.Node, logger *zap.Logger) error {
	email := strings.ToLower(strings.TrimSpace(cfg.AdminEmail))
	if email == "" || strings.TrimSpace(cfg.AdminPassword) == "" {
		return nil
	}

	admins, err := users.CountAdmins(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap count admins: %w", err)
	}
	if admins > 0 {
		return nil
	}

	if _, err := users.GetByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("bootstrap lookup user: %w", err)
	}

	hashed, err := password.Hash(cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("bootstrap hash password: %w", err)
	}

	now := time.Now().UTC()
	created, err := users.Create(ctx, domain.User{
		ID:              node.Generate().Int64(),
		Email:           email,
		Name:            "Admin",
		Role:            domain.RoleAdmin,
		PasswordHash:    hashed,
		EmailVerifiedAt: &now,
	})
	if err != nil {
		return fmt.Errorf("bootstrap create user: %w", err)
	}

	if logger != nil {
		logger.Info("bootstrap admin user created",
			zap.String("email", created.Email),
			zap.Int64("user_id", created.ID),
		)
	}
	return nil
}
