package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/itangbaotop/itangbao-auth/internal/domain"
	"github.com/itangbaotop/itangbao-auth/internal/repository"
)

// DomainInvalidator is notified whenever the set of active application
// domains may have changed.
type DomainInvalidator interface {
	Invalidate(ctx context.Context)
}

// ApplicationInput is the admin payload for creating or updating a client.
type ApplicationInput struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Domain       string   `json:"domain"`
	RedirectURIs []string `json:"redirect_uris"`
	IsActive     *bool    `json:"is_active"`
}

// ClientInfo is the public view of a registered application, safe to show
// on consent and login screens.
type ClientInfo struct {
	ClientID    string `json:"client_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Domain      string `json:"domain,omitempty"`
}

// RegistryService manages the registered client applications.
type RegistryService struct {
	apps      repository.ApplicationRepository
	snowflake *snowflake.Node
	cache     DomainInvalidator
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewRegistryService wires dependencies.
func NewRegistryService(apps repository.ApplicationRepository, node *snowflake.Node, cache DomainInvalidator, logger *zap.Logger) *RegistryService {
	return &RegistryService{
		apps:      apps,
		snowflake: node,
		cache:     cache,
		logger:    logger,
		tracer:    otel.Tracer("github.com/itangbaotop/itangbao-auth/internal/service"),
	}
}

// CreateApplication registers a client and mints its credentials. The
// client secret is returned exactly once, in this response.
func (s *RegistryService) CreateApplication(ctx context.Context, createdBy int64, input ApplicationInput) (domain.Application, error) {
	ctx, span := s.startSpan(ctx, "RegistryService.CreateApplication")
	defer span.End()

	if err := validateApplicationInput(input); err != nil {
		return domain.Application{}, err
	}

	active := true
	if input.IsActive != nil {
		active = *input.IsActive
	}

	app := domain.Application{
		ID:           s.snowflake.Generate().Int64(),
		Name:         strings.TrimSpace(input.Name),
		Description:  strings.TrimSpace(input.Description),
		Domain:       normalizeDomain(input.Domain),
		RedirectURIs: input.RedirectURIs,
		ClientID:     randomHex(16),
		ClientSecret: randomHex(32),
		IsActive:     active,
		CreatedBy:    createdBy,
	}

	created, err := s.apps.Create(ctx, app)
	if err != nil {
		span.RecordError(err)
		return domain.Application{}, fmt.Errorf("create application: %w", err)
	}

	s.invalidate(ctx)
	s.audit("application.created", "client_id", created.ClientID, "created_by", createdBy)
	return created, nil
}

// UpdateApplication edits a client's metadata. Credentials never change.
func (s *RegistryService) UpdateApplication(ctx context.Context, clientID string, input ApplicationInput) (domain.Application, error) {
	ctx, span := s.startSpan(ctx, "RegistryService.UpdateApplication")
	defer span.End()

	if err := validateApplicationInput(input); err != nil {
		return domain.Application{}, err
	}

	current, err := s.apps.GetByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Application{}, newOAuthError("invalid_request", "Unknown client.", http.StatusNotFound)
		}
		span.RecordError(err)
		return domain.Application{}, fmt.Errorf("load application: %w", err)
	}

	current.Name = strings.TrimSpace(input.Name)
	current.Description = strings.TrimSpace(input.Description)
	current.Domain = normalizeDomain(input.Domain)
	current.RedirectURIs = input.RedirectURIs
	if input.IsActive != nil {
		current.IsActive = *input.IsActive
	}

	updated, err := s.apps.Update(ctx, current)
	if err != nil {
		span.RecordError(err)
		return domain.Application{}, fmt.Errorf("update application: %w", err)
	}

	s.invalidate(ctx)
	s.audit("application.updated", "client_id", clientID)
	return updated, nil
}

// DeleteApplication removes a client. Codes and refresh tokens issued to
// it are dropped by the store's cascade rules.
func (s *RegistryService) DeleteApplication(ctx context.Context, clientID string) error {
	ctx, span := s.startSpan(ctx, "RegistryService.DeleteApplication")
	defer span.End()

	if err := s.apps.Delete(ctx, clientID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return newOAuthError("invalid_request", "Unknown client.", http.StatusNotFound)
		}
		span.RecordError(err)
		return fmt.Errorf("delete application: %w", err)
	}

	s.invalidate(ctx)
	s.audit("application.deleted", "client_id", clientID)
	return nil
}

// ListApplications returns all registered clients.
func (s *RegistryService) ListApplications(ctx context.Context) ([]domain.Application, error) {
	return s.apps.List(ctx)
}

// GetApplication returns one client with credentials, for admins.
func (s *RegistryService) GetApplication(ctx context.Context, clientID string) (domain.Application, error) {
	app, err := s.apps.GetByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Application{}, newOAuthError("invalid_request", "Unknown client.", http.StatusNotFound)
		}
		return domain.Application{}, fmt.Errorf("load application: %w", err)
	}
	return app, nil
}

// GetClientInfo returns the public metadata of an active client.
func (s *RegistryService) GetClientInfo(ctx context.Context, clientID string) (ClientInfo, error) {
	app, err := s.apps.GetByClientID(ctx, clientID)
	if err != nil || !app.IsActive {
		return ClientInfo{}, newOAuthError("invalid_request", "Unknown client.", http.StatusNotFound)
	}
	return ClientInfo{
		ClientID:    app.ClientID,
		Name:        app.Name,
		Description: app.Description,
		Domain:      app.Domain,
	}, nil
}

func validateApplicationInput(input ApplicationInput) error {
	if strings.TrimSpace(input.Name) == "" {
		return newOAuthError("invalid_request", "name is required.", http.StatusBadRequest)
	}
	if len(input.RedirectURIs) == 0 {
		return newOAuthError("invalid_request", "At least one redirect_uri is required.", http.StatusBadRequest)
	}
	for _, raw := range input.RedirectURIs {
		parsed, err := url.Parse(raw)
		if err != nil || !parsed.IsAbs() || parsed.Fragment != "" {
			return newOAuthError("invalid_request", fmt.Sprintf("Invalid redirect_uri %q.", raw), http.StatusBadRequest)
		}
	}
	return nil
}

func normalizeDomain(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func (s *RegistryService) invalidate(ctx context.Context) {
	if s.cache != nil {
		s.cache.Invalidate(ctx)
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

func (s *RegistryService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *RegistryService) audit(event string, attrs ...any) {
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
