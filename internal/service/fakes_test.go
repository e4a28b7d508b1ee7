package service_test

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/itangbaotop/itangbao-auth/internal/domain"
)

// In-memory repositories with the same concurrency semantics as the
// Postgres implementations: consume and rotate are atomic and succeed at
// most once per code or token.

type memoryUserRepo struct {
	mu    sync.Mutex
	users map[int64]domain.User
}

func newMemoryUserRepo(users ...domain.User) *memoryUserRepo {
	repo := &memoryUserRepo{users: make(map[int64]domain.User)}
	for _, u := range users {
		repo.users[u.ID] = u
	}
	return repo
}

func (m *memoryUserRepo) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return domain.User{}, pgx.ErrNoRows
}

func (m *memoryUserRepo) GetByID(ctx context.Context, userID int64) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return domain.User{}, pgx.ErrNoRows
	}
	return u, nil
}

func (m *memoryUserRepo) Create(ctx context.Context, user domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	m.users[user.ID] = user
	return user, nil
}

func (m *memoryUserRepo) UpdateProfile(ctx context.Context, userID int64, name, image string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return domain.User{}, pgx.ErrNoRows
	}
	u.Name = name
	u.Image = image
	u.UpdatedAt = time.Now()
	m.users[userID] = u
	return u, nil
}

func (m *memoryUserRepo) UpdatePassword(ctx context.Context, userID int64, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return pgx.ErrNoRows
	}
	u.PasswordHash = passwordHash
	m.users[userID] = u
	return nil
}

func (m *memoryUserRepo) MarkEmailVerified(ctx context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return pgx.ErrNoRows
	}
	if u.EmailVerifiedAt == nil {
		now := time.Now().UTC()
		u.EmailVerifiedAt = &now
		m.users[userID] = u
	}
	return nil
}

func (m *memoryUserRepo) CountAdmins(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, u := range m.users {
		if u.Role == domain.RoleAdmin {
			count++
		}
	}
	return count, nil
}

type memoryAccountRepo struct {
	mu       sync.Mutex
	accounts []domain.Account
}

func (m *memoryAccountRepo) GetByProvider(ctx context.Context, provider, providerAccountID string) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Provider == provider && a.ProviderAccountID == providerAccountID {
			return a, nil
		}
	}
	return domain.Account{}, pgx.ErrNoRows
}

func (m *memoryAccountRepo) Create(ctx context.Context, account domain.Account) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account.CreatedAt = time.Now()
	m.accounts = append(m.accounts, account)
	return account, nil
}

type memoryAppRepo struct {
	mu   sync.Mutex
	apps map[string]domain.Application
}

func newMemoryAppRepo(apps ...domain.Application) *memoryAppRepo {
	repo := &memoryAppRepo{apps: make(map[string]domain.Application)}
	for _, a := range apps {
		repo.apps[a.ClientID] = a
	}
	return repo
}

func (m *memoryAppRepo) GetByClientID(ctx context.Context, clientID string) (domain.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[clientID]
	if !ok {
		return domain.Application{}, pgx.ErrNoRows
	}
	return app, nil
}

func (m *memoryAppRepo) List(ctx context.Context) ([]domain.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Application, 0, len(m.apps))
	for _, a := range m.apps {
		out = append(out, a)
	}
	return out, nil
}

func (m *memoryAppRepo) ListActiveDomains(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var domains []string
	for _, a := range m.apps {
		if a.IsActive && a.Domain != "" {
			domains = append(domains, a.Domain)
		}
	}
	return domains, nil
}

func (m *memoryAppRepo) Create(ctx context.Context, app domain.Application) (domain.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app.CreatedAt = time.Now()
	app.UpdatedAt = app.CreatedAt
	m.apps[app.ClientID] = app
	return app, nil
}

func (m *memoryAppRepo) Update(ctx context.Context, app domain.Application) (domain.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[app.ClientID]; !ok {
		return domain.Application{}, pgx.ErrNoRows
	}
	app.UpdatedAt = time.Now()
	m.apps[app.ClientID] = app
	return app, nil
}

func (m *memoryAppRepo) Delete(ctx context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[clientID]; !ok {
		return pgx.ErrNoRows
	}
	delete(m.apps, clientID)
	return nil
}

type memoryCodeRepo struct {
	mu    sync.Mutex
	codes map[string]domain.AuthorizationCode
}

func newMemoryCodeRepo() *memoryCodeRepo {
	return &memoryCodeRepo{codes: make(map[string]domain.AuthorizationCode)}
}

func (m *memoryCodeRepo) Create(ctx context.Context, code domain.AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	code.CreatedAt = time.Now()
	m.codes[code.Code] = code
	return nil
}

func (m *memoryCodeRepo) ConsumeCode(ctx context.Context, code, clientID, redirectURI string) (domain.AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.codes[code]
	if !ok || stored.ClientID != clientID || stored.RedirectURI != redirectURI || stored.IsUsed || time.Now().After(stored.ExpiresAt) {
		return domain.AuthorizationCode{}, pgx.ErrNoRows
	}
	stored.IsUsed = true
	m.codes[code] = stored
	return stored, nil
}

func (m *memoryCodeRepo) DeleteExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for key, stored := range m.codes {
		if time.Now().After(stored.ExpiresAt) {
			delete(m.codes, key)
			removed++
		}
	}
	return removed, nil
}

type memoryTokenRepo struct {
	mu     sync.Mutex
	tokens map[string]domain.RefreshToken
}

func newMemoryTokenRepo() *memoryTokenRepo {
	return &memoryTokenRepo{tokens: make(map[string]domain.RefreshToken)}
}

func (m *memoryTokenRepo) Create(ctx context.Context, token domain.RefreshToken) (domain.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token.CreatedAt = time.Now()
	token.UpdatedAt = token.CreatedAt
	m.tokens[token.Token] = token
	return token, nil
}

func (m *memoryTokenRepo) GetActive(ctx context.Context, token string) (domain.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tokens[token]
	if !ok || stored.IsRevoked || time.Now().After(stored.ExpiresAt) {
		return domain.RefreshToken{}, pgx.ErrNoRows
	}
	return stored, nil
}

func (m *memoryTokenRepo) Rotate(ctx context.Context, oldToken string, next domain.RefreshToken) (domain.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tokens[oldToken]
	if !ok || stored.IsRevoked || time.Now().After(stored.ExpiresAt) {
		return domain.RefreshToken{}, pgx.ErrNoRows
	}
	stored.IsRevoked = true
	m.tokens[oldToken] = stored
	next.CreatedAt = time.Now()
	next.UpdatedAt = next.CreatedAt
	m.tokens[next.Token] = next
	return next, nil
}

func (m *memoryTokenRepo) RevokeByToken(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.tokens[token]; ok {
		stored.IsRevoked = true
		m.tokens[token] = stored
	}
	return nil
}

func (m *memoryTokenRepo) RevokeAllForUser(ctx context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, stored := range m.tokens {
		if stored.UserID == userID {
			stored.IsRevoked = true
			m.tokens[key] = stored
		}
	}
	return nil
}

func (m *memoryTokenRepo) RevokeForUserAndClient(ctx context.Context, userID int64, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, stored := range m.tokens {
		if stored.UserID == userID && stored.ClientID == clientID {
			stored.IsRevoked = true
			m.tokens[key] = stored
		}
	}
	return nil
}

func (m *memoryTokenRepo) DeleteExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for key, stored := range m.tokens {
		if time.Now().After(stored.ExpiresAt) {
			delete(m.tokens, key)
			removed++
		}
	}
	return removed, nil
}

func (m *memoryTokenRepo) activeCountForUser(userID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, stored := range m.tokens {
		if stored.UserID == userID && !stored.IsRevoked {
			count++
		}
	}
	return count
}

type memoryMagicLinkRepo struct {
	mu    sync.Mutex
	links map[string]domain.MagicLink
}

func newMemoryMagicLinkRepo() *memoryMagicLinkRepo {
	return &memoryMagicLinkRepo{links: make(map[string]domain.MagicLink)}
}

func (m *memoryMagicLinkRepo) Create(ctx context.Context, link domain.MagicLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	link.CreatedAt = time.Now()
	m.links[link.Token] = link
	return nil
}

func (m *memoryMagicLinkRepo) ConsumeToken(ctx context.Context, token string) (domain.MagicLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[token]
	if !ok || link.Used || time.Now().After(link.ExpiresAt) {
		return domain.MagicLink{}, pgx.ErrNoRows
	}
	link.Used = true
	m.links[token] = link
	return link, nil
}

type capturingMailer struct {
	mu    sync.Mutex
	links []string
}

func (m *capturingMailer) SendMagicLink(ctx context.Context, email, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links = append(m.links, link)
	return nil
}

func (m *capturingMailer) lastLink() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.links) == 0 {
		return ""
	}
	return m.links[len(m.links)-1]
}
