package domain

import "time"

// Roles assignable to a user. Admin unlocks the application registry.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User represents an end user able to authenticate against the service.
// PasswordHash is empty for accounts created by federated or magic-link
// login that never set a password.
type User struct {
	ID              int64
	Email           string
	Name            string
	Image           string
	Role            string
	PasswordHash    string
	EmailVerifiedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsAdmin reports whether the user may manage client applications.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// EmailVerified reports whether the user completed email verification.
func (u User) EmailVerified() bool {
	return u.EmailVerifiedAt != nil
}

// Account links a user to an upstream identity provider. The provider is
// opaque to the core: a row means "this user was authenticated by provider X
// under this provider-side account id".
type Account struct {
	ID                int64
	UserID            int64
	Provider          string
	ProviderAccountID string
	CreatedAt         time.Time
}

// MagicLink is a single-use passwordless login token. Delivery of the link
// (email/SMS) is an external collaborator; the core only mints and consumes.
type MagicLink struct {
	ID        int64
	Email     string
	Token     string
	ExpiresAt time.Time
	Used      bool
	CreatedAt time.Time
}
