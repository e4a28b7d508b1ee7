package domain

import "time"

// RefreshToken is an opaque, long-lived, revocable credential. Rotation
// revokes the presented row the moment its successor is persisted; a revoked
// row is permanently dead.
type RefreshToken struct {
	ID        int64
	Token     string
	UserID    int64
	ClientID  string
	Scope     string
	ExpiresAt time.Time
	IsRevoked bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
