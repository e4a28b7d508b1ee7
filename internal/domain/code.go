package domain

import "time"

// AuthorizationCode is a short-lived, single-use credential bound to a
// user/client/redirect tuple. IsUsed flips false to true exactly once, at
// redemption; expired rows are never resurrected and never deleted here
// (physical cleanup is an external housekeeping concern).
type AuthorizationCode struct {
	ID                  int64
	Code                string
	UserID              int64
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           time.Time
	IsUsed              bool
	CreatedAt           time.Time
}
