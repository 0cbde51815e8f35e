package auth

import "context"

// Database defines the interface for database operations needed by the auth package.
type Database interface {
	AddBlacklistedToken(ctx context.Context, token string, expiresAt int64) error
	IsTokenBlacklisted(ctx context.Context, token string) (bool, error)
}
