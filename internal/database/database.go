package database

import (
	"context"

	"github.com/y0ug/antideface/internal/database/models"
)

// Database persists the trusted baseline and the ledger of spent action tokens.
type Database interface {
	// Initialize sets up the necessary tables or buckets.
	Initialize(ctx context.Context) error

	Close(ctx context.Context) error

	// SaveBaseline atomically replaces the stored baseline.
	SaveBaseline(ctx context.Context, baseline models.Baseline) error

	// LoadBaseline returns the stored baseline, models.ErrBaselineNotFound when
	// none exists, or an error wrapping models.ErrCorruptBaseline.
	LoadBaseline(ctx context.Context) (models.Baseline, error)

	// DeleteBaseline removes the stored baseline. Deleting a missing baseline is not an error.
	DeleteBaseline(ctx context.Context) error

	// AddBlacklistedToken records a spent token until its expiration time.
	AddBlacklistedToken(ctx context.Context, token string, exp int64) error

	// IsTokenBlacklisted checks if a token was spent.
	// If the token is expired, it removes it from the blacklist.
	IsTokenBlacklisted(ctx context.Context, token string) (bool, error)

	// StatePaths lists local files owned by the database, excluded from walks.
	StatePaths() []string
}
