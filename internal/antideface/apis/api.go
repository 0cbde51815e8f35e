package apis

import (
	"context"

	"github.com/y0ug/antideface/internal/database/models"
	"golang.org/x/time/rate"
)

// VulnClient defines the methods that any vulnerability feed client must implement.
type VulnClient interface {
	// Lookup returns the known vulnerabilities of a theme or plugin release.
	Lookup(ctx context.Context, component models.Component) ([]models.Vulnerability, error)
	// SetRateLimiter sets the rate limiter for the API client.
	SetRateLimiter(limiter *RateLimiter)
	// ProviderName returns the name of the API provider.
	ProviderName() string
}

type RateLimiter struct {
	Limiter *rate.Limiter
	Burst   int
	Rate    rate.Limit // Requests per second
}

// NewRateLimiter builds a RateLimiter allowing r requests per second.
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{
		Limiter: rate.NewLimiter(r, burst),
		Burst:   burst,
		Rate:    r,
	}
}
