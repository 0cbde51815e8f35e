package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"
)

const (
	apiKeyHeader      = "X-API-Key"
	actionTokenHeader = "X-Action-Token"
)

// Middleware handles authorization for incoming HTTP requests.
type Middleware struct {
	Config   *Config
	Database Database
	Logger   *logrus.Logger // Logger instance

	// spendMu makes check-then-burn atomic within this process.
	spendMu sync.Mutex
}

// NewMiddleware initializes a new authorization middleware.
func NewMiddleware(config *Config, db Database, logger *logrus.Logger) *Middleware {
	return &Middleware{
		Config:   config,
		Database: db,
		Logger:   logger,
	}
}

// APIKeyMiddleware rejects requests without the configured API key.
func (m *Middleware) APIKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractToken(r, apiKeyHeader)
		if key == "" {
			m.Logger.WithField("client_ip", getClientIP(r)).Warn("API key not found")
			WriteErrorResponse(w, "API key not found", http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(m.Config.APIKey)) != 1 {
			m.Logger.WithField("client_ip", getClientIP(r)).Warn("Invalid API key")
			WriteErrorResponse(w, "Invalid API key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ActionMiddleware admits a request only with a fresh action token issued
// for action. The token is spent before the handler runs.
func (m *Middleware) ActionMiddleware(action Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := m.Logger.WithFields(logrus.Fields{
				"action":    action,
				"client_ip": getClientIP(r),
			})

			tokenString := r.Header.Get(actionTokenHeader)
			if tokenString == "" {
				logger.Warn("Action token not found")
				WriteErrorResponse(w, "Action token not found", http.StatusUnauthorized)
				return
			}

			claims, err := m.spend(r.Context(), tokenString, action)
			if err != nil {
				switch {
				case errors.Is(err, ErrTokenSpent), errors.Is(err, ErrInvalidToken):
					logger.WithError(err).Warn("Action token rejected")
					WriteErrorResponse(w, err.Error(), http.StatusUnauthorized)
				case errors.Is(err, ErrWrongAction):
					logger.WithError(err).Warn("Action token rejected")
					WriteErrorResponse(w, err.Error(), http.StatusForbidden)
				default:
					logger.WithError(err).Error("Failed to check action token")
					WriteErrorResponse(w, "Internal server error", http.StatusInternalServerError)
				}
				return
			}

			logger.WithField("token_id", claims.ID).Info("Action token accepted")
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// spend validates tokenString for action and records it as used.
func (m *Middleware) spend(ctx context.Context, tokenString string, action Action) (ActionClaims, error) {
	m.spendMu.Lock()
	defer m.spendMu.Unlock()

	blacklisted, err := m.Database.IsTokenBlacklisted(ctx, tokenString)
	if err != nil {
		return ActionClaims{}, err
	}
	if blacklisted {
		return ActionClaims{}, ErrTokenSpent
	}

	mc, err := m.parseAndValidateToken(tokenString)
	if err != nil {
		return ActionClaims{}, err
	}
	if got, _ := mc["action"].(string); Action(got) != action {
		return ActionClaims{}, fmt.Errorf("%w: issued for %q", ErrWrongAction, got)
	}

	exp, _ := mc["exp"].(float64)
	if err := m.Database.AddBlacklistedToken(ctx, tokenString, int64(exp)); err != nil {
		return ActionClaims{}, err
	}

	claims := ActionClaims{Action: action}
	claims.ID, _ = mc["jti"].(string)
	claims.Path, _ = mc["path"].(string)
	return claims, nil
}

// parseAndValidateToken parses and validates an action token string.
func (m *Middleware) parseAndValidateToken(tokenString string) (jwt.MapClaims, error) {
	claims, err := parseJWT(tokenString, m.Config.JwtSecret)
	if err != nil {
		return nil, err
	}

	if typ, _ := claims["type"].(string); typ != "action" {
		return nil, fmt.Errorf("%w: not an action token", ErrInvalidToken)
	}

	// Validate expiration
	if exp, ok := claims["exp"].(float64); !ok || float64(time.Now().Unix()) > exp {
		return nil, fmt.Errorf("%w: token has expired", ErrInvalidToken)
	}

	return claims, nil
}
