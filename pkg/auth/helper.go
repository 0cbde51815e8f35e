package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

type contextKey string

const claimsKey contextKey = "action"

// parseJWT parses and validates a JWT token string.
func parseJWT(tokenString string, secret []byte) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Ensure token is signed with HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})

	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims", ErrInvalidToken)
	}

	return claims, nil
}

// generateActionToken signs a single-use token for req.
func generateActionToken(req TokenRequest, config *Config) (*TokenResponse, error) {
	now := time.Now()
	expirationTime := now.Add(config.ActionTokenExpiration)

	path := ""
	if req.Path != "" {
		path = filepath.Clean(req.Path)
	}
	claims := jwt.MapClaims{
		"jti":    uuid.NewString(),
		"sub":    "api",
		"type":   "action",
		"action": string(req.Action),
		"exp":    expirationTime.Unix(),
		"iat":    now.Unix(),
	}
	if path != "" {
		claims["path"] = path
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(config.JwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign action token: %w", err)
	}

	return &TokenResponse{
		ActionToken: tokenString,
		TokenType:   "Action",
		Action:      req.Action,
		Path:        path,
		ExpiresIn:   int64(config.ActionTokenExpiration.Seconds()),
	}, nil
}

// ClaimsFromContext returns the action claims attached by ActionMiddleware.
func ClaimsFromContext(ctx context.Context) (ActionClaims, bool) {
	claims, ok := ctx.Value(claimsKey).(ActionClaims)
	return claims, ok
}

// WriteJSONResponse writes a JSON response with the specified HTTP status and data.
func WriteJSONResponse(w http.ResponseWriter, httpStatus int, data *HttpResp) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// WriteSuccessResponse sends a successful JSON response.
func WriteSuccessResponse(w http.ResponseWriter, message string, data interface{}) {
	WriteJSONResponse(w,
		http.StatusOK,
		&HttpResp{Status: "success", Data: data, Message: message})
}

// WriteErrorResponse sends an error JSON response.
func WriteErrorResponse(w http.ResponseWriter, message string, httpStatus int) {
	WriteJSONResponse(w,
		httpStatus,
		&HttpResp{Status: "error", Data: nil, Message: message})
}

// WriteErrorResponseData sends an error JSON response with additional data.
func WriteErrorResponseData(w http.ResponseWriter, message string, data interface{}, httpStatus int) {
	WriteJSONResponse(w,
		httpStatus,
		&HttpResp{Status: "error", Data: data, Message: message})
}

// extractToken extracts a token from the named header, falling back to a
// Bearer Authorization header.
func extractToken(r *http.Request, headerName string) string {
	if v := strings.TrimSpace(r.Header.Get(headerName)); v != "" {
		return v
	}
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

// getClientIP retrieves the client's IP address from the request.
func getClientIP(r *http.Request) string {
	// Look for X-Forwarded-For header
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		// X-Forwarded-For can have multiple IPs; the first one is usually the original client IP
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	// Fallback to RemoteAddr if X-Forwarded-For is not set
	clientIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	return clientIP
}
