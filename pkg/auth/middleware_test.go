package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"
)

// MockDatabase is an in-memory token ledger.
type MockDatabase struct {
	mu          sync.Mutex
	blacklisted map[string]int64
}

func NewMockDatabase() *MockDatabase {
	return &MockDatabase{blacklisted: make(map[string]int64)}
}

func (db *MockDatabase) AddBlacklistedToken(ctx context.Context, token string, expiresAt int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.blacklisted[token] = expiresAt
	return nil
}

func (db *MockDatabase) IsTokenBlacklisted(ctx context.Context, token string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, ok := db.blacklisted[token]
	return ok, nil
}

// Helper function to create a new Middleware with a mock database
func newTestMiddleware() *Middleware {
	config := &Config{
		APIKey:                "key123",
		JwtSecret:             []byte("testsecret"),
		ActionTokenExpiration: 5 * time.Minute,
	}
	testLogger := logrus.New()
	testLogger.SetOutput(&bytes.Buffer{}) // Discard output during tests
	testLogger.SetLevel(logrus.DebugLevel)

	return NewMiddleware(config, NewMockDatabase(), testLogger)
}

func issue(t *testing.T, m *Middleware, req TokenRequest) string {
	t.Helper()
	tokens, err := generateActionToken(req, m.Config)
	if err != nil {
		t.Fatal(err)
	}
	return tokens.ActionToken
}

func serveAction(m *Middleware, action Action, token string, next http.HandlerFunc) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/"+string(action), nil)
	if token != "" {
		req.Header.Set(actionTokenHeader, token)
	}
	w := httptest.NewRecorder()
	m.ActionMiddleware(action)(next).ServeHTTP(w, req)
	return w
}

func TestAPIKeyMiddleware(t *testing.T) {
	m := newTestMiddleware()
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong key", apiKeyHeader, "nope", http.StatusUnauthorized},
		{"header key", apiKeyHeader, "key123", http.StatusOK},
		{"bearer key", "Authorization", "Bearer key123", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			m.APIKeyMiddleware(ok).ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestActionMiddlewareSingleUse(t *testing.T) {
	m := newTestMiddleware()
	token := issue(t, m, TokenRequest{Action: ActionRestore, Path: "/srv/www/index.php"})

	calls := 0
	next := func(w http.ResponseWriter, r *http.Request) {
		calls++
		claims, ok := ClaimsFromContext(r.Context())
		if !ok || claims.Action != ActionRestore || claims.Path != "/srv/www/index.php" || claims.ID == "" {
			t.Errorf("unexpected claims %+v", claims)
		}
		w.WriteHeader(http.StatusOK)
	}

	if w := serveAction(m, ActionRestore, token, next); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w := serveAction(m, ActionRestore, token, next)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected replay rejected with 401, got %d", w.Code)
	}
	var resp HttpResp
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Status != "error" || !strings.Contains(resp.Message, "already used") {
		t.Errorf("unexpected response %+v", resp)
	}
	if calls != 1 {
		t.Errorf("handler called %d times", calls)
	}
}

func TestActionMiddlewareWrongAction(t *testing.T) {
	m := newTestMiddleware()
	token := issue(t, m, TokenRequest{Action: ActionRestore})
	w := serveAction(m, ActionDelete, token, func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called with a token for another action")
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestActionMiddlewareRejectsInvalidTokens(t *testing.T) {
	m := newTestMiddleware()
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"type":   "action",
		"action": "delete",
		"exp":    time.Now().Add(-time.Minute).Unix(),
	})
	expiredString, _ := expired.SignedString(m.Config.JwtSecret)

	bearer := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"type":   "bearer",
		"action": "delete",
		"exp":    time.Now().Add(time.Minute).Unix(),
	})
	bearerString, _ := bearer.SignedString(m.Config.JwtSecret)

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"type":   "action",
		"action": "delete",
		"exp":    time.Now().Add(time.Minute).Unix(),
	})
	foreignString, _ := foreign.SignedString([]byte("othersecret"))

	for name, token := range map[string]string{
		"missing":      "",
		"garbage":      "invalid.token.here",
		"expired":      expiredString,
		"wrong type":   bearerString,
		"wrong secret": foreignString,
	} {
		w := serveAction(m, ActionDelete, token, func(w http.ResponseWriter, r *http.Request) {
			t.Errorf("%s: handler should not be called", name)
		})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", name, w.Code)
		}
	}
}

func TestActionClaimsAllows(t *testing.T) {
	if !(ActionClaims{}).Allows("/any") {
		t.Error("unbound token should allow any path")
	}
	bound := ActionClaims{Path: "/srv/www/a.php"}
	if !bound.Allows("/srv/www/a.php") || bound.Allows("/srv/www/b.php") {
		t.Error("bound token must only allow its path")
	}
}
