package auth

// HttpResp represents the standard HTTP response structure.
type HttpResp struct {
	Status  string      `json:"status" example:"success"`
	Data    interface{} `json:"data"`
	Message string      `json:"message" example:"Operation completed successfully"`
}

// Action names a destructive operation guarded by an action token.
type Action string

const (
	ActionRestore  Action = "restore"
	ActionDelete   Action = "delete"
	ActionBaseline Action = "baseline"
	ActionBackup   Action = "backup"
	ActionTeardown Action = "teardown"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionRestore, ActionDelete, ActionBaseline, ActionBackup, ActionTeardown:
		return true
	}
	return false
}

// TokenRequest asks for an action token. Path, when set, binds the token to
// a single file.
type TokenRequest struct {
	Action Action `json:"action"`
	Path   string `json:"path,omitempty"`
}

// TokenResponse carries a freshly issued action token.
type TokenResponse struct {
	ActionToken string `json:"action_token"`
	TokenType   string `json:"token_type"`
	Action      Action `json:"action"`
	Path        string `json:"path,omitempty"`
	ExpiresIn   int64  `json:"expires_in"`
}

// ActionClaims are the validated claims of a spent action token.
type ActionClaims struct {
	ID     string
	Action Action
	Path   string
}

// Allows reports whether the token covers path.
func (c ActionClaims) Allows(path string) bool {
	return c.Path == "" || c.Path == path
}
