package auth

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Handler serves the action token endpoint.
type Handler struct {
	Config *Config
	Logger *logrus.Logger
}

// NewHandler initializes a new Handler.
func NewHandler(config *Config, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{Config: config, Logger: logger}
}

// HandleIssueToken issues a single-use, short-lived action token. The caller
// must already have passed the API key check.
func (h *Handler) HandleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.WithError(err).Warn("Invalid token request")
		WriteErrorResponse(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if !req.Action.Valid() {
		WriteErrorResponse(w, "Unknown action", http.StatusBadRequest)
		return
	}

	tokens, err := generateActionToken(req, h.Config)
	if err != nil {
		h.Logger.WithError(err).Error("Failed to issue action token")
		WriteErrorResponse(w, "Failed to issue action token", http.StatusInternalServerError)
		return
	}

	h.Logger.WithFields(logrus.Fields{
		"action":    req.Action,
		"path":      tokens.Path,
		"client_ip": getClientIP(r),
	}).Info("Action token issued")
	WriteSuccessResponse(w, "Action token issued", tokens)
}
