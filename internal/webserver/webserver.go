package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/y0ug/antideface/internal/antideface"
	"github.com/y0ug/antideface/internal/database/models"
	"github.com/y0ug/antideface/pkg/auth"
)

// WebServer exposes the engine operations over HTTP.
type WebServer struct {
	Monitor        *antideface.Monitor
	config         *WebserverConfig
	authHandler    *auth.Handler
	authMiddleware *auth.Middleware
	Logger         *logrus.Logger
}

// PathRequest names the file a restore or delete applies to.
type PathRequest struct {
	Path string `json:"path"`
}

// BackupRequest lists the files to back up. Empty means the protected files.
type BackupRequest struct {
	Paths []string `json:"paths"`
}

// BaselineResponse summarizes a baseline build.
type BaselineResponse struct {
	Root        string    `json:"root"`
	Files       int       `json:"files"`
	GeneratedAt time.Time `json:"generated_at"`
	Errors      []string  `json:"errors,omitempty"`
}

// StartWebServer starts the HTTP server.
func StartWebServer(ctx context.Context, ws *WebServer) (*http.Server, error) {
	router := ws.InitRouter()

	// Configure CORS options
	corsOptions := cors.Options{
		AllowedOrigins:   ws.config.CorsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-API-Key", "X-Action-Token"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		Debug:            false,
	}

	handler := cors.New(corsOptions).Handler(router)

	server := &http.Server{
		Addr:    ws.config.ListenTo,
		Handler: handler,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		ws.Logger.Infof("Server starting on %s", ws.config.ListenTo)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.Logger.Errorf("ListenAndServe(): %v", err)
		}
	}()

	return server, nil
}

// NewWebServer initializes a new WebServer.
func NewWebServer(monitor *antideface.Monitor, config *WebserverConfig, authHandler *auth.Handler, authMiddleware *auth.Middleware, logger *logrus.Logger) *WebServer {
	return &WebServer{
		Monitor:        monitor,
		config:         config,
		authHandler:    authHandler,
		authMiddleware: authMiddleware,
		Logger:         logger,
	}
}

// InitRouter initializes the HTTP routes. Every route requires the API key;
// destructive routes additionally spend a single-use action token.
func (ws *WebServer) InitRouter() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.Use(ws.authMiddleware.APIKeyMiddleware)

	api.HandleFunc("/status", ws.handleGetStatus).Methods(http.MethodGet)
	api.HandleFunc("/check", ws.handleCheck).Methods(http.MethodGet)
	api.HandleFunc("/scan", ws.handleScan).Methods(http.MethodGet)
	api.HandleFunc("/token", ws.authHandler.HandleIssueToken).Methods(http.MethodPost)

	action := ws.authMiddleware.ActionMiddleware
	api.Handle("/restore", action(auth.ActionRestore)(http.HandlerFunc(ws.handleRestore))).Methods(http.MethodPost)
	api.Handle("/delete", action(auth.ActionDelete)(http.HandlerFunc(ws.handleDelete))).Methods(http.MethodPost)
	api.Handle("/baseline", action(auth.ActionBaseline)(http.HandlerFunc(ws.handleBuildBaseline))).Methods(http.MethodPost)
	api.Handle("/baseline", action(auth.ActionTeardown)(http.HandlerFunc(ws.handleTeardown))).Methods(http.MethodDelete)
	api.Handle("/backup", action(auth.ActionBackup)(http.HandlerFunc(ws.handleBackup))).Methods(http.MethodPost)

	return r
}

// handleGetStatus handles the GET /api/status endpoint.
func (ws *WebServer) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	auth.WriteSuccessResponse(w, "Status retrieved successfully", ws.Monitor.Status())
}

// handleCheck handles the GET /api/check endpoint.
func (ws *WebServer) handleCheck(w http.ResponseWriter, r *http.Request) {
	report, err := ws.Monitor.Check(r.Context(), "", nil)
	if err != nil {
		ws.Logger.WithError(err).Error("Integrity check failed")
		auth.WriteErrorResponse(w, "Integrity check failed", http.StatusInternalServerError)
		return
	}
	auth.WriteSuccessResponse(w, "Integrity check completed", report)
}

// handleScan handles the GET /api/scan endpoint.
func (ws *WebServer) handleScan(w http.ResponseWriter, r *http.Request) {
	report := ws.Monitor.Scan(r.Context(), nil)
	message := "Scan completed"
	if report.Partial {
		message = "Scan interrupted; report is partial"
	}
	auth.WriteSuccessResponse(w, message, report)
}

// handleRestore handles the POST /api/restore endpoint.
func (ws *WebServer) handleRestore(w http.ResponseWriter, r *http.Request) {
	path, ok := ws.decodeTargetPath(w, r)
	if !ok {
		return
	}

	result, err := ws.Monitor.Restore(r.Context(), path)
	if err != nil {
		ws.Logger.WithError(err).WithField("path", path).Error("Restore failed")
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, models.ErrBaselineNotFound), errors.Is(err, models.ErrCorruptBaseline):
			status = http.StatusConflict
		case errors.Is(err, models.ErrNotAuthorized):
			status = http.StatusForbidden
		}
		auth.WriteErrorResponseData(w, "Restore failed", result, status)
		return
	}
	auth.WriteSuccessResponse(w, "Restore completed", result)
}

// handleDelete handles the POST /api/delete endpoint.
func (ws *WebServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	path, ok := ws.decodeTargetPath(w, r)
	if !ok {
		return
	}

	if err := ws.Monitor.Delete(r.Context(), path); err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			auth.WriteErrorResponse(w, "File not found", http.StatusNotFound)
			return
		case errors.Is(err, models.ErrNotAuthorized):
			auth.WriteErrorResponse(w, "Path outside the root", http.StatusForbidden)
			return
		}
		ws.Logger.WithError(err).WithField("path", path).Error("Delete failed")
		auth.WriteErrorResponse(w, "Delete failed", http.StatusInternalServerError)
		return
	}
	auth.WriteSuccessResponse(w, "File deleted", PathRequest{Path: path})
}

// handleBuildBaseline handles the POST /api/baseline endpoint.
func (ws *WebServer) handleBuildBaseline(w http.ResponseWriter, r *http.Request) {
	baseline, errs, err := ws.Monitor.Build(r.Context(), "")
	if err != nil {
		ws.Logger.WithError(err).Error("Baseline build failed")
		auth.WriteErrorResponse(w, "Baseline build failed", http.StatusInternalServerError)
		return
	}
	auth.WriteSuccessResponse(w, "Baseline built", BaselineResponse{
		Root:        baseline.Root,
		Files:       len(baseline.Files),
		GeneratedAt: baseline.GeneratedAt,
		Errors:      models.ErrorMessages(errs),
	})
}

// handleTeardown handles the DELETE /api/baseline endpoint.
func (ws *WebServer) handleTeardown(w http.ResponseWriter, r *http.Request) {
	if err := ws.Monitor.TeardownState(r.Context()); err != nil {
		ws.Logger.WithError(err).Error("Teardown failed")
		auth.WriteErrorResponse(w, "Teardown incomplete", http.StatusInternalServerError)
		return
	}
	auth.WriteSuccessResponse(w, "Engine state removed", ws.Monitor.Status())
}

// handleBackup handles the POST /api/backup endpoint.
func (ws *WebServer) handleBackup(w http.ResponseWriter, r *http.Request) {
	var req BackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		auth.WriteErrorResponse(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	for i, p := range req.Paths {
		clean, ok := ws.insideRoot(p)
		if !ok {
			auth.WriteErrorResponse(w, "Path must be an absolute path inside the root", http.StatusBadRequest)
			return
		}
		req.Paths[i] = clean
	}

	if errs := ws.Monitor.Backup(req.Paths); len(errs) > 0 {
		ws.Logger.WithField("errors", len(errs)).Error("Backup failed")
		auth.WriteErrorResponseData(w, "Backup failed", models.ErrorMessages(errs), http.StatusInternalServerError)
		return
	}
	auth.WriteSuccessResponse(w, "Backup completed", nil)
}

// decodeTargetPath reads a PathRequest and checks it against the root and
// the path bound to the spent action token.
func (ws *WebServer) decodeTargetPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req PathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		auth.WriteErrorResponse(w, "Invalid JSON payload", http.StatusBadRequest)
		return "", false
	}
	defer r.Body.Close()

	path, ok := ws.insideRoot(req.Path)
	if !ok {
		ws.Logger.WithField("path", req.Path).Warn("Rejected path outside the root")
		auth.WriteErrorResponse(w, "Path must be an absolute path inside the root", http.StatusBadRequest)
		return "", false
	}

	claims, _ := auth.ClaimsFromContext(r.Context())
	if !claims.Allows(path) {
		ws.Logger.WithFields(logrus.Fields{
			"path":     path,
			"token_id": claims.ID,
		}).Warn("Action token not issued for this path")
		auth.WriteErrorResponse(w, "Action token not issued for this path", http.StatusForbidden)
		return "", false
	}
	return path, true
}

// insideRoot cleans p and reports whether it is an absolute path strictly
// below the configured root.
func (ws *WebServer) insideRoot(p string) (string, bool) {
	if p == "" || !filepath.IsAbs(p) {
		return "", false
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(ws.Monitor.Status().Root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return p, true
}
