package webserver

import (
	"os"
	"strings"
)

// WebserverConfig holds the configuration for the webserver.
type WebserverConfig struct {
	ListenTo           string
	CorsAllowedOrigins []string
	// Disabled keeps the HTTP surface off; the engine still runs its loop.
	Disabled bool
}

// NewWebserverConfig initializes the webserver configuration from environment variables.
func NewWebserverConfig() (*WebserverConfig, error) {
	config := &WebserverConfig{}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	config.ListenTo = ":" + port
	if host := os.Getenv("LISTEN_HOST"); host != "" {
		config.ListenTo = host + config.ListenTo
	}

	corsAllowedOrigins := os.Getenv("CORS_ALLOWED_ORIGINS")
	if corsAllowedOrigins != "" {
		for _, origin := range strings.Split(corsAllowedOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				config.CorsAllowedOrigins = append(config.CorsAllowedOrigins, origin)
			}
		}
	}

	switch strings.ToLower(os.Getenv("WEBSERVER_DISABLED")) {
	case "1", "true", "yes":
		config.Disabled = true
	}

	return config, nil
}
