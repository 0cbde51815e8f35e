package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/y0ug/antideface/internal/antideface"
	"github.com/y0ug/antideface/internal/database"
	"github.com/y0ug/antideface/internal/webserver"
	"github.com/y0ug/antideface/internal/watcher"
	"github.com/y0ug/antideface/pkg/auth"
)

func main() {
	ctx := context.Background()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	rootFlag := flag.String("root", "", "Root of the managed installation (overrides ANTIDEFACE_ROOT)")
	flag.Parse()

	// Load .env file if present
	err := godotenv.Load()
	if err != nil {
		logger.Info("No .env file found for antideface configuration. Proceeding with environment variables.")
	}

	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(lvl)
	}

	if *rootFlag != "" {
		logger.Debugf("Overriding root with command-line flag: %s", *rootFlag)
		os.Setenv("ANTIDEFACE_ROOT", *rootFlag)
	}

	cfg, err := antideface.LoadConfig()
	if err != nil {
		logger.Fatalf("Failed to load antideface configuration: %v", err)
	}

	dbConfig, err := database.LoadDatabaseConfig()
	if err != nil {
		logger.Fatalf("Failed to load database configuration: %v", err)
	}
	db, err := database.Open(dbConfig, logger)
	if err != nil {
		logger.Fatalf("Failed to open %s database: %v", dbConfig.Type, err)
	}
	defer db.Close(ctx)
	if err := db.Initialize(ctx); err != nil {
		logger.Fatalf("Failed to initialize database: %v", err)
	}
	logger.WithField("type", dbConfig.Type).Info("Database initialized successfully")

	monitor, err := antideface.Setup(cfg, db, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize monitor: %v", err)
	}
	logger.WithFields(logrus.Fields{
		"root":  cfg.Root,
		"state": monitor.LoadState(ctx).String(),
	}).Info("Monitor initialized")

	ctxCancel, cancel := context.WithCancel(ctx)
	defer cancel()

	webServerConfig, err := webserver.NewWebserverConfig()
	if err != nil {
		logger.Fatalf("Failed to load webserver configuration: %v", err)
	}

	var server *http.Server
	if !webServerConfig.Disabled {
		authConfig, err := auth.NewConfig()
		if err != nil {
			logger.Fatalf("Failed to initialize auth config: %v", err)
		}
		webServer := webserver.NewWebServer(monitor, webServerConfig,
			auth.NewHandler(authConfig, logger),
			auth.NewMiddleware(authConfig, db, logger),
			logger)
		server, err = webserver.StartWebServer(ctxCancel, webServer)
		if err != nil {
			logger.Fatalf("Failed to start web server: %v", err)
		}
	}

	if cfg.Watch {
		w, err := watcher.New(watcher.Options{
			Exclude: cfg.Exclude,
			Ignore:  monitor.Ignored,
			Logger:  logger,
		})
		if err != nil {
			logger.Fatalf("Failed to initialize watcher: %v", err)
		}
		defer w.Close()
		if err := w.Add(cfg.Root); err != nil {
			logger.Fatalf("Failed to watch %s: %v", cfg.Root, err)
		}
		go w.Run(ctxCancel, func(ctx context.Context) {
			monitor.RunCheck(ctx)
		})
		logger.WithField("root", cfg.Root).Info("Watching for changes")
	}

	go func() {
		logger.Info("Starting monitoring process")
		monitor.Start(ctxCancel)
	}()

	// Listen for OS signals to handle graceful shutdown
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	logger.Infof("Received signal: %s. Initiating shutdown...", sig)

	cancel()

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Failed to gracefully shutdown the server: %v", err)
		}
	}

	logger.Info("Shutdown complete. Exiting.")
}
