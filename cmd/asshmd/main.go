// Command asshmd is the ASSHM backend service. It loads the configuration,
// opens the session and IPAM stores, and serves the REST API until
// terminated.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/McDevStudios/asshm/internal/api"
	"github.com/McDevStudios/asshm/internal/config"
	"github.com/McDevStudios/asshm/internal/history"
	"github.com/McDevStudios/asshm/internal/ipam"
	"github.com/McDevStudios/asshm/internal/scanner"
	"github.com/McDevStudios/asshm/internal/secret"
	"github.com/McDevStudios/asshm/internal/sessions"
)

// Command line flags
var (
	configFlag   string
	dataDirFlag  string
	listenFlag   string
	logLevelFlag string
)

func parseFlags() {
	flag.StringVar(&configFlag, "config", "", "Path to configuration file (default <data-dir>/config.yaml)")
	flag.StringVar(&dataDirFlag, "data-dir", "", "Data directory (default ~/.asshm)")
	flag.StringVar(&listenFlag, "listen", "", "Listen address (overrides server.listen_addr)")
	flag.StringVar(&logLevelFlag, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()
}

// defaultDataDir returns ~/.asshm, falling back to a relative directory when
// the home directory cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".asshm"
	}
	return filepath.Join(home, ".asshm")
}

// resolveConfigPath picks the configuration file location: the -config flag
// wins, then config.yaml inside the flagged data directory, then config.yaml
// inside the default data directory.
func resolveConfigPath(configFlag, dataDirFlag string) string {
	if configFlag != "" {
		return configFlag
	}
	if dataDirFlag != "" {
		return filepath.Join(dataDirFlag, "config.yaml")
	}
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// resolveDataDir picks the data directory: the -data-dir flag wins over the
// configured general.data_dir.
func resolveDataDir(dataDirFlag string, cfg *config.Store) string {
	if dataDirFlag != "" {
		return dataDirFlag
	}
	return cfg.DataDir()
}

func main() {
	parseFlags()

	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(logLevelFlag)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Use colored console output for development
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("Starting ASSHM")

	// Load configuration
	configPath := resolveConfigPath(configFlag, dataDirFlag)
	cfg := config.New(configPath)

	dataDir := resolveDataDir(dataDirFlag, cfg)
	cfg.Set("general", "data_dir", dataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Fatal().Err(err).Str("path", dataDir).Msg("Failed to create data directory")
	}
	log.Info().Str("dataDir", dataDir).Msg("Using data directory")

	// Initialize session repository
	sessionRepo := sessions.New(dataDir, cfg)

	// Passwords are stored encrypted when a passphrase is provided
	if key := os.Getenv("ASSHM_SECRETS_KEY"); key != "" {
		store := secret.NewFileStore(filepath.Join(dataDir, "secrets.json"), key)
		sessionRepo.UseSecretStore(store)
		log.Info().Msg("Secret store enabled, passwords will be encrypted at rest")
	}

	// Initialize IPAM repository
	inventory := ipam.New(filepath.Join(dataDir, "ipam"))

	// Initialize scan history database
	log.Info().Msg("Initializing scan history database")
	hist, err := history.New(filepath.Join(dataDir, "history.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize scan history database")
	}
	defer hist.Close()

	// Initialize scan service
	scanService := scanner.New(cfg, inventory, hist)

	// Initialize router and API handlers
	router := mux.NewRouter()

	// Create API handlers
	sessionHandler := api.NewSessionHandler(sessionRepo, inventory)
	ipamHandler := api.NewIPAMHandler(inventory, sessionRepo)
	scanHandler := api.NewScanHandler(scanService)
	statusHandler := api.NewStatusHandler(sessionRepo, inventory, scanService, hist, cfg)
	configHandler := api.NewConfigHandler(cfg)

	// Register API routes
	sessionHandler.RegisterRoutes(router)
	ipamHandler.RegisterRoutes(router)
	scanHandler.RegisterRoutes(router)
	statusHandler.RegisterRoutes(router)
	configHandler.RegisterRoutes(router)

	// Set up CORS for browser-based frontends
	corsMiddleware := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)

	// Set up HTTP server
	addr := listenFlag
	if addr == "" {
		addr = cfg.GetString("server", "listen_addr", ":8422")
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      handlers.RecoveryHandler()(corsMiddleware(router)),
		ReadTimeout:  time.Duration(cfg.GetInt("server", "read_timeout", 30)) * time.Second,
		WriteTimeout: time.Duration(cfg.GetInt("server", "write_timeout", 30)) * time.Second,
	}

	// Start the server in a goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Set up signal handling for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for termination signal
	sig := <-signalChan
	log.Info().Str("signal", sig.String()).Msg("Received termination signal")

	// Begin graceful shutdown
	log.Info().Msg("Shutting down...")

	// Create a shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.GetInt("server", "shutdown_timeout", 10))*time.Second,
	)
	defer shutdownCancel()

	// Shutdown HTTP server
	log.Info().Msg("Shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Back up the scan history before exit
	log.Info().Msg("Backing up scan history database")
	if _, err := hist.Backup(cfg.GetInt("general", "max_backups", 5)); err != nil {
		log.Error().Err(err).Msg("Scan history backup failed")
	}

	log.Info().Msg("ASSHM has been shut down gracefully")
}
