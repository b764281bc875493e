// birch/main.go
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"birch/access"
	"birch/config"
	"birch/database"
	"birch/handlers"
	"birch/models"
	"birch/notify"
	"birch/pipeline"
	"birch/staging"
	"birch/utils"

	"golang.org/x/crypto/bcrypt"
)

type Application struct {
	db             *database.DatabaseService
	pipeline       *pipeline.Service
	acl            *access.Engine
	staging        *staging.Store
	hub            *notify.Hub
	rateLimiter    *models.RateLimiter
	logger         *slog.Logger
	uploadDir      string
	syncSecretHash []byte
}

// Methods to satisfy the handlers.App interface
func (a *Application) DB() *database.DatabaseService { return a.db }
func (a *Application) Pipeline() *pipeline.Service   { return a.pipeline }
func (a *Application) Access() *access.Engine        { return a.acl }
func (a *Application) Staging() *staging.Store       { return a.staging }
func (a *Application) Hub() *notify.Hub              { return a.hub }
func (a *Application) RateLimiter() *models.RateLimiter {
	return a.rateLimiter
}
func (a *Application) Logger() *slog.Logger { return a.logger }
func (a *Application) UploadDir() string    { return a.uploadDir }
func (a *Application) SyncSecretHash() []byte {
	return a.syncSecretHash
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// --- External Configuration ---
	port := utils.GetEnv("BIRCH_PORT", "8080")
	dbPath := utils.GetEnv("BIRCH_DB_PATH", "./birch.db?_journal_mode=WAL&_foreign_keys=on")
	uploadDir := utils.GetEnv("BIRCH_UPLOAD_DIR", "./uploads")

	// Member token hashes and redeemed grant hashes are durable rows, so
	// the identity salt must be stable across restarts: an explicit env
	// value wins, else a salt file created on first boot.
	if salt := os.Getenv("BIRCH_IDENTITY_SALT"); salt != "" {
		utils.ServerSalt = salt
	} else {
		salt, err := utils.LoadOrCreateSalt(utils.GetEnv("BIRCH_SALT_FILE", "./birch.salt"))
		if err != nil {
			logger.Error("FATAL: Could not load identity salt", "error", err)
			os.Exit(1)
		}
		utils.ServerSalt = salt
	}

	codeSecret := os.Getenv("BIRCH_CODE_SECRET")
	if codeSecret == "" {
		logger.Error("FATAL: BIRCH_CODE_SECRET must be set; invitation codes depend on it")
		os.Exit(1)
	}

	stagingTTL, err := time.ParseDuration(utils.GetEnv("BIRCH_STAGING_TTL", config.DefaultStagingTTL))
	if err != nil {
		logger.Warn("Invalid BIRCH_STAGING_TTL duration, using default", "value", utils.GetEnv("BIRCH_STAGING_TTL", ""), "default", config.DefaultStagingTTL)
		stagingTTL, _ = time.ParseDuration(config.DefaultStagingTTL)
	}
	trimEvery, err := time.ParseDuration(utils.GetEnv("BIRCH_TRIM_EVERY", config.DefaultTrimEvery))
	if err != nil {
		logger.Warn("Invalid BIRCH_TRIM_EVERY duration, using default", "value", utils.GetEnv("BIRCH_TRIM_EVERY", ""), "default", config.DefaultTrimEvery)
		trimEvery, _ = time.ParseDuration(config.DefaultTrimEvery)
	}

	rateLimitEvery, err := time.ParseDuration(utils.GetEnv("BIRCH_RATE_EVERY", config.DefaultRateLimitEvery))
	if err != nil {
		logger.Warn("Invalid BIRCH_RATE_EVERY duration, using default", "value", utils.GetEnv("BIRCH_RATE_EVERY", ""), "default", config.DefaultRateLimitEvery)
		rateLimitEvery, _ = time.ParseDuration(config.DefaultRateLimitEvery)
	}
	rateLimitBurst, err := strconv.Atoi(utils.GetEnv("BIRCH_RATE_BURST", strconv.Itoa(config.DefaultRateLimitBurst)))
	if err != nil {
		logger.Warn("Invalid BIRCH_RATE_BURST integer, using default", "value", utils.GetEnv("BIRCH_RATE_BURST", ""), "default", config.DefaultRateLimitBurst)
		rateLimitBurst = config.DefaultRateLimitBurst
	}
	rateLimitPrune, err := time.ParseDuration(utils.GetEnv("BIRCH_RATE_PRUNE", config.DefaultRateLimitPrune))
	if err != nil {
		rateLimitPrune, _ = time.ParseDuration(config.DefaultRateLimitPrune)
	}
	rateLimitExpire, err := time.ParseDuration(utils.GetEnv("BIRCH_RATE_EXPIRE", config.DefaultRateLimitExpire))
	if err != nil {
		rateLimitExpire, _ = time.ParseDuration(config.DefaultRateLimitExpire)
	}

	dbService, err := database.InitDB(dbPath, logger)
	if err != nil {
		logger.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbService.DB.Close(); err != nil {
			logger.Error("Failed to close database", "error", err)
		}
	}()

	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		logger.Error("FATAL: Could not create uploads directory", "path", uploadDir, "error", err)
		os.Exit(1)
	}

	// --- Storage Service Init ---
	var storageService models.StorageService
	if utils.GetEnv("BIRCH_S3_ENABLED", "false") == "true" {
		endpoint := utils.GetEnv("BIRCH_S3_ENDPOINT", "")
		accessKey := utils.GetEnv("BIRCH_S3_ACCESS_KEY", "")
		secretKey := utils.GetEnv("BIRCH_S3_SECRET_KEY", "")
		bucket := utils.GetEnv("BIRCH_S3_BUCKET", "")
		region := utils.GetEnv("BIRCH_S3_REGION", "us-east-1")
		publicURL := utils.GetEnv("BIRCH_S3_PUBLIC_URL", "")
		useSSL := utils.GetEnv("BIRCH_S3_USE_SSL", "true") == "true"

		storageService, err = utils.NewS3Storage(endpoint, accessKey, secretKey, bucket, region, publicURL, useSSL)
		if err != nil {
			logger.Error("Failed to initialize S3 storage", "error", err)
			os.Exit(1)
		}
		logger.Info("S3 Storage initialized", "endpoint", endpoint, "bucket", bucket)
	} else {
		storageService = &utils.LocalStorage{UploadDir: uploadDir}
		logger.Info("Local Storage initialized", "dir", uploadDir)
	}

	scrubber, err := utils.LoadScrubber(
		utils.GetEnv("BIRCH_PROFANITY_FILE", ""),
		utils.GetEnv("BIRCH_QUOTES_FILE", ""),
	)
	if err != nil {
		logger.Error("Failed to load profanity wordlist", "error", err)
		os.Exit(1)
	}

	// --- Wiring ---
	acl, err := access.NewEngine(dbService, codeSecret, logger)
	if err != nil {
		logger.Error("Failed to construct access engine", "error", err)
		os.Exit(1)
	}
	fileStaging := staging.NewStore(storageService, stagingTTL, logger)
	hub := notify.NewHub()
	notifier := notify.NewNotifier(dbService, acl, notify.NewHTTPTransport(), hub, logger)
	pipe := pipeline.NewService(dbService, fileStaging, acl, notifier, scrubber, logger)

	stopTrim := make(chan struct{})
	go fileStaging.Run(trimEvery, stopTrim)

	// The admin bootstrap token grants the first admin; later admins are
	// managed through the database directly.
	if adminToken := os.Getenv("BIRCH_ADMIN_TOKEN"); adminToken != "" {
		adminHash := utils.HashToken(adminToken)
		if _, err := dbService.EnsureMember(adminHash); err != nil {
			logger.Error("Failed to bootstrap admin member", "error", err)
			os.Exit(1)
		}
		if err := dbService.SetAdmin(adminHash, true); err != nil {
			logger.Error("Failed to flag admin member", "error", err)
			os.Exit(1)
		}
		logger.Info("Admin member bootstrapped")
	}

	var syncSecretHash []byte
	if syncSecret := os.Getenv("BIRCH_SYNC_SECRET"); syncSecret != "" {
		syncSecretHash, err = bcrypt.GenerateFromPassword([]byte(syncSecret), bcrypt.DefaultCost)
		if err != nil {
			logger.Error("Failed to hash sync secret", "error", err)
			os.Exit(1)
		}
	}

	app := &Application{
		db:             dbService,
		pipeline:       pipe,
		acl:            acl,
		staging:        fileStaging,
		hub:            hub,
		rateLimiter:    models.NewRateLimiter(rateLimitEvery, rateLimitBurst, rateLimitPrune, rateLimitExpire),
		logger:         logger,
		uploadDir:      uploadDir,
		syncSecretHash: syncSecretHash,
	}

	// --- Graceful Shutdown ---
	server := &http.Server{Addr: ":" + port, Handler: handlers.SetupRouter(app)}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("birch server started successfully",
		"version", config.AppVersion,
		"address", "http://localhost:"+port,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	close(stopTrim)
	hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("Server exiting")
}
