package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/calhub/internal/activity"
	"github.com/macjediwizard/calhub/internal/caldav"
	"github.com/macjediwizard/calhub/internal/config"
	"github.com/macjediwizard/calhub/internal/crypto"
	"github.com/macjediwizard/calhub/internal/db"
	"github.com/macjediwizard/calhub/internal/ingest"
	"github.com/macjediwizard/calhub/internal/notify"
	"github.com/macjediwizard/calhub/internal/rules"
	"github.com/macjediwizard/calhub/internal/scheduler"
	"github.com/macjediwizard/calhub/internal/syncer"
	"github.com/macjediwizard/calhub/internal/web"
)

const (
	readTimeout           = 10 * time.Second
	writeTimeout          = 30 * time.Second
	idleTimeout           = 120 * time.Second
	shutdownTimeout       = 30 * time.Second
	connectionTestTimeout = 30 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting CalendarHub...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfg.Validate(ctx); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Set Gin mode
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}()

	// Initialize key manager and credential store
	keys, err := crypto.NewKeyManager(database, cfg.Security.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize key manager: %v", err)
	}
	credentials := crypto.NewCredentialStore(database, keys)

	// Initialize CalDAV client
	calendar, err := caldav.NewClient(caldav.Options{
		BaseURL:  cfg.CalDAV.URL,
		Username: cfg.CalDAV.Username,
		Password: cfg.CalDAV.AppPassword,
		ReadOnly: cfg.CalDAV.ReadOnly,
	})
	if err != nil {
		log.Fatalf("Failed to initialize CalDAV client: %v", err)
	}
	if calendar.ReadOnly() {
		log.Println("CalDAV client is read-only: no changes will be written")
	}

	testCtx, testCancel := context.WithTimeout(ctx, connectionTestTimeout)
	if err := calendar.TestConnection(testCtx); err != nil {
		log.Printf("Warning: CalDAV connection test failed: %v", err)
	}
	testCancel()

	// Initialize ingestion, rules and the sync engine
	adapter := ingest.NewAdapter(database, credentials, ingest.Options{
		AllowPrivateIPs:         cfg.Security.AllowPrivateIPs,
		DefaultLocation:         cfg.DefaultLocation(),
		DefaultFrequencyMinutes: cfg.Sync.DefaultFrequencyMinutes,
	})
	filter := rules.NewEventFilter(database)
	mapper := rules.NewNameMapper(database)
	tracker := activity.NewTracker()

	alertCfg := notify.Config{
		WebhookURL:       cfg.Alerts.WebhookURL,
		FailureThreshold: cfg.Alerts.FailureThreshold,
		CooldownPeriod:   cfg.Alerts.Cooldown,
	}
	if err := notify.ValidateConfig(alertCfg); err != nil {
		log.Fatalf("Invalid alert configuration: %v", err)
	}
	notifier := notify.New(alertCfg)
	if notifier.IsEnabled() {
		log.Printf("Failure alerts enabled (threshold %d)", alertCfg.FailureThreshold)
	}

	engine := syncer.NewEngine(database, adapter, calendar, filter, mapper, syncer.Options{
		Enhanced:        cfg.Sync.Enhanced,
		BaseURL:         cfg.Server.BaseURL,
		BatchPause:      cfg.Sync.BatchPause,
		DefaultLocation: cfg.DefaultLocation(),
		Track: func(source *db.Source) (syncer.Observer, func(error)) {
			run := tracker.Begin(source.ID, source.Name)
			return run, func(syncErr error) {
				run.Finish(syncErr)
				notifier.RecordResult(ctx, source.ID, source.Name, syncErr)
			}
		},
	})

	// Initialize queue and scheduler
	queue := scheduler.NewQueue(engine.Sync, scheduler.QueueOptions{
		Workers:    cfg.Sync.Workers,
		MaxRetries: cfg.Sync.MaxRetries,
	})
	auto := scheduler.NewAutoScheduler(database, queue, scheduler.AutoOptions{
		StaggerWindow:           time.Duration(cfg.Sync.StaggerWindowMinutes) * time.Minute,
		DefaultFrequencyMinutes: cfg.Sync.DefaultFrequencyMinutes,
		DefaultLocation:         cfg.DefaultLocation(),
	})
	runner := scheduler.NewRunner(database, auto, queue, scheduler.RunnerOptions{
		StaleAttemptAge:      cfg.Sync.StaleAttemptAge,
		AttemptRetentionDays: cfg.Sync.AttemptRetentionDays,
	})

	// Initialize handlers
	handlers := web.NewHandlers(web.Deps{
		DB:      database,
		Creds:   credentials,
		Queue:   queue,
		Filters: engine,
		Keys:    keys,
		Tracker: tracker,
	})

	// Setup Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestID())
	router.Use(web.RequestLogger())
	router.Use(web.SecurityHeaders())
	web.SetupRoutes(router, handlers)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	// Start scheduler
	if err := runner.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Stop scheduler and in-flight syncs
	cancel()
	runner.Stop()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
