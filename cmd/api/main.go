package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/annahealth/assistant-platform/internal/api/router"
	"github.com/annahealth/assistant-platform/internal/archive"
	"github.com/annahealth/assistant-platform/internal/booking"
	"github.com/annahealth/assistant-platform/internal/cache"
	appconfig "github.com/annahealth/assistant-platform/internal/config"
	"github.com/annahealth/assistant-platform/internal/conversation"
	"github.com/annahealth/assistant-platform/internal/fhir"
	"github.com/annahealth/assistant-platform/internal/http/handlers"
	"github.com/annahealth/assistant-platform/internal/notify"
	"github.com/annahealth/assistant-platform/internal/observability/metrics"
	"github.com/annahealth/assistant-platform/internal/scheduling"
	"github.com/annahealth/assistant-platform/internal/session"
	"github.com/annahealth/assistant-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting assistant API server", "env", cfg.Env, "port", cfg.Port)

	ctx := context.Background()

	// Session cache backend. The store degrades to its in-process tier when
	// Redis is unreachable, so a failed ping is a warning, not a startup error.
	redisOpts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	redisClient := redis.NewClient(redisOpts)
	backend := cache.NewRedisStore(redisClient, nil)
	if err := backend.Ping(ctx); err != nil {
		logger.Warn("redis unreachable at startup, sessions will use the in-process tier", "addr", cfg.RedisAddr, "error", err)
	}

	// Clinical records server.
	fhirClient, err := fhir.New(fhir.Config{
		BaseURL:   cfg.FHIRBaseURL,
		AuthToken: cfg.FHIRAuthToken,
		Timeout:   cfg.FHIRTimeout,
	})
	if err != nil {
		logger.Error("failed to create FHIR client", "error", err)
		os.Exit(1)
	}

	sessionMetrics := metrics.NewSessionMetrics(nil)
	bookingMetrics := metrics.NewBookingMetrics(nil)

	verifier := conversation.NewVerifier(fhirClient)
	sessions := session.NewStore(backend, verifier, cfg.SessionTTL, logger, sessionMetrics)

	// Booking pipeline.
	loc, err := time.LoadLocation(cfg.ClinicTimezone)
	if err != nil {
		logger.Warn("invalid clinic timezone, falling back to UTC", "timezone", cfg.ClinicTimezone)
		loc = time.UTC
	}
	negotiator := booking.NewNegotiator(cfg.BusinessHourStart, cfg.BusinessHourEnd, cfg.SlotDurationMins, loc)
	allocator := scheduling.NewAllocator(fhirClient, logger, bookingMetrics)
	machine := booking.NewMachine(sessions, allocator, fhirClient, negotiator, cfg.DefaultSchedule, logger, bookingMetrics)
	appointments := scheduling.NewAppointments(fhirClient, logger)

	// Long-term transcript archive, optional.
	var transcriptArchive *archive.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to create postgres pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		transcriptArchive = archive.NewStore(stdlib.OpenDBFromPool(pool))
		logger.Info("transcript archive enabled")
	}

	// Notifications. Without a SendGrid key the stub sender logs instead of
	// sending, so the confirmation path is exercised in every environment.
	var emailSender notify.EmailSender = notify.NewStubEmailSender(logger)
	if sg := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SendGridFromEmail,
		FromName:  cfg.SendGridFromName,
	}, logger); sg != nil {
		emailSender = sg
	}
	var smsSender notify.SMSSender
	if s := notify.NewHTTPSMSSender(notify.SMSConfig{
		ProviderURL: cfg.SMSProviderURL,
		APIKey:      cfg.SMSProviderKey,
		FromNumber:  cfg.SMSFromNumber,
	}, logger); s != nil {
		smsSender = s
	}
	confirmer := notify.NewConfirmer(emailSender, smsSender, logger)

	var archiver conversation.Archiver
	if transcriptArchive != nil {
		archiver = transcriptArchive
	}
	service := conversation.NewService(sessions, machine, conversation.NewRuleDetector(), appointments, archiver, confirmer, logger)

	r := router.New(&router.Config{
		Logger:         logger,
		ChatHandler:    handlers.NewChatHandler(service, logger),
		HealthHandler:  handlers.NewHealthHandler(sessions),
		MetricsHandler: promhttp.Handler(),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	if err := redisClient.Close(); err != nil {
		logger.Warn("redis close failed", "error", err)
	}

	logger.Info("server stopped")
}
