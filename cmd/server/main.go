// Package main runs the member portal HTTP API with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/member-portal/backend/config"
	"github.com/member-portal/backend/internal/auth"
	"github.com/member-portal/backend/internal/bookings"
	"github.com/member-portal/backend/internal/credentials"
	"github.com/member-portal/backend/internal/crm"
	"github.com/member-portal/backend/internal/discounts"
	"github.com/member-portal/backend/internal/dispatch"
	"github.com/member-portal/backend/internal/events"
	"github.com/member-portal/backend/internal/ledger"
	"github.com/member-portal/backend/internal/members"
	"github.com/member-portal/backend/internal/metrics"
	"github.com/member-portal/backend/internal/middleware"
	"github.com/member-portal/backend/internal/organizations"
	"github.com/member-portal/backend/internal/worker"
	"github.com/member-portal/backend/pkg/database"
	"github.com/member-portal/backend/pkg/queue"
	"github.com/member-portal/backend/pkg/redis"
	"github.com/member-portal/backend/pkg/response"
	"github.com/member-portal/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{MaxConns: int32(cfg.Database.MaxConns)}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec, err := metrics.NewRecorder("portal", registry)
	if err != nil {
		logger.Fatal("metrics", zap.Error(err))
	}

	jobQueue := queue.NewQueue(rdb.Client, logger)

	// External CRM and its credential lifecycle
	crmClient := crm.NewClient(crm.Config{
		BaseURL:      cfg.CRM.BaseURL,
		TokenURL:     cfg.CRM.TokenURL,
		ClientID:     cfg.CRM.ClientID,
		ClientSecret: cfg.CRM.ClientSecret,
		Timeout:      cfg.CRM.Timeout(),
	}, rec, logger)
	if !cfg.CRM.Configured() {
		logger.Warn("crm integration not configured; identity reconciliation will report configuration errors")
	}
	credManager := credentials.NewManager(
		credentials.NewRepository(pool),
		crmClient,
		redis.NewLocker(rdb.Client, logger),
		credentials.Options{
			Integration: cfg.CRM.Integration,
			Skew:        time.Duration(cfg.CRM.RefreshSkewSec) * time.Second,
			LockTTL:     time.Duration(cfg.CRM.LockTTLSec) * time.Second,
		},
		rec, logger,
	)

	// Identity
	orgRepo := organizations.NewRepository(pool)
	identity := members.NewService(members.NewRepository(pool), orgRepo, credManager, crmClient, logger)

	// Ledger
	var archiver ledger.Archiver
	if cfg.Ledger.ArchiveEnabled {
		archiver = worker.NewLedgerArchiver(jobQueue, logger)
	}
	ticketLedger := ledger.New(ledger.NewRepository(pool), archiver, rec, logger)

	// Bookings and discounts
	engine := bookings.NewEngine(bookings.NewRepository(pool), events.NewRepository(pool), identity, orgRepo,
		ticketLedger, worker.NewBookingNotifier(jobQueue), rec, logger)
	discountService := discounts.NewService(discounts.NewRepository(pool))

	dispatcher := dispatch.NewDispatcher(identity, ticketLedger, engine, discountService, orgRepo, logger)
	dispatchHandler := dispatch.NewHandler(dispatcher, logger)

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours, cfg.JWT.Issuer)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) {
		if err := pool.Ping(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})

	router.GET("/metrics",
		middleware.JWT(jwtService),
		middleware.RequireRole(auth.RoleAdmin, auth.RoleStaff),
		gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})),
	)

	// Protected API (JWT required)
	api := router.Group("/api")
	api.Use(middleware.JWT(jwtService))
	dispatchHandler.Register(api)

	router.NoRoute(func(c *gin.Context) { response.NotFound(c, "route not found") })

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Optional in-process worker; cmd/worker runs the same loop standalone.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if cfg.Server.RunWorker {
		var archive worker.Archive
		if cfg.AWS.Region != "" {
			s3Client, err := storage.NewS3(ctx, storage.S3Config{
				Region:          cfg.AWS.Region,
				AccessKeyID:     cfg.AWS.AccessKeyID,
				SecretAccessKey: cfg.AWS.SecretAccessKey,
				ArchiveBucket:   cfg.AWS.ArchiveBucket,
			}, logger)
			if err != nil {
				logger.Warn("s3 disabled", zap.Error(err))
			} else {
				archive = s3Client
			}
		}
		go worker.NewProcessor(jobQueue, archive, logger).Run(workerCtx)
		logger.Info("in-process worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
