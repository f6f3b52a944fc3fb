package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"choirattendance/internal/attendance"
	"choirattendance/internal/auth"
	"choirattendance/internal/config"
	"choirattendance/internal/handler"
	"choirattendance/internal/httpmiddleware"
	"choirattendance/internal/metrics"
	"choirattendance/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Set Gin mode based on environment
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

func runHTTP(cfg config.App) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	sessions, health, closeStore, err := openStore(startCtx, cfg)
	cancelStart()
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()
	log.Printf("attendance store: %s", cfg.StoreBackend)

	svc := attendance.NewService(sessions, attendance.Options{
		Duration: cfg.SessionDuration,
		Location: cfg.Location(),
		Logger:   logger,
	})
	m := metrics.New(prometheus.DefaultRegisterer)

	r := gin.New()

	// Recovery middleware
	r.Use(gin.Recovery())

	// Custom logger
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	// Rate limiting
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		storeHealthy := health == nil || health.Ping(c.Request.Context()) == nil
		status := http.StatusOK
		if !storeHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "store": cfg.StoreBackend, "storeHealthy": storeHealthy})
	})

	// Codes are four digits, so guesses are limited per member, not just per IP.
	registerLimit := httpmiddleware.NewSimpleTokenBucket(cfg.RegisterLimitPerMin, cfg.RegisterLimitPerMin)
	byMember := registerLimit.GinMiddlewareBy(func(c *gin.Context) string {
		caller, _ := auth.FromContext(c)
		return caller.Identifier
	})

	v1 := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer))
	handler.New(svc, m).Routes(v1, byMember)

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// openStore builds the record store selected by STORE_BACKEND.
func openStore(ctx context.Context, cfg config.App) (attendance.Store, pinger, func() error, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return attendance.NewMemoryStore(), nil, func() error { return nil }, nil
	case config.BackendPostgres:
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, nil, fmt.Errorf("postgres: %w", err)
		}
		return store.NewPostgresSessions(db.Client), db, db.Close, nil
	default:
		rdb := store.NewRedis(cfg.RedisAddr)
		if err := rdb.Ping(ctx); err != nil {
			log.Printf("warning: redis not reachable: %v", err)
		}
		return store.NewRedisSessions(rdb.Client, cfg.RedisKeyPrefix), rdb, rdb.Close, nil
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
