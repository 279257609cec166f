// Command lair-chat-server runs the chat core: the TCP session loop (C5)
// plus an HTTP admin surface (health, metrics) on a second port. Structure
// follows the teacher's process entry point: env-driven config, dependency
// construction, a gin router for the HTTP side, and a signal-driven
// graceful shutdown with a bounded drain.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/lair-chat/lair-chat/internal/auth"
	"github.com/lair-chat/lair-chat/internal/config"
	"github.com/lair-chat/lair-chat/internal/dispatch"
	"github.com/lair-chat/lair-chat/internal/health"
	"github.com/lair-chat/lair-chat/internal/logging"
	"github.com/lair-chat/lair-chat/internal/middleware"
	"github.com/lair-chat/lair-chat/internal/ratelimit"
	"github.com/lair-chat/lair-chat/internal/routing"
	"github.com/lair-chat/lair-chat/internal/server"
	"github.com/lair-chat/lair-chat/internal/storage"
	"github.com/lair-chat/lair-chat/internal/tracing"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.ValidateEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if addr := os.Getenv("OTEL_COLLECTOR_ADDR"); addr != "" {
		tp, err := tracing.InitTracer(ctx, "lair-chat-server", addr)
		if err != nil {
			logging.Warn(ctx, "tracing disabled, could not initialize exporter", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(context.Background()) }()
		}
	}

	store, err := storage.Open(cfg.DBURL)
	if err != nil {
		logging.Fatal(ctx, "storage: open failed", zap.Error(err))
	}
	defer store.Close()

	if err := store.SeedLobby(ctx); err != nil {
		logging.Fatal(ctx, "storage: seed lobby failed", zap.Error(err))
	}

	rl, err := ratelimit.NewRateLimiter(cfg)
	if err != nil {
		logging.Fatal(ctx, "ratelimit: init failed", zap.Error(err))
	}

	authSvc := auth.NewService(store, rl, cfg)
	router := routing.NewRouter()
	d := dispatch.NewDispatcher(store, authSvc, router, rl, cfg.MaxMessageBytes, time.Duration(cfg.InvitationTTLSeconds)*time.Second)

	listenAddr := cfg.ListenAddress + ":" + cfg.TCPPort
	chatServer := server.NewServer(listenAddr, d, router, rl)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- chatServer.Serve(ctx)
	}()

	httpSrv := newAdminServer(cfg, store)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "admin http server failed", zap.Error(err))
		}
	}()
	logging.Info(ctx, "admin http surface listening", zap.String("addr", httpSrv.Addr))

	select {
	case <-ctx.Done():
		logging.Info(ctx, "shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logging.Error(ctx, "tcp server exited", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := chatServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn(shutdownCtx, "tcp server did not drain cleanly", zap.Error(err))
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logging.Warn(shutdownCtx, "admin http server did not shut down cleanly", zap.Error(err))
	}
	logging.Info(context.Background(), "server stopped")
}

// newAdminServer builds the gin-based health/metrics/admin surface SPEC_FULL.md's
// C11 names. It runs on its own listener, separate from the raw TCP chat port.
func newAdminServer(cfg *config.Config, store *storage.Storage) *http.Server {
	if cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CorrelationID())
	r.Use(otelgin.Middleware("lair-chat-server"))

	if cfg.AllowedOrigins != "" {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     splitOrigins(cfg.AllowedOrigins),
			AllowMethods:     []string{"GET", "POST"},
			AllowHeaders:     []string{"Authorization", "Content-Type", middleware.HeaderXCorrelationID},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	healthHandler := health.NewHandler(store)
	r.GET("/health/live", healthHandler.Liveness)
	r.GET("/health/ready", healthHandler.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := r.Group("/admin")
	admin.Use(bearerAuth(cfg.AdminBearerToken))
	admin.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	adminAddr := cfg.ListenAddress + ":" + getAdminPort()
	return &http.Server{
		Addr:         adminAddr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// bearerAuth gates /admin/* behind a static bearer token. An empty token
// denies every request, since there is no safe default for an admin surface.
func bearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin surface disabled"})
			return
		}
		got := c.GetHeader("Authorization")
		if got != "Bearer "+token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func getAdminPort() string {
	if p := os.Getenv("ADMIN_HTTP_PORT"); p != "" {
		return p
	}
	return "9090"
}

func splitOrigins(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
