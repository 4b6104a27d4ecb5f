// Command subscriptiond runs the Subscription & Notification engine: an
// in-memory, multi-tenant HTTP server exposing the record CRUD surface,
// Subscription registration, $status/$events, and the websocket push
// channel, wired up as a cobra root command with a zerolog logger and a
// graceful-shutdown echo server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/subscriptions/internal/config"
	"github.com/ehr/subscriptions/internal/engine"
	"github.com/ehr/subscriptions/internal/httpapi"
	"github.com/ehr/subscriptions/internal/pathexpr"
	"github.com/ehr/subscriptions/internal/platform/middleware"
	"github.com/ehr/subscriptions/internal/platform/websocket"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "subscriptiond",
		Short: "Subscription & Notification engine",
	}
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the subscription engine server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// No ValueSet terminology service is wired: the engine's path-expression
	// evaluator only needs one for %resolve-like "in valueset" comparisons,
	// none of which the bundled topics exercise.
	var vs pathexpr.ValueSetService

	tenants := engine.NewTenantRegistry(cfg.EngineConfig(), vs, logger)
	ctx := context.Background()
	defaultEngine := tenants.Provision(ctx, engine.TenantConfig{ID: cfg.DefaultTenant})
	seedBuiltInTopics(defaultEngine, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	root := e.Group("")
	httpapi.NewHandler(tenants).RegisterRoutes(root)
	websocket.NewHandler(defaultEngine.Hub).RegisterRoutes(e.Group("/" + cfg.DefaultTenant))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tenants.TeardownAll()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
