package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/labcore/labcore/internal/config"
	"github.com/labcore/labcore/internal/domain/activity"
	"github.com/labcore/labcore/internal/domain/orders"
	"github.com/labcore/labcore/internal/domain/procedure"
	"github.com/labcore/labcore/internal/domain/results"
	"github.com/labcore/labcore/internal/platform/auth"
	"github.com/labcore/labcore/internal/platform/db"
	"github.com/labcore/labcore/internal/platform/extraction"
	"github.com/labcore/labcore/internal/platform/middleware"
)

func main() {
	root := &cobra.Command{
		Use:   "lis-server",
		Short: "Laboratory order-to-report pipeline server",
	}
	root.AddCommand(serveCmd(), migrateCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger().Level(zerolog.DebugLevel)
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			log := newLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			runner := db.PoolRunner{Pool: pool}

			actRepo := activity.NewRepoPG(pool)
			actSvc := activity.NewService(actRepo)

			orderRepo := orders.NewRepoPG(pool)
			engine := orders.NewEngine(orderRepo, actSvc, runner, log)

			resultRepo := results.NewRepoPG(pool)
			resultSvc := results.NewService(resultRepo, engine, actSvc, runner, log)

			extractor := extraction.NewHTTPProvider(cfg.ExtractionURL, cfg.ExtractionClientTimeout())
			procRepo := procedure.NewRepoPG(pool)
			procSvc := procedure.NewService(procRepo, engine, resultSvc, extractor, actSvc, runner, log)

			e := echo.New()
			e.HideBanner = true
			e.HidePort = true
			e.Use(middleware.Recovery(log))
			e.Use(middleware.RequestID())
			e.Use(middleware.Logger(log))
			e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
				AllowOrigins: cfg.CORSOrigins,
				AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			}))

			e.GET("/health", func(c echo.Context) error {
				if err := pool.Ping(c.Request().Context()); err != nil {
					return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
				}
				return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
			})

			api := e.Group("/api/v1")
			if cfg.IsDev() && cfg.AuthSigningKey == "" {
				log.Warn().Msg("running with development auth; set AUTH_SIGNING_KEY for real tokens")
				api.Use(auth.DevAuthMiddleware())
			} else {
				api.Use(auth.JWTMiddleware(auth.JWTConfig{
					Issuer:     cfg.AuthIssuer,
					Audience:   cfg.AuthAudience,
					SigningKey: []byte(cfg.AuthSigningKey),
				}))
			}

			orders.NewHandler(engine).RegisterRoutes(api)
			results.NewHandler(resultSvc, cfg.DefaultLab).RegisterRoutes(api)
			activity.NewHandler(actSvc).RegisterRoutes(api)
			procedure.NewHandler(procSvc).RegisterRoutes(api)

			go func() {
				log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("server starting")
				if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
					log.Error().Err(err).Msg("server stopped")
					stop()
				}
			}()

			<-ctx.Done()
			log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return e.Shutdown(shutdownCtx)
		},
	}
}

func migrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database schema",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "migrations", "migrations directory")

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, 2, 1)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := db.NewMigrator(pool, dir).Up(cmd.Context())
			if err != nil {
				return err
			}
			log.Info().Int("applied", n).Msg("migrations complete")
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, 2, 1)
			if err != nil {
				return err
			}
			defer pool.Close()

			rows, err := db.NewMigrator(pool, dir).Status(cmd.Context())
			if err != nil {
				return err
			}
			for _, row := range rows {
				state := "pending"
				if row.Applied {
					state = "applied " + row.AppliedAt.Format(time.RFC3339)
				}
				fmt.Printf("%04d  %-40s %s\n", row.Version, row.Name, state)
			}
			return nil
		},
	}

	cmd.AddCommand(up, status)
	return cmd
}
