package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nedcast/forecast-engine/internal/api"
	"github.com/nedcast/forecast-engine/internal/config"
	"github.com/nedcast/forecast-engine/internal/forecast"
	"github.com/nedcast/forecast-engine/internal/metrics"
	"github.com/nedcast/forecast-engine/internal/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the forecast coordinator and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireAPIKey(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// --- Coordinator ---
	refitHour, refitMinute, err := cfg.Forecast.RefitClock()
	if err != nil {
		return err
	}
	params := forecast.Params{
		HorizonHours:    cfg.Forecast.HorizonHours,
		UnitDivisor:     cfg.Provider.UnitDivisor,
		PriceEntity:     cfg.Forecast.PriceEntity,
		HistoryEntities: cfg.History.Entities,
		Window:          cfg.Forecast.Window(),
		MinDatapoints:   cfg.Forecast.MinDatapoints,
		MaxModelAge:     cfg.Forecast.MaxModelAge,
		RefitHour:       refitHour,
		RefitMinute:     refitMinute,
		GridFraction:    cfg.Forecast.SolarGridFraction,
		FallbackAlpha:   cfg.Forecast.FallbackAlpha,
		FallbackBeta:    cfg.Forecast.FallbackBeta,
		PriceMin:        cfg.Forecast.PriceMin,
		PriceMax:        cfg.Forecast.PriceMax,
		FeedInFactor:    cfg.Forecast.FeedInFactor,
	}

	wsHub := api.NewWSHub()
	coord := forecast.NewCoordinator(newProviderClient(cfg), st, params, forecast.WithNotifier(wsHub))
	svc := api.NewService(coord, st)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"forecast-engine","state":%q}`, coord.State())
	})

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket stream of refresh and refit events.
		r.Get("/ws", wsHub.HandleWS)

		// Refresh and refit run the full fetch or fit, so they get a
		// longer budget than reads.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/series", svc.ListSeries)
			r.Get("/series/{key}", svc.GetSeries)
			r.Get("/series/{key}/current", svc.GetCurrent)
			r.Get("/model", svc.GetModel)
			r.Get("/history", svc.ListEntities)
			r.Get("/history/{entityID}", svc.GetHistory)
			r.Post("/history/{entityID}", svc.IngestHistory)
		})
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(2 * time.Minute))
			r.Post("/refresh", svc.Refresh)
			r.Post("/model/refit", svc.Refit)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 150 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := coord.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("forecast-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down forecast-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("forecast-engine stopped")
	return err
}

// openStore selects PostgreSQL (optionally behind Redis) when a database URL
// is configured and the in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if cfg.Database.URL == "" {
		slog.Warn("database.url not set, using in-memory history store (data will not persist)")
		return store.NewMemoryStore(), closeAll, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, closeAll, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup = append(cleanup, pool.Close)

	pg := store.NewPostgresStore(pool)
	if err := pg.EnsureSchema(ctx); err != nil {
		closeAll()
		return nil, func() {}, fmt.Errorf("ensure schema: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	var st store.Store = pg
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("invalid redis.url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { _ = rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
		slog.Info("Redis history cache enabled", "ttl", cfg.Redis.TTL)
	}
	return st, closeAll, nil
}
