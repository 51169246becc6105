package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/autonome-sdmis/platform/internal/agent"
	alerteapi "github.com/autonome-sdmis/platform/internal/alerte/api"
	alertedomain "github.com/autonome-sdmis/platform/internal/alerte/domain"
	alerteinfra "github.com/autonome-sdmis/platform/internal/alerte/infrastructure"
	"github.com/autonome-sdmis/platform/internal/attachment"
	"github.com/autonome-sdmis/platform/internal/auth"
	"github.com/autonome-sdmis/platform/internal/backend"
	"github.com/autonome-sdmis/platform/internal/contribution"
	"github.com/autonome-sdmis/platform/internal/gate"
	"github.com/autonome-sdmis/platform/internal/identity"
	sharedauth "github.com/autonome-sdmis/platform/internal/shared/auth"
	"github.com/autonome-sdmis/platform/internal/shared/config"
	"github.com/autonome-sdmis/platform/internal/shared/database"
	"github.com/autonome-sdmis/platform/internal/shared/events"
	"github.com/autonome-sdmis/platform/internal/shared/metrics"
	secmiddleware "github.com/autonome-sdmis/platform/internal/shared/middleware"
	"github.com/autonome-sdmis/platform/internal/survey"
)

// maxJSONBody bounds non-multipart request bodies
const maxJSONBody = 1 << 20

// App holds the long-lived dependencies
type App struct {
	Config *config.Config
	DB     *database.DB
	Bus    *events.Bus
	Redis  *redis.Client
	Ready  atomic.Bool
}

func serve(ctx context.Context, cfg *config.Config, migrate bool) error {
	app := &App{Config: cfg}

	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	app.DB = db
	defer db.Close()

	if migrate {
		if err := database.Migrate(ctx, db.Pool); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
	}

	// Event streaming is optional; records are authoritative in Postgres.
	var pub events.Publisher
	if cfg.KurrentDB.Enabled {
		bus, err := events.NewBus(ctx, cfg.KurrentDB)
		if err != nil {
			log.WithError(err).Warn("KurrentDB not available, running without event streaming")
		} else {
			app.Bus = bus
			pub = bus
			defer bus.Close()
			log.Info("KurrentDB event bus initialized")
		}
	}

	// Role cache: Redis when configured so every replica shares it
	var cache auth.Cache = auth.NewMemoryCache(cfg.Redis.RoleTTL)
	if cfg.Redis.Enabled {
		client, err := auth.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			log.WithError(err).Warn("Redis not available, caching roles in memory")
		} else {
			app.Redis = client
			defer client.Close()
			cache = auth.NewRedisCache(client, cfg.Redis.RoleTTL)
		}
	}

	sessions := auth.NewManager()
	verifier := sharedauth.NewVerifier(cfg.Auth)
	hosted := backend.NewClient(cfg.Backend)

	agentRepo := agent.NewRepository(db.Pool)
	resolver := auth.NewResolver(agentRepo, cache)
	detach := resolver.Attach(sessions)
	defer detach()

	if app.Bus != nil {
		if err := app.Bus.Subscribe(ctx, "agent.*", resolver.HandleAgentEvent); err != nil {
			log.WithError(err).Warn("profile change subscription failed, cached roles expire by TTL only")
		}
	}

	catalog, err := survey.LoadCatalog(cfg.Surveys.CatalogPath)
	if err != nil {
		return fmt.Errorf("survey catalog: %w", err)
	}
	if cfg.Surveys.Watch {
		if err := catalog.Watch(ctx, 0); err != nil {
			log.WithError(err).Warn("survey catalog watch failed, reload needs a restart")
		}
	}

	g := gate.New(resolver, sessions, app.Ready.Load, cfg.Gate)
	maxUpload := int64(cfg.Server.MaxUploadMB) << 20
	attachments := attachment.NewRepository(db.Pool)

	identitySvc := identity.NewService(hosted, sessions, verifier, agentRepo, cfg.Backend)
	agentSvc := agent.NewService(agentRepo, pub, resolver.EvictUser)
	alerteSvc := alertedomain.NewService(
		alerteinfra.NewPostgresRepository(db.Pool),
		attachment.NewUploader(hosted, cfg.Storage.AlerteBucket, cfg.Storage.FilePrefix),
		attachments,
		pub,
	)
	contributionSvc := contribution.NewService(
		contribution.NewRepository(db.Pool),
		attachment.NewUploader(hosted, cfg.Storage.ContributionBucket, cfg.Storage.FilePrefix),
		pub,
	)
	surveySvc := survey.NewService(catalog, survey.NewRepository(db.Pool), cfg.Surveys.VoterSecret, pub)

	authLimiter := secmiddleware.NewIPRateLimiter(cfg.RateLimit.AuthRPS, cfg.RateLimit.AuthBurst)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(secmiddleware.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(metrics.Middleware)
	r.Use(secmiddleware.CORS(secmiddleware.DefaultCORSConfig(cfg.Server.CORSOrigins)))
	r.Use(sharedauth.Middleware(verifier))

	// Health checks (unauthenticated)
	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(app))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(secmiddleware.MaxBody(maxJSONBody, maxUpload))

		r.Mount("/auth", identity.NewHandler(identitySvc, authLimiter.Middleware).Routes())
		r.Mount("/agents", agent.NewHandler(agentSvc, g).Routes())
		r.Mount("/alertes", alerteapi.NewHandler(alerteSvc, g, maxUpload).Routes())
		r.Mount("/contributions", contribution.NewHandler(contributionSvc, g, maxUpload).Routes())
		r.Mount("/surveys", survey.NewHandler(surveySvc, g).Routes())
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{
			"port":      cfg.Server.Port,
			"env":       cfg.Server.Env,
			"kurrentdb": app.Bus != nil,
			"surveys":   len(catalog.All()),
		}).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	app.Ready.Store(true)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	app.Ready.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func readyHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{"server": "ready"}
		if !app.Ready.Load() {
			checks["server"] = "booting"
		}

		if err := app.DB.Health(r.Context()); err != nil {
			checks["database"] = "not ready: " + err.Error()
		} else {
			checks["database"] = "ready"
		}

		if app.Bus != nil {
			if err := app.Bus.Health(r.Context()); err != nil {
				checks["kurrentdb"] = "not ready: " + err.Error()
			} else {
				checks["kurrentdb"] = "ready"
			}
		} else {
			checks["kurrentdb"] = "not configured"
		}

		if app.Redis != nil {
			if err := app.Redis.Ping(r.Context()).Err(); err != nil {
				checks["redis"] = "not ready: " + err.Error()
			} else {
				checks["redis"] = "ready"
			}
		} else {
			checks["redis"] = "not configured"
		}

		allReady := true
		for _, status := range checks {
			if status != "ready" && status != "not configured" {
				allReady = false
				break
			}
		}

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": checks,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
