package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orca-platform/orca-server/internal/api"
	"github.com/orca-platform/orca-server/internal/api/handlers"
	"github.com/orca-platform/orca-server/internal/api/middleware"
	"github.com/orca-platform/orca-server/internal/auth/credentials"
	"github.com/orca-platform/orca-server/internal/auth/oauth"
	"github.com/orca-platform/orca-server/internal/auth/state"
	"github.com/orca-platform/orca-server/internal/auth/token"
	"github.com/orca-platform/orca-server/internal/chat"
	"github.com/orca-platform/orca-server/internal/config"
	"github.com/orca-platform/orca-server/internal/db"
	"github.com/orca-platform/orca-server/internal/llm"
	"github.com/orca-platform/orca-server/internal/logging"
	"github.com/orca-platform/orca-server/internal/metrics"
	"github.com/orca-platform/orca-server/internal/providers/registry"
	"github.com/orca-platform/orca-server/internal/telemetry"
	"github.com/orca-platform/orca-server/internal/tools"
	"github.com/orca-platform/orca-server/internal/tools/gmail"
	"github.com/orca-platform/orca-server/internal/tools/maps"
	"github.com/orca-platform/orca-server/internal/tools/meet"
	"github.com/orca-platform/orca-server/internal/tools/web"
	"github.com/orca-platform/orca-server/internal/util"
	"github.com/orca-platform/orca-server/internal/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 15 * time.Second

// pendingStore is a state store that can report and sweep its backlog.
type pendingStore interface {
	state.Store
	Len() int
	Start(ctx context.Context, interval time.Duration)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logging is not configured yet.
		logging.Setup("info", true)
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	level := cfg.Log.Level
	if util.IsVerbose() {
		level = "debug"
	}
	logging.Setup(level, cfg.Log.Pretty)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		return err
	}
	repo := db.NewRepository(database)
	reg := registry.Default()
	resolver := credentials.NewResolver(reg, repo)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewCollector(promReg)

	states, err := openStateStore(ctx, cfg.OAuth)
	if err != nil {
		return err
	}
	if c, ok := states.(io.Closer); ok {
		defer c.Close()
	}
	states.Start(ctx, cfg.OAuth.SweepInterval)
	metrics.RegisterPendingStates(promReg, states.Len)

	broker := oauth.NewBroker(reg, resolver, states, repo, oauth.Options{
		CallbackURL: cfg.CallbackURL(),
		StateTTL:    cfg.OAuth.StateTTL,
		Metrics:     recorder,
	})
	tokens := token.NewManager(reg, resolver, repo, token.Options{
		ExpiryBuffer: cfg.Tokens.ExpiryBuffer,
		Metrics:      recorder,
	})
	tokens.StartRefreshLoop(ctx, cfg.Tokens.RefreshInterval)

	model := llm.NewClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, nil)
	if !model.IsEnabled() {
		log.Warn().Msg("no LLM API key configured; chat and speech requests will fail")
	}

	executor := tools.NewExecutor(tools.Deps{
		Tokens:   tokens,
		Mail:     gmail.NewClient(gmail.Options{}),
		Calendar: meet.NewClient(meet.Options{}),
		Maps: maps.NewClient(maps.Options{
			NominatimURL: cfg.Tools.NominatimURL,
			OverpassURL:  cfg.Tools.OverpassURL,
			OSRMURL:      cfg.Tools.OSRMURL,
			UserAgent:    cfg.Tools.UserAgent,
		}),
		Web: web.NewClient(web.Options{
			SearchURL:     cfg.Tools.SearchURL,
			BrowseTimeout: cfg.Tools.BrowseTimeout,
			MaxChars:      cfg.Tools.BrowseMaxChar,
			UserAgent:     cfg.Tools.UserAgent,
		}),
		Metrics: recorder,
	})
	orchestrator := chat.NewOrchestrator(model, executor, repo, chat.Options{
		Model:   cfg.LLM.Model,
		Metrics: recorder,
	})

	limiter := middleware.NewRateLimiter(cfg.RateLimit.ChatPerMinute, 5*time.Minute)
	defer limiter.Stop()

	router := api.NewRouter(api.Deps{
		Registry:    reg,
		Broker:      broker,
		Credentials: resolver,
		Connections: repo,
		Tokens:      tokens,
		Chat:        orchestrator,
		Speech:      model,
		TTS: handlers.TTSOptions{
			Model:    cfg.TTS.Model,
			Voice:    cfg.TTS.Voice,
			MaxChars: cfg.TTS.MaxChars,
		},
		Session:        middleware.NewSessionAuth(cfg.Session.JWTSecret, cfg.Session.CookieName),
		ChatLimiter:    limiter,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		DashboardURL:   cfg.DashboardURL(),
		Metrics:        metrics.Handler(promReg),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.Server.Addr).
			Str("version", version.Version).
			Str("callback_url", cfg.CallbackURL()).
			Msg("🚀 Orca server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

// openStateStore picks the shared Postgres store when configured and the
// in-process store otherwise.
func openStateStore(ctx context.Context, cfg config.OAuthConfig) (pendingStore, error) {
	if cfg.StatePostgresURL == "" {
		return state.Default(), nil
	}
	store, err := state.OpenPostgres(ctx, cfg.StatePostgresURL)
	if err != nil {
		return nil, err
	}
	log.Info().Msg("using Postgres for OAuth state")
	return store, nil
}
