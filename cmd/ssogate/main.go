package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/idplane/ssogate/internal/config"
	"github.com/idplane/ssogate/internal/httpx"
	"github.com/idplane/ssogate/internal/metrics"
	"github.com/idplane/ssogate/internal/observability/logger"
	"github.com/idplane/ssogate/internal/provider"
	"github.com/idplane/ssogate/internal/rate"
	"github.com/idplane/ssogate/internal/sso"
	"github.com/idplane/ssogate/internal/tokenstore"
)

func main() {
	root := &cobra.Command{
		Use:           "ssogate",
		Short:         "SSO enforcement gate with pluggable OAuth2 providers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gate in front of the protected API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration")
	return cmd
}

func serve(configPath string) error {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger.Init(logger.Config{
		Env:         cfg.App.Env,
		Level:       cfg.Log.Level,
		ServiceName: "ssogate",
	})
	defer func() { _ = logger.Sync() }()
	log := logger.Named("serve")

	if cfg.SSO.StateSecret == "" {
		return errors.New("sso.state_secret (or SSO_STATE_SECRET) is required")
	}

	bypass, err := cfg.BuildBypass()
	if err != nil {
		return err
	}

	registry, err := provider.FromConfig(cfg.Providers, config.Duration(cfg.ProviderTimeout, 10*time.Second))
	if err != nil {
		return err
	}
	for _, name := range registry.Enabled() {
		log.Info("provider configured", logger.Provider(name))
	}
	if cfg.SSO.DefaultProvider == "" {
		return errors.New("sso.default_provider is required")
	}

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	states := sso.NewStateManager(
		[]byte(cfg.SSO.StateSecret),
		"ssogate",
		config.Duration(cfg.SSO.StateTTL, 5*time.Minute),
	)
	session := sso.NewCookieSession(
		cfg.SSO.SessionCookie,
		config.Duration(cfg.SSO.SessionTTL, 8*time.Hour),
		cfg.SSO.SecureCookies,
		[]byte(cfg.SSO.StateSecret),
	)

	gate := sso.New(sso.Deps{
		Bypass:          bypass,
		Registry:        registry,
		Store:           store,
		States:          states,
		Session:         session,
		DefaultProvider: cfg.SSO.DefaultProvider,
	})

	if err := metrics.Register(nil); err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(httpx.WithRequestID(), httpx.WithLogging())

	r.Group(func(auth chi.Router) {
		if cfg.RateLimit.Max > 0 {
			window := config.Duration(cfg.RateLimit.Window, time.Minute)
			auth.Use(buildLimiter(cfg, store, window))
			log.Info("sso endpoints rate limited",
				logger.Int("max", cfg.RateLimit.Max),
				logger.String("window", window.String()),
			)
		}
		sso.NewHandlers(gate).Mount(auth)
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Everything under /api sits behind the gate. The demo handler
	// stands in for the protected platform API.
	r.Route("/api", func(api chi.Router) {
		api.Use(gate.Middleware)
		api.HandleFunc("/*", func(w http.ResponseWriter, req *http.Request) {
			httpx.WriteJSON(w, http.StatusOK, map[string]string{"path": req.URL.Path})
		})
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", logger.String("addr", cfg.Server.Addr))
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-stop:
		log.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return err
		}
	}
	return nil
}

// buildLimiter piggybacks on the token store's Redis connection when
// one exists, so replicas share counters; otherwise it stays in-process.
func buildLimiter(cfg *config.Config, store tokenstore.Store, window time.Duration) httpx.Middleware {
	if rs, ok := store.(*tokenstore.Redis); ok {
		return httpx.WithRateLimit(rate.NewRedis(rs.Client(), cfg.TokenStore.Redis.Prefix+":rl:", cfg.RateLimit.Max, window))
	}
	return httpx.WithRateLimit(rate.NewMemory(cfg.RateLimit.Max, window))
}

func buildStore(cfg *config.Config) (tokenstore.Store, func(), error) {
	ttl := config.Duration(cfg.TokenStore.TTL, 0)
	switch cfg.TokenStore.Kind {
	case "redis":
		rs := tokenstore.NewRedis(
			cfg.TokenStore.Redis.Addr,
			cfg.TokenStore.Redis.Password,
			cfg.TokenStore.Redis.DB,
			cfg.TokenStore.Redis.Prefix,
			ttl,
		)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rs.Ping(ctx); err != nil {
			return nil, nil, fmt.Errorf("token store: redis ping: %w", err)
		}
		return rs, func() { _ = rs.Close() }, nil
	case "memory", "":
		return tokenstore.NewMemory(ttl), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("token store: unknown kind %q", cfg.TokenStore.Kind)
	}
}
