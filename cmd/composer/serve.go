package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cozy-insight/composer/internal/cache"
	"github.com/cozy-insight/composer/internal/config"
	"github.com/cozy-insight/composer/internal/dataset"
	"github.com/cozy-insight/composer/internal/jobs"
	"github.com/cozy-insight/composer/internal/logging"
	"github.com/cozy-insight/composer/internal/metrics"
	"github.com/cozy-insight/composer/internal/permission"
	"github.com/cozy-insight/composer/internal/render"
	"github.com/cozy-insight/composer/internal/store"
	"github.com/cozy-insight/composer/internal/web"
	"github.com/cozy-insight/composer/internal/web/live"
	"github.com/cozy-insight/composer/internal/web/middleware"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the composition server",
		Long: `Start the HTTP and WebSocket server hosting editing sessions. Settings come
from composer.yml (or --config) and COMPOSER_* environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log.Level)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the config file (default ./composer.yml)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.URL, cfg.Database.Table)
	if err != nil {
		return err
	}
	defer st.Close()

	permCache, err := openCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer permCache.Close()

	collector := metrics.NewCollector("composer")
	datasets := dataset.NewClient(cfg.Dataset.BaseURL, cfg.Dataset.Timeout, dataset.WithLogger(log.Named("dataset")))

	var hub *live.Hub
	if cfg.Server.Live {
		hub = live.NewHub(live.DefaultConfig(), log.Named("live"))
	}

	api := web.NewAPI(web.Options{
		Registry: render.NewBuiltinRegistry(),
		Catalogs: datasets,
		Rows:     datasets,
		Store:    st,
		Gates:    gates(cfg, permCache, log.Named("permission")),
		Grid:     cfg.Grid,
		Metrics:  collector,
		Hub:      hub,
		Auth:     middleware.AuthConfig{Secret: cfg.Auth.JWTSecret},
		Origins:  cfg.Server.AllowedOrigins,
		Logger:   log,
	})

	scheduler := jobs.NewScheduler(log.Named("jobs"))
	maintenance := jobs.NewMaintenance(api.Sessions(), st, cfg.Jobs.IdleTimeout, collector, log.Named("jobs"))
	if err := maintenance.Register(scheduler, jobs.Config{
		Autosave:    cfg.Jobs.Autosave,
		Sweep:       cfg.Jobs.Sweep,
		IdleTimeout: cfg.Jobs.IdleTimeout,
	}); err != nil {
		return err
	}

	srvCfg := web.DefaultServerConfig(cfg.Server.Addr())
	srvCfg.ReadTimeout = cfg.Server.ReadTimeout
	srvCfg.WriteTimeout = cfg.Server.WriteTimeout
	srvCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	srv, err := web.NewServer(srvCfg, api.Routes(), log)
	if err != nil {
		return err
	}

	// scheduled jobs stop first so the final autosave sees every change
	srv.RegisterHook(scheduler.Stop)
	srv.RegisterHook(maintenance.Autosave)
	srv.RegisterHook(func(ctx context.Context) error {
		api.Sessions().CloseAll(ctx)
		if hub != nil {
			hub.Close()
		}
		return nil
	})

	scheduler.Start()
	log.Info("composer starting",
		zap.String("version", Version),
		zap.String("addr", srvCfg.Address),
		zap.String("store", cfg.Database.Driver),
		zap.String("cache", cfg.Cache.Backend),
		zap.String("permission", cfg.Permission.Mode),
	)
	return srv.Run(ctx)
}

func openCache(ctx context.Context, cfg config.CacheConfig) (cache.Cache, error) {
	opts := cache.Options{DefaultTTL: cfg.TTL, Prefix: cfg.Prefix}
	if cfg.Backend == "redis" {
		r, err := cache.DialRedis(ctx, cache.RedisOptions{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			Options:  opts,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return cache.NewMemory(opts, cfg.Sweep), nil
}

// gates builds the per-session permission gate. Answers of the permission
// service are cached per session and dropped when the session closes.
func gates(cfg *config.Config, c cache.Cache, log *zap.Logger) web.GateFunc {
	if cfg.Permission.Mode != "http" {
		return func(string, middleware.Principal) permission.Gate {
			return permission.AllowAll()
		}
	}
	checker := permission.NewHTTPChecker(cfg.Permission.BaseURL, "", cfg.Permission.Timeout)
	return func(sessionID string, p middleware.Principal) permission.Gate {
		return permission.NewCachedGate(checker.WithToken(p.Token), c, sessionID, cfg.Cache.TTL, log)
	}
}
