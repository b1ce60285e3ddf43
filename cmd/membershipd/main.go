package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	billingmodule "github.com/greengo/membership/modules/billing"
	"github.com/greengo/membership/pkg/logger"
	"github.com/greengo/membership/pkg/membership"
	"github.com/greengo/membership/pkg/pg"
	"github.com/greengo/membership/pkg/reconciler"
	"github.com/greengo/membership/pkg/redis"
	"github.com/greengo/membership/svc/billing"
)

type appConfig struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`

	PlayPackageName string `env:"PLAY_PACKAGE_NAME"`
	AppBundleID     string `env:"APP_BUNDLE_ID"`

	ArchiveEnabled bool `env:"ARCHIVE_ENABLED" envDefault:"false"`

	RenewalScanInterval time.Duration `env:"RENEWAL_SCAN_INTERVAL" envDefault:"24h"`
	GraceScanInterval   time.Duration `env:"GRACE_SCAN_INTERVAL" envDefault:"1h"`
}

func main() {
	_ = godotenv.Load()

	var cfg appConfig
	if err := env.Parse(&cfg); err != nil {
		slog.Error("failed to parse config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log := logger.New(
		logger.WithLevel(logger.ParseLevel(cfg.LogLevel)),
		logger.WithService("membershipd"),
	)

	if err := run(cfg, log); err != nil {
		log.Error("service stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg appConfig, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var pgCfg pg.Config
	if err := env.Parse(&pgCfg); err != nil {
		return err
	}
	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, pgCfg, log); err != nil {
		return err
	}

	var redisCfg redis.Config
	if err := env.Parse(&redisCfg); err != nil {
		return err
	}
	redisClient, err := redis.Connect(ctx, redisCfg)
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()

	store := billing.NewPostgresStore(pool)
	service := membership.NewService(
		store,
		billing.NewRedisJournal(redisClient),
		billing.NewPostgresLedger(pool),
		billing.NewOutboxNotifier(pool),
		billing.NewPostgresProfiles(pool),
		membership.WithLogger(log),
	)

	handlerOpts := []billingmodule.HandlerOption{billingmodule.WithLogger(log)}
	if cfg.ArchiveEnabled {
		var archiveCfg billing.ArchiverConfig
		if err := env.Parse(&archiveCfg); err != nil {
			return err
		}
		archiver, err := billing.NewS3Archiver(ctx, archiveCfg)
		if err != nil {
			return err
		}
		handlerOpts = append(handlerOpts, billingmodule.WithArchiver(archiver))
	}

	handler := billingmodule.NewHandler(service, handlerOpts...)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", healthHandler(pg.Healthcheck(pool), redis.Healthcheck(redisClient)))
	r.Mount("/billing", billingmodule.Router(handler, billingmodule.RouterOptions{
		PlayStore: membership.NewPlayStoreNormalizer(membership.WithPackageName(cfg.PlayPackageName)),
		AppStore:  membership.NewAppStoreNormalizer(membership.WithBundleID(cfg.AppBundleID)),
	}))

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	jobs := reconciler.New(store, service,
		reconciler.WithLogger(log),
		reconciler.WithRenewalInterval(cfg.RenewalScanInterval),
		reconciler.WithGraceInterval(cfg.GraceScanInterval),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return jobs.Start(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("service stopped cleanly")
	return nil
}

func healthHandler(checks ...func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, check := range checks {
			if err := check(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
