package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"clubkit.org/internal/audit"
	"clubkit.org/internal/auth"
	"clubkit.org/internal/catalog"
	"clubkit.org/internal/config"
	"clubkit.org/internal/events"
	"clubkit.org/internal/httpapi"
	"clubkit.org/internal/membership"
	"clubkit.org/internal/migrate"
	"clubkit.org/internal/obs"
	"clubkit.org/internal/store/mongo"
	"clubkit.org/internal/store/pg"
	"clubkit.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type backend struct {
	store    membership.Store
	catalogs membership.CatalogSource
	ready    httpapi.ReadyProbe
	close    func()
}

func main() {
	log := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	obs.SetLevel(cfg.Log.Level)
	obs.Init()
	obs.SetBuildInfo(version, commit, cfg.Store.Backend)
	auth.SetSecret(cfg.Auth.Secret)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("open store")
	}
	defer be.close()

	catalogs := be.catalogs
	if cfg.Redis.URL != "" {
		client, err := catalog.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("connect redis")
		}
		defer client.Close()
		catalogs = catalog.NewCache(client, catalogs, cfg.Redis.CatalogTTL)
	}

	live := stream.New()
	notifiers := membership.Notifiers{live, audit.Notifier{}}
	if len(cfg.Kafka.Brokers) > 0 {
		pub := events.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer pub.Close()
		notifiers = append(notifiers, pub)
	}

	svc := membership.NewService(be.store, catalogs, membership.WithNotifier(notifiers))
	api := httpapi.New(svc, httpapi.Options{
		Version:    version,
		Ready:      be.ready,
		Stream:     live,
		DevTokens:  cfg.Auth.DevTokens,
		TokenTTL:   cfg.Auth.TokenTTL,
		RateBurst:  cfg.Rate.Burst,
		RatePerSec: cfg.Rate.PerSecond,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// no WriteTimeout: the event stream is long lived
		IdleTimeout: 60 * time.Second,
	}
	grpcSrv, health := httpapi.NewGRPCServer(be.ready)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("version", version).Str("backend", cfg.Store.Backend).Msg("starting http server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return err
		}
		log.Info().Str("addr", cfg.GRPC.Addr).Msg("starting grpc health server")
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		health.Run(gctx, 10*time.Second)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcSrv.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("stopped")
}

func openBackend(ctx context.Context, cfg *config.Config) (backend, error) {
	var (
		be  backend
		err error
	)
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		st, err := pg.Open(cfg.Postgres.DSN)
		if err != nil {
			return be, err
		}
		if cfg.Postgres.AutoMigrate {
			applied, err := migrate.NewManager(st.DB(), pg.Files, pg.MigrationsDir, "").Up(ctx)
			if err != nil {
				_ = st.Close()
				return be, err
			}
			obs.Logger().Info().Strs("migrations", applied).Msg("schema migrated")
		}
		be = backend{store: st, catalogs: st, ready: st.Ping, close: func() { _ = st.Close() }}
	case config.BackendMongo:
		st, err := mongo.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return be, err
		}
		if err := st.EnsureIndexes(ctx); err != nil {
			_ = st.Close(context.Background())
			return be, err
		}
		be = backend{store: st, catalogs: st, ready: st.Ping, close: func() { _ = st.Close(context.Background()) }}
	default:
		be = backend{store: membership.NewInMemory(), close: func() {}}
	}

	// a catalog file overrides catalogs kept in the database
	if cfg.Catalog.File != "" {
		be.catalogs, err = catalog.LoadFile(cfg.Catalog.File)
		if err != nil {
			be.close()
			return be, err
		}
	}
	return be, nil
}
