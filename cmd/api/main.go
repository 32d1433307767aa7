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
	_ "time/tzdata"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"steriltrace.org/internal/auth"
	"steriltrace.org/internal/config"
	"steriltrace.org/internal/directory"
	"steriltrace.org/internal/httpapi"
	"steriltrace.org/internal/migrate"
	"steriltrace.org/internal/notify"
	"steriltrace.org/internal/obs"
	"steriltrace.org/internal/steril"
	"steriltrace.org/internal/store/memory"
	"steriltrace.org/internal/store/pg"
	"steriltrace.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		obs.Logger().Fatal("steril-api stopped", zap.Error(err))
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := obs.Configure(cfg.LogLevel); err != nil {
		return err
	}
	log := obs.Logger()
	defer func() { _ = log.Sync() }()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.InitTracing(ctx, cfg.Tracing.Mode, cfg.Tracing.Endpoint, "steril-api", version)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	// Storage: PostgreSQL when a DSN is configured, in-memory otherwise.
	var (
		store steril.Store
		dir   steril.Directory
		ready httpapi.ReadyProbe
	)
	if cfg.Postgres.DSN != "" {
		pgStore, err := pg.Open(cfg.Postgres.DSN, pg.WithWriteTimeout(cfg.Engine.OpTimeout))
		if err != nil {
			return err
		}
		defer pgStore.Close()
		if cfg.Postgres.MigrateOnStart {
			migCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			ran, err := migrate.NewEmbedded(pgStore.DB()).Up(migCtx)
			cancel()
			if err != nil {
				return err
			}
			log.Info("migrations applied", zap.Strings("scripts", ran))
		}
		store = pgStore
		dir = pg.NewDirectory(pgStore.DB())
		ready = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		log.Warn("STERIL_PG_DSN not set, using in-memory store with demo patients")
		store = memory.New()
		dir = directory.Demo()
	}

	// Notifications fan out to the log, the SSE stream and, when configured, Redis.
	events := stream.New(256)
	sinks := notify.Multi{notify.NewLog(log), events}
	if cfg.Redis.Addr != "" {
		client := notify.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password)
		defer client.Close()
		sinks = append(sinks, notify.NewRedis(client, cfg.Redis.Channel, log))
	}
	dispatcher := notify.NewDispatcher(sinks, log, 1024)

	svc := steril.NewService(store,
		steril.WithOpTimeout(cfg.Engine.OpTimeout),
		steril.WithShelfLifeDays(cfg.Engine.ShelfLifeDays),
		steril.WithLocation(cfg.Engine.Location),
		steril.WithNotifier(dispatcher),
		steril.WithDirectory(dir),
		steril.WithLogger(log),
	)

	var issuer *auth.Issuer
	if cfg.Auth.Secret != "" {
		issuer, err = auth.NewIssuer(cfg.Auth.Secret)
		if err != nil {
			return err
		}
	} else {
		log.Warn("STERIL_AUTH_SECRET not set, authentication disabled")
	}

	api := httpapi.New(httpapi.Config{
		Version:               version,
		Ready:                 ready,
		Service:               svc,
		Stream:                events,
		Issuer:                issuer,
		IssueTokens:           issuer != nil,
		TokenTTL:              cfg.Auth.TokenTTL,
		RateBurst:             cfg.HTTP.RateBurst,
		RatePerSec:            cfg.HTTP.RatePerSec,
		MaintenanceWindowDays: cfg.Engine.MaintenanceWindowDays,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting steril-api", zap.String("version", version), zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	health := httpapi.NewHealthReporter(ready)
	g.Go(func() error {
		health.Run(gctx, 10*time.Second)
		return nil
	})

	if cfg.HTTP.GRPCAddr != "" {
		grpcServer := httpapi.NewGRPCServer(health)
		g.Go(func() error {
			lis, err := net.Listen("tcp", cfg.HTTP.GRPCAddr)
			if err != nil {
				return err
			}
			log.Info("starting grpc health", zap.String("addr", cfg.HTTP.GRPCAddr))
			return grpcServer.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			grpcServer.GracefulStop()
			return nil
		})
	}

	g.Go(func() error {
		sweepMaintenance(gctx, svc, cfg.Engine.MaintenanceSweep, cfg.Engine.MaintenanceWindowDays)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if derr := dispatcher.Close(shutdownCtx); derr != nil {
			log.Warn("notification queue not drained", zap.Error(derr))
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("stopped")
	return nil
}

// sweepMaintenance raises maintenance-due events on startup and every interval.
func sweepMaintenance(ctx context.Context, svc *steril.Service, interval time.Duration, windowDays int) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := svc.SweepMaintenance(ctx, svc.Now(), windowDays)
		switch {
		case err != nil && ctx.Err() == nil:
			obs.Logger().Warn("maintenance sweep failed", zap.Error(err))
		case n > 0:
			obs.Logger().Info("maintenance sweep", zap.Int("due", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
