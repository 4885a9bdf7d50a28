package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloudcollab/blob"
	"cloudcollab/config"
	"cloudcollab/config/database"
	"cloudcollab/internal/account"
	"cloudcollab/internal/activity"
	"cloudcollab/internal/collab"
	"cloudcollab/internal/metrics"
	"cloudcollab/internal/presence"
	"cloudcollab/internal/telemetry"
	"cloudcollab/pkg/logger"
	"cloudcollab/router"
	"cloudcollab/socket"
	"cloudcollab/store"
	"cloudcollab/store/memory"
	"cloudcollab/store/postgres"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger.Init(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	defer logger.Log.Sync()

	if err := run(cfg); err != nil {
		logger.Sugar.Fatalf("Server stopped: %v", err)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Sugar.Warnf("Failed to flush traces: %v", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	// 1. Document Store. Postgres also relays changes from other instances.
	var st store.Store
	switch cfg.StoreBackend {
	case "postgres":
		db, err := database.Connect(cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		pg := postgres.New(db, postgres.WithNotify(cfg.Database.NotifyChannel))
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		dsn, err := database.DSN(cfg.Database)
		if err != nil {
			return err
		}
		g.Go(func() error { return pg.Relay(gctx, dsn) })
		st = pg
	case "memory":
		logger.Sugar.Warn("Using the in-memory store; data is lost on restart")
		st = memory.New()
	default:
		return errors.New("unknown STORE_BACKEND " + cfg.StoreBackend)
	}

	// 2. Blob Store.
	var blobs blob.Store
	switch cfg.BlobBackend {
	case "minio":
		blobs, err = blob.NewMinIO(ctx, cfg.MinIO)
		if err != nil {
			return err
		}
	case "memory":
		blobs = blob.NewMemory(router.BlobPrefix)
	default:
		return errors.New("unknown BLOB_BACKEND " + cfg.BlobBackend)
	}

	// 3. Services shared by every collaboration session.
	accounts := account.NewService(st, st.Feed(), cfg.JWTSecret, cfg.JWTExpiry)
	tracker := presence.NewTracker(st, st.Feed(), cfg.Collab)
	defer tracker.Close()
	feed := activity.NewFeed(st, st.Feed(), cfg.Collab.RecentActivityLimit)

	hub := socket.NewHub(collab.Deps{
		Store:    st,
		Presence: tracker,
		Activity: feed,
		Blobs:    blobs,
		Metrics:  m,
		Config:   cfg.Collab,
	}, accounts, cfg.WSRateLimit, cfg.WSRateBurst)

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: router.Setup(router.Services{
			Store:          st,
			Blobs:          blobs,
			Accounts:       accounts,
			Activity:       feed,
			Hub:            hub,
			Metrics:        m,
			Gatherer:       reg,
			MaxUploadBytes: cfg.MaxUploadBytes,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return tracker.RunExpiry(gctx) })
	g.Go(func() error {
		logger.Sugar.Infof("Go Backend listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Sugar.Info("Shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}
