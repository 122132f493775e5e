package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/treedoc/internal/api"
	"github.com/example/treedoc/internal/broadcast"
	"github.com/example/treedoc/internal/collab"
	"github.com/example/treedoc/internal/config"
	"github.com/example/treedoc/internal/crdt"
	"github.com/example/treedoc/internal/observability"
	"github.com/example/treedoc/internal/playback"
	"github.com/example/treedoc/internal/presence"
	"github.com/example/treedoc/internal/snapshot"
	"github.com/example/treedoc/internal/storage"
	"github.com/example/treedoc/internal/syncstate"
	"github.com/example/treedoc/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := observability.NewLogger(os.Stdout, cfg.LogLevel, cfg.AppName, cfg.SiteID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		SiteID:       cfg.SiteID,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetry.Shutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	wal := resources.WAL
	if err := wal.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate WAL schema")
	}
	if err := resources.EnsureBucket(ctx, cfg.ObjectRegion); err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare snapshot bucket")
	}

	engine := crdt.NewEngine(cfg.SiteID, logger)

	var loader snapshot.Loader
	playbackOpts := []playback.Option{playback.WithCacheSize(cfg.PlaybackCacheSize), playback.WithSite(cfg.SiteID)}
	if resources.Object != nil {
		loader = snapshot.NewObjectLoader(resources.Object)
		playbackOpts = append(playbackOpts, playback.WithSnapshots(loader, cfg.ObjectBucket))
	}

	if err := snapshot.Recover(ctx, wal, engine, loader, cfg.ObjectBucket, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to replay WAL")
	}

	registry := ws.NewConnectionRegistry()
	opts := []collab.Option{collab.WithWAL(wal), collab.WithRegistry(registry)}

	var broadcaster *broadcast.RedisBroadcaster
	if resources.Redis != nil {
		broadcaster = broadcast.NewRedisBroadcaster(resources.Redis, engine, syncstate.NewVectorClockTracker(), logger)
		opts = append(opts, collab.WithPublisher(broadcaster))
	}
	docs := collab.NewService(engine, logger, opts...)

	if broadcaster != nil {
		broadcaster.SetHandler(docs.ApplyRemote)
		broadcaster.Start(ctx)
		broadcaster.StartAntiEntropy(ctx, cfg.AntiEntropyInterval)
	}

	if resources.Object != nil {
		worker := snapshot.NewWorker(wal, engine, resources.Object, cfg.ObjectBucket, logger, snapshot.Config{
			Interval:          cfg.SnapshotInterval,
			WALThreshold:      int64(cfg.SnapshotWALEntries),
			MutationThreshold: cfg.SnapshotNodeGrowth,
		})
		worker.Start(ctx)
	} else {
		logger.Warn().Msg("object storage not configured; snapshots disabled")
	}

	go every(ctx, cfg.CheckpointInterval, func() { recordCheckpoints(ctx, wal, engine, logger) })

	roster := presence.NewService(resources.Redis, registry, cfg.SiteID, logger)
	roster.Start(ctx)

	gateway, err := ws.NewGateway(ws.QueryAuthenticator, registry, logger, roster.WrapHooks(docs.Hooks()), ws.GatewayConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
		DefaultDocument:   cfg.DefaultDocument,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build websocket gateway")
	}

	router := mux.NewRouter()
	api.NewHandler(docs, cfg.DefaultDocument, resources.HealthCheck, logger).Register(router)
	router.Handle("/ws", gateway)
	playback.NewHTTPHandler(playback.NewService(wal, logger, playbackOpts...), logger).Register(router)

	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: router}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	logger.Info().Str("storage", cfg.StorageDriver).Strs("dependencies", resources.Dependencies()).Msg("server dependencies initialized")

	go every(ctx, cfg.HealthcheckProbe, func() {
		if err := resources.HealthCheck(ctx); err != nil {
			logger.Error().Err(err).Msg("dependency healthcheck failed")
		}
	})

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	// Final checkpoint so the next boot knows how far the WAL was applied.
	recordCheckpoints(shutdownCtx, wal, engine, logger)
	logger.Info().Msg("shutdown complete")
}

// every runs fn on each tick of interval until ctx ends. A non-positive
// interval disables it.
func every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// recordCheckpoints notes the applied LSN of every loaded document.
func recordCheckpoints(ctx context.Context, wal storage.Store, engine *crdt.Engine, logger zerolog.Logger) {
	for _, docID := range engine.Documents() {
		lsn := engine.LastLSN(docID)
		if lsn == 0 {
			continue
		}
		if err := wal.RecordCheckpoint(ctx, docID, lsn); err != nil {
			logger.Error().Err(err).Str("document", string(docID)).Msg("failed to persist checkpoint")
			continue
		}
		if backlog, err := wal.OperationCountAfterLSN(ctx, docID, lsn); err == nil {
			wal.RecordBacklogMetric(docID, backlog)
		}
	}
}
