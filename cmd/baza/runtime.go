package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/mbme/arhiv-sub003/internal/auth"
	"github.com/mbme/arhiv-sub003/internal/blobs"
	"github.com/mbme/arhiv-sub003/internal/config"
	"github.com/mbme/arhiv-sub003/internal/database"
	"github.com/mbme/arhiv-sub003/internal/events"
	"github.com/mbme/arhiv-sub003/internal/metrics"
	"github.com/mbme/arhiv-sub003/internal/schema"
	"github.com/mbme/arhiv-sub003/internal/server"
	"github.com/mbme/arhiv-sub003/internal/store"
	bazasync "github.com/mbme/arhiv-sub003/internal/sync"
)

// appRuntime holds the components every command opens.
type appRuntime struct {
	store   *store.Store
	tokens  *auth.TokenIssuer
	events  *events.Dispatcher
	metrics *metrics.Metrics
	closeDB func() error
}

func openRuntime(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*appRuntime, error) {
	if err := os.MkdirAll(appConfig.RootDir, 0o700); err != nil {
		return nil, fmt.Errorf("create root dir: %w", err)
	}
	db, err := database.OpenSQLite(appConfig.DatabasePath(), appConfig.BlobDir(), logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	blobStore, err := blobs.NewStore(appConfig.BlobDir(), logger.Named("blobs"))
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	dataSchema, err := schema.DefaultSchema(appConfig.AppName)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	dispatcher := events.NewDispatcher()
	var observer *metrics.Metrics
	if appConfig.MetricsEnabled {
		observer = metrics.NewMetrics()
	}

	documentStore, err := store.Open(ctx, store.Config{
		Database: db,
		Blobs:    blobStore,
		Schema:   dataSchema,
		IsPrime:  appConfig.Prime,
		Logger:   logger.Named("store"),
		Events:   dispatcher,
		Metrics:  observer,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SyncSecret),
		Issuer:        appConfig.AppName,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return &appRuntime{
		store:   documentStore,
		tokens:  tokens,
		events:  dispatcher,
		metrics: observer,
		closeDB: sqlDB.Close,
	}, nil
}

func (r *appRuntime) Close() error {
	return r.closeDB()
}

// syncServices are the background sync components of one instance. A prime is the sync
// target of every other instance, so it only advertises itself and never browses or pulls.
type syncServices struct {
	manager    *bazasync.Manager
	scheduler  *bazasync.Scheduler
	advertiser *bazasync.Advertiser
}

func newSyncServices(appConfig config.AppConfig, rt *appRuntime, logger *zap.Logger) (syncServices, error) {
	if appConfig.Prime {
		if !appConfig.MDNSEnabled {
			return syncServices{}, nil
		}
		advertiser, err := newAdvertiser(appConfig, rt.store, logger)
		if err != nil {
			return syncServices{}, err
		}
		return syncServices{advertiser: advertiser}, nil
	}

	discoverer, err := newDiscoverer(appConfig, rt.store, logger)
	if err != nil {
		return syncServices{}, err
	}
	manager, err := bazasync.NewManager(bazasync.ManagerConfig{
		Store:      rt.store,
		Tokens:     rt.tokens,
		Discoverer: discoverer,
		Events:     rt.events,
		Metrics:    rt.metrics,
		RPCTimeout: appConfig.RPCTimeout,
		Logger:     logger.Named("sync"),
	})
	if err != nil {
		return syncServices{}, err
	}
	scheduler, err := bazasync.NewScheduler(bazasync.SchedulerConfig{
		Syncer:   manager,
		Events:   rt.events,
		Interval: appConfig.SyncInterval,
		Logger:   logger.Named("auto_sync"),
	})
	if err != nil {
		manager.Close()
		return syncServices{}, err
	}
	return syncServices{manager: manager, scheduler: scheduler}, nil
}

// trigger backs the on-demand sync endpoint. It is nil on a prime.
func (s syncServices) trigger() server.SyncTrigger {
	if s.manager == nil {
		return nil
	}
	manager := s.manager
	return func(ctx context.Context) error {
		_, err := manager.Sync(ctx)
		return err
	}
}

func (s syncServices) Close() {
	if s.manager != nil {
		s.manager.Close()
	}
}

func newDiscoverer(appConfig config.AppConfig, documentStore *store.Store, logger *zap.Logger) (bazasync.Discoverer, error) {
	discoverers := []bazasync.Discoverer{bazasync.NewStaticDiscoverer(appConfig.SyncPeers)}
	if appConfig.MDNSEnabled {
		mdnsDiscoverer, err := bazasync.NewMDNSDiscoverer(bazasync.MDNSDiscovererConfig{
			AppName: appConfig.AppName,
			Debug:   appConfig.Debug,
			Self:    documentStore.InstanceID(),
			Timeout: appConfig.DiscoveryTimeout,
			Logger:  logger.Named("discovery"),
		})
		if err != nil {
			return nil, err
		}
		discoverers = append(discoverers, mdnsDiscoverer)
	}
	return bazasync.NewMultiDiscoverer(logger.Named("discovery"), discoverers...), nil
}

func newAdvertiser(appConfig config.AppConfig, documentStore *store.Store, logger *zap.Logger) (*bazasync.Advertiser, error) {
	port, err := appConfig.HTTPPort()
	if err != nil {
		return nil, err
	}
	return bazasync.NewAdvertiser(bazasync.AdvertiserConfig{
		AppName:     appConfig.AppName,
		Debug:       appConfig.Debug,
		InstanceID:  documentStore.InstanceID(),
		DataVersion: documentStore.Schema().Version,
		IsPrime:     documentStore.IsPrime(),
		Port:        port,
		Logger:      logger.Named("advertiser"),
	})
}
