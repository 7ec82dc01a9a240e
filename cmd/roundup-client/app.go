package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/roundup/client/internal/backend"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/config"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/connectivity"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/database"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/identity"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/kvstore"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/logging"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/queue"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/recovery"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/session"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/snapshot"
)

const initialProbeTimeout = 3 * time.Second

// application holds the wired offline stack for one CLI invocation.
type application struct {
	config    config.AppConfig
	logger    *zap.Logger
	client    *backend.HTTPClient
	monitor   *connectivity.Monitor
	queue     *queue.Queue
	snapshots *snapshot.Cache
	identity  *identity.Service
	session   *session.Service
	close     func()
}

func newApplication(ctx context.Context) (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	store, err := kvstore.NewSQLiteStore(db, time.Now)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	client, err := backend.NewHTTPClient(backend.ClientConfig{
		BaseURL: appConfig.BackendURL,
		Timeout: appConfig.BackendTimeout,
		Logger:  logger,
	})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, initialProbeTimeout)
	online := client.Ping(probeCtx) == nil
	cancel()
	monitor := connectivity.NewMonitor(connectivity.Config{InitialOnline: online, Logger: logger})

	handler := recovery.NewHandler(recovery.Config{
		Connectivity: monitor,
		MaxRetries:   appConfig.RecoveryMaxRetries,
		RetryDelay:   appConfig.RecoveryRetryDelay,
		Logger:       logger,
	})

	actionQueue, err := queue.New(queue.Config{
		Store:        store,
		Sender:       client,
		Connectivity: monitor,
		Classifier:   handler,
		MaxRetries:   appConfig.QueueMaxRetries,
		Logger:       logger,
	})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	snapshots, err := snapshot.NewCache(snapshot.Config{
		Store:    store,
		TTL:      appConfig.SnapshotTTL,
		StateTTL: appConfig.StateTTL,
		Logger:   logger,
	})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	identityService, err := identity.NewService(identity.ServiceConfig{
		Store:        store,
		Backend:      client,
		Connectivity: monitor,
		Recovery:     handler,
		MaxAge:       appConfig.IdentityMaxAge,
		Logger:       logger,
	})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	sessionService, err := session.NewService(session.ServiceConfig{
		Backend:      client,
		Identity:     identityService,
		Queue:        actionQueue,
		Snapshots:    snapshots,
		Recovery:     handler,
		Connectivity: monitor,
		Logger:       logger,
	})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	logger.Debug("client initialized", zap.Bool("online", online), zap.String("backend_url", appConfig.BackendURL))

	return &application{
		config:    appConfig,
		logger:    logger,
		client:    client,
		monitor:   monitor,
		queue:     actionQueue,
		snapshots: snapshots,
		identity:  identityService,
		session:   sessionService,
		close: func() {
			_ = logger.Sync()
			sqlDB.Close()
		},
	}, nil
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
