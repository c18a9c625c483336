package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/creditpath/realtime/internal/collab"
	"github.com/creditpath/realtime/internal/config"
	"github.com/creditpath/realtime/internal/protocol"
	"github.com/creditpath/realtime/internal/relay"
	"github.com/creditpath/realtime/internal/server"
	"github.com/creditpath/realtime/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("configuration error", zap.Error(err))
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		zap.NewExample().Fatal("logger error", zap.Error(err))
	}
	defer logger.Sync()

	ctx := context.Background()

	store, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("storage error", zap.Error(err))
	}
	defer closeStore()

	rl, err := newRelay(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("relay error", zap.Error(err))
	}

	srv := server.New(cfg, rl, logger)

	broadcaster := &server.CollabBroadcaster{Hub: srv.Hub(), Relay: rl, Logger: logger}
	notifier := &server.CollabNotifier{Hub: srv.Hub(), Relay: rl}

	engine, err := collab.NewEngine(collab.Config{
		MaxCollaborators: cfg.Collab.MaxCollaborators,
		AutoSaveInterval: cfg.Collab.AutoSaveInterval,
		Strategy:         cfg.Collab.ConflictStrategy,
		HistoryEnabled:   cfg.Collab.HistoryEnabled,
	}, store, broadcaster, notifier, logger)
	if err != nil {
		logger.Fatal("collaboration engine error", zap.Error(err))
	}
	srv.Hub().SetEngine(engine)

	if rl != nil {
		wireRelay(srv.Hub(), rl, logger)
	}

	go func() {
		logger.Info("gateway starting",
			zap.String("addr", cfg.Addr()),
			zap.Bool("relay", rl != nil))
		if err := srv.Start(cfg.Addr()); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	engine.Flush(shutdownCtx)
	if rl != nil {
		rl.Close(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forced shutdown", zap.Error(err))
	}

	logger.Info("gateway stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func newStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (collab.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("no database configured, using in-memory store")
		return storage.NewMemoryStore(), func() {}, nil
	}

	pgCfg := storage.DefaultConfig()
	pgCfg.ConnectionString = cfg.DatabaseURL
	pg := storage.NewPostgresStore(pgCfg)
	if err := pg.Connect(ctx); err != nil {
		return nil, nil, err
	}
	return pg, func() { pg.Disconnect(context.Background()) }, nil
}

func newRelay(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*relay.Relay, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}

	rlCfg := relay.DefaultConfig()
	rlCfg.URL = cfg.RedisURL
	rlCfg.ServerID = cfg.ServerID
	rl, err := relay.New(rlCfg, logger)
	if err != nil {
		return nil, err
	}
	if err := rl.Connect(ctx); err != nil {
		return nil, err
	}
	return rl, nil
}

// wireRelay feeds envelopes published on other instances into the
// local hub. Engine broadcasts travel on per-document channels the hub
// joins as users open documents; the category channels carry
// everything else.
func wireRelay(hub *server.Hub, rl *relay.Relay, logger *zap.Logger) {
	categories := []string{
		protocol.CategoryCreditScoreUpdate,
		protocol.CategoryDisputeStatusChange,
		protocol.CategoryNotification,
		protocol.CategoryChatMessage,
		protocol.CategoryCollaborationUpdate,
		protocol.CategorySystemAlert,
	}
	for _, category := range categories {
		if err := rl.SubscribeToCategory(context.Background(), category, hub.DeliverRemote); err != nil {
			logger.Warn("relay subscription failed",
				zap.String("category", category),
				zap.Error(err))
		}
	}
}
