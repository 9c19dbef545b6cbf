// Package daemon wires ctmd: the long-running process the desktop shell talks
// to over a Unix socket.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chattomap/ctm/internal/api"
	"github.com/chattomap/ctm/internal/bus"
	"github.com/chattomap/ctm/internal/config"
	"github.com/chattomap/ctm/internal/history"
	"github.com/chattomap/ctm/internal/lock"
	"github.com/chattomap/ctm/internal/logging"
	"github.com/chattomap/ctm/internal/pipeline"
	"github.com/chattomap/ctm/internal/store"
	"github.com/chattomap/ctm/internal/upload"
	"github.com/chattomap/ctm/internal/workspace"
)

// Params holds the resolved daemon configuration passed to the fx module.
type Params struct {
	ConfigPath   string // empty = workspace default
	SocketPath   string // optional override for testing; empty = use default
	ServerURL    string // overrides config server_url when set
	ConsoleLevel zapcore.Level
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideUploader,
			providePipeline,
			provideRecorder,
			provideExportService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = workspace.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if p.ServerURL != "" {
		cfg.ServerURL = p.ServerURL
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := workspace.EnsureDirs(); err != nil {
		return nil, err
	}
	return logging.New(workspace.LogPath("ctmd"), "ctmd", p.ConsoleLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

// provideLock keeps a second daemon from serving the same workspace.
func provideLock(logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring daemon lock", zap.String("dir", workspace.BaseDir()))
	l, err := lock.Acquire(workspace.BaseDir(), "ctmd")
	if err != nil {
		return nil, err
	}
	logger.Info("daemon lock acquired")
	return l, nil
}

func provideStore(logger *zap.Logger) (*store.DB, error) {
	dbPath := workspace.StateDBPath()
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideUploader(cfg *config.Config, b *bus.Bus, logger *zap.Logger) (*upload.Client, error) {
	return upload.New(UploadOptions(cfg, b, logger))
}

// UploadOptions maps the [upload] config section to upload.Options.
func UploadOptions(cfg *config.Config, b *bus.Bus, logger *zap.Logger) upload.Options {
	return upload.Options{
		ServerURL:      cfg.ServerURL,
		MaxAttempts:    cfg.Upload.MaxAttempts,
		InitialBackoff: cfg.Upload.InitialBackoff.Duration,
		MaxBackoff:     cfg.Upload.MaxBackoff.Duration,
		Timeout:        cfg.Upload.Timeout.Duration,
		Bus:            b,
		Logger:         logger,
	}
}

func providePipeline(cfg *config.Config, up *upload.Client, b *bus.Bus, logger *zap.Logger) *pipeline.Pipeline {
	return pipeline.New(pipeline.Options{Config: cfg, Uploader: up, Bus: b, Logger: logger})
}

func provideRecorder(db *store.DB, b *bus.Bus, logger *zap.Logger) *history.Recorder {
	return history.NewRecorder(db, b, logger)
}

func provideExportService(p *pipeline.Pipeline, db *store.DB, b *bus.Bus, logger *zap.Logger) *api.ExportService {
	return api.NewExportService(p, db, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, recorder *history.Recorder, cfg *config.Config, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The daemon lock is held, so open runs belong to a dead process.
			recorder.Recover()
			recorder.Start(context.Background())

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			logger.Info("daemon started", zap.String("server_url", cfg.ServerURL))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			recorder.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
