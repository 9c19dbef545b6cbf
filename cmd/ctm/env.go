package main

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chattomap/ctm/internal/config"
	"github.com/chattomap/ctm/internal/logging"
	"github.com/chattomap/ctm/internal/pipeline"
	"github.com/chattomap/ctm/internal/store"
	"github.com/chattomap/ctm/internal/workspace"
)

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	debug      bool
}

// env is the per-invocation wiring shared by subcommands.
type env struct {
	cfg *config.Config
	log *zap.Logger
}

func (g *globals) config() (*config.Config, error) {
	path := g.configPath
	if path == "" {
		path = workspace.ConfigPath()
	}
	return config.LoadOrDefault(path)
}

// logger writes JSON to ~/.ctm/logs/ctm.log. Stderr only gets records with
// --debug; command output owns the terminal otherwise.
func (g *globals) logger() (*zap.Logger, error) {
	level := zapcore.FatalLevel
	if g.debug {
		level = zapcore.DebugLevel
	}
	return logging.New(workspace.LogPath("ctm"), "ctm", level)
}

// open loads config and starts logging.
func (g *globals) open() (*env, error) {
	cfg, err := g.config()
	if err != nil {
		return nil, err
	}
	if err := workspace.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	log, err := g.logger()
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log}, nil
}

// newPipeline returns a Pipeline on e's config. opts may carry an uploader and bus.
func (e *env) newPipeline(opts pipeline.Options) *pipeline.Pipeline {
	opts.Config = e.cfg
	opts.Logger = e.log
	return pipeline.New(opts)
}

func (e *env) close() {
	_ = e.log.Sync()
}

// openHistory opens and migrates the run history database.
func openHistory(log *zap.Logger) (*store.DB, error) {
	db, err := store.Open(workspace.StateDBPath())
	if err != nil {
		return nil, err
	}
	res, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if res.Changed {
		log.Info("migrations applied", zap.Uint("version", res.Version))
	}
	return db, nil
}

// classifiedError is a failure rendered as "error [<class>]: <message>".
type classifiedError struct {
	class pipeline.Class
	msg   string
	hint  string
}

func (e *classifiedError) Error() string {
	return fmt.Sprintf("error [%s]: %s", e.class, e.msg)
}

func classified(err error) error {
	if err == nil {
		return nil
	}
	class, _ := pipeline.Classify(err)
	return &classifiedError{class: class, msg: err.Error(), hint: class.Hint()}
}

func resultError(res pipeline.Result) error {
	return &classifiedError{class: res.Class, msg: res.Error, hint: res.Hint}
}
