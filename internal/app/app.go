package app

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/engine"
	"stageline/internal/events"
	"stageline/internal/executor"
	"stageline/internal/index"
	"stageline/internal/stack"
	"stageline/internal/state"
	"stageline/internal/telemetry"
)

// Runtime is an engine wired from config, plus the resources it holds open.
type Runtime struct {
	Config  *config.Config
	Engine  engine.Engine
	Index   *index.Index
	Metrics *telemetry.Metrics
	Logger  zerolog.Logger
}

// Open wires the engine described by cfg. A run index that cannot be opened is logged
// and left out; the state files remain the source of truth.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rt := &Runtime{
		Config:  cfg,
		Metrics: telemetry.NewMetrics(cfg.Metrics),
		Logger:  logger,
	}
	rt.Engine = engine.Engine{
		Store:       state.NewStore(cfg.Root),
		Events:      events.Writer{Root: cfg.Root},
		Catalog:     stack.Catalog{Dirs: cfg.StacksDirs()},
		Executor:    NewExecutor(cfg),
		Logger:      logger.With().Str("component", "engine").Logger(),
		Metrics:     rt.Metrics,
		Tracer:      telemetry.Tracer(),
		MaxAttempts: cfg.MaxAttempts,
		LockTimeout: cfg.LockTimeout,
	}
	if cfg.Index.Enabled {
		idx, err := index.Open(ctx, db.Config{Path: cfg.IndexPath()})
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.IndexPath()).Msg("run index unavailable")
		} else {
			rt.Index = idx
			rt.Engine.Index = idx
		}
	}
	return rt, nil
}

// Close releases the index database.
func (r *Runtime) Close() error {
	if r == nil || r.Index == nil {
		return nil
	}
	return r.Index.Close()
}

// ErrIndexDisabled is returned by operations that need the run index when it is off.
var ErrIndexDisabled = errors.New("run index is disabled")

// RequireIndex returns the index or ErrIndexDisabled.
func (r *Runtime) RequireIndex() (*index.Index, error) {
	if r.Index == nil {
		return nil, ErrIndexDisabled
	}
	return r.Index, nil
}

// NewExecutor maps configured stages to command executors. A stage with a fallback
// command degrades to it on failure; stages without configuration pass through.
func NewExecutor(cfg *config.Config) executor.Executor {
	reg := executor.NewRegistry(executor.Passthrough{})
	for id, sc := range cfg.Stages {
		var ex executor.Executor = executor.Command{Command: sc.Command, Timeout: sc.Timeout, Dir: sc.Dir}
		if sc.FallbackCommand != "" {
			ex = executor.Fallback{
				Primary:   ex,
				Secondary: executor.Command{Command: sc.FallbackCommand, Timeout: sc.Timeout, Dir: sc.Dir},
			}
		}
		reg.Register(id, ex)
	}
	return reg
}
