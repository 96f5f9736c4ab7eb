// Package playersync provides a top-level convenience entry point for
// embedding the synchronization engine with minimal boilerplate.
//
// Usage:
//
//	import "github.com/nuvalabs/playersync"
//
//	eng, err := playersync.New(playersync.WithMongo(mongoCfg))
//	eng, err := playersync.New(playersync.WithStore(myStore), playersync.WithLogger(logger))
//
// Hosts that need full control over configuration loading should use
// the config and engine packages directly; this wrapper covers the
// common case of defaults plus a backend.
package playersync

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nuvalabs/playersync/config"
	"github.com/nuvalabs/playersync/engine"
	"github.com/nuvalabs/playersync/store"
)

// Option configures the engine created by [New].
type Option func(*settings)

type settings struct {
	cfg    *config.Config
	st     store.Store
	logger *zap.Logger
	reg    prometheus.Registerer
}

// WithConfig replaces the default configuration.
func WithConfig(cfg *config.Config) Option {
	return func(s *settings) { s.cfg = cfg }
}

// WithStore sets a pre-built backend store.
func WithStore(st store.Store) Option {
	return func(s *settings) { s.st = st }
}

// WithMongo connects a MongoDB backend with the given configuration.
func WithMongo(mc store.MongoConfig) Option {
	return func(s *settings) { s.cfg.Mongo = mc }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithMetrics registers the engine collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *settings) { s.reg = reg }
}

// New creates and starts an [engine.Engine]. Unless WithStore supplies
// a backend, a MongoDB store is connected from the configuration.
// Callers own the shutdown: always call Engine.Shutdown before exit.
func New(opts ...Option) (*engine.Engine, error) {
	s := &settings{cfg: config.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}
	if s.logger == nil {
		s.logger = config.BuildLogger(s.cfg.Log)
	}

	if s.st == nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Mongo.ConnectTimeout)
		defer cancel()

		ms, err := store.NewMongoStore(ctx, s.cfg.Mongo, s.logger)
		if err != nil {
			return nil, err
		}
		if err := ms.EnsureIndexes(ctx); err != nil {
			s.logger.Warn("index creation failed", zap.Error(err))
		}
		s.st = ms
	}

	eng := engine.New(config.NewStore(s.cfg), s.st, s.logger, s.reg)
	eng.Start()
	return eng, nil
}
