package engine

import (
	"context"
	"fmt"
	"log/slog"

	"pipeweaver/internal/cache"
	"pipeweaver/internal/config"
	"pipeweaver/internal/logging"
	"pipeweaver/internal/runstore"
	"pipeweaver/internal/stages"
	"pipeweaver/internal/telemetry"
	"pipeweaver/internal/trace"
)

// Option customizes Bootstrap.
type Option func(*options)

type options struct {
	registry    *stages.Registry
	kafkaWriter trace.MessageWriter
	logger      *slog.Logger
}

// WithRegistry resolves stage kinds from reg instead of the built-ins.
func WithRegistry(reg *stages.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithKafkaWriter publishes trace events through w when Kafka is enabled.
func WithKafkaWriter(w trace.MessageWriter) Option {
	return func(o *options) { o.kafkaWriter = w }
}

// WithLogger overrides the logger built from cfg.Log.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Bootstrap wires the components selected by cfg. The returned engine owns
// every backend connection; call Close when done.
func Bootstrap(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// 1. logging
	logger := o.logger
	if logger == nil {
		logging.Configure(logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
		logger = logging.L()
	}

	e := &Engine{cfg: cfg, logger: logger, registry: o.registry}
	if e.registry == nil {
		e.registry = stages.DefaultRegistry()
	}

	// 2. cache backend
	c, err := newCache(ctx, cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	e.cache = c
	if cl, ok := c.(interface{ Close() }); ok {
		e.closers = append(e.closers, func() error { cl.Close(); return nil })
	}

	// 3. metrics
	e.metrics, err = telemetry.New(nil)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	e.metrics.SetLogger(logger)
	if cfg.Metrics.Addr != "" {
		srvCtx, cancel := context.WithCancel(context.Background())
		addr, err := e.metrics.Serve(srvCtx, cfg.Metrics.Addr)
		if err != nil {
			cancel()
			e.Close()
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		e.metricsAddr = addr
		e.closers = append(e.closers, func() error { cancel(); return nil })
	}

	// 4. trace publishing
	if cfg.Kafka.Enabled {
		kc := trace.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			Buffer:       cfg.Kafka.Buffer,
			BatchSize:    cfg.Kafka.BatchSize,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		}
		if o.kafkaWriter != nil {
			e.kafka = trace.NewKafkaSinkWithWriter(o.kafkaWriter, kc, logger)
		} else if e.kafka, err = trace.NewKafkaSink(kc, logger); err != nil {
			e.Close()
			return nil, fmt.Errorf("kafka: %w", err)
		}
		e.closers = append(e.closers, e.kafka.Close)
	}

	// 5. run store
	if e.runs, err = runstore.NewStore(cfg.RunDir); err != nil {
		e.Close()
		return nil, fmt.Errorf("runstore: %w", err)
	}

	logger.Info("engine ready",
		"cache", cfg.Cache.Backend,
		"metrics", cfg.Metrics.Addr,
		"kafka", cfg.Kafka.Enabled,
		"run_dir", cfg.RunDir,
	)
	return e, nil
}

func newCache(ctx context.Context, cfg config.CacheCfg) (cache.Cache, error) {
	switch cfg.Backend {
	case config.BackendNone:
		return nil, nil
	case config.BackendMemory:
		return cache.NewMemoryCache(), nil
	case config.BackendLRU:
		return cache.NewLRUCache(cfg.LRUSize)
	case config.BackendFile:
		return cache.NewFileCache(cfg.Dir), nil
	case config.BackendObject:
		return cache.NewObjectCache(ctx, cache.ObjectConfig{
			Endpoint:  cfg.Object.Endpoint,
			AccessKey: cfg.Object.AccessKey,
			SecretKey: cfg.Object.SecretKey,
			UseSSL:    cfg.Object.UseSSL,
			Bucket:    cfg.Object.Bucket,
			Region:    cfg.Object.Region,
			Prefix:    cfg.Object.Prefix,
		})
	case config.BackendPostgres:
		return cache.NewPostgresCache(ctx, cfg.Postgres.DSN)
	}
	return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
}
