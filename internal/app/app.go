// Package app assembles the extraction pipeline from configuration. Both the
// one-shot command and the daemon build their pipeline here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/precip-forecast-etl/internal/adapter/chc"
	"github.com/couchcryptid/precip-forecast-etl/internal/adapter/geotiff"
	kafkaadapter "github.com/couchcryptid/precip-forecast-etl/internal/adapter/kafka"
	"github.com/couchcryptid/precip-forecast-etl/internal/adapter/memstore"
	mongoadapter "github.com/couchcryptid/precip-forecast-etl/internal/adapter/mongo"
	redisadapter "github.com/couchcryptid/precip-forecast-etl/internal/adapter/redis"
	"github.com/couchcryptid/precip-forecast-etl/internal/config"
	"github.com/couchcryptid/precip-forecast-etl/internal/domain"
	"github.com/couchcryptid/precip-forecast-etl/internal/observability"
	"github.com/couchcryptid/precip-forecast-etl/internal/pipeline"
	"github.com/couchcryptid/storm-data-shared/retry"
)

// Store connection retry schedule.
const (
	connectAttempts   = 5
	connectBackoff    = 500 * time.Millisecond
	connectMaxBackoff = 8 * time.Second
)

// App owns the pipeline and the connections it holds open.
type App struct {
	Pipeline *pipeline.Pipeline

	closers []closer
	pingers []pinger
	logger  *slog.Logger
}

type pinger struct {
	name string
	ping func(context.Context) error
}

type closer struct {
	name  string
	close func(context.Context) error
}

// New builds the pipeline described by cfg, connecting to the configured store.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*App, error) {
	a := &App{logger: logger}

	store, err := a.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pattern := domain.FilenamePattern{Prefix: cfg.SourcePrefix, Ext: cfg.SourceExt}
	var resolver pipeline.Resolver
	switch cfg.SourceStrategy {
	case config.StrategyComputed:
		resolver = pipeline.NewComputedResolver(cfg.SourceBaseURL, pattern, cfg.ForecastHorizonDays)
	default:
		resolver = pipeline.NewListingResolver(chc.NewLister(cfg.FetchTimeout, logger), cfg.SourceBaseURL, pattern, logger)
	}

	var fetcher pipeline.Fetcher = chc.NewFetcher(cfg.FetchTimeout, cfg.FetchMaxBytes, logger, metrics)
	if cfg.RasterCacheSize > 0 {
		fetcher = chc.NewCachedFetcher(fetcher, cfg.RasterCacheSize, metrics)
	}

	target := domain.TargetPoint{Lat: cfg.TargetLat, Lon: cfg.TargetLon}
	opts := pipeline.Options{
		Target: target,
		Policy: pipeline.FallbackPolicy(cfg.FallbackPolicy),
	}
	if cfg.EventsEnabled() {
		publisher := kafkaadapter.NewPublisher(cfg, logger)
		opts.Publisher = publisher
		a.onClose("kafka publisher", func(context.Context) error { return publisher.Close() })
		logger.Info("run outcome events enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	persister := pipeline.NewPersister(store, cfg.DocumentID, cfg.SourceName, target, logger)
	a.Pipeline = pipeline.New(resolver, fetcher, geotiff.NewDecoder(), persister, logger, metrics, opts)

	logger.Info("pipeline assembled",
		"strategy", cfg.SourceStrategy,
		"base_url", cfg.SourceBaseURL,
		"policy", cfg.FallbackPolicy,
		"store", cfg.StoreBackend,
		"document_id", cfg.DocumentID,
		"raster_cache_size", cfg.RasterCacheSize,
	)
	return a, nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(ctx); err != nil {
			a.logger.Error("close failed", "component", c.name, "error", err)
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// CheckReadiness reports ready once the pipeline has succeeded and every
// store connection answers a ping.
func (a *App) CheckReadiness(ctx context.Context) error {
	if err := a.Pipeline.CheckReadiness(ctx); err != nil {
		return err
	}
	for _, p := range a.pingers {
		if err := p.ping(ctx); err != nil {
			return fmt.Errorf("%s unreachable: %w", p.name, err)
		}
	}
	return nil
}

func (a *App) onPing(name string, fn func(context.Context) error) {
	a.pingers = append(a.pingers, pinger{name: name, ping: fn})
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, close: fn})
}

func (a *App) openStore(ctx context.Context, cfg *config.Config) (pipeline.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		a.logger.Warn("using in-memory store; results are lost on exit")
		return memstore.New(), nil

	case config.BackendMongo:
		var store *mongoadapter.Store
		err := connectWithRetry(ctx, a.logger, "mongo", func(ctx context.Context) error {
			var err error
			store, err = mongoadapter.Connect(ctx, cfg, a.logger)
			return err
		})
		if err != nil {
			return nil, err
		}
		a.onClose("mongo", store.Close)
		a.onPing("mongo", store.Ping)
		return store, nil

	case config.BackendRedis:
		var store *redisadapter.Store
		err := connectWithRetry(ctx, a.logger, "redis", func(ctx context.Context) error {
			var err error
			store, err = redisadapter.Connect(ctx, cfg, a.logger)
			return err
		})
		if err != nil {
			return nil, err
		}
		a.onClose("redis", func(context.Context) error { return store.Close() })
		a.onPing("redis", store.Ping)
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
}

// connectWithRetry retries connect with exponential backoff so the service
// tolerates a store that starts after it.
func connectWithRetry(ctx context.Context, logger *slog.Logger, name string, connect func(context.Context) error) error {
	backoff := connectBackoff
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err = connect(ctx); err == nil {
			return nil
		}
		if attempt == connectAttempts {
			break
		}
		logger.Warn("store connect failed, retrying",
			"store", name, "attempt", attempt, "backoff", backoff, "error", err)
		if !retry.SleepWithContext(ctx, backoff) {
			return fmt.Errorf("connect %s: %w", name, ctx.Err())
		}
		backoff = retry.NextBackoff(backoff, connectMaxBackoff)
	}
	return fmt.Errorf("connect %s after %d attempts: %w", name, connectAttempts, err)
}
