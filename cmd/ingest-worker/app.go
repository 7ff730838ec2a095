package main

import (
	"context"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BearBump/CarrierSync/config"
	"github.com/BearBump/CarrierSync/internal/app"
	"github.com/BearBump/CarrierSync/internal/broker/kafka"
	"github.com/BearBump/CarrierSync/internal/cache"
	"github.com/BearBump/CarrierSync/internal/cache/rediscache"
	"github.com/BearBump/CarrierSync/internal/integrations/provider"
	"github.com/BearBump/CarrierSync/internal/services/poller"
	"github.com/BearBump/CarrierSync/internal/storage/pgingest"
)

type workerCache interface {
	cache.BytesCache
	Ping(ctx context.Context) error
}

type unitConsumer interface {
	Consume(ctx context.Context, handler func(ctx context.Context, m kafka.Message) error) error
	Close() error
}

type workerFactories struct {
	newStorage        func(cfg *config.Config) (st app.Storage, closeFn func(), err error)
	newCache          func(cfg *config.Config) (c workerCache, closeFn func())
	newRateLimiter    func(cfg *config.Config) poller.RateLimiter
	newProducer       func(cfg *config.Config) app.Producer
	newConsumer       func(cfg *config.Config, topic string) unitConsumer
	newProviderClient func(cfg *config.Config) provider.Client
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (app.Storage, func(), error) {
			st, err := pgingest.New(cfg.Database.ConnString())
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newCache: func(cfg *config.Config) (workerCache, func()) {
			c := rediscache.New(cfg.Redis.Addr()).WithPrefix("carriersync:")
			return c, func() { _ = c.Close() }
		},
		newRateLimiter: func(cfg *config.Config) poller.RateLimiter {
			return rediscache.NewRateLimiter(cfg.Redis.Addr())
		},
		newProducer: func(cfg *config.Config) app.Producer {
			return kafka.NewProducer(cfg.Kafka.Brokers())
		},
		newConsumer: func(cfg *config.Config, topic string) unitConsumer {
			return kafka.NewConsumer(cfg.Kafka.Brokers(), topic, cfg.Kafka.ConsumerGroup)
		},
		newProviderClient: app.ProviderClient,
	}
}

type workerOpts struct {
	swaggerPath string
	onListen    func(httpAddr string)
	// consumerRestartDelay is the pause before a failed consumer is restarted.
	consumerRestartDelay time.Duration
}

// RunIngestWorker runs the poller, the unit consumers and the ops HTTP server until ctx
// is done or one of them fails.
func RunIngestWorker(ctx context.Context, cfg *config.Config, f workerFactories, opts workerOpts) error {
	st, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	c, closeCache := f.newCache(cfg)
	if closeCache != nil {
		defer closeCache()
	}

	producer := f.newProducer(cfg)
	if cl, ok := producer.(io.Closer); ok {
		defer cl.Close()
	}
	rl := f.newRateLimiter(cfg)
	if cl, ok := rl.(io.Closer); ok {
		defer cl.Close()
	}

	svc := app.Build(cfg, app.Deps{
		Storage:  st,
		Cache:    c,
		Producer: producer,
		Provider: f.newProviderClient(cfg),
	})

	in := cfg.Ingest
	p := poller.New(cfg.Carriers(), svc.Files, st, svc.Tracking, rl).
		WithSettings(
			time.Duration(in.TrackingPollIntervalSeconds)*time.Second,
			in.TrackingBatchSize,
			in.TrackingConcurrency,
			time.Duration(in.TrackingLeaseSeconds)*time.Second,
			int64(in.RateLimitPerMinute),
		).
		WithFileSettings(time.Duration(in.FilePollIntervalSeconds)*time.Second, in.FileClaimBatchSize).
		WithCarrierRateLimits(cfg.CarrierRateLimits())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })

	for topic := range app.UnitKinds(cfg) {
		topic := topic
		newCons := func() unitConsumer { return f.newConsumer(cfg, topic) }
		g.Go(func() error {
			consumeLoop(gctx, topic, newCons, svc.Units.Handle, opts.consumerRestartDelay)
			return nil
		})
	}

	if in.HTTPAddr != "" {
		g.Go(func() error {
			return runWorkerHTTPServer(gctx, workerHTTPOpts{
				httpAddr:    in.HTTPAddr,
				swaggerPath: opts.swaggerPath,
				onListen:    opts.onListen,
				poller:      p,
				cfg:         cfg,
				probes: map[string]func(ctx context.Context) error{
					"postgres": st.Ping,
					"redis":    c.Ping,
				},
			})
		})
	}

	return g.Wait()
}

// consumeLoop keeps a topic consumed. Consume stops on an unrecorded unit failure without
// committing it. The reader has already moved past that unit in memory, so it is closed and
// a new one joins the group from the last committed offset.
func consumeLoop(ctx context.Context, topic string, newCons func() unitConsumer, handle func(ctx context.Context, m kafka.Message) error, restartDelay time.Duration) {
	if restartDelay <= 0 {
		restartDelay = 5 * time.Second
	}
	for {
		cons := newCons()
		err := cons.Consume(ctx, handle)
		if cerr := cons.Close(); cerr != nil {
			slog.Warn("close unit consumer", "topic", topic, "error", cerr.Error())
		}
		if ctx.Err() != nil {
			return
		}
		slog.Error("unit consumer stopped, restarting", "topic", topic, "error", errString(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
