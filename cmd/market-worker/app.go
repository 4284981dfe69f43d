package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kculz/Qonvey-sub001/config"
	"github.com/kculz/Qonvey-sub001/internal/broker/kafka"
	"github.com/kculz/Qonvey-sub001/internal/cache"
	"github.com/kculz/Qonvey-sub001/internal/cache/rediscache"
	"github.com/kculz/Qonvey-sub001/internal/plans"
	"github.com/kculz/Qonvey-sub001/internal/services/bids"
	"github.com/kculz/Qonvey-sub001/internal/services/loads"
	"github.com/kculz/Qonvey-sub001/internal/services/quota"
	"github.com/kculz/Qonvey-sub001/internal/services/sweeper"
	"github.com/kculz/Qonvey-sub001/internal/storage"
	"github.com/kculz/Qonvey-sub001/internal/storage/pgmarket"
)

type workerFactories struct {
	newStorage  func(cfg *config.Config) (store storage.Store, closeFn func(), err error)
	newProducer func(cfg *config.Config) sweeper.Producer
	newCache    func(cfg *config.Config) cache.BytesCache
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (storage.Store, func(), error) {
			st, err := pgmarket.New(cfg.Database.DSN())
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) sweeper.Producer {
			return kafka.NewProducer(cfg.Kafka.Brokers())
		},
		newCache: func(cfg *config.Config) cache.BytesCache {
			return rediscache.New(cfg.Redis.Addr())
		},
	}
}

// RunMarketWorker sweeps expired bids and loads until ctx is cancelled. When
// httpOpts.swaggerPath is set the operational HTTP server runs alongside.
func RunMarketWorker(ctx context.Context, cfg *config.Config, f workerFactories, httpOpts workerHTTPOpts) error {
	bidTopic := cfg.Kafka.BidExpiredTopicName
	if bidTopic == "" {
		bidTopic = "market.bid-expired"
	}
	loadTopic := cfg.Kafka.LoadExpiredTopicName
	if loadTopic == "" {
		loadTopic = "market.load-expired"
	}

	interval := time.Duration(cfg.Market.SweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	attempts := cfg.Market.PublishAttempts
	if attempts <= 0 {
		attempts = 10
	}

	store, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	gate := quota.New(store, plans.NewCatalog(cfg.Plans))
	bidSvc := bids.New(store, gate, nil)
	if f.newCache != nil {
		if c := f.newCache(cfg); c != nil {
			bidSvc.WithCache(c, 0)
		}
	}
	loadSvc := loads.New(store, gate)

	var producer sweeper.Producer
	if f.newProducer != nil {
		producer = f.newProducer(cfg)
	}

	sw := sweeper.New(bidSvc, loadSvc, producer, bidTopic, loadTopic).
		WithSettings(interval, attempts, 0)

	if httpOpts.swaggerPath != "" {
		httpOpts.sweeper = sw
		httpOpts.cfg = cfg
		go func() {
			if err := runWorkerHTTPServer(ctx, httpOpts); err != nil && ctx.Err() == nil {
				slog.Error("worker http server stopped", "error", err.Error())
			}
		}()
	}

	slog.Info("sweeper started", "interval", interval.String(), "bid_topic", bidTopic, "load_topic", loadTopic)
	return sw.Run(ctx)
}
