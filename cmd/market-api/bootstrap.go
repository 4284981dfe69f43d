package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kculz/Qonvey-sub001/config"
	"github.com/kculz/Qonvey-sub001/internal/api/market_api"
	"github.com/kculz/Qonvey-sub001/internal/broker/kafka"
	"github.com/kculz/Qonvey-sub001/internal/broker/rabbitmq"
	"github.com/kculz/Qonvey-sub001/internal/cache/rediscache"
	"github.com/kculz/Qonvey-sub001/internal/plans"
	"github.com/kculz/Qonvey-sub001/internal/services/assignment"
	"github.com/kculz/Qonvey-sub001/internal/services/bids"
	"github.com/kculz/Qonvey-sub001/internal/services/loads"
	"github.com/kculz/Qonvey-sub001/internal/services/notify"
	"github.com/kculz/Qonvey-sub001/internal/services/quota"
	"github.com/kculz/Qonvey-sub001/internal/services/trips"
	"github.com/kculz/Qonvey-sub001/internal/services/vehicles"
	"github.com/kculz/Qonvey-sub001/internal/storage/pgmarket"
)

type marketAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     marketAPIOpts
	handler  http.Handler
	trips    *trips.Service
	consumer *kafka.Consumer
	closers  []func()
}

func mustBootstrapMarketAPI() *marketAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("failed to parse config, %v", err))
	}

	httpAddr := cfg.Market.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.Kafka.LocationConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "market-api"
	}
	topic := cfg.Kafka.LocationTopicName
	if topic == "" {
		topic = "trip.location-reported"
	}
	statsTTL := time.Duration(cfg.Market.BidStatsTTLSeconds) * time.Second
	if statsTTL <= 0 {
		statsTTL = 30 * time.Second
	}
	defaultBidTTL := time.Duration(cfg.Market.DefaultBidTTLHours) * time.Hour
	rlPerMin := int64(cfg.Market.RateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 120
	}

	app := &marketAPIApp{}

	st := mustOpenPostgresWithRetry(cfg.Database.DSN(), 60*time.Second)
	app.closers = append(app.closers, st.Close)

	rc := rediscache.New(cfg.Redis.Addr())
	rl := rediscache.NewRateLimiter(cfg.Redis.Addr())
	app.closers = append(app.closers, func() { _ = rc.Close() }, func() { _ = rl.Close() })

	dispatcher := notify.New(nil)
	if pub, closeFn := openNotificationQueue(cfg.RabbitMQ); pub != nil {
		dispatcher = notify.New(pub)
		app.closers = append(app.closers, closeFn, dispatcher.Close)
	}

	gate := quota.New(st, plans.NewCatalog(cfg.Plans))
	bidSvc := bids.New(st, gate, dispatcher).
		WithCache(rc, statsTTL).
		WithDefaultTTL(defaultBidTTL)
	tripSvc := trips.New(st, dispatcher)

	api := market_api.New(market_api.Services{
		Loads:      loads.New(st, gate),
		Bids:       bidSvc,
		Assignment: assignment.New(st, dispatcher, bidSvc),
		Trips:      tripSvc,
		Vehicles:   vehicles.New(st, gate),
		Quota:      gate,
	}).
		WithRateLimit(rl, rlPerMin).
		WithReadiness(st.Ping)

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers(), topic, consumerGroup).
		WithRetry(5, 500*time.Millisecond)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	app.ctx = ctx
	app.cancel = cancel
	app.opts = marketAPIOpts{
		httpAddr:      httpAddr,
		swaggerPath:   swaggerPath,
		topic:         topic,
		consumerGroup: consumerGroup,
	}
	app.handler = api.Handler()
	app.trips = tripSvc
	app.consumer = consumer
	return app
}

// openNotificationQueue connects to RabbitMQ. Notifications are optional: when
// the broker is not configured or unreachable the API runs without them.
func openNotificationQueue(cfg config.RabbitMQConfig) (*rabbitmq.QueuePublisher, func()) {
	url := cfg.URL()
	if url == "" {
		slog.Warn("rabbitmq not configured, notifications disabled")
		return nil, nil
	}
	queue := cfg.NotificationQueue
	if queue == "" {
		queue = "notifications"
	}
	client, err := rabbitmq.Dial(url)
	if err != nil {
		slog.Warn("rabbitmq unavailable, notifications disabled", "error", err.Error())
		return nil, nil
	}
	pub, err := rabbitmq.NewQueuePublisher(client, queue)
	if err != nil {
		_ = client.Close()
		slog.Warn("declare notification queue failed, notifications disabled", "error", err.Error())
		return nil, nil
	}
	return pub, func() { _ = client.Close() }
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgmarket.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgmarket.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *marketAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *marketAPIApp) Run() error {
	return runMarketAPI(a.ctx, a.opts, a.handler, a.trips, a.consumer)
}
