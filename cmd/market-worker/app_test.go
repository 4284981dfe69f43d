package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kculz/Qonvey-sub001/config"
	"github.com/kculz/Qonvey-sub001/internal/cache"
	"github.com/kculz/Qonvey-sub001/internal/models"
	"github.com/kculz/Qonvey-sub001/internal/services/sweeper"
	"github.com/kculz/Qonvey-sub001/internal/storage"
	"github.com/kculz/Qonvey-sub001/internal/storage/memmarket"
	"github.com/stretchr/testify/require"
)

type recordingProducer struct {
	mu     sync.Mutex
	topics []string
	keys   []string
}

func (p *recordingProducer) PublishJSON(ctx context.Context, topic, key string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.keys = append(p.keys, key)
	return nil
}

func (p *recordingProducer) snapshot() ([]string, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...), append([]string(nil), p.keys...)
}

func TestDefaultWorkerFactories_ProducerAndCache_NonNil(t *testing.T) {
	f := defaultWorkerFactories()
	cfg := &config.Config{
		Kafka: config.KafkaConfig{Host: "localhost", Port: 9092},
		Redis: config.RedisConfig{Host: "localhost", Port: 6379},
	}
	require.NotNil(t, f.newProducer(cfg))
	require.NotNil(t, f.newCache(cfg))
}

func TestRunMarketWorker_ContextCanceled(t *testing.T) {
	calledClose := false

	f := workerFactories{
		newStorage: func(cfg *config.Config) (storage.Store, func(), error) {
			return memmarket.New(), func() { calledClose = true }, nil
		},
		newProducer: func(cfg *config.Config) sweeper.Producer {
			return &recordingProducer{}
		},
		newCache: func(cfg *config.Config) cache.BytesCache { return nil },
	}

	cfg := &config.Config{Market: config.MarketConfig{SweepIntervalSeconds: 1}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunMarketWorker(ctx, cfg, f, workerHTTPOpts{})
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, calledClose)
}

func TestRunMarketWorker_TriggerExpiresLoads(t *testing.T) {
	dir := t.TempDir()
	sw := filepath.Join(dir, "worker-swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))

	store := memmarket.New()
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertLoad(ctx, &models.Load{
			ID:           "L1",
			OwnerID:      "owner",
			Title:        "Maize",
			WeightKg:     1000,
			VehicleTypes: []models.VehicleType{models.VehicleTypeMediumTruck},
			Currency:     "USD",
			Status:       models.LoadStatusOpen,
			ExpiresAt:    &past,
			PublishedAt:  past.Add(-time.Hour),
			CreatedAt:    past.Add(-time.Hour),
			UpdatedAt:    past.Add(-time.Hour),
		})
	}))

	prod := &recordingProducer{}
	f := workerFactories{
		newStorage: func(cfg *config.Config) (storage.Store, func(), error) {
			return store, nil, nil
		},
		newProducer: func(cfg *config.Config) sweeper.Producer { return prod },
	}
	cfg := &config.Config{Market: config.MarketConfig{SweepIntervalSeconds: 3600}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	opts := workerHTTPOpts{
		httpAddr:    "127.0.0.1:0",
		swaggerPath: sw,
		onListen:    func(httpAddr string) { addrCh <- httpAddr },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- RunMarketWorker(ctx, cfg, f, opts) }()

	addr := <-addrCh
	base := "http://" + addr

	require.Eventually(t, func() bool {
		resp, err := http.Post(base+"/trigger", "application/json", nil)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/stats")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var st sweeper.Stats
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return false
		}
		return st.TotalExpiredLoads == 1 && st.TotalPublished == 1
	}, 2*time.Second, 20*time.Millisecond)

	topics, keys := prod.snapshot()
	require.Equal(t, []string{"market.load-expired"}, topics)
	require.Equal(t, []string{"L1"}, keys)

	l, err := store.GetLoad(context.Background(), "L1")
	require.NoError(t, err)
	require.Equal(t, models.LoadStatusExpired, l.Status)

	resp, err := http.Get(base + "/config")
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	_ = resp.Body.Close()
	require.EqualValues(t, 3600, out["sweepIntervalSeconds"])

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
}
