package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kculz/Qonvey-sub001/internal/broker/messages"
	"github.com/kculz/Qonvey-sub001/internal/models"
)

type BidExpirer interface {
	ExpireBids(ctx context.Context, now time.Time) ([]*models.Bid, error)
}

type LoadExpirer interface {
	ExpireLoads(ctx context.Context, now time.Time) ([]*models.Load, error)
}

type Producer interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// Sweeper periodically expires stale bids and loads and announces each one.
// Expiry itself is a conditional update, so overlapping sweeps and live
// traffic never expire the same row twice.
type Sweeper struct {
	bids     BidExpirer
	loads    LoadExpirer
	producer Producer

	bidTopic  string
	loadTopic string

	interval        time.Duration
	publishAttempts int
	retryDelay      time.Duration

	now       func() time.Time
	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalCycles         atomic.Int64
	totalExpiredBids    atomic.Int64
	totalExpiredLoads   atomic.Int64
	totalPublished      atomic.Int64
	totalErrors         atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(bids BidExpirer, loads LoadExpirer, producer Producer, bidTopic, loadTopic string) *Sweeper {
	return &Sweeper{
		bids:              bids,
		loads:             loads,
		producer:          producer,
		bidTopic:          bidTopic,
		loadTopic:         loadTopic,
		interval:          time.Minute,
		publishAttempts:   10,
		retryDelay:        150 * time.Millisecond,
		now:               func() time.Time { return time.Now().UTC() },
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (s *Sweeper) WithSettings(interval time.Duration, publishAttempts int, retryDelay time.Duration) *Sweeper {
	if interval > 0 {
		s.interval = interval
	}
	if publishAttempts > 0 {
		s.publishAttempts = publishAttempts
	}
	if retryDelay > 0 {
		s.retryDelay = retryDelay
	}
	return s
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	if now != nil {
		s.now = now
	}
	return s
}

// Trigger forces an immediate sweep (best-effort, non-blocking).
func (s *Sweeper) Trigger() {
	s.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt         time.Time  `json:"startedAt"`
	LastCycleAt       *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt     *time.Time `json:"lastTriggerAt,omitempty"`
	TotalCycles       int64      `json:"totalCycles"`
	TotalExpiredBids  int64      `json:"totalExpiredBids"`
	TotalExpiredLoads int64      `json:"totalExpiredLoads"`
	TotalPublished    int64      `json:"totalPublished"`
	TotalErrors       int64      `json:"totalErrors"`
	LastError         string     `json:"lastError,omitempty"`
}

func (s *Sweeper) Stats() Stats {
	st := Stats{
		StartedAt:         time.Unix(0, s.startedAtUnixNano).UTC(),
		TotalCycles:       s.totalCycles.Load(),
		TotalExpiredBids:  s.totalExpiredBids.Load(),
		TotalExpiredLoads: s.totalExpiredLoads.Load(),
		TotalPublished:    s.totalPublished.Load(),
		TotalErrors:       s.totalErrors.Load(),
	}
	if n := s.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := s.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.runOnce(ctx)
		case <-s.triggerCh:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	now := s.now()
	s.lastCycleUnixNano.Store(time.Now().UTC().UnixNano())
	s.totalCycles.Add(1)

	bids, err := s.bids.ExpireBids(ctx, now)
	if err != nil {
		s.fail("expire bids", err)
	} else {
		s.totalExpiredBids.Add(int64(len(bids)))
		for _, b := range bids {
			s.publish(ctx, s.bidTopic, b.ID, messages.BidExpired{
				BidID:     b.ID,
				LoadID:    b.LoadID,
				DriverID:  b.DriverID,
				ExpiredAt: now,
			})
		}
	}

	loads, err := s.loads.ExpireLoads(ctx, now)
	if err != nil {
		s.fail("expire loads", err)
	} else {
		s.totalExpiredLoads.Add(int64(len(loads)))
		for _, l := range loads {
			s.publish(ctx, s.loadTopic, l.ID, messages.LoadExpired{
				LoadID:    l.ID,
				OwnerID:   l.OwnerID,
				ExpiredAt: now,
			})
		}
	}

	if len(bids) > 0 || len(loads) > 0 {
		slog.Info("sweep finished", "expired_bids", len(bids), "expired_loads", len(loads))
	}
}

// publish retries with a growing delay: Kafka may not be ready right after
// the stack starts. The expiry itself is already committed either way.
func (s *Sweeper) publish(ctx context.Context, topic, key string, v any) {
	if s.producer == nil || topic == "" {
		return
	}
	var pubErr error
	for i := 0; i < s.publishAttempts; i++ {
		if pubErr = s.producer.PublishJSON(ctx, topic, key, v); pubErr == nil {
			s.totalPublished.Add(1)
			return
		}
		select {
		case <-ctx.Done():
			s.fail("publish "+topic, ctx.Err())
			return
		case <-time.After(s.retryDelay * time.Duration(i+1)):
		}
	}
	s.fail("publish "+topic, pubErr)
}

func (s *Sweeper) fail(what string, err error) {
	s.totalErrors.Add(1)
	s.lastErrorMu.Lock()
	s.lastError = what + ": " + err.Error()
	s.lastErrorMu.Unlock()
	slog.Error(what, "error", err.Error())
}
