// Package memmarket is an in-memory storage.Store. Transactions are serialized
// by one mutex and applied to a copy of the state that replaces the live state
// only when the callback succeeds, so a failed callback leaves nothing behind.
package memmarket

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kculz/Qonvey-sub001/internal/models"
	"github.com/kculz/Qonvey-sub001/internal/storage"
	"github.com/pkg/errors"
)

type state struct {
	loads    map[string]*models.Load
	bids     map[string]*models.Bid
	trips    map[string]*models.Trip
	routes   map[string][]models.RoutePoint
	vehicles map[string]*models.Vehicle
	subs     map[string]*models.Subscription
}

func newState() *state {
	return &state{
		loads:    map[string]*models.Load{},
		bids:     map[string]*models.Bid{},
		trips:    map[string]*models.Trip{},
		routes:   map[string][]models.RoutePoint{},
		vehicles: map[string]*models.Vehicle{},
		subs:     map[string]*models.Subscription{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.loads {
		c.loads[k] = cloneLoad(v)
	}
	for k, v := range s.bids {
		b := *v
		c.bids[k] = &b
	}
	for k, v := range s.trips {
		t := *v
		c.trips[k] = &t
	}
	for k, v := range s.routes {
		c.routes[k] = append([]models.RoutePoint(nil), v...)
	}
	for k, v := range s.vehicles {
		vv := *v
		c.vehicles[k] = &vv
	}
	for k, v := range s.subs {
		ss := *v
		c.subs[k] = &ss
	}
	return c
}

func cloneLoad(l *models.Load) *models.Load {
	c := *l
	c.VehicleTypes = append([]models.VehicleType(nil), l.VehicleTypes...)
	return &c
}

type Store struct {
	mu sync.Mutex
	st *state

	failMu sync.Mutex
	fail   map[string]error
}

var (
	_ storage.Store = (*Store)(nil)
	_ storage.Tx    = (*view)(nil)
)

func New() *Store {
	return &Store{st: newState(), fail: map[string]error{}}
}

// FailNext makes the next call of the named Tx operation return err.
func (s *Store) FailNext(op string, err error) {
	s.failMu.Lock()
	s.fail[op] = err
	s.failMu.Unlock()
}

func (s *Store) injected(op string) error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	err, ok := s.fail[op]
	if ok {
		delete(s.fail, op)
	}
	return err
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(ctx, &view{st: work, store: s}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) read() *view {
	return &view{st: s.st, store: s}
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) GetLoad(ctx context.Context, id string) (*models.Load, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().GetLoad(ctx, id)
}

func (s *Store) ListOpenLoads(ctx context.Context, f models.LoadFilter) ([]*models.Load, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Load
	for _, l := range s.st.loads {
		if l.Status != models.LoadStatusOpen {
			continue
		}
		if f.VehicleType != "" && !l.Accepts(f.VehicleType) {
			continue
		}
		out = append(out, cloneLoad(l))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PublishedAt.Equal(out[j].PublishedAt) {
			return out[i].PublishedAt.After(out[j].PublishedAt)
		}
		return out[i].ID < out[j].ID
	})
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if f.Offset >= len(out) {
		return []*models.Load{}, nil
	}
	out = out[f.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListLoadsByOwner(ctx context.Context, ownerID string) ([]*models.Load, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Load, 0)
	for _, l := range s.st.loads {
		if l.OwnerID == ownerID {
			out = append(out, cloneLoad(l))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetBid(ctx context.Context, id string) (*models.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().GetBid(ctx, id)
}

func (s *Store) ListBidsForLoad(ctx context.Context, loadID string) ([]*models.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Bid, 0)
	for _, b := range s.st.bids {
		if b.LoadID == loadID {
			bb := *b
			out = append(out, &bb)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProposedPrice != out[j].ProposedPrice {
			return out[i].ProposedPrice < out[j].ProposedPrice
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ListBidsForDriver(ctx context.Context, driverID string, status *models.BidStatus) ([]*models.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Bid, 0)
	for _, b := range s.st.bids {
		if b.DriverID != driverID {
			continue
		}
		if status != nil && b.Status != *status {
			continue
		}
		bb := *b
		out = append(out, &bb)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().GetTrip(ctx, id)
}

func (s *Store) ListRoute(ctx context.Context, tripID string) ([]models.RoutePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.RoutePoint{}, s.st.routes[tripID]...), nil
}

func (s *Store) ListTripsForDriver(ctx context.Context, driverID string) ([]*models.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Trip, 0)
	for _, t := range s.st.trips {
		if t.DriverID == driverID {
			tt := *t
			out = append(out, &tt)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ListVehicles(ctx context.Context, ownerID string) ([]*models.Vehicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Vehicle, 0)
	for _, v := range s.st.vehicles {
		if v.OwnerID == ownerID {
			vv := *v
			out = append(out, &vv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ExpireBids(ctx context.Context, now time.Time) ([]*models.Bid, error) {
	if err := s.injected("ExpireBids"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	reason := models.RejectReasonExpired
	out := make([]*models.Bid, 0)
	for _, b := range s.st.bids {
		if b.Status != models.BidStatusPending || b.ExpiresAt == nil || b.ExpiresAt.After(now) {
			continue
		}
		b.Status = models.BidStatusRejected
		b.RejectReason = &reason
		b.UpdatedAt = now
		bb := *b
		out = append(out, &bb)
	}
	return out, nil
}

func (s *Store) ExpireLoads(ctx context.Context, now time.Time) ([]*models.Load, error) {
	if err := s.injected("ExpireLoads"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Load, 0)
	for _, l := range s.st.loads {
		if l.Status != models.LoadStatusOpen || l.ExpiresAt == nil || l.ExpiresAt.After(now) {
			continue
		}
		l.Status = models.LoadStatusExpired
		l.UpdatedAt = now
		out = append(out, cloneLoad(l))
	}
	return out, nil
}

func notFound(what, id string) error {
	return errors.Wrapf(storage.ErrNotFound, "%s %s", what, id)
}

func duplicate(what string) error {
	return errors.Wrap(storage.ErrDuplicate, what)
}
