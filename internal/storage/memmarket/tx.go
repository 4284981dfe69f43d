package memmarket

import (
	"context"
	"time"

	"github.com/kculz/Qonvey-sub001/internal/models"
	"github.com/pkg/errors"
)

// view runs Tx operations against one state snapshot.
type view struct {
	st    *state
	store *Store
}

func (v *view) GetLoad(ctx context.Context, id string) (*models.Load, error) {
	l, ok := v.st.loads[id]
	if !ok {
		return nil, notFound("load", id)
	}
	return cloneLoad(l), nil
}

func (v *view) LockLoad(ctx context.Context, id string) (*models.Load, error) {
	if err := v.store.injected("LockLoad"); err != nil {
		return nil, err
	}
	return v.GetLoad(ctx, id)
}

func (v *view) InsertLoad(ctx context.Context, l *models.Load) error {
	if err := v.store.injected("InsertLoad"); err != nil {
		return err
	}
	if _, ok := v.st.loads[l.ID]; ok {
		return duplicate("loads_pkey")
	}
	v.st.loads[l.ID] = cloneLoad(l)
	return nil
}

func (v *view) SetLoadStatus(ctx context.Context, id string, from, to models.LoadStatus, at time.Time) (bool, error) {
	if err := v.store.injected("SetLoadStatus"); err != nil {
		return false, err
	}
	l, ok := v.st.loads[id]
	if !ok || l.Status != from {
		return false, nil
	}
	l.Status = to
	l.UpdatedAt = at
	return true, nil
}

func (v *view) GetBid(ctx context.Context, id string) (*models.Bid, error) {
	b, ok := v.st.bids[id]
	if !ok {
		return nil, notFound("bid", id)
	}
	bb := *b
	return &bb, nil
}

func (v *view) LockBid(ctx context.Context, id string) (*models.Bid, error) {
	return v.GetBid(ctx, id)
}

func (v *view) HasPendingBid(ctx context.Context, loadID, driverID string) (bool, error) {
	for _, b := range v.st.bids {
		if b.LoadID == loadID && b.DriverID == driverID && b.Status == models.BidStatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (v *view) InsertBid(ctx context.Context, b *models.Bid) error {
	if err := v.store.injected("InsertBid"); err != nil {
		return err
	}
	if _, ok := v.st.bids[b.ID]; ok {
		return duplicate("bids_pkey")
	}
	if b.Status == models.BidStatusPending {
		if pending, _ := v.HasPendingBid(ctx, b.LoadID, b.DriverID); pending {
			return duplicate("uq_bids_pending_driver")
		}
	}
	bb := *b
	v.st.bids[b.ID] = &bb
	return nil
}

func (v *view) SetBidStatus(ctx context.Context, id string, to models.BidStatus, reason *string, at time.Time) (bool, error) {
	if err := v.store.injected("SetBidStatus"); err != nil {
		return false, err
	}
	b, ok := v.st.bids[id]
	if !ok || b.Status != models.BidStatusPending {
		return false, nil
	}
	if to == models.BidStatusAccepted {
		for _, other := range v.st.bids {
			if other.LoadID == b.LoadID && other.Status == models.BidStatusAccepted {
				return false, duplicate("uq_bids_accepted_load")
			}
		}
	}
	b.Status = to
	b.RejectReason = reason
	b.UpdatedAt = at
	return true, nil
}

func (v *view) UpdateBidTerms(ctx context.Context, b *models.Bid) error {
	cur, ok := v.st.bids[b.ID]
	if !ok || cur.Status != models.BidStatusPending {
		return notFound("pending bid", b.ID)
	}
	cur.ProposedPrice = b.ProposedPrice
	cur.VehicleID = b.VehicleID
	cur.Message = b.Message
	cur.ExpiresAt = b.ExpiresAt
	cur.UpdatedAt = b.UpdatedAt
	return nil
}

func (v *view) RejectPendingBids(ctx context.Context, loadID, exceptBidID, reason string, at time.Time) ([]*models.Bid, error) {
	if err := v.store.injected("RejectPendingBids"); err != nil {
		return nil, err
	}
	out := make([]*models.Bid, 0)
	for _, b := range v.st.bids {
		if b.LoadID != loadID || b.ID == exceptBidID || b.Status != models.BidStatusPending {
			continue
		}
		r := reason
		b.Status = models.BidStatusRejected
		b.RejectReason = &r
		b.UpdatedAt = at
		bb := *b
		out = append(out, &bb)
	}
	return out, nil
}

func (v *view) GetVehicle(ctx context.Context, id string) (*models.Vehicle, error) {
	veh, ok := v.st.vehicles[id]
	if !ok {
		return nil, notFound("vehicle", id)
	}
	vv := *veh
	return &vv, nil
}

func (v *view) CountActiveVehicles(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	for _, veh := range v.st.vehicles {
		if veh.OwnerID == ownerID && veh.Active {
			n++
		}
	}
	return n, nil
}

func (v *view) InsertVehicle(ctx context.Context, veh *models.Vehicle) error {
	for _, other := range v.st.vehicles {
		if other.ID == veh.ID {
			return duplicate("vehicles_pkey")
		}
		if other.Active && veh.Active && other.PlateNumber == veh.PlateNumber {
			return duplicate("uq_vehicles_active_plate")
		}
	}
	vv := *veh
	v.st.vehicles[veh.ID] = &vv
	return nil
}

func (v *view) SetVehicleActive(ctx context.Context, id string, active bool) error {
	veh, ok := v.st.vehicles[id]
	if !ok {
		return notFound("vehicle", id)
	}
	veh.Active = active
	return nil
}

func (v *view) InsertTrip(ctx context.Context, t *models.Trip) error {
	if err := v.store.injected("InsertTrip"); err != nil {
		return err
	}
	for _, other := range v.st.trips {
		if other.ID == t.ID || other.LoadID == t.LoadID || other.BidID == t.BidID {
			return duplicate("trips_load_id_key")
		}
	}
	tt := *t
	tt.Route = nil
	v.st.trips[t.ID] = &tt
	return nil
}

func (v *view) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	t, ok := v.st.trips[id]
	if !ok {
		return nil, notFound("trip", id)
	}
	tt := *t
	return &tt, nil
}

func (v *view) LockTrip(ctx context.Context, id string) (*models.Trip, error) {
	return v.GetTrip(ctx, id)
}

func (v *view) UpdateTrip(ctx context.Context, t *models.Trip) error {
	if err := v.store.injected("UpdateTrip"); err != nil {
		return err
	}
	cur, ok := v.st.trips[t.ID]
	if !ok {
		return notFound("trip", t.ID)
	}
	cur.Status = t.Status
	cur.StartedAt = t.StartedAt
	cur.CompletedAt = t.CompletedAt
	cur.CancelledAt = t.CancelledAt
	cur.CancelReason = t.CancelReason
	cur.UpdatedAt = t.UpdatedAt
	return nil
}

func (v *view) AppendRoutePoint(ctx context.Context, tripID string, lat, lng float64, at time.Time, reportedAt *time.Time) (models.RoutePoint, error) {
	if err := v.store.injected("AppendRoutePoint"); err != nil {
		return models.RoutePoint{}, err
	}
	if _, ok := v.st.trips[tripID]; !ok {
		return models.RoutePoint{}, notFound("trip", tripID)
	}
	p := models.RoutePoint{Seq: len(v.st.routes[tripID]) + 1, Lat: lat, Lng: lng, RecordedAt: at.UTC()}
	if reportedAt != nil {
		if _, dup, _ := v.FindReportedPoint(ctx, tripID, *reportedAt); dup {
			return models.RoutePoint{}, duplicate("uq_route_points_reported")
		}
		r := reportedAt.UTC()
		p.ReportedAt = &r
	}
	v.st.routes[tripID] = append(v.st.routes[tripID], p)
	return p, nil
}

func (v *view) FindReportedPoint(ctx context.Context, tripID string, reportedAt time.Time) (models.RoutePoint, bool, error) {
	for _, p := range v.st.routes[tripID] {
		if p.ReportedAt != nil && p.ReportedAt.Equal(reportedAt) {
			return p, true, nil
		}
	}
	return models.RoutePoint{}, false, nil
}

func (v *view) GetSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	s, ok := v.st.subs[userID]
	if !ok {
		return nil, notFound("subscription", userID)
	}
	ss := *s
	return &ss, nil
}

func (v *view) LockSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	return v.GetSubscription(ctx, userID)
}

func (v *view) CreateSubscription(ctx context.Context, s *models.Subscription) error {
	if _, ok := v.st.subs[s.UserID]; ok {
		return nil
	}
	ss := *s
	v.st.subs[s.UserID] = &ss
	return nil
}

func (v *view) ResetUsage(ctx context.Context, userID string, expected, now time.Time) (bool, error) {
	s, ok := v.st.subs[userID]
	if !ok || !s.UsageResetAt.Equal(expected) {
		return false, nil
	}
	s.LoadsThisMonth = 0
	s.BidsThisMonth = 0
	s.UsageResetAt = now
	return true, nil
}

func (v *view) IncrementUsage(ctx context.Context, userID string, action models.Action, limit int64) (bool, error) {
	if err := v.store.injected("IncrementUsage"); err != nil {
		return false, err
	}
	s, ok := v.st.subs[userID]
	if !ok {
		return false, nil
	}
	var counter *int64
	switch action {
	case models.ActionPostLoad:
		counter = &s.LoadsThisMonth
	case models.ActionPlaceBid:
		counter = &s.BidsThisMonth
	default:
		return false, errors.Errorf("action %s has no monthly counter", action)
	}
	if limit >= 0 && *counter >= limit {
		return false, nil
	}
	*counter++
	return true, nil
}

// Subscription returns a copy of the stored subscription, for assertions.
func (s *Store) Subscription(userID string) (*models.Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.st.subs[userID]
	if !ok {
		return nil, false
	}
	c := *sub
	return &c, true
}

// PutSubscription overwrites a user's subscription, for test setup.
func (s *Store) PutSubscription(sub models.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.subs[sub.UserID] = &sub
}

// PutVehicle stores a vehicle directly, for test setup.
func (s *Store) PutVehicle(v models.Vehicle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.vehicles[v.ID] = &v
}
