package bids

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kculz/Qonvey-sub001/internal/apperr"
	"github.com/kculz/Qonvey-sub001/internal/cache"
	"github.com/kculz/Qonvey-sub001/internal/models"
	"github.com/kculz/Qonvey-sub001/internal/services/loads"
	"github.com/kculz/Qonvey-sub001/internal/services/quota"
	"github.com/kculz/Qonvey-sub001/internal/storage"
	"github.com/pkg/errors"
)

const (
	defaultStatsTTL = 30 * time.Second
	statsGenTTL     = 24 * time.Hour
)

type Notifier interface {
	NotifyNewBid(ctx context.Context, ownerID, loadTitle string, price float64, bidderName string)
	NotifyBidRejected(ctx context.Context, driverID, loadTitle, reason string)
}

type PlaceBidInput struct {
	DriverID   string
	DriverName string
	LoadID     string
	Price      float64
	VehicleID  *string
	Message    string
	ExpiresAt  *time.Time
}

type Service struct {
	store    storage.Store
	gate     *quota.Gate
	notifier Notifier

	cache      cache.BytesCache
	statsTTL   time.Duration
	defaultTTL time.Duration

	now func() time.Time
}

func New(store storage.Store, gate *quota.Gate, notifier Notifier) *Service {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Service{
		store:    store,
		gate:     gate,
		notifier: notifier,
		statsTTL: defaultStatsTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithCache enables caching of BidStats results for ttl.
func (s *Service) WithCache(c cache.BytesCache, ttl time.Duration) *Service {
	s.cache = c
	if ttl > 0 {
		s.statsTTL = ttl
	}
	return s
}

// WithDefaultTTL sets the expiry given to bids placed without one. Zero disables it.
func (s *Service) WithDefaultTTL(d time.Duration) *Service {
	s.defaultTTL = d
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// PlaceBid records a PENDING bid and charges the driver's monthly bid quota.
// The load row stays locked for the whole insert, so a bid cannot land on a
// load that is being accepted.
func (s *Service) PlaceBid(ctx context.Context, in PlaceBidInput) (*models.Bid, error) {
	now := s.now()
	if in.DriverID == "" || in.LoadID == "" {
		return nil, apperr.Validation(apperr.ReasonInvalidInput, "driver id and load id are required")
	}
	if in.Price <= 0 {
		return nil, apperr.Validation(apperr.ReasonInvalidPrice, "proposed price must be positive")
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return nil, apperr.Validation(apperr.ReasonInvalidInput, "expiresAt must be in the future")
	}
	if in.VehicleID != nil && *in.VehicleID == "" {
		in.VehicleID = nil
	}
	expiresAt := in.ExpiresAt
	if expiresAt == nil && s.defaultTTL > 0 {
		e := now.Add(s.defaultTTL)
		expiresAt = &e
	}

	dec, err := s.gate.Check(ctx, in.DriverID, models.ActionPlaceBid)
	if err != nil {
		return nil, err
	}
	if !dec.Allowed {
		return nil, quota.Deny(dec)
	}

	bid := &models.Bid{
		ID:            uuid.NewString(),
		LoadID:        in.LoadID,
		DriverID:      in.DriverID,
		VehicleID:     in.VehicleID,
		ProposedPrice: in.Price,
		Message:       strings.TrimSpace(in.Message),
		Status:        models.BidStatusPending,
		ExpiresAt:     expiresAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var load *models.Load
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		l, err := tx.LockLoad(ctx, in.LoadID)
		if err != nil {
			return loads.NotFound(err, in.LoadID)
		}
		if l.Status != models.LoadStatusOpen {
			return apperr.InvalidState(apperr.ReasonLoadNotOpen, fmt.Sprintf("load %s is %s", l.ID, l.Status))
		}
		if l.OwnerID == in.DriverID {
			return apperr.Validation(apperr.ReasonCannotBidOwnLoad, "cannot bid on your own load")
		}
		pending, err := tx.HasPendingBid(ctx, l.ID, in.DriverID)
		if err != nil {
			return err
		}
		if pending {
			return apperr.Conflict(apperr.ReasonDuplicatePending, "you already have a pending bid on this load", nil)
		}
		if in.VehicleID != nil {
			if err := checkVehicle(ctx, tx, l, in.DriverID, *in.VehicleID); err != nil {
				return err
			}
		}
		if err := tx.InsertBid(ctx, bid); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return apperr.Conflict(apperr.ReasonDuplicatePending, "you already have a pending bid on this load", err)
			}
			return err
		}
		if _, err := s.gate.Consume(ctx, tx, in.DriverID, models.ActionPlaceBid); err != nil {
			return err
		}
		load = l
		return nil
	})
	if err != nil {
		return nil, apperr.FromTx(err)
	}

	s.InvalidateStats(ctx, load.ID)
	s.notifier.NotifyNewBid(ctx, load.OwnerID, load.Title, bid.ProposedPrice, in.DriverName)
	return bid, nil
}

func (s *Service) WithdrawBid(ctx context.Context, bidID, driverID string) (*models.Bid, error) {
	var out *models.Bid
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		b, err := tx.LockBid(ctx, bidID)
		if err != nil {
			return NotFound(err, bidID)
		}
		if b.DriverID != driverID {
			return apperr.Unauthorized(apperr.ReasonNotBidOwner, "only the bidding driver can withdraw this bid")
		}
		if err := setStatus(ctx, tx, b, models.BidStatusWithdrawn, nil, s.now()); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, apperr.FromTx(err)
	}
	s.InvalidateStats(ctx, out.LoadID)
	return out, nil
}

// RejectBid lets the load owner turn down one pending bid.
func (s *Service) RejectBid(ctx context.Context, bidID, ownerID, reason string) (*models.Bid, error) {
	reason = strings.TrimSpace(reason)
	var (
		out  *models.Bid
		load *models.Load
	)
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		l, b, err := lockLoadAndBid(ctx, tx, bidID)
		if err != nil {
			return err
		}
		if l.OwnerID != ownerID {
			return apperr.Unauthorized(apperr.ReasonNotLoadOwner, "only the load owner can reject bids")
		}
		var r *string
		if reason != "" {
			r = &reason
		}
		if err := setStatus(ctx, tx, b, models.BidStatusRejected, r, s.now()); err != nil {
			return err
		}
		out, load = b, l
		return nil
	})
	if err != nil {
		return nil, apperr.FromTx(err)
	}
	s.InvalidateStats(ctx, load.ID)
	s.notifier.NotifyBidRejected(ctx, out.DriverID, load.Title, reason)
	return out, nil
}

// UpdateBid changes the terms of a pending bid while its load is still open.
func (s *Service) UpdateBid(ctx context.Context, bidID, driverID string, patch models.BidPatch) (*models.Bid, error) {
	now := s.now()
	if patch.Empty() {
		return nil, apperr.Validation(apperr.ReasonInvalidInput, "nothing to update")
	}
	if patch.ProposedPrice != nil && *patch.ProposedPrice <= 0 {
		return nil, apperr.Validation(apperr.ReasonInvalidPrice, "proposed price must be positive")
	}
	if patch.ExpiresAt != nil && !patch.ExpiresAt.After(now) {
		return nil, apperr.Validation(apperr.ReasonInvalidInput, "expiresAt must be in the future")
	}

	var out *models.Bid
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		l, b, err := lockLoadAndBid(ctx, tx, bidID)
		if err != nil {
			return err
		}
		if b.DriverID != driverID {
			return apperr.Unauthorized(apperr.ReasonNotBidOwner, "only the bidding driver can update this bid")
		}
		if b.Status != models.BidStatusPending {
			return apperr.InvalidState(apperr.ReasonBidNotPending, fmt.Sprintf("bid %s is %s", b.ID, b.Status))
		}
		if l.Status != models.LoadStatusOpen {
			return apperr.InvalidState(apperr.ReasonLoadNotOpen, fmt.Sprintf("load %s is %s", l.ID, l.Status))
		}

		if patch.ProposedPrice != nil {
			b.ProposedPrice = *patch.ProposedPrice
		}
		if patch.Message != nil {
			b.Message = strings.TrimSpace(*patch.Message)
		}
		if patch.ExpiresAt != nil {
			e := patch.ExpiresAt.UTC()
			b.ExpiresAt = &e
		}
		if patch.VehicleID != nil {
			if *patch.VehicleID == "" {
				b.VehicleID = nil
			} else {
				if err := checkVehicle(ctx, tx, l, driverID, *patch.VehicleID); err != nil {
					return err
				}
				vid := *patch.VehicleID
				b.VehicleID = &vid
			}
		}
		b.UpdatedAt = now
		if err := tx.UpdateBidTerms(ctx, b); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, apperr.FromTx(err)
	}
	s.InvalidateStats(ctx, out.LoadID)
	return out, nil
}

func (s *Service) GetBid(ctx context.Context, id string) (*models.Bid, error) {
	b, err := s.store.GetBid(ctx, id)
	if err != nil {
		return nil, NotFound(err, id)
	}
	return b, nil
}

func (s *Service) ListBidsForLoad(ctx context.Context, loadID string) ([]*models.Bid, error) {
	if _, err := s.store.GetLoad(ctx, loadID); err != nil {
		return nil, loads.NotFound(err, loadID)
	}
	return s.store.ListBidsForLoad(ctx, loadID)
}

func (s *Service) ListBidsForDriver(ctx context.Context, driverID string, status *models.BidStatus) ([]*models.Bid, error) {
	if status != nil && !status.Valid() {
		return nil, apperr.Validation(apperr.ReasonInvalidInput, fmt.Sprintf("unknown bid status %q", *status))
	}
	return s.store.ListBidsForDriver(ctx, driverID, status)
}

// BidStats aggregates the bids of one load. Results are served from the cache
// when one is configured; cache failures fall through to storage.
//
// Cached entries are keyed by the load's stats generation, which every
// invalidation replaces. A snapshot read before a concurrent change therefore
// lands under a generation nobody reads any more.
func (s *Service) BidStats(ctx context.Context, loadID string) (models.BidStats, error) {
	gen, cached := s.statsGeneration(ctx, loadID)
	if cached {
		raw, ok, err := s.cache.Get(ctx, StatsKey(loadID, gen))
		if err != nil {
			slog.Warn("bid stats cache get failed", "load_id", loadID, "error", err.Error())
		}
		if ok {
			var st models.BidStats
			if err := json.Unmarshal(raw, &st); err == nil {
				return st, nil
			}
		}
	}

	if _, err := s.store.GetLoad(ctx, loadID); err != nil {
		return models.BidStats{}, loads.NotFound(err, loadID)
	}
	list, err := s.store.ListBidsForLoad(ctx, loadID)
	if err != nil {
		return models.BidStats{}, err
	}
	st := models.ComputeBidStats(loadID, list)

	if cached {
		raw, err := json.Marshal(st)
		if err == nil {
			err = s.cache.Set(ctx, StatsKey(loadID, gen), raw, s.statsTTL)
		}
		if err != nil {
			slog.Warn("bid stats cache set failed", "load_id", loadID, "error", err.Error())
		}
	}
	return st, nil
}

// statsGeneration reports the current stats generation of a load. The second
// result is false when there is no cache or it cannot be read.
func (s *Service) statsGeneration(ctx context.Context, loadID string) (string, bool) {
	if s.cache == nil {
		return "", false
	}
	raw, ok, err := s.cache.Get(ctx, statsGenKey(loadID))
	if err != nil {
		slog.Warn("bid stats generation read failed", "load_id", loadID, "error", err.Error())
		return "", false
	}
	if !ok {
		return "0", true
	}
	return string(raw), true
}

// InvalidateStats moves the load to a fresh stats generation, orphaning
// whatever is cached under the previous one.
func (s *Service) InvalidateStats(ctx context.Context, loadID string) {
	if s.cache == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	gen := []byte(uuid.NewString())
	if err := s.cache.Set(ctx, statsGenKey(loadID), gen, s.statsTTL+statsGenTTL); err != nil {
		slog.Warn("bid stats cache invalidation failed", "load_id", loadID, "error", err.Error())
	}
}

// ExpireBids rejects every pending bid whose expiry has passed. Running it
// again with the same now changes nothing.
func (s *Service) ExpireBids(ctx context.Context, now time.Time) ([]*models.Bid, error) {
	expired, err := s.store.ExpireBids(ctx, now)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(expired))
	for _, b := range expired {
		if _, ok := seen[b.LoadID]; ok {
			continue
		}
		seen[b.LoadID] = struct{}{}
		s.InvalidateStats(ctx, b.LoadID)
	}
	return expired, nil
}

func StatsKey(loadID, gen string) string {
	return fmt.Sprintf("load:%s:bid-stats:%s", loadID, gen)
}

func statsGenKey(loadID string) string {
	return fmt.Sprintf("load:%s:bid-stats-gen", loadID)
}

// NotFound maps a storage miss onto the BID_NOT_FOUND failure.
func NotFound(err error, id string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound(apperr.ReasonBidNotFound, fmt.Sprintf("bid %s not found", id))
	}
	return err
}

// lockLoadAndBid locks the bid's load and then the bid itself.
func lockLoadAndBid(ctx context.Context, tx storage.Tx, bidID string) (*models.Load, *models.Bid, error) {
	b, err := tx.GetBid(ctx, bidID)
	if err != nil {
		return nil, nil, NotFound(err, bidID)
	}
	l, err := tx.LockLoad(ctx, b.LoadID)
	if err != nil {
		return nil, nil, loads.NotFound(err, b.LoadID)
	}
	b, err = tx.LockBid(ctx, bidID)
	if err != nil {
		return nil, nil, NotFound(err, bidID)
	}
	return l, b, nil
}

func setStatus(ctx context.Context, tx storage.Tx, b *models.Bid, to models.BidStatus, reason *string, at time.Time) error {
	if b.Status != models.BidStatusPending {
		return apperr.InvalidState(apperr.ReasonBidNotPending, fmt.Sprintf("bid %s is %s", b.ID, b.Status))
	}
	ok, err := tx.SetBidStatus(ctx, b.ID, to, reason, at)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.InvalidState(apperr.ReasonBidNotPending, fmt.Sprintf("bid %s is no longer pending", b.ID))
	}
	b.Status = to
	b.RejectReason = reason
	b.UpdatedAt = at
	return nil
}

func checkVehicle(ctx context.Context, tx storage.Tx, l *models.Load, driverID, vehicleID string) error {
	v, err := tx.GetVehicle(ctx, vehicleID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound(apperr.ReasonVehicleNotFound, fmt.Sprintf("vehicle %s not found", vehicleID))
	}
	if err != nil {
		return err
	}
	if v.OwnerID != driverID {
		return apperr.Unauthorized(apperr.ReasonVehicleNotOwned, "vehicle belongs to another user")
	}
	if !v.Active {
		return apperr.Validation(apperr.ReasonVehicleInactive, fmt.Sprintf("vehicle %s is inactive", v.ID))
	}
	if !l.Accepts(v.Type) {
		return apperr.Validation(apperr.ReasonVehicleTypeDenied,
			fmt.Sprintf("load %s does not accept %s", l.ID, v.Type))
	}
	return nil
}

type noopNotifier struct{}

func (noopNotifier) NotifyNewBid(context.Context, string, string, float64, string) {}

func (noopNotifier) NotifyBidRejected(context.Context, string, string, string) {}
