package loads

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kculz/Qonvey-sub001/internal/apperr"
	"github.com/kculz/Qonvey-sub001/internal/models"
	"github.com/kculz/Qonvey-sub001/internal/services/quota"
	"github.com/kculz/Qonvey-sub001/internal/storage"
	"github.com/pkg/errors"
)

const defaultCurrency = "USD"

type Service struct {
	store storage.Store
	gate  *quota.Gate
	now   func() time.Time
}

func New(store storage.Store, gate *quota.Gate) *Service {
	return &Service{store: store, gate: gate, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// PostLoad publishes a new OPEN load and charges the owner's monthly load quota
// in the same transaction.
func (s *Service) PostLoad(ctx context.Context, ownerID string, in models.NewLoad) (*models.Load, error) {
	now := s.now()
	if ownerID == "" {
		return nil, apperr.Validation(apperr.ReasonInvalidInput, "owner id is required")
	}
	if err := validateNewLoad(in, now); err != nil {
		return nil, err
	}

	dec, err := s.gate.Check(ctx, ownerID, models.ActionPostLoad)
	if err != nil {
		return nil, err
	}
	if !dec.Allowed {
		return nil, quota.Deny(dec)
	}

	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	l := &models.Load{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		Title:          strings.TrimSpace(in.Title),
		Description:    in.Description,
		CargoType:      in.CargoType,
		WeightKg:       in.WeightKg,
		VehicleTypes:   dedupeTypes(in.VehicleTypes),
		Pickup:         in.Pickup,
		Delivery:       in.Delivery,
		PickupDate:     in.PickupDate.UTC(),
		DeliveryDate:   in.DeliveryDate.UTC(),
		SuggestedPrice: in.SuggestedPrice,
		Currency:       currency,
		Status:         models.LoadStatusOpen,
		PublishedAt:    now,
		ExpiresAt:      in.ExpiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.InsertLoad(ctx, l); err != nil {
			return err
		}
		_, err := s.gate.Consume(ctx, tx, ownerID, models.ActionPostLoad)
		return err
	})
	if err != nil {
		return nil, apperr.FromTx(err)
	}
	return l, nil
}

func (s *Service) GetLoad(ctx context.Context, id string) (*models.Load, error) {
	l, err := s.store.GetLoad(ctx, id)
	if err != nil {
		return nil, NotFound(err, id)
	}
	return l, nil
}

func (s *Service) ListOpenLoads(ctx context.Context, f models.LoadFilter) ([]*models.Load, error) {
	if f.VehicleType != "" && !f.VehicleType.Valid() {
		return nil, apperr.Validation(apperr.ReasonInvalidInput, fmt.Sprintf("unknown vehicle type %q", f.VehicleType))
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.store.ListOpenLoads(ctx, f)
}

func (s *Service) ListLoadsForOwner(ctx context.Context, ownerID string) ([]*models.Load, error) {
	return s.store.ListLoadsByOwner(ctx, ownerID)
}

// CancelLoad withdraws an OPEN load. Its pending bids stay as they are: they
// can no longer be accepted and the expiry sweep closes them.
func (s *Service) CancelLoad(ctx context.Context, loadID, ownerID string) (*models.Load, error) {
	var out *models.Load
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		l, err := Transition(ctx, tx, loadID, models.LoadStatusCancelled, s.now(), func(l *models.Load) error {
			if l.OwnerID != ownerID {
				return apperr.Unauthorized(apperr.ReasonNotLoadOwner, "only the load owner can cancel it")
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = l
		return nil
	})
	if err != nil {
		return nil, apperr.FromTx(err)
	}
	return out, nil
}

// ExpireLoads closes every OPEN load whose expiry has passed.
func (s *Service) ExpireLoads(ctx context.Context, now time.Time) ([]*models.Load, error) {
	return s.store.ExpireLoads(ctx, now)
}

// Transition locks the load and moves it to status to. A non-nil guard runs
// against the locked row first and aborts the move when it fails.
func Transition(ctx context.Context, tx storage.Tx, loadID string, to models.LoadStatus, at time.Time, guard func(*models.Load) error) (*models.Load, error) {
	l, err := tx.LockLoad(ctx, loadID)
	if err != nil {
		return nil, NotFound(err, loadID)
	}
	if guard != nil {
		if err := guard(l); err != nil {
			return nil, err
		}
	}
	if err := Apply(ctx, tx, l, to, at); err != nil {
		return nil, err
	}
	return l, nil
}

// Apply moves an already locked load to status to, rejecting any move the
// lifecycle does not allow.
func Apply(ctx context.Context, tx storage.Tx, l *models.Load, to models.LoadStatus, at time.Time) error {
	if !models.CanTransitionLoad(l.Status, to) {
		return apperr.InvalidState(apperr.ReasonInvalidTransition,
			fmt.Sprintf("load %s cannot move from %s to %s", l.ID, l.Status, to))
	}
	ok, err := tx.SetLoadStatus(ctx, l.ID, l.Status, to, at)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Conflict(apperr.ReasonConcurrentUpdate, fmt.Sprintf("load %s changed concurrently", l.ID), nil)
	}
	l.Status = to
	l.UpdatedAt = at
	return nil
}

// NotFound maps a storage miss onto the LOAD_NOT_FOUND failure.
func NotFound(err error, id string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound(apperr.ReasonLoadNotFound, fmt.Sprintf("load %s not found", id))
	}
	return err
}

func validateNewLoad(in models.NewLoad, now time.Time) error {
	invalid := func(msg string) error { return apperr.Validation(apperr.ReasonInvalidInput, msg) }

	if strings.TrimSpace(in.Title) == "" {
		return invalid("title is required")
	}
	if in.WeightKg <= 0 {
		return invalid("weightKg must be positive")
	}
	if len(in.VehicleTypes) == 0 {
		return invalid("at least one vehicle type is required")
	}
	for _, vt := range in.VehicleTypes {
		if !vt.Valid() {
			return invalid(fmt.Sprintf("unknown vehicle type %q", vt))
		}
	}
	if strings.TrimSpace(in.Pickup.Address) == "" || strings.TrimSpace(in.Delivery.Address) == "" {
		return invalid("pickup and delivery addresses are required")
	}
	for _, loc := range []models.Location{in.Pickup, in.Delivery} {
		if loc.Lat != nil && (*loc.Lat < -90 || *loc.Lat > 90) {
			return invalid("latitude out of range")
		}
		if loc.Lng != nil && (*loc.Lng < -180 || *loc.Lng > 180) {
			return invalid("longitude out of range")
		}
	}
	if in.PickupDate.IsZero() || in.DeliveryDate.IsZero() {
		return invalid("pickupDate and deliveryDate are required")
	}
	if !in.DeliveryDate.After(in.PickupDate) {
		return invalid("deliveryDate must be after pickupDate")
	}
	if in.SuggestedPrice != nil && *in.SuggestedPrice < 0 {
		return apperr.Validation(apperr.ReasonInvalidPrice, "suggestedPrice must not be negative")
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return invalid("expiresAt must be in the future")
	}
	return nil
}

func dedupeTypes(in []models.VehicleType) []models.VehicleType {
	seen := make(map[models.VehicleType]struct{}, len(in))
	out := make([]models.VehicleType, 0, len(in))
	for _, vt := range in {
		if _, ok := seen[vt]; ok {
			continue
		}
		seen[vt] = struct{}{}
		out = append(out, vt)
	}
	return out
}
