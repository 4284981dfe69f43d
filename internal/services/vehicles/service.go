package vehicles

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

// RegisterVehicle adds an active vehicle if the owner's plan has a free slot.
func (s *Service) RegisterVehicle(ctx context.Context, ownerID string, in models.NewVehicle) (*models.Vehicle, error) {
	plate := strings.ToUpper(strings.TrimSpace(in.PlateNumber))
	switch {
	case ownerID == "":
		return nil, apperr.Validation(apperr.ReasonInvalidInput, "owner id is required")
	case !in.Type.Valid():
		return nil, apperr.Validation(apperr.ReasonInvalidInput, fmt.Sprintf("unknown vehicle type %q", in.Type))
	case plate == "":
		return nil, apperr.Validation(apperr.ReasonInvalidInput, "plateNumber is required")
	case in.CapacityKg < 0:
		return nil, apperr.Validation(apperr.ReasonInvalidInput, "capacityKg must not be negative")
	}

	v := &models.Vehicle{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Type:        in.Type,
		PlateNumber: plate,
		CapacityKg:  in.CapacityKg,
		Active:      true,
		CreatedAt:   s.now(),
	}
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := s.gate.Consume(ctx, tx, ownerID, models.ActionAddVehicle); err != nil {
			return err
		}
		if err := tx.InsertVehicle(ctx, v); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return apperr.Conflict(apperr.ReasonDuplicatePlate, fmt.Sprintf("plate %s is already registered", plate), err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, apperr.FromTx(err)
	}
	return v, nil
}

func (s *Service) ListVehicles(ctx context.Context, ownerID string) ([]*models.Vehicle, error) {
	return s.store.ListVehicles(ctx, ownerID)
}

// DeactivateVehicle frees the vehicle's plan slot. Bids that already
// reference it are left as they are.
func (s *Service) DeactivateVehicle(ctx context.Context, ownerID, vehicleID string) (*models.Vehicle, error) {
	var out *models.Vehicle
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		v, err := tx.GetVehicle(ctx, vehicleID)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound(apperr.ReasonVehicleNotFound, fmt.Sprintf("vehicle %s not found", vehicleID))
		}
		if err != nil {
			return err
		}
		if v.OwnerID != ownerID {
			return apperr.Unauthorized(apperr.ReasonVehicleNotOwned, "vehicle belongs to another user")
		}
		if v.Active {
			if err := tx.SetVehicleActive(ctx, v.ID, false); err != nil {
				return err
			}
			v.Active = false
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, apperr.FromTx(err)
	}
	return out, nil
}
