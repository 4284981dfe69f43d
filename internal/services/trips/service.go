package trips

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kculz/Qonvey-sub001/internal/apperr"
	"github.com/kculz/Qonvey-sub001/internal/models"
	"github.com/kculz/Qonvey-sub001/internal/services/loads"
	"github.com/kculz/Qonvey-sub001/internal/storage"
	"github.com/pkg/errors"
)

type Notifier interface {
	NotifyTripCompleted(ctx context.Context, ownerID, loadTitle string)
}

type Service struct {
	store    storage.Store
	notifier Notifier
	now      func() time.Time
}

func New(store storage.Store, notifier Notifier) *Service {
	return &Service{store: store, notifier: notifier, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// AppendLocation adds a route point to an active trip. The first point of a
// SCHEDULED trip starts it and puts its load in transit.
func (s *Service) AppendLocation(ctx context.Context, tripID, driverID string, lat, lng float64) (models.RoutePoint, error) {
	return s.appendLocation(ctx, tripID, driverID, lat, lng, nil)
}

// ApplyLocationReport appends a location delivered through the broker.
// Reports carrying a device timestamp are applied once per trip: a redelivered
// report returns the point it produced the first time.
func (s *Service) ApplyLocationReport(ctx context.Context, tripID, driverID string, lat, lng float64, reportedAt time.Time) (models.RoutePoint, error) {
	if reportedAt.IsZero() {
		return s.appendLocation(ctx, tripID, driverID, lat, lng, nil)
	}
	at := reportedAt.UTC().Truncate(time.Microsecond)
	return s.appendLocation(ctx, tripID, driverID, lat, lng, &at)
}

func (s *Service) appendLocation(ctx context.Context, tripID, driverID string, lat, lng float64, reportedAt *time.Time) (models.RoutePoint, error) {
	if lat < -90 || lat > 90 {
		return models.RoutePoint{}, apperr.Validation(apperr.ReasonInvalidInput, "lat must be within [-90, 90]")
	}
	if lng < -180 || lng > 180 {
		return models.RoutePoint{}, apperr.Validation(apperr.ReasonInvalidInput, "lng must be within [-180, 180]")
	}

	var point models.RoutePoint
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := s.now()
		l, t, err := lockLoadAndTrip(ctx, tx, tripID)
		if err != nil {
			return err
		}
		if t.DriverID != driverID {
			return apperr.Unauthorized(apperr.ReasonNotTripParticipant, "only the assigned driver can report locations")
		}
		if reportedAt != nil {
			p, seen, err := tx.FindReportedPoint(ctx, t.ID, *reportedAt)
			if err != nil {
				return errors.Wrap(err, "find reported point")
			}
			if seen {
				point = p
				return nil
			}
		}
		if !t.Status.Active() {
			return apperr.InvalidState(apperr.ReasonTripNotActive, fmt.Sprintf("trip %s is %s", t.ID, t.Status))
		}

		point, err = tx.AppendRoutePoint(ctx, t.ID, lat, lng, now, reportedAt)
		if err != nil {
			return errors.Wrap(err, "append route point")
		}
		if t.Status != models.TripStatusScheduled {
			return nil
		}

		t.Status = models.TripStatusInProgress
		t.StartedAt = &now
		t.UpdatedAt = now
		if err := tx.UpdateTrip(ctx, t); err != nil {
			return errors.Wrap(err, "start trip")
		}
		return loads.Apply(ctx, tx, l, models.LoadStatusInTransit, now)
	})
	if err != nil {
		return models.RoutePoint{}, apperr.FromTx(err)
	}
	return point, nil
}

// CompleteTrip marks an in-progress trip delivered.
func (s *Service) CompleteTrip(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	var (
		out  *models.Trip
		load *models.Load
	)
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := s.now()
		l, t, err := lockLoadAndTrip(ctx, tx, tripID)
		if err != nil {
			return err
		}
		if t.DriverID != driverID {
			return apperr.Unauthorized(apperr.ReasonNotTripParticipant, "only the assigned driver can complete the trip")
		}
		if t.Status != models.TripStatusInProgress {
			return apperr.InvalidState(apperr.ReasonTripNotInProgress, fmt.Sprintf("trip %s is %s", t.ID, t.Status))
		}

		t.Status = models.TripStatusCompleted
		t.CompletedAt = &now
		t.UpdatedAt = now
		if err := tx.UpdateTrip(ctx, t); err != nil {
			return errors.Wrap(err, "complete trip")
		}
		if err := loads.Apply(ctx, tx, l, models.LoadStatusDelivered, now); err != nil {
			return err
		}
		out, load = t, l
		return nil
	})
	if err != nil {
		return nil, apperr.FromTx(err)
	}
	if s.notifier != nil {
		s.notifier.NotifyTripCompleted(ctx, load.OwnerID, load.Title)
	}
	return out, nil
}

// CancelTrip stops an active trip. The load keeps its status.
func (s *Service) CancelTrip(ctx context.Context, tripID, actorID, reason string) (*models.Trip, error) {
	reason = strings.TrimSpace(reason)
	var out *models.Trip
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := s.now()
		l, t, err := lockLoadAndTrip(ctx, tx, tripID)
		if err != nil {
			return err
		}
		if actorID != t.DriverID && actorID != l.OwnerID {
			return apperr.Unauthorized(apperr.ReasonNotTripParticipant, "only the driver or the load owner can cancel the trip")
		}
		if !t.Status.Active() {
			return apperr.InvalidState(apperr.ReasonTripNotActive, fmt.Sprintf("trip %s is %s", t.ID, t.Status))
		}

		t.Status = models.TripStatusCancelled
		t.CancelledAt = &now
		if reason != "" {
			t.CancelReason = &reason
		}
		t.UpdatedAt = now
		if err := tx.UpdateTrip(ctx, t); err != nil {
			return errors.Wrap(err, "cancel trip")
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, apperr.FromTx(err)
	}
	return out, nil
}

// GetTrip returns the trip with its full route.
func (s *Service) GetTrip(ctx context.Context, tripID string) (*models.Trip, error) {
	t, err := s.store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, NotFound(err, tripID)
	}
	route, err := s.store.ListRoute(ctx, tripID)
	if err != nil {
		return nil, err
	}
	t.Route = route
	return t, nil
}

func (s *Service) ListTripsForDriver(ctx context.Context, driverID string) ([]*models.Trip, error) {
	return s.store.ListTripsForDriver(ctx, driverID)
}

func NotFound(err error, id string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound(apperr.ReasonTripNotFound, fmt.Sprintf("trip %s not found", id))
	}
	return err
}

func lockLoadAndTrip(ctx context.Context, tx storage.Tx, tripID string) (*models.Load, *models.Trip, error) {
	peek, err := tx.GetTrip(ctx, tripID)
	if err != nil {
		return nil, nil, NotFound(err, tripID)
	}
	l, err := tx.LockLoad(ctx, peek.LoadID)
	if err != nil {
		return nil, nil, loads.NotFound(err, peek.LoadID)
	}
	t, err := tx.LockTrip(ctx, tripID)
	if err != nil {
		return nil, nil, NotFound(err, tripID)
	}
	return l, t, nil
}
