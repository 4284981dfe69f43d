// Package assignment accepts a bid: the bid becomes ACCEPTED, every competing
// pending bid is rejected, the load is assigned and a trip is scheduled, all
// in one transaction.
package assignment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kculz/Qonvey-sub001/internal/apperr"
	"github.com/kculz/Qonvey-sub001/internal/models"
	"github.com/kculz/Qonvey-sub001/internal/services/bids"
	"github.com/kculz/Qonvey-sub001/internal/services/loads"
	"github.com/kculz/Qonvey-sub001/internal/storage"
	"github.com/pkg/errors"
)

type Notifier interface {
	NotifyBidAccepted(ctx context.Context, driverID, loadTitle string)
}

// StatsInvalidator drops cached bid statistics for a load.
type StatsInvalidator interface {
	InvalidateStats(ctx context.Context, loadID string)
}

type Assignment struct {
	Bid          *models.Bid   `json:"bid"`
	Trip         *models.Trip  `json:"trip"`
	RejectedBids []*models.Bid `json:"rejectedBids"`
}

type Transactor struct {
	store    storage.Store
	notifier Notifier
	stats    StatsInvalidator
	now      func() time.Time
}

func New(store storage.Store, notifier Notifier, stats StatsInvalidator) *Transactor {
	return &Transactor{
		store:    store,
		notifier: notifier,
		stats:    stats,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (t *Transactor) WithClock(now func() time.Time) *Transactor {
	if now != nil {
		t.now = now
	}
	return t
}

// AcceptBid runs the acceptance. Either every effect is committed or none is.
func (t *Transactor) AcceptBid(ctx context.Context, bidID, ownerID string) (*Assignment, error) {
	var (
		out  *Assignment
		load *models.Load
	)
	err := t.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := t.now()

		peek, err := tx.GetBid(ctx, bidID)
		if err != nil {
			return bids.NotFound(err, bidID)
		}
		l, err := tx.LockLoad(ctx, peek.LoadID)
		if err != nil {
			return loads.NotFound(err, peek.LoadID)
		}
		b, err := tx.LockBid(ctx, bidID)
		if err != nil {
			return bids.NotFound(err, bidID)
		}

		if l.OwnerID != ownerID {
			return apperr.Unauthorized(apperr.ReasonNotLoadOwner, "only the load owner can accept bids")
		}
		if b.Status != models.BidStatusPending {
			return apperr.InvalidState(apperr.ReasonBidNotPending, fmt.Sprintf("bid %s is %s", b.ID, b.Status))
		}
		if l.Status != models.LoadStatusOpen {
			return apperr.Conflict(apperr.ReasonLoadNoLongerOpen, fmt.Sprintf("load %s is %s", l.ID, l.Status), nil)
		}

		ok, err := tx.SetBidStatus(ctx, b.ID, models.BidStatusAccepted, nil, now)
		if errors.Is(err, storage.ErrDuplicate) {
			return apperr.Conflict(apperr.ReasonLoadNoLongerOpen, "another bid was already accepted", err)
		}
		if err != nil {
			return errors.Wrap(err, "accept bid")
		}
		if !ok {
			return apperr.InvalidState(apperr.ReasonBidNotPending, fmt.Sprintf("bid %s is no longer pending", b.ID))
		}
		b.Status = models.BidStatusAccepted
		b.UpdatedAt = now

		rejected, err := tx.RejectPendingBids(ctx, l.ID, b.ID, models.RejectReasonOtherAccepted, now)
		if err != nil {
			return errors.Wrap(err, "reject competing bids")
		}

		if err := loads.Apply(ctx, tx, l, models.LoadStatusAssigned, now); err != nil {
			if apperr.KindOf(err) == apperr.KindConflict {
				return apperr.Conflict(apperr.ReasonLoadNoLongerOpen, fmt.Sprintf("load %s is no longer open", l.ID), err)
			}
			return err
		}

		trip := &models.Trip{
			ID:          uuid.NewString(),
			LoadID:      l.ID,
			BidID:       b.ID,
			DriverID:    b.DriverID,
			VehicleID:   b.VehicleID,
			AgreedPrice: b.ProposedPrice,
			Status:      models.TripStatusScheduled,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertTrip(ctx, trip); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return apperr.Conflict(apperr.ReasonLoadNoLongerOpen, fmt.Sprintf("load %s already has a trip", l.ID), err)
			}
			return errors.Wrap(err, "insert trip")
		}

		out = &Assignment{Bid: b, Trip: trip, RejectedBids: rejected}
		load = l
		return nil
	})
	if err != nil {
		return nil, apperr.FromTx(err)
	}

	slog.Info("bid accepted",
		"bid_id", out.Bid.ID,
		"load_id", load.ID,
		"trip_id", out.Trip.ID,
		"rejected", len(out.RejectedBids))

	if t.stats != nil {
		t.stats.InvalidateStats(ctx, load.ID)
	}
	if t.notifier != nil {
		t.notifier.NotifyBidAccepted(ctx, out.Bid.DriverID, load.Title)
	}
	return out, nil
}
