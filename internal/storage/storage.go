// Package storage defines the persistence contracts shared by the services.
// Implementations live in subpackages: pgmarket (PostgreSQL) and memmarket (in-memory).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/kculz/Qonvey-sub001/internal/models"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicate is returned when a unique constraint rejects a write.
	ErrDuplicate = errors.New("storage: duplicate")
	// ErrSerialization is returned when a transaction kept losing lock or
	// serialization races after all retries.
	ErrSerialization = errors.New("storage: serialization failure")
)

// Tx is the unit of work handed to RunInTx callbacks. Lock* methods take a row
// lock held until the transaction ends. Callers lock in the order
// load -> bid -> trip -> subscription.
type Tx interface {
	GetLoad(ctx context.Context, id string) (*models.Load, error)
	LockLoad(ctx context.Context, id string) (*models.Load, error)
	InsertLoad(ctx context.Context, l *models.Load) error
	// SetLoadStatus moves the load from -> to and reports whether a row matched.
	SetLoadStatus(ctx context.Context, id string, from, to models.LoadStatus, at time.Time) (bool, error)

	GetBid(ctx context.Context, id string) (*models.Bid, error)
	LockBid(ctx context.Context, id string) (*models.Bid, error)
	HasPendingBid(ctx context.Context, loadID, driverID string) (bool, error)
	InsertBid(ctx context.Context, b *models.Bid) error
	// SetBidStatus moves a PENDING bid to a terminal status and reports whether it matched.
	SetBidStatus(ctx context.Context, id string, to models.BidStatus, reason *string, at time.Time) (bool, error)
	UpdateBidTerms(ctx context.Context, b *models.Bid) error
	// RejectPendingBids rejects every PENDING bid on loadID except exceptBidID and returns them.
	RejectPendingBids(ctx context.Context, loadID, exceptBidID, reason string, at time.Time) ([]*models.Bid, error)

	GetVehicle(ctx context.Context, id string) (*models.Vehicle, error)
	CountActiveVehicles(ctx context.Context, ownerID string) (int64, error)
	InsertVehicle(ctx context.Context, v *models.Vehicle) error
	SetVehicleActive(ctx context.Context, id string, active bool) error

	InsertTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	LockTrip(ctx context.Context, id string) (*models.Trip, error)
	UpdateTrip(ctx context.Context, t *models.Trip) error
	AppendRoutePoint(ctx context.Context, tripID string, lat, lng float64, at time.Time, reportedAt *time.Time) (models.RoutePoint, error)
	// FindReportedPoint returns the route point stored for a device timestamp, if any.
	FindReportedPoint(ctx context.Context, tripID string, reportedAt time.Time) (models.RoutePoint, bool, error)

	GetSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	LockSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	// CreateSubscription inserts sub unless the user already has one.
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	// ResetUsage zeroes the monthly counters only if usage_reset_at still equals expected.
	ResetUsage(ctx context.Context, userID string, expected, now time.Time) (bool, error)
	// IncrementUsage bumps the counter for action unless it already reached limit.
	IncrementUsage(ctx context.Context, userID string, action models.Action, limit int64) (bool, error)
}

// Store is the non-transactional surface: reads, sweeps and the transaction runner.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetLoad(ctx context.Context, id string) (*models.Load, error)
	ListOpenLoads(ctx context.Context, f models.LoadFilter) ([]*models.Load, error)
	ListLoadsByOwner(ctx context.Context, ownerID string) ([]*models.Load, error)

	GetBid(ctx context.Context, id string) (*models.Bid, error)
	// ListBidsForLoad orders by proposed price, then creation time, both ascending.
	ListBidsForLoad(ctx context.Context, loadID string) ([]*models.Bid, error)
	// ListBidsForDriver returns newest first; a nil status means any.
	ListBidsForDriver(ctx context.Context, driverID string, status *models.BidStatus) ([]*models.Bid, error)

	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	ListRoute(ctx context.Context, tripID string) ([]models.RoutePoint, error)
	ListTripsForDriver(ctx context.Context, driverID string) ([]*models.Trip, error)

	ListVehicles(ctx context.Context, ownerID string) ([]*models.Vehicle, error)

	// ExpireBids rejects PENDING bids whose expiry passed and returns only the rows it changed.
	ExpireBids(ctx context.Context, now time.Time) ([]*models.Bid, error)
	// ExpireLoads moves OPEN loads whose expiry passed to EXPIRED and returns them.
	ExpireLoads(ctx context.Context, now time.Time) ([]*models.Load, error)

	Ping(ctx context.Context) error
}
