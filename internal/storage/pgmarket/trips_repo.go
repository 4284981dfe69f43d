package pgmarket

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/kculz/Qonvey-sub001/internal/models"
	"github.com/pkg/errors"
)

const tripColumns = `
  id, load_id, bid_id, driver_id, vehicle_id, agreed_price, status,
  started_at, completed_at, cancelled_at, cancel_reason, created_at, updated_at`

func scanTrip(row pgx.Row) (*models.Trip, error) {
	var t models.Trip
	if err := row.Scan(
		&t.ID, &t.LoadID, &t.BidID, &t.DriverID, &t.VehicleID, &t.AgreedPrice, &t.Status,
		&t.StartedAt, &t.CompletedAt, &t.CancelledAt, &t.CancelReason, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *queries) InsertTrip(ctx context.Context, t *models.Trip) error {
	_, err := r.q.Exec(ctx, `
INSERT INTO trips (`+tripColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
`,
		t.ID, t.LoadID, t.BidID, t.DriverID, t.VehicleID, t.AgreedPrice, string(t.Status),
		t.StartedAt, t.CompletedAt, t.CancelledAt, t.CancelReason, t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	)
	return wrap(err, "insert trip")
}

func (r *queries) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	t, err := scanTrip(r.q.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id))
	if err != nil {
		return nil, wrap(err, "select trip")
	}
	return t, nil
}

func (r *queries) LockTrip(ctx context.Context, id string) (*models.Trip, error) {
	t, err := scanTrip(r.q.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, wrap(err, "lock trip")
	}
	return t, nil
}

func (r *queries) UpdateTrip(ctx context.Context, t *models.Trip) error {
	tag, err := r.q.Exec(ctx, `
UPDATE trips
SET status = $2, started_at = $3, completed_at = $4, cancelled_at = $5, cancel_reason = $6, updated_at = $7
WHERE id = $1
`, t.ID, string(t.Status), t.StartedAt, t.CompletedAt, t.CancelledAt, t.CancelReason, t.UpdatedAt.UTC())
	if err != nil {
		return wrap(err, "update trip")
	}
	if tag.RowsAffected() == 0 {
		return wrap(pgx.ErrNoRows, "update trip")
	}
	return nil
}

// AppendRoutePoint assigns the next sequence number. Callers hold the trip lock.
func (r *queries) AppendRoutePoint(ctx context.Context, tripID string, lat, lng float64, at time.Time, reportedAt *time.Time) (models.RoutePoint, error) {
	p := models.RoutePoint{Lat: lat, Lng: lng, RecordedAt: at.UTC()}
	if reportedAt != nil {
		rep := reportedAt.UTC()
		p.ReportedAt = &rep
	}
	err := r.q.QueryRow(ctx, `
INSERT INTO trip_route_points (trip_id, seq, lat, lng, recorded_at, reported_at)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5
FROM trip_route_points
WHERE trip_id = $1
RETURNING seq
`, tripID, lat, lng, p.RecordedAt, p.ReportedAt).Scan(&p.Seq)
	if err != nil {
		return models.RoutePoint{}, wrap(err, "insert route point")
	}
	return p, nil
}

func (r *queries) FindReportedPoint(ctx context.Context, tripID string, reportedAt time.Time) (models.RoutePoint, bool, error) {
	var p models.RoutePoint
	err := r.q.QueryRow(ctx, `
SELECT seq, lat, lng, recorded_at, reported_at
FROM trip_route_points
WHERE trip_id = $1 AND reported_at = $2
`, tripID, reportedAt.UTC()).Scan(&p.Seq, &p.Lat, &p.Lng, &p.RecordedAt, &p.ReportedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RoutePoint{}, false, nil
	}
	if err != nil {
		return models.RoutePoint{}, false, errors.Wrap(err, "select reported point")
	}
	return p, true, nil
}

func (r *queries) ListRoute(ctx context.Context, tripID string) ([]models.RoutePoint, error) {
	rows, err := r.q.Query(ctx, `
SELECT seq, lat, lng, recorded_at, reported_at
FROM trip_route_points
WHERE trip_id = $1
ORDER BY seq ASC
`, tripID)
	if err != nil {
		return nil, errors.Wrap(err, "select route")
	}
	defer rows.Close()

	out := make([]models.RoutePoint, 0)
	for rows.Next() {
		var p models.RoutePoint
		if err := rows.Scan(&p.Seq, &p.Lat, &p.Lng, &p.RecordedAt, &p.ReportedAt); err != nil {
			return nil, errors.Wrap(err, "scan route point")
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (r *queries) ListTripsForDriver(ctx context.Context, driverID string) ([]*models.Trip, error) {
	rows, err := r.q.Query(ctx, `SELECT `+tripColumns+` FROM trips WHERE driver_id = $1 ORDER BY created_at DESC, id`, driverID)
	if err != nil {
		return nil, errors.Wrap(err, "select driver trips")
	}
	defer rows.Close()

	out := make([]*models.Trip, 0)
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan driver trip")
		}
		out = append(out, t)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
