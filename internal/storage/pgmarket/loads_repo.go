package pgmarket

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/kculz/Qonvey-sub001/internal/models"
	"github.com/pkg/errors"
)

const loadColumns = `
  id, owner_id, title, description, cargo_type, weight_kg, vehicle_types,
  pickup_address, pickup_lat, pickup_lng,
  delivery_address, delivery_lat, delivery_lng,
  pickup_date, delivery_date, suggested_price, currency,
  status, published_at, expires_at, created_at, updated_at`

func scanLoad(row pgx.Row) (*models.Load, error) {
	var l models.Load
	var vehicleTypes []string
	if err := row.Scan(
		&l.ID, &l.OwnerID, &l.Title, &l.Description, &l.CargoType, &l.WeightKg, &vehicleTypes,
		&l.Pickup.Address, &l.Pickup.Lat, &l.Pickup.Lng,
		&l.Delivery.Address, &l.Delivery.Lat, &l.Delivery.Lng,
		&l.PickupDate, &l.DeliveryDate, &l.SuggestedPrice, &l.Currency,
		&l.Status, &l.PublishedAt, &l.ExpiresAt, &l.CreatedAt, &l.UpdatedAt,
	); err != nil {
		return nil, err
	}
	l.VehicleTypes = make([]models.VehicleType, 0, len(vehicleTypes))
	for _, vt := range vehicleTypes {
		l.VehicleTypes = append(l.VehicleTypes, models.VehicleType(vt))
	}
	return &l, nil
}

func collectLoads(rows pgx.Rows, what string) ([]*models.Load, error) {
	defer rows.Close()
	out := make([]*models.Load, 0)
	for rows.Next() {
		l, err := scanLoad(rows)
		if err != nil {
			return nil, errors.Wrap(err, what)
		}
		out = append(out, l)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (r *queries) GetLoad(ctx context.Context, id string) (*models.Load, error) {
	l, err := scanLoad(r.q.QueryRow(ctx, `SELECT `+loadColumns+` FROM loads WHERE id = $1`, id))
	if err != nil {
		return nil, wrap(err, "select load")
	}
	return l, nil
}

func (r *queries) LockLoad(ctx context.Context, id string) (*models.Load, error) {
	l, err := scanLoad(r.q.QueryRow(ctx, `SELECT `+loadColumns+` FROM loads WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, wrap(err, "lock load")
	}
	return l, nil
}

func (r *queries) InsertLoad(ctx context.Context, l *models.Load) error {
	vehicleTypes := make([]string, 0, len(l.VehicleTypes))
	for _, vt := range l.VehicleTypes {
		vehicleTypes = append(vehicleTypes, string(vt))
	}
	_, err := r.q.Exec(ctx, `
INSERT INTO loads (`+loadColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
`,
		l.ID, l.OwnerID, l.Title, l.Description, l.CargoType, l.WeightKg, vehicleTypes,
		l.Pickup.Address, l.Pickup.Lat, l.Pickup.Lng,
		l.Delivery.Address, l.Delivery.Lat, l.Delivery.Lng,
		l.PickupDate.UTC(), l.DeliveryDate.UTC(), l.SuggestedPrice, l.Currency,
		string(l.Status), l.PublishedAt.UTC(), l.ExpiresAt, l.CreatedAt.UTC(), l.UpdatedAt.UTC(),
	)
	return wrap(err, "insert load")
}

func (r *queries) SetLoadStatus(ctx context.Context, id string, from, to models.LoadStatus, at time.Time) (bool, error) {
	tag, err := r.q.Exec(ctx, `
UPDATE loads SET status = $3, updated_at = $4
WHERE id = $1 AND status = $2
`, id, string(from), string(to), at.UTC())
	if err != nil {
		return false, wrap(err, "update load status")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *queries) ListOpenLoads(ctx context.Context, f models.LoadFilter) ([]*models.Load, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.Query(ctx, `
SELECT `+loadColumns+`
FROM loads
WHERE status = 'OPEN'
  AND ($1 = '' OR $1 = ANY(vehicle_types))
ORDER BY published_at DESC, id
LIMIT $2 OFFSET $3
`, string(f.VehicleType), limit, f.Offset)
	if err != nil {
		return nil, errors.Wrap(err, "select open loads")
	}
	return collectLoads(rows, "scan open load")
}

func (r *queries) ListLoadsByOwner(ctx context.Context, ownerID string) ([]*models.Load, error) {
	rows, err := r.q.Query(ctx, `SELECT `+loadColumns+` FROM loads WHERE owner_id = $1 ORDER BY created_at DESC, id`, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "select owner loads")
	}
	return collectLoads(rows, "scan owner load")
}

func (r *queries) ExpireLoads(ctx context.Context, now time.Time) ([]*models.Load, error) {
	rows, err := r.q.Query(ctx, `
UPDATE loads SET status = 'EXPIRED', updated_at = $1
WHERE status = 'OPEN' AND expires_at IS NOT NULL AND expires_at <= $1
RETURNING `+loadColumns, now.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "expire loads")
	}
	return collectLoads(rows, "scan expired load")
}
