package pgmarket

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/kculz/Qonvey-sub001/internal/models"
	"github.com/pkg/errors"
)

const vehicleColumns = `id, owner_id, type, plate_number, capacity_kg, active, created_at`

func scanVehicle(row pgx.Row) (*models.Vehicle, error) {
	var v models.Vehicle
	if err := row.Scan(&v.ID, &v.OwnerID, &v.Type, &v.PlateNumber, &v.CapacityKg, &v.Active, &v.CreatedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *queries) GetVehicle(ctx context.Context, id string) (*models.Vehicle, error) {
	v, err := scanVehicle(r.q.QueryRow(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE id = $1`, id))
	if err != nil {
		return nil, wrap(err, "select vehicle")
	}
	return v, nil
}

func (r *queries) CountActiveVehicles(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	if err := r.q.QueryRow(ctx, `SELECT count(*) FROM vehicles WHERE owner_id = $1 AND active`, ownerID).Scan(&n); err != nil {
		return 0, wrap(err, "count vehicles")
	}
	return n, nil
}

func (r *queries) InsertVehicle(ctx context.Context, v *models.Vehicle) error {
	_, err := r.q.Exec(ctx, `
INSERT INTO vehicles (`+vehicleColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, v.ID, v.OwnerID, string(v.Type), v.PlateNumber, v.CapacityKg, v.Active, v.CreatedAt.UTC())
	return wrap(err, "insert vehicle")
}

func (r *queries) SetVehicleActive(ctx context.Context, id string, active bool) error {
	tag, err := r.q.Exec(ctx, `UPDATE vehicles SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return wrap(err, "update vehicle")
	}
	if tag.RowsAffected() == 0 {
		return wrap(pgx.ErrNoRows, "update vehicle")
	}
	return nil
}

func (r *queries) ListVehicles(ctx context.Context, ownerID string) ([]*models.Vehicle, error) {
	rows, err := r.q.Query(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE owner_id = $1 ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "select vehicles")
	}
	defer rows.Close()

	out := make([]*models.Vehicle, 0)
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan vehicle")
		}
		out = append(out, v)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
