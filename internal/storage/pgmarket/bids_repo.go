package pgmarket

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/kculz/Qonvey-sub001/internal/models"
	"github.com/pkg/errors"
)

const bidColumns = `
  id, load_id, driver_id, vehicle_id, proposed_price, message,
  status, reject_reason, expires_at, created_at, updated_at`

func scanBid(row pgx.Row) (*models.Bid, error) {
	var b models.Bid
	if err := row.Scan(
		&b.ID, &b.LoadID, &b.DriverID, &b.VehicleID, &b.ProposedPrice, &b.Message,
		&b.Status, &b.RejectReason, &b.ExpiresAt, &b.CreatedAt, &b.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &b, nil
}

func collectBids(rows pgx.Rows, what string) ([]*models.Bid, error) {
	defer rows.Close()
	out := make([]*models.Bid, 0)
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, errors.Wrap(err, what)
		}
		out = append(out, b)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (r *queries) GetBid(ctx context.Context, id string) (*models.Bid, error) {
	b, err := scanBid(r.q.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, id))
	if err != nil {
		return nil, wrap(err, "select bid")
	}
	return b, nil
}

func (r *queries) LockBid(ctx context.Context, id string) (*models.Bid, error) {
	b, err := scanBid(r.q.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, wrap(err, "lock bid")
	}
	return b, nil
}

func (r *queries) HasPendingBid(ctx context.Context, loadID, driverID string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM bids WHERE load_id = $1 AND driver_id = $2 AND status = 'PENDING'
)`, loadID, driverID).Scan(&exists)
	if err != nil {
		return false, wrap(err, "select pending bid")
	}
	return exists, nil
}

func (r *queries) InsertBid(ctx context.Context, b *models.Bid) error {
	_, err := r.q.Exec(ctx, `
INSERT INTO bids (`+bidColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`,
		b.ID, b.LoadID, b.DriverID, b.VehicleID, b.ProposedPrice, b.Message,
		string(b.Status), b.RejectReason, b.ExpiresAt, b.CreatedAt.UTC(), b.UpdatedAt.UTC(),
	)
	return wrap(err, "insert bid")
}

func (r *queries) SetBidStatus(ctx context.Context, id string, to models.BidStatus, reason *string, at time.Time) (bool, error) {
	tag, err := r.q.Exec(ctx, `
UPDATE bids SET status = $2, reject_reason = $3, updated_at = $4
WHERE id = $1 AND status = 'PENDING'
`, id, string(to), reason, at.UTC())
	if err != nil {
		return false, wrap(err, "update bid status")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *queries) UpdateBidTerms(ctx context.Context, b *models.Bid) error {
	tag, err := r.q.Exec(ctx, `
UPDATE bids
SET proposed_price = $2, vehicle_id = $3, message = $4, expires_at = $5, updated_at = $6
WHERE id = $1 AND status = 'PENDING'
`, b.ID, b.ProposedPrice, b.VehicleID, b.Message, b.ExpiresAt, b.UpdatedAt.UTC())
	if err != nil {
		return wrap(err, "update bid terms")
	}
	if tag.RowsAffected() == 0 {
		return wrap(pgx.ErrNoRows, "update bid terms")
	}
	return nil
}

func (r *queries) RejectPendingBids(ctx context.Context, loadID, exceptBidID, reason string, at time.Time) ([]*models.Bid, error) {
	rows, err := r.q.Query(ctx, `
UPDATE bids SET status = 'REJECTED', reject_reason = $3, updated_at = $4
WHERE load_id = $1 AND id <> $2 AND status = 'PENDING'
RETURNING `+bidColumns, loadID, exceptBidID, reason, at.UTC())
	if err != nil {
		return nil, wrap(err, "reject pending bids")
	}
	return collectBids(rows, "scan rejected bid")
}

func (r *queries) ListBidsForLoad(ctx context.Context, loadID string) ([]*models.Bid, error) {
	rows, err := r.q.Query(ctx, `
SELECT `+bidColumns+`
FROM bids
WHERE load_id = $1
ORDER BY proposed_price ASC, created_at ASC, id ASC
`, loadID)
	if err != nil {
		return nil, errors.Wrap(err, "select load bids")
	}
	return collectBids(rows, "scan load bid")
}

func (r *queries) ListBidsForDriver(ctx context.Context, driverID string, status *models.BidStatus) ([]*models.Bid, error) {
	var st string
	if status != nil {
		st = string(*status)
	}
	rows, err := r.q.Query(ctx, `
SELECT `+bidColumns+`
FROM bids
WHERE driver_id = $1 AND ($2 = '' OR status = $2)
ORDER BY created_at DESC, id
`, driverID, st)
	if err != nil {
		return nil, errors.Wrap(err, "select driver bids")
	}
	return collectBids(rows, "scan driver bid")
}

func (r *queries) ExpireBids(ctx context.Context, now time.Time) ([]*models.Bid, error) {
	rows, err := r.q.Query(ctx, `
UPDATE bids SET status = 'REJECTED', reject_reason = $2, updated_at = $1
WHERE status = 'PENDING' AND expires_at IS NOT NULL AND expires_at <= $1
RETURNING `+bidColumns, now.UTC(), models.RejectReasonExpired)
	if err != nil {
		return nil, errors.Wrap(err, "expire bids")
	}
	return collectBids(rows, "scan expired bid")
}
