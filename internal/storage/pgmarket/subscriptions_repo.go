package pgmarket

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/kculz/Qonvey-sub001/internal/models"
	"github.com/pkg/errors"
)

const subscriptionColumns = `
  user_id, plan, status, started_at, expires_at,
  loads_this_month, bids_this_month, usage_reset_at`

func scanSubscription(row pgx.Row) (*models.Subscription, error) {
	var s models.Subscription
	if err := row.Scan(
		&s.UserID, &s.Plan, &s.Status, &s.StartedAt, &s.ExpiresAt,
		&s.LoadsThisMonth, &s.BidsThisMonth, &s.UsageResetAt,
	); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *queries) GetSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	s, err := scanSubscription(r.q.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, userID))
	if err != nil {
		return nil, wrap(err, "select subscription")
	}
	return s, nil
}

func (r *queries) LockSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	s, err := scanSubscription(r.q.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, wrap(err, "lock subscription")
	}
	return s, nil
}

func (r *queries) CreateSubscription(ctx context.Context, s *models.Subscription) error {
	_, err := r.q.Exec(ctx, `
INSERT INTO subscriptions (`+subscriptionColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (user_id) DO NOTHING
`, s.UserID, s.Plan, string(s.Status), s.StartedAt.UTC(), s.ExpiresAt, s.LoadsThisMonth, s.BidsThisMonth, s.UsageResetAt.UTC())
	return wrap(err, "insert subscription")
}

// ResetUsage is a compare-and-set on usage_reset_at, so two racing resets
// cannot both succeed and increments made after the first reset survive.
func (r *queries) ResetUsage(ctx context.Context, userID string, expected, now time.Time) (bool, error) {
	tag, err := r.q.Exec(ctx, `
UPDATE subscriptions
SET loads_this_month = 0, bids_this_month = 0, usage_reset_at = $3
WHERE user_id = $1 AND usage_reset_at = $2
`, userID, expected.UTC(), now.UTC())
	if err != nil {
		return false, wrap(err, "reset usage")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *queries) IncrementUsage(ctx context.Context, userID string, action models.Action, limit int64) (bool, error) {
	var col string
	switch action {
	case models.ActionPostLoad:
		col = "loads_this_month"
	case models.ActionPlaceBid:
		col = "bids_this_month"
	default:
		return false, errors.Errorf("action %s has no monthly counter", action)
	}
	tag, err := r.q.Exec(ctx, `
UPDATE subscriptions SET `+col+` = `+col+` + 1
WHERE user_id = $1 AND ($2::bigint < 0 OR `+col+` < $2::bigint)
`, userID, limit)
	if err != nil {
		return false, wrap(err, "increment usage")
	}
	return tag.RowsAffected() == 1, nil
}
