package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kculz/Qonvey-sub001/internal/apperr"
	"github.com/kculz/Qonvey-sub001/internal/models"
	"github.com/kculz/Qonvey-sub001/internal/plans"
	"github.com/kculz/Qonvey-sub001/internal/storage"
	"github.com/pkg/errors"
)

type Decision struct {
	Action    models.Action `json:"action"`
	Plan      string        `json:"plan"`
	Allowed   bool          `json:"allowed"`
	Reason    apperr.Reason `json:"reason,omitempty"`
	Limit     int64         `json:"limit"`
	Used      int64         `json:"used"`
	Remaining int64         `json:"remaining"`
	UpgradeTo string        `json:"upgradeTo,omitempty"`
}

// Gate enforces plan limits. Monthly counters are reset lazily on first use
// after the usage month rolls over.
type Gate struct {
	store   storage.Store
	catalog *plans.Catalog
	now     func() time.Time
}

func New(store storage.Store, catalog *plans.Catalog) *Gate {
	if catalog == nil {
		catalog = plans.NewCatalog(nil)
	}
	return &Gate{store: store, catalog: catalog, now: func() time.Time { return time.Now().UTC() }}
}

func (g *Gate) WithClock(now func() time.Time) *Gate {
	if now != nil {
		g.now = now
	}
	return g
}

// Check evaluates whether userID may perform action right now. It never
// increments a counter.
func (g *Gate) Check(ctx context.Context, userID string, action models.Action) (Decision, error) {
	if userID == "" {
		return Decision{}, apperr.Validation(apperr.ReasonInvalidInput, "user id is required")
	}
	if !action.Valid() {
		return Decision{}, apperr.Validation(apperr.ReasonInvalidInput, fmt.Sprintf("unknown action %q", action))
	}
	var dec Decision
	err := g.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		dec, err = g.Evaluate(ctx, tx, userID, action)
		return err
	})
	return dec, err
}

// Evaluate is Check inside a caller's transaction.
func (g *Gate) Evaluate(ctx context.Context, tx storage.Tx, userID string, action models.Action) (Decision, error) {
	sub, err := g.current(ctx, tx, userID)
	if err != nil {
		return Decision{}, err
	}
	plan, limits := g.effective(sub)

	used := sub.Used(action)
	if !action.Monthly() {
		used, err = tx.CountActiveVehicles(ctx, userID)
		if err != nil {
			return Decision{}, err
		}
	}

	limit := limits.For(action)
	dec := Decision{
		Action:    action,
		Plan:      plan,
		Allowed:   plans.Allows(limit, used),
		Limit:     limit,
		Used:      used,
		Remaining: plans.Remaining(limit, used),
	}
	if !dec.Allowed {
		g.deny(&dec)
	}
	return dec, nil
}

// Consume records one use of action inside tx. Monthly counters use a
// conditional increment, so concurrent callers can never push a counter past
// its limit. Vehicle slots are counted under the subscription row lock.
// A denial is returned as a QuotaExceeded error and nothing is written.
func (g *Gate) Consume(ctx context.Context, tx storage.Tx, userID string, action models.Action) (Decision, error) {
	if !action.Monthly() {
		if _, err := g.current(ctx, tx, userID); err != nil {
			return Decision{}, err
		}
		if _, err := tx.LockSubscription(ctx, userID); err != nil {
			return Decision{}, err
		}
	}

	dec, err := g.Evaluate(ctx, tx, userID, action)
	if err != nil {
		return Decision{}, err
	}
	if !dec.Allowed {
		return dec, Deny(dec)
	}
	if !action.Monthly() {
		return dec, nil
	}

	ok, err := tx.IncrementUsage(ctx, userID, action, dec.Limit)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		dec.Allowed = false
		dec.Used = dec.Limit
		dec.Remaining = 0
		g.deny(&dec)
		return dec, Deny(dec)
	}
	dec.Used++
	dec.Remaining = plans.Remaining(dec.Limit, dec.Used)
	return dec, nil
}

// Deny converts a negative decision into the error surfaced to callers.
func Deny(dec Decision) error {
	return apperr.QuotaExceeded(dec.Reason,
		fmt.Sprintf("%s plan allows %d per period for %s", dec.Plan, dec.Limit, dec.Action),
		dec.UpgradeTo)
}

func (g *Gate) deny(dec *Decision) {
	dec.Reason = reasonFor(dec.Action)
	dec.UpgradeTo = g.catalog.UpgradeFor(dec.Plan, dec.Action)
}

// current loads the subscription, creating a FREE one on first use and
// applying the lazy monthly reset.
func (g *Gate) current(ctx context.Context, tx storage.Tx, userID string) (*models.Subscription, error) {
	now := g.now()
	sub, err := tx.GetSubscription(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		if err := tx.CreateSubscription(ctx, &models.Subscription{
			UserID:       userID,
			Plan:         plans.Free,
			Status:       models.SubscriptionActive,
			StartedAt:    now,
			UsageResetAt: now,
		}); err != nil {
			return nil, err
		}
		sub, err = tx.GetSubscription(ctx, userID)
	}
	if err != nil {
		return nil, err
	}

	if !models.UsageResetDue(sub.UsageResetAt, now) {
		return sub, nil
	}
	reset, err := tx.ResetUsage(ctx, userID, sub.UsageResetAt, now)
	if err != nil {
		return nil, err
	}
	if !reset {
		// Someone else reset first; their counters are authoritative.
		return tx.GetSubscription(ctx, userID)
	}
	slog.Info("usage counters reset", "user_id", userID, "previous_reset", sub.UsageResetAt)
	sub.LoadsThisMonth = 0
	sub.BidsThisMonth = 0
	sub.UsageResetAt = now
	return sub, nil
}

// effective falls back to FREE limits for lapsed subscriptions and unknown plans.
func (g *Gate) effective(sub *models.Subscription) (string, plans.Limits) {
	if sub.Usable(g.now()) {
		if l, ok := g.catalog.Limits(sub.Plan); ok {
			return sub.Plan, l
		}
		slog.Warn("unknown plan, using FREE limits", "user_id", sub.UserID, "plan", sub.Plan)
	}
	l, _ := g.catalog.Limits(plans.Free)
	return plans.Free, l
}

func reasonFor(a models.Action) apperr.Reason {
	switch a {
	case models.ActionPostLoad:
		return apperr.ReasonLoadLimitReached
	case models.ActionPlaceBid:
		return apperr.ReasonBidLimitReached
	}
	return apperr.ReasonVehicleLimit
}
