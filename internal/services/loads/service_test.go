package loads

import (
	"context"
	"testing"
	"time"

	"github.com/kculz/Qonvey-sub001/internal/apperr"
	"github.com/kculz/Qonvey-sub001/internal/models"
	"github.com/kculz/Qonvey-sub001/internal/plans"
	"github.com/kculz/Qonvey-sub001/internal/services/quota"
	"github.com/kculz/Qonvey-sub001/internal/storage"
	"github.com/kculz/Qonvey-sub001/internal/storage/memmarket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, time.June, 2, 8, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *memmarket.Store) {
	t.Helper()
	st := memmarket.New()
	now := func() time.Time { return testNow }
	gate := quota.New(st, plans.NewCatalog(nil)).WithClock(now)
	return New(st, gate).WithClock(now), st
}

func sampleLoad() models.NewLoad {
	price := 250.0
	return models.NewLoad{
		Title:          "Maize to Bulawayo",
		CargoType:      "grain",
		WeightKg:       12000,
		VehicleTypes:   []models.VehicleType{models.VehicleTypeMediumTruck, models.VehicleTypeMediumTruck},
		Pickup:         models.Location{Address: "Harare"},
		Delivery:       models.Location{Address: "Bulawayo"},
		PickupDate:     testNow.Add(24 * time.Hour),
		DeliveryDate:   testNow.Add(48 * time.Hour),
		SuggestedPrice: &price,
	}
}

func TestPostLoad_CreatesOpenLoadAndCountsUsage(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	l, err := svc.PostLoad(ctx, "owner", sampleLoad())
	require.NoError(t, err)
	require.NotEmpty(t, l.ID)
	require.Equal(t, models.LoadStatusOpen, l.Status)
	require.Equal(t, "USD", l.Currency)
	require.Equal(t, []models.VehicleType{models.VehicleTypeMediumTruck}, l.VehicleTypes)

	got, err := svc.GetLoad(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, l.Title, got.Title)

	sub, ok := st.Subscription("owner")
	require.True(t, ok)
	require.Equal(t, int64(1), sub.LoadsThisMonth)
}

func TestPostLoad_FreePlanLimit(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.PostLoad(ctx, "owner", sampleLoad())
		require.NoError(t, err)
	}
	_, err := svc.PostLoad(ctx, "owner", sampleLoad())
	require.ErrorIs(t, err, apperr.ErrQuotaExceeded)
	require.Equal(t, apperr.ReasonLoadLimitReached, apperr.ReasonOf(err))
	require.Equal(t, plans.Starter, apperr.As(err).UpgradeTo)

	owned, err := svc.ListLoadsForOwner(ctx, "owner")
	require.NoError(t, err)
	require.Len(t, owned, 3)

	sub, _ := st.Subscription("owner")
	require.Equal(t, int64(3), sub.LoadsThisMonth)
}

func TestPostLoad_Validation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	cases := map[string]func(*models.NewLoad){
		"no title":         func(in *models.NewLoad) { in.Title = "  " },
		"zero weight":      func(in *models.NewLoad) { in.WeightKg = 0 },
		"no vehicle types": func(in *models.NewLoad) { in.VehicleTypes = nil },
		"bad vehicle type": func(in *models.NewLoad) { in.VehicleTypes = []models.VehicleType{"BOAT"} },
		"no pickup":        func(in *models.NewLoad) { in.Pickup.Address = "" },
		"dates reversed":   func(in *models.NewLoad) { in.DeliveryDate = in.PickupDate.Add(-time.Hour) },
		"negative price": func(in *models.NewLoad) {
			p := -1.0
			in.SuggestedPrice = &p
		},
		"expired": func(in *models.NewLoad) {
			e := testNow.Add(-time.Minute)
			in.ExpiresAt = &e
		},
		"latitude": func(in *models.NewLoad) {
			lat := 91.0
			in.Pickup.Lat = &lat
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := sampleLoad()
			mutate(&in)
			_, err := svc.PostLoad(ctx, "owner", in)
			require.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestPostLoad_RollsBackOnInsertFailure(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	st.FailNext("InsertLoad", errors.New("disk full"))
	_, err := svc.PostLoad(ctx, "owner", sampleLoad())
	require.Error(t, err)

	sub, _ := st.Subscription("owner")
	require.Equal(t, int64(0), sub.LoadsThisMonth)
	owned, err := svc.ListLoadsForOwner(ctx, "owner")
	require.NoError(t, err)
	require.Empty(t, owned)
}

func TestPostLoad_SerializationBecomesConflict(t *testing.T) {
	svc, st := newService(t)

	st.FailNext("IncrementUsage", errors.Wrap(storage.ErrSerialization, "post load"))
	_, err := svc.PostLoad(context.Background(), "owner", sampleLoad())
	require.ErrorIs(t, err, &apperr.Error{Kind: apperr.KindConflict, Reason: apperr.ReasonConcurrentUpdate})
}

func TestCancelLoad(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	l, err := svc.PostLoad(ctx, "owner", sampleLoad())
	require.NoError(t, err)

	_, err = svc.CancelLoad(ctx, l.ID, "someone-else")
	require.ErrorIs(t, err, apperr.ErrUnauthorized)

	cancelled, err := svc.CancelLoad(ctx, l.ID, "owner")
	require.NoError(t, err)
	require.Equal(t, models.LoadStatusCancelled, cancelled.Status)

	_, err = svc.CancelLoad(ctx, l.ID, "owner")
	require.ErrorIs(t, err, &apperr.Error{Kind: apperr.KindInvalidState, Reason: apperr.ReasonInvalidTransition})

	_, err = svc.CancelLoad(ctx, "missing", "owner")
	require.ErrorIs(t, err, &apperr.Error{Kind: apperr.KindNotFound, Reason: apperr.ReasonLoadNotFound})
}

func TestTransition_FollowsLifecycle(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	l, err := svc.PostLoad(ctx, "owner", sampleLoad())
	require.NoError(t, err)

	err = st.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, err := Transition(ctx, tx, l.ID, models.LoadStatusInTransit, testNow, nil)
		return err
	})
	require.ErrorIs(t, err, apperr.ErrInvalidState)

	err = st.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := Transition(ctx, tx, l.ID, models.LoadStatusAssigned, testNow, nil); err != nil {
			return err
		}
		_, err := Transition(ctx, tx, l.ID, models.LoadStatusInTransit, testNow, nil)
		return err
	})
	require.NoError(t, err)

	got, err := svc.GetLoad(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, models.LoadStatusInTransit, got.Status)

	refused := errors.New("refused")
	err = st.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, err := Transition(ctx, tx, l.ID, models.LoadStatusDelivered, testNow, func(*models.Load) error {
			return refused
		})
		return err
	})
	require.ErrorIs(t, err, refused)
	got, err = svc.GetLoad(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, models.LoadStatusInTransit, got.Status)
}

func TestListOpenLoads_FiltersByVehicleType(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	a, err := svc.PostLoad(ctx, "owner", sampleLoad())
	require.NoError(t, err)
	in := sampleLoad()
	in.VehicleTypes = []models.VehicleType{models.VehicleTypeTanker}
	b, err := svc.PostLoad(ctx, "owner", in)
	require.NoError(t, err)
	_, err = svc.CancelLoad(ctx, a.ID, "owner")
	require.NoError(t, err)

	open, err := svc.ListOpenLoads(ctx, models.LoadFilter{})
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, b.ID, open[0].ID)

	open, err = svc.ListOpenLoads(ctx, models.LoadFilter{VehicleType: models.VehicleTypeMediumTruck})
	require.NoError(t, err)
	require.Empty(t, open)

	_, err = svc.ListOpenLoads(ctx, models.LoadFilter{VehicleType: "BOAT"})
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestExpireLoads(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	in := sampleLoad()
	exp := testNow.Add(time.Hour)
	in.ExpiresAt = &exp
	l, err := svc.PostLoad(ctx, "owner", in)
	require.NoError(t, err)

	expired, err := svc.ExpireLoads(ctx, testNow)
	require.NoError(t, err)
	require.Empty(t, expired)

	expired, err = svc.ExpireLoads(ctx, exp)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, l.ID, expired[0].ID)
	require.Equal(t, models.LoadStatusExpired, expired[0].Status)

	expired, err = svc.ExpireLoads(ctx, exp.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, expired)
}
