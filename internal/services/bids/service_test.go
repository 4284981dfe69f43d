package bids

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kculz/Qonvey-sub001/internal/apperr"
	"github.com/kculz/Qonvey-sub001/internal/cache"
	"github.com/kculz/Qonvey-sub001/internal/cache/rediscache"
	"github.com/kculz/Qonvey-sub001/internal/models"
	"github.com/kculz/Qonvey-sub001/internal/plans"
	"github.com/kculz/Qonvey-sub001/internal/services/loads"
	"github.com/kculz/Qonvey-sub001/internal/services/quota"
	"github.com/kculz/Qonvey-sub001/internal/storage/memmarket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, time.June, 2, 8, 0, 0, 0, time.UTC)

type notifierMock struct{ mock.Mock }

func (m *notifierMock) NotifyNewBid(ctx context.Context, ownerID, loadTitle string, price float64, bidderName string) {
	m.Called(ownerID, loadTitle, price, bidderName)
}

func (m *notifierMock) NotifyBidRejected(ctx context.Context, driverID, loadTitle, reason string) {
	m.Called(driverID, loadTitle, reason)
}

type fixture struct {
	st    *memmarket.Store
	loads *loads.Service
	bids  *Service
	notif *notifierMock
	load  *models.Load
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memmarket.New()
	now := func() time.Time { return testNow }
	gate := quota.New(st, plans.NewCatalog(nil)).WithClock(now)
	notif := &notifierMock{}
	notif.On("NotifyNewBid", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Maybe()
	notif.On("NotifyBidRejected", mock.Anything, mock.Anything, mock.Anything).Maybe()

	f := &fixture{
		st:    st,
		loads: loads.New(st, gate).WithClock(now),
		bids:  New(st, gate, notif).WithClock(now),
		notif: notif,
	}
	l, err := f.loads.PostLoad(context.Background(), "owner", models.NewLoad{
		Title:        "Cement",
		WeightKg:     8000,
		VehicleTypes: []models.VehicleType{models.VehicleTypeMediumTruck},
		Pickup:       models.Location{Address: "Harare"},
		Delivery:     models.Location{Address: "Mutare"},
		PickupDate:   testNow.Add(24 * time.Hour),
		DeliveryDate: testNow.Add(36 * time.Hour),
	})
	require.NoError(t, err)
	f.load = l

	st.PutVehicle(models.Vehicle{ID: "vA", OwnerID: "driverA", Type: models.VehicleTypeMediumTruck, PlateNumber: "AAA-1", Active: true})
	st.PutVehicle(models.Vehicle{ID: "vB", OwnerID: "driverB", Type: models.VehicleTypeLargeTruck, PlateNumber: "BBB-1", Active: true})
	return f
}

func strPtr(s string) *string { return &s }

func TestPlaceBid_VehicleTypeScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.bids.PlaceBid(ctx, PlaceBidInput{DriverID: "driverA", DriverName: "Alice", LoadID: f.load.ID, Price: 230, VehicleID: strPtr("vA")})
	require.NoError(t, err)
	require.Equal(t, models.BidStatusPending, a.Status)
	f.notif.AssertCalled(t, "NotifyNewBid", "owner", "Cement", 230.0, "Alice")

	_, err = f.bids.PlaceBid(ctx, PlaceBidInput{DriverID: "driverB", LoadID: f.load.ID, Price: 240, VehicleID: strPtr("vB")})
	require.ErrorIs(t, err, &apperr.Error{Kind: apperr.KindValidation, Reason: apperr.ReasonVehicleTypeDenied})

	list, err := f.bids.ListBidsForLoad(ctx, f.load.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	sub, _ := f.st.Subscription("driverB")
	require.Equal(t, int64(0), sub.BidsThisMonth)
	sub, _ = f.st.Subscription("driverA")
	require.Equal(t, int64(1), sub.BidsThisMonth)
}

func TestPlaceBid_Failures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.st.PutVehicle(models.Vehicle{ID: "vOff", OwnerID: "driverA", Type: models.VehicleTypeMediumTruck, PlateNumber: "OFF-1"})
	past := testNow.Add(-time.Minute)

	cases := []struct {
		name string
		in   PlaceBidInput
		want error
	}{
		{"zero price", PlaceBidInput{DriverID: "driverA", LoadID: f.load.ID}, &apperr.Error{Kind: apperr.KindValidation, Reason: apperr.ReasonInvalidPrice}},
		{"past expiry", PlaceBidInput{DriverID: "driverA", LoadID: f.load.ID, Price: 10, ExpiresAt: &past}, apperr.ErrValidation},
		{"missing load", PlaceBidInput{DriverID: "driverA", LoadID: "nope", Price: 10}, &apperr.Error{Kind: apperr.KindNotFound, Reason: apperr.ReasonLoadNotFound}},
		{"own load", PlaceBidInput{DriverID: "owner", LoadID: f.load.ID, Price: 10}, &apperr.Error{Kind: apperr.KindValidation, Reason: apperr.ReasonCannotBidOwnLoad}},
		{"missing vehicle", PlaceBidInput{DriverID: "driverA", LoadID: f.load.ID, Price: 10, VehicleID: strPtr("ghost")}, &apperr.Error{Kind: apperr.KindNotFound, Reason: apperr.ReasonVehicleNotFound}},
		{"foreign vehicle", PlaceBidInput{DriverID: "driverA", LoadID: f.load.ID, Price: 10, VehicleID: strPtr("vB")}, &apperr.Error{Kind: apperr.KindUnauthorized, Reason: apperr.ReasonVehicleNotOwned}},
		{"inactive vehicle", PlaceBidInput{DriverID: "driverA", LoadID: f.load.ID, Price: 10, VehicleID: strPtr("vOff")}, &apperr.Error{Kind: apperr.KindValidation, Reason: apperr.ReasonVehicleInactive}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.bids.PlaceBid(ctx, tc.in)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestPlaceBid_DuplicatePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.bids.PlaceBid(ctx, PlaceBidInput{DriverID: "driverA", LoadID: f.load.ID, Price: 200})
	require.NoError(t, err)
	_, err = f.bids.PlaceBid(ctx, PlaceBidInput{DriverID: "driverA", LoadID: f.load.ID, Price: 190})
	require.ErrorIs(t, err, &apperr.Error{Kind: apperr.KindConflict, Reason: apperr.ReasonDuplicatePending})

	_, err = f.bids.WithdrawBid(ctx, first.ID, "driverA")
	require.NoError(t, err)
	_, err = f.bids.PlaceBid(ctx, PlaceBidInput{DriverID: "driverA", LoadID: f.load.ID, Price: 190})
	require.NoError(t, err)
}

func TestPlaceBid_ConcurrentSameDriverLeavesOnePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.bids.PlaceBid(ctx, PlaceBidInput{DriverID: "driverA", LoadID: f.load.ID, Price: float64(100 + i)}); err == nil {
				ok.Add(1)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), ok.Load())

	pending := models.BidStatusPending
	list, err := f.bids.ListBidsForDriver(ctx, "driverA", &pending)
	require.NoError(t, err)
	require.Len(t, list, 1)
	sub, _ := f.st.Subscription("driverA")
	require.Equal(t, int64(1), sub.BidsThisMonth)
}

func TestPlaceBid_LoadNotOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.loads.CancelLoad(ctx, f.load.ID, "owner")
	require.NoError(t, err)
	_, err = f.bids.PlaceBid(ctx, PlaceBidInput{DriverID: "driverA", LoadID: f.load.ID, Price: 100})
	require.ErrorIs(t, err, &apperr.Error{Kind: apperr.KindInvalidState, Reason: apperr.ReasonLoadNotOpen})
}

func TestPlaceBid_QuotaDeniedDoesNotInsert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.st.PutSubscription(models.Subscription{
		UserID: "driverA", Plan: plans.Free, Status: models.SubscriptionActive,
		BidsThisMonth: 10, UsageResetAt: testNow,
	})

	_, err := f.bids.PlaceBid(ctx, PlaceBidInput{DriverID: "driverA", LoadID: f.load.ID, Price: 100})
	require.ErrorIs(t, err, &apperr.Error{Kind: apperr.KindQuotaExceeded, Reason: apperr.ReasonBidLimitReached})
	require.Equal(t, plans.Starter, apperr.As(err).UpgradeTo)

	list, err := f.bids.ListBidsForLoad(ctx, f.load.ID)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestPlaceBid_DefaultTTL(t *testing.T) {
	f := newFixture(t)
	f.bids.WithDefaultTTL(48 * time.Hour)

	b, err := f.bids.PlaceBid(context.Background(), PlaceBidInput{DriverID: "driverA", LoadID: f.load.ID, Price: 100})
	require.NoError(t, err)
	require.NotNil(t, b.ExpiresAt)
	require.Equal(t, testNow.Add(48*time.Hour), *b.ExpiresAt)
}

func TestPlaceBid_InsertFailureRollsBackQuota(t *testing.T) {
	f := newFixture(t)
	f.st.FailNext("InsertBid", errors.New("connection reset"))

	_, err := f.bids.PlaceBid(context.Background(), PlaceBidInput{DriverID: "driverA", LoadID: f.load.ID, Price: 100})
	require.Error(t, err)
	require.Equal(t, apperr.Kind(""), apperr.KindOf(err))

	sub, _ := f.st.Subscription("driverA")
	require.Equal(t, int64(0), sub.BidsThisMonth)
}

func TestWithdrawBid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.bids.PlaceBid(ctx, PlaceBidInput{DriverID: "driverA", LoadID: f.load.ID, Price: 100})
	require.NoError(t, err)

	_, err = f.bids.WithdrawBid(ctx, b.ID, "driverB")
	require.ErrorIs(t, err, &apperr.Error{Kind: apperr.KindUnauthorized, Reason: apperr.ReasonNotBidOwner})

	w, err := f.bids.WithdrawBid(ctx, b.ID, "driverA")
	require.NoError(t, err)
	require.Equal(t, models.BidStatusWithdrawn, w.Status)

	_, err = f.bids.WithdrawBid(ctx, b.ID, "driverA")
	require.ErrorIs(t, err, &apperr.Error{Kind: apperr.KindInvalidState, Reason: apperr.ReasonBidNotPending})

	_, err = f.bids.WithdrawBid(ctx, "missing", "driverA")
	require.ErrorIs(t, err, &apperr.Error{Kind: apperr.KindNotFound, Reason: apperr.ReasonBidNotFound})
}

func TestRejectBid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.bids.PlaceBid(ctx, PlaceBidInput{DriverID: "driverA", LoadID: f.load.ID, Price: 100})
	require.NoError(t, err)

	_, err = f.bids.RejectBid(ctx, b.ID, "driverA", "")
	require.ErrorIs(t, err, &apperr.Error{Kind: apperr.KindUnauthorized, Reason: apperr.ReasonNotLoadOwner})

	r, err := f.bids.RejectBid(ctx, b.ID, "owner", "too expensive")
	require.NoError(t, err)
	require.Equal(t, models.BidStatusRejected, r.Status)
	require.Equal(t, "too expensive", *r.RejectReason)
	f.notif.AssertCalled(t, "NotifyBidRejected", "driverA", "Cement", "too expensive")

	_, err = f.bids.RejectBid(ctx, b.ID, "owner", "")
	require.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestUpdateBid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.bids.PlaceBid(ctx, PlaceBidInput{DriverID: "driverA", LoadID: f.load.ID, Price: 100})
	require.NoError(t, err)

	_, err = f.bids.UpdateBid(ctx, b.ID, "driverA", models.BidPatch{})
	require.ErrorIs(t, err, apperr.ErrValidation)

	price := 95.0
	u, err := f.bids.UpdateBid(ctx, b.ID, "driverA", models.BidPatch{ProposedPrice: &price, VehicleID: strPtr("vA"), Message: strPtr(" ready ")})
	require.NoError(t, err)
	require.InDelta(t, 95, u.ProposedPrice, 0.001)
	require.Equal(t, "vA", *u.VehicleID)
	require.Equal(t, "ready", u.Message)

	_, err = f.bids.UpdateBid(ctx, b.ID, "driverA", models.BidPatch{VehicleID: strPtr("vB")})
	require.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = f.bids.UpdateBid(ctx, b.ID, "driverB", models.BidPatch{ProposedPrice: &price})
	require.ErrorIs(t, err, &apperr.Error{Kind: apperr.KindUnauthorized, Reason: apperr.ReasonNotBidOwner})

	got, err := f.bids.GetBid(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, "vA", *got.VehicleID)

	_, err = f.loads.CancelLoad(ctx, f.load.ID, "owner")
	require.NoError(t, err)
	_, err = f.bids.UpdateBid(ctx, b.ID, "driverA", models.BidPatch{ProposedPrice: &price})
	require.ErrorIs(t, err, &apperr.Error{Kind: apperr.KindInvalidState, Reason: apperr.ReasonLoadNotOpen})
}

func TestListBidsForLoad_OrderedByPriceThenTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	clock := testNow
	f.bids.WithClock(func() time.Time { return clock })
	for i, d := range []string{"d1", "d2", "d3"} {
		clock = testNow.Add(time.Duration(i) * time.Minute)
		price := 300.0
		if d == "d3" {
			price = 250
		}
		_, err := f.bids.PlaceBid(ctx, PlaceBidInput{DriverID: d, LoadID: f.load.ID, Price: price})
		require.NoError(t, err)
	}

	list, err := f.bids.ListBidsForLoad(ctx, f.load.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"d3", "d1", "d2"}, []string{list[0].DriverID, list[1].DriverID, list[2].DriverID})

	_, err = f.bids.ListBidsForDriver(ctx, "d1", nil)
	require.NoError(t, err)
	bad := models.BidStatus("LOST")
	_, err = f.bids.ListBidsForDriver(ctx, "d1", &bad)
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestBidStats_CachedAndInvalidated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)
	f.bids.WithCache(rediscache.New(mr.Addr()), time.Minute)

	_, err := f.bids.PlaceBid(ctx, PlaceBidInput{DriverID: "driverA", LoadID: f.load.ID, Price: 230})
	require.NoError(t, err)

	st, err := f.bids.BidStats(ctx, f.load.ID)
	require.NoError(t, err)
	require.Equal(t, 1, st.Total)
	require.True(t, mr.Exists(StatsKey(f.load.ID, "0")))

	_, err = f.bids.PlaceBid(ctx, PlaceBidInput{DriverID: "driverB", LoadID: f.load.ID, Price: 250})
	require.NoError(t, err)
	gen, err := mr.Get(statsGenKey(f.load.ID))
	require.NoError(t, err)
	require.NotEqual(t, "0", gen)
	require.False(t, mr.Exists(StatsKey(f.load.ID, gen)))

	st, err = f.bids.BidStats(ctx, f.load.ID)
	require.NoError(t, err)
	require.Equal(t, 2, st.Total)
	require.InDelta(t, 230, *st.LowestPrice, 0.001)
	require.InDelta(t, 250, *st.HighestPrice, 0.001)
	require.InDelta(t, 240, *st.AveragePrice, 0.001)

	_, err = f.bids.BidStats(ctx, "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

// interleavingCache runs before once, just ahead of the first stats write.
type interleavingCache struct {
	cache.BytesCache
	once   sync.Once
	before func()
}

func (c *interleavingCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !strings.HasSuffix(key, "-gen") {
		c.once.Do(c.before)
	}
	return c.BytesCache.Set(ctx, key, value, ttl)
}

func TestBidStats_BidBetweenReadAndCacheWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)

	_, err := f.bids.PlaceBid(ctx, PlaceBidInput{DriverID: "driverA", LoadID: f.load.ID, Price: 230})
	require.NoError(t, err)

	c := &interleavingCache{BytesCache: rediscache.New(mr.Addr())}
	c.before = func() {
		_, err := f.bids.PlaceBid(ctx, PlaceBidInput{DriverID: "driverB", LoadID: f.load.ID, Price: 250})
		require.NoError(t, err)
	}
	f.bids.WithCache(c, time.Minute)

	st, err := f.bids.BidStats(ctx, f.load.ID)
	require.NoError(t, err)
	require.Equal(t, 1, st.Total)

	st, err = f.bids.BidStats(ctx, f.load.ID)
	require.NoError(t, err)
	require.Equal(t, 2, st.Total)
	require.Equal(t, 2, st.ByStatus[models.BidStatusPending])

	st, err = f.bids.BidStats(ctx, f.load.ID)
	require.NoError(t, err)
	require.Equal(t, 2, st.Total)
}

func TestBidStats_CacheDownFallsBack(t *testing.T) {
	f := newFixture(t)
	mr := miniredis.RunT(t)
	f.bids.WithCache(rediscache.New(mr.Addr()), time.Minute)
	mr.Close()

	st, err := f.bids.BidStats(context.Background(), f.load.ID)
	require.NoError(t, err)
	require.Equal(t, 0, st.Total)
}

func TestExpireBids_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exp := testNow.Add(time.Hour)
	b, err := f.bids.PlaceBid(ctx, PlaceBidInput{DriverID: "driverA", LoadID: f.load.ID, Price: 100, ExpiresAt: &exp})
	require.NoError(t, err)
	_, err = f.bids.PlaceBid(ctx, PlaceBidInput{DriverID: "driverB", LoadID: f.load.ID, Price: 110})
	require.NoError(t, err)

	expired, err := f.bids.ExpireBids(ctx, exp)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, b.ID, expired[0].ID)
	require.Equal(t, models.BidStatusRejected, expired[0].Status)
	require.Equal(t, models.RejectReasonExpired, *expired[0].RejectReason)

	again, err := f.bids.ExpireBids(ctx, exp)
	require.NoError(t, err)
	require.Empty(t, again)
}
