package apperr

import (
	"fmt"
	"testing"

	"github.com/kculz/Qonvey-sub001/internal/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestError_IsByKind(t *testing.T) {
	err := NotFound(ReasonLoadNotFound, "load L1 not found")
	require.ErrorIs(t, err, ErrNotFound)
	require.NotErrorIs(t, err, ErrConflict)

	wrapped := fmt.Errorf("place bid: %w", err)
	require.ErrorIs(t, wrapped, ErrNotFound)
	require.Equal(t, KindNotFound, KindOf(wrapped))
	require.Equal(t, ReasonLoadNotFound, ReasonOf(wrapped))
}

func TestError_IsByReason(t *testing.T) {
	err := InvalidState(ReasonBidNotPending, "")
	require.ErrorIs(t, err, &Error{Kind: KindInvalidState, Reason: ReasonBidNotPending})
	require.NotErrorIs(t, err, &Error{Kind: KindInvalidState, Reason: ReasonLoadNotOpen})
}

func TestQuotaExceeded_CarriesUpgrade(t *testing.T) {
	err := QuotaExceeded(ReasonLoadLimitReached, "monthly load limit reached", "STARTER")
	e := As(err)
	require.NotNil(t, e)
	require.Equal(t, "STARTER", e.UpgradeTo)
	require.Contains(t, err.Error(), "QUOTA_EXCEEDED")
}

func TestConflict_UnwrapsCause(t *testing.T) {
	cause := errors.New("deadlock detected")
	err := Conflict(ReasonConcurrentUpdate, "retry later", cause)
	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, err, ErrConflict)
}

func TestKindOf_PlainError(t *testing.T) {
	require.Equal(t, Kind(""), KindOf(errors.New("boom")))
	require.Nil(t, As(nil))
}

func TestFromTx(t *testing.T) {
	err := FromTx(errors.Wrap(storage.ErrSerialization, "accept bid"))
	require.ErrorIs(t, err, &Error{Kind: KindConflict, Reason: ReasonConcurrentUpdate})
	require.ErrorIs(t, err, storage.ErrSerialization)

	nf := NotFound(ReasonBidNotFound, "")
	require.Equal(t, nf, FromTx(nf))
	require.NoError(t, FromTx(nil))
}
