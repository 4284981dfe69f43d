// Package apperr holds the typed failures returned by marketplace operations.
// Every failure has a Kind used for classification and transport mapping and a
// Reason drawn from a fixed set that clients can branch on.
package apperr

import (
	"errors"
	"fmt"

	"github.com/kculz/Qonvey-sub001/internal/storage"
)

type Kind string

const (
	KindNotFound      Kind = "NOT_FOUND"
	KindUnauthorized  Kind = "UNAUTHORIZED"
	KindInvalidState  Kind = "INVALID_STATE"
	KindQuotaExceeded Kind = "QUOTA_EXCEEDED"
	KindConflict      Kind = "CONFLICT"
	KindValidation    Kind = "VALIDATION_ERROR"
)

type Reason string

const (
	ReasonLoadNotFound       Reason = "LOAD_NOT_FOUND"
	ReasonBidNotFound        Reason = "BID_NOT_FOUND"
	ReasonTripNotFound       Reason = "TRIP_NOT_FOUND"
	ReasonVehicleNotFound    Reason = "VEHICLE_NOT_FOUND"
	ReasonNotLoadOwner       Reason = "NOT_LOAD_OWNER"
	ReasonNotBidOwner        Reason = "NOT_BID_OWNER"
	ReasonNotTripParticipant Reason = "NOT_TRIP_PARTICIPANT"
	ReasonVehicleNotOwned    Reason = "VEHICLE_NOT_OWNED"
	ReasonLoadNotOpen        Reason = "LOAD_NOT_OPEN"
	ReasonBidNotPending      Reason = "BID_NOT_PENDING"
	ReasonTripNotActive      Reason = "TRIP_NOT_ACTIVE"
	ReasonTripNotInProgress  Reason = "TRIP_NOT_IN_PROGRESS"
	ReasonInvalidTransition  Reason = "INVALID_TRANSITION"
	ReasonLoadLimitReached   Reason = "LOAD_LIMIT_REACHED"
	ReasonBidLimitReached    Reason = "BID_LIMIT_REACHED"
	ReasonVehicleLimit       Reason = "VEHICLE_LIMIT_REACHED"
	ReasonLoadNoLongerOpen   Reason = "LOAD_NO_LONGER_OPEN"
	ReasonDuplicatePending   Reason = "DUPLICATE_PENDING_BID"
	ReasonDuplicatePlate     Reason = "DUPLICATE_PLATE_NUMBER"
	ReasonConcurrentUpdate   Reason = "CONCURRENT_UPDATE"
	ReasonCannotBidOwnLoad   Reason = "CANNOT_BID_OWN_LOAD"
	ReasonVehicleInactive    Reason = "VEHICLE_INACTIVE"
	ReasonVehicleTypeDenied  Reason = "VEHICLE_TYPE_NOT_ACCEPTED"
	ReasonInvalidPrice       Reason = "INVALID_PRICE"
	ReasonInvalidInput       Reason = "INVALID_INPUT"
)

// Error is the single concrete error type. Err keeps the cause, if any.
type Error struct {
	Kind      Kind
	Reason    Reason
	Message   string
	UpgradeTo string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works
// regardless of reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Reason != "" && t.Reason != e.Reason {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrUnauthorized  = &Error{Kind: KindUnauthorized}
	ErrInvalidState  = &Error{Kind: KindInvalidState}
	ErrQuotaExceeded = &Error{Kind: KindQuotaExceeded}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrValidation    = &Error{Kind: KindValidation}
)

func NotFound(r Reason, msg string) error {
	return &Error{Kind: KindNotFound, Reason: r, Message: msg}
}

func Unauthorized(r Reason, msg string) error {
	return &Error{Kind: KindUnauthorized, Reason: r, Message: msg}
}

func InvalidState(r Reason, msg string) error {
	return &Error{Kind: KindInvalidState, Reason: r, Message: msg}
}

func QuotaExceeded(r Reason, msg, upgradeTo string) error {
	return &Error{Kind: KindQuotaExceeded, Reason: r, Message: msg, UpgradeTo: upgradeTo}
}

func Conflict(r Reason, msg string, cause error) error {
	return &Error{Kind: KindConflict, Reason: r, Message: msg, Err: cause}
}

func Validation(r Reason, msg string) error {
	return &Error{Kind: KindValidation, Reason: r, Message: msg}
}

// As returns the *Error in err's chain, or nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

func KindOf(err error) Kind {
	if e := As(err); e != nil {
		return e.Kind
	}
	return ""
}

func ReasonOf(err error) Reason {
	if e := As(err); e != nil {
		return e.Reason
	}
	return ""
}

// FromTx converts a transaction that kept losing lock races into a
// CONCURRENT_UPDATE conflict. Other errors pass through unchanged.
func FromTx(err error) error {
	if err != nil && errors.Is(err, storage.ErrSerialization) && As(err) == nil {
		return Conflict(ReasonConcurrentUpdate, "concurrent update, retry the request", err)
	}
	return err
}
