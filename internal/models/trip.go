package models

import "time"

type TripStatus string

const (
	TripStatusScheduled  TripStatus = "SCHEDULED"
	TripStatusInProgress TripStatus = "IN_PROGRESS"
	TripStatusCompleted  TripStatus = "COMPLETED"
	TripStatusCancelled  TripStatus = "CANCELLED"
)

func (s TripStatus) Active() bool {
	return s == TripStatusScheduled || s == TripStatusInProgress
}

type RoutePoint struct {
	Seq        int       `json:"seq"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	RecordedAt time.Time `json:"recordedAt"`

	// ReportedAt is the device timestamp of a queued report, if it had one.
	ReportedAt *time.Time `json:"reportedAt,omitempty"`
}

type Trip struct {
	ID           string       `json:"id"`
	LoadID       string       `json:"loadId"`
	BidID        string       `json:"bidId"`
	DriverID     string       `json:"driverId"`
	VehicleID    *string      `json:"vehicleId,omitempty"`
	AgreedPrice  float64      `json:"agreedPrice"`
	Status       TripStatus   `json:"status"`
	Route        []RoutePoint `json:"route,omitempty"`
	StartedAt    *time.Time   `json:"startedAt,omitempty"`
	CompletedAt  *time.Time   `json:"completedAt,omitempty"`
	CancelledAt  *time.Time   `json:"cancelledAt,omitempty"`
	CancelReason *string      `json:"cancelReason,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}
