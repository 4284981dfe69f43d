// Package messages holds the JSON payloads exchanged over Kafka and RabbitMQ.
package messages

import "time"

// LocationReported is produced by driver apps on trip.location-reported, keyed by trip id.
type LocationReported struct {
	TripID     string    `json:"trip_id"`
	DriverID   string    `json:"driver_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	RecordedAt time.Time `json:"recorded_at,omitempty"`
}

// BidExpired is published by the sweeper for every bid it expires, keyed by bid id.
type BidExpired struct {
	BidID     string    `json:"bid_id"`
	LoadID    string    `json:"load_id"`
	DriverID  string    `json:"driver_id"`
	ExpiredAt time.Time `json:"expired_at"`
}

// LoadExpired is published by the sweeper for every load it expires, keyed by load id.
type LoadExpired struct {
	LoadID    string    `json:"load_id"`
	OwnerID   string    `json:"owner_id"`
	ExpiredAt time.Time `json:"expired_at"`
}

type NotificationKind string

const (
	NotificationNewBid        NotificationKind = "NEW_BID"
	NotificationBidAccepted   NotificationKind = "BID_ACCEPTED"
	NotificationBidRejected   NotificationKind = "BID_REJECTED"
	NotificationTripCompleted NotificationKind = "TRIP_COMPLETED"
)

// Notification is a job for the communications service queue.
type Notification struct {
	Kind        NotificationKind  `json:"kind"`
	RecipientID string            `json:"recipient_id"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}
