package models

import "time"

type LoadStatus string

const (
	LoadStatusOpen      LoadStatus = "OPEN"
	LoadStatusAssigned  LoadStatus = "ASSIGNED"
	LoadStatusInTransit LoadStatus = "IN_TRANSIT"
	LoadStatusDelivered LoadStatus = "DELIVERED"
	LoadStatusCancelled LoadStatus = "CANCELLED"
	LoadStatusExpired   LoadStatus = "EXPIRED"
)

// loadTransitions lists every allowed source -> target pair. Anything absent is rejected.
var loadTransitions = map[LoadStatus][]LoadStatus{
	LoadStatusOpen:      {LoadStatusAssigned, LoadStatusCancelled, LoadStatusExpired},
	LoadStatusAssigned:  {LoadStatusInTransit},
	LoadStatusInTransit: {LoadStatusDelivered},
}

func CanTransitionLoad(from, to LoadStatus) bool {
	for _, s := range loadTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s LoadStatus) Terminal() bool {
	return len(loadTransitions[s]) == 0
}

type Location struct {
	Address string   `json:"address"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
}

type Load struct {
	ID             string        `json:"id"`
	OwnerID        string        `json:"ownerId"`
	Title          string        `json:"title"`
	Description    string        `json:"description,omitempty"`
	CargoType      string        `json:"cargoType,omitempty"`
	WeightKg       float64       `json:"weightKg"`
	VehicleTypes   []VehicleType `json:"vehicleTypes"`
	Pickup         Location      `json:"pickup"`
	Delivery       Location      `json:"delivery"`
	PickupDate     time.Time     `json:"pickupDate"`
	DeliveryDate   time.Time     `json:"deliveryDate"`
	SuggestedPrice *float64      `json:"suggestedPrice,omitempty"`
	Currency       string        `json:"currency"`
	Status         LoadStatus    `json:"status"`
	PublishedAt    time.Time     `json:"publishedAt"`
	ExpiresAt      *time.Time    `json:"expiresAt,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Accepts reports whether a vehicle of type vt may carry this load.
func (l *Load) Accepts(vt VehicleType) bool {
	for _, t := range l.VehicleTypes {
		if t == vt {
			return true
		}
	}
	return false
}

type NewLoad struct {
	Title          string        `json:"title"`
	Description    string        `json:"description"`
	CargoType      string        `json:"cargoType"`
	WeightKg       float64       `json:"weightKg"`
	VehicleTypes   []VehicleType `json:"vehicleTypes"`
	Pickup         Location      `json:"pickup"`
	Delivery       Location      `json:"delivery"`
	PickupDate     time.Time     `json:"pickupDate"`
	DeliveryDate   time.Time     `json:"deliveryDate"`
	SuggestedPrice *float64      `json:"suggestedPrice"`
	Currency       string        `json:"currency"`
	ExpiresAt      *time.Time    `json:"expiresAt"`
}

type LoadFilter struct {
	VehicleType VehicleType
	Limit       int
	Offset      int
}
