package models

import "time"

type VehicleType string

const (
	VehicleTypePickup       VehicleType = "PICKUP"
	VehicleTypeSmallTruck   VehicleType = "SMALL_TRUCK"
	VehicleTypeMediumTruck  VehicleType = "MEDIUM_TRUCK"
	VehicleTypeLargeTruck   VehicleType = "LARGE_TRUCK"
	VehicleTypeFlatbed      VehicleType = "FLATBED"
	VehicleTypeTanker       VehicleType = "TANKER"
	VehicleTypeRefrigerated VehicleType = "REFRIGERATED"
	VehicleTypeContainer    VehicleType = "CONTAINER"
)

func (t VehicleType) Valid() bool {
	switch t {
	case VehicleTypePickup, VehicleTypeSmallTruck, VehicleTypeMediumTruck, VehicleTypeLargeTruck,
		VehicleTypeFlatbed, VehicleTypeTanker, VehicleTypeRefrigerated, VehicleTypeContainer:
		return true
	}
	return false
}

type Vehicle struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"ownerId"`
	Type        VehicleType `json:"type"`
	PlateNumber string      `json:"plateNumber"`
	CapacityKg  float64     `json:"capacityKg"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"createdAt"`
}

type NewVehicle struct {
	Type        VehicleType `json:"type"`
	PlateNumber string      `json:"plateNumber"`
	CapacityKg  float64     `json:"capacityKg"`
}
