package models

import "time"

type BidStatus string

const (
	BidStatusPending   BidStatus = "PENDING"
	BidStatusAccepted  BidStatus = "ACCEPTED"
	BidStatusRejected  BidStatus = "REJECTED"
	BidStatusWithdrawn BidStatus = "WITHDRAWN"
)

// Terminal is true for every status except PENDING.
func (s BidStatus) Terminal() bool {
	return s != BidStatusPending
}

func (s BidStatus) Valid() bool {
	switch s {
	case BidStatusPending, BidStatusAccepted, BidStatusRejected, BidStatusWithdrawn:
		return true
	}
	return false
}

const (
	RejectReasonOtherAccepted = "another bid was accepted"
	RejectReasonExpired       = "bid expired"
)

type Bid struct {
	ID            string     `json:"id"`
	LoadID        string     `json:"loadId"`
	DriverID      string     `json:"driverId"`
	VehicleID     *string    `json:"vehicleId,omitempty"`
	ProposedPrice float64    `json:"proposedPrice"`
	Message       string     `json:"message,omitempty"`
	Status        BidStatus  `json:"status"`
	RejectReason  *string    `json:"rejectReason,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// BidPatch carries the fields a driver may change on a pending bid. Nil means unchanged.
type BidPatch struct {
	ProposedPrice *float64   `json:"proposedPrice,omitempty"`
	VehicleID     *string    `json:"vehicleId,omitempty"`
	Message       *string    `json:"message,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

func (p BidPatch) Empty() bool {
	return p.ProposedPrice == nil && p.VehicleID == nil && p.Message == nil && p.ExpiresAt == nil
}

type BidStats struct {
	LoadID       string            `json:"loadId"`
	Total        int               `json:"total"`
	ByStatus     map[BidStatus]int `json:"byStatus"`
	LowestPrice  *float64          `json:"lowestPrice,omitempty"`
	HighestPrice *float64          `json:"highestPrice,omitempty"`
	AveragePrice *float64          `json:"averagePrice,omitempty"`
}

// ComputeBidStats aggregates counts over all bids and prices over pending ones.
func ComputeBidStats(loadID string, bids []*Bid) BidStats {
	st := BidStats{
		LoadID: loadID,
		ByStatus: map[BidStatus]int{
			BidStatusPending:   0,
			BidStatusAccepted:  0,
			BidStatusRejected:  0,
			BidStatusWithdrawn: 0,
		},
	}
	var sum float64
	var n int
	for _, b := range bids {
		st.Total++
		st.ByStatus[b.Status]++
		if b.Status != BidStatusPending {
			continue
		}
		p := b.ProposedPrice
		if st.LowestPrice == nil || p < *st.LowestPrice {
			st.LowestPrice = &p
		}
		if st.HighestPrice == nil || p > *st.HighestPrice {
			hp := p
			st.HighestPrice = &hp
		}
		sum += p
		n++
	}
	if n > 0 {
		avg := sum / float64(n)
		st.AveragePrice = &avg
	}
	return st
}
