package models

import "time"

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "ACTIVE"
	SubscriptionTrial     SubscriptionStatus = "TRIAL"
	SubscriptionCancelled SubscriptionStatus = "CANCELLED"
	SubscriptionExpired   SubscriptionStatus = "EXPIRED"
)

type Action string

const (
	ActionPostLoad   Action = "POST_LOAD"
	ActionPlaceBid   Action = "PLACE_BID"
	ActionAddVehicle Action = "ADD_VEHICLE"
)

func (a Action) Valid() bool {
	return a == ActionPostLoad || a == ActionPlaceBid || a == ActionAddVehicle
}

// Monthly reports whether the action is counted per usage month.
func (a Action) Monthly() bool {
	return a == ActionPostLoad || a == ActionPlaceBid
}

type Subscription struct {
	UserID         string             `json:"userId"`
	Plan           string             `json:"plan"`
	Status         SubscriptionStatus `json:"status"`
	StartedAt      time.Time          `json:"startedAt"`
	ExpiresAt      *time.Time         `json:"expiresAt,omitempty"`
	LoadsThisMonth int64              `json:"loadsThisMonth"`
	BidsThisMonth  int64              `json:"bidsThisMonth"`
	UsageResetAt   time.Time          `json:"usageResetAt"`
}

// Usable reports whether the paid plan applies at now.
func (s *Subscription) Usable(now time.Time) bool {
	if s.Status != SubscriptionActive && s.Status != SubscriptionTrial {
		return false
	}
	return s.ExpiresAt == nil || now.Before(*s.ExpiresAt)
}

func (s *Subscription) Used(a Action) int64 {
	switch a {
	case ActionPostLoad:
		return s.LoadsThisMonth
	case ActionPlaceBid:
		return s.BidsThisMonth
	}
	return 0
}

// NextUsageReset returns the instant one calendar month after last. Days past the end of the
// target month clamp to its last day, matching PostgreSQL interval '1 month' arithmetic.
func NextUsageReset(last time.Time) time.Time {
	y, m, d := last.Date()
	firstOfNext := time.Date(y, m+1, 1, 0, 0, 0, 0, last.Location())
	lastDay := firstOfNext.AddDate(0, 1, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	hh, mm, ss := last.Clock()
	return time.Date(firstOfNext.Year(), firstOfNext.Month(), d, hh, mm, ss, last.Nanosecond(), last.Location())
}

// UsageResetDue reports whether counters anchored at last must be zeroed at now.
func UsageResetDue(last, now time.Time) bool {
	return !now.Before(NextUsageReset(last))
}
