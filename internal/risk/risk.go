// Package risk classifies how urgent a purchase is and whether its price is a
// good deal. Every function is pure over the order it is given; missing data
// classifies as the neutral band instead of failing.
package risk

import (
	"fmt"
	"time"

	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/types"
)

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

type Savings string

const (
	SavingsGoodDeal   Savings = "good_deal"
	SavingsAverage    Savings = "average"
	SavingsOverpaying Savings = "overpaying"
)

// Percent-of-budget-consumed thresholds
const (
	criticalThreshold = 90.0
	highThreshold     = 75.0
	mediumThreshold   = 50.0

	// Variance band around the historical average, in percent
	savingsBand = 5.0
)

// RelevantDeadline returns the deadline the order is currently racing, or nil
// when its status has none.
func RelevantDeadline(order *types.Order) *time.Time {
	switch order.Status {
	case types.StatusPendingConfirmation:
		return order.ConfirmationDeadline
	case types.StatusConfirmed, types.StatusInProgress:
		return order.ShippingDeadline
	case types.StatusShipped:
		return order.DeliveryDeadline
	}
	return nil
}

// PercentElapsed returns how much of the createdAt..deadline budget has been
// used at now. A deadline at or before creation is fully consumed.
func PercentElapsed(createdAt, deadline, now time.Time) float64 {
	total := deadline.Sub(createdAt)
	if total <= 0 {
		return 100
	}
	return float64(now.Sub(createdAt)) / float64(total) * 100
}

// ClassifyUrgency maps the fraction of the current stage's time budget already
// consumed to an urgency band.
func ClassifyUrgency(order *types.Order, now time.Time) Urgency {
	if order.Status.IsTerminal() {
		return UrgencyLow
	}

	deadline := RelevantDeadline(order)
	if deadline == nil {
		return UrgencyLow
	}

	elapsed := PercentElapsed(order.CreatedAt, *deadline, now)
	switch {
	case elapsed >= criticalThreshold:
		return UrgencyCritical
	case elapsed >= highThreshold:
		return UrgencyHigh
	case elapsed >= mediumThreshold:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// ClassifySavings grades a price variance (percent vs. historical average).
// No variance means no history, which is neutral.
func ClassifySavings(variance *float64) Savings {
	if variance == nil {
		return SavingsAverage
	}
	switch {
	case *variance < -savingsBand:
		return SavingsGoodDeal
	case *variance > savingsBand:
		return SavingsOverpaying
	default:
		return SavingsAverage
	}
}

// AssessHealth derives an order-level health status. An open exception is
// critical even on a finished order.
func AssessHealth(order *types.Order, now time.Time) types.HealthStatus {
	if order.HasException {
		return types.HealthCritical
	}
	if order.Status.IsTerminal() {
		return types.HealthOnTrack
	}
	if deadline := RelevantDeadline(order); deadline != nil && now.After(*deadline) {
		return types.HealthDelayed
	}
	switch ClassifyUrgency(order, now) {
	case UrgencyHigh, UrgencyCritical:
		return types.HealthAtRisk
	}
	return types.HealthOnTrack
}

// ParseUrgency validates a user supplied urgency filter
func ParseUrgency(s string) (Urgency, error) {
	switch u := Urgency(s); u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return u, nil
	}
	return "", fmt.Errorf("unknown urgency %q", s)
}

// ParseSavings validates a user supplied savings filter
func ParseSavings(s string) (Savings, error) {
	switch v := Savings(s); v {
	case SavingsGoodDeal, SavingsAverage, SavingsOverpaying:
		return v, nil
	}
	return "", fmt.Errorf("unknown savings classification %q", s)
}
