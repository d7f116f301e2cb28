// Package timeline rebuilds an order's lifecycle as a fixed list of
// checkpoints from its audit trail and stored fields.
package timeline

import (
	"math"
	"time"

	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/types"
)

type Stage string

const (
	StageCreated    Stage = "created"
	StageConfirmed  Stage = "confirmed"
	StageProcessing Stage = "processing"
	StageShipped    Stage = "shipped"
	StageDelivered  Stage = "delivered"
)

// Checkpoint is one lifecycle stage of an order
type Checkpoint struct {
	Stage        Stage      `json:"stage"`
	ActualDate   *time.Time `json:"actual_date"`
	ExpectedDate *time.Time `json:"expected_date"`
	IsCompleted  bool       `json:"is_completed"`
	IsCurrent    bool       `json:"is_current"`
	IsDelayed    bool       `json:"is_delayed"`
	DelayDays    int        `json:"delay_days,omitempty"`
}

type stageDef struct {
	stage    Stage
	status   types.OrderStatus
	actual   func(o *types.Order) *time.Time
	expected func(o *types.Order) *time.Time
}

var stages = []stageDef{
	{
		stage:    StageCreated,
		status:   types.StatusPendingConfirmation,
		actual:   func(o *types.Order) *time.Time { return &o.CreatedAt },
		expected: func(*types.Order) *time.Time { return nil },
	},
	{
		stage:    StageConfirmed,
		status:   types.StatusConfirmed,
		actual:   func(o *types.Order) *time.Time { return o.ConfirmedAt },
		expected: func(o *types.Order) *time.Time { return o.ConfirmationDeadline },
	},
	{
		stage:    StageProcessing,
		status:   types.StatusInProgress,
		actual:   func(o *types.Order) *time.Time { return o.ProcessingAt },
		expected: func(*types.Order) *time.Time { return nil },
	},
	{
		stage:    StageShipped,
		status:   types.StatusShipped,
		actual:   func(o *types.Order) *time.Time { return o.ShippedAt },
		expected: func(o *types.Order) *time.Time { return o.ShippingDeadline },
	},
	{
		stage:    StageDelivered,
		status:   types.StatusDelivered,
		actual:   func(o *types.Order) *time.Time { return o.DeliveredAt },
		expected: func(o *types.Order) *time.Time { return o.DeliveryDeadline },
	},
}

// Build returns all five checkpoints in lifecycle order, reached or not.
// events must belong to order; their order does not matter.
func Build(order *types.Order, events []types.AuditEvent, now time.Time) []Checkpoint {
	reached := firstReached(events)
	rank := order.Status.Rank()
	sideExit := order.Status.IsSideExit()

	checkpoints := make([]Checkpoint, 0, len(stages))
	for i, def := range stages {
		cp := Checkpoint{
			Stage:        def.stage,
			ExpectedDate: def.expected(order),
			IsCurrent:    order.Status == def.status,
		}

		// Audit events are append-only; order fields may have been overwritten
		if at, ok := reached[def.status]; ok {
			cp.ActualDate = &at
		} else {
			cp.ActualDate = def.actual(order)
		}

		switch {
		case i == 0:
			cp.IsCompleted = true
		case rank >= 0:
			cp.IsCompleted = i <= rank
		default:
			// cancelled or failed: only stages that actually happened count
			cp.IsCompleted = cp.ActualDate != nil
		}

		if !sideExit && !cp.IsCompleted && cp.ExpectedDate != nil && now.After(*cp.ExpectedDate) {
			cp.IsDelayed = true
			cp.DelayDays = int(math.Ceil(now.Sub(*cp.ExpectedDate).Hours() / 24))
		}

		checkpoints = append(checkpoints, cp)
	}
	return checkpoints
}

// firstReached maps each status to the earliest time the order entered it
func firstReached(events []types.AuditEvent) map[types.OrderStatus]time.Time {
	reached := make(map[types.OrderStatus]time.Time, len(events))
	for _, e := range events {
		var status types.OrderStatus
		switch e.Action {
		case types.ActionCreated:
			status = types.StatusPendingConfirmation
		case types.ActionStatusChanged:
			status = e.ToStatus
		default:
			continue
		}
		if prev, ok := reached[status]; !ok || e.CreatedAt.Before(prev) {
			reached[status] = e.CreatedAt
		}
	}
	return reached
}
