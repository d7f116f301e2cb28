package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/types"
)

var created = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

func at(d time.Duration) time.Time { return created.Add(d) }

func ptr[T any](v T) *T { return &v }

func TestClassifyUrgencyBands(t *testing.T) {
	order := &types.Order{
		Status:           types.StatusConfirmed,
		CreatedAt:        created,
		ShippingDeadline: ptr(at(10 * day)),
	}

	assert.Equal(t, UrgencyLow, ClassifyUrgency(order, at(4*day)))
	assert.Equal(t, UrgencyMedium, ClassifyUrgency(order, at(6*day)))
	assert.Equal(t, UrgencyHigh, ClassifyUrgency(order, at(8*day)))
	assert.Equal(t, UrgencyCritical, ClassifyUrgency(order, at(9*day+12*time.Hour)))
	assert.Equal(t, UrgencyCritical, ClassifyUrgency(order, at(12*day)))
}

func TestClassifyUrgencyIsMonotonic(t *testing.T) {
	order := &types.Order{
		Status:               types.StatusPendingConfirmation,
		CreatedAt:            created,
		ConfirmationDeadline: ptr(at(3 * day)),
	}

	rank := map[Urgency]int{UrgencyLow: 0, UrgencyMedium: 1, UrgencyHigh: 2, UrgencyCritical: 3}
	prev := -1
	for step := time.Duration(0); step <= 4*day; step += time.Hour {
		got := rank[ClassifyUrgency(order, at(step))]
		assert.GreaterOrEqual(t, got, prev, "urgency decreased at %s", step)
		prev = got
	}
}

func TestClassifyUrgencyUsesStageDeadline(t *testing.T) {
	order := &types.Order{
		CreatedAt:            created,
		ConfirmationDeadline: ptr(at(1 * day)),
		ShippingDeadline:     ptr(at(10 * day)),
		DeliveryDeadline:     ptr(at(20 * day)),
	}
	now := at(2 * day)

	order.Status = types.StatusPendingConfirmation
	assert.Equal(t, UrgencyCritical, ClassifyUrgency(order, now))

	order.Status = types.StatusInProgress
	assert.Equal(t, UrgencyLow, ClassifyUrgency(order, now))

	order.Status = types.StatusShipped
	assert.Equal(t, UrgencyLow, ClassifyUrgency(order, at(8*day)))
	assert.Equal(t, UrgencyMedium, ClassifyUrgency(order, at(11*day)))
}

func TestClassifyUrgencyNeutralCases(t *testing.T) {
	late := at(30 * day)
	for _, status := range []types.OrderStatus{types.StatusDelivered, types.StatusCancelled, types.StatusFailed, types.StatusRefunded} {
		order := &types.Order{Status: status, CreatedAt: created, DeliveryDeadline: ptr(at(day))}
		assert.Equal(t, UrgencyLow, ClassifyUrgency(order, late), status)
	}

	noDeadline := &types.Order{Status: types.StatusConfirmed, CreatedAt: created}
	assert.Equal(t, UrgencyLow, ClassifyUrgency(noDeadline, late))

	zeroBudget := &types.Order{Status: types.StatusShipped, CreatedAt: created, DeliveryDeadline: ptr(created)}
	assert.Equal(t, UrgencyCritical, ClassifyUrgency(zeroBudget, created))
}

func TestClassifySavings(t *testing.T) {
	tests := []struct {
		variance *float64
		want     Savings
	}{
		{nil, SavingsAverage},
		{ptr(-12.0), SavingsGoodDeal},
		{ptr(-5.01), SavingsGoodDeal},
		{ptr(-5.0), SavingsAverage},
		{ptr(0.0), SavingsAverage},
		{ptr(5.0), SavingsAverage},
		{ptr(5.01), SavingsOverpaying},
		{ptr(40.0), SavingsOverpaying},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifySavings(tt.variance))
	}
}

func TestAssessHealth(t *testing.T) {
	base := func() *types.Order {
		return &types.Order{
			Status:           types.StatusConfirmed,
			CreatedAt:        created,
			ShippingDeadline: ptr(at(10 * day)),
		}
	}

	assert.Equal(t, types.HealthOnTrack, AssessHealth(base(), at(2*day)))
	assert.Equal(t, types.HealthAtRisk, AssessHealth(base(), at(8*day)))
	assert.Equal(t, types.HealthDelayed, AssessHealth(base(), at(11*day)))

	exception := base()
	exception.HasException = true
	assert.Equal(t, types.HealthCritical, AssessHealth(exception, at(2*day)))

	delivered := base()
	delivered.Status = types.StatusDelivered
	assert.Equal(t, types.HealthOnTrack, AssessHealth(delivered, at(11*day)))

	delivered.HasException = true
	assert.Equal(t, types.HealthCritical, AssessHealth(delivered, at(11*day)))
}

func TestParseFilters(t *testing.T) {
	u, err := ParseUrgency("high")
	assert.NoError(t, err)
	assert.Equal(t, UrgencyHigh, u)
	_, err = ParseUrgency("urgent")
	assert.Error(t, err)

	s, err := ParseSavings("good_deal")
	assert.NoError(t, err)
	assert.Equal(t, SavingsGoodDeal, s)
	_, err = ParseSavings("cheap")
	assert.Error(t, err)
}
