// Package pricing compares a price against what the same buyer historically
// paid for the same SKU.
package pricing

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/metrics"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/risk"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/types"
)

type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

const (
	recentWindow   = 3
	trendThreshold = 5.0
)

var hundred = decimal.NewFromInt(100)

// Comparison is the price intelligence for one SKU at one price
type Comparison struct {
	ItemSKU        string          `json:"item_sku"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	HistoricalAvg  decimal.Decimal `json:"historical_avg"`
	HistoricalMin  decimal.Decimal `json:"historical_min"`
	HistoricalMax  decimal.Decimal `json:"historical_max"`
	Variance       float64         `json:"variance"`
	Recommendation risk.Savings    `json:"recommendation"`
	Trend          Trend           `json:"trend"`
	SampleSize     int             `json:"sample_size"`
}

// Service serves price comparisons
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Compare returns nil when the buyer has never received sku. No history is a
// distinct state, never an implicit "average".
func (s *Service) Compare(ctx context.Context, buyerID, sku string, current decimal.Decimal) (*Comparison, error) {
	timer := prometheus.NewTimer(metrics.DerivationDuration.WithLabelValues("price_compare"))
	defer timer.ObserveDuration()

	entries, err := s.store.PriceHistory(ctx, buyerID, sku)
	if err != nil {
		return nil, err
	}
	return Analyze(sku, entries, current), nil
}

// Snapshot compares the order's unit price with the buyer's history and stores
// the variance on the order. Orders without history get a nil variance.
func (s *Service) Snapshot(ctx context.Context, order *types.Order) (*Comparison, error) {
	cmp, err := s.Compare(ctx, order.BuyerID, order.ItemSKU, order.UnitPrice)
	if err != nil {
		return nil, err
	}

	var variance *float64
	if cmp != nil {
		v := cmp.Variance
		variance = &v
	}
	if err := s.store.SetPriceVariance(ctx, order.OrderID, variance); err != nil {
		return nil, err
	}
	order.PriceVariance = variance

	log.Debug().
		Str("order_id", order.OrderID).
		Str("item_sku", order.ItemSKU).
		Interface("variance", variance).
		Msg("price snapshot recorded")

	return cmp, nil
}

// Analyze computes a comparison over entries (newest first)
func Analyze(sku string, entries []types.PriceHistoryEntry, current decimal.Decimal) *Comparison {
	if len(entries) == 0 {
		return nil
	}

	prices := make([]decimal.Decimal, len(entries))
	for i, e := range entries {
		prices[i] = e.UnitPrice
	}

	avg := decimal.Avg(prices[0], prices[1:]...)
	cmp := &Comparison{
		ItemSKU:       sku,
		CurrentPrice:  current,
		HistoricalAvg: avg.Round(4),
		HistoricalMin: decimal.Min(prices[0], prices[1:]...),
		HistoricalMax: decimal.Max(prices[0], prices[1:]...),
		Variance:      percentChange(avg, current),
		Trend:         TrendOf(entries),
		SampleSize:    len(entries),
	}
	cmp.Recommendation = risk.ClassifySavings(&cmp.Variance)
	return cmp
}

// TrendOf compares the newest min(3, n-1) entries against the rest
func TrendOf(entries []types.PriceHistoryEntry) Trend {
	n := len(entries)
	if n < 2 {
		return TrendStable
	}

	k := recentWindow
	if k > n-1 {
		k = n - 1
	}

	change := percentChange(average(entries[k:]), average(entries[:k]))
	switch {
	case change > trendThreshold:
		return TrendUp
	case change < -trendThreshold:
		return TrendDown
	default:
		return TrendStable
	}
}

// ParsePrice parses a price query parameter
func ParsePrice(s string) (decimal.Decimal, error) {
	price, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q: %w", s, err)
	}
	if price.IsNegative() {
		return decimal.Zero, fmt.Errorf("price must not be negative")
	}
	return price, nil
}

func average(entries []types.PriceHistoryEntry) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.UnitPrice)
	}
	return sum.Div(decimal.NewFromInt(int64(len(entries))))
}

// percentChange returns (to - from) / from * 100 rounded to two places, or 0
// when from is zero.
func percentChange(from, to decimal.Decimal) float64 {
	if from.IsZero() {
		return 0
	}
	return to.Sub(from).Div(from).Mul(hundred).Round(2).InexactFloat64()
}
