// Package supplier scores how reliably a seller has delivered to a buyer.
//
// Scores are always recomputed from the full order set and overwrite the
// cached snapshot; they are never updated incrementally.
package supplier

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/metrics"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/types"
)

type Tier string

const (
	TierExcellent Tier = "excellent"
	TierGood      Tier = "good"
	TierAverage   Tier = "average"
	TierPoor      Tier = "poor"
)

const (
	neutralQuality = 3

	onTimeWeight  = 0.4
	qualityWeight = 0.3
	issueWeight   = 0.3

	DefaultSnapshotTTL = time.Hour

	recomputeConcurrency = 4
)

// Metrics is the reliability of one seller as seen by one buyer
type Metrics struct {
	BuyerID          string    `json:"buyer_id"`
	SellerID         string    `json:"seller_id"`
	TotalOrders      int       `json:"total_orders"`
	DeliveredOrders  int       `json:"delivered_orders"`
	OnTimeRate       float64   `json:"on_time_rate"`
	QualityScore     int       `json:"quality_score"`
	AvgDeliveryDays  *float64  `json:"avg_delivery_days"`
	IssueCount       int       `json:"issue_count"`
	ReliabilityScore float64   `json:"reliability_score"`
	ReliabilityTier  Tier      `json:"reliability_tier"`
	ComputedAt       time.Time `json:"computed_at"`
}

// Score derives metrics from every order between one buyer and one seller.
// It returns nil for an empty order set.
func Score(orders []types.Order) *Metrics {
	if len(orders) == 0 {
		return nil
	}

	m := &Metrics{
		BuyerID:     orders[0].BuyerID,
		SellerID:    orders[0].SellerID,
		TotalOrders: len(orders),
	}

	var onTime, deliveredWithException, timedCount, timedTotal int
	for _, o := range orders {
		if o.HasException {
			m.IssueCount++
		}
		if !isDelivered(o) {
			continue
		}
		m.DeliveredOrders++
		if o.HasException {
			deliveredWithException++
		}
		if deliveredOnTime(o) {
			onTime++
		}
		if o.DaysToDeliver != nil {
			timedCount++
			timedTotal += *o.DaysToDeliver
		}
	}

	if m.DeliveredOrders > 0 {
		m.OnTimeRate = round2(float64(onTime) / float64(m.DeliveredOrders) * 100)
		m.QualityScore = qualityScore(float64(deliveredWithException) / float64(m.DeliveredOrders) * 100)
	} else {
		m.QualityScore = neutralQuality
	}

	if timedCount > 0 {
		avg := round2(float64(timedTotal) / float64(timedCount))
		m.AvgDeliveryDays = &avg
	}

	m.ReliabilityScore = Composite(m.OnTimeRate, m.QualityScore, m.IssueCount)
	m.ReliabilityTier = TierFor(m.ReliabilityScore)
	return m
}

// Composite weighs on-time rate, quality and issue count into a 0-100 score
func Composite(onTimeRate float64, quality, issues int) float64 {
	issuePenalty := math.Max(0, 100-float64(issues)*10)
	return round2(onTimeWeight*onTimeRate + qualityWeight*float64(quality*20) + issueWeight*issuePenalty)
}

func TierFor(score float64) Tier {
	switch {
	case score >= 90:
		return TierExcellent
	case score >= 75:
		return TierGood
	case score >= 50:
		return TierAverage
	default:
		return TierPoor
	}
}

// qualityScore maps the exception rate among delivered orders to 1..5
func qualityScore(exceptionRate float64) int {
	switch {
	case exceptionRate < 5:
		return 5
	case exceptionRate < 10:
		return 4
	case exceptionRate < 20:
		return 3
	case exceptionRate < 30:
		return 2
	default:
		return 1
	}
}

// Refunded orders went through delivery first
func isDelivered(o types.Order) bool {
	return o.Status == types.StatusDelivered || o.Status == types.StatusRefunded
}

// deliveredOnTime treats a delivery without a deadline, or without a recorded
// delivery time, as on time.
func deliveredOnTime(o types.Order) bool {
	if o.DeliveryDeadline == nil || o.DeliveredAt == nil {
		return true
	}
	return !o.DeliveredAt.After(*o.DeliveryDeadline)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Service serves supplier metrics through the snapshot cache
type Service struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

func NewService(store Store, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &Service{
		store: store,
		ttl:   ttl,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Metrics returns the buyer's view of sellerID, or nil when they have never
// traded. A fresh snapshot is served unless refresh is set.
func (s *Service) Metrics(ctx context.Context, buyerID, sellerID string, refresh bool) (*Metrics, error) {
	timer := prometheus.NewTimer(metrics.DerivationDuration.WithLabelValues("supplier_metrics"))
	defer timer.ObserveDuration()

	if !refresh {
		snapshot, err := s.store.GetSnapshot(ctx, buyerID, sellerID)
		if err != nil {
			return nil, err
		}
		if snapshot != nil && s.now().Sub(snapshot.ComputedAt) < s.ttl {
			return fromSnapshot(snapshot), nil
		}
	}
	return s.Recompute(ctx, buyerID, sellerID)
}

// Recompute scores the pair from scratch and overwrites the snapshot. A failed
// snapshot write is logged; the freshly computed metrics are still returned.
func (s *Service) Recompute(ctx context.Context, buyerID, sellerID string) (*Metrics, error) {
	orders, err := s.store.SupplierOrders(ctx, buyerID, sellerID)
	if err != nil {
		return nil, err
	}

	m := Score(orders)
	if m == nil {
		return nil, nil
	}
	m.ComputedAt = s.now()

	if err := s.store.SaveSnapshot(ctx, toSnapshot(m)); err != nil {
		log.Warn().
			Err(err).
			Str("buyer_id", buyerID).
			Str("seller_id", sellerID).
			Msg("failed to cache supplier metrics")
	}
	return m, nil
}

// RecomputeAll refreshes the snapshot of every seller the buyer has ordered
// from and returns how many were refreshed.
func (s *Service) RecomputeAll(ctx context.Context, buyerID string) (int, error) {
	sellers, err := s.store.SellersForBuyer(ctx, buyerID)
	if err != nil {
		return 0, err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(recomputeConcurrency)
	for _, sellerID := range sellers {
		sellerID := sellerID
		g.Go(func() error {
			if _, err := s.Recompute(ctx, buyerID, sellerID); err != nil {
				return fmt.Errorf("seller %s: %w", sellerID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	log.Info().Str("buyer_id", buyerID).Int("sellers", len(sellers)).Msg("supplier metrics recomputed")
	return len(sellers), nil
}

func toSnapshot(m *Metrics) *types.SupplierMetricsSnapshot {
	return &types.SupplierMetricsSnapshot{
		BuyerID:          m.BuyerID,
		SellerID:         m.SellerID,
		TotalOrders:      m.TotalOrders,
		DeliveredOrders:  m.DeliveredOrders,
		OnTimeRate:       m.OnTimeRate,
		QualityScore:     m.QualityScore,
		AvgDeliveryDays:  m.AvgDeliveryDays,
		IssueCount:       m.IssueCount,
		ReliabilityScore: m.ReliabilityScore,
		ReliabilityTier:  string(m.ReliabilityTier),
		ComputedAt:       m.ComputedAt,
	}
}

func fromSnapshot(s *types.SupplierMetricsSnapshot) *Metrics {
	return &Metrics{
		BuyerID:          s.BuyerID,
		SellerID:         s.SellerID,
		TotalOrders:      s.TotalOrders,
		DeliveredOrders:  s.DeliveredOrders,
		OnTimeRate:       s.OnTimeRate,
		QualityScore:     s.QualityScore,
		AvgDeliveryDays:  s.AvgDeliveryDays,
		IssueCount:       s.IssueCount,
		ReliabilityScore: s.ReliabilityScore,
		ReliabilityTier:  Tier(s.ReliabilityTier),
		ComputedAt:       s.ComputedAt,
	}
}
