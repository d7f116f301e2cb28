package pricing

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/database"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/risk"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/types"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// history builds newest-first entries from prices given oldest first
func history(prices ...string) []types.PriceHistoryEntry {
	entries := make([]types.PriceHistoryEntry, len(prices))
	for i, p := range prices {
		entries[len(prices)-1-i] = types.PriceHistoryEntry{
			BuyerID:   "buyer-1",
			ItemSKU:   "SKU-1",
			UnitPrice: decimal.RequireFromString(p),
			OrderDate: start.AddDate(0, 0, i),
		}
	}
	return entries
}

type memoryStore struct {
	entries   []types.PriceHistoryEntry
	variances map[string]*float64
	err       error
}

func (m *memoryStore) PriceHistory(_ context.Context, _, _ string) ([]types.PriceHistoryEntry, error) {
	return m.entries, m.err
}

func (m *memoryStore) SetPriceVariance(_ context.Context, orderID string, variance *float64) error {
	if m.variances == nil {
		m.variances = map[string]*float64{}
	}
	m.variances[orderID] = variance
	return nil
}

func TestTrendSymmetry(t *testing.T) {
	assert.Equal(t, TrendUp, TrendOf(history("100", "100", "100", "110", "110", "110")))
	assert.Equal(t, TrendDown, TrendOf(history("100", "100", "100", "90", "90", "90")))
	assert.Equal(t, TrendStable, TrendOf(history("100", "100", "100", "100", "100", "100")))
}

func TestTrendWindow(t *testing.T) {
	assert.Equal(t, TrendStable, TrendOf(nil))
	assert.Equal(t, TrendStable, TrendOf(history("100")))

	// two entries: newest vs oldest
	assert.Equal(t, TrendUp, TrendOf(history("100", "120")))

	// the newest three form the recent window
	assert.Equal(t, TrendUp, TrendOf(history("100", "100", "110", "110", "110")))
	assert.Equal(t, TrendStable, TrendOf(history("100", "110", "110", "110", "110")))

	// within the band
	assert.Equal(t, TrendStable, TrendOf(history("100", "104")))
	assert.Equal(t, TrendStable, TrendOf(history("100", "96")))
}

func TestAnalyze(t *testing.T) {
	cmp := Analyze("SKU-1", history("80", "100", "120"), decimal.RequireFromString("110"))
	require.NotNil(t, cmp)

	assert.True(t, cmp.HistoricalAvg.Equal(decimal.NewFromInt(100)))
	assert.True(t, cmp.HistoricalMin.Equal(decimal.NewFromInt(80)))
	assert.True(t, cmp.HistoricalMax.Equal(decimal.NewFromInt(120)))
	assert.Equal(t, 10.0, cmp.Variance)
	assert.Equal(t, risk.SavingsOverpaying, cmp.Recommendation)
	assert.Equal(t, 3, cmp.SampleSize)

	cheap := Analyze("SKU-1", history("100", "100"), decimal.RequireFromString("90"))
	assert.Equal(t, -10.0, cheap.Variance)
	assert.Equal(t, risk.SavingsGoodDeal, cheap.Recommendation)

	assert.Nil(t, Analyze("SKU-1", nil, decimal.NewFromInt(1)))
}

func TestCompareWithoutHistoryIsNil(t *testing.T) {
	svc := NewService(&memoryStore{})
	cmp, err := svc.Compare(context.Background(), "buyer-1", "SKU-1", decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.Nil(t, cmp)
}

func TestCompareStoreError(t *testing.T) {
	svc := NewService(&memoryStore{err: errors.New("boom")})
	_, err := svc.Compare(context.Background(), "buyer-1", "SKU-1", decimal.NewFromInt(10))
	assert.Error(t, err)
}

func TestSnapshotStoresVariance(t *testing.T) {
	store := &memoryStore{entries: history("100", "100")}
	svc := NewService(store)

	order := &types.Order{OrderID: "ord-1", BuyerID: "buyer-1", ItemSKU: "SKU-1", UnitPrice: decimal.NewFromInt(95)}
	cmp, err := svc.Snapshot(context.Background(), order)
	require.NoError(t, err)
	require.NotNil(t, cmp)

	require.NotNil(t, store.variances["ord-1"])
	assert.Equal(t, -5.0, *store.variances["ord-1"])
	assert.Equal(t, -5.0, *order.PriceVariance)

	empty := &memoryStore{}
	order = &types.Order{OrderID: "ord-2", BuyerID: "buyer-1", ItemSKU: "SKU-9", UnitPrice: decimal.NewFromInt(95)}
	_, err = NewService(empty).Snapshot(context.Background(), order)
	require.NoError(t, err)
	assert.Nil(t, empty.variances["ord-2"])
}

func TestParsePrice(t *testing.T) {
	p, err := ParsePrice("12.50")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.RequireFromString("12.5")))

	_, err = ParsePrice("abc")
	assert.Error(t, err)
	_, err = ParsePrice("-1")
	assert.Error(t, err)
}

func TestDatabasePriceHistoryNewestFirst(t *testing.T) {
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "pricing.db"))
	require.NoError(t, err)
	sqlDB, _ := db.DB()
	defer sqlDB.Close()

	for i, p := range []string{"10", "11", "12"} {
		require.NoError(t, db.Create(&types.PriceHistoryEntry{
			BuyerID:   "buyer-1",
			ItemSKU:   "SKU-1",
			UnitPrice: decimal.RequireFromString(p),
			OrderDate: start.AddDate(0, 0, i),
			OrderID:   "ord-" + p,
		}).Error)
	}
	require.NoError(t, db.Create(&types.PriceHistoryEntry{
		BuyerID: "buyer-2", ItemSKU: "SKU-1", UnitPrice: decimal.NewFromInt(1), OrderDate: start, OrderID: "other",
	}).Error)

	store := NewDatabase(db)
	entries, err := store.PriceHistory(context.Background(), "buyer-1", "SKU-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "ord-12", entries[0].OrderID)
	assert.Equal(t, "ord-10", entries[2].OrderID)
	assert.True(t, entries[0].UnitPrice.Equal(decimal.NewFromInt(12)))

	require.NoError(t, db.Create(&types.Order{OrderID: "ord-x", BuyerID: "buyer-1", Status: types.StatusConfirmed}).Error)
	variance := 7.5
	require.NoError(t, store.SetPriceVariance(context.Background(), "ord-x", &variance))

	var order types.Order
	require.NoError(t, db.Where("order_id = ?", "ord-x").First(&order).Error)
	require.NotNil(t, order.PriceVariance)
	assert.Equal(t, 7.5, *order.PriceVariance)
}
