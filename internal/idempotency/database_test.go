package idempotency

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "idempotency.db")), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Record{}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	return NewDatabase(db)
}

func pendingRecord(fingerprint string, expiresAt time.Time) *Record {
	return &Record{
		Fingerprint: fingerprint,
		Key:         "key-0123456789abcdef",
		Endpoint:    "/api/v1/orders/ord-1/payments",
		Method:      "POST",
		Status:      StatusPending,
		ExpiresAt:   expiresAt,
	}
}

func TestDatabaseCreateIsInsertIfAbsent(t *testing.T) {
	store := newTestDatabase(t)
	ctx := context.Background()
	expires := time.Now().UTC().Add(time.Hour)

	require.NoError(t, store.Create(ctx, pendingRecord("fp-1", expires)))
	assert.ErrorIs(t, store.Create(ctx, pendingRecord("fp-1", expires)), ErrDuplicateFingerprint)

	got, err := store.Get(ctx, "fp-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusPending, got.Status)

	missing, err := store.Get(ctx, "fp-unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDatabaseConcurrentCreateHasOneWinner(t *testing.T) {
	store := newTestDatabase(t)
	ctx := context.Background()
	expires := time.Now().UTC().Add(time.Hour)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = store.Create(ctx, pendingRecord("fp-race", expires))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestDatabaseCompleteStoresResponse(t *testing.T) {
	store := newTestDatabase(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, pendingRecord("fp-1", time.Now().UTC().Add(time.Hour))))

	body := []byte(`{"success":true,"data":{"payment_id":"pay-1"}}`)
	ref := "pay-1"
	require.NoError(t, store.Complete(ctx, "fp-1", 201, body, &ref))

	got, err := store.Get(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.ResponseStatus)
	assert.Equal(t, 201, *got.ResponseStatus)
	assert.JSONEq(t, string(body), string(got.ResponseBody))
	require.NotNil(t, got.CreatedEntityRef)
	assert.Equal(t, "pay-1", *got.CreatedEntityRef)

	// Terminal records cannot be finished twice
	assert.ErrorIs(t, store.Fail(ctx, "fp-1", 500, body), ErrRecordNotPending)
}

func TestDatabaseDeleteAllowsReclaim(t *testing.T) {
	store := newTestDatabase(t)
	ctx := context.Background()
	expires := time.Now().UTC().Add(time.Hour)

	require.NoError(t, store.Create(ctx, pendingRecord("fp-1", expires)))
	require.NoError(t, store.Fail(ctx, "fp-1", 500, []byte(`{"success":false}`)))
	require.NoError(t, store.Delete(ctx, "fp-1"))
	assert.NoError(t, store.Create(ctx, pendingRecord("fp-1", expires)))
}

func TestDatabaseReclaimIsConditional(t *testing.T) {
	store := newTestDatabase(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Create(ctx, pendingRecord("fp-failed", now.Add(time.Hour))))
	require.NoError(t, store.Fail(ctx, "fp-failed", 500, []byte(`{"success":false}`)))

	// Two retries that both observed the failed record: only the first wins
	require.NoError(t, store.Reclaim(ctx, pendingRecord("fp-failed", now.Add(2*time.Hour)), now))
	assert.ErrorIs(t, store.Reclaim(ctx, pendingRecord("fp-failed", now.Add(2*time.Hour)), now), ErrNotReclaimable)

	got, err := store.Get(ctx, "fp-failed")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Nil(t, got.ResponseStatus)
	assert.Empty(t, got.ResponseBody)

	require.NoError(t, store.Create(ctx, pendingRecord("fp-live", now.Add(time.Hour))))
	assert.ErrorIs(t, store.Reclaim(ctx, pendingRecord("fp-live", now.Add(time.Hour)), now), ErrNotReclaimable)

	require.NoError(t, store.Create(ctx, pendingRecord("fp-expired", now.Add(-time.Minute))))
	require.NoError(t, store.Reclaim(ctx, pendingRecord("fp-expired", now.Add(time.Hour)), now))
	assert.ErrorIs(t, store.Reclaim(ctx, pendingRecord("fp-expired", now.Add(time.Hour)), now), ErrNotReclaimable)

	assert.ErrorIs(t, store.Reclaim(ctx, pendingRecord("fp-absent", now.Add(time.Hour)), now), ErrNotReclaimable)
}

func TestDatabaseDeleteExpired(t *testing.T) {
	store := newTestDatabase(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Create(ctx, pendingRecord("fp-old", now.Add(-time.Hour))))
	require.NoError(t, store.Create(ctx, pendingRecord("fp-new", now.Add(time.Hour))))

	deleted, err := store.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	old, err := store.Get(ctx, "fp-old")
	require.NoError(t, err)
	assert.Nil(t, old)

	live, err := store.Get(ctx, "fp-new")
	require.NoError(t, err)
	assert.NotNil(t, live)
}
