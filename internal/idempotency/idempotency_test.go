package idempotency

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/nabdchainsystem-alt/nabdchain-sub000/pkg/middleware"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/pkg/response"
)

// memoryStore mirrors the gorm store's insert-if-absent contract
type memoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	getErr  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[string]*Record)}
}

func (m *memoryStore) Get(_ context.Context, fingerprint string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	r, ok := m.records[fingerprint]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *memoryStore) Create(_ context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.Fingerprint]; ok {
		return ErrDuplicateFingerprint
	}
	cp := *record
	m.records[record.Fingerprint] = &cp
	return nil
}

func (m *memoryStore) Reclaim(_ context.Context, record *Record, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[record.Fingerprint]
	if !ok || (r.Status != StatusFailed && !r.IsExpired(now)) {
		return ErrNotReclaimable
	}
	cp := *record
	m.records[record.Fingerprint] = &cp
	return nil
}

func (m *memoryStore) Complete(_ context.Context, fingerprint string, status int, body []byte, entityRef *string) error {
	return m.finish(fingerprint, StatusCompleted, status, body, entityRef)
}

func (m *memoryStore) Fail(_ context.Context, fingerprint string, status int, body []byte) error {
	return m.finish(fingerprint, StatusFailed, status, body, nil)
}

func (m *memoryStore) finish(fingerprint string, outcome Status, status int, body []byte, entityRef *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[fingerprint]
	if !ok || r.Status != StatusPending {
		return ErrRecordNotPending
	}
	r.Status = outcome
	r.ResponseStatus = &status
	r.ResponseBody = append([]byte(nil), body...)
	r.CreatedEntityRef = entityRef
	return nil
}

func (m *memoryStore) Delete(_ context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, fingerprint)
	return nil
}

func (m *memoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for fp, r := range m.records {
		if r.IsExpired(now) {
			delete(m.records, fp)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) record(t *testing.T, fingerprint string) *Record {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[fingerprint]
	require.True(t, ok, "no record for fingerprint")
	cp := *r
	return &cp
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

const (
	testKey   = "key-0123456789abcdef"
	payPath   = "/api/v1/orders/ord-1/payments"
	otherPath = "/api/v1/orders/ord-2/payments"
)

type paymentResult struct {
	PaymentID string `json:"payment_id"`
	Sequence  int64  `json:"sequence"`
}

type testHarness struct {
	store  *memoryStore
	clock  *fakeClock
	router *gin.Engine
	calls  atomic.Int64
}

// newHarness registers handler under payPath and otherPath. The caller is
// taken from the X-Caller header to stand in for the auth middleware.
func newHarness(t *testing.T, opts RouteOptions, handler Handler) *testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := &testHarness{
		store: newMemoryStore(),
		clock: &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	if handler == nil {
		handler = func(c *gin.Context) (interface{}, error) {
			n := h.calls.Add(1)
			return paymentResult{PaymentID: "pay-" + c.Param("order_id"), Sequence: n}, nil
		}
	}

	guard := NewGuard(h.store, WithClock(h.clock.Now))
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if caller := c.GetHeader("X-Caller"); caller != "" {
			c.Set(middleware.ClientIDKey, caller)
		}
		c.Next()
	})
	router.POST("/api/v1/orders/:order_id/payments", guard.Wrap(opts, handler))
	h.router = router
	return h
}

func (h *testHarness) send(path, key, caller string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
	if key != "" {
		req.Header.Set(HeaderKey, key)
	}
	if caller != "" {
		req.Header.Set("X-Caller", caller)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return gjson.GetBytes(w.Body.Bytes(), "error.code").String()
}

func TestFingerprint(t *testing.T) {
	base := Fingerprint(testKey, payPath, "buyer-1")

	assert.Len(t, base, 64)
	assert.Equal(t, base, Fingerprint(testKey, payPath, "buyer-1"))
	assert.NotEqual(t, base, Fingerprint(testKey, otherPath, "buyer-1"))
	assert.NotEqual(t, base, Fingerprint(testKey, payPath, "buyer-2"))
	assert.Equal(t, Fingerprint(testKey, payPath, ""), Fingerprint(testKey, payPath, "anonymous"))
}

func TestValidateKey(t *testing.T) {
	assert.ErrorIs(t, ValidateKey(strings.Repeat("k", 15)), ErrInvalidKey)
	assert.NoError(t, ValidateKey(strings.Repeat("k", 16)))
	assert.NoError(t, ValidateKey(strings.Repeat("k", 128)))
	assert.ErrorIs(t, ValidateKey(strings.Repeat("k", 129)), ErrInvalidKey)

	// multi-byte characters count once
	assert.NoError(t, ValidateKey(strings.Repeat("é", 100)))
	assert.ErrorIs(t, ValidateKey(strings.Repeat("é", 15)), ErrInvalidKey)
}

func TestKeyValidation(t *testing.T) {
	t.Run("missing required key", func(t *testing.T) {
		h := newHarness(t, RouteOptions{Required: true}, nil)
		w := h.send(payPath, "", "buyer-1")

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, response.ErrCodeMissingIdempotencyKey, errorCode(t, w))
		assert.Zero(t, h.calls.Load())
	})

	t.Run("missing optional key runs unprotected", func(t *testing.T) {
		h := newHarness(t, RouteOptions{}, nil)

		assert.Equal(t, http.StatusCreated, h.send(payPath, "", "buyer-1").Code)
		assert.Equal(t, http.StatusCreated, h.send(payPath, "", "buyer-1").Code)
		assert.Equal(t, int64(2), h.calls.Load())
		assert.Empty(t, h.store.records)
	})

	t.Run("too short", func(t *testing.T) {
		h := newHarness(t, RouteOptions{}, nil)
		w := h.send(payPath, "short", "buyer-1")

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, response.ErrCodeInvalidIdempotencyKey, errorCode(t, w))
		assert.Zero(t, h.calls.Load())
	})

	t.Run("too long", func(t *testing.T) {
		h := newHarness(t, RouteOptions{Required: true}, nil)
		w := h.send(payPath, strings.Repeat("x", 129), "buyer-1")

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, response.ErrCodeInvalidIdempotencyKey, errorCode(t, w))
	})
}

func TestReplay(t *testing.T) {
	h := newHarness(t, RouteOptions{Required: true, EntityRefPath: "data.payment_id"}, nil)

	first := h.send(payPath, testKey, "buyer-1")
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Empty(t, first.Header().Get(HeaderReplayed))

	second := h.send(payPath, testKey, "buyer-1")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(HeaderReplayed))

	// Side effect happened once
	assert.Equal(t, int64(1), h.calls.Load())

	// Stored bytes are replayed verbatim, with the marker appended
	original := first.Body.Bytes()
	replayed := second.Body.Bytes()
	assert.True(t, bytes.HasPrefix(replayed, original[:len(original)-1]))
	assert.Equal(t, gjson.GetBytes(original, "data").Raw, gjson.GetBytes(replayed, "data").Raw)
	assert.True(t, gjson.GetBytes(replayed, "_idempotent.replayed").Bool())
	assert.Equal(t, "IDEMPOTENT_REPLAY", gjson.GetBytes(replayed, "_idempotent.code").String())

	rec := h.store.record(t, Fingerprint(testKey, payPath, "buyer-1"))
	assert.Equal(t, StatusCompleted, rec.Status)
	require.NotNil(t, rec.CreatedEntityRef)
	assert.Equal(t, "pay-ord-1", *rec.CreatedEntityRef)
	require.NotNil(t, rec.CallerID)
	assert.Equal(t, "buyer-1", *rec.CallerID)
}

func TestCrossScopeNonCollision(t *testing.T) {
	h := newHarness(t, RouteOptions{Required: true}, nil)

	require.Equal(t, http.StatusCreated, h.send(payPath, testKey, "buyer-1").Code)

	otherEndpoint := h.send(otherPath, testKey, "buyer-1")
	assert.Equal(t, http.StatusCreated, otherEndpoint.Code)
	assert.Empty(t, otherEndpoint.Header().Get(HeaderReplayed))
	assert.Equal(t, "pay-ord-2", gjson.GetBytes(otherEndpoint.Body.Bytes(), "data.payment_id").String())

	otherCaller := h.send(payPath, testKey, "buyer-2")
	assert.Equal(t, http.StatusCreated, otherCaller.Code)
	assert.Empty(t, otherCaller.Header().Get(HeaderReplayed))

	anonymous := h.send(payPath, testKey, "")
	assert.Equal(t, http.StatusCreated, anonymous.Code)
	assert.Empty(t, anonymous.Header().Get(HeaderReplayed))

	assert.Equal(t, int64(4), h.calls.Load())
}

func TestConcurrentDuplicateIsRejected(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64

	h := newHarness(t, RouteOptions{Required: true}, func(c *gin.Context) (interface{}, error) {
		calls.Add(1)
		close(entered)
		<-release
		return paymentResult{PaymentID: "pay-1"}, nil
	})

	firstDone := make(chan *httptest.ResponseRecorder)
	go func() {
		firstDone <- h.send(payPath, testKey, "buyer-1")
	}()

	<-entered
	second := h.send(payPath, testKey, "buyer-1")
	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Equal(t, response.ErrCodeRequestInProgress, errorCode(t, second))

	close(release)
	first := <-firstDone
	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, int64(1), calls.Load())
}

func TestConcurrentLoadExecutesOnce(t *testing.T) {
	h := newHarness(t, RouteOptions{Required: true}, nil)

	const workers = 32
	var wg sync.WaitGroup
	codes := make([]int, workers)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			codes[i] = h.send(payPath, testKey, "buyer-1").Code
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), h.calls.Load())
	for _, code := range codes {
		assert.Contains(t, []int{http.StatusCreated, http.StatusConflict}, code)
	}
}

func TestExpiredRecordReopens(t *testing.T) {
	h := newHarness(t, RouteOptions{Required: true}, nil)

	require.Equal(t, http.StatusCreated, h.send(payPath, testKey, "buyer-1").Code)

	h.clock.Advance(DefaultTTL - time.Minute)
	assert.Equal(t, "true", h.send(payPath, testKey, "buyer-1").Header().Get(HeaderReplayed))
	assert.Equal(t, int64(1), h.calls.Load())

	h.clock.Advance(2 * time.Minute)
	fresh := h.send(payPath, testKey, "buyer-1")
	assert.Equal(t, http.StatusCreated, fresh.Code)
	assert.Empty(t, fresh.Header().Get(HeaderReplayed))
	assert.Equal(t, int64(2), h.calls.Load())
	assert.Equal(t, int64(2), gjson.GetBytes(fresh.Body.Bytes(), "data.sequence").Int())
}

func TestExpiredPendingRecordReopens(t *testing.T) {
	h := newHarness(t, RouteOptions{Required: true}, nil)
	fp := Fingerprint(testKey, payPath, "buyer-1")
	require.NoError(t, h.store.Create(context.Background(), &Record{
		Fingerprint: fp,
		Key:         testKey,
		Status:      StatusPending,
		ExpiresAt:   h.clock.Now().Add(-time.Second),
	}))

	assert.Equal(t, http.StatusCreated, h.send(payPath, testKey, "buyer-1").Code)
	assert.Equal(t, int64(1), h.calls.Load())
}

func TestFailedRecordAllowsRetry(t *testing.T) {
	var attempts atomic.Int64
	h := newHarness(t, RouteOptions{Required: true}, func(c *gin.Context) (interface{}, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("payment provider unavailable")
		}
		return paymentResult{PaymentID: "pay-1"}, nil
	})
	fp := Fingerprint(testKey, payPath, "buyer-1")

	first := h.send(payPath, testKey, "buyer-1")
	assert.Equal(t, http.StatusInternalServerError, first.Code)
	assert.Equal(t, StatusFailed, h.store.record(t, fp).Status)

	retry := h.send(payPath, testKey, "buyer-1")
	assert.Equal(t, http.StatusCreated, retry.Code)
	assert.Empty(t, retry.Header().Get(HeaderReplayed))
	assert.Equal(t, int64(2), attempts.Load())
	assert.Equal(t, StatusCompleted, h.store.record(t, fp).Status)
}

func TestClientErrorsAreReplayed(t *testing.T) {
	var attempts atomic.Int64
	h := newHarness(t, RouteOptions{Required: true}, func(c *gin.Context) (interface{}, error) {
		attempts.Add(1)
		return nil, response.NewAPIError(http.StatusUnprocessableEntity, response.ErrCodeValidationFailed, "order already paid", nil)
	})

	first := h.send(payPath, testKey, "buyer-1")
	second := h.send(payPath, testKey, "buyer-1")

	assert.Equal(t, http.StatusUnprocessableEntity, first.Code)
	assert.Equal(t, http.StatusUnprocessableEntity, second.Code)
	assert.Equal(t, "true", second.Header().Get(HeaderReplayed))
	assert.Equal(t, int64(1), attempts.Load())
}

func TestStoreOutageFailsOpen(t *testing.T) {
	h := newHarness(t, RouteOptions{Required: true}, nil)
	h.store.getErr = errors.New("database is locked")

	first := h.send(payPath, testKey, "buyer-1")
	second := h.send(payPath, testKey, "buyer-1")

	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Empty(t, second.Header().Get(HeaderReplayed))
	assert.Equal(t, int64(2), h.calls.Load())
}

func TestSweeperRemovesOnlyExpired(t *testing.T) {
	store := newMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Record{Fingerprint: "old", Status: StatusCompleted, ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, store.Create(ctx, &Record{Fingerprint: "live", Status: StatusPending, ExpiresAt: now.Add(time.Hour)}))

	sweeper := NewSweeper(store, time.Minute)
	sweeper.now = func() time.Time { return now }

	deleted, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.NotContains(t, store.records, "old")
	assert.Contains(t, store.records, "live")
}

func TestSweeperStopsOnCancel(t *testing.T) {
	sweeper := NewSweeper(newMemoryStore(), time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		sweeper.Start(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}

func TestPanickingHandlerMarksRecordFailed(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newMemoryStore()
	var attempts atomic.Int64

	guard := NewGuard(store)
	router := gin.New()
	router.Use(gin.Recovery())
	router.POST("/api/v1/orders/:order_id/payments", guard.Wrap(RouteOptions{Required: true}, func(c *gin.Context) (interface{}, error) {
		if attempts.Add(1) == 1 {
			panic("nil ledger entry")
		}
		return paymentResult{PaymentID: "pay-1"}, nil
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, payPath, strings.NewReader(`{}`))
		req.Header.Set(HeaderKey, testKey)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	first := send()
	assert.Equal(t, http.StatusInternalServerError, first.Code)
	assert.Equal(t, StatusFailed, store.record(t, Fingerprint(testKey, payPath, "")).Status)

	retry := send()
	assert.Equal(t, http.StatusCreated, retry.Code)
	assert.Equal(t, int64(2), attempts.Load())
}
