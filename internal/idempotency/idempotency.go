package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/metrics"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/pkg/middleware"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/pkg/response"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"

	MinKeyLength = 16
	MaxKeyLength = 128

	DefaultTTL = 24 * time.Hour

	anonymousCaller = "anonymous"
	replayCode      = "IDEMPOTENT_REPLAY"
)

var ErrInvalidKey = fmt.Errorf("idempotency key must be between %d and %d characters", MinKeyLength, MaxKeyLength)

// replayMarker is appended to replayed bodies under "_idempotent"
var replayMarker = []byte(`{"replayed":true,"code":"` + replayCode + `"}`)

// Handler is a guarded handler. It returns its result instead of writing the
// response so the guard can capture the outcome before it is sent.
type Handler func(c *gin.Context) (interface{}, error)

// RouteOptions configures protection for a single route
type RouteOptions struct {
	// Required rejects requests that carry no Idempotency-Key.
	Required bool
	// EntityRefPath is a gjson path into the rendered body naming the entity
	// the request created, e.g. "data.payment_id". Optional.
	EntityRefPath string
}

// Guard makes state-changing handlers safe to retry
type Guard struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	caller func(c *gin.Context) string
}

type GuardOption func(*Guard)

// WithTTL overrides the record lifetime
func WithTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		g.now = now
	}
}

// WithCallerResolver overrides how the caller identity is read from the request
func WithCallerResolver(fn func(c *gin.Context) string) GuardOption {
	return func(g *Guard) {
		g.caller = fn
	}
}

// NewGuard creates a guard backed by store
func NewGuard(store Store, opts ...GuardOption) *Guard {
	g := &Guard{
		store: store,
		ttl:   DefaultTTL,
		now:   func() time.Time { return time.Now().UTC() },
		caller: func(c *gin.Context) string {
			return c.GetString(middleware.ClientIDKey)
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Fingerprint binds a caller supplied key to the endpoint and caller so the
// same key reused elsewhere is a distinct mutation.
func Fingerprint(key, endpoint, callerID string) string {
	if callerID == "" {
		callerID = anonymousCaller
	}
	sum := sha256.Sum256([]byte(key + ":" + endpoint + ":" + callerID))
	return hex.EncodeToString(sum[:])
}

// ValidateKey checks the key length bounds, counted in characters
func ValidateKey(key string) error {
	if n := utf8.RuneCountInString(key); n < MinKeyLength || n > MaxKeyLength {
		return ErrInvalidKey
	}
	return nil
}

// Wrap protects h with the idempotency decision table
func (g *Guard) Wrap(opts RouteOptions, h Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderKey)
		if key == "" {
			if opts.Required {
				observe(metrics.OutcomeRejected)
				response.Fail(c, http.StatusBadRequest, response.ErrCodeMissingIdempotencyKey,
					"Idempotency-Key header is required")
				return
			}
			observe(metrics.OutcomeUnprotected)
			runUnprotected(c, h)
			return
		}

		if err := ValidateKey(key); err != nil {
			observe(metrics.OutcomeRejected)
			response.Fail(c, http.StatusBadRequest, response.ErrCodeInvalidIdempotencyKey, err.Error())
			return
		}

		endpoint := c.Request.URL.Path
		callerID := g.caller(c)
		fingerprint := Fingerprint(key, endpoint, callerID)

		logger := log.With().
			Str("component", "idempotency_guard").
			Str("fingerprint", fingerprint).
			Str("endpoint", endpoint).
			Str("method", c.Request.Method).
			Logger()

		ctx := c.Request.Context()
		now := g.now()

		record, err := g.store.Get(ctx, fingerprint)
		if err != nil {
			g.failOpen(c, h, logger, err, "idempotency lookup failed")
			return
		}

		reclaim := false
		if record != nil {
			switch {
			case record.IsExpired(now):
				logger.Debug().Time("expires_at", record.ExpiresAt).Msg("expired idempotency record discarded")
				reclaim = true

			case record.Status == StatusPending:
				g.inProgress(c, logger, "duplicate request while original is in progress")
				return

			case record.Status == StatusCompleted:
				g.replay(c, record, logger)
				return

			case record.Status == StatusFailed:
				logger.Info().Msg("retrying previously failed request")
				reclaim = true

			default:
				g.failOpen(c, h, logger, fmt.Errorf("unknown status %q", record.Status), "corrupt idempotency record")
				return
			}
		}

		pending := &Record{
			Fingerprint: fingerprint,
			Key:         key,
			Endpoint:    endpoint,
			Method:      c.Request.Method,
			Status:      StatusPending,
			ExpiresAt:   now.Add(g.ttl),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if callerID != "" {
			pending.CallerID = &callerID
		}

		if reclaim {
			err := g.store.Reclaim(ctx, pending, now)
			switch {
			case err == nil:
				if record.IsExpired(now) {
					observe(metrics.OutcomeExpired)
				} else {
					observe(metrics.OutcomeRetriedFailed)
				}
				g.execute(c, h, opts, fingerprint, logger)
				return
			case errors.Is(err, ErrNotReclaimable):
				// Claimed by a concurrent retry, or swept; the insert below
				// settles which.
			default:
				g.failOpen(c, h, logger, err, "failed to reclaim idempotency record")
				return
			}
		}

		if err := g.store.Create(ctx, pending); err != nil {
			if errors.Is(err, ErrDuplicateFingerprint) {
				g.inProgress(c, logger, "lost race for idempotency key")
				return
			}
			g.failOpen(c, h, logger, err, "failed to create idempotency record")
			return
		}

		observe(metrics.OutcomeExecuted)
		g.execute(c, h, opts, fingerprint, logger)
	}
}

func (g *Guard) inProgress(c *gin.Context, logger zerolog.Logger, msg string) {
	logger.Info().Msg(msg)
	observe(metrics.OutcomeInProgress)
	response.Fail(c, http.StatusConflict, response.ErrCodeRequestInProgress,
		"A request with this idempotency key is already being processed")
}

// execute runs h, persists its outcome onto the pending record and sends it
func (g *Guard) execute(c *gin.Context, h Handler, opts RouteOptions, fingerprint string, logger zerolog.Logger) {
	// The outcome must be stored even if the client has gone away.
	ctx := context.WithoutCancel(c.Request.Context())

	// A panicking handler marks the record failed so the key can be retried,
	// then the panic continues to the recovery middleware.
	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("guarded handler panicked")
			status, envelope := response.Build(c.Request.Method, nil, fmt.Errorf("handler panic: %v", p))
			body, _ := json.Marshal(envelope)
			if err := g.store.Fail(ctx, fingerprint, status, body); err != nil {
				logger.Error().Err(err).Msg("failed to mark idempotency record failed")
			}
			panic(p)
		}
	}()

	data, handlerErr := h(c)
	status, envelope := response.Build(c.Request.Method, data, handlerErr)

	body, err := json.Marshal(envelope)
	if err != nil {
		logger.Error().Err(err).Msg("failed to serialize guarded response")
		status, envelope = response.Build(c.Request.Method, nil, err)
		body, _ = json.Marshal(envelope)
	}

	if status >= http.StatusInternalServerError {
		if handlerErr != nil {
			logger.Error().Err(handlerErr).Int("status", status).Msg("guarded handler failed")
		}
		if err := g.store.Fail(ctx, fingerprint, status, body); err != nil {
			logger.Error().Err(err).Msg("failed to mark idempotency record failed")
		}
	} else {
		entityRef := extractEntityRef(body, opts.EntityRefPath)
		if err := g.store.Complete(ctx, fingerprint, status, body, entityRef); err != nil {
			logger.Error().Err(err).Msg("failed to store idempotent response")
		}
	}

	c.Data(status, gin.MIMEJSON, body)
}

func (g *Guard) replay(c *gin.Context, record *Record, logger zerolog.Logger) {
	status := http.StatusOK
	if record.ResponseStatus != nil {
		status = *record.ResponseStatus
	}

	stored := append([]byte(nil), record.ResponseBody...)
	body, err := sjson.SetRawBytes(stored, "_idempotent", replayMarker)
	if err != nil {
		logger.Warn().Err(err).Msg("stored response is not a JSON object, replaying without marker")
		body = record.ResponseBody
	}

	logger.Info().Int("status", status).Msg("replaying stored response")
	observe(metrics.OutcomeReplayed)

	c.Header(HeaderReplayed, "true")
	c.Data(status, gin.MIMEJSON, body)
}

// failOpen runs the handler without protection. Duplicate protection is lost
// for this request but the mutation itself is never blocked by the guard.
func (g *Guard) failOpen(c *gin.Context, h Handler, logger zerolog.Logger, err error, msg string) {
	logger.Error().Err(err).Msg(msg + ", executing without idempotency protection")
	observe(metrics.OutcomeFailOpen)
	runUnprotected(c, h)
}

func runUnprotected(c *gin.Context, h Handler) {
	data, err := h(c)
	response.Handle(c, data, err)
}

func extractEntityRef(body []byte, path string) *string {
	if path == "" {
		return nil
	}
	result := gjson.GetBytes(body, path)
	if !result.Exists() || result.String() == "" {
		return nil
	}
	ref := result.String()
	return &ref
}

func observe(outcome string) {
	metrics.IdempotencyRequestsTotal.WithLabelValues(outcome).Inc()
}
