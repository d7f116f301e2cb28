package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrDuplicateFingerprint is returned by Store.Create when another request
	// already holds the fingerprint.
	ErrDuplicateFingerprint = errors.New("idempotency fingerprint already exists")
	// ErrRecordNotPending is returned when an outcome is recorded against a
	// record that is no longer pending (swept or replaced).
	ErrRecordNotPending = errors.New("idempotency record is not pending")
	// ErrNotReclaimable is returned by Store.Reclaim when the record is
	// neither failed nor expired, usually because a concurrent retry already
	// reclaimed it.
	ErrNotReclaimable = errors.New("idempotency record is not reclaimable")
)

// Store persists idempotency records
type Store interface {
	// Get returns nil, nil when no record exists for fingerprint.
	Get(ctx context.Context, fingerprint string) (*Record, error)
	// Create inserts record only if its fingerprint is absent.
	Create(ctx context.Context, record *Record) error
	// Reclaim replaces a failed or expired record with record (pending) in
	// one conditional write.
	Reclaim(ctx context.Context, record *Record, now time.Time) error
	Complete(ctx context.Context, fingerprint string, status int, body []byte, entityRef *string) error
	Fail(ctx context.Context, fingerprint string, status int, body []byte) error
	Delete(ctx context.Context, fingerprint string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Database is the gorm backed Store
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Get(ctx context.Context, fingerprint string) (*Record, error) {
	var record Record
	if err := d.db.WithContext(ctx).Where("fingerprint = ?", fingerprint).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch idempotency record: %w", err)
	}
	return &record, nil
}

func (d *Database) Create(ctx context.Context, record *Record) error {
	if err := d.db.WithContext(ctx).Create(record).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateFingerprint
		}
		return fmt.Errorf("failed to create idempotency record: %w", err)
	}
	return nil
}

func (d *Database) Reclaim(ctx context.Context, record *Record, now time.Time) error {
	result := d.db.WithContext(ctx).Model(&Record{}).
		Where("fingerprint = ? AND (status = ? OR expires_at <= ?)", record.Fingerprint, StatusFailed, now).
		Updates(map[string]interface{}{
			"key":                record.Key,
			"endpoint":           record.Endpoint,
			"method":             record.Method,
			"caller_id":          record.CallerID,
			"status":             StatusPending,
			"response_status":    gorm.Expr("NULL"),
			"response_body":      gorm.Expr("NULL"),
			"created_entity_ref": gorm.Expr("NULL"),
			"expires_at":         record.ExpiresAt,
			"created_at":         record.CreatedAt,
			"updated_at":         record.UpdatedAt,
		})

	if result.Error != nil {
		return fmt.Errorf("failed to reclaim idempotency record: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return ErrNotReclaimable
	}

	return nil
}

func (d *Database) Complete(ctx context.Context, fingerprint string, status int, body []byte, entityRef *string) error {
	return d.finish(ctx, fingerprint, StatusCompleted, status, body, entityRef)
}

func (d *Database) Fail(ctx context.Context, fingerprint string, status int, body []byte) error {
	return d.finish(ctx, fingerprint, StatusFailed, status, body, nil)
}

func (d *Database) finish(ctx context.Context, fingerprint string, outcome Status, status int, body []byte, entityRef *string) error {
	result := d.db.WithContext(ctx).Model(&Record{}).
		Where("fingerprint = ? AND status = ?", fingerprint, StatusPending).
		Updates(map[string]interface{}{
			"status":             outcome,
			"response_status":    status,
			"response_body":      datatypes.JSON(body),
			"created_entity_ref": entityRef,
			"updated_at":         time.Now(),
		})

	if result.Error != nil {
		return fmt.Errorf("failed to record idempotency outcome: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return ErrRecordNotPending
	}

	return nil
}

func (d *Database) Delete(ctx context.Context, fingerprint string) error {
	if err := d.db.WithContext(ctx).Where("fingerprint = ?", fingerprint).Delete(&Record{}).Error; err != nil {
		return fmt.Errorf("failed to delete idempotency record: %w", err)
	}
	return nil
}

func (d *Database) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result := d.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&Record{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete expired idempotency records: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// isUniqueViolation covers both gorm's translated error and the raw sqlite
// message when TranslateError is not enabled on the connection.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
