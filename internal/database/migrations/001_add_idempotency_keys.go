package migrations

import (
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/idempotency"
	"gorm.io/gorm"
)

// AddIdempotencyKeys creates the idempotency key table. The unique index on
// fingerprint is what makes claiming a key atomic.
func AddIdempotencyKeys(db *gorm.DB) error {
	if err := db.AutoMigrate(&idempotency.Record{}); err != nil {
		return err
	}

	indexes := []string{
		// The sweeper deletes by expiry
		`CREATE INDEX IF NOT EXISTS idx_idempotency_keys_expires_status
		 ON idempotency_keys(expires_at, status)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
