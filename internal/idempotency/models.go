package idempotency

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record tracks one guarded mutation. At most one row exists per fingerprint;
// the unique index is what makes claiming a key atomic. Rows are hard deleted
// so an expired or failed fingerprint can be claimed again.
type Record struct {
	ID               uint           `gorm:"primarykey" json:"-"`
	Fingerprint      string         `gorm:"size:64;uniqueIndex;not null" json:"fingerprint"`
	Key              string         `gorm:"size:128;not null" json:"key"`
	Endpoint         string         `json:"endpoint"`
	Method           string         `json:"method"`
	CallerID         *string        `json:"caller_id,omitempty"`
	Status           Status         `gorm:"index" json:"status"`
	ResponseStatus   *int           `json:"response_status,omitempty"`
	ResponseBody     datatypes.JSON `json:"response_body,omitempty"`
	CreatedEntityRef *string        `json:"created_entity_ref,omitempty"`
	ExpiresAt        time.Time      `gorm:"index" json:"expires_at"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (Record) TableName() string {
	return "idempotency_keys"
}

// IsExpired reports whether the record's lifetime has passed at now
func (r *Record) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
