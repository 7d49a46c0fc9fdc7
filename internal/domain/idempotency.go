package domain

import "time"

// IncrementReceipt records the outcome of a write request made with an
// Idempotency-Key, keyed by (slug, key). A retried request with the same key
// replays the stored outcome instead of touching the counter again.
type IncrementReceipt struct {
	ID        string    `gorm:"type:varchar(36);primaryKey"`
	Slug      string    `gorm:"type:varchar(200);not null;uniqueIndex:ux_receipt_slug_key,priority:1"`
	Key       string    `gorm:"type:varchar(200);not null;uniqueIndex:ux_receipt_slug_key,priority:2"`
	ViewCount int64     `gorm:"not null"`
	Skipped   bool      `gorm:"not null"`
	Reason    string    `gorm:"type:varchar(32)"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (IncrementReceipt) TableName() string { return "increment_receipts" }

// Result converts the receipt back into the outcome it recorded.
func (r IncrementReceipt) Result() IncrementResult {
	return IncrementResult{
		Slug:      r.Slug,
		ViewCount: r.ViewCount,
		Skipped:   r.Skipped,
		Reason:    SkipReason(r.Reason),
	}
}
