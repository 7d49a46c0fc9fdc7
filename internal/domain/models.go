// Package domain defines the persistence models and value types for view
// counting. ViewRecord is mapped with GORM and shared by the SQL store, the
// Redis store, the service layer, and the HTTP handlers.
package domain

import "time"

// ViewRecord is the durable counter row for one slug.
//
// Fields:
//   - Slug: content identifier, primary key.
//   - ViewCount: number of accepted views; never below 1 once the row exists.
//   - LastReadAt: unix milliseconds of the last accepted view, nil for rows
//     created by administrative tooling without a read time.
//   - CreatedAt / UpdatedAt: timestamps managed by the stores.
type ViewRecord struct {
	Slug       string    `json:"slug"                   gorm:"type:varchar(200);primaryKey"`
	ViewCount  int64     `json:"view_count"             gorm:"not null;default:0;index:idx_views_count"`
	LastReadAt *int64    `json:"last_read_at,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"             gorm:"index"`
}

// TableName returns the database table name for ViewRecord.
func (ViewRecord) TableName() string { return "view_records" }

// LastRead returns LastReadAt as a time value. ok is false when unset.
func (r *ViewRecord) LastRead() (t time.Time, ok bool) {
	if r == nil || r.LastReadAt == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*r.LastReadAt).UTC(), true
}

// SkipReason explains why an increment did not change the counter.
type SkipReason string

const (
	SkipNone             SkipReason = ""
	SkipCooldown         SkipReason = "cooldown"
	SkipTrackingDisabled SkipReason = "tracking_disabled"
)

// IncrementResult is the outcome of a view increment request. A skipped
// increment is a normal outcome and carries the current count.
type IncrementResult struct {
	Slug      string     `json:"slug"`
	ViewCount int64      `json:"view_count"`
	Skipped   bool       `json:"skipped"`
	Reason    SkipReason `json:"reason,omitempty"`
}

// ViewStats aggregates all tracked slugs.
type ViewStats struct {
	Slugs         int64      `json:"slugs"`
	TotalViews    int64      `json:"total_views"`
	LastUpdatedAt *time.Time `json:"last_updated_at,omitempty"`
}

// SlugCount pairs a slug with its count for ranked listings.
type SlugCount struct {
	Slug      string `json:"slug"`
	ViewCount int64  `json:"view_count"`
}
