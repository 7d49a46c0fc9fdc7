// Package repo implements the data persistence layer for view counters,
// backed by GORM. This file provides small aggregate queries used by the
// stats endpoints and by conditional responses in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-view-counter/internal/domain"
	"github.com/tbourn/go-view-counter/internal/utils"
)

// ViewStats returns the number of tracked slugs, the sum of all counts, and
// the greatest UpdatedAt. LastUpdatedAt is nil when no rows exist.
func ViewStats(ctx context.Context, db *gorm.DB) (domain.ViewStats, error) {
	var st domain.ViewStats
	q := db.WithContext(ctx).Model(&domain.ViewRecord{})

	if err := q.Count(&st.Slugs).Error; err != nil {
		return domain.ViewStats{}, err
	}
	if st.Slugs == 0 {
		return st, nil
	}

	var total struct{ Total int64 }
	if err := db.WithContext(ctx).Model(&domain.ViewRecord{}).
		Select("COALESCE(SUM(view_count), 0) AS total").
		Scan(&total).Error; err != nil {
		return domain.ViewStats{}, err
	}
	st.TotalViews = total.Total

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err := db.WithContext(ctx).Model(&domain.ViewRecord{}).
		Select("updated_at").Order("updated_at DESC").Limit(1).
		Scan(&row).Error; err != nil {
		return domain.ViewStats{}, err
	}
	st.LastUpdatedAt = &row.UpdatedAt
	return st, nil
}

// TopViews returns up to limit slugs ordered by count (desc), then slug.
// limit is clamped to [1, 100].
func TopViews(ctx context.Context, db *gorm.DB, limit int) ([]domain.SlugCount, error) {
	limit = utils.Clamp(limit, 1, 100)
	var out []domain.SlugCount
	err := db.WithContext(ctx).
		Model(&domain.ViewRecord{}).
		Select("slug", "view_count").
		Order("view_count DESC").Order("slug ASC").
		Limit(limit).
		Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
