// Package repo implements the data persistence layer for view counters,
// backed by GORM. This file holds the counter queries: point and batch reads,
// the conditional increment, and administrative seeding.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-view-counter/internal/domain"
	"github.com/tbourn/go-view-counter/internal/guard"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// incrementSQL creates the row with count 1 or bumps it, but only when the
// stored last_read_at is unset or not newer than the cutoff. The check and
// the write run as one statement, so concurrent readers of the same slug
// cannot both pass the cooldown. No returned row means the update was
// filtered out by the WHERE clause.
const incrementSQL = `INSERT INTO view_records (slug, view_count, last_read_at, created_at, updated_at)
VALUES (?, 1, ?, ?, ?)
ON CONFLICT (slug) DO UPDATE SET
	view_count = view_records.view_count + 1,
	last_read_at = excluded.last_read_at,
	updated_at = excluded.updated_at
WHERE view_records.last_read_at IS NULL OR view_records.last_read_at <= ?
RETURNING view_count`

// GetViewRecord returns the record for slug or ErrNotFound.
func GetViewRecord(ctx context.Context, db *gorm.DB, slug string) (*domain.ViewRecord, error) {
	var rec domain.ViewRecord
	err := db.WithContext(ctx).Where("slug = ?", slug).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetViewCounts returns counts for all slugs in a single query. Slugs without
// a record map to 0.
func GetViewCounts(ctx context.Context, db *gorm.DB, slugs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(slugs))
	if len(slugs) == 0 {
		return out, nil
	}
	var rows []domain.SlugCount
	err := db.WithContext(ctx).
		Model(&domain.ViewRecord{}).
		Select("slug", "view_count").
		Where("slug IN ?", slugs).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, s := range slugs {
		out[s] = 0
	}
	for _, r := range rows {
		out[r.Slug] = r.ViewCount
	}
	return out, nil
}

// IncrementView atomically records a view for slug at now. A view is
// accepted when the record is new, has no read time, or was last read at
// least window ago; window <= 0 accepts every view. It returns the count
// after the call and whether the view was accepted.
func IncrementView(ctx context.Context, db *gorm.DB, slug string, now time.Time, window time.Duration) (int64, bool, error) {
	now = now.UTC()
	nowMS := now.UnixMilli()
	cutoff := guard.New(window).Cutoff(now)

	var counts []int64
	err := db.WithContext(ctx).
		Raw(incrementSQL, slug, nowMS, now, now, cutoff).
		Scan(&counts).Error
	if err != nil {
		return 0, false, err
	}
	if len(counts) > 0 {
		return counts[0], true, nil
	}

	rec, err := GetViewRecord(ctx, db, slug)
	if err != nil {
		return 0, false, err
	}
	return rec.ViewCount, false, nil
}

// SeedView sets the count and read time of slug, creating the record when
// absent. A nil lastReadAt stores now. Seeding is an administrative write:
// it never goes through the cooldown check.
func SeedView(ctx context.Context, db *gorm.DB, slug string, count int64, lastReadAt *time.Time, now time.Time) error {
	now = now.UTC()
	read := now
	if lastReadAt != nil {
		read = lastReadAt.UTC()
	}
	readMS := read.UnixMilli()
	rec := domain.ViewRecord{
		Slug:       slug,
		ViewCount:  count,
		LastReadAt: &readMS,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "slug"}},
			DoUpdates: clause.AssignmentColumns([]string{"view_count", "last_read_at", "updated_at"}),
		}).
		Create(&rec).Error
}

// SQLStore exposes the counter queries above as a counter store bound to a
// database handle.
type SQLStore struct {
	DB  *gorm.DB
	Now func() time.Time
}

// NewSQLStore returns a SQLStore using the wall clock.
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{DB: db, Now: time.Now}
}

// GetRecord returns the record for slug, or nil when it does not exist.
func (s *SQLStore) GetRecord(ctx context.Context, slug string) (*domain.ViewRecord, error) {
	rec, err := GetViewRecord(ctx, s.DB, slug)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// GetCounts proxies GetViewCounts.
func (s *SQLStore) GetCounts(ctx context.Context, slugs []string) (map[string]int64, error) {
	return GetViewCounts(ctx, s.DB, slugs)
}

// Increment proxies IncrementView.
func (s *SQLStore) Increment(ctx context.Context, slug string, now time.Time, window time.Duration) (int64, bool, error) {
	return IncrementView(ctx, s.DB, slug, now, window)
}

// Seed proxies SeedView using the store clock.
func (s *SQLStore) Seed(ctx context.Context, slug string, count int64, lastReadAt *time.Time) error {
	return SeedView(ctx, s.DB, slug, count, lastReadAt, s.now())
}

// Stats proxies ViewStats.
func (s *SQLStore) Stats(ctx context.Context) (domain.ViewStats, error) {
	return ViewStats(ctx, s.DB)
}

// Top proxies TopViews.
func (s *SQLStore) Top(ctx context.Context, limit int) ([]domain.SlugCount, error) {
	return TopViews(ctx, s.DB, limit)
}

// Ping checks the underlying connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
