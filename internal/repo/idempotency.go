// Package repo implements the data persistence layer for view counters,
// backed by GORM. This file provides helpers for increment receipts, which
// give the write endpoint safe-retry semantics under an Idempotency-Key.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-view-counter/internal/domain"
)

// ErrDuplicate indicates that a receipt already exists for (slug, key).
var ErrDuplicate = errors.New("duplicate")

// GetReceipt returns a non-expired receipt or ErrNotFound.
func GetReceipt(ctx context.Context, db *gorm.DB, slug, key string, now time.Time) (*domain.IncrementReceipt, error) {
	if strings.TrimSpace(slug) == "" || strings.TrimSpace(key) == "" {
		return nil, ErrNotFound
	}
	var rec domain.IncrementReceipt
	err := db.WithContext(ctx).
		Where("slug = ? AND key = ? AND expires_at > ?", slug, key, now.UTC()).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateReceipt stores the outcome of an increment for (slug, key) and
// returns ErrDuplicate on unique violation.
func CreateReceipt(ctx context.Context, db *gorm.DB, key string, res domain.IncrementResult, ttl time.Duration) (*domain.IncrementReceipt, error) {
	now := time.Now().UTC()
	rec := &domain.IncrementReceipt{
		ID:        uuid.NewString(),
		Slug:      res.Slug,
		Key:       key,
		ViewCount: res.ViewCount,
		Skipped:   res.Skipped,
		Reason:    string(res.Reason),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") ||
			strings.Contains(low, "duplicate key value") {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// PurgeExpiredReceipts deletes receipts that expired at or before now and
// returns the number removed.
func PurgeExpiredReceipts(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now.UTC()).
		Delete(&domain.IncrementReceipt{})
	return res.RowsAffected, res.Error
}

// Receipts binds the receipt helpers to a database handle.
type Receipts struct {
	DB *gorm.DB
}

// GetReceipt returns the live receipt for (slug, key), or nil when none exists.
func (r Receipts) GetReceipt(ctx context.Context, slug, key string, now time.Time) (*domain.IncrementReceipt, error) {
	rec, err := GetReceipt(ctx, r.DB, slug, key, now)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// CreateReceipt stores res under key. A concurrent duplicate is not an error.
func (r Receipts) CreateReceipt(ctx context.Context, key string, res domain.IncrementResult, ttl time.Duration) error {
	_, err := CreateReceipt(ctx, r.DB, key, res, ttl)
	if errors.Is(err, ErrDuplicate) {
		return nil
	}
	return err
}

// Purge removes receipts expired at now.
func (r Receipts) Purge(ctx context.Context, now time.Time) (int64, error) {
	return PurgeExpiredReceipts(ctx, r.DB, now)
}
