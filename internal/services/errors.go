// Package services holds the view-count business logic. This file
// centralizes the service-level error values so handlers can map them to
// HTTP results consistently.
package services

import (
	"errors"

	"github.com/tbourn/go-view-counter/internal/domain"
)

var (
	// ErrInvalidSlug is returned for empty or malformed slugs.
	ErrInvalidSlug = domain.ErrInvalidSlug

	// ErrStoreUnavailable wraps every failure of the durable store, including
	// timeouts. Callers must treat it as "count unknown", never as zero.
	ErrStoreUnavailable = errors.New("view store unavailable")

	// ErrChannelUnavailable is returned when a live subscription cannot be
	// established.
	ErrChannelUnavailable = errors.New("live channel unavailable")

	// ErrInvalidSeed is returned when a seed count is below one.
	ErrInvalidSeed = errors.New("seed count must be at least 1")

	// ErrUnsupported is returned when the configured store lacks an optional
	// capability (seeding, stats).
	ErrUnsupported = errors.New("operation not supported by the configured store")
)
