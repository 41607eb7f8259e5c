// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries used for
// conditional responses (ETag generation) in the admin listings.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/autofix-backend/internal/domain"
)

// VehiclesStats returns the number of vehicles and the greatest UpdatedAt
// among them. When there are none, maxUpdatedAt is nil.
func VehiclesStats(ctx context.Context, db *gorm.DB) (count int64, maxUpdatedAt *time.Time, err error) {
	return latestStats(db.WithContext(ctx).Model(&domain.Vehicle{}), "updated_at")
}

// EventsStats returns the number of diagnostic events matching f and the
// greatest CreatedAt among them.
//
// Return values:
//   - count:        total events for the filter
//   - maxCreatedAt: pointer to the greatest CreatedAt, or nil if no rows
//   - err:          database error, if any
func EventsStats(ctx context.Context, db *gorm.DB, f EventFilter) (count int64, maxCreatedAt *time.Time, err error) {
	return latestStats(f.apply(db.WithContext(ctx).Model(&domain.DiagnosticEvent{})), "created_at")
}

func latestStats(q *gorm.DB, column string) (int64, *time.Time, error) {
	var count int64
	if err := q.Session(&gorm.Session{}).Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest timestamp (avoid MAX() -> TEXT in SQLite)
	var row struct {
		At time.Time
	}
	if err := q.Session(&gorm.Session{}).Select(column + " AS at").Order(column + " DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.At, nil
}
