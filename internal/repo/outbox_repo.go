// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file reads and acknowledges outbox rows for the relay.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/autofix-backend/internal/domain"
)

// ListUnsentOutbox returns up to limit unsent events in insertion order.
func ListUnsentOutbox(ctx context.Context, db *gorm.DB, limit int) ([]domain.OutboxEvent, error) {
	var out []domain.OutboxEvent
	err := db.WithContext(ctx).
		Where("sent_at IS NULL").
		Order("id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// MarkOutboxSent stamps SentAt on the given events.
func MarkOutboxSent(ctx context.Context, db *gorm.DB, ids []uint64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Model(&domain.OutboxEvent{}).
		Where("id IN ?", ids).
		Update("sent_at", at.UTC()).Error
}

// MarkOutboxFailed records a failed publish attempt.
func MarkOutboxFailed(ctx context.Context, db *gorm.DB, id uint64, cause error) error {
	return db.WithContext(ctx).Model(&domain.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": cause.Error(),
		}).Error
}

// CountUnsentOutbox returns the relay backlog size.
func CountUnsentOutbox(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.OutboxEvent{}).Where("sent_at IS NULL").Count(&n).Error
	return n, err
}
