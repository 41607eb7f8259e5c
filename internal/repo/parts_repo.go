// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file persists parts orders and their supplier groups.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/autofix-backend/internal/domain"
)

// CreateOrder inserts an order and its groups. A second order for the same
// incident yields ErrDuplicate.
func CreateOrder(ctx context.Context, db *gorm.DB, o *domain.PartsOrder) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	for i := range o.Groups {
		g := &o.Groups[i]
		if g.ID == "" {
			g.ID = uuid.NewString()
		}
		g.OrderID = o.ID
		g.CreatedAt, g.UpdatedAt = now, now
	}
	return mapDuplicate(db.WithContext(ctx).Create(o).Error)
}

// GetOrder fetches an order with its groups.
func GetOrder(ctx context.Context, db *gorm.DB, id string) (*domain.PartsOrder, error) {
	var o domain.PartsOrder
	err := db.WithContext(ctx).
		Preload("Groups", func(q *gorm.DB) *gorm.DB { return q.Order("supplier ASC") }).
		Where("id = ?", id).
		First(&o).Error
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrderByIncident fetches the incident's order with its groups.
func GetOrderByIncident(ctx context.Context, db *gorm.DB, incidentID string) (*domain.PartsOrder, error) {
	var o domain.PartsOrder
	err := db.WithContext(ctx).
		Preload("Groups", func(q *gorm.DB) *gorm.DB { return q.Order("supplier ASC") }).
		Where("incident_id = ?", incidentID).
		First(&o).Error
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// SaveGroup persists a supplier group's mutable columns.
func SaveGroup(ctx context.Context, db *gorm.DB, g *domain.SupplierGroup) error {
	g.UpdatedAt = time.Now().UTC()
	return db.WithContext(ctx).Model(&domain.SupplierGroup{}).
		Where("id = ?", g.ID).
		Updates(map[string]any{
			"items":        g.Items,
			"supplier_ref": g.SupplierRef,
			"status":       g.Status,
			"eta":          g.ETA,
			"attempts":     g.Attempts,
			"last_error":   g.LastError,
			"updated_at":   g.UpdatedAt,
		}).Error
}

// SaveOrderSummary persists an order's derived columns.
func SaveOrderSummary(ctx context.Context, db *gorm.DB, o *domain.PartsOrder) error {
	o.UpdatedAt = time.Now().UTC()
	return db.WithContext(ctx).Model(&domain.PartsOrder{}).
		Where("id = ?", o.ID).
		Updates(map[string]any{
			"status":      o.Status,
			"eta":         o.ETA,
			"total_cents": o.TotalCents,
			"expedite":    o.Expedite,
			"updated_at":  o.UpdatedAt,
		}).Error
}

// ListPendingGroups returns supplier groups never acknowledged, oldest first.
func ListPendingGroups(ctx context.Context, db *gorm.DB) ([]domain.SupplierGroup, error) {
	var out []domain.SupplierGroup
	err := db.WithContext(ctx).Where("status = ?", domain.GroupPending).Order("created_at ASC").Find(&out).Error
	return out, err
}

// ListOrdersByStatus returns orders in status with their groups, oldest first.
func ListOrdersByStatus(ctx context.Context, db *gorm.DB, status string) ([]domain.PartsOrder, error) {
	var out []domain.PartsOrder
	err := db.WithContext(ctx).
		Preload("Groups", func(q *gorm.DB) *gorm.DB { return q.Order("supplier ASC") }).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}
