// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for vehicles and
// their diagnostic events.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/autofix-backend/internal/domain"
)

// CreateVehicle inserts a vehicle. A VIN collision yields ErrDuplicate.
func CreateVehicle(ctx context.Context, db *gorm.DB, v *domain.Vehicle) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.HealthStatus == "" {
		v.HealthStatus = domain.HealthUnknown
	}
	now := time.Now().UTC()
	v.CreatedAt, v.UpdatedAt = now, now
	return mapDuplicate(db.WithContext(ctx).Create(v).Error)
}

// GetVehicle fetches a vehicle by ID.
func GetVehicle(ctx context.Context, db *gorm.DB, id string) (*domain.Vehicle, error) {
	var v domain.Vehicle
	if err := db.WithContext(ctx).Where("id = ?", id).First(&v).Error; err != nil {
		return nil, err
	}
	return &v, nil
}

// CountVehicles returns the number of registered vehicles.
func CountVehicles(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Vehicle{}).Count(&n).Error
	return n, err
}

// ListVehiclesPage returns vehicles ordered (CreatedAt ASC, ID ASC).
func ListVehiclesPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Vehicle, error) {
	var out []domain.Vehicle
	err := db.WithContext(ctx).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdateVehicleHealth sets health_status.
func UpdateVehicleHealth(ctx context.Context, db *gorm.DB, id, status string) error {
	res := db.WithContext(ctx).Model(&domain.Vehicle{}).
		Where("id = ?", id).
		Updates(map[string]any{"health_status": status, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateEvent appends a diagnostic event.
func CreateEvent(ctx context.Context, db *gorm.DB, e *domain.DiagnosticEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	return db.WithContext(ctx).Create(e).Error
}

// LatestEventForVehicle returns the most recent event by timestamp, or
// (nil, nil) when the vehicle has none.
func LatestEventForVehicle(ctx context.Context, db *gorm.DB, vehicleID string) (*domain.DiagnosticEvent, error) {
	var e domain.DiagnosticEvent
	err := db.WithContext(ctx).
		Where("vehicle_id = ?", vehicleID).
		Order("timestamp DESC, created_at DESC").
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// EventFilter narrows admin event listings.
type EventFilter struct {
	VehicleID  string
	IncidentID string
}

func (f EventFilter) apply(q *gorm.DB) *gorm.DB {
	if f.VehicleID != "" {
		q = q.Where("vehicle_id = ?", f.VehicleID)
	}
	if f.IncidentID != "" {
		q = q.Where("incident_id = ?", f.IncidentID)
	}
	return q
}

// CountEvents returns the number of events matching f.
func CountEvents(ctx context.Context, db *gorm.DB, f EventFilter) (int64, error) {
	var n int64
	err := f.apply(db.WithContext(ctx).Model(&domain.DiagnosticEvent{})).Count(&n).Error
	return n, err
}

// ListEventsPage returns events newest first.
func ListEventsPage(ctx context.Context, db *gorm.DB, f EventFilter, offset, limit int) ([]domain.DiagnosticEvent, error) {
	var out []domain.DiagnosticEvent
	q := f.apply(db.WithContext(ctx).Model(&domain.DiagnosticEvent{}))
	if limit > 0 {
		q = q.Offset(offset).Limit(limit)
	}
	err := q.Order("timestamp DESC, id ASC").Find(&out).Error
	return out, err
}
