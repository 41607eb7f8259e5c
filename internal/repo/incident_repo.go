// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file persists incidents with optimistic concurrency:
// every write is conditioned on the version read, and every state change
// appends a transition row and an outbox event inside the caller's transaction.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/autofix-backend/internal/domain"
)

// CreateIncident inserts an open incident for a vehicle. A second active
// incident for the same vehicle yields ErrDuplicate.
func CreateIncident(ctx context.Context, db *gorm.DB, inc *domain.Incident) error {
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	if inc.State == "" {
		inc.State = domain.IncidentOpen
	}
	vid := inc.VehicleID
	inc.ActiveVehicleID = &vid
	inc.Version = 1
	now := time.Now().UTC()
	inc.CreatedAt, inc.UpdatedAt = now, now
	if err := db.WithContext(ctx).Create(inc).Error; err != nil {
		return mapDuplicate(err)
	}
	payload := domain.TransitionPayload{
		IncidentID: inc.ID, VehicleID: inc.VehicleID, To: inc.State, Version: inc.Version, At: now,
	}
	if err := appendTransition(ctx, db, inc.ID, "", inc.State, "opened", inc.Version, now); err != nil {
		return err
	}
	return EnqueueOutbox(ctx, db, domain.TopicIncidentOpened, inc.ID, payload)
}

// GetIncident fetches an incident by ID.
func GetIncident(ctx context.Context, db *gorm.DB, id string) (*domain.Incident, error) {
	var inc domain.Incident
	if err := db.WithContext(ctx).Where("id = ?", id).First(&inc).Error; err != nil {
		return nil, err
	}
	return &inc, nil
}

// GetActiveIncident returns the vehicle's non-terminal incident, or ErrNotFound.
func GetActiveIncident(ctx context.Context, db *gorm.DB, vehicleID string) (*domain.Incident, error) {
	var inc domain.Incident
	err := db.WithContext(ctx).Where("active_vehicle_id = ?", vehicleID).First(&inc).Error
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

// GetLatestIncident returns the vehicle's most recent incident regardless of state.
func GetLatestIncident(ctx context.Context, db *gorm.DB, vehicleID string) (*domain.Incident, error) {
	var inc domain.Incident
	err := db.WithContext(ctx).Where("vehicle_id = ?", vehicleID).Order("created_at DESC").First(&inc).Error
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

// UpdateIncident applies fields guarded by inc.Version and bumps the version.
// On success inc.Version is advanced; on a lost race ErrStale is returned.
func UpdateIncident(ctx context.Context, db *gorm.DB, inc *domain.Incident, fields map[string]any) error {
	next := inc.Version + 1
	upd := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		upd[k] = v
	}
	upd["version"] = next
	upd["updated_at"] = time.Now().UTC()

	res := db.WithContext(ctx).Model(&domain.Incident{}).
		Where("id = ? AND version = ?", inc.ID, inc.Version).
		Updates(upd)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	inc.Version = next
	return nil
}

// TransitionIncident moves inc to state `to` with a version check, records the
// transition and enqueues an outbox event. Terminal states release the
// one-active-incident slot. extra carries additional columns to update.
func TransitionIncident(ctx context.Context, db *gorm.DB, inc *domain.Incident, to domain.IncidentState, reason string, extra map[string]any) error {
	now := time.Now().UTC()
	from := inc.State
	fields := map[string]any{"state": to}
	for k, v := range extra {
		fields[k] = v
	}
	if to.IsTerminal() {
		fields["active_vehicle_id"] = gorm.Expr("NULL")
		fields["closed_at"] = now
	}
	if err := UpdateIncident(ctx, db, inc, fields); err != nil {
		return err
	}
	inc.State = to
	inc.UpdatedAt = now
	if to.IsTerminal() {
		inc.ActiveVehicleID = nil
		inc.ClosedAt = &now
	}

	if err := appendTransition(ctx, db, inc.ID, from, to, reason, inc.Version, now); err != nil {
		return err
	}
	return EnqueueOutbox(ctx, db, domain.TopicIncidentTransition, inc.ID, domain.TransitionPayload{
		IncidentID: inc.ID,
		VehicleID:  inc.VehicleID,
		From:       from,
		To:         to,
		Reason:     reason,
		Version:    inc.Version,
		At:         now,
	})
}

func appendTransition(ctx context.Context, db *gorm.DB, incidentID string, from, to domain.IncidentState, reason string, version int64, at time.Time) error {
	return db.WithContext(ctx).Create(&domain.IncidentTransition{
		IncidentID: incidentID,
		From:       from,
		To:         to,
		Reason:     reason,
		Version:    version,
		CreatedAt:  at,
	}).Error
}

// ListTransitions returns an incident's history oldest first.
func ListTransitions(ctx context.Context, db *gorm.DB, incidentID string) ([]domain.IncidentTransition, error) {
	var out []domain.IncidentTransition
	err := db.WithContext(ctx).Where("incident_id = ?", incidentID).Order("id ASC").Find(&out).Error
	return out, err
}

// ListIncidents returns incidents newest first, optionally filtered by state.
func ListIncidents(ctx context.Context, db *gorm.DB, state domain.IncidentState, offset, limit int) ([]domain.Incident, int64, error) {
	q := db.WithContext(ctx).Model(&domain.Incident{})
	if state != "" {
		q = q.Where("state = ?", state)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []domain.Incident
	err := q.Order("created_at DESC, id ASC").Offset(offset).Limit(limit).Find(&out).Error
	return out, total, err
}

// ListActiveIncidentIDs returns the IDs of every non-terminal incident.
func ListActiveIncidentIDs(ctx context.Context, db *gorm.DB) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Model(&domain.Incident{}).
		Where("active_vehicle_id IS NOT NULL").
		Order("created_at ASC").
		Pluck("id", &ids).Error
	return ids, err
}

// CreateDiagnosis stores an immutable diagnosis.
func CreateDiagnosis(ctx context.Context, db *gorm.DB, d *domain.Diagnosis) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.CreatedAt = time.Now().UTC()
	return db.WithContext(ctx).Create(d).Error
}

// GetDiagnosis fetches a diagnosis by ID.
func GetDiagnosis(ctx context.Context, db *gorm.DB, id string) (*domain.Diagnosis, error) {
	var d domain.Diagnosis
	if err := db.WithContext(ctx).Where("id = ?", id).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// CurrentDiagnosis returns the diagnosis an incident points at, or (nil, nil).
func CurrentDiagnosis(ctx context.Context, db *gorm.DB, inc *domain.Incident) (*domain.Diagnosis, error) {
	if inc.DiagnosisID == nil {
		return nil, nil
	}
	d, err := GetDiagnosis(ctx, db, *inc.DiagnosisID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return d, err
}

// EnqueueOutbox writes an outbox row; call it with the transaction handle of
// the change it describes.
func EnqueueOutbox(ctx context.Context, db *gorm.DB, topic, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Create(&domain.OutboxEvent{
		Topic:     topic,
		Key:       key,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	}).Error
}
