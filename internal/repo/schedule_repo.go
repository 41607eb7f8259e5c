// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file persists mechanics, their availability and the
// calendar cells claimed by appointments.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/autofix-backend/internal/domain"
)

// CreateMechanic inserts a mechanic.
func CreateMechanic(ctx context.Context, db *gorm.DB, m *domain.Mechanic) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	return mapDuplicate(db.WithContext(ctx).Create(m).Error)
}

// GetMechanic fetches a mechanic by ID.
func GetMechanic(ctx context.Context, db *gorm.DB, id string) (*domain.Mechanic, error) {
	var m domain.Mechanic
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMechanics returns every mechanic ordered by ID.
func ListMechanics(ctx context.Context, db *gorm.DB) ([]domain.Mechanic, error) {
	var out []domain.Mechanic
	err := db.WithContext(ctx).Order("id ASC").Find(&out).Error
	return out, err
}

// AddAvailability records a window during which a mechanic accepts work.
func AddAvailability(ctx context.Context, db *gorm.DB, w *domain.AvailabilityWindow) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	w.Start, w.End = w.Start.UTC(), w.End.UTC()
	w.CreatedAt = time.Now().UTC()
	return db.WithContext(ctx).Create(w).Error
}

// ListAvailability returns windows overlapping [from, to) ordered by mechanic and start.
func ListAvailability(ctx context.Context, db *gorm.DB, from, to time.Time) ([]domain.AvailabilityWindow, error) {
	var out []domain.AvailabilityWindow
	err := db.WithContext(ctx).
		Where("end_at > ? AND start_at < ?", from.UTC(), to.UTC()).
		Order("mechanic_id ASC, start_at ASC").
		Find(&out).Error
	return out, err
}

// ListClaimedCells returns the claimed cell starts per mechanic within [from, to).
func ListClaimedCells(ctx context.Context, db *gorm.DB, from, to time.Time) (map[string]map[int64]struct{}, error) {
	var cells []domain.CalendarCell
	err := db.WithContext(ctx).
		Where("cell_start >= ? AND cell_start < ?", from.UTC(), to.UTC()).
		Find(&cells).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[int64]struct{})
	for _, c := range cells {
		set, ok := out[c.MechanicID]
		if !ok {
			set = make(map[int64]struct{})
			out[c.MechanicID] = set
		}
		set[c.CellStart.UTC().Unix()] = struct{}{}
	}
	return out, nil
}

// ClaimCells inserts one row per cell in [start, end). Any collision with an
// existing claim yields ErrDuplicate and nothing should be committed.
func ClaimCells(ctx context.Context, db *gorm.DB, mechanicID, appointmentID string, start, end time.Time, cell time.Duration) error {
	now := time.Now().UTC()
	var rows []domain.CalendarCell
	for t := start.UTC(); t.Before(end); t = t.Add(cell) {
		rows = append(rows, domain.CalendarCell{
			MechanicID:    mechanicID,
			CellStart:     t,
			AppointmentID: appointmentID,
			CreatedAt:     now,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return mapDuplicate(db.WithContext(ctx).Create(&rows).Error)
}

// ReleaseCells frees every cell held by an appointment.
func ReleaseCells(ctx context.Context, db *gorm.DB, appointmentID string) error {
	return db.WithContext(ctx).Where("appointment_id = ?", appointmentID).Delete(&domain.CalendarCell{}).Error
}

// CreateAppointment inserts an appointment. A second appointment for the same
// incident yields ErrDuplicate.
func CreateAppointment(ctx context.Context, db *gorm.DB, a *domain.Appointment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	return mapDuplicate(db.WithContext(ctx).Create(a).Error)
}

// GetAppointment fetches an appointment by ID.
func GetAppointment(ctx context.Context, db *gorm.DB, id string) (*domain.Appointment, error) {
	var a domain.Appointment
	if err := db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAppointmentByIncident fetches the incident's appointment.
func GetAppointmentByIncident(ctx context.Context, db *gorm.DB, incidentID string) (*domain.Appointment, error) {
	var a domain.Appointment
	if err := db.WithContext(ctx).Where("incident_id = ?", incidentID).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// CancelAppointment marks an appointment cancelled and releases its cells.
func CancelAppointment(ctx context.Context, db *gorm.DB, id string) error {
	err := db.WithContext(ctx).Model(&domain.Appointment{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": domain.AppointmentCancelled, "updated_at": time.Now().UTC()}).Error
	if err != nil {
		return err
	}
	return ReleaseCells(ctx, db, id)
}
