// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file persists mechanic jobs and their charges.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/autofix-backend/internal/domain"
)

// CreateJob inserts a job. A second job for the same incident yields ErrDuplicate.
func CreateJob(ctx context.Context, db *gorm.DB, j *domain.Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = domain.JobScheduled
	}
	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now
	return mapDuplicate(db.WithContext(ctx).Create(j).Error)
}

// GetJob fetches a job by ID.
func GetJob(ctx context.Context, db *gorm.DB, id string) (*domain.Job, error) {
	var j domain.Job
	if err := db.WithContext(ctx).Where("id = ?", id).First(&j).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// GetJobByIncident fetches the incident's job.
func GetJobByIncident(ctx context.Context, db *gorm.DB, incidentID string) (*domain.Job, error) {
	var j domain.Job
	if err := db.WithContext(ctx).Where("incident_id = ?", incidentID).First(&j).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// TransitionJob moves a job from one status to another only if it is still in
// `from`. A lost race yields ErrStale. extra carries additional columns.
func TransitionJob(ctx context.Context, db *gorm.DB, id string, from, to domain.JobStatus, extra map[string]any) error {
	fields := map[string]any{"status": to, "updated_at": time.Now().UTC()}
	for k, v := range extra {
		fields[k] = v
	}
	res := db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, from).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// JobFilter narrows mechanic job listings.
type JobFilter struct {
	MechanicID string
	Status     domain.JobStatus
}

// ListJobs returns jobs ordered by scheduled time.
func ListJobs(ctx context.Context, db *gorm.DB, f JobFilter) ([]domain.Job, error) {
	q := db.WithContext(ctx).Model(&domain.Job{})
	if f.MechanicID != "" {
		q = q.Where("mechanic_id = ?", f.MechanicID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var out []domain.Job
	err := q.Order("scheduled_time ASC, id ASC").Find(&out).Error
	return out, err
}

// CreateCharge inserts a charge. A second charge for the same job yields ErrDuplicate.
func CreateCharge(ctx context.Context, db *gorm.DB, c *domain.Charge) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	return mapDuplicate(db.WithContext(ctx).Create(c).Error)
}

// GetChargeByJob fetches the job's charge.
func GetChargeByJob(ctx context.Context, db *gorm.DB, jobID string) (*domain.Charge, error) {
	var c domain.Charge
	if err := db.WithContext(ctx).Where("job_id = ?", jobID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// TransitionCharge updates a charge only if its status is still `from`.
func TransitionCharge(ctx context.Context, db *gorm.DB, id, from string, fields map[string]any) error {
	upd := map[string]any{"updated_at": time.Now().UTC()}
	for k, v := range fields {
		upd[k] = v
	}
	res := db.WithContext(ctx).Model(&domain.Charge{}).
		Where("id = ? AND status = ?", id, from).
		Updates(upd)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// ListPendingCharges returns charges whose processor outcome was never recorded.
func ListPendingCharges(ctx context.Context, db *gorm.DB) ([]domain.Charge, error) {
	var out []domain.Charge
	err := db.WithContext(ctx).Where("status = ?", domain.ChargePending).Order("created_at ASC").Find(&out).Error
	return out, err
}
