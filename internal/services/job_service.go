// Package services – JobService
//
// This file implements the mechanic-facing job lifecycle. Every status change
// is a compare-and-swap on the current status so two concurrent completions
// can never both win, and a completed job is never reopened.
package services

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/autofix-backend/internal/domain"
	"github.com/tbourn/autofix-backend/internal/repo"
)

// JobService drives jobs through scheduled, in_progress and completed.
type JobService struct {
	DB             *gorm.DB
	LaborRateCents int64 // per hour
	Now            func() time.Time
}

// NewJobService constructs a JobService.
func NewJobService(db *gorm.DB, laborRateCents int64) *JobService {
	return &JobService{DB: db, LaborRateCents: laborRateCents, Now: time.Now}
}

// Get returns a job or ErrJobNotFound.
func (s *JobService) Get(ctx context.Context, id string) (*domain.Job, error) {
	j, err := repo.GetJob(ctx, s.DB, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	return j, err
}

// List returns jobs, optionally for one mechanic and status.
func (s *JobService) List(ctx context.Context, mechanicID, status string) ([]domain.Job, error) {
	st := domain.JobStatus(status)
	switch st {
	case "", domain.JobScheduled, domain.JobInProgress, domain.JobCompleted, domain.JobCancelled:
	default:
		return nil, ErrInvalidStatus
	}
	return repo.ListJobs(ctx, s.DB, repo.JobFilter{MechanicID: mechanicID, Status: st})
}

// Start moves a scheduled job to in_progress.
func (s *JobService) Start(ctx context.Context, id string) (*domain.Job, error) {
	ctx, span := otel.Tracer("services/JobService").Start(ctx, "Start",
		trace.WithAttributes(attribute.String("job.id", id)))
	defer span.End()

	j, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !j.Status.CanTransition(domain.JobInProgress) {
		return nil, ErrInvalidTransition
	}
	now := s.Now().UTC()
	if err := repo.TransitionJob(ctx, s.DB, id, domain.JobScheduled, domain.JobInProgress, map[string]any{"started_at": now}); err != nil {
		if errors.Is(err, repo.ErrStale) {
			return nil, ErrInvalidTransition
		}
		return nil, err
	}
	j.Status = domain.JobInProgress
	j.StartedAt = &now
	return j, nil
}

// Complete finishes a job and fixes its amount. Completing a scheduled job
// records an implicit start. first is false when the job was already
// completed, in which case the stored job is returned unchanged.
func (s *JobService) Complete(ctx context.Context, id string) (job *domain.Job, first bool, err error) {
	ctx, span := otel.Tracer("services/JobService").Start(ctx, "Complete",
		trace.WithAttributes(attribute.String("job.id", id)))
	defer span.End()

	j, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	switch j.Status {
	case domain.JobCompleted:
		return j, false, nil
	case domain.JobScheduled, domain.JobInProgress:
	default:
		return nil, false, ErrInvalidTransition
	}

	parts, partsTotal, err := s.pricedParts(ctx, j)
	if err != nil {
		return nil, false, err
	}
	amount := partsTotal + s.Labor(j.DurationMinutes)
	now := s.Now().UTC()
	fields := map[string]any{
		"completed_at": now,
		"amount_cents": amount,
		"parts":        datatypes.JSONSlice[domain.PartItem](parts),
	}
	if j.Status == domain.JobScheduled {
		fields["started_at"] = now
		j.StartedAt = &now
	}

	if err := repo.TransitionJob(ctx, s.DB, id, j.Status, domain.JobCompleted, fields); err != nil {
		if !errors.Is(err, repo.ErrStale) {
			return nil, false, err
		}
		// Someone else moved the job; report what they left.
		cur, gerr := s.Get(ctx, id)
		if gerr != nil {
			return nil, false, gerr
		}
		if cur.Status == domain.JobCompleted {
			return cur, false, nil
		}
		return nil, false, ErrInvalidTransition
	}
	j.Status = domain.JobCompleted
	j.CompletedAt = &now
	j.AmountCents = amount
	j.Parts = parts
	return j, true, nil
}

// Cancel moves a non-terminal job to cancelled inside the caller's transaction.
func (s *JobService) Cancel(ctx context.Context, tx *gorm.DB, j *domain.Job) error {
	if j.Status.IsTerminal() {
		if j.Status == domain.JobCompleted {
			return ErrInvalidTransition
		}
		return nil
	}
	if err := repo.TransitionJob(ctx, tx, j.ID, j.Status, domain.JobCancelled, nil); err != nil {
		if errors.Is(err, repo.ErrStale) {
			return ErrIncidentBusy
		}
		return err
	}
	j.Status = domain.JobCancelled
	return nil
}

// Labor prices minutes of work at the hourly rate.
func (s *JobService) Labor(minutes int) int64 {
	return (s.LaborRateCents*int64(minutes) + 30) / 60
}

// pricedParts returns the job's parts with supplier quotes applied and their total.
func (s *JobService) pricedParts(ctx context.Context, j *domain.Job) ([]domain.PartItem, int64, error) {
	parts := append([]domain.PartItem(nil), j.Parts...)
	o, err := repo.GetOrderByIncident(ctx, s.DB, j.IncidentID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, 0, err
	}
	if o != nil {
		quotes := make(map[string]int64)
		for _, it := range o.Parts() {
			quotes[it.SKU] = it.PriceCents
		}
		for i := range parts {
			if p, ok := quotes[parts[i].SKU]; ok && p > 0 {
				parts[i].PriceCents = p
			}
		}
	}
	var total int64
	for _, p := range parts {
		total += p.PriceCents * int64(p.Qty())
	}
	return parts, total, nil
}
