// Package services – BillingService
//
// This file implements exactly-once charging per job. The charge row is
// written as pending before the processor is called and the processor's
// idempotency key is the job ID, so retries and restarts settle to the same
// transaction.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/autofix-backend/internal/domain"
	"github.com/tbourn/autofix-backend/internal/repo"
)

// BillingService charges completed jobs.
type BillingService struct {
	DB        *gorm.DB
	Processor PaymentProcessor
	Policy    RetryPolicy
	Currency  string
}

// NewBillingService constructs a BillingService.
func NewBillingService(db *gorm.DB, processor PaymentProcessor, retry RetryPolicy) *BillingService {
	return &BillingService{DB: db, Processor: processor, Policy: retry, Currency: "USD"}
}

// Get returns the charge of a job.
func (s *BillingService) Get(ctx context.Context, jobID string) (*domain.Charge, error) {
	c, err := repo.GetChargeByJob(ctx, s.DB, jobID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChargeNotFound
	}
	return c, err
}

// Charge bills a completed job once. An existing pending or succeeded charge
// is returned unchanged; a failed one is retried.
func (s *BillingService) Charge(ctx context.Context, jobID, userID string, amountCents int64) (*domain.Charge, error) {
	ctx, span := otel.Tracer("services/BillingService").Start(ctx, "Charge",
		trace.WithAttributes(attribute.String("job.id", jobID), attribute.Int64("amount_cents", amountCents)))
	defer span.End()

	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	job, err := repo.GetJob(ctx, s.DB, jobID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobCompleted {
		return nil, ErrInvalidTransition
	}
	if userID == "" {
		userID = job.UserID
	}

	c, err := repo.GetChargeByJob(ctx, s.DB, jobID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		c = &domain.Charge{
			JobID:       jobID,
			IncidentID:  job.IncidentID,
			UserID:      userID,
			AmountCents: amountCents,
			Currency:    s.Currency,
			Status:      domain.ChargePending,
		}
		if err := repo.CreateCharge(ctx, s.DB, c); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				// A concurrent caller owns the attempt.
				return repo.GetChargeByJob(ctx, s.DB, jobID)
			}
			return nil, err
		}
	case err != nil:
		return nil, err
	case c.Status == domain.ChargeFailed:
		if err := repo.TransitionCharge(ctx, s.DB, c.ID, domain.ChargeFailed, map[string]any{"status": domain.ChargePending}); err != nil {
			if errors.Is(err, repo.ErrStale) {
				return repo.GetChargeByJob(ctx, s.DB, jobID)
			}
			return nil, err
		}
		c.Status = domain.ChargePending
	default:
		return c, nil
	}
	return s.settle(ctx, c)
}

// SettlePending re-sends every charge left pending, e.g. by a crash between
// persisting the attempt and recording its outcome.
func (s *BillingService) SettlePending(ctx context.Context) ([]*domain.Charge, error) {
	pending, err := repo.ListPendingCharges(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Charge, 0, len(pending))
	for i := range pending {
		c, err := s.settle(ctx, &pending[i])
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
	return out, nil
}

// settle calls the processor for a pending charge and records the outcome.
func (s *BillingService) settle(ctx context.Context, c *domain.Charge) (*domain.Charge, error) {
	req := PaymentRequest{
		IdempotencyKey: c.JobID,
		UserID:         c.UserID,
		AmountCents:    c.AmountCents,
		Currency:       c.Currency,
	}
	start := time.Now()
	res, err := retry(ctx, s.Policy, "payment", func(ctx context.Context) (*PaymentResult, error) {
		return s.Processor.Charge(ctx, req)
	})
	externalLatency.WithLabelValues("payment").Observe(time.Since(start).Seconds())

	fields := map[string]any{"attempts": c.Attempts + 1}
	switch {
	case err != nil:
		externalCalls.WithLabelValues("payment", "failed").Inc()
		fields["status"] = domain.ChargeFailed
		fields["last_error"] = err.Error()
	case !res.Approved:
		externalCalls.WithLabelValues("payment", "ok").Inc()
		fields["status"] = domain.ChargeFailed
		fields["last_error"] = ErrPaymentDeclined.Error() + ": " + res.DeclineReason
		fields["transaction_id"] = res.TransactionID
	default:
		externalCalls.WithLabelValues("payment", "ok").Inc()
		fields["status"] = domain.ChargeSucceeded
		fields["last_error"] = ""
		fields["transaction_id"] = res.TransactionID
	}

	// The outcome must be recorded even if the caller went away.
	wctx := context.WithoutCancel(ctx)
	err = s.DB.WithContext(wctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.TransitionCharge(wctx, tx, c.ID, domain.ChargePending, fields); err != nil {
			return err
		}
		return repo.EnqueueOutbox(wctx, tx, domain.TopicChargeRecorded, c.IncidentID, map[string]any{
			"chargeId":    c.ID,
			"jobId":       c.JobID,
			"incidentId":  c.IncidentID,
			"status":      fields["status"],
			"amountCents": c.AmountCents,
		})
	})
	if errors.Is(err, repo.ErrStale) {
		return repo.GetChargeByJob(wctx, s.DB, c.JobID)
	}
	if err != nil {
		return nil, err
	}

	c.Attempts++
	c.Status = fields["status"].(string)
	if v, ok := fields["transaction_id"].(string); ok {
		c.TransactionID = v
	}
	c.LastError, _ = fields["last_error"].(string)

	ev := log.Ctx(ctx).Info()
	if c.Status == domain.ChargeFailed {
		ev = log.Ctx(ctx).Error()
	}
	ev.Str("job_id", c.JobID).
		Str("incident_id", c.IncidentID).
		Str("status", c.Status).
		Int64("amount_cents", c.AmountCents).
		Str("transaction_id", c.TransactionID).
		Msg("charge settled")
	return c, nil
}
