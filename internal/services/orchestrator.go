// Package services – Orchestrator
//
// This file implements the incident saga. The orchestrator owns every
// incident state change and vehicle health update; the component services it
// calls never transition incidents themselves. Work for one incident is
// serialized in-process with a keyed lock; across processes the version
// check on every transition is what keeps writers honest.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/autofix-backend/internal/domain"
	"github.com/tbourn/autofix-backend/internal/repo"
	"github.com/tbourn/autofix-backend/internal/utils"
)

// maxStaleRetries bounds how often one step re-reads an incident that moved
// underneath it before giving up with ErrIncidentBusy.
const maxStaleRetries = 5

// autoBookAttempts bounds re-proposals after a slot conflict on the priority path.
const autoBookAttempts = 3

// Orchestrator drives incidents through the repair saga.
type Orchestrator struct {
	DB         *gorm.DB
	Diagnosis  *DiagnosisService
	Parts      *PartsService
	Scheduling *SchedulingService
	Jobs       *JobService
	Billing    *BillingService
	Dispatcher Dispatcher

	locks *keyedLocker
}

// NewOrchestrator wires the saga. A nil dispatcher runs steps inline.
func NewOrchestrator(db *gorm.DB, diag *DiagnosisService, parts *PartsService, sched *SchedulingService, jobs *JobService, billing *BillingService, d Dispatcher) *Orchestrator {
	if d == nil {
		d = InlineDispatcher{}
	}
	return &Orchestrator{
		DB:         db,
		Diagnosis:  diag,
		Parts:      parts,
		Scheduling: sched,
		Jobs:       jobs,
		Billing:    billing,
		Dispatcher: d,
		locks:      newKeyedLocker(),
	}
}

// InlineDispatcher runs tasks on the calling goroutine.
type InlineDispatcher struct{}

// Dispatch runs task immediately.
func (InlineDispatcher) Dispatch(_ bool, task func(ctx context.Context)) error {
	task(context.Background())
	return nil
}

// IncidentView is an incident with the artifacts it accumulated.
type IncidentView struct {
	Incident    *domain.Incident   `json:"incident"`
	Diagnosis   *domain.Diagnosis  `json:"diagnosis,omitempty"`
	Order       *domain.PartsOrder `json:"partsOrder,omitempty"`
	Appointment *domain.Appointment `json:"appointment,omitempty"`
	Job         *domain.Job        `json:"job,omitempty"`
	Charge      *domain.Charge     `json:"charge,omitempty"`
}

// ---------- entry points ----------

// Ingested schedules a Drive of the incident on the worker pool.
func (o *Orchestrator) Ingested(ctx context.Context, incidentID string) {
	priority := false
	if inc, err := repo.GetIncident(ctx, o.DB, incidentID); err == nil {
		priority = inc.Priority
	}
	o.dispatch(incidentID, priority)
}

func (o *Orchestrator) dispatch(incidentID string, priority bool) {
	err := o.Dispatcher.Dispatch(priority, func(ctx context.Context) {
		if err := o.Drive(ctx, incidentID); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("incident_id", incidentID).Msg("drive failed")
		}
	})
	if err != nil {
		log.Error().Err(err).Str("incident_id", incidentID).Msg("dispatch failed")
	}
}

// Drive advances an incident as far as it can go without outside input. It
// is idempotent and safe to call at any time.
func (o *Orchestrator) Drive(ctx context.Context, incidentID string) error {
	ctx, span := otel.Tracer("services/Orchestrator").Start(ctx, "Drive",
		trace.WithAttributes(attribute.String("incident.id", incidentID)))
	defer span.End()

	unlock := o.locks.Lock(incidentID)
	defer unlock()
	return o.withStaleRetry(ctx, incidentID, o.step)
}

// withStaleRetry loads the incident and runs fn, reloading when a version
// check fails.
func (o *Orchestrator) withStaleRetry(ctx context.Context, incidentID string, fn func(context.Context, *domain.Incident) error) error {
	for i := 0; i < maxStaleRetries; i++ {
		inc, err := o.load(ctx, incidentID)
		if err != nil {
			return err
		}
		err = fn(ctx, inc)
		if !errors.Is(err, repo.ErrStale) {
			return err
		}
		log.Ctx(ctx).Debug().Str("incident_id", incidentID).Int("attempt", i+1).Msg("incident changed, reloading")
	}
	return ErrIncidentBusy
}

func (o *Orchestrator) load(ctx context.Context, incidentID string) (*domain.Incident, error) {
	inc, err := repo.GetIncident(ctx, o.DB, incidentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrIncidentNotFound
	}
	return inc, err
}

// step performs the next actions for the incident's current state.
func (o *Orchestrator) step(ctx context.Context, inc *domain.Incident) error {
	switch inc.State {
	case domain.IncidentOpen:
		o.setHealth(ctx, inc.VehicleID, domain.HealthNeedsAttention)
		if err := o.transition(ctx, inc, domain.IncidentDiagnosing, "diagnosis started", nil); err != nil {
			return err
		}
		return o.diagnose(ctx, inc)
	case domain.IncidentDiagnosing:
		return o.diagnose(ctx, inc)
	case domain.IncidentDiagnosisFailed:
		if !inc.RediagnosisRequested {
			return nil
		}
		if err := o.transition(ctx, inc, domain.IncidentDiagnosing, "new codes reported", nil); err != nil {
			return err
		}
		return o.diagnose(ctx, inc)
	case domain.IncidentAwaitingPartsSchedule:
		if inc.RediagnosisRequested {
			if _, err := o.order(ctx, inc.ID); errors.Is(err, gorm.ErrRecordNotFound) {
				if err := o.transition(ctx, inc, domain.IncidentDiagnosing, "new codes reported", nil); err != nil {
					return err
				}
				return o.diagnose(ctx, inc)
			}
		}
		return o.advance(ctx, inc)
	case domain.IncidentInRepair:
		job, err := repo.GetJobByIncident(ctx, o.DB, inc.ID)
		if err != nil {
			return err
		}
		if job.Status == domain.JobCompleted {
			_, err := o.bill(ctx, inc, job)
			return err
		}
	case domain.IncidentBillingFailed:
		// A charge settled outside RetryBilling still closes the incident.
		job, err := repo.GetJobByIncident(ctx, o.DB, inc.ID)
		if err != nil {
			return err
		}
		charge, err := o.Billing.Get(ctx, job.ID)
		if errors.Is(err, ErrChargeNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if charge.Status == domain.ChargeSucceeded {
			return o.settleIncident(ctx, inc, charge)
		}
	}
	return nil
}

// diagnose runs the AI for an incident in diagnosing and records the outcome.
func (o *Orchestrator) diagnose(ctx context.Context, inc *domain.Incident) error {
	d, err := o.Diagnosis.Diagnose(ctx, inc.ID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Ctx(ctx).Error().Err(err).Str("incident_id", inc.ID).Msg("diagnosis failed")
		return o.transition(ctx, inc, domain.IncidentDiagnosisFailed, "diagnosis failed", map[string]any{
			"failure_reason":        err.Error(),
			"rediagnosis_requested": false,
		})
	}

	// The incident may have gained codes while the AI was thinking; the
	// version check below then fails and the step reruns with them.
	fields := map[string]any{
		"diagnosis_id":          d.ID,
		"rediagnosis_requested": false,
		"failure_reason":        "",
	}
	priority := d.Severity == domain.SeverityCritical
	if priority {
		fields["priority"] = true
	}
	if err := o.transition(ctx, inc, domain.IncidentAwaitingPartsSchedule, "diagnosed: "+d.PrimaryIssue, fields); err != nil {
		return err
	}
	inc.DiagnosisID = &d.ID
	inc.RediagnosisRequested = false
	inc.FailureReason = ""
	inc.Priority = inc.Priority || priority
	return o.advance(ctx, inc)
}

// advance orders parts, auto-books priority incidents and moves to scheduled
// once an appointment exists and parts are secured.
func (o *Orchestrator) advance(ctx context.Context, inc *domain.Incident) error {
	d, err := repo.CurrentDiagnosis(ctx, o.DB, inc)
	if err != nil {
		return err
	}
	if d == nil {
		return ErrNoDiagnosis
	}

	needParts := len(d.RequiredParts) > 0
	order, err := o.order(ctx, inc.ID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if needParts && order == nil {
		order, err = o.Parts.Order(ctx, inc.ID, d.RequiredParts)
		if err != nil {
			return o.recordFailure(ctx, inc, fmt.Errorf("parts order: %w", err))
		}
	}
	if order != nil && order.Status == domain.OrderFailed {
		// Stays awaiting until an operator retries the parts order.
		return o.recordFailure(ctx, inc, errors.New("parts order failed"))
	}

	appt, err := o.appointment(ctx, inc.ID)
	if err != nil {
		return err
	}
	if appt == nil && inc.Priority {
		appt = o.autoBook(ctx, inc)
	}
	if appt == nil {
		return nil
	}
	if needParts && !PartsReady(order) {
		return nil
	}
	return o.transition(ctx, inc, domain.IncidentScheduled, "appointment confirmed and parts secured", nil)
}

// autoBook confirms the earliest feasible slot, re-proposing when another
// confirmation wins the race for it.
func (o *Orchestrator) autoBook(ctx context.Context, inc *domain.Incident) *domain.Appointment {
	for attempt := 1; attempt <= autoBookAttempts; attempt++ {
		opts, err := o.Scheduling.ProposeForIncident(ctx, inc, "")
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("incident_id", inc.ID).Msg("auto-booking: no proposal")
			return nil
		}
		appt, err := o.Scheduling.Confirm(ctx, opts.Options[0].SlotID)
		if err == nil {
			log.Ctx(ctx).Info().Str("incident_id", inc.ID).Str("appointment_id", appt.ID).Msg("auto-booked earliest slot")
			return appt
		}
		if !errors.Is(err, ErrSlotConflict) {
			log.Ctx(ctx).Warn().Err(err).Str("incident_id", inc.ID).Msg("auto-booking failed")
			return nil
		}
		log.Ctx(ctx).Info().Str("incident_id", inc.ID).Int("attempt", attempt).Msg("auto-booking slot conflict, re-proposing")
	}
	return nil
}

// ---------- callbacks and commands ----------

// OrderParts places the parts order of the vehicle's active incident. With no
// parts given, the diagnosis parts are ordered.
func (o *Orchestrator) OrderParts(ctx context.Context, vehicleID string, parts []domain.PartItem) (*domain.PartsOrder, error) {
	inc, err := o.activeIncident(ctx, vehicleID)
	if err != nil {
		return nil, err
	}
	unlock := o.locks.Lock(inc.ID)
	defer unlock()

	if !inc.State.PastDiagnosis() {
		return nil, ErrNoDiagnosis
	}
	if len(parts) == 0 {
		d, err := repo.CurrentDiagnosis(ctx, o.DB, inc)
		if err != nil {
			return nil, err
		}
		if d == nil {
			return nil, ErrNoDiagnosis
		}
		parts = d.RequiredParts
	}
	order, err := o.Parts.Order(ctx, inc.ID, parts)
	if err != nil {
		return nil, err
	}
	if err := o.withStaleRetry(ctx, inc.ID, o.advanceIfAwaiting); err != nil {
		return order, err
	}
	return order, nil
}

// SupplierStatus applies a supplier callback and re-evaluates the incident.
func (o *Orchestrator) SupplierStatus(ctx context.Context, orderID, supplier, status string, eta *time.Time) (*domain.PartsOrder, error) {
	order, err := o.Parts.ApplySupplierStatus(ctx, orderID, supplier, status, eta)
	if err != nil {
		return nil, err
	}
	return order, o.PartsChanged(ctx, order.IncidentID)
}

// PartsChanged re-evaluates an incident after its parts order changed.
func (o *Orchestrator) PartsChanged(ctx context.Context, incidentID string) error {
	unlock := o.locks.Lock(incidentID)
	defer unlock()
	return o.withStaleRetry(ctx, incidentID, o.advanceIfAwaiting)
}

// ConfirmAppointment confirms a proposed slot and advances the incident.
func (o *Orchestrator) ConfirmAppointment(ctx context.Context, slotID string) (*domain.Appointment, error) {
	claim, err := o.Scheduling.signer.Verify(slotID, o.Scheduling.Now().UTC())
	if err != nil {
		return nil, err
	}
	unlock := o.locks.Lock(claim.IncidentID)
	defer unlock()

	appt, err := o.Scheduling.Confirm(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if err := o.withStaleRetry(ctx, appt.IncidentID, o.advanceIfAwaiting); err != nil {
		return appt, err
	}
	return appt, nil
}

// AppointmentConfirmed re-evaluates an incident after booking.
func (o *Orchestrator) AppointmentConfirmed(ctx context.Context, incidentID string) error {
	return o.PartsChanged(ctx, incidentID)
}

func (o *Orchestrator) advanceIfAwaiting(ctx context.Context, inc *domain.Incident) error {
	if inc.State != domain.IncidentAwaitingPartsSchedule {
		return nil
	}
	return o.advance(ctx, inc)
}

// StartJob starts the mechanic's job and moves the incident into repair.
func (o *Orchestrator) StartJob(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := o.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	unlock := o.locks.Lock(job.IncidentID)
	defer unlock()

	inc, err := o.load(ctx, job.IncidentID)
	if err != nil {
		return nil, err
	}
	if inc.State != domain.IncidentScheduled && inc.State != domain.IncidentInRepair {
		return nil, ErrInvalidTransition
	}
	job, err = o.Jobs.Start(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job, o.JobStarted(ctx, job)
}

// JobStarted moves the incident to in_repair. Callers hold the incident lock.
func (o *Orchestrator) JobStarted(ctx context.Context, job *domain.Job) error {
	return o.withStaleRetry(ctx, job.IncidentID, func(ctx context.Context, inc *domain.Incident) error {
		if inc.State != domain.IncidentScheduled {
			return nil
		}
		o.setHealth(ctx, inc.VehicleID, domain.HealthInRepair)
		return o.transition(ctx, inc, domain.IncidentInRepair, "job started", nil)
	})
}

// CompleteJob completes the job and bills it once. Completing an already
// completed job returns the stored job and charge.
func (o *Orchestrator) CompleteJob(ctx context.Context, jobID string) (*domain.Job, *domain.Charge, error) {
	job, err := o.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	unlock := o.locks.Lock(job.IncidentID)
	defer unlock()

	inc, err := o.load(ctx, job.IncidentID)
	if err != nil {
		return nil, nil, err
	}
	if job.Status != domain.JobCompleted && inc.State != domain.IncidentScheduled && inc.State != domain.IncidentInRepair {
		return nil, nil, ErrInvalidTransition
	}

	job, first, err := o.Jobs.Complete(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if !first {
		charge, err := o.Billing.Get(ctx, job.ID)
		if errors.Is(err, ErrChargeNotFound) {
			// Completed but never billed, e.g. a crash in between.
			charge, err = o.JobCompleted(ctx, job)
		}
		return job, charge, err
	}
	charge, err := o.JobCompleted(ctx, job)
	return job, charge, err
}

// JobCompleted bills the job and closes the incident accordingly. Callers
// hold the incident lock.
func (o *Orchestrator) JobCompleted(ctx context.Context, job *domain.Job) (*domain.Charge, error) {
	var charge *domain.Charge
	err := o.withStaleRetry(ctx, job.IncidentID, func(ctx context.Context, inc *domain.Incident) error {
		if inc.State == domain.IncidentScheduled {
			// Completion without an explicit start.
			if err := o.transition(ctx, inc, domain.IncidentInRepair, "job started", nil); err != nil {
				return err
			}
		}
		c, err := o.bill(ctx, inc, job)
		charge = c
		return err
	})
	return charge, err
}

// bill charges a completed job and moves the incident to completed or
// billing_failed.
func (o *Orchestrator) bill(ctx context.Context, inc *domain.Incident, job *domain.Job) (*domain.Charge, error) {
	if inc.State != domain.IncidentInRepair && inc.State != domain.IncidentBillingFailed {
		return o.Billing.Get(ctx, job.ID)
	}
	charge, err := o.Billing.Charge(ctx, job.ID, job.UserID, job.AmountCents)
	if err != nil {
		return nil, err
	}
	return charge, o.settleIncident(ctx, inc, charge)
}

// settleIncident applies a charge outcome to an incident in in_repair or
// billing_failed.
func (o *Orchestrator) settleIncident(ctx context.Context, inc *domain.Incident, charge *domain.Charge) error {
	if inc.State != domain.IncidentInRepair && inc.State != domain.IncidentBillingFailed {
		return nil
	}
	switch charge.Status {
	case domain.ChargeSucceeded:
		if err := o.transition(ctx, inc, domain.IncidentCompleted, "charged "+charge.TransactionID, nil); err != nil {
			return err
		}
		o.setHealth(ctx, inc.VehicleID, domain.HealthHealthy)
	case domain.ChargeFailed:
		if inc.State == domain.IncidentBillingFailed {
			return o.recordFailure(ctx, inc, errors.New(charge.LastError))
		}
		return o.transition(ctx, inc, domain.IncidentBillingFailed, "billing failed", map[string]any{
			"failure_reason": charge.LastError,
		})
	}
	return nil
}

// ChargeJob charges a completed job on behalf of an external caller and
// applies the outcome to its incident. Amounts follow BillingService.Charge.
func (o *Orchestrator) ChargeJob(ctx context.Context, jobID, userID string, amountCents int64) (*domain.Charge, error) {
	job, err := o.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	unlock := o.locks.Lock(job.IncidentID)
	defer unlock()

	charge, err := o.Billing.Charge(ctx, job.ID, userID, amountCents)
	if err != nil {
		return nil, err
	}
	err = o.withStaleRetry(ctx, job.IncidentID, func(ctx context.Context, inc *domain.Incident) error {
		if inc.State == domain.IncidentScheduled {
			if err := o.transition(ctx, inc, domain.IncidentInRepair, "job started", nil); err != nil {
				return err
			}
		}
		return o.settleIncident(ctx, inc, charge)
	})
	return charge, err
}

// Cancel abandons an incident: the job is cancelled, calendar cells are
// released and the parts order is compensated. A completed job cannot be
// cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, incidentID, reason string) (*domain.Incident, error) {
	ctx, span := otel.Tracer("services/Orchestrator").Start(ctx, "Cancel",
		trace.WithAttributes(attribute.String("incident.id", incidentID)))
	defer span.End()

	unlock := o.locks.Lock(incidentID)
	defer unlock()

	if reason == "" {
		reason = "cancelled"
	}
	var (
		cancelled *domain.Incident
		from      domain.IncidentState
	)
	err := o.withStaleRetry(ctx, incidentID, func(ctx context.Context, inc *domain.Incident) error {
		if !inc.State.CanTransition(domain.IncidentCancelled) {
			return ErrInvalidTransition
		}
		from = inc.State
		return o.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			job, err := repo.GetJobByIncident(ctx, tx, inc.ID)
			switch {
			case err == nil:
				if err := o.Jobs.Cancel(ctx, tx, job); err != nil {
					return err
				}
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}
			appt, err := repo.GetAppointmentByIncident(ctx, tx, inc.ID)
			switch {
			case err == nil:
				if err := repo.CancelAppointment(ctx, tx, appt.ID); err != nil {
					return err
				}
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}
			if err := repo.TransitionIncident(ctx, tx, inc, domain.IncidentCancelled, reason, nil); err != nil {
				return err
			}
			cancelled = inc
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	incidentTransitions.WithLabelValues(string(from), string(domain.IncidentCancelled)).Inc()

	if err := o.Parts.Compensate(ctx, incidentID); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("incident_id", incidentID).Msg("parts compensation incomplete")
	}
	o.setHealth(ctx, cancelled.VehicleID, domain.HealthNeedsAttention)
	log.Ctx(ctx).Info().Str("incident_id", incidentID).Str("reason", reason).Msg("incident cancelled")
	return cancelled, nil
}

// RetryDiagnosis re-runs diagnosis for an incident in diagnosis_failed.
func (o *Orchestrator) RetryDiagnosis(ctx context.Context, incidentID string) (*domain.Incident, error) {
	unlock := o.locks.Lock(incidentID)
	defer unlock()

	err := o.withStaleRetry(ctx, incidentID, func(ctx context.Context, inc *domain.Incident) error {
		if inc.State != domain.IncidentDiagnosisFailed {
			return ErrInvalidTransition
		}
		if err := o.transition(ctx, inc, domain.IncidentDiagnosing, "diagnosis retried", nil); err != nil {
			return err
		}
		return o.diagnose(ctx, inc)
	})
	if err != nil {
		return nil, err
	}
	return o.load(ctx, incidentID)
}

// RetryBilling re-attempts the charge of an incident in billing_failed.
func (o *Orchestrator) RetryBilling(ctx context.Context, incidentID string) (*domain.Charge, error) {
	unlock := o.locks.Lock(incidentID)
	defer unlock()

	var charge *domain.Charge
	err := o.withStaleRetry(ctx, incidentID, func(ctx context.Context, inc *domain.Incident) error {
		if inc.State != domain.IncidentBillingFailed {
			return ErrInvalidTransition
		}
		job, err := repo.GetJobByIncident(ctx, o.DB, inc.ID)
		if err != nil {
			return err
		}
		charge, err = o.bill(ctx, inc, job)
		return err
	})
	return charge, err
}

// RetryParts re-places the failed groups of an incident's parts order.
func (o *Orchestrator) RetryParts(ctx context.Context, incidentID string) (*domain.PartsOrder, error) {
	unlock := o.locks.Lock(incidentID)
	defer unlock()

	inc, err := o.load(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if inc.State != domain.IncidentAwaitingPartsSchedule {
		return nil, ErrInvalidTransition
	}
	existing, err := o.order(ctx, incidentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := o.withStaleRetry(ctx, incidentID, o.advanceIfAwaiting); err != nil {
			return nil, err
		}
		return o.order(ctx, incidentID)
	}
	if err != nil {
		return nil, err
	}
	order, err := o.Parts.Retry(ctx, existing.ID)
	if err != nil {
		return nil, err
	}
	return order, o.withStaleRetry(ctx, incidentID, o.advanceIfAwaiting)
}

// Resume finishes work interrupted by a restart. Unacknowledged supplier
// groups are re-sent, compensation of cancelled incidents is retried, pending
// charges are settled and every active incident is driven again.
func (o *Orchestrator) Resume(ctx context.Context) error {
	if _, err := o.Parts.ResendPending(ctx); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("resume: resend supplier groups")
	}
	if _, err := o.Parts.ResumeCompensation(ctx); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("resume: compensate cancelled orders")
	}
	if charges, err := o.Billing.SettlePending(ctx); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("resume: settle pending charges")
	} else {
		for _, c := range charges {
			o.dispatch(c.IncidentID, false)
		}
	}
	ids, err := repo.ListActiveIncidentIDs(ctx, o.DB)
	if err != nil {
		return err
	}
	for _, id := range ids {
		o.dispatch(id, false)
	}
	log.Ctx(ctx).Info().Int("incidents", len(ids)).Msg("resumed active incidents")
	return nil
}

// ---------- queries ----------

// Get returns an incident with its artifacts.
func (o *Orchestrator) Get(ctx context.Context, incidentID string) (*IncidentView, error) {
	inc, err := o.load(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	return o.view(ctx, inc)
}

// ActiveForVehicle returns the vehicle's active incident, or its latest one
// when none is active.
func (o *Orchestrator) ActiveForVehicle(ctx context.Context, vehicleID string) (*IncidentView, error) {
	if _, err := repo.GetVehicle(ctx, o.DB, vehicleID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrVehicleNotFound
		}
		return nil, err
	}
	inc, err := repo.GetActiveIncident(ctx, o.DB, vehicleID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		inc, err = repo.GetLatestIncident(ctx, o.DB, vehicleID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoActiveIncident
		}
	}
	if err != nil {
		return nil, err
	}
	return o.view(ctx, inc)
}

// History returns the incident's transitions oldest first.
func (o *Orchestrator) History(ctx context.Context, incidentID string) ([]domain.IncidentTransition, error) {
	if _, err := o.load(ctx, incidentID); err != nil {
		return nil, err
	}
	return repo.ListTransitions(ctx, o.DB, incidentID)
}

// List returns incidents, optionally in one state.
func (o *Orchestrator) List(ctx context.Context, state string, page, pageSize int) ([]domain.Incident, int64, error) {
	st := domain.IncidentState(state)
	if st != "" && !st.Valid() {
		return nil, 0, ErrInvalidStatus
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return repo.ListIncidents(ctx, o.DB, st, utils.Offset(page, pageSize), pageSize)
}

func (o *Orchestrator) view(ctx context.Context, inc *domain.Incident) (*IncidentView, error) {
	v := &IncidentView{Incident: inc}
	var err error
	if v.Diagnosis, err = repo.CurrentDiagnosis(ctx, o.DB, inc); err != nil {
		return nil, err
	}
	if v.Order, err = o.order(ctx, inc.ID); err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if v.Appointment, err = o.appointment(ctx, inc.ID); err != nil {
		return nil, err
	}
	if job, err := repo.GetJobByIncident(ctx, o.DB, inc.ID); err == nil {
		v.Job = job
		if c, err := repo.GetChargeByJob(ctx, o.DB, job.ID); err == nil {
			v.Charge = c
		}
	}
	return v, nil
}

// ---------- helpers ----------

func (o *Orchestrator) activeIncident(ctx context.Context, vehicleID string) (*domain.Incident, error) {
	inc, err := repo.GetActiveIncident(ctx, o.DB, vehicleID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoActiveIncident
	}
	return inc, err
}

// order returns the incident's order; gorm.ErrRecordNotFound when absent.
func (o *Orchestrator) order(ctx context.Context, incidentID string) (*domain.PartsOrder, error) {
	ord, err := repo.GetOrderByIncident(ctx, o.DB, incidentID)
	if err != nil {
		return nil, err
	}
	return ord, nil
}

// appointment returns the incident's confirmed appointment or nil.
func (o *Orchestrator) appointment(ctx context.Context, incidentID string) (*domain.Appointment, error) {
	appt, err := repo.GetAppointmentByIncident(ctx, o.DB, incidentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if appt.Status != domain.AppointmentConfirmed {
		return nil, nil
	}
	return appt, nil
}

// transition applies one saga edge in its own transaction.
func (o *Orchestrator) transition(ctx context.Context, inc *domain.Incident, to domain.IncidentState, reason string, extra map[string]any) error {
	if !inc.State.CanTransition(to) {
		return fmt.Errorf("%s -> %s: %w", inc.State, to, ErrInvalidTransition)
	}
	from := inc.State
	next := *inc
	err := o.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return repo.TransitionIncident(ctx, tx, &next, to, reason, extra)
	})
	if err != nil {
		return err
	}
	*inc = next
	incidentTransitions.WithLabelValues(string(from), string(to)).Inc()
	log.Ctx(ctx).Info().
		Str("incident_id", inc.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Int64("version", inc.Version).
		Str("reason", reason).
		Msg("incident transition")
	return nil
}

// recordFailure stores an escalated failure on the incident without moving it.
func (o *Orchestrator) recordFailure(ctx context.Context, inc *domain.Incident, cause error) error {
	log.Ctx(ctx).Error().Err(cause).Str("incident_id", inc.ID).Str("state", string(inc.State)).Msg("incident step failed")
	if inc.FailureReason == cause.Error() {
		return nil
	}
	if err := repo.UpdateIncident(ctx, o.DB, inc, map[string]any{"failure_reason": cause.Error()}); err != nil {
		return err
	}
	inc.FailureReason = cause.Error()
	return nil
}

// setHealth updates the vehicle's health. Failures are logged only.
func (o *Orchestrator) setHealth(ctx context.Context, vehicleID, status string) {
	if err := repo.UpdateVehicleHealth(ctx, o.DB, vehicleID, status); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("vehicle_id", vehicleID).Str("health", status).Msg("vehicle health update failed")
	}
}
