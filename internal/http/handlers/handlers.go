// Package handlers provides HTTP handler implementations for the public API.
//
// Handlers are transport-thin: they validate input, call application services
// through the narrow interfaces below, and translate results into HTTP
// responses (including conditional responses). Error mapping lives in
// errors.go; response helpers in response.go.
package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/autofix-backend/internal/domain"
	"github.com/tbourn/autofix-backend/internal/repo"
	"github.com/tbourn/autofix-backend/internal/services"
	"github.com/tbourn/autofix-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// VehicleService registers and reads vehicles.
type VehicleService interface {
	Register(ctx context.Context, in services.VehicleInput) (*domain.Vehicle, error)
	Get(ctx context.Context, id string) (*domain.Vehicle, error)
	ListPage(ctx context.Context, page, pageSize int) ([]domain.Vehicle, int64, error)
}

// IntakeService accepts dongle reports.
type IntakeService interface {
	Submit(ctx context.Context, in services.DiagnosticEventInput) (*services.IntakeResult, error)
}

// DiagnosisService runs an ad-hoc diagnosis that is not tied to an incident.
type DiagnosisService interface {
	Preview(ctx context.Context, vehicleID string, codes []string) (*domain.Diagnosis, error)
}

// SchedulingService proposes slots and manages mechanic calendars.
type SchedulingService interface {
	ProposeSlots(ctx context.Context, vehicleID, repairType string) (*services.AutoScheduleOptions, error)
	RegisterMechanic(ctx context.Context, in services.MechanicInput) (*domain.Mechanic, error)
	AddAvailability(ctx context.Context, mechanicID string, start, end time.Time) (*domain.AvailabilityWindow, error)
}

// JobService lists mechanic jobs.
type JobService interface {
	List(ctx context.Context, mechanicID, status string) ([]domain.Job, error)
}

// Workflow is the incident orchestrator: every operation that moves an
// incident goes through it so state changes stay serialized per incident.
type Workflow interface {
	OrderParts(ctx context.Context, vehicleID string, parts []domain.PartItem) (*domain.PartsOrder, error)
	SupplierStatus(ctx context.Context, orderID, supplier, status string, eta *time.Time) (*domain.PartsOrder, error)
	ConfirmAppointment(ctx context.Context, slotID string) (*domain.Appointment, error)
	StartJob(ctx context.Context, jobID string) (*domain.Job, error)
	CompleteJob(ctx context.Context, jobID string) (*domain.Job, *domain.Charge, error)
	ChargeJob(ctx context.Context, jobID, userID string, amountCents int64) (*domain.Charge, error)

	Get(ctx context.Context, incidentID string) (*services.IncidentView, error)
	ActiveForVehicle(ctx context.Context, vehicleID string) (*services.IncidentView, error)
	History(ctx context.Context, incidentID string) ([]domain.IncidentTransition, error)
	List(ctx context.Context, state string, page, pageSize int) ([]domain.Incident, int64, error)

	Cancel(ctx context.Context, incidentID, reason string) (*domain.Incident, error)
	RetryDiagnosis(ctx context.Context, incidentID string) (*domain.Incident, error)
	RetryBilling(ctx context.Context, incidentID string) (*domain.Charge, error)
	RetryParts(ctx context.Context, incidentID string) (*domain.PartsOrder, error)
}

// AdminStore backs the admin listings and their ETags.
type AdminStore interface {
	VehiclesStats(ctx context.Context) (int64, *time.Time, error)
	EventsStats(ctx context.Context, f repo.EventFilter) (int64, *time.Time, error)
	ListEvents(ctx context.Context, f repo.EventFilter, offset, limit int) ([]domain.DiagnosticEvent, error)
}

//
// Handler wiring
//

// Deps carries the services the handlers call. Nil entries are allowed in
// tests that exercise a subset of routes.
type Deps struct {
	Vehicles   VehicleService
	Intake     IntakeService
	Diagnosis  DiagnosisService
	Scheduling SchedulingService
	Jobs       JobService
	Workflow   Workflow
	Admin      AdminStore
}

// Handlers groups every HTTP endpoint of the API.
type Handlers struct {
	vehicles   VehicleService
	intake     IntakeService
	diagnosis  DiagnosisService
	scheduling SchedulingService
	jobs       JobService
	workflow   Workflow
	admin      AdminStore
}

// New constructs a Handlers instance bound to the given services.
func New(d Deps) *Handlers {
	return &Handlers{
		vehicles:   d.Vehicles,
		intake:     d.Intake,
		diagnosis:  d.Diagnosis,
		scheduling: d.Scheduling,
		jobs:       d.Jobs,
		workflow:   d.Workflow,
		admin:      d.Admin,
	}
}

// userID extracts the caller's id from the Gin context (set by the identity
// middleware), falling back to the X-User-ID header and finally "demo-user".
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

//
// Pagination
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// clampPagination parses and bounds page and page_size query params,
// returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	return utils.Page(c.Query("page"), c.Query("page_size"), 20, 100)
}

func paginate(page, pageSize int, total int64) Pagination {
	totalPages := utils.TotalPages(total, pageSize)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}
