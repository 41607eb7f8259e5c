package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Mechanic is a technician whose calendar is claimed by appointments.
type Mechanic struct {
	ID        string    `json:"id"        gorm:"type:char(36);primaryKey"`
	Name      string    `json:"name"      gorm:"type:varchar(128);not null"`
	Latitude  float64   `json:"latitude"  gorm:"not null"`
	Longitude float64   `json:"longitude" gorm:"not null"`
	Location  string    `json:"location"  gorm:"type:varchar(255)"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName returns the database table name for Mechanic.
func (Mechanic) TableName() string { return "mechanics" }

// AvailabilityWindow is a span during which a mechanic accepts work.
type AvailabilityWindow struct {
	ID         string    `json:"id"         gorm:"type:char(36);primaryKey"`
	MechanicID string    `json:"mechanicId" gorm:"type:char(36);not null;index:idx_availability,priority:1"`
	Start      time.Time `json:"start"      gorm:"column:start_at;not null;index:idx_availability,priority:2"`
	End        time.Time `json:"end"        gorm:"column:end_at;not null"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TableName returns the database table name for AvailabilityWindow.
func (AvailabilityWindow) TableName() string { return "availability_windows" }

// CalendarCell is one fixed-size slice of a mechanic's calendar. The composite
// primary key makes a claim an insert that fails on collision, which is the
// compare-and-swap that prevents double booking.
type CalendarCell struct {
	MechanicID    string    `gorm:"type:char(36);primaryKey"`
	CellStart     time.Time `gorm:"primaryKey"`
	AppointmentID string    `gorm:"type:char(36);not null;index"`
	CreatedAt     time.Time
}

// TableName returns the database table name for CalendarCell.
func (CalendarCell) TableName() string { return "calendar_cells" }

// Appointment status values.
const (
	AppointmentConfirmed = "confirmed"
	AppointmentCancelled = "cancelled"
)

// Appointment is a confirmed mechanic booking for an incident.
type Appointment struct {
	ID         string    `json:"id"         gorm:"type:char(36);primaryKey"`
	IncidentID string    `json:"incidentId" gorm:"type:char(36);not null;uniqueIndex:ux_appointment_incident"`
	MechanicID string    `json:"mechanicId" gorm:"type:char(36);not null;index"`
	SlotID     string    `json:"slotId"     gorm:"type:varchar(64);not null;index"`
	Start      time.Time `json:"start"      gorm:"column:start_at;not null"`
	End        time.Time `json:"end"        gorm:"column:end_at;not null"`
	Status     string    `json:"status"     gorm:"type:varchar(16);not null"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// TableName returns the database table name for Appointment.
func (Appointment) TableName() string { return "appointments" }

// JobStatus is the mechanic-facing lifecycle of a job.
type JobStatus string

// Job status values.
const (
	JobScheduled  JobStatus = "scheduled"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobCancelled  JobStatus = "cancelled"
)

// Job is materialized together with a confirmed appointment.
//
// Fields:
//   - Parts: snapshot of the diagnosis parts at confirmation time.
//   - Location: mechanic location label.
//   - DurationMinutes: estimated labor used for billing.
//   - AmountCents: parts + labor, fixed on completion.
type Job struct {
	ID              string                       `json:"id"            gorm:"type:char(36);primaryKey"`
	IncidentID      string                       `json:"incidentId"    gorm:"type:char(36);not null;uniqueIndex:ux_job_incident"`
	AppointmentID   string                       `json:"appointmentId" gorm:"type:char(36);not null;uniqueIndex:ux_job_appointment"`
	VehicleID       string                       `json:"vehicleId"     gorm:"type:char(36);not null;index"`
	UserID          string                       `json:"userId"        gorm:"type:varchar(64);not null"`
	MechanicID      string                       `json:"mechanicId"    gorm:"type:char(36);not null;index:idx_mechanic_jobs"`
	Parts           datatypes.JSONSlice[PartItem] `json:"parts"         gorm:"not null"`
	Location        string                       `json:"location"      gorm:"type:varchar(255)"`
	ScheduledTime   time.Time                    `json:"scheduledTime" gorm:"not null"`
	DurationMinutes int                          `json:"durationMinutes" gorm:"not null"`
	AmountCents     int64                        `json:"amountCents"   gorm:"not null;default:0"`
	Status          JobStatus                    `json:"status"        gorm:"type:varchar(16);not null;index"`
	StartedAt       *time.Time                   `json:"startedAt,omitempty"`
	CompletedAt     *time.Time                   `json:"completedAt,omitempty"`
	CreatedAt       time.Time                    `json:"createdAt"`
	UpdatedAt       time.Time                    `json:"updatedAt"`
}

// TableName returns the database table name for Job.
func (Job) TableName() string { return "jobs" }

// Charge status values.
const (
	ChargePending   = "pending"
	ChargeSucceeded = "succeeded"
	ChargeFailed    = "failed"
)

// Charge records the single billing attempt chain of a job. JobID is unique,
// which is the exactly-once guarantee.
type Charge struct {
	ID            string    `json:"id"            gorm:"type:char(36);primaryKey"`
	JobID         string    `json:"jobId"         gorm:"type:char(36);not null;uniqueIndex:ux_charge_job"`
	IncidentID    string    `json:"incidentId"    gorm:"type:char(36);not null;index"`
	UserID        string    `json:"userId"        gorm:"type:varchar(64);not null"`
	AmountCents   int64     `json:"amountCents"   gorm:"not null"`
	Currency      string    `json:"currency"      gorm:"type:varchar(3);not null;default:'USD'"`
	TransactionID string    `json:"transactionId,omitempty" gorm:"type:varchar(128)"`
	Status        string    `json:"status"        gorm:"type:varchar(16);not null;index"`
	Attempts      int       `json:"attempts"      gorm:"not null;default:0"`
	LastError     string    `json:"lastError,omitempty" gorm:"type:text"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// TableName returns the database table name for Charge.
func (Charge) TableName() string { return "charges" }
