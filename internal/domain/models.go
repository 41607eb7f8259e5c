// Package domain defines the persistence models for vehicles, diagnostic
// events, incidents and the artifacts an incident accumulates on its way to
// billing (diagnosis, parts order, appointment, job, charge). These types are
// mapped with GORM and form the core data layer of the platform.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Vehicle health values. Only the incident orchestrator mutates them.
const (
	HealthUnknown        = "unknown"
	HealthHealthy        = "healthy"
	HealthNeedsAttention = "needs_attention"
	HealthInRepair       = "in_repair"
)

// Vehicle is a registered car owned by a user.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - UserID: owning user; indexed for admin listings.
//   - VIN: 17-char vehicle identification number (unique).
//   - Make / Model / Year: descriptive registration data.
//   - HealthStatus: unknown|healthy|needs_attention|in_repair.
//   - Latitude / Longitude: optional service location used for mechanic proximity.
type Vehicle struct {
	ID           string    `json:"id"            gorm:"type:char(36);primaryKey"`
	UserID       string    `json:"userId"        gorm:"type:varchar(64);not null;index:idx_user_vehicles"`
	VIN          string    `json:"vin"           gorm:"type:varchar(17);not null;uniqueIndex:ux_vehicle_vin"`
	Make         string    `json:"make"          gorm:"type:varchar(64);not null"`
	Model        string    `json:"model"         gorm:"type:varchar(64);not null"`
	Year         int       `json:"year"          gorm:"not null"`
	HealthStatus string    `json:"healthStatus"  gorm:"type:varchar(32);not null;default:'unknown'"`
	Latitude     *float64  `json:"latitude,omitempty"`
	Longitude    *float64  `json:"longitude,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TableName returns the database table name for Vehicle.
func (Vehicle) TableName() string { return "vehicles" }

// HasLocation reports whether both coordinates are set.
func (v Vehicle) HasLocation() bool { return v.Latitude != nil && v.Longitude != nil }

// DiagnosticEvent is an immutable fact reported by a dongle. Codes are stored
// upper-cased, deduplicated and sorted; Fingerprint is their comma join and is
// what the dedup window compares.
type DiagnosticEvent struct {
	ID          string                     `json:"id"         gorm:"type:char(36);primaryKey"`
	DongleID    string                     `json:"dongleId"   gorm:"type:varchar(64);not null"`
	VehicleID   string                     `json:"vehicleId"  gorm:"type:char(36);not null;index:idx_vehicle_events,priority:1"`
	IncidentID  string                     `json:"incidentId" gorm:"type:char(36);not null;index"`
	Timestamp   time.Time                  `json:"timestamp"  gorm:"not null;index:idx_vehicle_events,priority:2"`
	Codes       datatypes.JSONSlice[string] `json:"codes"      gorm:"not null"`
	Fingerprint string                     `json:"-"          gorm:"type:varchar(512);not null"`
	CreatedAt   time.Time                  `json:"createdAt"`
	UpdatedAt   time.Time                  `json:"-"`
}

// TableName returns the database table name for DiagnosticEvent.
func (DiagnosticEvent) TableName() string { return "diagnostic_events" }

// Incident is the aggregate root of one vehicle's repair workflow.
//
// Fields:
//   - State: saga state (see IncidentState).
//   - ActiveVehicleID: equals VehicleID while the incident is non-terminal and
//     NULL afterwards; its unique index enforces one active incident per vehicle.
//   - Version: optimistic concurrency counter bumped on every transition.
//   - Codes: union of all attached event codes (sorted).
//   - DiagnosisID: current diagnosis, nil until one is produced.
//   - RediagnosisRequested: new codes arrived after diagnosis.
//   - Priority: set for Critical severity; routes work to the priority pool.
//   - FailureReason: last escalated failure (diagnosis, billing, supplier).
type Incident struct {
	ID                   string                     `json:"id"                    gorm:"type:char(36);primaryKey"`
	VehicleID            string                     `json:"vehicleId"             gorm:"type:char(36);not null;index"`
	UserID               string                     `json:"userId"                gorm:"type:varchar(64);not null"`
	ActiveVehicleID      *string                    `json:"-"                     gorm:"type:char(36);uniqueIndex:ux_incident_active_vehicle"`
	State                IncidentState              `json:"state"                 gorm:"type:varchar(32);not null;index"`
	Version              int64                      `json:"version"               gorm:"not null;default:1"`
	Priority             bool                       `json:"priority"              gorm:"not null;default:false"`
	Codes                datatypes.JSONSlice[string] `json:"codes"                 gorm:"not null"`
	DiagnosisID          *string                    `json:"diagnosisId,omitempty" gorm:"type:char(36)"`
	RediagnosisRequested bool                       `json:"rediagnosisRequested"  gorm:"not null;default:false"`
	FailureReason        string                     `json:"failureReason,omitempty" gorm:"type:text"`
	CreatedAt            time.Time                  `json:"createdAt"`
	UpdatedAt            time.Time                  `json:"updatedAt"`
	ClosedAt             *time.Time                 `json:"closedAt,omitempty"`
}

// TableName returns the database table name for Incident.
func (Incident) TableName() string { return "incidents" }

// IncidentTransition is an append-only audit row per state change.
type IncidentTransition struct {
	ID         uint64        `json:"id"         gorm:"primaryKey;autoIncrement"`
	IncidentID string        `json:"incidentId" gorm:"type:char(36);not null;index"`
	From       IncidentState `json:"from"       gorm:"column:from_state;type:varchar(32);not null"`
	To         IncidentState `json:"to"         gorm:"column:to_state;type:varchar(32);not null"`
	Reason     string        `json:"reason"     gorm:"type:text"`
	Version    int64         `json:"version"    gorm:"not null"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// TableName returns the database table name for IncidentTransition.
func (IncidentTransition) TableName() string { return "incident_transitions" }

// Severity values produced by the diagnosis capability.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// PartItem is a value type describing one required part. PriceCents is the
// supplier quote and stays zero until a supplier acknowledges the order.
type PartItem struct {
	SKU            string `json:"sku"`
	Name           string `json:"name"`
	Supplier       string `json:"supplier"`
	SafetyCritical bool   `json:"safetyCritical,omitempty"`
	Quantity       int    `json:"quantity,omitempty"`
	PriceCents     int64  `json:"priceCents,omitempty"`
}

// Qty returns the effective quantity (at least one).
func (p PartItem) Qty() int {
	if p.Quantity < 1 {
		return 1
	}
	return p.Quantity
}

// Diagnosis is an immutable AI result owned by an incident. A re-diagnosis
// produces a new row and repoints Incident.DiagnosisID.
type Diagnosis struct {
	ID                 string                       `json:"id"                 gorm:"type:char(36);primaryKey"`
	IncidentID         string                       `json:"incidentId"         gorm:"type:char(36);not null;index"`
	PrimaryIssue       string                       `json:"primaryIssue"       gorm:"type:text;not null"`
	RecommendedRepairs datatypes.JSONSlice[string]   `json:"recommendedRepairs" gorm:"not null"`
	RequiredParts      datatypes.JSONSlice[PartItem] `json:"requiredParts"      gorm:"not null"`
	Severity           string                       `json:"severity"           gorm:"type:varchar(16);not null;check:severity IN ('low','medium','high','critical')"`
	Codes              datatypes.JSONSlice[string]   `json:"codes"              gorm:"not null"`
	CreatedAt          time.Time                    `json:"createdAt"`
}

// TableName returns the database table name for Diagnosis.
func (Diagnosis) TableName() string { return "diagnoses" }

// RepairType returns the first recommended repair, or the primary issue.
func (d Diagnosis) RepairType() string {
	if len(d.RecommendedRepairs) > 0 {
		return d.RecommendedRepairs[0]
	}
	return d.PrimaryIssue
}
