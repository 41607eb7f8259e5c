// Package services defines the business logic of the incident workflow:
// intake, diagnosis, parts procurement, scheduling, jobs, billing and the
// orchestrator that drives an incident between them.
//
// This file centralizes service-level error values. Every specific error wraps
// exactly one category sentinel so the handler layer can map it to an HTTP
// status with errors.Is without knowing every individual value.
package services

import (
	"errors"
	"fmt"
)

// Categories.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrExternalUnavailable = errors.New("external capability unavailable")
	ErrInvariantViolation  = errors.New("invariant violation")
)

func categorized(category error, msg string) error {
	return fmt.Errorf("%s: %w", msg, category)
}

// Validation errors.
var (
	// ErrInvalidEvent is returned when a diagnostic event is missing fields or
	// carries a code that is not an OBD-II DTC.
	ErrInvalidEvent = categorized(ErrInvalidInput, "invalid diagnostic event")

	// ErrInvalidVehicle is returned for malformed registration data.
	ErrInvalidVehicle = categorized(ErrInvalidInput, "invalid vehicle")

	// ErrInvalidSlot is returned for a slot token that fails verification.
	ErrInvalidSlot = categorized(ErrInvalidInput, "invalid slot id")

	ErrInvalidAmount = categorized(ErrInvalidInput, "amount must be positive")
	ErrInvalidStatus = categorized(ErrInvalidInput, "invalid status")
)

// Lookup errors.
var (
	ErrVehicleNotFound     = categorized(ErrNotFound, "vehicle not found")
	ErrIncidentNotFound    = categorized(ErrNotFound, "incident not found")
	ErrNoActiveIncident    = categorized(ErrNotFound, "no active incident for vehicle")
	ErrOrderNotFound       = categorized(ErrNotFound, "parts order not found")
	ErrJobNotFound         = categorized(ErrNotFound, "job not found")
	ErrMechanicNotFound    = categorized(ErrNotFound, "mechanic not found")
	ErrChargeNotFound      = categorized(ErrNotFound, "charge not found")
	ErrNoDiagnosis         = categorized(ErrNotFound, "incident has no diagnosis")
	ErrProposalUnavailable = categorized(ErrNotFound, "no feasible slot within horizon")
)

// Conflicts.
var (
	// ErrSlotConflict is returned when another confirmation claimed one of the
	// slot's calendar cells first. Callers re-propose.
	ErrSlotConflict = categorized(ErrConflict, "slot already taken")

	// ErrSlotBeforeParts is returned when a proposed slot now starts before
	// the parts order's ETA. It is a slot conflict: callers re-propose.
	ErrSlotBeforeParts = fmt.Errorf("slot starts before parts arrive: %w", ErrSlotConflict)

	// ErrPartsBlocked is returned when a safety-critical part is unavailable.
	ErrPartsBlocked = categorized(ErrConflict, "safety-critical part unavailable")

	// ErrIncidentBusy is returned when an incident kept changing underneath a
	// writer and the write could not be applied.
	ErrIncidentBusy = categorized(ErrConflict, "incident modified concurrently")

	// ErrProposalExpired is returned when a slot token is past its expiry.
	ErrProposalExpired = categorized(ErrConflict, "slot proposal expired")

	ErrDuplicateVIN      = categorized(ErrConflict, "vin already registered")
	ErrAppointmentHeld   = categorized(ErrConflict, "incident already holds a different appointment")
	ErrOrderCancelled    = categorized(ErrConflict, "parts order was cancelled")
	ErrIncidentNotActive = categorized(ErrConflict, "incident is not active")
)

// Invariant violations.
var (
	// ErrInvalidTransition is returned for a state change outside the
	// incident or job transition tables.
	ErrInvalidTransition = categorized(ErrInvariantViolation, "invalid transition")
)

// External failures.
var (
	// ErrMalformedDiagnosis is a permanent AI failure; it is not retried.
	ErrMalformedDiagnosis = errors.New("malformed diagnosis")

	// ErrPaymentDeclined is a permanent payment failure; it is not retried.
	ErrPaymentDeclined = errors.New("payment declined")
)

// Unavailable wraps cause as a transient external failure.
func Unavailable(capability string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", capability, ErrExternalUnavailable)
	}
	return fmt.Errorf("%s: %w: %w", capability, ErrExternalUnavailable, cause)
}
