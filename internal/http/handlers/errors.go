// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants and the table that maps
// service errors to HTTP statuses. Codes give clients a stable, machine-readable
// taxonomy that supplements human-readable messages.
//
// Conventions:
//   - Codes are lowercase, snake_case.
//   - Generic codes (bad_request, not_found, conflict) mirror HTTP semantics.
//   - Workflow codes (slot_conflict, parts_blocked, invalid_transition) let
//     clients react without parsing messages, e.g. re-propose on slot_conflict.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "slot_conflict",
//	  "message": "slot already taken: conflict"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/tbourn/autofix-backend/internal/repo"
	"github.com/tbourn/autofix-backend/internal/services"
)

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Workflow:
	ErrCodeSlotConflict       = "slot_conflict"
	ErrCodePartsBlocked       = "parts_blocked"
	ErrCodeIncidentBusy       = "incident_busy"
	ErrCodeInvalidTransition  = "invalid_transition"
	ErrCodeUnavailable        = "external_unavailable"
	ErrCodeMalformedDiagnosis = "malformed_diagnosis"
	ErrCodePaymentDeclined    = "payment_declined"
	ErrCodeExportFailed       = "export_failed"
	ErrCodeMethodNotAllowed   = "method_not_allowed"
)

// errorRule maps one sentinel to a status and code. Rules are checked in
// order, so specific errors precede their categories.
type errorRule struct {
	target error
	status int
	code   string
}

var errorTable = []errorRule{
	{services.ErrSlotConflict, http.StatusConflict, ErrCodeSlotConflict},
	{services.ErrPartsBlocked, http.StatusConflict, ErrCodePartsBlocked},
	{services.ErrIncidentBusy, http.StatusConflict, ErrCodeIncidentBusy},
	{services.ErrMalformedDiagnosis, http.StatusBadGateway, ErrCodeMalformedDiagnosis},
	{services.ErrPaymentDeclined, http.StatusPaymentRequired, ErrCodePaymentDeclined},

	{services.ErrInvalidInput, http.StatusBadRequest, ErrCodeBadRequest},
	{services.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
	{services.ErrConflict, http.StatusConflict, ErrCodeConflict},
	{services.ErrExternalUnavailable, http.StatusServiceUnavailable, ErrCodeUnavailable},
	{services.ErrInvariantViolation, http.StatusConflict, ErrCodeInvalidTransition},

	{repo.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
	{repo.ErrDuplicate, http.StatusConflict, ErrCodeConflict},
}

// errorStatus returns the HTTP status and code for err. Unknown errors are
// internal.
func errorStatus(err error) (int, string) {
	for _, r := range errorTable {
		if errors.Is(err, r.target) {
			return r.status, r.code
		}
	}
	return http.StatusInternalServerError, ErrCodeInternal
}
