// Package services – DiagnosisService
//
// This file wraps the AI diagnosis capability: bounded retries on transient
// failures, per-attempt timeouts, and normalization of the answer into an
// immutable domain.Diagnosis.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/autofix-backend/internal/domain"
	"github.com/tbourn/autofix-backend/internal/repo"
)

// DefaultSupplier receives parts the AI did not attribute to a supplier.
const DefaultSupplier = "default"

// DiagnosisService turns trouble codes into diagnoses.
type DiagnosisService struct {
	DB     *gorm.DB
	Engine DiagnosisEngine
	Policy RetryPolicy
}

// NewDiagnosisService constructs a DiagnosisService.
func NewDiagnosisService(db *gorm.DB, engine DiagnosisEngine, retry RetryPolicy) *DiagnosisService {
	return &DiagnosisService{DB: db, Engine: engine, Policy: retry}
}

// Diagnose runs the AI over the incident's accumulated codes and stores the
// result. The incident state is left to the caller.
func (s *DiagnosisService) Diagnose(ctx context.Context, incidentID string) (*domain.Diagnosis, error) {
	ctx, span := otel.Tracer("services/DiagnosisService").Start(ctx, "Diagnose",
		trace.WithAttributes(attribute.String("incident.id", incidentID)))
	defer span.End()

	inc, err := repo.GetIncident(ctx, s.DB, incidentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrIncidentNotFound
	}
	if err != nil {
		return nil, err
	}
	v, err := repo.GetVehicle(ctx, s.DB, inc.VehicleID)
	if err != nil {
		return nil, err
	}

	d, err := s.run(ctx, v, inc.Codes)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	d.IncidentID = inc.ID
	if err := repo.CreateDiagnosis(ctx, s.DB, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Preview diagnoses codes for a vehicle without touching any incident.
func (s *DiagnosisService) Preview(ctx context.Context, vehicleID string, codes []string) (*domain.Diagnosis, error) {
	norm, err := NormalizeCodes(codes)
	if err != nil {
		return nil, err
	}
	v, err := repo.GetVehicle(ctx, s.DB, vehicleID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrVehicleNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.run(ctx, v, norm)
}

func (s *DiagnosisService) run(ctx context.Context, v *domain.Vehicle, codes []string) (*domain.Diagnosis, error) {
	req := DiagnosisRequest{VehicleID: v.ID, Make: v.Make, Model: v.Model, Year: v.Year, Codes: codes}

	start := time.Now()
	res, err := retry(ctx, s.Policy, "ai", func(ctx context.Context) (*DiagnosisResult, error) {
		return s.Engine.Diagnose(ctx, req)
	})
	externalLatency.WithLabelValues("ai").Observe(time.Since(start).Seconds())
	if err != nil {
		externalCalls.WithLabelValues("ai", "failed").Inc()
		return nil, err
	}

	d, err := NormalizeDiagnosis(res)
	if err != nil {
		externalCalls.WithLabelValues("ai", "failed").Inc()
		return nil, err
	}
	externalCalls.WithLabelValues("ai", "ok").Inc()
	d.Codes = codes
	return d, nil
}

// NormalizeDiagnosis validates and cleans an AI answer. An empty primary
// issue is a permanent failure.
func NormalizeDiagnosis(res *DiagnosisResult) (*domain.Diagnosis, error) {
	if res == nil {
		return nil, ErrMalformedDiagnosis
	}
	primary := strings.TrimSpace(res.PrimaryIssue)
	if primary == "" {
		return nil, fmt.Errorf("%w: empty primary issue", ErrMalformedDiagnosis)
	}

	repairs := make([]string, 0, len(res.RecommendedRepairs))
	for _, r := range res.RecommendedRepairs {
		if r = strings.TrimSpace(r); r != "" {
			repairs = append(repairs, r)
		}
	}

	parts := make([]domain.PartItem, 0, len(res.RequiredParts))
	seen := make(map[string]bool, len(res.RequiredParts))
	for _, p := range res.RequiredParts {
		p.SKU = strings.ToUpper(strings.TrimSpace(p.SKU))
		p.Name = strings.TrimSpace(p.Name)
		p.Supplier = strings.ToLower(strings.TrimSpace(p.Supplier))
		if p.SKU == "" || seen[p.SKU] {
			continue
		}
		seen[p.SKU] = true
		if p.Name == "" {
			p.Name = p.SKU
		}
		if p.Supplier == "" {
			p.Supplier = DefaultSupplier
		}
		p.Quantity = p.Qty()
		p.PriceCents = 0
		parts = append(parts, p)
	}

	return &domain.Diagnosis{
		PrimaryIssue:       primary,
		RecommendedRepairs: repairs,
		RequiredParts:      parts,
		Severity:           normalizeSeverity(res.Severity),
	}, nil
}

func normalizeSeverity(s string) string {
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical:
		return s
	}
	return domain.SeverityMedium
}
