// Package services – IntakeService
//
// This file implements diagnostic event intake: validation of dongle
// payloads, duplicate suppression within a time window, and the
// open-or-attach decision that binds every accepted event to exactly one
// active incident of its vehicle.
package services

import (
	"context"
	"errors"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/autofix-backend/internal/domain"
	"github.com/tbourn/autofix-backend/internal/repo"
)

// dtcRegex matches an OBD-II diagnostic trouble code (P0128, C1234, B0001, U0100).
var dtcRegex = regexp.MustCompile(`^[PCBU][0-3][0-9A-F]{3}$`)

// DiagnosticEventInput is a dongle report as received.
type DiagnosticEventInput struct {
	DongleID  string
	VehicleID string
	Timestamp time.Time // zero means now
	Codes     []string
}

// IntakeResult acknowledges an event.
type IntakeResult struct {
	Accepted   bool   `json:"accepted"`
	Duplicate  bool   `json:"duplicate"`
	IncidentID string `json:"incident_id"`
}

// IntakeService validates, deduplicates and persists diagnostic events.
type IntakeService struct {
	DB       *gorm.DB
	Dedup    DedupStore
	Notifier IncidentNotifier
	Window   time.Duration
	Now      func() time.Time

	locks *keyedLocker
}

// NewIntakeService constructs an IntakeService. A nil dedup store falls back
// to the database, which is always authoritative.
func NewIntakeService(db *gorm.DB, dedup DedupStore, notifier IncidentNotifier, window time.Duration) *IntakeService {
	if dedup == nil {
		dedup = NewDBDedupStore(db)
	}
	return &IntakeService{
		DB:       db,
		Dedup:    dedup,
		Notifier: notifier,
		Window:   window,
		Now:      time.Now,
		locks:    newKeyedLocker(),
	}
}

// NormalizeCodes upper-cases, validates, deduplicates and sorts trouble codes.
func NormalizeCodes(codes []string) ([]string, error) {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if !dtcRegex.MatchString(c) {
			return nil, ErrInvalidEvent
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, ErrInvalidEvent
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// Fingerprint is the comparison key of a normalized code set.
func Fingerprint(codes []string) string { return strings.Join(codes, ",") }

// Submit accepts an event. Duplicates are acknowledged with the incident of
// the event they repeat and are not stored.
func (s *IntakeService) Submit(ctx context.Context, in DiagnosticEventInput) (*IntakeResult, error) {
	ctx, span := otel.Tracer("services/IntakeService").Start(ctx, "Submit",
		trace.WithAttributes(
			attribute.String("vehicle.id", in.VehicleID),
			attribute.String("dongle.id", in.DongleID),
		))
	defer span.End()

	dongleID := strings.TrimSpace(in.DongleID)
	vehicleID := strings.TrimSpace(in.VehicleID)
	if dongleID == "" || vehicleID == "" {
		return nil, ErrInvalidEvent
	}
	codes, err := NormalizeCodes(in.Codes)
	if err != nil {
		return nil, err
	}
	ts := in.Timestamp.UTC()
	if in.Timestamp.IsZero() {
		ts = s.Now().UTC()
	}
	fp := Fingerprint(codes)

	unlock := s.locks.Lock(vehicleID)
	defer unlock()

	if _, err := repo.GetVehicle(ctx, s.DB, vehicleID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrVehicleNotFound
		}
		return nil, err
	}

	last, err := s.Dedup.Last(ctx, vehicleID)
	if err != nil {
		// The store is an optimization; the event is still processed.
		log.Ctx(ctx).Warn().Err(err).Str("vehicle_id", vehicleID).Msg("dedup lookup failed")
	} else if s.isDuplicate(last, fp, ts) {
		dedupHits.Inc()
		return &IntakeResult{Accepted: true, Duplicate: true, IncidentID: last.IncidentID}, nil
	}

	var (
		incidentID string
		notify     bool
	)
	for attempt := 0; attempt < 3; attempt++ {
		incidentID, notify, err = s.persist(ctx, vehicleID, dongleID, ts, codes, fp)
		if !errors.Is(err, repo.ErrStale) && !errors.Is(err, repo.ErrDuplicate) {
			break
		}
	}
	if errors.Is(err, repo.ErrStale) || errors.Is(err, repo.ErrDuplicate) {
		return nil, ErrIncidentBusy
	}
	if err != nil {
		return nil, err
	}

	if err := s.Dedup.Remember(ctx, vehicleID, DedupEntry{IncidentID: incidentID, Fingerprint: fp, Timestamp: ts}); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("vehicle_id", vehicleID).Msg("dedup remember failed")
	}
	if notify && s.Notifier != nil {
		s.Notifier.Ingested(ctx, incidentID)
	}
	return &IntakeResult{Accepted: true, IncidentID: incidentID}, nil
}

func (s *IntakeService) isDuplicate(last *DedupEntry, fp string, ts time.Time) bool {
	if last == nil || last.Fingerprint != fp {
		return false
	}
	d := ts.Sub(last.Timestamp)
	if d < 0 {
		d = -d
	}
	return d <= s.Window
}

// persist stores the event and opens or attaches to the active incident in
// one transaction. notify reports whether the incident needs driving.
func (s *IntakeService) persist(ctx context.Context, vehicleID, dongleID string, ts time.Time, codes []string, fp string) (incidentID string, notify bool, err error) {
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inc, err := repo.GetActiveIncident(ctx, tx, vehicleID)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			v, err := repo.GetVehicle(ctx, tx, vehicleID)
			if err != nil {
				return err
			}
			inc = &domain.Incident{VehicleID: vehicleID, UserID: v.UserID, Codes: codes}
			if err := repo.CreateIncident(ctx, tx, inc); err != nil {
				return err
			}
			incidentTransitions.WithLabelValues("", string(domain.IncidentOpen)).Inc()
			notify = true
		case err != nil:
			return err
		default:
			notify, err = s.attach(ctx, tx, inc, codes)
			if err != nil {
				return err
			}
		}

		incidentID = inc.ID
		return repo.CreateEvent(ctx, tx, &domain.DiagnosticEvent{
			DongleID:    dongleID,
			VehicleID:   vehicleID,
			IncidentID:  inc.ID,
			Timestamp:   ts,
			Codes:       codes,
			Fingerprint: fp,
		})
	})
	return incidentID, notify, err
}

// attach merges codes into an active incident and decides whether the new
// codes require another diagnosis pass.
func (s *IntakeService) attach(ctx context.Context, tx *gorm.DB, inc *domain.Incident, codes []string) (bool, error) {
	merged := slices.Clone([]string(inc.Codes))
	merged = append(merged, codes...)
	slices.Sort(merged)
	merged = slices.Compact(merged)
	if slices.Equal(merged, []string(inc.Codes)) {
		return false, nil
	}

	fields := map[string]any{"codes": datatypes.JSONSlice[string](merged)}
	redrive := false
	switch {
	case inc.State == domain.IncidentDiagnosisFailed:
		fields["rediagnosis_requested"] = true
		redrive = true
	case inc.State == domain.IncidentOpen || inc.State == domain.IncidentDiagnosing:
		// The in-flight diagnosis loses its version check and reruns.
		redrive = true
	case inc.State.PastDiagnosis():
		fields["rediagnosis_requested"] = true
		if inc.State == domain.IncidentAwaitingPartsSchedule {
			_, err := repo.GetOrderByIncident(ctx, tx, inc.ID)
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				redrive = true
			case err != nil:
				return false, err
			}
		}
	}

	if err := repo.UpdateIncident(ctx, tx, inc, fields); err != nil {
		return false, err
	}
	log.Ctx(ctx).Info().
		Str("incident_id", inc.ID).
		Strs("codes", merged).
		Bool("redrive", redrive).
		Msg("event attached to active incident")
	return redrive, nil
}

// dbDedupStore answers dedup lookups from the latest stored event.
type dbDedupStore struct {
	db *gorm.DB
}

// NewDBDedupStore returns a DedupStore backed by the diagnostic events table.
func NewDBDedupStore(db *gorm.DB) DedupStore { return &dbDedupStore{db: db} }

func (d *dbDedupStore) Last(ctx context.Context, vehicleID string) (*DedupEntry, error) {
	e, err := repo.LatestEventForVehicle(ctx, d.db, vehicleID)
	if err != nil || e == nil {
		return nil, err
	}
	return &DedupEntry{IncidentID: e.IncidentID, Fingerprint: e.Fingerprint, Timestamp: e.Timestamp}, nil
}

// Remember is a no-op: the event row itself is the record.
func (d *dbDedupStore) Remember(context.Context, string, DedupEntry) error { return nil }
