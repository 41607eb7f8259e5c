// Package services – SchedulingService
//
// This file implements slot proposal and confirmation. Mechanic calendars are
// an arena of fixed-size cells; a proposal is a signed token describing a run
// of free cells and is never stored, while confirmation claims the cells with
// unique inserts so two confirmations can never both hold the same time.
package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/autofix-backend/internal/domain"
	"github.com/tbourn/autofix-backend/internal/repo"
)

// SlotOption is one proposed appointment.
type SlotOption struct {
	SlotID     string    `json:"slotId"`
	MechanicID string    `json:"mechanicId"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	DistanceKm float64   `json:"distanceKm"`
}

// AutoScheduleOptions is the answer to a proposal request.
type AutoScheduleOptions struct {
	IncidentID      string       `json:"incidentId"`
	RepairType      string       `json:"repairType"`
	DurationMinutes int          `json:"durationMinutes"`
	EarliestStart   time.Time    `json:"earliestStart"`
	Options         []SlotOption `json:"options"`
}

// SchedulingConfig tunes the scheduling engine.
type SchedulingConfig struct {
	Cell             time.Duration
	Horizon          time.Duration
	Options          int
	Lead             time.Duration
	MaxTravelKm      float64
	DefaultPartsLead time.Duration
	ProposalTTL      time.Duration
	ProposalSecret   string
}

// SchedulingService proposes and confirms mechanic appointments.
type SchedulingService struct {
	DB  *gorm.DB
	Cfg SchedulingConfig
	Now func() time.Time

	signer *slotSigner
}

// NewSchedulingService constructs a SchedulingService.
func NewSchedulingService(db *gorm.DB, cfg SchedulingConfig) *SchedulingService {
	if cfg.Cell <= 0 {
		cfg.Cell = 30 * time.Minute
	}
	if cfg.Options <= 0 {
		cfg.Options = 3
	}
	if cfg.ProposalTTL <= 0 {
		cfg.ProposalTTL = 30 * time.Minute
	}
	return &SchedulingService{DB: db, Cfg: cfg, Now: time.Now, signer: newSlotSigner(cfg.ProposalSecret)}
}

// repairMinutes maps repair keywords to base labor. The first match wins.
var repairMinutes = []struct {
	keyword string
	minutes int
}{
	{"transmission", 240},
	{"catalytic", 180},
	{"brake", 120},
	{"alternator", 120},
	{"thermostat", 90},
	{"water pump", 120},
	{"spark plug", 60},
	{"ignition", 60},
	{"coil", 60},
	{"sensor", 60},
	{"coolant", 60},
	{"tire", 45},
	{"tyre", 45},
	{"battery", 30},
	{"oil", 30},
}

// RepairDuration estimates labor for a repair type at a severity, rounded up
// to whole calendar cells.
func RepairDuration(repairType, severity string, cell time.Duration) time.Duration {
	minutes := 60
	rt := strings.ToLower(repairType)
	for _, r := range repairMinutes {
		if strings.Contains(rt, r.keyword) {
			minutes = r.minutes
			break
		}
	}
	if severity == domain.SeverityHigh || severity == domain.SeverityCritical {
		minutes += minutes / 2
	}
	d := time.Duration(minutes) * time.Minute
	if cell > 0 {
		cells := (d + cell - 1) / cell
		d = cells * cell
	}
	return d
}

// ProposeSlots finds the earliest feasible slots for the vehicle's active incident.
func (s *SchedulingService) ProposeSlots(ctx context.Context, vehicleID, repairType string) (*AutoScheduleOptions, error) {
	ctx, span := otel.Tracer("services/SchedulingService").Start(ctx, "ProposeSlots",
		trace.WithAttributes(attribute.String("vehicle.id", vehicleID)))
	defer span.End()

	inc, err := repo.GetActiveIncident(ctx, s.DB, vehicleID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoActiveIncident
	}
	if err != nil {
		return nil, err
	}
	return s.ProposeForIncident(ctx, inc, repairType)
}

// ProposeForIncident is ProposeSlots for an already loaded incident.
func (s *SchedulingService) ProposeForIncident(ctx context.Context, inc *domain.Incident, repairType string) (*AutoScheduleOptions, error) {
	if err := requireSchedulable(inc); err != nil {
		return nil, err
	}
	d, err := repo.CurrentDiagnosis(ctx, s.DB, inc)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrNoDiagnosis
	}
	if strings.TrimSpace(repairType) == "" {
		repairType = d.RepairType()
	}
	order, err := s.order(ctx, inc.ID)
	if err != nil {
		return nil, err
	}
	if BlocksScheduling(order) {
		return nil, ErrPartsBlocked
	}
	v, err := repo.GetVehicle(ctx, s.DB, inc.VehicleID)
	if err != nil {
		return nil, err
	}

	now := s.Now().UTC()
	earliest := s.earliestStart(now, inc, d, order)
	dur := RepairDuration(repairType, d.Severity, s.Cfg.Cell)
	options, err := s.candidates(ctx, v, earliest, now.Add(s.Cfg.Horizon), dur)
	if err != nil {
		return nil, err
	}
	if len(options) == 0 {
		return nil, ErrProposalUnavailable
	}

	expires := now.Add(s.Cfg.ProposalTTL)
	for i := range options {
		options[i].SlotID = s.signer.Sign(slotClaim{
			IncidentID: inc.ID,
			MechanicID: options[i].MechanicID,
			Start:      options[i].Start,
			End:        options[i].End,
			Expires:    expires,
		})
	}
	return &AutoScheduleOptions{
		IncidentID:      inc.ID,
		RepairType:      repairType,
		DurationMinutes: int(dur / time.Minute),
		EarliestStart:   earliest,
		Options:         options,
	}, nil
}

func requireSchedulable(inc *domain.Incident) error {
	switch {
	case inc.State == domain.IncidentAwaitingPartsSchedule:
		return nil
	case inc.State.IsTerminal():
		return ErrIncidentNotActive
	case !inc.State.PastDiagnosis():
		return ErrNoDiagnosis
	}
	return ErrAppointmentHeld
}

func (s *SchedulingService) order(ctx context.Context, incidentID string) (*domain.PartsOrder, error) {
	o, err := repo.GetOrderByIncident(ctx, s.DB, incidentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return o, err
}

// earliestStart is now plus lead time (none for priority incidents), pushed
// back to the parts ETA unless the parts are already in hand.
func (s *SchedulingService) earliestStart(now time.Time, inc *domain.Incident, d *domain.Diagnosis, o *domain.PartsOrder) time.Time {
	earliest := now
	if !inc.Priority {
		earliest = now.Add(s.Cfg.Lead)
	}
	var partsAt time.Time
	switch {
	case o == nil && len(d.RequiredParts) > 0:
		partsAt = now.Add(s.Cfg.DefaultPartsLead)
	case o != nil && o.Status != domain.OrderFulfilled:
		if o.ETA != nil {
			partsAt = *o.ETA
		} else {
			partsAt = now.Add(s.Cfg.DefaultPartsLead)
		}
	}
	if partsAt.After(earliest) {
		earliest = partsAt
	}
	return alignUp(earliest.UTC(), s.Cfg.Cell)
}

func alignUp(t time.Time, cell time.Duration) time.Time {
	a := t.Truncate(cell)
	if a.Before(t) {
		a = a.Add(cell)
	}
	return a
}

// candidates returns up to Cfg.Options free runs of cells, earliest first,
// ties broken by distance then mechanic ID.
func (s *SchedulingService) candidates(ctx context.Context, v *domain.Vehicle, from, until time.Time, dur time.Duration) ([]SlotOption, error) {
	mechanics, err := repo.ListMechanics(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	windows, err := repo.ListAvailability(ctx, s.DB, from, until)
	if err != nil {
		return nil, err
	}
	claimed, err := repo.ListClaimedCells(ctx, s.DB, from, until)
	if err != nil {
		return nil, err
	}

	distance := make(map[string]float64, len(mechanics))
	for _, m := range mechanics {
		km := 0.0
		if v.HasLocation() {
			km = HaversineKm(*v.Latitude, *v.Longitude, m.Latitude, m.Longitude)
			if s.Cfg.MaxTravelKm > 0 && km > s.Cfg.MaxTravelKm {
				continue
			}
		}
		distance[m.ID] = math.Round(km*10) / 10
	}

	perMechanic := make(map[string]int)
	var out []SlotOption
	for _, w := range windows {
		km, ok := distance[w.MechanicID]
		if !ok {
			continue
		}
		start := w.Start.UTC()
		if start.Before(from) {
			start = from
		}
		start = alignUp(start, s.Cfg.Cell)
		end := w.End.UTC()
		if end.After(until) {
			end = until
		}
		for t := start; !t.Add(dur).After(end) && perMechanic[w.MechanicID] < s.Cfg.Options; t = t.Add(s.Cfg.Cell) {
			if !s.free(claimed[w.MechanicID], t, t.Add(dur)) {
				continue
			}
			out = append(out, SlotOption{MechanicID: w.MechanicID, Start: t, End: t.Add(dur), DistanceKm: km})
			perMechanic[w.MechanicID]++
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		return a.MechanicID < b.MechanicID
	})
	if len(out) > s.Cfg.Options {
		out = out[:s.Cfg.Options]
	}
	return out, nil
}

func (s *SchedulingService) free(claimed map[int64]struct{}, start, end time.Time) bool {
	for t := start; t.Before(end); t = t.Add(s.Cfg.Cell) {
		if _, taken := claimed[t.Unix()]; taken {
			return false
		}
	}
	return true
}

func slotKey(mechanicID string, start time.Time) string {
	return fmt.Sprintf("%s@%d", mechanicID, start.Unix())
}

// Confirm books the slot a token describes: calendar cells, the appointment
// and the job are written in one transaction. A lost race for any cell
// yields ErrSlotConflict.
func (s *SchedulingService) Confirm(ctx context.Context, slotID string) (*domain.Appointment, error) {
	ctx, span := otel.Tracer("services/SchedulingService").Start(ctx, "Confirm")
	defer span.End()

	claim, err := s.signer.Verify(slotID, s.Now().UTC())
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("incident.id", claim.IncidentID), attribute.String("mechanic.id", claim.MechanicID))
	key := slotKey(claim.MechanicID, claim.Start)

	inc, err := repo.GetIncident(ctx, s.DB, claim.IncidentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrIncidentNotFound
	}
	if err != nil {
		return nil, err
	}
	if appt, err := s.heldAppointment(ctx, inc.ID, key); appt != nil || err != nil {
		return appt, err
	}
	if err := requireSchedulable(inc); err != nil {
		return nil, err
	}
	order, err := s.order(ctx, inc.ID)
	if err != nil {
		return nil, err
	}
	if BlocksScheduling(order) {
		return nil, ErrPartsBlocked
	}
	if order != nil && order.Status != domain.OrderFulfilled && order.ETA != nil && claim.Start.Before(*order.ETA) {
		// The ETA moved after the proposal was issued.
		return nil, ErrSlotBeforeParts
	}
	mech, err := repo.GetMechanic(ctx, s.DB, claim.MechanicID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMechanicNotFound
	}
	if err != nil {
		return nil, err
	}
	d, err := repo.CurrentDiagnosis(ctx, s.DB, inc)
	if err != nil {
		return nil, err
	}
	var parts []domain.PartItem
	if d != nil {
		parts = d.RequiredParts
	}

	appt := &domain.Appointment{
		ID:         uuid.NewString(),
		IncidentID: inc.ID,
		MechanicID: mech.ID,
		SlotID:     key,
		Start:      claim.Start,
		End:        claim.End,
		Status:     domain.AppointmentConfirmed,
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.ClaimCells(ctx, tx, mech.ID, appt.ID, claim.Start, claim.End, s.Cfg.Cell); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return ErrSlotConflict
			}
			return err
		}
		if err := repo.CreateAppointment(ctx, tx, appt); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return ErrAppointmentHeld
			}
			return err
		}
		return repo.CreateJob(ctx, tx, &domain.Job{
			IncidentID:      inc.ID,
			AppointmentID:   appt.ID,
			VehicleID:       inc.VehicleID,
			UserID:          inc.UserID,
			MechanicID:      mech.ID,
			Parts:           parts,
			Location:        mech.Location,
			ScheduledTime:   claim.Start,
			DurationMinutes: int(claim.End.Sub(claim.Start) / time.Minute),
			Status:          domain.JobScheduled,
		})
	})
	if err != nil {
		// A concurrent confirm of this very token may have won.
		if held, herr := s.heldAppointment(ctx, inc.ID, key); held != nil && herr == nil {
			return held, nil
		}
		return nil, err
	}

	log.Ctx(ctx).Info().
		Str("incident_id", inc.ID).
		Str("appointment_id", appt.ID).
		Str("mechanic_id", mech.ID).
		Time("start", appt.Start).
		Msg("appointment confirmed")
	return appt, nil
}

// heldAppointment returns the incident's confirmed appointment when it was
// produced by the same slot, ErrAppointmentHeld when it was not, and
// (nil, nil) when the incident holds none.
func (s *SchedulingService) heldAppointment(ctx context.Context, incidentID, key string) (*domain.Appointment, error) {
	appt, err := repo.GetAppointmentByIncident(ctx, s.DB, incidentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if appt.Status != domain.AppointmentConfirmed {
		return nil, ErrIncidentNotActive
	}
	if appt.SlotID == key {
		return appt, nil
	}
	return nil, ErrAppointmentHeld
}

// MechanicInput registers a mechanic.
type MechanicInput struct {
	Name      string
	Latitude  float64
	Longitude float64
	Location  string
}

// RegisterMechanic stores a mechanic.
func (s *SchedulingService) RegisterMechanic(ctx context.Context, in MechanicInput) (*domain.Mechanic, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" || in.Latitude < -90 || in.Latitude > 90 || in.Longitude < -180 || in.Longitude > 180 {
		return nil, fmt.Errorf("mechanic: %w", ErrInvalidInput)
	}
	m := &domain.Mechanic{Name: name, Latitude: in.Latitude, Longitude: in.Longitude, Location: strings.TrimSpace(in.Location)}
	if err := repo.CreateMechanic(ctx, s.DB, m); err != nil {
		return nil, err
	}
	return m, nil
}

// AddAvailability opens [start, end) on a mechanic's calendar.
func (s *SchedulingService) AddAvailability(ctx context.Context, mechanicID string, start, end time.Time) (*domain.AvailabilityWindow, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("availability window: %w", ErrInvalidInput)
	}
	if _, err := repo.GetMechanic(ctx, s.DB, mechanicID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMechanicNotFound
		}
		return nil, err
	}
	w := &domain.AvailabilityWindow{MechanicID: mechanicID, Start: start, End: end}
	if err := repo.AddAvailability(ctx, s.DB, w); err != nil {
		return nil, err
	}
	return w, nil
}

// HaversineKm is the great-circle distance between two coordinates.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusKm = 6371.0
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLng := rad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
