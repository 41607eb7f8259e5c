package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/autofix-backend/internal/domain"
	"github.com/tbourn/autofix-backend/internal/repo"
)

// ----- DB -----

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, repo.AutoMigrate(db))
	return db
}

func seedVehicle(t *testing.T, db *gorm.DB, vin string) *domain.Vehicle {
	t.Helper()
	lat, lng := 37.77, -122.42
	v := &domain.Vehicle{UserID: "u1", VIN: vin, Make: "Toyota", Model: "Camry", Year: 2018, Latitude: &lat, Longitude: &lng}
	require.NoError(t, repo.CreateVehicle(context.Background(), db, v))
	return v
}

// ----- Diagnosis engine -----

type fakeEngine struct {
	mu     sync.Mutex
	calls  int
	fail   int // transient failures before answering
	err    error
	result DiagnosisResult
}

func (e *fakeEngine) Diagnose(_ context.Context, req DiagnosisRequest) (*DiagnosisResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	if e.calls <= e.fail {
		return nil, Unavailable("ai", fmt.Errorf("attempt %d", e.calls))
	}
	res := e.result
	return &res, nil
}

func (e *fakeEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func thermostatDiagnosis(severity string) DiagnosisResult {
	return DiagnosisResult{
		PrimaryIssue:       "Coolant temperature below thermostat regulating temperature",
		RecommendedRepairs: []string{"Replace thermostat"},
		RequiredParts:      []domain.PartItem{{SKU: "th-100", Name: "Thermostat", Supplier: "ACME"}},
		Severity:           severity,
	}
}

// ----- Supplier -----

type fakeSupplier struct {
	mu          sync.Mutex
	placed      map[string]string // idempotency key -> reference
	calls       int
	fail        int // transient failures before answering
	unavailable map[string]bool
	down        map[string]bool // suppliers that always fail
	eta         time.Time
	prices      map[string]int64
	cancelled   []string
	returned    []string
	cancelDown  bool // CancelOrder fails while set
	cancelCalls int
}

func newFakeSupplier(eta time.Time) *fakeSupplier {
	return &fakeSupplier{
		placed:      map[string]string{},
		unavailable: map[string]bool{},
		down:        map[string]bool{},
		eta:         eta,
		prices:      map[string]int64{"TH-100": 7000},
	}
}

func (s *fakeSupplier) PlaceOrder(_ context.Context, o SupplierOrder) (*SupplierAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.down[o.Supplier] {
		return nil, Unavailable("supplier", fmt.Errorf("%s down", o.Supplier))
	}
	if s.calls <= s.fail {
		return nil, Unavailable("supplier", fmt.Errorf("attempt %d", s.calls))
	}
	ref, ok := s.placed[o.IdempotencyKey]
	if !ok {
		ref = fmt.Sprintf("%s-%d", o.Supplier, len(s.placed)+1)
		s.placed[o.IdempotencyKey] = ref
	}
	ack := &SupplierAck{Reference: ref, Available: true, ETA: s.eta, Prices: map[string]int64{}}
	for _, it := range o.Items {
		if s.unavailable[it.SKU] {
			ack.Available = false
		}
		if p, ok := s.prices[it.SKU]; ok {
			ack.Prices[it.SKU] = p
		}
	}
	return ack, nil
}

func (s *fakeSupplier) CancelOrder(_ context.Context, supplier, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelCalls++
	if s.cancelDown {
		return Unavailable("supplier", fmt.Errorf("%s cancel endpoint down", supplier))
	}
	s.cancelled = append(s.cancelled, ref)
	return nil
}

func (s *fakeSupplier) ReturnOrder(_ context.Context, _, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.returned = append(s.returned, ref)
	return nil
}

func (s *fakeSupplier) Orders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.placed)
}

// ----- Payment -----

type fakeProcessor struct {
	mu      sync.Mutex
	calls   int
	fail    int // transient failures before answering
	decline bool
	keys    map[string]string // idempotency key -> transaction
	amounts []int64
}

func newFakeProcessor() *fakeProcessor { return &fakeProcessor{keys: map[string]string{}} }

func (p *fakeProcessor) Charge(_ context.Context, req PaymentRequest) (*PaymentResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.fail {
		return nil, Unavailable("payment", fmt.Errorf("attempt %d", p.calls))
	}
	if p.decline {
		return &PaymentResult{TransactionID: "declined-" + req.IdempotencyKey, DeclineReason: "insufficient funds"}, nil
	}
	tx, ok := p.keys[req.IdempotencyKey]
	if !ok {
		tx = fmt.Sprintf("tx-%d", len(p.keys)+1)
		p.keys[req.IdempotencyKey] = tx
		p.amounts = append(p.amounts, req.AmountCents)
	}
	return &PaymentResult{TransactionID: tx, Approved: true}, nil
}

func (p *fakeProcessor) Transactions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// ----- Wiring -----

var fastRetry = RetryPolicy{Retries: 2, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond}

// testClock is the fixed "now" of saga tests: a Monday morning.
var testClock = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type sagaEnv struct {
	db        *gorm.DB
	engine    *fakeEngine
	supplier  *fakeSupplier
	processor *fakeProcessor
	intake    *IntakeService
	diagnosis *DiagnosisService
	parts     *PartsService
	sched     *SchedulingService
	jobs      *JobService
	billing   *BillingService
	orch      *Orchestrator
}

func newSagaEnv(t *testing.T, severity string) *sagaEnv {
	t.Helper()
	db := newTestDB(t)
	env := &sagaEnv{
		db:        db,
		engine:    &fakeEngine{result: thermostatDiagnosis(severity)},
		supplier:  newFakeSupplier(testClock.Add(24 * time.Hour)),
		processor: newFakeProcessor(),
	}
	now := func() time.Time { return testClock }

	env.diagnosis = NewDiagnosisService(db, env.engine, fastRetry)
	env.parts = NewPartsService(db, env.supplier, fastRetry)
	env.sched = NewSchedulingService(db, SchedulingConfig{
		Cell:             30 * time.Minute,
		Horizon:          7 * 24 * time.Hour,
		Options:          3,
		Lead:             2 * time.Hour,
		DefaultPartsLead: 48 * time.Hour,
		ProposalTTL:      time.Hour,
		ProposalSecret:   "test-secret",
	})
	env.sched.Now = now
	env.jobs = NewJobService(db, 10000)
	env.jobs.Now = now
	env.billing = NewBillingService(db, env.processor, fastRetry)
	env.orch = NewOrchestrator(db, env.diagnosis, env.parts, env.sched, env.jobs, env.billing, nil)
	env.intake = NewIntakeService(db, nil, env.orch, 10*time.Minute)
	env.intake.Now = now
	return env
}

// addMechanic registers a mechanic near the seeded vehicles, available for
// eight hours starting at `from`.
func (e *sagaEnv) addMechanic(t *testing.T, name string, from time.Time) *domain.Mechanic {
	t.Helper()
	ctx := context.Background()
	m, err := e.sched.RegisterMechanic(ctx, MechanicInput{Name: name, Latitude: 37.78, Longitude: -122.41, Location: "Mission St garage"})
	require.NoError(t, err)
	_, err = e.sched.AddAvailability(ctx, m.ID, from, from.Add(8*time.Hour))
	require.NoError(t, err)
	return m
}

func (e *sagaEnv) submit(t *testing.T, vehicleID string, at time.Time, codes ...string) *IntakeResult {
	t.Helper()
	res, err := e.intake.Submit(context.Background(), DiagnosticEventInput{
		DongleID:  "dongle-" + vehicleID[:8],
		VehicleID: vehicleID,
		Timestamp: at,
		Codes:     codes,
	})
	require.NoError(t, err)
	return res
}

func (e *sagaEnv) incident(t *testing.T, id string) *domain.Incident {
	t.Helper()
	inc, err := repo.GetIncident(context.Background(), e.db, id)
	require.NoError(t, err)
	return inc
}
