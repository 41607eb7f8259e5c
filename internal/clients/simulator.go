package clients

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tbourn/autofix-backend/internal/domain"
	"github.com/tbourn/autofix-backend/internal/services"
)

type codeKnowledge struct {
	issue    string
	repair   string
	parts    []domain.PartItem
	severity string
}

// knowledge is the simulator's code table. Codes not listed produce a
// general inspection with no parts.
var knowledge = map[string]codeKnowledge{
	"P0128": {
		issue:    "Coolant temperature below thermostat regulating temperature",
		repair:   "Replace thermostat",
		parts:    []domain.PartItem{{SKU: "TH-100", Name: "Thermostat", Supplier: "acme"}},
		severity: domain.SeverityMedium,
	},
	"P0300": {
		issue:  "Random or multiple cylinder misfire detected",
		repair: "Replace spark plugs and ignition coils",
		parts: []domain.PartItem{
			{SKU: "SP-4", Name: "Spark plug set", Supplier: "acme", Quantity: 1},
			{SKU: "IC-200", Name: "Ignition coil", Supplier: "boltline", Quantity: 4},
		},
		severity: domain.SeverityHigh,
	},
	"P0420": {
		issue:    "Catalyst system efficiency below threshold",
		repair:   "Replace catalytic converter",
		parts:    []domain.PartItem{{SKU: "CAT-900", Name: "Catalytic converter", Supplier: "boltline"}},
		severity: domain.SeverityMedium,
	},
	"P0171": {
		issue:    "System too lean (bank 1)",
		repair:   "Clean or replace mass air flow sensor",
		parts:    []domain.PartItem{{SKU: "MAF-10", Name: "Mass air flow sensor", Supplier: "acme"}},
		severity: domain.SeverityLow,
	},
	"P0562": {
		issue:    "System voltage low",
		repair:   "Replace battery",
		parts:    []domain.PartItem{{SKU: "BAT-70", Name: "12V battery", Supplier: "acme"}},
		severity: domain.SeverityMedium,
	},
	"P0217": {
		issue:    "Engine overheat condition",
		repair:   "Replace water pump",
		parts:    []domain.PartItem{{SKU: "WP-300", Name: "Water pump", Supplier: "boltline"}},
		severity: domain.SeverityCritical,
	},
	"C0035": {
		issue:    "Left front wheel speed sensor circuit",
		repair:   "Replace wheel speed sensor and inspect brake lines",
		parts:    []domain.PartItem{{SKU: "WSS-1", Name: "Wheel speed sensor", Supplier: "boltline", SafetyCritical: true}},
		severity: domain.SeverityHigh,
	},
}

var severityRank = map[string]int{
	domain.SeverityLow:      0,
	domain.SeverityMedium:   1,
	domain.SeverityHigh:     2,
	domain.SeverityCritical: 3,
}

// AISimulator diagnoses from a fixed code table. The most severe known code
// becomes the primary issue; parts and repairs of every known code are merged.
type AISimulator struct{}

var _ services.DiagnosisEngine = AISimulator{}

// Diagnose implements services.DiagnosisEngine.
func (AISimulator) Diagnose(ctx context.Context, req services.DiagnosisRequest) (*services.DiagnosisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, services.Unavailable("ai", err)
	}
	codes := append([]string(nil), req.Codes...)
	sort.Strings(codes)

	var (
		primary *codeKnowledge
		out     services.DiagnosisResult
		seen    = map[string]bool{}
	)
	for _, code := range codes {
		k, ok := knowledge[strings.ToUpper(code)]
		if !ok {
			continue
		}
		if primary == nil || severityRank[k.severity] > severityRank[primary.severity] {
			kk := k
			primary = &kk
		}
		out.RecommendedRepairs = append(out.RecommendedRepairs, k.repair)
		for _, p := range k.parts {
			if !seen[p.SKU] {
				seen[p.SKU] = true
				out.RequiredParts = append(out.RequiredParts, p)
			}
		}
	}
	if primary == nil {
		out.PrimaryIssue = "Unrecognized fault: " + strings.Join(codes, ", ")
		out.RecommendedRepairs = []string{"General inspection"}
		out.Severity = domain.SeverityLow
		return &out, nil
	}
	out.PrimaryIssue = primary.issue
	out.Severity = primary.severity
	return &out, nil
}

// catalog holds simulated unit prices in cents.
var catalog = map[string]int64{
	"TH-100":  7000,
	"SP-4":    4800,
	"IC-200":  6500,
	"CAT-900": 89000,
	"MAF-10":  15500,
	"BAT-70":  18900,
	"WP-300":  21000,
	"WSS-1":   5400,
}

// defaultPrice applies to SKUs missing from the catalog.
const defaultPrice int64 = 5000

// SupplierSimulator acknowledges orders in-process. SKUs listed in Backorder
// are reported unavailable.
type SupplierSimulator struct {
	Lead         time.Duration // ETA offset for routine orders
	ExpediteLead time.Duration // ETA offset when Expedite is set
	Backorder    map[string]bool
	Now          func() time.Time

	mu     sync.Mutex
	placed map[string]*services.SupplierAck
	state  map[string]string // reference -> placed|cancelled|returned
}

var _ services.Supplier = (*SupplierSimulator)(nil)

// NewSupplierSimulator returns a simulator with a 24h lead and 4h expedited lead.
func NewSupplierSimulator() *SupplierSimulator {
	return &SupplierSimulator{
		Lead:         24 * time.Hour,
		ExpediteLead: 4 * time.Hour,
		Backorder:    map[string]bool{},
		Now:          time.Now,
		placed:       map[string]*services.SupplierAck{},
		state:        map[string]string{},
	}
}

// PlaceOrder implements services.Supplier.
func (s *SupplierSimulator) PlaceOrder(ctx context.Context, o services.SupplierOrder) (*services.SupplierAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, services.Unavailable("supplier", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if ack, ok := s.placed[o.IdempotencyKey]; ok {
		cp := *ack
		return &cp, nil
	}
	lead := s.Lead
	if o.Expedite {
		lead = s.ExpediteLead
	}
	ack := &services.SupplierAck{
		Reference: fmt.Sprintf("%s-%s", o.Supplier, uuid.NewString()[:8]),
		Available: true,
		ETA:       s.Now().UTC().Add(lead),
		Prices:    make(map[string]int64, len(o.Items)),
	}
	for _, it := range o.Items {
		sku := strings.ToUpper(it.SKU)
		if s.Backorder[sku] {
			ack.Available = false
		}
		price, ok := catalog[sku]
		if !ok {
			price = defaultPrice
		}
		ack.Prices[it.SKU] = price
	}
	s.placed[o.IdempotencyKey] = ack
	s.state[ack.Reference] = "placed"
	cp := *ack
	return &cp, nil
}

// CancelOrder implements services.Supplier.
func (s *SupplierSimulator) CancelOrder(_ context.Context, _, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state[reference]; ok {
		s.state[reference] = "cancelled"
	}
	return nil
}

// ReturnOrder implements services.Supplier.
func (s *SupplierSimulator) ReturnOrder(_ context.Context, _, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state[reference]; !ok {
		return fmt.Errorf("supplier: unknown order %q: %w", reference, ErrRejected)
	}
	s.state[reference] = "returned"
	return nil
}

// State returns the simulated lifecycle state of a reference.
func (s *SupplierSimulator) State(reference string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[reference]
}

// PaymentSimulator approves charges up to DeclineAbove cents (zero means no
// limit). Each idempotency key maps to at most one approved transaction;
// declines are not remembered so a later retry is evaluated afresh.
type PaymentSimulator struct {
	DeclineAbove int64

	mu  sync.Mutex
	txs map[string]services.PaymentResult
}

var _ services.PaymentProcessor = (*PaymentSimulator)(nil)

// NewPaymentSimulator returns a simulator that approves everything.
func NewPaymentSimulator() *PaymentSimulator {
	return &PaymentSimulator{txs: map[string]services.PaymentResult{}}
}

// Charge implements services.PaymentProcessor.
func (p *PaymentSimulator) Charge(ctx context.Context, req services.PaymentRequest) (*services.PaymentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, services.Unavailable("payment", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if res, ok := p.txs[req.IdempotencyKey]; ok {
		return &res, nil
	}
	res := services.PaymentResult{TransactionID: "sim_" + uuid.NewString(), Approved: true}
	if p.DeclineAbove > 0 && req.AmountCents > p.DeclineAbove {
		res.Approved = false
		res.DeclineReason = "amount exceeds limit"
		return &res, nil
	}
	p.txs[req.IdempotencyKey] = res
	return &res, nil
}
