package services

import (
	"context"
	"time"

	"github.com/tbourn/autofix-backend/internal/domain"
)

// DiagnosisRequest is what the AI capability receives.
type DiagnosisRequest struct {
	VehicleID string   `json:"vehicleId"`
	Make      string   `json:"make,omitempty"`
	Model     string   `json:"model,omitempty"`
	Year      int      `json:"year,omitempty"`
	Codes     []string `json:"codes"`
}

// DiagnosisResult is the raw, unnormalized AI answer.
type DiagnosisResult struct {
	PrimaryIssue       string            `json:"primaryIssue"`
	RecommendedRepairs []string          `json:"recommendedRepairs"`
	RequiredParts      []domain.PartItem `json:"requiredParts"`
	Severity           string            `json:"severity"`
}

// DiagnosisEngine maps trouble codes to a diagnosis. Transient failures wrap
// ErrExternalUnavailable; anything else is treated as permanent.
type DiagnosisEngine interface {
	Diagnose(ctx context.Context, req DiagnosisRequest) (*DiagnosisResult, error)
}

// SupplierOrder is one supplier group sent for placement. IdempotencyKey is
// the group ID; repeating it must not create a second supplier order.
type SupplierOrder struct {
	IdempotencyKey string            `json:"idempotencyKey"`
	Supplier       string            `json:"supplier"`
	VehicleID      string            `json:"vehicleId"`
	Items          []domain.PartItem `json:"items"`
	Expedite       bool              `json:"expedite"`
}

// SupplierAck is a supplier's answer to a placement.
type SupplierAck struct {
	Reference string           `json:"reference"`
	Available bool             `json:"available"`
	ETA       time.Time        `json:"eta"`
	Prices    map[string]int64 `json:"prices"` // unit price in cents by SKU
}

// Supplier places, cancels and returns parts orders.
type Supplier interface {
	PlaceOrder(ctx context.Context, order SupplierOrder) (*SupplierAck, error)
	CancelOrder(ctx context.Context, supplier, reference string) error
	ReturnOrder(ctx context.Context, supplier, reference string) error
}

// PaymentRequest is a charge sent to the processor. IdempotencyKey is the
// job ID so a repeated request settles to the same transaction.
type PaymentRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	UserID         string `json:"userId"`
	AmountCents    int64  `json:"amountCents"`
	Currency       string `json:"currency"`
}

// PaymentResult is the processor outcome. A decline is reported as
// Approved=false with a nil error.
type PaymentResult struct {
	TransactionID string `json:"transactionId"`
	Approved      bool   `json:"approved"`
	DeclineReason string `json:"declineReason,omitempty"`
}

// PaymentProcessor charges a user.
type PaymentProcessor interface {
	Charge(ctx context.Context, req PaymentRequest) (*PaymentResult, error)
}

// Dispatcher runs saga steps off the caller's goroutine. Priority work goes to
// a separate pool so critical incidents are not queued behind routine ones.
type Dispatcher interface {
	Dispatch(priority bool, task func(ctx context.Context)) error
}

// DedupEntry is the last accepted event fingerprint of a vehicle.
type DedupEntry struct {
	IncidentID  string    `json:"incidentId"`
	Fingerprint string    `json:"fingerprint"`
	Timestamp   time.Time `json:"timestamp"`
}

// DedupStore remembers the most recent accepted event per vehicle.
// Last returns (nil, nil) when nothing is remembered.
type DedupStore interface {
	Last(ctx context.Context, vehicleID string) (*DedupEntry, error)
	Remember(ctx context.Context, vehicleID string, e DedupEntry) error
}

// IncidentNotifier is told when intake opened or changed an incident.
type IncidentNotifier interface {
	Ingested(ctx context.Context, incidentID string)
}
