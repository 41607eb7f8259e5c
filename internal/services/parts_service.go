// Package services – PartsService
//
// This file implements parts procurement. An order is persisted with one
// group per supplier before any supplier is contacted; groups are then placed
// concurrently, each keyed by its own ID so a resend after a crash or retry
// cannot create a second supplier order.
package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/autofix-backend/internal/domain"
	"github.com/tbourn/autofix-backend/internal/repo"
)

// PartsService places, tracks and compensates parts orders.
type PartsService struct {
	DB       *gorm.DB
	Supplier Supplier
	Policy   RetryPolicy

	// MaxParallel bounds concurrent supplier calls per order.
	MaxParallel int
}

// NewPartsService constructs a PartsService.
func NewPartsService(db *gorm.DB, supplier Supplier, retry RetryPolicy) *PartsService {
	return &PartsService{DB: db, Supplier: supplier, Policy: retry, MaxParallel: 4}
}

// Order places the incident's parts order. An existing order is returned
// unchanged unless it failed, in which case its failed groups are retried.
func (s *PartsService) Order(ctx context.Context, incidentID string, parts []domain.PartItem) (*domain.PartsOrder, error) {
	ctx, span := otel.Tracer("services/PartsService").Start(ctx, "Order",
		trace.WithAttributes(attribute.String("incident.id", incidentID), attribute.Int("parts", len(parts))))
	defer span.End()

	inc, err := repo.GetIncident(ctx, s.DB, incidentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrIncidentNotFound
	}
	if err != nil {
		return nil, err
	}

	existing, err := repo.GetOrderByIncident(ctx, s.DB, incidentID)
	switch {
	case err == nil:
		return s.reuse(ctx, existing)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}

	if inc.State.IsTerminal() {
		return nil, ErrIncidentNotActive
	}
	groups, err := groupBySupplier(parts)
	if err != nil {
		return nil, err
	}
	o := &domain.PartsOrder{
		IncidentID: inc.ID,
		VehicleID:  inc.VehicleID,
		Status:     domain.OrderPending,
		Expedite:   inc.Priority,
		Groups:     groups,
	}
	if err := repo.CreateOrder(ctx, s.DB, o); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			// Lost a race with a concurrent Order for the same incident.
			existing, gerr := repo.GetOrderByIncident(ctx, s.DB, incidentID)
			if gerr != nil {
				return nil, gerr
			}
			return s.reuse(ctx, existing)
		}
		return nil, err
	}

	log.Ctx(ctx).Info().
		Str("incident_id", inc.ID).
		Str("order_id", o.ID).
		Int("groups", len(o.Groups)).
		Bool("expedite", o.Expedite).
		Msg("parts order created")
	return s.place(ctx, o, false)
}

func (s *PartsService) reuse(ctx context.Context, o *domain.PartsOrder) (*domain.PartsOrder, error) {
	switch o.Status {
	case domain.OrderFailed:
		return s.place(ctx, o, true)
	case domain.OrderCancelled, domain.OrderCompensating:
		return nil, ErrOrderCancelled
	}
	return o, nil
}

// Retry re-places the order's pending and failed groups.
func (s *PartsService) Retry(ctx context.Context, orderID string) (*domain.PartsOrder, error) {
	o, err := repo.GetOrder(ctx, s.DB, orderID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.Status == domain.OrderCancelled || o.Status == domain.OrderCompensating {
		return nil, ErrOrderCancelled
	}
	return s.place(ctx, o, true)
}

// ResendPending places every group that was persisted but never acknowledged,
// reusing the group ID as idempotency key. It returns the affected incident IDs.
func (s *PartsService) ResendPending(ctx context.Context) ([]string, error) {
	pending, err := repo.ListPendingGroups(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	var orderIDs []string
	for _, g := range pending {
		if !slices.Contains(orderIDs, g.OrderID) {
			orderIDs = append(orderIDs, g.OrderID)
		}
	}
	var incidents []string
	for _, id := range orderIDs {
		o, err := repo.GetOrder(ctx, s.DB, id)
		if err != nil {
			return incidents, err
		}
		if o.Status == domain.OrderCancelled || o.Status == domain.OrderCompensating {
			continue
		}
		if _, err := s.place(ctx, o, false); err != nil {
			return incidents, err
		}
		incidents = append(incidents, o.IncidentID)
	}
	return incidents, nil
}

// place sends every pending group (and failed or compensated ones when
// retryFailed) to its supplier, then recomputes the order.
func (s *PartsService) place(ctx context.Context, o *domain.PartsOrder, retryFailed bool) (*domain.PartsOrder, error) {
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(s.MaxParallel, 1))
	for i := range o.Groups {
		g := &o.Groups[i]
		switch g.Status {
		case domain.GroupPending:
		case domain.GroupFailed, domain.GroupCancelled:
			if !retryFailed {
				continue
			}
		default:
			continue
		}
		eg.Go(func() error {
			return s.placeGroup(gctx, o, g)
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	recompute(o)
	if o.Status == domain.OrderFailed {
		// Do not hold stock at some suppliers while others failed.
		for i := range o.Groups {
			if g := &o.Groups[i]; g.Status == domain.GroupPlaced {
				s.compensateGroup(ctx, g)
			}
		}
		recompute(o)
	}
	if err := repo.SaveOrderSummary(ctx, s.DB, o); err != nil {
		return nil, err
	}
	log.Ctx(ctx).Info().
		Str("order_id", o.ID).
		Str("status", o.Status).
		Int64("total_cents", o.TotalCents).
		Msg("parts order placed")
	return o, nil
}

// placeGroup calls the supplier for one group. Supplier failures are recorded
// on the group; only persistence errors are returned.
func (s *PartsService) placeGroup(ctx context.Context, o *domain.PartsOrder, g *domain.SupplierGroup) error {
	g.Attempts++
	req := SupplierOrder{
		IdempotencyKey: g.ID,
		Supplier:       g.Supplier,
		VehicleID:      o.VehicleID,
		Items:          g.Items,
		Expedite:       o.Expedite,
	}

	start := time.Now()
	ack, err := retry(ctx, s.Policy, "supplier", func(ctx context.Context) (*SupplierAck, error) {
		return s.Supplier.PlaceOrder(ctx, req)
	})
	externalLatency.WithLabelValues("supplier").Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		externalCalls.WithLabelValues("supplier", "failed").Inc()
		g.Status = domain.GroupFailed
		g.LastError = err.Error()
		log.Ctx(ctx).Error().Err(err).Str("order_id", o.ID).Str("supplier", g.Supplier).Msg("supplier order failed")
	case !ack.Available:
		externalCalls.WithLabelValues("supplier", "ok").Inc()
		g.Status = domain.GroupUnavailable
		g.SupplierRef = ack.Reference
		g.LastError = ""
	default:
		externalCalls.WithLabelValues("supplier", "ok").Inc()
		g.Status = domain.GroupPlaced
		g.SupplierRef = ack.Reference
		g.LastError = ""
		if !ack.ETA.IsZero() {
			eta := ack.ETA.UTC()
			g.ETA = &eta
		}
		items := slices.Clone([]domain.PartItem(g.Items))
		for i := range items {
			if p, ok := ack.Prices[items[i].SKU]; ok {
				items[i].PriceCents = p
			}
		}
		g.Items = items
	}
	return repo.SaveGroup(context.WithoutCancel(ctx), s.DB, g)
}

// ApplySupplierStatus records a supplier callback for one group and
// recomputes the order.
func (s *PartsService) ApplySupplierStatus(ctx context.Context, orderID, supplier, status string, eta *time.Time) (*domain.PartsOrder, error) {
	switch status {
	case domain.GroupPlaced, domain.GroupUnavailable, domain.GroupFulfilled:
	default:
		return nil, ErrInvalidStatus
	}
	o, err := repo.GetOrder(ctx, s.DB, orderID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.Status == domain.OrderCancelled {
		return nil, ErrOrderCancelled
	}

	supplier = strings.ToLower(strings.TrimSpace(supplier))
	idx := slices.IndexFunc(o.Groups, func(g domain.SupplierGroup) bool { return g.Supplier == supplier })
	if idx < 0 {
		return nil, fmt.Errorf("supplier %q: %w", supplier, ErrOrderNotFound)
	}
	g := &o.Groups[idx]
	if g.Status == domain.GroupCancelled || g.Status == domain.GroupReturned {
		return nil, ErrInvalidTransition
	}
	g.Status = status
	if eta != nil {
		t := eta.UTC()
		g.ETA = &t
	}
	if err := repo.SaveGroup(ctx, s.DB, g); err != nil {
		return nil, err
	}
	compensating := o.Status == domain.OrderCompensating
	recompute(o)
	if compensating {
		// A fulfilled group is now returned instead of cancelled.
		o.Status = domain.OrderCompensating
	}
	if err := repo.SaveOrderSummary(ctx, s.DB, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Compensate cancels placed groups and returns fulfilled ones. The order
// becomes cancelled once every group is cancelled or returned; while a
// supplier refuses, it stays compensating and ResumeCompensation retries it.
func (s *PartsService) Compensate(ctx context.Context, incidentID string) error {
	o, err := repo.GetOrderByIncident(ctx, s.DB, incidentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if o.Status == domain.OrderCancelled {
		return nil
	}

	var errs []error
	for i := range o.Groups {
		if err := s.compensateGroup(ctx, &o.Groups[i]); err != nil {
			errs = append(errs, err)
		}
	}
	recompute(o)
	o.Status = domain.OrderCancelled
	if !compensated(o) {
		o.Status = domain.OrderCompensating
	}
	if err := repo.SaveOrderSummary(ctx, s.DB, o); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ResumeCompensation re-runs Compensate for every order left compensating and
// returns the incidents whose orders are now cancelled.
func (s *PartsService) ResumeCompensation(ctx context.Context) ([]string, error) {
	orders, err := repo.ListOrdersByStatus(ctx, s.DB, domain.OrderCompensating)
	if err != nil {
		return nil, err
	}
	var (
		done []string
		errs []error
	)
	for _, o := range orders {
		if err := s.Compensate(ctx, o.IncidentID); err != nil {
			errs = append(errs, err)
			continue
		}
		done = append(done, o.IncidentID)
	}
	return done, errors.Join(errs...)
}

func compensated(o *domain.PartsOrder) bool {
	for _, g := range o.Groups {
		if g.Status != domain.GroupCancelled && g.Status != domain.GroupReturned {
			return false
		}
	}
	return true
}

func (s *PartsService) compensateGroup(ctx context.Context, g *domain.SupplierGroup) error {
	var (
		next = domain.GroupCancelled
		op   func(context.Context) (struct{}, error)
	)
	switch g.Status {
	case domain.GroupPlaced:
		op = func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.Supplier.CancelOrder(ctx, g.Supplier, g.SupplierRef)
		}
	case domain.GroupFulfilled:
		next = domain.GroupReturned
		op = func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.Supplier.ReturnOrder(ctx, g.Supplier, g.SupplierRef)
		}
	case domain.GroupCancelled, domain.GroupReturned:
		return nil
	}

	if op != nil {
		if _, err := retry(ctx, s.Policy, "supplier", op); err != nil {
			externalCalls.WithLabelValues("supplier", "failed").Inc()
			g.LastError = err.Error()
			_ = repo.SaveGroup(context.WithoutCancel(ctx), s.DB, g)
			log.Ctx(ctx).Error().Err(err).Str("group_id", g.ID).Str("supplier", g.Supplier).Msg("supplier compensation failed")
			return fmt.Errorf("compensate %s: %w", g.Supplier, err)
		}
	}
	g.Status = next
	return repo.SaveGroup(context.WithoutCancel(ctx), s.DB, g)
}

// BlocksScheduling reports whether an unavailable group holds a
// safety-critical part.
func BlocksScheduling(o *domain.PartsOrder) bool {
	if o == nil {
		return false
	}
	for _, g := range o.Groups {
		if g.Status == domain.GroupUnavailable && g.HasSafetyCritical() {
			return true
		}
	}
	return false
}

// PartsReady reports whether the order no longer holds up the repair.
func PartsReady(o *domain.PartsOrder) bool {
	return o != nil && (o.Status == domain.OrderPlaced || o.Status == domain.OrderFulfilled)
}

func groupBySupplier(parts []domain.PartItem) ([]domain.SupplierGroup, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("no parts: %w", ErrInvalidInput)
	}
	bySupplier := map[string][]domain.PartItem{}
	var names []string
	seen := map[string]bool{}
	for _, p := range parts {
		p.SKU = strings.ToUpper(strings.TrimSpace(p.SKU))
		if p.SKU == "" {
			return nil, fmt.Errorf("part without sku: %w", ErrInvalidInput)
		}
		if seen[p.SKU] {
			continue
		}
		seen[p.SKU] = true
		p.Supplier = strings.ToLower(strings.TrimSpace(p.Supplier))
		if p.Supplier == "" {
			p.Supplier = DefaultSupplier
		}
		p.Quantity = p.Qty()
		if _, ok := bySupplier[p.Supplier]; !ok {
			names = append(names, p.Supplier)
		}
		bySupplier[p.Supplier] = append(bySupplier[p.Supplier], p)
	}
	slices.Sort(names)
	groups := make([]domain.SupplierGroup, 0, len(names))
	for _, n := range names {
		groups = append(groups, domain.SupplierGroup{
			Supplier: n,
			Items:    bySupplier[n],
			Status:   domain.GroupPending,
		})
	}
	return groups, nil
}

// recompute derives order status, ETA and total from its groups.
func recompute(o *domain.PartsOrder) {
	var (
		total                                                     int64
		eta                                                       *time.Time
		fulfilled, ready, unavailable, failed, pending, cancelled int
	)
	for _, g := range o.Groups {
		switch g.Status {
		case domain.GroupFulfilled:
			fulfilled++
			ready++
		case domain.GroupPlaced:
			ready++
		case domain.GroupUnavailable:
			unavailable++
		case domain.GroupFailed:
			failed++
		case domain.GroupPending:
			pending++
		default:
			cancelled++
		}
		if g.Status == domain.GroupPlaced || g.Status == domain.GroupFulfilled {
			for _, it := range g.Items {
				total += it.PriceCents * int64(it.Qty())
			}
			if g.ETA != nil && (eta == nil || g.ETA.After(*eta)) {
				t := *g.ETA
				eta = &t
			}
		}
	}

	n := len(o.Groups)
	switch {
	case n > 0 && fulfilled == n:
		o.Status = domain.OrderFulfilled
	case unavailable > 0:
		o.Status = domain.OrderBackordered
	case failed > 0:
		o.Status = domain.OrderFailed
	case pending > 0:
		o.Status = domain.OrderPending
	case n > 0 && ready == n:
		o.Status = domain.OrderPlaced
	case cancelled > 0 && failed == 0:
		// Compensated groups only appear next to a failure.
		o.Status = domain.OrderFailed
	}
	o.TotalCents = total
	o.ETA = eta
}
