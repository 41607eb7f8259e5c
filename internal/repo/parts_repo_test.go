package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/autofix-backend/internal/domain"
)

func newOrder(incidentID string) *domain.PartsOrder {
	return &domain.PartsOrder{
		IncidentID: incidentID,
		VehicleID:  "v1",
		Status:     domain.OrderPending,
		Groups: []domain.SupplierGroup{
			{Supplier: "zeta", Status: domain.GroupPending, Items: []domain.PartItem{{SKU: "B-1", Name: "Brake pad", SafetyCritical: true}}},
			{Supplier: "acme", Status: domain.GroupPending, Items: []domain.PartItem{{SKU: "TH-100", Name: "Thermostat"}}},
		},
	}
}

func TestCreateOrder_OnePerIncident(t *testing.T) {
	db := newFullDB(t)
	ctx := context.Background()

	o := newOrder("i1")
	if err := CreateOrder(ctx, db, o); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if err := CreateOrder(ctx, db, newOrder("i1")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	got, err := GetOrderByIncident(ctx, db, "i1")
	if err != nil {
		t.Fatalf("GetOrderByIncident: %v", err)
	}
	if len(got.Groups) != 2 || got.Groups[0].Supplier != "acme" {
		t.Fatalf("expected groups ordered by supplier, got %+v", got.Groups)
	}
	if len(got.Parts()) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(got.Parts()))
	}
}

func TestSaveGroupAndSummary(t *testing.T) {
	db := newFullDB(t)
	ctx := context.Background()

	o := newOrder("i2")
	if err := CreateOrder(ctx, db, o); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	pending, err := ListPendingGroups(ctx, db)
	if err != nil || len(pending) != 2 {
		t.Fatalf("ListPendingGroups: err=%v n=%d", err, len(pending))
	}

	eta := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	g := o.Groups[1]
	g.Status = domain.GroupPlaced
	g.SupplierRef = "ACME-1"
	g.ETA = &eta
	g.Attempts = 1
	if err := SaveGroup(ctx, db, &g); err != nil {
		t.Fatalf("SaveGroup: %v", err)
	}
	o.Status = domain.OrderBackordered
	o.TotalCents = 7000
	if err := SaveOrderSummary(ctx, db, o); err != nil {
		t.Fatalf("SaveOrderSummary: %v", err)
	}

	got, err := GetOrder(ctx, db, o.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != domain.OrderBackordered || got.TotalCents != 7000 {
		t.Fatalf("unexpected order: %+v", got)
	}
	pending, _ = ListPendingGroups(ctx, db)
	if len(pending) != 1 {
		t.Fatalf("expected one pending group, got %d", len(pending))
	}
}
