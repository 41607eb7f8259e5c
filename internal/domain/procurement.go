package domain

import (
	"time"

	"gorm.io/datatypes"
)

// PartsOrder status values. An order is compensating while a cancelled
// incident still holds a supplier commitment that could not be undone.
const (
	OrderPending      = "pending"
	OrderPlaced       = "placed"
	OrderBackordered  = "backordered"
	OrderFulfilled    = "fulfilled"
	OrderFailed       = "failed"
	OrderCompensating = "compensating"
	OrderCancelled    = "cancelled"
)

// SupplierGroup status values.
const (
	GroupPending     = "pending"
	GroupPlaced      = "placed"
	GroupUnavailable = "unavailable"
	GroupFailed      = "failed"
	GroupFulfilled   = "fulfilled"
	GroupCancelled   = "cancelled"
	GroupReturned    = "returned"
)

// PartsOrder is the single procurement record of an incident. Its status is
// derived from the supplier groups it fans out to.
//
// Fields:
//   - IncidentID: unique; at most one order per incident.
//   - ETA: latest group ETA among placed groups.
//   - TotalCents: sum of acknowledged part prices.
//   - Expedite: requested on the priority path.
type PartsOrder struct {
	ID         string          `json:"orderId"     gorm:"type:char(36);primaryKey"`
	IncidentID string          `json:"incidentId"  gorm:"type:char(36);not null;uniqueIndex:ux_order_incident"`
	VehicleID  string          `json:"vehicleId"   gorm:"type:char(36);not null;index"`
	Status     string          `json:"status"      gorm:"type:varchar(16);not null;index"`
	ETA        *time.Time      `json:"eta,omitempty"`
	TotalCents int64           `json:"totalCents"  gorm:"not null;default:0"`
	Expedite   bool            `json:"expedite"    gorm:"not null;default:false"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	Groups     []SupplierGroup `json:"groups,omitempty" gorm:"foreignKey:OrderID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for PartsOrder.
func (PartsOrder) TableName() string { return "parts_orders" }

// Parts flattens the items of every group.
func (o PartsOrder) Parts() []PartItem {
	var out []PartItem
	for _, g := range o.Groups {
		out = append(out, g.Items...)
	}
	return out
}

// SupplierGroup is the slice of an order sent to one supplier. Its ID doubles
// as the supplier-side idempotency key.
type SupplierGroup struct {
	ID          string                       `json:"id"          gorm:"type:char(36);primaryKey"`
	OrderID     string                       `json:"orderId"     gorm:"type:char(36);not null;uniqueIndex:ux_group_order_supplier,priority:1"`
	Supplier    string                       `json:"supplier"    gorm:"type:varchar(64);not null;uniqueIndex:ux_group_order_supplier,priority:2"`
	Items       datatypes.JSONSlice[PartItem] `json:"items"       gorm:"not null"`
	SupplierRef string                       `json:"supplierRef,omitempty" gorm:"type:varchar(128)"`
	Status      string                       `json:"status"      gorm:"type:varchar(16);not null;index"`
	ETA         *time.Time                   `json:"eta,omitempty"`
	Attempts    int                          `json:"attempts"    gorm:"not null;default:0"`
	LastError   string                       `json:"lastError,omitempty" gorm:"type:text"`
	CreatedAt   time.Time                    `json:"createdAt"`
	UpdatedAt   time.Time                    `json:"updatedAt"`
}

// TableName returns the database table name for SupplierGroup.
func (SupplierGroup) TableName() string { return "supplier_groups" }

// HasSafetyCritical reports whether any item in the group is safety-critical.
func (g SupplierGroup) HasSafetyCritical() bool {
	for _, it := range g.Items {
		if it.SafetyCritical {
			return true
		}
	}
	return false
}
