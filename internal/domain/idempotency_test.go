package domain

import (
	"testing"
	"time"
)

func TestIdempotency_Migration_UniqueScopeKey(t *testing.T) {
	db := newDomainDB(t)
	now := time.Now().UTC()

	rec := &Idempotency{
		ID:          "id-1",
		UserID:      "u1",
		Scope:       "POST /api/v1/payments/charge",
		Key:         "k1",
		Status:      200,
		ContentType: "application/json",
		Body:        []byte(`{"status":"succeeded"}`),
		ExpiresAt:   now.Add(time.Hour),
	}
	if err := db.Create(rec).Error; err != nil {
		t.Fatalf("insert valid: %v", err)
	}

	var got Idempotency
	if err := db.First(&got, "id = ?", "id-1").Error; err != nil {
		t.Fatalf("readback: %v", err)
	}
	if got.Scope != rec.Scope || string(got.Body) != `{"status":"succeeded"}` || got.Status != 200 {
		t.Fatalf("unexpected row: %+v", got)
	}

	dup := &Idempotency{ID: "id-2", UserID: "u1", Scope: rec.Scope, Key: "k1", Status: 200, ExpiresAt: now.Add(time.Hour)}
	if err := db.Create(dup).Error; err == nil {
		t.Fatalf("expected UNIQUE violation on (user_id, scope, key)")
	}

	// Same key under another scope is a different request.
	other := &Idempotency{ID: "id-3", UserID: "u1", Scope: "POST /api/v1/parts/order", Key: "k1", Status: 201, ExpiresAt: now.Add(time.Hour)}
	if err := db.Create(other).Error; err != nil {
		t.Fatalf("insert other scope: %v", err)
	}
}
