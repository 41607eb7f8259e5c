package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/autofix-backend/internal/domain"
)

func TestGetIdempotency_EmptyScopeOrKey_ReturnsNotFound(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	now := time.Now().UTC()

	if rec, err := GetIdempotency(context.Background(), db, "u1", "   ", "k1", now); rec != nil || err != ErrNotFound {
		t.Fatalf("expected (nil, ErrNotFound) for empty scope, got (%v, %v)", rec, err)
	}
	if rec, err := GetIdempotency(context.Background(), db, "u1", "POST /x", "", now); rec != nil || err != ErrNotFound {
		t.Fatalf("expected (nil, ErrNotFound) for empty key, got (%v, %v)", rec, err)
	}
}

func TestGetIdempotency_ExpiredOrMissing_ReturnsNotFound(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	now := time.Now().UTC()

	exp := &domain.Idempotency{
		ID:        "expired",
		UserID:    "u1",
		Scope:     "POST /payments/charge",
		Key:       "k1",
		Status:    200,
		CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}
	if err := db.Create(exp).Error; err != nil {
		t.Fatalf("seed expired: %v", err)
	}

	rec, err := GetIdempotency(context.Background(), db, "u1", exp.Scope, "k1", now)
	if rec != nil || err != ErrNotFound {
		t.Fatalf("expected (nil, ErrNotFound) for expired, got (%v, %v)", rec, err)
	}

	rec2, err2 := GetIdempotency(context.Background(), db, "u1", exp.Scope, "missing", now)
	if rec2 != nil || err2 != ErrNotFound {
		t.Fatalf("expected (nil, ErrNotFound) for missing, got (%v, %v)", rec2, err2)
	}
}

func TestCreateIdempotency_SuccessReplayAndDuplicate(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	ctx := context.Background()
	scope := "POST /api/v1/mechanic/job/:jobId/complete jobId=j1"

	rec, err := CreateIdempotency(ctx, db, "u9", scope, "k9", 200, "application/json", []byte(`{"ok":true}`), 90*time.Minute)
	if err != nil {
		t.Fatalf("CreateIdempotency error: %v", err)
	}
	if rec.ID == "" || rec.Status != 200 || !rec.ExpiresAt.After(rec.CreatedAt) {
		t.Fatalf("unexpected record: %+v", rec)
	}

	got, err := GetIdempotency(ctx, db, "u9", scope, "k9", time.Now().UTC())
	if err != nil {
		t.Fatalf("GetIdempotency: %v", err)
	}
	if string(got.Body) != `{"ok":true}` || got.ContentType != "application/json" {
		t.Fatalf("unexpected replay: %+v", got)
	}

	_, err = CreateIdempotency(ctx, db, "u9", scope, "k9", 200, "", nil, time.Hour)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// Same key under another scope is independent.
	if _, err := CreateIdempotency(ctx, db, "u9", "POST /other", "k9", 201, "", nil, time.Hour); err != nil {
		t.Fatalf("other scope: %v", err)
	}
}

func TestCreateIdempotency_ReplacesExpired(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	ctx := context.Background()

	if _, err := CreateIdempotency(ctx, db, "u1", "s", "k", 200, "", nil, -time.Minute); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := CreateIdempotency(ctx, db, "u1", "s", "k", 202, "", nil, time.Hour); err != nil {
		t.Fatalf("expected expired record to be replaced, got %v", err)
	}
	n, err := PurgeIdempotency(ctx, db, time.Now().UTC())
	if err != nil || n != 0 {
		t.Fatalf("expected nothing to purge, got (%d, %v)", n, err)
	}
}
