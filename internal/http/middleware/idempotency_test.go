package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/autofix-backend/internal/domain"
)

func TestHelpers_GetIdempotencyKey_IsReplay_UserIDFromCtx(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c, _ := gin.CreateTestContext(w)
	c.Request = req

	// Not set
	if k, ok := GetIdempotencyKey(c); k != "" || ok {
		t.Fatalf("expected empty key when not set")
	}
	if IsReplay(c) {
		t.Fatalf("expected IsReplay=false by default")
	}

	// Set non-string for key → should return false
	c.Set(ctxKeyIdemKey, 123)
	if k, ok := GetIdempotencyKey(c); k != "" || !(!ok) {
		t.Fatalf("expected GetIdempotencyKey to be absent for non-string value")
	}
	// Set bool and check IsReplay=true
	c.Set(ctxKeyIdemReplay, true)
	if !IsReplay(c) {
		t.Fatalf("expected IsReplay=true")
	}
	// Non-bool value shouldn’t panic, should be false
	c.Set(ctxKeyIdemReplay, "yes")
	if IsReplay(c) {
		t.Fatalf("expected IsReplay=false for non-bool")
	}

	// userIDFromCtx fallback
	if got := userIDFromCtx(c); got != "demo-user" {
		t.Fatalf("userIDFromCtx fallback mismatch: %q", got)
	}
	c.Set("userID", "u1")
	if got := userIDFromCtx(c); got != "u1" {
		t.Fatalf("userIDFromCtx with userID mismatch: %q", got)
	}
	c.Set("userID", 42) // wrong type → fallback
	if got := userIDFromCtx(c); got != "demo-user" {
		t.Fatalf("userIDFromCtx wrong-type fallback mismatch: %q", got)
	}
}

// memStore is an in-memory IdempotencyStore.
type memStore struct {
	mu    sync.Mutex
	recs  map[string]*domain.Idempotency
	gets  int
	saves int
	err   error
}

func newMemStore() *memStore { return &memStore{recs: map[string]*domain.Idempotency{}} }

func (m *memStore) Get(_ context.Context, userID, scope, key string, _ time.Time) (*domain.Idempotency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.err != nil {
		return nil, m.err
	}
	rec, ok := m.recs[userID+"|"+scope+"|"+key]
	if !ok {
		return nil, errors.New("not found")
	}
	return rec, nil
}

func (m *memStore) Save(_ context.Context, userID, scope, key string, status int, ct string, body []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.recs[userID+"|"+scope+"|"+key] = &domain.Idempotency{
		UserID: userID, Scope: scope, Key: key, Status: status, ContentType: ct, Body: append([]byte(nil), body...),
	}
	return nil
}

func TestIdempotency_NoHeader_NoLookup(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	store := newMemStore()
	r.Use(Idempotency(IdempotencyOptions{}, store))
	r.POST("/x", func(c *gin.Context) {
		if _, ok := GetIdempotencyKey(c); ok {
			t.Fatalf("expected no key in context")
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if store.gets != 0 || store.saves != 0 {
		t.Fatalf("store must not be touched without a key: %+v", store)
	}
}

func TestIdempotency_SafeMethodIgnored(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	store := newMemStore()
	r.Use(Idempotency(IdempotencyOptions{}, store))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(HeaderIdempotencyKey, "k1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if store.gets != 0 || store.saves != 0 {
		t.Fatalf("GET must bypass idempotency")
	}
}

func TestIdempotency_InvalidKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name string
		opts IdempotencyOptions
		key  string
	}{
		{"too long", IdempotencyOptions{MaxLen: 5}, "abcdef"},
		{"pattern", IdempotencyOptions{Pattern: regexp.MustCompile(`^[0-9]+$`)}, "abc"},
		{"default pattern", IdempotencyOptions{}, "has space"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.Use(Idempotency(tc.opts, nil))
			r.POST("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(http.MethodPost, "/x", nil)
			req.Header.Set(HeaderIdempotencyKey, tc.key)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status=%d", w.Code)
			}
			var body map[string]any
			_ = json.Unmarshal(w.Body.Bytes(), &body)
			if body["code"] != "bad_idempotency_key" {
				t.Fatalf("body=%v", body)
			}
		})
	}
}

func TestIdempotency_CaptureAndReplay(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	store := newMemStore()
	r.Use(func(c *gin.Context) { c.Set("userID", "u1"); c.Next() })
	r.Use(Idempotency(IdempotencyOptions{}, store))

	calls := 0
	r.POST("/jobs/:jobId/complete", func(c *gin.Context) {
		calls++
		if IsReplay(c) {
			t.Fatalf("handler must not run on replay")
		}
		c.JSON(http.StatusOK, gin.H{"job": c.Param("jobId"), "n": calls})
	})

	send := func(path, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set(HeaderIdempotencyKey, key)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	first := send("/jobs/j1/complete", "k-1")
	if first.Code != http.StatusOK || first.Header().Get(HeaderIdempotencyReplayed) != "" {
		t.Fatalf("first: status=%d headers=%v", first.Code, first.Header())
	}
	again := send("/jobs/j1/complete", "k-1")
	if again.Code != http.StatusOK || again.Header().Get(HeaderIdempotencyReplayed) != "true" {
		t.Fatalf("replay: status=%d headers=%v", again.Code, again.Header())
	}
	if again.Body.String() != first.Body.String() {
		t.Fatalf("replayed body %q != original %q", again.Body.String(), first.Body.String())
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}

	// Same key on another resource is a different scope.
	other := send("/jobs/j2/complete", "k-1")
	if other.Header().Get(HeaderIdempotencyReplayed) != "" || calls != 2 {
		t.Fatalf("scope leak: calls=%d headers=%v", calls, other.Header())
	}
	if got := idempotencyScopeFor(t, "/jobs/:jobId/complete", "/jobs/j1/complete"); got != "POST /jobs/:jobId/complete jobId=j1" {
		t.Fatalf("scope=%q", got)
	}
}

func TestIdempotency_FailuresNotCaptured(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	store := newMemStore()
	r.Use(Idempotency(IdempotencyOptions{}, store))
	fail := true
	r.POST("/charge", func(c *gin.Context) {
		if fail {
			c.JSON(http.StatusServiceUnavailable, gin.H{"code": "external_unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "succeeded"})
	})

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/charge", nil)
		req.Header.Set(HeaderIdempotencyKey, "pay-1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}
	if w := send(); w.Code != http.StatusServiceUnavailable || store.saves != 0 {
		t.Fatalf("5xx must not be stored: code=%d saves=%d", w.Code, store.saves)
	}
	fail = false
	if w := send(); w.Code != http.StatusOK || store.saves != 1 {
		t.Fatalf("retry after failure: code=%d saves=%d", w.Code, store.saves)
	}
}

func TestIdempotency_StoreErrorDoesNotBlock(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	store := newMemStore()
	store.err = errors.New("db down")
	r.Use(Idempotency(IdempotencyOptions{}, store))
	r.POST("/x", func(c *gin.Context) { c.String(http.StatusCreated, "made") })

	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set(HeaderIdempotencyKey, "k")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated || w.Body.String() != "made" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
}

func TestIdempotency_OversizedBodyNotCaptured(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	store := newMemStore()
	r.Use(Idempotency(IdempotencyOptions{MaxBody: 4}, store))
	r.POST("/x", func(c *gin.Context) { c.String(http.StatusOK, "too large") })

	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set(HeaderIdempotencyKey, "k")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Body.String() != "too large" || store.saves != 0 {
		t.Fatalf("body=%q saves=%d", w.Body.String(), store.saves)
	}
}

// idempotencyScopeFor resolves the scope a request would get on route.
func idempotencyScopeFor(t *testing.T, route, path string) string {
	t.Helper()
	r := gin.New()
	var got string
	r.POST(route, func(c *gin.Context) { got = idempotencyScope(c) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
	return got
}
