package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tbourn/autofix-backend/internal/services"
)

// envelopeRouter stamps a request id and a capturing logger the way the
// middleware stack does.
func envelopeRouter(t *testing.T, rid string) (*gin.Engine, *bytes.Buffer) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Header("X-Request-ID", rid)
		c.Set("logger", &logger)
		c.Next()
	})
	return r, &buf
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("envelope: %v (%s)", err, w.Body.String())
	}
	return er
}

func TestFail_ServerErrorsAreLogged(t *testing.T) {
	r, buf := envelopeRouter(t, "rid-500")
	r.GET("/incidents/:id", func(c *gin.Context) {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "kaboom")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/incidents/i1", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	er := decodeEnvelope(t, w)
	if er.RequestID != "rid-500" || er.Code != ErrCodeInternal || er.Retryable {
		t.Fatalf("body=%+v", er)
	}
	if !strings.Contains(buf.String(), `"level":"error"`) || !strings.Contains(buf.String(), `"route":"/incidents/:id"`) {
		t.Fatalf("log=%s", buf.String())
	}
}

func TestFail_ClientErrorsAreQuiet(t *testing.T) {
	r, buf := envelopeRouter(t, "rid-404")
	r.GET("/missing", func(c *gin.Context) { Fail(c, http.StatusNotFound, ErrCodeNotFound, "nope") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))
	er := decodeEnvelope(t, w)
	if w.Code != http.StatusNotFound || er.Code != ErrCodeNotFound || er.Message != "nope" {
		t.Fatalf("status=%d body=%+v", w.Code, er)
	}
	if buf.Len() != 0 {
		t.Fatalf("4xx should not log: %s", buf.String())
	}
	if w.Header().Get("Retry-After") != "" {
		t.Fatal("not_found must not suggest a retry")
	}
}

func TestFailErr_RetryHints(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		status    int
		retryable bool
		after     string
	}{
		{"supplier down", services.Unavailable("supplier", errors.New("timeout")), http.StatusServiceUnavailable, true, "5"},
		{"saga step running", services.ErrIncidentBusy, http.StatusConflict, true, "1"},
		{"slot taken", services.ErrSlotConflict, http.StatusConflict, false, ""},
		{"card declined", services.ErrPaymentDeclined, http.StatusPaymentRequired, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := envelopeRouter(t, "rid")
			r.POST("/x", func(c *gin.Context) { failErr(c, tc.err) })
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))

			er := decodeEnvelope(t, w)
			if w.Code != tc.status || er.Retryable != tc.retryable {
				t.Fatalf("status=%d body=%+v", w.Code, er)
			}
			if got := w.Header().Get("Retry-After"); got != tc.after {
				t.Fatalf("Retry-After=%q want %q", got, tc.after)
			}
		})
	}
}

func TestOK_WritesJSON(t *testing.T) {
	r, _ := envelopeRouter(t, "rid")
	r.POST("/vehicles", func(c *gin.Context) { ok(c, http.StatusCreated, gin.H{"id": "v1"}) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/vehicles", nil))
	if w.Code != http.StatusCreated || !strings.Contains(w.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("status=%d ct=%q", w.Code, w.Header().Get("Content-Type"))
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body["id"] != "v1" {
		t.Fatalf("body=%s err=%v", w.Body.String(), err)
	}
}
