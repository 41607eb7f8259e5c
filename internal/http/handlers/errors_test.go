package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tbourn/autofix-backend/internal/repo"
	"github.com/tbourn/autofix-backend/internal/services"
)

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid event", services.ErrInvalidEvent, http.StatusBadRequest, ErrCodeBadRequest},
		{"wrapped invalid", fmt.Errorf("vehicle: %w", services.ErrInvalidInput), http.StatusBadRequest, ErrCodeBadRequest},
		{"vehicle missing", services.ErrVehicleNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"slot conflict", services.ErrSlotConflict, http.StatusConflict, ErrCodeSlotConflict},
		{"parts blocked", services.ErrPartsBlocked, http.StatusConflict, ErrCodePartsBlocked},
		{"busy", services.ErrIncidentBusy, http.StatusConflict, ErrCodeIncidentBusy},
		{"duplicate vin", services.ErrDuplicateVIN, http.StatusConflict, ErrCodeConflict},
		{"transition", services.ErrInvalidTransition, http.StatusConflict, ErrCodeInvalidTransition},
		{"unavailable", services.Unavailable("ai", errors.New("dial tcp")), http.StatusServiceUnavailable, ErrCodeUnavailable},
		{"malformed", services.ErrMalformedDiagnosis, http.StatusBadGateway, ErrCodeMalformedDiagnosis},
		{"declined", services.ErrPaymentDeclined, http.StatusPaymentRequired, ErrCodePaymentDeclined},
		{"repo not found", repo.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"unknown", errors.New("disk full"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, code := errorStatus(tc.err)
			if status != tc.status || code != tc.code {
				t.Fatalf("errorStatus(%v) = (%d, %q), want (%d, %q)", tc.err, status, code, tc.status, tc.code)
			}
		})
	}
}

func TestFailErr_InternalHidesCause(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	r.Use(func(c *gin.Context) {
		c.Set("logger", &logger)
		c.Next()
	})
	r.GET("/boom", func(c *gin.Context) { failErr(c, errors.New("pq: password authentication failed")) })
	r.GET("/conflict", func(c *gin.Context) { failErr(c, services.ErrSlotConflict) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	var resp ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Message != "internal error" {
		t.Fatalf("cause leaked: %+v", resp)
	}
	if !strings.Contains(buf.String(), "password authentication failed") {
		t.Fatalf("cause not logged: %s", buf.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/conflict", nil))
	if w.Code != http.StatusConflict {
		t.Fatalf("status=%d", w.Code)
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != ErrCodeSlotConflict {
		t.Fatalf("code=%q", resp.Code)
	}
}
