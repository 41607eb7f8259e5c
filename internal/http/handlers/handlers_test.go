package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"

	"github.com/tbourn/autofix-backend/internal/domain"
	"github.com/tbourn/autofix-backend/internal/export"
	"github.com/tbourn/autofix-backend/internal/repo"
	"github.com/tbourn/autofix-backend/internal/services"
)

// ---------- stubs ----------

type stubIntake struct {
	got services.DiagnosticEventInput
	res *services.IntakeResult
	err error
}

func (s *stubIntake) Submit(_ context.Context, in services.DiagnosticEventInput) (*services.IntakeResult, error) {
	s.got = in
	return s.res, s.err
}

type stubJobs struct{ mechanicID, status string }

func (s *stubJobs) List(_ context.Context, mechanicID, status string) ([]domain.Job, error) {
	s.mechanicID, s.status = mechanicID, status
	return nil, nil
}

// stubWorkflow answers every call with its configured error; successful
// calls return empty values.
type stubWorkflow struct {
	err    error
	reason string
	appt   *domain.Appointment
	charge *domain.Charge

	jobID, userID string
	cents         int64
}

func (s *stubWorkflow) OrderParts(context.Context, string, []domain.PartItem) (*domain.PartsOrder, error) {
	return &domain.PartsOrder{ID: "o1", Status: domain.OrderPlaced}, s.err
}
func (s *stubWorkflow) SupplierStatus(context.Context, string, string, string, *time.Time) (*domain.PartsOrder, error) {
	return &domain.PartsOrder{}, s.err
}
func (s *stubWorkflow) ConfirmAppointment(context.Context, string) (*domain.Appointment, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.appt, nil
}
func (s *stubWorkflow) StartJob(context.Context, string) (*domain.Job, error) {
	return &domain.Job{}, s.err
}
func (s *stubWorkflow) CompleteJob(context.Context, string) (*domain.Job, *domain.Charge, error) {
	return &domain.Job{}, &domain.Charge{}, s.err
}
func (s *stubWorkflow) ChargeJob(_ context.Context, jobID, userID string, amountCents int64) (*domain.Charge, error) {
	s.jobID, s.userID, s.cents = jobID, userID, amountCents
	if s.err != nil {
		return nil, s.err
	}
	return s.charge, nil
}
func (s *stubWorkflow) Get(context.Context, string) (*services.IncidentView, error) {
	return &services.IncidentView{}, s.err
}
func (s *stubWorkflow) ActiveForVehicle(context.Context, string) (*services.IncidentView, error) {
	return &services.IncidentView{}, s.err
}
func (s *stubWorkflow) History(context.Context, string) ([]domain.IncidentTransition, error) {
	return nil, s.err
}
func (s *stubWorkflow) List(context.Context, string, int, int) ([]domain.Incident, int64, error) {
	return nil, 0, s.err
}
func (s *stubWorkflow) Cancel(_ context.Context, id, reason string) (*domain.Incident, error) {
	s.reason = reason
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Incident{ID: id, State: domain.IncidentCancelled}, nil
}
func (s *stubWorkflow) RetryDiagnosis(context.Context, string) (*domain.Incident, error) {
	return &domain.Incident{}, s.err
}
func (s *stubWorkflow) RetryBilling(context.Context, string) (*domain.Charge, error) {
	return &domain.Charge{}, s.err
}
func (s *stubWorkflow) RetryParts(context.Context, string) (*domain.PartsOrder, error) {
	return &domain.PartsOrder{}, s.err
}

type stubAdmin struct {
	count  int64
	latest *time.Time
	events []domain.DiagnosticEvent
	lists  int
}

func (s *stubAdmin) VehiclesStats(context.Context) (int64, *time.Time, error) {
	return s.count, s.latest, nil
}
func (s *stubAdmin) EventsStats(context.Context, repo.EventFilter) (int64, *time.Time, error) {
	return s.count, s.latest, nil
}
func (s *stubAdmin) ListEvents(context.Context, repo.EventFilter, int, int) ([]domain.DiagnosticEvent, error) {
	s.lists++
	return s.events, nil
}

func newRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/dongle/diagnostic", h.PostDiagnostic)
	r.POST("/appointments/:apptId/confirm", h.ConfirmAppointment)
	r.POST("/payments/charge", h.ChargePayment)
	r.GET("/mechanic/jobs", h.ListJobs)
	r.POST("/incidents/:id/cancel", h.CancelIncident)
	r.GET("/admin/events", h.ListEvents)
	r.GET("/admin/events/export", h.ExportEvents)
	return r
}

func doJSON(r http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ---------- tests ----------

func TestPostDiagnostic(t *testing.T) {
	intake := &stubIntake{res: &services.IntakeResult{Accepted: true, IncidentID: "inc-1"}}
	r := newRouter(New(Deps{Intake: intake}))

	w := doJSON(r, http.MethodPost, "/dongle/diagnostic", map[string]any{"vehicleId": "v1"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing codes: status=%d", w.Code)
	}

	w = doJSON(r, http.MethodPost, "/dongle/diagnostic",
		map[string]any{"vehicleId": "v1", "codes": []string{"P0128"}},
		map[string]string{HeaderDongleID: "dongle-7"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if intake.got.DongleID != "dongle-7" || intake.got.VehicleID != "v1" {
		t.Fatalf("input not forwarded: %+v", intake.got)
	}
	var res services.IntakeResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil || !res.Accepted || res.IncidentID != "inc-1" {
		t.Fatalf("body=%s err=%v", w.Body.String(), err)
	}

	intake.err = services.ErrVehicleNotFound
	w = doJSON(r, http.MethodPost, "/dongle/diagnostic",
		map[string]any{"vehicleId": "nope", "codes": []string{"P0128"}}, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown vehicle: status=%d", w.Code)
	}
}

func TestConfirmAppointment(t *testing.T) {
	start := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	wf := &stubWorkflow{appt: &domain.Appointment{ID: "a1", MechanicID: "m1", Start: start, End: start.Add(90 * time.Minute)}}
	r := newRouter(New(Deps{Workflow: wf}))

	w := doJSON(r, http.MethodPost, "/appointments/tok/confirm", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var got ConfirmResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "a1" || got.MechanicID != "m1" || !got.Start.Equal(start) {
		t.Fatalf("unexpected body: %+v", got)
	}

	wf.err = services.ErrSlotConflict
	w = doJSON(r, http.MethodPost, "/appointments/tok/confirm", nil, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status=%d", w.Code)
	}
	var er ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &er)
	if er.Code != ErrCodeSlotConflict {
		t.Fatalf("code=%q", er.Code)
	}
}

func TestChargePayment_ConvertsAmount(t *testing.T) {
	wf := &stubWorkflow{charge: &domain.Charge{ID: "c1", Status: domain.ChargeSucceeded, TransactionID: "tx-1", AmountCents: 22000}}
	r := newRouter(New(Deps{Workflow: wf}))

	w := doJSON(r, http.MethodPost, "/payments/charge",
		map[string]any{"userId": "u1", "jobId": "j1", "amount": 220.00}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if wf.cents != 22000 || wf.jobID != "j1" || wf.userID != "u1" {
		t.Fatalf("forwarded %+v", wf)
	}
	var got ChargeResponse
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if got.Status != domain.ChargeSucceeded || got.TransactionID != "tx-1" {
		t.Fatalf("body=%+v", got)
	}

	// amountCents wins; user falls back to the header.
	w = doJSON(r, http.MethodPost, "/payments/charge",
		map[string]any{"jobId": "j1", "amount": 1.0, "amountCents": 12345},
		map[string]string{"X-User-ID": "hdr-user"})
	if w.Code != http.StatusOK || wf.cents != 12345 || wf.userID != "hdr-user" {
		t.Fatalf("status=%d forwarded=%+v", w.Code, wf)
	}

	wf.err = services.ErrJobNotFound
	w = doJSON(r, http.MethodPost, "/payments/charge", map[string]any{"jobId": "gone", "amount": 1.0}, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown job: status=%d", w.Code)
	}
}

func TestListJobs_MechanicFromHeader(t *testing.T) {
	jobs := &stubJobs{}
	r := newRouter(New(Deps{Jobs: jobs}))

	w := doJSON(r, http.MethodGet, "/mechanic/jobs?status=scheduled", nil, map[string]string{HeaderMechanicID: "m9"})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if jobs.mechanicID != "m9" || jobs.status != "scheduled" {
		t.Fatalf("forwarded %+v", jobs)
	}
	if body := w.Body.String(); body != `{"jobs":[]}` {
		t.Fatalf("body=%s", body)
	}
}

func TestCancelIncident_EmptyBody(t *testing.T) {
	wf := &stubWorkflow{}
	r := newRouter(New(Deps{Workflow: wf}))

	req := httptest.NewRequest(http.MethodPost, "/incidents/i1/cancel", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	w = doJSON(r, http.MethodPost, "/incidents/i1/cancel", map[string]string{"reason": "  customer declined  "}, nil)
	if w.Code != http.StatusOK || wf.reason != "customer declined" {
		t.Fatalf("status=%d reason=%q", w.Code, wf.reason)
	}

	wf.err = services.ErrInvalidTransition
	w = doJSON(r, http.MethodPost, "/incidents/i1/cancel", nil, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestListEvents_ETag(t *testing.T) {
	latest := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	admin := &stubAdmin{count: 1, latest: &latest, events: []domain.DiagnosticEvent{{ID: "e1", VehicleID: "v1"}}}
	r := newRouter(New(Deps{Admin: admin}))

	w := doJSON(r, http.MethodGet, "/admin/events?vehicleId=v1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	etag := w.Header().Get("ETag")
	if etag == "" || etag[:2] != "W/" {
		t.Fatalf("weak etag missing: %q", etag)
	}
	var page ListEventsResponse
	_ = json.Unmarshal(w.Body.Bytes(), &page)
	if len(page.Events) != 1 || page.Pagination.Total != 1 {
		t.Fatalf("page=%+v", page)
	}

	w = doJSON(r, http.MethodGet, "/admin/events?vehicleId=v1", nil, map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusNotModified {
		t.Fatalf("status=%d", w.Code)
	}
	if admin.lists != 1 {
		t.Fatalf("304 must not list, lists=%d", admin.lists)
	}

	// Different filter, different tag.
	w = doJSON(r, http.MethodGet, "/admin/events?vehicleId=v2", nil, map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestExportEvents(t *testing.T) {
	admin := &stubAdmin{events: []domain.DiagnosticEvent{
		{ID: "e1", DongleID: "d1", VehicleID: "v1", IncidentID: "i1", Timestamp: time.Now().UTC(), Codes: []string{"P0128"}},
	}}
	r := newRouter(New(Deps{Admin: admin}))

	w := doJSON(r, http.MethodGet, "/admin/events/export", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != xlsxContentType {
		t.Fatalf("content-type=%q", ct)
	}
	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(export.EventsSheet)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows=%d", len(rows))
	}
}
