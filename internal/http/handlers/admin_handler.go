// Admin HTTP handlers.
//
//   - GET  /admin/vehicles                       (paginated, ETag)
//   - GET  /admin/events                         (paginated, ETag, filter by vehicle/incident)
//   - GET  /admin/events/export                  (XLSX download)
//   - GET  /admin/incidents                      (paginated, filter by state)
//   - POST /admin/mechanics                      (register mechanic)
//   - POST /admin/mechanics/{id}/availability    (open a calendar window)
package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/autofix-backend/internal/domain"
	"github.com/tbourn/autofix-backend/internal/export"
	"github.com/tbourn/autofix-backend/internal/repo"
	"github.com/tbourn/autofix-backend/internal/services"
	"github.com/tbourn/autofix-backend/internal/utils"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// maxExportRows caps a single spreadsheet export.
const maxExportRows = 50000

// ListVehiclesResponse wraps a page of vehicles.
type ListVehiclesResponse struct {
	Vehicles   []domain.Vehicle `json:"vehicles"`
	Pagination Pagination       `json:"pagination"`
}

// ListEventsResponse wraps a page of diagnostic events.
type ListEventsResponse struct {
	Events     []domain.DiagnosticEvent `json:"events"`
	Pagination Pagination               `json:"pagination"`
}

// ListIncidentsResponse wraps a page of incidents.
type ListIncidentsResponse struct {
	Incidents  []domain.Incident `json:"incidents"`
	Pagination Pagination        `json:"pagination"`
}

// CreateMechanicRequest registers a mechanic.
type CreateMechanicRequest struct {
	Name      string  `json:"name"      binding:"required,max=128" example:"Alex Garage"`
	Latitude  float64 `json:"latitude"  example:"51.5"`
	Longitude float64 `json:"longitude" example:"-0.12"`
	Location  string  `json:"location"  example:"12 High St, London"`
}

// AvailabilityRequest opens [start, end) on a mechanic's calendar.
type AvailabilityRequest struct {
	Start time.Time `json:"start" binding:"required" example:"2025-03-03T08:00:00Z"`
	End   time.Time `json:"end"   binding:"required" example:"2025-03-03T17:00:00Z"`
}

// notModified sets a weak ETag and reports whether the client copy is fresh.
func notModified(c *gin.Context, etag string) bool {
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix()
}

// ListVehicles godoc
// @ID          adminListVehicles
// @Summary     List vehicles (paginated)
// @Description Supports weak ETag via If-None-Match and may return 304.
// @Tags        Admin
// @Produce     json
//
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListVehiclesResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Router      /admin/vehicles [get]
func (h *Handlers) ListVehicles(c *gin.Context) {
	ctx := c.Request.Context()
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort).
	if h.admin != nil {
		if count, maxTS, err := h.admin.VehiclesStats(ctx); err == nil {
			etag := fmt.Sprintf(`W/"vehicles:%d:%d:%d:%d"`, count, unixOrZero(maxTS), page, pageSize)
			if notModified(c, etag) {
				return
			}
		}
	}

	items, total, err := h.vehicles.ListPage(ctx, page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	if items == nil {
		items = []domain.Vehicle{}
	}
	ok(c, http.StatusOK, ListVehiclesResponse{Vehicles: items, Pagination: paginate(page, pageSize, total)})
}

func eventFilter(c *gin.Context) repo.EventFilter {
	return repo.EventFilter{VehicleID: c.Query("vehicleId"), IncidentID: c.Query("incidentId")}
}

// ListEvents godoc
// @ID          adminListEvents
// @Summary     List diagnostic events (paginated)
// @Description Newest first. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Admin
// @Produce     json
//
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       vehicleId      query   string  false "Filter by vehicle"
// @Param       incidentId     query   string  false "Filter by incident"
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListEventsResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/events [get]
func (h *Handlers) ListEvents(c *gin.Context) {
	ctx := c.Request.Context()
	page, pageSize := clampPagination(c)
	f := eventFilter(c)

	count, maxTS, err := h.admin.EventsStats(ctx, f)
	if err != nil {
		failErr(c, err)
		return
	}
	etag := fmt.Sprintf(`W/"events:%s:%s:%d:%d:%d:%d"`, f.VehicleID, f.IncidentID, count, unixOrZero(maxTS), page, pageSize)
	if notModified(c, etag) {
		return
	}

	items, err := h.admin.ListEvents(ctx, f, utils.Offset(page, pageSize), pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	if items == nil {
		items = []domain.DiagnosticEvent{}
	}
	ok(c, http.StatusOK, ListEventsResponse{Events: items, Pagination: paginate(page, pageSize, count)})
}

// ExportEvents godoc
// @ID          adminExportEvents
// @Summary     Export diagnostic events as XLSX
// @Tags        Admin
// @Produce     application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param       vehicleId   query  string  false "Filter by vehicle"
// @Param       incidentId  query  string  false "Filter by incident"
// @Success     200  {file}    file
// @Failure     500  {object}  handlers.ErrorResponse "Export failed"
// @Router      /admin/events/export [get]
func (h *Handlers) ExportEvents(c *gin.Context) {
	items, err := h.admin.ListEvents(c.Request.Context(), eventFilter(c), 0, maxExportRows)
	if err != nil {
		failErr(c, err)
		return
	}
	data, err := export.EventsXLSX(items)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeExportFailed, err.Error())
		return
	}
	name := fmt.Sprintf("diagnostic-events-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Data(http.StatusOK, xlsxContentType, data)
}

// ListIncidents godoc
// @ID          adminListIncidents
// @Summary     List incidents (paginated)
// @Tags        Admin
// @Produce     json
// @Param       state      query  string  false "Incident state"  Enums(open, diagnosing, diagnosis_failed, awaiting_parts_schedule, scheduled, in_repair, billing_failed, completed, cancelled)
// @Param       page       query  int     false "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object} handlers.ListIncidentsResponse
// @Failure     400  {object} handlers.ErrorResponse "Invalid state"
// @Router      /admin/incidents [get]
func (h *Handlers) ListIncidents(c *gin.Context) {
	page, pageSize := clampPagination(c)
	items, total, err := h.workflow.List(c.Request.Context(), c.Query("state"), page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	if items == nil {
		items = []domain.Incident{}
	}
	ok(c, http.StatusOK, ListIncidentsResponse{Incidents: items, Pagination: paginate(page, pageSize, total)})
}

// CreateMechanic godoc
// @ID          adminCreateMechanic
// @Summary     Register a mechanic
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.CreateMechanicRequest  true  "Mechanic"
// @Success     201  {object}  domain.Mechanic
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Router      /admin/mechanics [post]
func (h *Handlers) CreateMechanic(c *gin.Context) {
	var req CreateMechanicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "name is required")
		return
	}
	m, err := h.scheduling.RegisterMechanic(c.Request.Context(), services.MechanicInput{
		Name:      req.Name,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Location:  req.Location,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, m)
}

// AddAvailability godoc
// @ID          adminAddAvailability
// @Summary     Open a mechanic availability window
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Param       id    path  string  true  "Mechanic ID"  format(uuid)
// @Param       body  body  handlers.AvailabilityRequest  true  "Window"
// @Success     201  {object}  domain.AvailabilityWindow
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse "Mechanic not found"
// @Router      /admin/mechanics/{id}/availability [post]
func (h *Handlers) AddAvailability(c *gin.Context) {
	var req AvailabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "start and end are required (RFC 3339)")
		return
	}
	w, err := h.scheduling.AddAvailability(c.Request.Context(), c.Param("id"), req.Start.UTC(), req.End.UTC())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, w)
}
