// Mechanic job handlers.
//
//   - GET  /mechanic/jobs                  (list, filter by mechanicId/status)
//   - POST /mechanic/job/{jobId}/start
//   - POST /mechanic/job/{jobId}/complete  (completes and bills once)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/autofix-backend/internal/domain"
)

// HeaderMechanicID scopes the job list when no mechanicId query is given.
const HeaderMechanicID = "X-Mechanic-ID"

// ListJobsResponse wraps a mechanic's jobs.
type ListJobsResponse struct {
	Jobs []domain.Job `json:"jobs"`
}

// CompleteJobResponse carries the completed job and its charge.
type CompleteJobResponse struct {
	Job    *domain.Job    `json:"job"`
	Charge *domain.Charge `json:"charge,omitempty"`
}

// ListJobs godoc
// @ID          listJobs
// @Summary     List mechanic jobs
// @Tags        Mechanic
// @Produce     json
// @Param       X-Mechanic-ID  header  string  false "Mechanic ID"
// @Param       mechanicId     query   string  false "Mechanic ID (overrides header)"
// @Param       status         query   string  false "Job status"  Enums(scheduled, in_progress, completed, cancelled)
// @Success     200  {object}  handlers.ListJobsResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid status"
// @Router      /mechanic/jobs [get]
func (h *Handlers) ListJobs(c *gin.Context) {
	mechanicID := c.Query("mechanicId")
	if mechanicID == "" {
		mechanicID = c.GetHeader(HeaderMechanicID)
	}
	jobs, err := h.jobs.List(c.Request.Context(), mechanicID, c.Query("status"))
	if err != nil {
		failErr(c, err)
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	ok(c, http.StatusOK, ListJobsResponse{Jobs: jobs})
}

// StartJob godoc
// @ID          startJob
// @Summary     Start a job
// @Tags        Mechanic
// @Produce     json
// @Param       jobId  path  string  true  "Job ID"  format(uuid)
// @Success     200  {object}  domain.Job
// @Failure     404  {object}  handlers.ErrorResponse  "Job not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Invalid transition"
// @Router      /mechanic/job/{jobId}/start [post]
func (h *Handlers) StartJob(c *gin.Context) {
	job, err := h.workflow.StartJob(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, job)
}

// CompleteJob godoc
// @ID          completeJob
// @Summary     Complete a job
// @Description Completes the job and charges it exactly once. Completing a completed job returns
// @Description the stored job and charge.
// @Tags        Mechanic
// @Produce     json
// @Param       jobId  path  string  true  "Job ID"  format(uuid)
// @Success     200  {object}  handlers.CompleteJobResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Job not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Invalid transition"
// @Failure     503  {object}  handlers.ErrorResponse  "Payment processor unavailable"
// @Router      /mechanic/job/{jobId}/complete [post]
func (h *Handlers) CompleteJob(c *gin.Context) {
	job, charge, err := h.workflow.CompleteJob(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, CompleteJobResponse{Job: job, Charge: charge})
}
