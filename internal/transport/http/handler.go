package httptransport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"scan-orchestrator/internal/entity"
	"scan-orchestrator/internal/service"
)

type Handler struct {
	jobSvc *service.JobService
}

func NewHandler(jobSvc *service.JobService) *Handler {
	return &Handler{jobSvc: jobSvc}
}

type submitJobDTO struct {
	// ID is the idempotency key; minted when empty.
	ID        string `json:"id,omitempty"`
	Directory string `json:"directory"`
}

type submitJobResp struct {
	ID string `json:"id"`
}

type jobResp struct {
	ID         string          `json:"id"`
	State      entity.JobState `json:"state"`
	Directory  string          `json:"directory"`
	Attempts   int             `json:"attempts"`
	Stalls     int             `json:"stalls"`
	CreatedAt  string          `json:"createdAt"`
	FinishedOn *string         `json:"finishedOn,omitempty"`
	Result     json.RawMessage `json:"result,omitempty" swaggertype:"object"`
	Error      string          `json:"error,omitempty"`
}

func toJobResp(j *entity.Job, withResult bool) jobResp {
	resp := jobResp{
		ID:        j.ID,
		State:     j.State,
		Directory: j.Payload.Directory,
		Attempts:  j.Attempts,
		Stalls:    j.Stalls,
		CreatedAt: j.CreatedAt.Format(time.RFC3339),
		Error:     j.Error,
	}
	if j.FinishedOn != nil {
		s := j.FinishedOn.Format(time.RFC3339)
		resp.FinishedOn = &s
	}
	if withResult && j.State == entity.StateCompleted && len(j.Result) > 0 {
		resp.Result = j.Result
	}
	return resp
}

// SubmitJob godoc
// @Summary Submit a scan job
// @Description Enqueues a scan of the directory. The id is an idempotency key: resubmitting an id that is still in flight returns it again without starting a second scan.
// @Tags jobs
// @Accept json
// @Produce json
// @Param request body submitJobDTO true "job payload"
// @Success 202 {object} submitJobResp
// @Failure 400 {object} apiError
// @Failure 500 {object} apiError
// @Router /jobs [post]
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var dto submitJobDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	res, err := h.jobSvc.SubmitJob(r.Context(), service.SubmitJobRequest{ID: dto.ID, Directory: dto.Directory})
	if err != nil {
		writeServiceErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitJobResp{ID: res.Job.ID})
}

// GetJob godoc
// @Summary Get job by id
// @Tags jobs
// @Produce json
// @Param id path string true "job id"
// @Success 200 {object} jobResp
// @Failure 404 {object} apiError
// @Failure 500 {object} apiError
// @Router /job/{id} [get]
// @Router /jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobSvc.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResp(j, true))
}

// ListJobs godoc
// @Summary List jobs
// @Description Oldest first. Results are omitted; fetch a single job to get them.
// @Tags jobs
// @Produce json
// @Param state query string false "filter by state" Enums(waiting, active, stalled, resumed, completed, failed)
// @Param limit query int false "maximum number of jobs, all when omitted"
// @Success 200 {array} jobResp
// @Failure 400 {object} apiError
// @Failure 500 {object} apiError
// @Router /jobs [get]
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var filter entity.ListFilter
	q := r.URL.Query()
	if s := q.Get("state"); s != "" {
		st := entity.JobState(s)
		filter.State = &st
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	jobs, err := h.jobSvc.ListJobs(r.Context(), filter)
	if err != nil {
		writeServiceErr(w, r, err)
		return
	}
	resp := make([]jobResp, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, toJobResp(j, false))
	}
	writeJSON(w, http.StatusOK, resp)
}
