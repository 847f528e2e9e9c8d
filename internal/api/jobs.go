package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/subcheck/internal/database"
	"github.com/snarg/subcheck/internal/pipeline"
	"github.com/snarg/subcheck/internal/report"
	"github.com/snarg/subcheck/internal/transcribe"
)

// JobService is the pipeline surface the API drives.
type JobService interface {
	Submit(req pipeline.Request) (string, error)
	Status(id string) (pipeline.Snapshot, error)
	List() []pipeline.Snapshot
	Cancel(id string) error
	Stats() pipeline.Stats
	Defaults() (model, language string)
}

// Artifacts serves saved report files.
type Artifacts interface {
	Open(ctx context.Context, jobID, ext string) (io.ReadCloser, string, error)
}

// History is the persisted report listing.
type History interface {
	ListReports(ctx context.Context, f database.ListFilter) ([]database.ReportRow, int, error)
	GetReport(ctx context.Context, jobID string) (*report.Report, error)
}

type JobsHandler struct {
	jobs      JobService
	artifacts Artifacts
	history   History // nil without DATABASE_URL
}

func NewJobsHandler(jobs JobService, artifacts Artifacts, history History) *JobsHandler {
	return &JobsHandler{jobs: jobs, artifacts: artifacts, history: history}
}

type submitResponse struct {
	JobID     string `json:"job_id"`
	StatusURL string `json:"status_url"`
}

// SubmitJob accepts a job and returns its id. The job runs asynchronously.
func (h *JobsHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	id, err := h.jobs.Submit(req)
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrInvalidSource):
		WriteErrorDetail(w, http.StatusBadRequest, "invalid source", err.Error())
		return
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrShuttingDown):
		w.Header().Set("Retry-After", "30")
		WriteErrorDetail(w, http.StatusServiceUnavailable, "job queue unavailable", err.Error())
		return
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("submit failed")
		WriteError(w, http.StatusInternalServerError, "submit failed")
		return
	}

	w.Header().Set("Location", "/api/v1/jobs/"+id)
	WriteJSON(w, http.StatusAccepted, submitResponse{JobID: id, StatusURL: "/api/v1/jobs/" + id})
}

type listResponse struct {
	Live    []pipeline.Snapshot  `json:"live"`
	History []database.ReportRow `json:"history,omitempty"`
	Total   int                  `json:"total"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
}

// ListJobs returns the jobs still held in memory and a page of persisted
// reports, both most recent first.
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid pagination", err.Error())
		return
	}
	model, _ := QueryString(r, "model")

	live := h.jobs.List()
	if model != "" {
		filtered := live[:0]
		for _, s := range live {
			if s.Model == model {
				filtered = append(filtered, s)
			}
		}
		live = filtered
	}
	for i := range live {
		live[i].Chunks = nil // per-chunk detail is on the job endpoint
	}

	resp := listResponse{Live: live, Limit: p.Limit, Offset: p.Offset}
	if h.history != nil {
		rows, total, err := h.history.ListReports(r.Context(), database.ListFilter{Model: model, Limit: p.Limit, Offset: p.Offset})
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("list reports failed")
			WriteError(w, http.StatusInternalServerError, "failed to list reports")
			return
		}
		resp.History = rows
		resp.Total = total
	}
	WriteJSON(w, http.StatusOK, resp)
}

// GetJob returns the latest snapshot of a job.
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	s, err := h.jobs.Status(chi.URLParam(r, "id"))
	if errors.Is(err, pipeline.ErrJobNotFound) {
		WriteErrorDetail(w, http.StatusNotFound, "job not found", "finished jobs remain available under /report")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, s)
}

// CancelJob fails a live job. Chunks already running finish; nothing new
// starts.
func (h *JobsHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	switch err := h.jobs.Cancel(id); {
	case errors.Is(err, pipeline.ErrJobNotFound):
		WriteError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, pipeline.ErrJobFinished):
		WriteError(w, http.StatusConflict, "job already finished")
		return
	case err != nil:
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s, _ := h.jobs.Status(id)
	WriteJSON(w, http.StatusOK, s)
}

// GetReport streams a saved artifact: report.json, transcript.srt or
// report.txt. The bare /report path serves JSON.
func (h *JobsHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	format := chi.URLParam(r, "format")
	if format == "" {
		format = "json"
	}
	format = strings.ToLower(format)

	rc, contentType, err := h.artifacts.Open(r.Context(), id, format)
	if errors.Is(err, report.ErrNotFound) && format == "json" && h.history != nil {
		// the artifact store may have been pruned; the database keeps a copy
		if rep, herr := h.history.GetReport(r.Context(), id); herr == nil {
			WriteJSON(w, http.StatusOK, rep.Rounded())
			return
		}
	}
	switch {
	case errors.Is(err, report.ErrUnknownFormat):
		WriteErrorDetail(w, http.StatusBadRequest, "unknown report format", "use json, srt or txt")
		return
	case errors.Is(err, report.ErrNotFound):
		WriteError(w, http.StatusNotFound, "report not found")
		return
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Str("job_id", id).Msg("open report failed")
		WriteError(w, http.StatusInternalServerError, "failed to open report")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentType)
	if format != "json" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+id+"."+format+`"`)
	}
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
}

type modelsResponse struct {
	Models          []transcribe.ModelInfo `json:"models"`
	DefaultModel    string                 `json:"default_model"`
	DefaultLanguage string                 `json:"default_language"`
}

func (h *JobsHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	model, lang := h.jobs.Defaults()
	WriteJSON(w, http.StatusOK, modelsResponse{
		Models:          transcribe.List(),
		DefaultModel:    model,
		DefaultLanguage: lang,
	})
}

// Routes registers job routes on the given router.
func (h *JobsHandler) Routes(r chi.Router) {
	r.Post("/jobs", h.SubmitJob)
	r.Get("/jobs", h.ListJobs)
	r.Get("/jobs/{id}", h.GetJob)
	r.Delete("/jobs/{id}", h.CancelJob)
	r.Post("/jobs/{id}/cancel", h.CancelJob)
	r.Get("/jobs/{id}/report", h.GetReport)
	r.Get("/jobs/{id}/report.{format}", h.GetReport)
	r.Get("/models", h.ListModels)
}
