// Package http exposes the consolidation run lifecycle as a JSON API.
package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/consol"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Identity headers injected by the edge proxy.
const (
	headerOrgID   = "X-Org-ID"
	headerActorID = "X-Actor-ID"
)

// Handler wires HTTP endpoints for consolidation runs.
type Handler struct {
	logger    *slog.Logger
	service   *consol.Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *consol.Service) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
	}
}

// MountRoutes registers consolidation routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/api/consolidation", func(r chi.Router) {
		r.Post("/runs", h.initiateRun)
		r.Get("/runs/{runID}", h.getRun)
		r.Post("/runs/{runID}/cancel", h.cancelRun)
		r.Get("/groups/{groupID}/runs", h.listRuns)
	})
}

type runOptionsPayload struct {
	SkipValidation                 bool `json:"skip_validation"`
	ContinueOnWarnings             bool `json:"continue_on_warnings"`
	IncludeEquityMethodInvestments bool `json:"include_equity_method_investments"`
	ForceRegeneration              bool `json:"force_regeneration"`
}

type initiateRunRequest struct {
	GroupID    int64             `json:"group_id" validate:"required,gt=0"`
	FiscalYear int               `json:"fiscal_year" validate:"required,gte=1900,lte=9999"`
	Period     int               `json:"period" validate:"required,gte=1,lte=13"`
	AsOfDate   string            `json:"as_of_date" validate:"required,datetime=2006-01-02"`
	Options    runOptionsPayload `json:"options"`
}

type runAcceptedResponse struct {
	RunID    string `json:"run_id"`
	Status   string `json:"status"`
	Location string `json:"location"`
}

func (h *Handler) initiateRun(w http.ResponseWriter, r *http.Request) {
	orgID, actorID, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req initiateRunRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	asOf, err := time.Parse("2006-01-02", req.AsOfDate)
	if err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", "as_of_date must be YYYY-MM-DD")
		return
	}

	runID, err := h.service.InitiateRun(r.Context(), consol.InitiateInput{
		OrgID:    orgID,
		GroupID:  req.GroupID,
		Period:   consol.PeriodRef{FiscalYear: req.FiscalYear, Period: req.Period},
		AsOfDate: asOf,
		Options: consol.Options{
			SkipValidation:                 req.Options.SkipValidation,
			ContinueOnWarnings:             req.Options.ContinueOnWarnings,
			IncludeEquityMethodInvestments: req.Options.IncludeEquityMethodInvestments,
			ForceRegeneration:              req.Options.ForceRegeneration,
		},
		InitiatedBy: actorID,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}

	location := "/api/consolidation/runs/" + runID.String()
	w.Header().Set("Location", location)
	httpx.JSON(w, http.StatusAccepted, runAcceptedResponse{
		RunID:    runID.String(),
		Status:   consol.StatusPending.String(),
		Location: location,
	})
}

type runResponse struct {
	RunID           string           `json:"run_id"`
	GroupID         int64            `json:"group_id"`
	FiscalYear      int              `json:"fiscal_year"`
	Period          int              `json:"period"`
	AsOfDate        string           `json:"as_of_date"`
	Status          string           `json:"status"`
	InitiatedBy     int64            `json:"initiated_by"`
	InitiatedAt     time.Time        `json:"initiated_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	TotalDurationMs int64            `json:"total_duration_ms,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	CancelRequested bool             `json:"cancel_requested,omitempty"`
	SupersededBy    string           `json:"superseded_by,omitempty"`
	Options         consol.Options   `json:"options"`
	Result          *consol.Result   `json:"result,omitempty"`
	Warnings        []consol.Warning `json:"warnings,omitempty"`
}

func toRunResponse(run consol.Run) runResponse {
	resp := runResponse{
		RunID:           run.ID.String(),
		GroupID:         run.GroupID,
		FiscalYear:      run.Period.FiscalYear,
		Period:          run.Period.Period,
		AsOfDate:        run.AsOfDate.Format("2006-01-02"),
		Status:          run.Status.String(),
		InitiatedBy:     run.InitiatedBy,
		InitiatedAt:     run.InitiatedAt,
		StartedAt:       run.StartedAt,
		CompletedAt:     run.CompletedAt,
		TotalDurationMs: run.TotalDurationMs,
		ErrorMessage:    run.ErrorMessage,
		CancelRequested: run.CancelRequested,
		Options:         run.Options,
		Result:          run.Result,
	}
	if run.SupersededBy != nil {
		resp.SupersededBy = run.SupersededBy.String()
	}
	if run.Result != nil {
		resp.Warnings = run.Result.Warnings
	}
	return resp
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Run ID", "run id must be a UUID")
		return
	}
	run, err := h.service.GetRun(r.Context(), runID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRunResponse(run))
}

func (h *Handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Run ID", "run id must be a UUID")
		return
	}
	if err := h.service.CancelRun(r.Context(), runID); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID.String(),
		"status": "cancel_requested",
	})
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	groupID, err := strconv.ParseInt(chi.URLParam(r, "groupID"), 10, 64)
	if err != nil || groupID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Group ID", "group id must be a positive integer")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Limit", "limit must be an integer")
			return
		}
	}
	runs, err := h.service.ListRuns(r.Context(), groupID, limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	items := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		items = append(items, toRunResponse(run))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"runs": items})
}

// identity reads the tenant and actor injected by the edge proxy.
func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (orgID, actorID int64, ok bool) {
	orgID, err := strconv.ParseInt(r.Header.Get(headerOrgID), 10, 64)
	if err != nil || orgID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Missing Identity", "X-Org-ID header required")
		return 0, 0, false
	}
	actorID, err = strconv.ParseInt(r.Header.Get(headerActorID), 10, 64)
	if err != nil || actorID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Missing Identity", "X-Actor-ID header required")
		return 0, 0, false
	}
	return orgID, actorID, true
}

// respondError maps engine error kinds onto transport statuses: conflicts to
// 409, validation to 422, configuration to 404 or 400, everything else 500.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch consol.KindOf(err) {
	case consol.KindConflict:
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case consol.KindValidation:
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	case consol.KindConfiguration:
		if errors.Is(err, consol.ErrRunNotFound) || errors.Is(err, consol.ErrGroupNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
			return
		}
		httpx.Problem(w, http.StatusBadRequest, "Invalid Configuration", err.Error())
	default:
		h.logger.Error("consolidation request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
