package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-clinical/clinscore/internal/catalog"
	"github.com/opensource-clinical/clinscore/internal/domain"
	"github.com/opensource-clinical/clinscore/internal/evaluation"
	"github.com/opensource-clinical/clinscore/internal/repository"
	"github.com/opensource-clinical/clinscore/internal/rules"
	"github.com/opensource-clinical/clinscore/internal/usage"
)

// maxDocumentBytes bounds request bodies.
const maxDocumentBytes = 1 << 20

// Dependencies are the collaborators the API serves.
// Repository, Cache, Bus, Loader and Usage may be nil.
type Dependencies struct {
	Repository  domain.Repository
	Cache       domain.Cache
	Bus         domain.EventBus
	Catalog     *catalog.Catalog
	Loader      *catalog.Loader
	Evaluations *evaluation.Service
	Usage       *usage.Service
	Version     string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	catalog *catalog.Catalog
	loader  *catalog.Loader
	evals   *evaluation.Service
	usage   *usage.Service
	version string
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		repo:    deps.Repository,
		cache:   deps.Cache,
		bus:     deps.Bus,
		catalog: deps.Catalog,
		loader:  deps.Loader,
		evals:   deps.Evaluations,
		usage:   deps.Usage,
		version: deps.Version,
	}
}

// DefinitionSummary is the list view of a scoring definition.
type DefinitionSummary struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId,omitempty"`
	Title       string `json:"title"`
	Version     string `json:"version,omitempty"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
	Fields      int    `json:"fields"`
	Rules       int    `json:"rules"`
	Custom      bool   `json:"custom"`
}

func summarize(cd *rules.CompiledDefinition) DefinitionSummary {
	def := cd.Definition()
	return DefinitionSummary{
		ID:          def.ID,
		TenantID:    def.TenantID,
		Title:       def.Title,
		Version:     def.Version,
		Category:    def.Category,
		Description: def.Description,
		Fields:      len(def.Fields),
		Rules:       len(def.Rules),
		Custom:      def.TenantID != "",
	}
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready handles GET /ready. The service is ready once the catalog holds
// at least one definition.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	count := h.catalog.Count()
	if count == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready":       false,
			"definitions": 0,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":       true,
		"definitions": count,
	})
}

// ListDefinitions handles GET /definitions.
func (h *Handler) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	visible := h.catalog.ListFor(tenantID)
	summaries := make([]DefinitionSummary, len(visible))
	for i, cd := range visible {
		summaries[i] = summarize(cd)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"definitions": summaries,
		"count":       len(summaries),
		"rejected":    len(h.catalog.Rejected()),
	})
}

// GetDefinition handles GET /definitions/{id}.
func (h *Handler) GetDefinition(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())
	id := chi.URLParam(r, "id")

	cd, ok := h.catalog.Resolve(tenantID, id)
	if !ok {
		writeError(w, http.StatusNotFound, "definition not found")
		return
	}

	writeJSON(w, http.StatusOK, cd.Definition())
}

// CreateDefinition handles POST /definitions. The body is a YAML or JSON
// definition document. The definition is compiled, stored under the
// caller's tenant and becomes active immediately.
func (h *Handler) CreateDefinition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.loader == nil {
		writeError(w, http.StatusServiceUnavailable, "definition loader not available")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	def, err := h.loader.Parser().Parse("request", body)
	if err != nil {
		writeConfigError(w, err)
		return
	}
	def.TenantID = tenantID
	if tenantID == domain.GlobalTenantID {
		def.TenantID = ""
		if h.loader.IsBundled(def.ID) {
			writeError(w, http.StatusConflict, "definition "+def.ID+" is bundled and cannot be replaced")
			return
		}
	}

	cd, replaced, err := h.catalog.Add(def)
	if err != nil {
		writeConfigError(w, err)
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveDefinition(ctx, tenantID, def); err != nil {
			h.catalog.Restore(tenantID, def.ID, replaced)
			slog.Error("failed to save definition", "definition_id", def.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save definition")
			return
		}
	}

	slog.Info("definition created",
		"definition_id", def.ID,
		"tenant_id", tenantID,
	)
	writeJSON(w, http.StatusCreated, summarize(cd))
}

// DeleteDefinition handles DELETE /definitions/{id}. Only the caller's
// own definitions can be deleted.
func (h *Handler) DeleteDefinition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	if h.repo != nil {
		if err := h.repo.DeleteDefinition(ctx, tenantID, id); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				writeError(w, http.StatusNotFound, "definition not found")
				return
			}
			slog.Error("failed to delete definition", "definition_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to delete definition")
			return
		}
		h.catalog.Remove(tenantID, id)
	} else if !h.catalog.Remove(tenantID, id) {
		writeError(w, http.StatusNotFound, "definition not found")
		return
	}

	slog.Info("definition deleted", "definition_id", id, "tenant_id", tenantID)
	w.WriteHeader(http.StatusNoContent)
}

// ReloadDefinitions handles POST /definitions/reload.
func (h *Handler) ReloadDefinitions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.loader == nil {
		writeError(w, http.StatusServiceUnavailable, "definition loader not available")
		return
	}

	event, err := h.loader.Reload(ctx, h.catalog)
	if err != nil {
		slog.Error("failed to reload definitions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload definitions: "+err.Error())
		return
	}

	if err := catalog.PublishReload(ctx, h.bus, event); err != nil {
		slog.Warn("failed to publish catalog reload", "error", err)
	}

	slog.Info("definitions reloaded",
		"definitions", event.Loaded,
		"rejected", len(event.Rejected),
	)
	writeJSON(w, http.StatusOK, event)
}

// EvaluateRequest is the request body for POST /definitions/{id}/evaluate.
type EvaluateRequest struct {
	Inputs map[string]any `json:"inputs"`
}

// Evaluate handles POST /definitions/{id}/evaluate.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req EvaluateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxDocumentBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	eval, err := h.evals.Evaluate(ctx, &evaluation.Request{
		TenantID:     GetTenantID(ctx),
		DefinitionID: chi.URLParam(r, "id"),
		TraceID:      GetTraceID(ctx),
		Inputs:       req.Inputs,
		StartTime:    start,
	})
	if err != nil {
		writeEvaluationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, eval.ToResponse())
}

// LastEvaluation handles GET /definitions/{id}/last.
func (h *Handler) LastEvaluation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	eval, err := h.evals.Last(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, evaluation.ErrNoResult) {
			writeError(w, http.StatusNotFound, "no recent evaluation")
			return
		}
		slog.Error("failed to read last evaluation", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read last evaluation")
		return
	}

	writeJSON(w, http.StatusOK, eval)
}

// GetEvaluation handles GET /evaluations/{id}.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	evalID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	eval, err := h.repo.GetEvaluation(ctx, tenantID, evalID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "evaluation not found")
			return
		}
		slog.Error("failed to get evaluation", "id", evalID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get evaluation")
		return
	}

	writeJSON(w, http.StatusOK, eval)
}

// NoteRequest is the request body for POST /definitions/{id}/notes.
type NoteRequest struct {
	Body string `json:"body"`
}

// ListNotes handles GET /definitions/{id}/notes.
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	notes, err := h.repo.ListNotes(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		slog.Error("failed to list notes", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list notes")
		return
	}
	if notes == nil {
		notes = []*domain.Note{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"notes": notes,
		"count": len(notes),
	})
}

// CreateNote handles POST /definitions/{id}/notes.
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	var req NoteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxDocumentBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		writeError(w, http.StatusBadRequest, "body is required")
		return
	}
	if _, ok := h.catalog.Resolve(tenantID, id); !ok {
		writeError(w, http.StatusNotFound, "definition not found")
		return
	}

	note := &domain.Note{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		DefinitionID: id,
		Body:         req.Body,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.repo.SaveNote(ctx, tenantID, note); err != nil {
		slog.Error("failed to save note", "definition_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save note")
		return
	}

	writeJSON(w, http.StatusCreated, note)
}

// RecentUsage handles GET /usage/recent?limit=N.
func (h *Handler) RecentUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.usage == nil {
		writeError(w, http.StatusServiceUnavailable, "usage tracking not available")
		return
	}

	limit := usage.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	recent, err := h.usage.Recent(ctx, GetTenantID(ctx), limit)
	if err != nil {
		slog.Error("failed to read recent usage", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read recent usage")
		return
	}
	if recent == nil {
		recent = []*domain.Usage{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"usage": recent,
		"count": len(recent),
	})
}

// writeEvaluationError maps evaluation errors to status codes.
func writeEvaluationError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":        domain.ErrValidationFailed.Error(),
			"definitionId": verr.DefinitionID,
			"fields":       verr.Errors,
		})
	case errors.Is(err, domain.ErrUnknownDefinition):
		writeError(w, http.StatusNotFound, "definition not found")
	case errors.Is(err, evaluation.ErrTenantRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("evaluation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "evaluation failed")
	}
}

// writeConfigError reports a rejected definition document.
func writeConfigError(w http.ResponseWriter, err error) {
	var cerr *domain.ConfigError
	if errors.As(err, &cerr) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":        domain.ErrConfiguration.Error(),
			"definitionId": cerr.DefinitionID,
			"problems":     cerr.Problems,
		})
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
