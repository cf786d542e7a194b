// Package api exposes the memory service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/engramlabs/engram/internal/api/respond"
	"github.com/engramlabs/engram/internal/jobs"
	"github.com/engramlabs/engram/internal/memory"
	"github.com/engramlabs/engram/internal/metrics"
	"github.com/engramlabs/engram/internal/model"
	"github.com/engramlabs/engram/internal/rag"
	"github.com/engramlabs/engram/internal/store"
	"github.com/engramlabs/engram/internal/tuner"
)

// HealthPinger is implemented by store drivers that can probe their backend.
type HealthPinger interface {
	HealthPing(ctx context.Context) error
}

// Handler bundles the service surface behind the HTTP routes.
type Handler struct {
	mgr       *memory.Manager
	rag       *rag.Manager
	tuner     *tuner.AutoTuner
	collector *metrics.Collector
	jobs      *jobs.Runner
	store     store.Store
	log       zerolog.Logger
}

// NewHandler wires the handler.
func NewHandler(mgr *memory.Manager, rg *rag.Manager, tn *tuner.AutoTuner,
	col *metrics.Collector, jr *jobs.Runner, st store.Store, log zerolog.Logger) *Handler {
	return &Handler{mgr: mgr, rag: rg, tuner: tn, collector: col, jobs: jr, store: st, log: log}
}

func decode(r *http.Request, dst any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(dst)
}

func (h *Handler) writeOperationError(w http.ResponseWriter, err error) {
	if pkgerrors.Is(err, model.ErrValidation) {
		respond.WriteBadRequest(w, err.Error())
		return
	}
	h.log.Error().Stack().Err(err).Msg("operation failed")
	respond.WriteInternalError(w, "operation failed")
}

type workingSetRequest struct {
	OwnerID string `json:"ownerId"`
	memory.WorkingSetParams
}

// GetWorkingSet assembles the token-budgeted working set for one turn.
func (h *Handler) GetWorkingSet(w http.ResponseWriter, r *http.Request) {
	var req workingSetRequest
	if err := decode(r, &req); err != nil {
		respond.WriteBadRequest(w, "invalid request body")
		return
	}
	ws, err := h.mgr.GetWorkingSet(r.Context(), req.OwnerID, req.WorkingSetParams)
	if err != nil {
		h.writeOperationError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, ws)
}

// Upsert validates and writes one memory item.
func (h *Handler) Upsert(w http.ResponseWriter, r *http.Request) {
	var req memory.UpsertParams
	if err := decode(r, &req); err != nil {
		respond.WriteBadRequest(w, "invalid request body")
		return
	}
	res, err := h.mgr.Upsert(r.Context(), req)
	if err != nil {
		h.writeOperationError(w, err)
		return
	}
	status := http.StatusOK
	if res.Error != "" {
		status = http.StatusUnprocessableEntity
	}
	respond.WriteJSON(w, status, res)
}

// Search runs the read-only search surface.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var req memory.SearchParams
	if err := decode(r, &req); err != nil {
		respond.WriteBadRequest(w, "invalid request body")
		return
	}
	items, err := h.mgr.Search(r.Context(), req)
	if err != nil {
		h.writeOperationError(w, err)
		return
	}
	if items == nil {
		items = []*model.MemoryItem{}
	}
	respond.WriteJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// Promote runs the temporary-to-permanent state machine.
func (h *Handler) Promote(w http.ResponseWriter, r *http.Request) {
	var req memory.PromoteParams
	if err := decode(r, &req); err != nil {
		respond.WriteBadRequest(w, "invalid request body")
		return
	}
	res, err := h.mgr.Promote(r.Context(), req)
	if err != nil {
		h.writeOperationError(w, err)
		return
	}
	status := http.StatusOK
	if !res.OK {
		status = http.StatusUnprocessableEntity
	}
	respond.WriteJSON(w, status, res)
}

type deleteRequest struct {
	OwnerID   string   `json:"ownerId"`
	IDs       []string `json:"ids,omitempty"`
	Keys      []string `json:"keys,omitempty"`
	ActorID   *string  `json:"actorId,omitempty"`
	RequestID *string  `json:"requestId,omitempty"`
}

// Delete removes rows by id or key, scoped to the owner.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := decode(r, &req); err != nil {
		respond.WriteBadRequest(w, "invalid request body")
		return
	}
	n, err := h.mgr.DeleteByIDsOrKeys(r.Context(), req.OwnerID, req.IDs, req.Keys, req.ActorID, req.RequestID)
	if err != nil {
		h.writeOperationError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

type ragRequest struct {
	Query string         `json:"query"`
	Hints map[string]any `json:"hints,omitempty"`
}

// Retrieve proxies external knowledge retrieval through the resilience
// wrapper. Failures surface as degraded results, never as errors.
func (h *Handler) Retrieve(w http.ResponseWriter, r *http.Request) {
	var req ragRequest
	if err := decode(r, &req); err != nil || strings.TrimSpace(req.Query) == "" {
		respond.WriteBadRequest(w, "query is required")
		return
	}
	respond.WriteJSON(w, http.StatusOK, h.rag.Retrieve(r.Context(), req.Query, req.Hints))
}

// MetricsReport returns the tuning report plus the breaker state.
func (h *Handler) MetricsReport(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSON(w, http.StatusOK, map[string]any{
		"report":       h.tuner.GetReport(),
		"breakerState": h.rag.BreakerState(),
	})
}

// RunJob triggers one maintenance job by name.
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	res, err := h.jobs.Run(r.Context(), name)
	if err != nil {
		respond.WriteNotFound(w, err.Error())
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]any{"job": name, "result": res})
}

// Health reports service and store health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if hp, ok := h.store.(HealthPinger); ok {
		if err := hp.HealthPing(r.Context()); err != nil {
			respond.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded", "store": err.Error(),
			})
			return
		}
	}
	respond.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
