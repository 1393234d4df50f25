// Package admin serves the operator endpoints for investigating reconciliation.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-reconcile/internal/audit"
	"github.com/noah-isme/toko-reconcile/internal/common"
	"github.com/noah-isme/toko-reconcile/internal/idempotency"
	"github.com/noah-isme/toko-reconcile/internal/orphan"
)

const maxNotesLen = 2000

// ProcessedLookup reads the processed-event ledger.
type ProcessedLookup interface {
	Get(ctx context.Context, provider, eventID string) (idempotency.Record, bool, error)
}

// Handler exposes /api/v1/admin/reconcile.
type Handler struct {
	Orphans   orphan.Store
	Audit     audit.Store
	Processed ProcessedLookup
	Backlog   BacklogReader
	Logger    zerolog.Logger
}

type resolveRequest struct {
	Investigated *bool  `json:"investigated"`
	Notes        string `json:"notes"`
}

// Routes mounts the admin endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/orphans", h.ListOrphans)
	r.Get("/orphans/{id}", h.GetOrphan)
	r.Patch("/orphans/{id}", h.ResolveOrphan)
	r.Get("/orphans/{id}/deliveries", h.OrphanDeliveries)
	r.Get("/processed/{provider}/{event_id}", h.GetProcessed)
	r.Get("/audit", audit.Handler{Store: h.Audit}.List)
	r.Get("/stats", h.Stats)
}

// ListOrphans handles GET /orphans?investigated=&provider=&limit=&offset=.
func (h *Handler) ListOrphans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := common.ParsePage(r, 50, 200)
	filter := orphan.Filter{
		Provider: strings.ToLower(strings.TrimSpace(q.Get("provider"))),
		Limit:    page.Limit,
		Offset:   page.Offset,
	}
	if raw := q.Get("investigated"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "investigated must be a boolean", nil)
			return
		}
		filter.Investigated = &v
	}
	rows, err := h.Orphans.List(r.Context(), filter)
	if err != nil {
		h.Logger.Error().Err(err).Msg("list orphans")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to list orphans", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": rows, "page": page})
}

// GetOrphan handles GET /orphans/{id}.
func (h *Handler) GetOrphan(w http.ResponseWriter, r *http.Request) {
	id, ok := orphanID(w, r)
	if !ok {
		return
	}
	o, err := h.Orphans.Get(r.Context(), id)
	if err != nil {
		h.writeOrphan(w, o, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": o, "raw_payload": string(o.RawPayload)})
}

// ResolveOrphan handles PATCH /orphans/{id}.
func (h *Handler) ResolveOrphan(w http.ResponseWriter, r *http.Request) {
	id, ok := orphanID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Investigated == nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "investigated is required", nil)
		return
	}
	if len(req.Notes) > maxNotesLen {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "notes too long", map[string]int{"max": maxNotesLen})
		return
	}
	o, err := h.Orphans.Resolve(r.Context(), id, *req.Investigated, strings.TrimSpace(req.Notes))
	if err == nil {
		subject, _ := common.Subject(r.Context())
		h.Logger.Info().
			Str("orphan_id", id.String()).
			Bool("investigated", o.Investigated).
			Str("by", subject).
			Msg("orphan updated")
	}
	h.writeOrphan(w, o, err)
}

// OrphanDeliveries handles GET /orphans/{id}/deliveries.
func (h *Handler) OrphanDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := orphanID(w, r)
	if !ok {
		return
	}
	if _, err := h.Orphans.Get(r.Context(), id); err != nil {
		h.writeOrphan(w, orphan.Orphan{}, err)
		return
	}
	rows, err := h.Orphans.Deliveries(r.Context(), id)
	if err != nil {
		h.Logger.Error().Err(err).Str("orphan_id", id.String()).Msg("list orphan deliveries")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to list deliveries", nil)
		return
	}
	type delivery struct {
		orphan.Delivery
		RawPayload string `json:"raw_payload"`
	}
	out := make([]delivery, 0, len(rows))
	for _, d := range rows {
		out = append(out, delivery{Delivery: d, RawPayload: string(d.RawPayload)})
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": out})
}

// GetProcessed handles GET /processed/{provider}/{event_id}.
func (h *Handler) GetProcessed(w http.ResponseWriter, r *http.Request) {
	if h.Processed == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "processed-event ledger not configured", nil)
		return
	}
	rec, found, err := h.Processed.Get(r.Context(), chi.URLParam(r, "provider"), chi.URLParam(r, "event_id"))
	switch {
	case err != nil:
		h.Logger.Error().Err(err).Msg("processed event lookup")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to load processed event", nil)
	case !found:
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "event not processed", nil)
	default:
		common.JSON(w, http.StatusOK, map[string]any{"data": rec})
	}
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	backlog, err := h.Backlog.Read(r.Context())
	if err != nil {
		h.Logger.Error().Err(err).Msg("read reconcile backlog")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to compute stats", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": backlog})
}

func (h *Handler) writeOrphan(w http.ResponseWriter, o orphan.Orphan, err error) {
	switch {
	case err == nil:
		common.JSON(w, http.StatusOK, map[string]any{"data": o})
	case errors.Is(err, orphan.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "orphan not found", nil)
	default:
		h.Logger.Error().Err(err).Msg("orphan lookup")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to load orphan", nil)
	}
}

func orphanID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid orphan id", nil)
		return uuid.Nil, false
	}
	return id, true
}
