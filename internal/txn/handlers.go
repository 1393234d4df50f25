package txn

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/toko-reconcile/internal/common"
)

// Handler exposes the internal checkout endpoints.
type Handler struct {
	Service *Service
}

type attachReferenceRequest struct {
	ExternalRef string `json:"external_ref"`
}

// Routes mounts the handler under /api/v1/internal/transactions.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Put("/{id}/reference", h.AttachReference)
}

// Create handles POST /api/v1/internal/transactions.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "transaction service not configured", nil)
		return
	}
	var req CreateInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request payload", nil)
		return
	}
	t, err := h.Service.Create(r.Context(), req)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": t})
}

// Get handles GET /api/v1/internal/transactions/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	details, err := h.Service.Get(r.Context(), id)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": details})
}

// AttachReference handles PUT /api/v1/internal/transactions/{id}/reference.
func (h *Handler) AttachReference(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req attachReferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request payload", nil)
		return
	}
	t, err := h.Service.AttachReference(r.Context(), id, req.ExternalRef)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": t})
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid transaction id", nil)
		return uuid.Nil, false
	}
	return id, true
}
