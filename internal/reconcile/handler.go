package reconcile

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/toko-reconcile/internal/common"
	"github.com/noah-isme/toko-reconcile/internal/payment"
)

// Handler exposes POST /api/v1/webhooks/payment/{provider}.
type Handler struct {
	Processor *Processor
}

type webhookResponse struct {
	Outcome       string `json:"outcome"`
	Provider      string `json:"provider"`
	EventID       string `json:"event_id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Status        string `json:"status,omitempty"`
	OrphanID      string `json:"orphan_id,omitempty"`
}

// Routes mounts the webhook endpoint.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/{provider}", h.Receive)
}

// Receive acknowledges with 200 whenever redelivery would not change anything.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	if h.Processor == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "webhook processor not configured", nil)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unable to read request body", nil)
		return
	}

	res, err := h.Processor.Process(r.Context(), Notification{
		Provider: chi.URLParam(r, "provider"),
		Body:     body,
		Header:   r.Header,
		RemoteIP: common.ClientIP(r),
	})
	if err != nil {
		writeProcessError(w, err)
		return
	}

	out := webhookResponse{
		Outcome:  string(res.Outcome),
		Provider: res.Provider,
		EventID:  res.EventID,
		Status:   string(res.To),
	}
	if res.TransactionID != uuid.Nil {
		out.TransactionID = res.TransactionID.String()
	}
	if res.OrphanID != uuid.Nil {
		out.OrphanID = res.OrphanID.String()
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": out})
}

func writeProcessError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownProvider):
		common.JSONError(w, http.StatusNotFound, "UNKNOWN_PROVIDER", "payment provider not supported", nil)
	case errors.Is(err, ErrSignatureInvalid):
		common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
	case errors.Is(err, payment.ErrMalformedPayload):
		common.JSONError(w, http.StatusBadRequest, "MALFORMED_PAYLOAD", "payload could not be normalized", nil)
	case errors.Is(err, payment.ErrVerifierUnavailable):
		common.JSONError(w, http.StatusServiceUnavailable, "VERIFIER_UNAVAILABLE", "signature could not be checked, retry later", nil)
	case errors.Is(err, ErrStorageUnavailable):
		common.JSONError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "notification not applied, retry later", nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}
