package audit

import (
	"net/http"

	"github.com/noah-isme/toko-reconcile/internal/common"
)

// Handler exposes HTTP endpoints for working with webhook audit logs.
type Handler struct {
	Store Store
}

// List returns a paginated list of audit entries for administrators.
func (h Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_NOT_CONFIGURED", "audit store not configured", nil)
		return
	}
	q := r.URL.Query()
	page := common.ParsePage(r, 50, 200)
	rows, err := h.Store.ListEntries(r.Context(), Filter{
		Provider: q.Get("provider"),
		Outcome:  q.Get("outcome"),
		Limit:    page.Limit,
		Offset:   page.Offset,
	})
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_QUERY_FAILED", "unable to fetch audit logs", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": rows, "page": page})
}
