package common

import (
	"net/http"
	"strconv"
)

// Page is the limit/offset window echoed back on list responses.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ParsePage reads limit and offset from the query. Out-of-range limits fall
// back to def; negative or unparsable offsets become zero.
func ParsePage(r *http.Request, def, max int) Page {
	q := r.URL.Query()
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 || limit > max {
		limit = def
	}
	offset, err := strconv.Atoi(q.Get("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return Page{Limit: limit, Offset: offset}
}
