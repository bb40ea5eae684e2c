package api

import (
	"net/http"
	"strconv"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 500
)

// PaginationMeta accompanies a paged file listing.
type PaginationMeta struct {
	TotalCount int  `json:"totalCount"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"hasMore"`
}

// parsePagination reads the limit and offset query parameters. Missing,
// non-numeric or non-positive values fall back to the defaults; limit is
// capped at maxPageLimit.
func parsePagination(r *http.Request) (limit, offset int) {
	q := r.URL.Query()

	limit = defaultPageLimit
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = min(n, maxPageLimit)
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		offset = n
	}
	return limit, offset
}

// paginateSlice returns the [start, end) window of a collection of
// totalCount items. An offset past the end yields an empty window.
func paginateSlice(totalCount, limit, offset int) (start, end int, meta PaginationMeta) {
	start = min(offset, totalCount)
	end = min(start+limit, totalCount)
	return start, end, PaginationMeta{
		TotalCount: totalCount,
		Limit:      limit,
		Offset:     offset,
		HasMore:    end < totalCount,
	}
}
