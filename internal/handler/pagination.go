package handler

import (
	"net/http"
	"strconv"

	"github.com/openclaw/wa-relay-server-go/internal/config"
)

type PaginationParams struct {
	Limit int
}

// ParsePagination reads ?limit=, falling back to the recent message window
// when it is missing or out of range.
func ParsePagination(r *http.Request) PaginationParams {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	if limit <= 0 || limit > config.RecentMessageLimit {
		limit = config.RecentMessageLimit
	}

	return PaginationParams{Limit: limit}
}
