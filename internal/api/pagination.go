package api

import (
	"net/http"
	"strconv"

	"github.com/akmatori/riskwatch/internal/services"
)

const defaultPerPage = 50

// PaginationParams is the ?page=&per_page= pair of a list endpoint.
// PerPage never exceeds services.MaxPageSize.
type PaginationParams struct {
	Page    int
	PerPage int
}

// ParsePagination reads page and per_page. Missing or non-positive values
// fall back to page 1 and 50 per page.
func ParsePagination(r *http.Request) PaginationParams {
	p := PaginationParams{Page: 1, PerPage: defaultPerPage}
	if n, ok := positiveQueryInt(r, "page"); ok {
		p.Page = n
	}
	if n, ok := positiveQueryInt(r, "per_page"); ok {
		p.PerPage = min(n, services.MaxPageSize)
	}
	return p
}

// ParseHistoryLimit reads ?limit= for reading and variance history
func ParseHistoryLimit(r *http.Request) int {
	n, ok := positiveQueryInt(r, "limit")
	if !ok {
		return services.DefaultHistoryLimit
	}
	return min(n, services.MaxPageSize)
}

// Offset returns the number of rows before the current page
func (p PaginationParams) Offset() int {
	return (p.Page - 1) * p.PerPage
}

// Window is the page as a query window for the list services
func (p PaginationParams) Window() services.Page {
	return services.Page{Limit: p.PerPage, Offset: p.Offset()}
}

// TotalPages returns how many pages hold total rows
func (p PaginationParams) TotalPages(total int64) int {
	if p.PerPage <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(p.PerPage) - 1) / int64(p.PerPage))
}

func positiveQueryInt(r *http.Request, key string) (int, bool) {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
