package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/akmatori/riskwatch/internal/services"
)

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		wantPage    int
		wantPerPage int
	}{
		{"defaults", "", 1, 50},
		{"explicit", "page=3&per_page=25", 3, 25},
		{"capped at max page size", "per_page=500", 1, services.MaxPageSize},
		{"max page size kept", "per_page=200", 1, 200},
		{"zero page", "page=0", 1, 50},
		{"negative per_page", "per_page=-5", 1, 50},
		{"non-numeric", "page=abc&per_page=ten", 1, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/breaches?"+tt.query, nil)
			p := ParsePagination(r)
			if p.Page != tt.wantPage || p.PerPage != tt.wantPerPage {
				t.Errorf("ParsePagination() = %d/%d, want %d/%d", p.Page, p.PerPage, tt.wantPage, tt.wantPerPage)
			}
		})
	}
}

func TestPaginationParams_Window(t *testing.T) {
	tests := []struct {
		name string
		p    PaginationParams
		want services.Page
	}{
		{"first page", PaginationParams{Page: 1, PerPage: 50}, services.Page{Limit: 50, Offset: 0}},
		{"third page of 25", PaginationParams{Page: 3, PerPage: 25}, services.Page{Limit: 25, Offset: 50}},
		{"full pages", PaginationParams{Page: 4, PerPage: services.MaxPageSize}, services.Page{Limit: 200, Offset: 600}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Window(); got != tt.want {
				t.Errorf("Window() = %+v, want %+v", got, tt.want)
			}
		})
	}

	r := httptest.NewRequest(http.MethodGet, "/api/executions?page=2&per_page=1000", nil)
	filter := services.ExecutionFilter{Page: ParsePagination(r).Window()}
	if filter.Limit != services.MaxPageSize || filter.Offset != services.MaxPageSize {
		t.Errorf("expected capped execution window, got %+v", filter.Page)
	}
}

func TestPaginationParams_TotalPages(t *testing.T) {
	tests := []struct {
		perPage   int
		total     int64
		wantPages int
	}{
		{10, 100, 10},
		{10, 101, 11},
		{50, 1, 1},
		{50, 0, 0},
		{0, 100, 0},
	}

	for _, tt := range tests {
		p := PaginationParams{Page: 1, PerPage: tt.perPage}
		if got := p.TotalPages(tt.total); got != tt.wantPages {
			t.Errorf("TotalPages(%d) with %d per page = %d, want %d", tt.total, tt.perPage, got, tt.wantPages)
		}
	}
}

func TestParseHistoryLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", services.DefaultHistoryLimit},
		{"limit=20", 20},
		{"limit=0", services.DefaultHistoryLimit},
		{"limit=x", services.DefaultHistoryLimit},
		{"limit=5000", services.MaxPageSize},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/metrics/1/readings?"+tt.query, nil)
		if got := ParseHistoryLimit(r); got != tt.want {
			t.Errorf("ParseHistoryLimit(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
