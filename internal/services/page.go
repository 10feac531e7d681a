package services

import "gorm.io/gorm"

const (
	// DefaultHistoryLimit bounds reading and variance history when the caller sets no limit
	DefaultHistoryLimit = 100
	// MaxPageSize is the largest window any list endpoint hands out
	MaxPageSize = 200
)

// Page is a window over an ordered list query. Zero values leave the query unbounded.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) apply(query *gorm.DB) *gorm.DB {
	if p.Limit > 0 {
		query = query.Limit(p.Limit)
	}
	if p.Offset > 0 {
		query = query.Offset(p.Offset)
	}
	return query
}
