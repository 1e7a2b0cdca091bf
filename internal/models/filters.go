package models

import (
	"net/url"
	"slices"
	"time"
)

// Filters narrows a collection listing. Zero values mean "any".
type Filters struct {
	Category string     `json:"category,omitempty"`
	Type     string     `json:"type,omitempty"`
	Status   string     `json:"status,omitempty"`
	Tag      string     `json:"tag,omitempty"`
	From     *time.Time `json:"from,omitempty"`
	To       *time.Time `json:"to,omitempty"`
}

// Query encodes the filters as list endpoint query parameters.
func (f Filters) Query() url.Values {
	q := url.Values{}
	if f.Category != "" {
		q.Set("category", f.Category)
	}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Tag != "" {
		q.Set("tag", f.Tag)
	}
	if f.From != nil {
		q.Set("from", f.From.UTC().Format(time.RFC3339))
	}
	if f.To != nil {
		q.Set("to", f.To.UTC().Format(time.RFC3339))
	}
	return q
}

// ParseFilters is the inverse of Query. Malformed dates are ignored.
func ParseFilters(q url.Values) Filters {
	f := Filters{
		Category: q.Get("category"),
		Type:     q.Get("type"),
		Status:   q.Get("status"),
		Tag:      q.Get("tag"),
	}
	if t, err := time.Parse(time.RFC3339, q.Get("from")); err == nil {
		f.From = &t
	}
	if t, err := time.Parse(time.RFC3339, q.Get("to")); err == nil {
		f.To = &t
	}
	return f
}

// Filterable is the subset of entity fields filters apply to.
type Filterable struct {
	Category  string    `json:"category"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

// Match reports whether an entity passes the filters.
func (f Filters) Match(e Filterable) bool {
	if f.Category != "" && f.Category != e.Category {
		return false
	}
	if f.Type != "" && f.Type != e.Type {
		return false
	}
	if f.Status != "" && f.Status != e.Status {
		return false
	}
	if f.Tag != "" && !slices.Contains(e.Tags, f.Tag) {
		return false
	}
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && e.CreatedAt.After(*f.To) {
		return false
	}
	return true
}
