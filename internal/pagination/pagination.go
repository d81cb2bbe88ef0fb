// Package pagination reads page, limit and sort parameters for letter
// listings from a query string.
package pagination

import (
	"math"
	"net/url"
	"strconv"
)

// Params holds a validated page request. Page is 1-based.
type Params struct {
	Page   int32
	Limit  int32
	Offset int32
	Sort   string
}

const (
	MaxLimit     int32 = 100
	DefaultPage  int32 = 1
	DefaultLimit int32 = 20

	SortNewest  = "newest"
	SortOldest  = "oldest"
	DefaultSort = SortNewest
)

func calculateOffset(page, limit int32) int32 {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

// maxPage is the last page whose end offset still fits in an int32.
func maxPage(limit int32) int32 {
	return math.MaxInt32 / limit
}

func isValidSort(sort string) bool {
	return sort == SortNewest || sort == SortOldest
}

type Option func(*Params)

func WithDefaultLimit(limit int32) Option {
	return func(p *Params) {
		if limit > 0 {
			p.Limit = limit
		}
	}
}

// WithDefaultSort is a no-op for unknown sort orders.
func WithDefaultSort(sort string) Option {
	return func(p *Params) {
		if isValidSort(sort) {
			p.Sort = sort
		}
	}
}

// FromQuery extracts pagination parameters from q. Malformed values fall
// back to the defaults and limit is capped at MaxLimit.
func FromQuery(q url.Values, opts ...Option) Params {
	params := Params{
		Page:  DefaultPage,
		Limit: DefaultLimit,
		Sort:  DefaultSort,
	}
	for _, opt := range opts {
		opt(&params)
	}

	if raw := q.Get("page"); raw != "" {
		if val, err := strconv.ParseInt(raw, 10, 32); err == nil && val > 0 {
			params.Page = int32(val)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		if val, err := strconv.ParseInt(raw, 10, 32); err == nil && val > 0 {
			params.Limit = int32(val)
		}
	}
	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}
	if last := maxPage(params.Limit); params.Page > last {
		params.Page = last
	}
	params.Offset = calculateOffset(params.Page, params.Limit)

	if sort := q.Get("sort"); isValidSort(sort) {
		params.Sort = sort
	}
	return params
}

// Oldest reports whether results should be ordered oldest first.
func (p Params) Oldest() bool {
	return p.Sort == SortOldest
}

// HasNext reports whether more items follow the current page.
func (p Params) HasNext(total int32) bool {
	return p.Offset+p.Limit < total
}
