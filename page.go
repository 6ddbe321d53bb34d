package world

// DefaultPageLimit is the page size used when Pagination.Limit is zero.
const DefaultPageLimit = 20

type (
	// Pagination selects a page of an ordered listing. Cursor is the opaque
	// continuation token returned by the previous page; empty means start
	// from the beginning of the ordering.
	Pagination struct {
		Limit  int    `json:"limit,omitempty"`
		Cursor string `json:"cursor,omitempty"`
	}

	// Page is one page of an ordered listing. Cursor is empty when there is
	// no next page; HasMore is true iff the store held at least one item
	// beyond Data.
	Page[T any] struct {
		Data    []T    `json:"data"`
		Cursor  string `json:"cursor,omitempty"`
		HasMore bool   `json:"has_more"`
	}

	// SortOrder selects ascending or descending id order for event listings.
	SortOrder string
)

const (
	// SortAsc lists oldest first.
	SortAsc SortOrder = "asc"
	// SortDesc lists newest first.
	SortDesc SortOrder = "desc"
)

// Normalize returns the pagination with the default limit applied.
func (p Pagination) Normalize() Pagination {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	return p
}

// NewPage slices items fetched with limit+1 into a page, deriving HasMore and
// the continuation cursor from the extra item. cursorOf extracts the ordering
// key of an item; the cursor is the key of the last item on the page.
func NewPage[T any](items []T, limit int, cursorOf func(T) string) *Page[T] {
	page := &Page[T]{Data: items}
	if len(items) > limit {
		page.Data = items[:limit]
		page.HasMore = true
	}
	if page.HasMore && len(page.Data) > 0 {
		page.Cursor = cursorOf(page.Data[len(page.Data)-1])
	}
	if page.Data == nil {
		page.Data = []T{}
	}
	return page
}
