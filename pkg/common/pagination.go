package common

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Page is one slice of a listing plus enough to fetch the neighbours.
type Page struct {
	Items      interface{} `json:"items"`
	Total      int64       `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
	NextPage   *int        `json:"next_page"`
	PrevPage   *int        `json:"prev_page"`
}

// NormalizePage clamps caller input: pages start at 1, limits outside
// 1..MaxPageSize fall back to DefaultPageSize.
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > MaxPageSize {
		limit = DefaultPageSize
	}
	return page, limit
}

// NewPage assumes page and limit already went through NormalizePage.
func NewPage(items interface{}, total int64, page, limit int) Page {
	p := Page{Items: items, Total: total, Page: page, Limit: limit}
	if limit > 0 {
		p.TotalPages = int((total + int64(limit) - 1) / int64(limit))
	}
	if page < p.TotalPages {
		next := page + 1
		p.NextPage = &next
	}
	if page > 1 {
		prev := page - 1
		if prev > p.TotalPages && p.TotalPages > 0 {
			prev = p.TotalPages
		}
		p.PrevPage = &prev
	}
	return p
}
