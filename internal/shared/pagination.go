package shared

// PageInfo describes one page of a listing fetched with a single look-ahead
// row, so no total count query is needed.
type PageInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// PageRequest is a normalized page selection.
type PageRequest struct {
	Page int
	Size int
}

// NewPageRequest clamps page to at least 1 and size to (0, max], using def
// when size is unset.
func NewPageRequest(page, size, def, max int) PageRequest {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = def
	}
	if size > max {
		size = max
	}
	return PageRequest{Page: page, Size: size}
}

// Offset is the number of rows to skip.
func (p PageRequest) Offset() int {
	return (p.Page - 1) * p.Size
}

// Limit is the page size plus the look-ahead row.
func (p PageRequest) Limit() int {
	return p.Size + 1
}

// Info builds the page metadata from the number of rows fetched with Limit.
func (p PageRequest) Info(fetched int) PageInfo {
	info := PageInfo{Page: p.Page, PageSize: p.Size, HasNext: fetched > p.Size}
	if p.Page > 1 {
		info.PrevPage = p.Page - 1
	}
	if info.HasNext {
		info.NextPage = p.Page + 1
	}
	return info
}
