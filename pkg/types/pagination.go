package types

// OffsetPage 偏移分页参数
type OffsetPage struct {
	Limit  int `form:"limit" json:"limit"`
	Offset int `form:"offset" json:"offset"`
}

// Normalize 补全默认值并限制上限，max <= 0 表示不限制
func (p OffsetPage) Normalize(def, max int) OffsetPage {
	if p.Limit <= 0 {
		p.Limit = def
	}
	if max > 0 && p.Limit > max {
		p.Limit = max
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// PageMeta 分页响应元信息
type PageMeta struct {
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	Total   int64 `json:"total"`
	HasMore bool  `json:"has_more"`
}

// NewPageMeta 根据总数计算是否还有下一页
func NewPageMeta(p OffsetPage, total int64) PageMeta {
	return PageMeta{
		Limit:   p.Limit,
		Offset:  p.Offset,
		Total:   total,
		HasMore: int64(p.Offset+p.Limit) < total,
	}
}
