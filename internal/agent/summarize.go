package agent

import (
	"strings"

	"OpenMCP-Search/internal/search"
)

// DefaultMaxItems 是检索结果单次展示的默认条数，同时也是翻页的页大小。
const DefaultMaxItems = 5

// summarizeSearch 依据展示上限压缩检索命中。命中数不超过上限时原样返回，
// 超过时返回带分页提示的摘要，完整命中由调用方缓存。
func summarizeSearch(result search.Result, maxItems int) any {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	total := len(result.Hits)
	if total <= maxItems {
		return result
	}
	return map[string]any{
		"total_hits":      total,
		"shown_hits":      maxItems,
		"omitted_hits":    total - maxItems,
		"available_pages": pageCount(total, maxItems),
		"current_page":    1,
		"hits":            result.Hits[:maxItems],
	}
}

// pageView 返回缓存中第 page 页的命中窗口，超出范围时窗口为空。
func pageView(cache *SearchCache, page, pageSize int) map[string]any {
	if pageSize <= 0 {
		pageSize = DefaultMaxItems
	}
	if page < 1 {
		page = 1
	}

	total := len(cache.CompleteResults)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	window := make([]search.Hit, end-start)
	copy(window, cache.CompleteResults[start:end])
	return map[string]any{
		"total_hits":      total,
		"current_page":    page,
		"available_pages": pageCount(total, pageSize),
		"hits":            window,
	}
}

func pageCount(total, pageSize int) int {
	if pageSize <= 0 || total <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}

var pageMarkers = []string{"next page", "more results", "下一页", "更多结果"}

// wantsNextPage 判断文本中是否出现翻页意图的标记词。
func wantsNextPage(texts ...string) bool {
	for _, text := range texts {
		lowered := strings.ToLower(text)
		for _, marker := range pageMarkers {
			if strings.Contains(lowered, marker) {
				return true
			}
		}
	}
	return false
}
