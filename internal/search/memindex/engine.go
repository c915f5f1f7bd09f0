// Package memindex 提供内存实现的搜索引擎，承载种子语料，
// 用于本地运行与测试。
package memindex

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"OpenMCP-Search/internal/search"
)

// defaultClusterName 是未配置集群名时的默认值。
const defaultClusterName = "searchmcp-local"

// Engine 将全部索引与文档保存在进程内存中。
type Engine struct {
	mu      sync.RWMutex
	cluster string
	indices map[string]*indexData
}

type indexData struct {
	mappings map[string]string
	docs     []search.Document
	byID     map[string]int
}

// New 构造空引擎。
func New(clusterName string) *Engine {
	if strings.TrimSpace(clusterName) == "" {
		clusterName = defaultClusterName
	}
	return &Engine{
		cluster: clusterName,
		indices: make(map[string]*indexData),
	}
}

// NewFromSeed 根据种子语料构建引擎。
func NewFromSeed(defs search.SeedDefinitions) (*Engine, error) {
	engine := New(defs.Cluster)
	for _, idx := range defs.Indices {
		if err := engine.CreateIndex(idx.Name, idx.Mappings); err != nil {
			return nil, err
		}
		for _, doc := range idx.Documents {
			if err := engine.AddDocument(idx.Name, doc.ID, doc.Source); err != nil {
				return nil, err
			}
		}
	}
	return engine, nil
}

// CreateIndex 创建一个新索引。重复创建是配置错误。
func (e *Engine) CreateIndex(name string, mappings map[string]string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("索引名称不能为空")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.indices[name]; exists {
		return fmt.Errorf("索引 %s 已存在", name)
	}
	cloned := make(map[string]string, len(mappings))
	for field, typ := range mappings {
		cloned[field] = typ
	}
	e.indices[name] = &indexData{
		mappings: cloned,
		byID:     make(map[string]int),
	}
	return nil
}

// AddDocument 写入或覆盖一条文档。索引不存在时自动创建。
func (e *Engine) AddDocument(index, id string, source map[string]any) error {
	index = strings.TrimSpace(index)
	id = strings.TrimSpace(id)
	if index == "" || id == "" {
		return fmt.Errorf("索引名与文档 ID 不能为空")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	data, exists := e.indices[index]
	if !exists {
		data = &indexData{byID: make(map[string]int)}
		e.indices[index] = data
	}

	doc := search.Document{Index: index, ID: id, Source: source}
	if pos, ok := data.byID[id]; ok {
		data.docs[pos] = doc
		return nil
	}
	data.byID[id] = len(data.docs)
	data.docs = append(data.docs, doc)
	return nil
}

// Health 实现 search.Engine。
func (e *Engine) Health(_ context.Context) (*search.Health, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return &search.Health{
		ClusterName:   e.cluster,
		Status:        "green",
		NumberOfNodes: 1,
		ActiveShards:  len(e.indices),
	}, nil
}

// Indices 实现 search.Engine。结果按索引名排序。
func (e *Engine) Indices(_ context.Context) ([]search.IndexInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	infos := make([]search.IndexInfo, 0, len(e.indices))
	for name, data := range e.indices {
		infos = append(infos, search.IndexInfo{
			Name:      name,
			Health:    "green",
			DocCount:  len(data.docs),
			StoreSize: humanSize(data.approxBytes()),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Search 实现 search.Engine。查询词为空时匹配全部文档。
func (e *Engine) Search(_ context.Context, query search.Query) (*search.Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names, err := e.resolveIndices(query.Index)
	if err != nil {
		return nil, err
	}

	terms := tokenize(query.Query)
	var matched []search.Hit
	for _, name := range names {
		data := e.indices[name]
		for _, doc := range data.docs {
			score := scoreDocument(doc.Source, terms)
			if len(terms) > 0 && score == 0 {
				continue
			}
			if len(terms) == 0 {
				score = 1
			}
			matched = append(matched, search.Hit{
				Index:  doc.Index,
				ID:     doc.ID,
				Score:  score,
				Source: doc.Source,
			})
		}
	}

	sortHits(matched, query.Sort)

	total := len(matched)
	size := query.Size
	if size <= 0 {
		size = 10
	}
	from := query.From
	if from < 0 {
		from = 0
	}
	if from > total {
		from = total
	}
	end := from + size
	if end > total {
		end = total
	}

	return &search.Result{Total: total, Hits: matched[from:end]}, nil
}

// Document 实现 search.Engine。
func (e *Engine) Document(_ context.Context, index, id string) (*search.Document, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	data, exists := e.indices[index]
	if !exists {
		return nil, fmt.Errorf("no such index [%s]", index)
	}
	pos, ok := data.byID[id]
	if !ok {
		return nil, fmt.Errorf("document [%s] not found in [%s]", id, index)
	}
	doc := data.docs[pos]
	return &doc, nil
}

// Mapping 实现 search.Engine。显式映射优先，未声明的字段按首条
// 文档的取值推断类型。
func (e *Engine) Mapping(_ context.Context, index string) (*search.Mapping, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	data, exists := e.indices[index]
	if !exists {
		return nil, fmt.Errorf("no such index [%s]", index)
	}

	properties := make(map[string]search.FieldMapping)
	for _, doc := range data.docs {
		for field, value := range doc.Source {
			if _, seen := properties[field]; !seen {
				properties[field] = search.FieldMapping{Type: inferType(value)}
			}
		}
	}
	for field, typ := range data.mappings {
		properties[field] = search.FieldMapping{Type: typ}
	}

	return &search.Mapping{Index: index, Properties: properties}, nil
}

// resolveIndices 将索引名或通配符模式解析为具体索引列表。
// 通配符未命中时返回空列表，具体名称未命中则视为错误。
func (e *Engine) resolveIndices(pattern string) ([]string, error) {
	pattern = strings.TrimSpace(pattern)
	if strings.Contains(pattern, "*") {
		var names []string
		for name := range e.indices {
			if matchPattern(pattern, name) {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		return names, nil
	}
	if _, exists := e.indices[pattern]; !exists {
		return nil, fmt.Errorf("no such index [%s]", pattern)
	}
	return []string{pattern}, nil
}

// matchPattern 实现仅含 '*' 的简单通配匹配。
func matchPattern(pattern, name string) bool {
	segments := strings.Split(pattern, "*")
	if !strings.HasPrefix(name, segments[0]) {
		return false
	}
	name = name[len(segments[0]):]
	for i := 1; i < len(segments)-1; i++ {
		seg := segments[i]
		if seg == "" {
			continue
		}
		pos := strings.Index(name, seg)
		if pos < 0 {
			return false
		}
		name = name[pos+len(seg):]
	}
	last := segments[len(segments)-1]
	if last == "" {
		return true
	}
	return strings.HasSuffix(name, last)
}

func tokenize(query string) []string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(query)))
	return fields
}

// scoreDocument 统计检索词在全部字符串字段中出现的次数。
func scoreDocument(source map[string]any, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	var score float64
	for _, value := range source {
		score += scoreValue(value, terms)
	}
	return score
}

func scoreValue(value any, terms []string) float64 {
	switch v := value.(type) {
	case string:
		lowered := strings.ToLower(v)
		var score float64
		for _, term := range terms {
			score += float64(strings.Count(lowered, term))
		}
		return score
	case map[string]any:
		return scoreDocument(v, terms)
	case []any:
		var score float64
		for _, item := range v {
			score += scoreValue(item, terms)
		}
		return score
	default:
		return 0
	}
}

// sortHits 按排序规则整理命中。缺省按相关度降序。
func sortHits(hits []search.Hit, rule string) {
	field, desc := parseSortRule(rule)
	sort.SliceStable(hits, func(i, j int) bool {
		if field == "" {
			if hits[i].Score != hits[j].Score {
				return hits[i].Score > hits[j].Score
			}
			if hits[i].Index != hits[j].Index {
				return hits[i].Index < hits[j].Index
			}
			return hits[i].ID < hits[j].ID
		}
		less, comparable := compareValues(hits[i].Source[field], hits[j].Source[field])
		if !comparable {
			return false
		}
		if desc {
			return !less
		}
		return less
	})
}

func parseSortRule(rule string) (field string, desc bool) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return "", false
	}
	parts := strings.SplitN(rule, ":", 2)
	field = strings.TrimSpace(parts[0])
	if len(parts) == 2 && strings.EqualFold(strings.TrimSpace(parts[1]), "desc") {
		desc = true
	}
	return field, desc
}

// compareValues 比较两个字段值。仅支持数字与字符串。
func compareValues(a, b any) (less, comparable bool) {
	an, aok := asNumber(a)
	bn, bok := asNumber(b)
	if aok && bok {
		return an < bn, true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as < bs, true
	}
	return false, false
}

func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// inferType 按取值推断字段类型，向搜索引擎的常见类型靠拢。
func inferType(value any) string {
	switch v := value.(type) {
	case string:
		return "text"
	case bool:
		return "boolean"
	case float64:
		if v == float64(int64(v)) {
			return "long"
		}
		return "float"
	case int, int64:
		return "long"
	case map[string]any:
		return "object"
	case []any:
		if len(v) > 0 {
			return inferType(v[0])
		}
		return "object"
	default:
		return "object"
	}
}

func (d *indexData) approxBytes() int {
	var total int
	for _, doc := range d.docs {
		raw, err := json.Marshal(doc.Source)
		if err != nil {
			continue
		}
		total += len(raw)
	}
	return total
}

func humanSize(bytes int) string {
	switch {
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1fmb", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.1fkb", float64(bytes)/float64(1<<10))
	default:
		return fmt.Sprintf("%db", bytes)
	}
}
