package memindex

import (
	"context"
	"strings"
	"testing"

	"OpenMCP-Search/internal/search"
)

func seededEngine(t *testing.T) *Engine {
	t.Helper()
	engine := New("unit-cluster")
	if err := engine.CreateIndex("logs-2025.08.23", map[string]string{"timestamp": "date"}); err != nil {
		t.Fatalf("create index: %v", err)
	}
	docs := []struct {
		id     string
		source map[string]any
	}{
		{"1", map[string]any{"timestamp": "2025-08-23T10:00:00Z", "level": "error", "message": "payment timeout while calling payment gateway", "seq": float64(3)}},
		{"2", map[string]any{"timestamp": "2025-08-23T11:00:00Z", "level": "warn", "message": "retrying payment", "seq": float64(1)}},
		{"3", map[string]any{"timestamp": "2025-08-23T12:00:00Z", "level": "info", "message": "inventory sync finished", "seq": float64(2)}},
	}
	for _, doc := range docs {
		if err := engine.AddDocument("logs-2025.08.23", doc.id, doc.source); err != nil {
			t.Fatalf("add document: %v", err)
		}
	}
	return engine
}

func TestHealthReportsCluster(t *testing.T) {
	engine := seededEngine(t)

	health, err := engine.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.ClusterName != "unit-cluster" || health.Status != "green" || health.ActiveShards != 1 {
		t.Fatalf("unexpected health: %+v", health)
	}

	fallback, err := New("  ").Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if fallback.ClusterName != "searchmcp-local" {
		t.Fatalf("expected default cluster name, got %s", fallback.ClusterName)
	}
}

func TestIndicesListsDocCounts(t *testing.T) {
	engine := seededEngine(t)
	if err := engine.CreateIndex("kb-articles", nil); err != nil {
		t.Fatalf("create index: %v", err)
	}

	infos, err := engine.Indices(context.Background())
	if err != nil {
		t.Fatalf("indices: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected two indices, got %+v", infos)
	}
	if infos[0].Name != "kb-articles" || infos[1].Name != "logs-2025.08.23" {
		t.Fatalf("indices not sorted by name: %+v", infos)
	}
	if infos[1].DocCount != 3 {
		t.Fatalf("unexpected doc count: %+v", infos[1])
	}
}

func TestSearchMatchesAndRanksByScore(t *testing.T) {
	engine := seededEngine(t)

	result, err := engine.Search(context.Background(), search.Query{Index: "logs-2025.08.23", Query: "payment", Size: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if result.Total != 2 || len(result.Hits) != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	for _, hit := range result.Hits {
		if !strings.Contains(hit.Source["message"].(string), "payment") {
			t.Fatalf("hit does not match query: %+v", hit)
		}
	}
	if result.Hits[0].ID != "1" || result.Hits[0].Score <= result.Hits[1].Score {
		t.Fatalf("hits not ordered by relevance: %+v", result.Hits)
	}
}

func TestSearchEmptyQueryMatchesAllWithPaging(t *testing.T) {
	engine := seededEngine(t)

	result, err := engine.Search(context.Background(), search.Query{Index: "logs-2025.08.23", Size: 2})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if result.Total != 3 || len(result.Hits) != 2 {
		t.Fatalf("unexpected first page: %+v", result)
	}

	second, err := engine.Search(context.Background(), search.Query{Index: "logs-2025.08.23", Size: 2, From: 2})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if second.Total != 3 || len(second.Hits) != 1 {
		t.Fatalf("unexpected second page: %+v", second)
	}
}

func TestSearchSortsBySourceField(t *testing.T) {
	engine := seededEngine(t)

	result, err := engine.Search(context.Background(), search.Query{Index: "logs-2025.08.23", Size: 10, Sort: "seq:asc"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(result.Hits) != 3 {
		t.Fatalf("unexpected hits: %+v", result)
	}
	if result.Hits[0].ID != "2" || result.Hits[1].ID != "3" || result.Hits[2].ID != "1" {
		t.Fatalf("hits not sorted by seq asc: %+v", result.Hits)
	}

	desc, err := engine.Search(context.Background(), search.Query{Index: "logs-2025.08.23", Size: 10, Sort: "seq:desc"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if desc.Hits[0].ID != "1" {
		t.Fatalf("hits not sorted by seq desc: %+v", desc.Hits)
	}
}

func TestSearchResolvesWildcardPatterns(t *testing.T) {
	engine := seededEngine(t)
	if err := engine.AddDocument("logs-2025.08.24", "9", map[string]any{"message": "payment resumed"}); err != nil {
		t.Fatalf("add document: %v", err)
	}
	if err := engine.AddDocument("metrics-2025.08.24", "9", map[string]any{"message": "cpu high"}); err != nil {
		t.Fatalf("add document: %v", err)
	}

	result, err := engine.Search(context.Background(), search.Query{Index: "logs-*", Query: "payment", Size: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if result.Total != 3 {
		t.Fatalf("wildcard should span both log indices: %+v", result)
	}

	empty, err := engine.Search(context.Background(), search.Query{Index: "traces-*", Size: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if empty.Total != 0 || len(empty.Hits) != 0 {
		t.Fatalf("unmatched wildcard should yield empty result: %+v", empty)
	}

	if _, err := engine.Search(context.Background(), search.Query{Index: "missing"}); err == nil {
		t.Fatal("concrete missing index should error")
	}
}

func TestDocumentLookup(t *testing.T) {
	engine := seededEngine(t)

	doc, err := engine.Document(context.Background(), "logs-2025.08.23", "2")
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	if doc.ID != "2" || doc.Source["level"] != "warn" {
		t.Fatalf("unexpected document: %+v", doc)
	}

	if _, err := engine.Document(context.Background(), "logs-2025.08.23", "404"); err == nil {
		t.Fatal("expected not found error")
	}
	if _, err := engine.Document(context.Background(), "missing", "1"); err == nil {
		t.Fatal("expected missing index error")
	}
}

func TestAddDocumentOverwritesByID(t *testing.T) {
	engine := New("")
	if err := engine.AddDocument("logs", "1", map[string]any{"v": float64(1)}); err != nil {
		t.Fatalf("add document: %v", err)
	}
	if err := engine.AddDocument("logs", "1", map[string]any{"v": float64(2)}); err != nil {
		t.Fatalf("overwrite document: %v", err)
	}

	infos, err := engine.Indices(context.Background())
	if err != nil {
		t.Fatalf("indices: %v", err)
	}
	if infos[0].DocCount != 1 {
		t.Fatalf("overwrite should not grow the index: %+v", infos)
	}
	doc, err := engine.Document(context.Background(), "logs", "1")
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	if doc.Source["v"] != float64(2) {
		t.Fatalf("expected updated source: %+v", doc.Source)
	}
}

func TestMappingPrefersExplicitTypes(t *testing.T) {
	engine := seededEngine(t)

	mapping, err := engine.Mapping(context.Background(), "logs-2025.08.23")
	if err != nil {
		t.Fatalf("mapping: %v", err)
	}
	if mapping.Properties["timestamp"].Type != "date" {
		t.Fatalf("explicit mapping not honoured: %+v", mapping.Properties)
	}
	if mapping.Properties["message"].Type != "text" {
		t.Fatalf("string field should infer text: %+v", mapping.Properties)
	}
	if mapping.Properties["seq"].Type != "long" {
		t.Fatalf("whole number should infer long: %+v", mapping.Properties)
	}

	if _, err := engine.Mapping(context.Background(), "missing"); err == nil {
		t.Fatal("expected missing index error")
	}
}

func TestNewFromSeedBuildsIndices(t *testing.T) {
	defs := search.SeedDefinitions{
		Cluster: "seeded",
		Indices: []search.SeedIndex{
			{
				Name:     "kb",
				Mappings: map[string]string{"title": "text"},
				Documents: []search.SeedDocument{
					{ID: "a", Source: map[string]any{"title": "shard allocation"}},
					{ID: "b", Source: map[string]any{"title": "slow queries"}},
				},
			},
		},
	}

	engine, err := NewFromSeed(defs)
	if err != nil {
		t.Fatalf("from seed: %v", err)
	}
	health, err := engine.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.ClusterName != "seeded" {
		t.Fatalf("unexpected cluster: %+v", health)
	}
	result, err := engine.Search(context.Background(), search.Query{Index: "kb", Query: "shard", Size: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if result.Total != 1 || result.Hits[0].ID != "a" {
		t.Fatalf("unexpected seeded search: %+v", result)
	}
}
