package search

import "context"

// Health describes cluster-level status reported by the health tool.
type Health struct {
	ClusterName   string `json:"cluster_name"`
	Status        string `json:"status"`
	NumberOfNodes int    `json:"number_of_nodes"`
	ActiveShards  int    `json:"active_shards"`
}

// IndexInfo summarises one index for the indices listing.
type IndexInfo struct {
	Name      string `json:"index"`
	Health    string `json:"health"`
	DocCount  int    `json:"docs_count"`
	StoreSize string `json:"store_size"`
}

// Document is a single stored record addressed by index and id.
type Document struct {
	Index  string         `json:"_index"`
	ID     string         `json:"_id"`
	Source map[string]any `json:"_source"`
}

// Hit is one search match including its relevance score.
type Hit struct {
	Index  string         `json:"_index"`
	ID     string         `json:"_id"`
	Score  float64        `json:"_score"`
	Source map[string]any `json:"_source"`
}

// Query captures the parameters accepted by the search operation. Index
// may be a concrete name or a trailing-wildcard pattern such as "logs-*".
type Query struct {
	Index string
	Query string
	Size  int
	From  int
	Sort  string
}

// Result is the outcome of a search operation. Total counts every match
// regardless of the requested window.
type Result struct {
	Total int   `json:"total"`
	Hits  []Hit `json:"hits"`
}

// FieldMapping describes the type of a single document field.
type FieldMapping struct {
	Type string `json:"type"`
}

// Mapping describes the field schema of an index.
type Mapping struct {
	Index      string                  `json:"index"`
	Properties map[string]FieldMapping `json:"properties"`
}

// Engine is the contract every backend driver implements so the tool
// layer can serve different engines uniformly.
type Engine interface {
	Health(ctx context.Context) (*Health, error)
	Indices(ctx context.Context) ([]IndexInfo, error)
	Search(ctx context.Context, query Query) (*Result, error)
	Document(ctx context.Context, index, id string) (*Document, error)
	Mapping(ctx context.Context, index string) (*Mapping, error)
}
