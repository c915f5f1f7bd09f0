// Package eshttp implements the search.Engine contract against an
// Elasticsearch compatible REST endpoint, so the same tool set can serve
// a real cluster instead of the local in-memory corpus.
package eshttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenMCP-Search/internal/search"
)

// Config describes how to construct a remote engine client.
type Config struct {
	BaseURL    string
	Username   string
	Password   string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

// Client talks to the REST API of a remote cluster. All calls are
// synchronous; transient server errors are retried a bounded number of
// times with linear backoff.
type Client struct {
	baseURL    string
	username   string
	password   string
	apiKey     string
	maxRetries int
	httpClient *http.Client
}

// NewClient validates the configuration and returns a ready-to-use client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("未配置搜索引擎地址")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		baseURL:    baseURL,
		username:   cfg.Username,
		password:   cfg.Password,
		apiKey:     cfg.APIKey,
		maxRetries: retries,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Health implements search.Engine.
func (c *Client) Health(ctx context.Context) (*search.Health, error) {
	var health search.Health
	status, raw, err := c.do(ctx, http.MethodGet, "/_cluster/health", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("查询集群健康状态失败: %s", errorBody(status, raw))
	}
	if err := json.Unmarshal(raw, &health); err != nil {
		return nil, fmt.Errorf("解析集群健康状态失败: %w", err)
	}
	return &health, nil
}

// Indices implements search.Engine using the cat listing.
func (c *Client) Indices(ctx context.Context) ([]search.IndexInfo, error) {
	status, raw, err := c.do(ctx, http.MethodGet, "/_cat/indices?format=json", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("查询索引列表失败: %s", errorBody(status, raw))
	}

	var rows []struct {
		Health    string `json:"health"`
		Index     string `json:"index"`
		DocsCount string `json:"docs.count"`
		StoreSize string `json:"store.size"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("解析索引列表失败: %w", err)
	}

	infos := make([]search.IndexInfo, 0, len(rows))
	for _, row := range rows {
		count, _ := strconv.Atoi(row.DocsCount)
		infos = append(infos, search.IndexInfo{
			Name:      row.Index,
			Health:    row.Health,
			DocCount:  count,
			StoreSize: row.StoreSize,
		})
	}
	return infos, nil
}

// Search implements search.Engine.
func (c *Client) Search(ctx context.Context, query search.Query) (*search.Result, error) {
	index := strings.TrimSpace(query.Index)
	if index == "" {
		return nil, errors.New("索引名称不能为空")
	}

	size := query.Size
	if size <= 0 {
		size = 10
	}
	from := query.From
	if from < 0 {
		from = 0
	}

	body := map[string]any{"size": size, "from": from}
	if strings.TrimSpace(query.Query) == "" {
		body["query"] = map[string]any{"match_all": map[string]any{}}
	} else {
		body["query"] = map[string]any{
			"query_string": map[string]any{"query": query.Query},
		}
	}
	if field, order, ok := parseSort(query.Sort); ok {
		body["sort"] = []any{map[string]any{field: map[string]any{"order": order}}}
	}

	status, raw, err := c.do(ctx, http.MethodPost, "/"+index+"/_search", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("执行检索失败: %s", errorBody(status, raw))
	}

	var decoded struct {
		Hits struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
			Hits []struct {
				Index  string         `json:"_index"`
				ID     string         `json:"_id"`
				Score  *float64       `json:"_score"`
				Source map[string]any `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("解析检索结果失败: %w", err)
	}

	hits := make([]search.Hit, 0, len(decoded.Hits.Hits))
	for _, hit := range decoded.Hits.Hits {
		score := 0.0
		if hit.Score != nil {
			score = *hit.Score
		}
		hits = append(hits, search.Hit{
			Index:  hit.Index,
			ID:     hit.ID,
			Score:  score,
			Source: hit.Source,
		})
	}
	return &search.Result{Total: decoded.Hits.Total.Value, Hits: hits}, nil
}

// Document implements search.Engine.
func (c *Client) Document(ctx context.Context, index, id string) (*search.Document, error) {
	status, raw, err := c.do(ctx, http.MethodGet, "/"+index+"/_doc/"+id, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return nil, fmt.Errorf("获取文档失败: %s", errorBody(status, raw))
	}

	var decoded struct {
		Index  string         `json:"_index"`
		ID     string         `json:"_id"`
		Found  bool           `json:"found"`
		Source map[string]any `json:"_source"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("解析文档失败: %w", err)
	}
	if !decoded.Found {
		return nil, fmt.Errorf("document [%s] not found in [%s]", id, index)
	}
	return &search.Document{Index: decoded.Index, ID: decoded.ID, Source: decoded.Source}, nil
}

// Mapping implements search.Engine.
func (c *Client) Mapping(ctx context.Context, index string) (*search.Mapping, error) {
	status, raw, err := c.do(ctx, http.MethodGet, "/"+index+"/_mapping", nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("no such index [%s]", index)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("获取索引映射失败: %s", errorBody(status, raw))
	}

	var decoded map[string]struct {
		Mappings struct {
			Properties map[string]struct {
				Type string `json:"type"`
			} `json:"properties"`
		} `json:"mappings"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("解析索引映射失败: %w", err)
	}

	entry, ok := decoded[index]
	if !ok {
		for _, first := range decoded {
			entry = first
			break
		}
	}
	properties := make(map[string]search.FieldMapping, len(entry.Mappings.Properties))
	for field, prop := range entry.Mappings.Properties {
		properties[field] = search.FieldMapping{Type: prop.Type}
	}
	return &search.Mapping{Index: index, Properties: properties}, nil
}

// do sends one request, retrying network failures and server errors with
// linear backoff. Client errors are returned to the caller untouched.
func (c *Client) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
		payload = encoded
	}

	attempts := c.maxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return 0, nil, fmt.Errorf("构造请求失败: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		c.applyAuth(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("请求搜索引擎失败: %w", err)
			continue
		}
		raw, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("读取响应失败: %w", readErr)
			continue
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			lastErr = fmt.Errorf("搜索引擎返回 %d: %s", resp.StatusCode, truncate(string(raw), 200))
			continue
		}
		return resp.StatusCode, raw, nil
	}
	return 0, nil, lastErr
}

func (c *Client) applyAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "ApiKey "+c.apiKey)
		return
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
}

func parseSort(rule string) (field, order string, ok bool) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return "", "", false
	}
	parts := strings.SplitN(rule, ":", 2)
	field = strings.TrimSpace(parts[0])
	if field == "" {
		return "", "", false
	}
	order = "asc"
	if len(parts) == 2 && strings.EqualFold(strings.TrimSpace(parts[1]), "desc") {
		order = "desc"
	}
	return field, order, true
}

func errorBody(status int, raw []byte) string {
	return fmt.Sprintf("HTTP %d: %s", status, truncate(string(raw), 200))
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
