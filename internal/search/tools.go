package search

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"OpenMCP-Search/internal/tool"
)

// DefaultSearchSize is the hit window requested when the caller does not
// specify one, matching the engine protocol default.
const DefaultSearchSize = 100

// RegisterTools binds the reference tool set to the registry. Every tool
// shares the same engine instance; handlers stay synchronous.
func RegisterTools(reg *tool.Registry, engine Engine) error {
	tools := []tool.Tool{
		healthTool(engine),
		indicesTool(engine),
		searchTool(engine),
		documentTool(engine),
		mappingTool(engine),
	}
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func healthTool(engine Engine) tool.Tool {
	return tool.Func{
		Desc: tool.Descriptor{
			Name:        "health",
			Description: "获取搜索集群的健康状态",
			Parameters:  map[string]string{},
		},
		Fn: func(ctx context.Context, _ map[string]any) (any, error) {
			return engine.Health(ctx)
		},
	}
}

func indicesTool(engine Engine) tool.Tool {
	return tool.Func{
		Desc: tool.Descriptor{
			Name:        "indices",
			Description: "列出全部索引及其文档数量等统计信息",
			Parameters:  map[string]string{},
		},
		Fn: func(ctx context.Context, _ map[string]any) (any, error) {
			return engine.Indices(ctx)
		},
	}
}

func searchTool(engine Engine) tool.Tool {
	return tool.Func{
		Desc: tool.Descriptor{
			Name:        "search",
			Description: "在指定索引中执行全文检索，索引名支持通配符",
			Parameters: map[string]string{
				"index": "索引名称或通配符模式，必填",
				"query": "检索词，留空表示匹配全部文档",
				"size":  "返回的命中数量上限，默认 100",
				"from":  "命中窗口的起始偏移量，默认 0",
				"sort":  "排序规则，形如 field:asc 或 field:desc",
			},
		},
		Fn: func(ctx context.Context, params map[string]any) (any, error) {
			index := stringParam(params, "index")
			if index == "" {
				return nil, errors.New("Index name is required")
			}
			query := Query{
				Index: index,
				Query: stringParam(params, "query"),
				Size:  intParam(params, "size", DefaultSearchSize),
				From:  intParam(params, "from", 0),
				Sort:  stringParam(params, "sort"),
			}
			return engine.Search(ctx, query)
		},
	}
}

func documentTool(engine Engine) tool.Tool {
	return tool.Func{
		Desc: tool.Descriptor{
			Name:        "document",
			Description: "根据索引名与文档 ID 获取单条文档",
			Parameters: map[string]string{
				"index": "索引名称，必填",
				"id":    "文档 ID，必填",
			},
		},
		Fn: func(ctx context.Context, params map[string]any) (any, error) {
			index := stringParam(params, "index")
			id := stringParam(params, "id")
			if index == "" || id == "" {
				return nil, errors.New("Both index and id are required")
			}
			return engine.Document(ctx, index, id)
		},
	}
}

func mappingTool(engine Engine) tool.Tool {
	return tool.Func{
		Desc: tool.Descriptor{
			Name:        "mapping",
			Description: "查看指定索引的字段结构定义",
			Parameters: map[string]string{
				"index": "索引名称，必填",
			},
		},
		Fn: func(ctx context.Context, params map[string]any) (any, error) {
			index := stringParam(params, "index")
			if index == "" {
				return nil, errors.New("Index name is required")
			}
			return engine.Mapping(ctx, index)
		},
	}
}

// stringParam 读取字符串参数，兼容数字取值。
func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	switch v := params[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

// intParam 读取整数参数。JSON 解码会把数字还原成 float64。
func intParam(params map[string]any, key string, fallback int) int {
	if params == nil {
		return fallback
	}
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if parsed, err := v.Int64(); err == nil {
			return int(parsed)
		}
	case string:
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}
