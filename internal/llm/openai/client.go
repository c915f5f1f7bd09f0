package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	xerrors "OpenMCP-Search/internal/errors"
	"OpenMCP-Search/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 提供的大模型能力。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Plan 调用模型把用户问题拆解为任务队列。
func (c *Client) Plan(ctx context.Context, req llm.PlanRequest) (*llm.PlanResult, error) {
	content, err := c.chat(ctx, planSystemPrompt, buildPlanPrompt(req))
	if err != nil {
		return nil, err
	}

	var result llm.PlanResult
	if err := json.Unmarshal([]byte(extractJSON(content)), &result); err != nil {
		return nil, xerrors.Wrapf(llm.CodePlanParse, err, "解析规划输出失败: %s", truncate(content, 120))
	}
	return &result, nil
}

// Analyze 调用模型为当前任务选出下一个命令。
func (c *Client) Analyze(ctx context.Context, req llm.AnalyzeRequest) (*llm.AnalyzeResult, error) {
	content, err := c.chat(ctx, analyzeSystemPrompt, buildAnalyzePrompt(req))
	if err != nil {
		return nil, err
	}

	var result llm.AnalyzeResult
	if err := json.Unmarshal([]byte(extractJSON(content)), &result); err != nil {
		return nil, xerrors.Wrapf(llm.CodeAnalyzeParse, err, "解析分析输出失败: %s", truncate(content, 120))
	}
	if strings.TrimSpace(result.Command) == "" {
		return nil, xerrors.Newf(llm.CodeAnalyzeParse, "分析输出缺少 command 字段: %s", truncate(content, 120))
	}
	if result.Params == nil {
		result.Params = map[string]any{}
	}
	return &result, nil
}

// Format 调用模型把工具结果润色为面向用户的回答。
func (c *Client) Format(ctx context.Context, req llm.FormatRequest) (string, error) {
	content, err := c.chat(ctx, formatSystemPrompt, buildFormatPrompt(req))
	if err != nil {
		return "", err
	}

	// 个别模型仍会包一层 JSON，做一次宽松解包。
	var structured struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal([]byte(extractJSON(content)), &structured); err == nil {
		if answer := strings.TrimSpace(structured.Answer); answer != "" {
			return answer, nil
		}
	}
	return content, nil
}

func (c *Client) chat(ctx context.Context, system, user string) (string, error) {
	payload, err := c.buildPayload(system, user)
	if err != nil {
		return "", err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("解析 OpenAI 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("OpenAI 响应内容为空")
	}
	return content, nil
}

func (c *Client) buildPayload(system, user string) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := []message{
		{
			Role:    "system",
			Content: system,
		},
		{
			Role:    "user",
			Content: user,
		},
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": 0.2,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

const planSystemPrompt = "" +
	"You are the planner of a search agent. " +
	"Break the user question into an ordered list of executable tasks. " +
	"Always respond with a compact JSON object: {\"thoughts\": [string], \"tasks\": [string]}. " +
	"Use Chinese for each task description."

const analyzeSystemPrompt = "" +
	"You are the analyst of a search agent. " +
	"Pick exactly one tool command that advances the current task, using only the commands listed in the prompt. " +
	"Always respond with a compact JSON object: {\"thoughts\": [string], \"command\": string, \"params\": object}."

const formatSystemPrompt = "" +
	"You are the answer writer of a search agent. " +
	"Turn the tool result into a concise, factual answer for the user. " +
	"Respond with plain Chinese text, no JSON wrapper."

func buildPlanPrompt(req llm.PlanRequest) string {
	var builder strings.Builder
	builder.WriteString("## 用户问题\n")
	builder.WriteString(strings.TrimSpace(req.Query))
	builder.WriteString("\n")

	writeTools(&builder, req.Tools)
	writeHistory(&builder, req.History)

	builder.WriteString("\n请把问题拆解为有序的任务列表 tasks，并在 thoughts 中说明拆解思路。")
	return builder.String()
}

func buildAnalyzePrompt(req llm.AnalyzeRequest) string {
	var builder strings.Builder
	builder.WriteString("## 当前任务\n")
	builder.WriteString(fmt.Sprintf("任务: %s\n", strings.TrimSpace(req.Task)))
	builder.WriteString(fmt.Sprintf("原始问题: %s\n", strings.TrimSpace(req.Query)))

	writeTools(&builder, req.Tools)

	if len(req.Knowledge) > 0 {
		builder.WriteString("\n## 知识库\n")
		for idx, card := range req.Knowledge {
			builder.WriteString(fmt.Sprintf("[%d] %s: %s\n",
				idx+1,
				strings.TrimSpace(card.Title),
				truncate(card.Content, 80),
			))
			if idx >= 4 {
				break
			}
		}
	}

	if len(req.Context) > 0 {
		builder.WriteString("\n## 工作区数据\n")
		if encoded, err := json.Marshal(req.Context); err == nil {
			builder.WriteString(truncate(string(encoded), 600))
			builder.WriteString("\n")
		}
	}

	writeHistory(&builder, req.History)

	builder.WriteString("\n请从可用工具中选出最合适的 command 与 params，不要虚构工具名。")
	return builder.String()
}

func buildFormatPrompt(req llm.FormatRequest) string {
	var builder strings.Builder
	builder.WriteString("## 当前任务\n")
	builder.WriteString(fmt.Sprintf("任务: %s\n", strings.TrimSpace(req.Task)))
	builder.WriteString(fmt.Sprintf("原始问题: %s\n", strings.TrimSpace(req.Query)))

	builder.WriteString("\n## 工具结果\n")
	if encoded, err := json.Marshal(req.Response); err == nil {
		builder.WriteString(truncate(string(encoded), 1200))
		builder.WriteString("\n")
	} else {
		builder.WriteString(fmt.Sprintf("%v\n", req.Response))
	}

	writeHistory(&builder, req.History)

	builder.WriteString("\n请基于工具结果回答用户问题，信息不足时如实说明。")
	return builder.String()
}

func writeTools(builder *strings.Builder, tools []llm.ToolCard) {
	if len(tools) == 0 {
		return
	}
	builder.WriteString("\n## 可用工具\n")
	for idx, card := range tools {
		builder.WriteString(fmt.Sprintf("[%d] %s: %s\n", idx+1, card.Name, truncate(card.Description, 80)))
		names := make([]string, 0, len(card.Parameters))
		for name := range card.Parameters {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			builder.WriteString(fmt.Sprintf("    - %s: %s\n", name, truncate(card.Parameters[name], 80)))
		}
	}
}

func writeHistory(builder *strings.Builder, history []llm.HistoryEntry) {
	if len(history) == 0 {
		return
	}
	builder.WriteString("\n## 历史上下文\n")
	for idx, entry := range history {
		builder.WriteString(fmt.Sprintf("[%d] 问:%s | 答:%s\n",
			idx+1,
			truncate(entry.Input, 80),
			truncate(entry.Output, 80),
		))
		if idx >= 4 {
			break
		}
	}
}

// extractJSON 剥离 Markdown 代码围栏，截取首尾括号之间的 JSON 片段。
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if idx := strings.LastIndex(content, "```"); idx >= 0 {
			content = content[:idx]
		}
		content = strings.TrimSpace(content)
	}
	start := strings.IndexAny(content, "{[")
	if start < 0 {
		return content
	}
	end := strings.LastIndexAny(content, "}]")
	if end < start {
		return content
	}
	return content[start : end+1]
}

func truncate(text string, limit int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return text
}
