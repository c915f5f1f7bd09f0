package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	xerrors "OpenMCP-Search/internal/errors"
	"OpenMCP-Search/internal/llm"
)

// Client 通过调用 Python 脚本实现大模型推理。每次调用都会启动一次脚本，
// 输入输出均为单次 JSON：stdin 写入 {"stage": ..., "payload": ...}，
// stdout 读取该阶段的结构化结果。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, fmt.Errorf("未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

// Plan 调用脚本的 plan 阶段。
func (c *Client) Plan(ctx context.Context, req llm.PlanRequest) (*llm.PlanResult, error) {
	out, err := c.invoke(ctx, "plan", map[string]any{
		"query":   req.Query,
		"history": req.History,
		"tools":   req.Tools,
	})
	if err != nil {
		return nil, err
	}

	var result llm.PlanResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, xerrors.Wrap(llm.CodePlanParse, err, "解析规划输出失败")
	}
	return &result, nil
}

// Analyze 调用脚本的 analyze 阶段。
func (c *Client) Analyze(ctx context.Context, req llm.AnalyzeRequest) (*llm.AnalyzeResult, error) {
	out, err := c.invoke(ctx, "analyze", map[string]any{
		"query":     req.Query,
		"task":      req.Task,
		"history":   req.History,
		"tools":     req.Tools,
		"knowledge": req.Knowledge,
		"context":   req.Context,
	})
	if err != nil {
		return nil, err
	}

	var result llm.AnalyzeResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, xerrors.Wrap(llm.CodeAnalyzeParse, err, "解析分析输出失败")
	}
	if strings.TrimSpace(result.Command) == "" {
		return nil, xerrors.New(llm.CodeAnalyzeParse, "分析输出缺少 command 字段")
	}
	if result.Params == nil {
		result.Params = map[string]any{}
	}
	return &result, nil
}

// Format 调用脚本的 format 阶段。
func (c *Client) Format(ctx context.Context, req llm.FormatRequest) (string, error) {
	out, err := c.invoke(ctx, "format", map[string]any{
		"query":    req.Query,
		"task":     req.Task,
		"response": req.Response,
		"history":  req.History,
		"context":  req.Context,
	})
	if err != nil {
		return "", err
	}

	var result struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		return "", fmt.Errorf("解析 Python 输出失败: %w", err)
	}
	return result.Answer, nil
}

func (c *Client) invoke(ctx context.Context, stage string, payload map[string]any) ([]byte, error) {
	encoded, err := json.Marshal(map[string]any{
		"stage":     stage,
		"payload":   payload,
		"timestamp": time.Now().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("执行 Python 脚本失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
