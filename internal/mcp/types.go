// Package mcp 实现工具调用的线上协议：长度前缀帧、请求/响应结构，
// 以及一问一答式的 TCP 服务端与客户端。
package mcp

import (
	"encoding/json"
	"fmt"

	xerrors "OpenMCP-Search/internal/errors"
)

// 响应状态取值。
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// CommandListTools 是保留命令，返回全部工具的公开元数据。
const CommandListTools = "list_tools"

// 协议层错误码。
const (
	CodeFrameOversize xerrors.Code = "MCP_FRAME_OVERSIZE"
	CodeToolDiscovery xerrors.Code = "MCP_TOOL_DISCOVERY"
)

func init() {
	xerrors.Register(CodeFrameOversize, xerrors.Attributes{
		Message:  "frame exceeds size limit",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeToolDiscovery, xerrors.Attributes{
		Message:  "tool discovery failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Request 描述一次工具调用请求。
type Request struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response 描述一次工具调用响应。status 恒存在；成功时携带 data，
// 失败时携带 message；未知命令时附带 available_tools。
type Response struct {
	Status         string   `json:"status"`
	Data           any      `json:"data,omitempty"`
	Message        string   `json:"message,omitempty"`
	AvailableTools []string `json:"available_tools,omitempty"`
}

// ToolInfo 是工具对外公开的元数据，处理函数永远不会被序列化。
type ToolInfo struct {
	Description string            `json:"description"`
	Parameters  map[string]string `json:"parameters"`
}

// ListToolsData 是 list_tools 命令的响应负载。
type ListToolsData struct {
	AvailableTools map[string]ToolInfo `json:"available_tools"`
}

// OK 构造一个成功响应。
func OK(data any) *Response {
	return &Response{Status: StatusOK, Data: data}
}

// Errorf 构造一个失败响应。
func Errorf(format string, args ...any) *Response {
	return &Response{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}

// IsOK 判断响应是否成功。
func (r *Response) IsOK() bool {
	return r != nil && r.Status == StatusOK
}

// DecodeData 将 data 字段重新解码为调用方给定的结构。
func (r *Response) DecodeData(v any) error {
	if r == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "响应为空")
	}
	raw, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Errorf("序列化响应数据失败: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("解析响应数据失败: %w", err)
	}
	return nil
}
