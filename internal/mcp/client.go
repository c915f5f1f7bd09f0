package mcp

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"time"

	xerrors "OpenMCP-Search/internal/errors"
	"OpenMCP-Search/pkg/logger"
)

// 客户端默认超时配置。
const (
	defaultDialTimeout = 5 * time.Second
	defaultCallTimeout = 60 * time.Second
)

// Client 是同步的工具调用客户端：每次调用建立一条新连接，发送一帧
// 请求并等待一帧响应。构造时会预取 list_tools 元数据供提示词使用。
type Client struct {
	addr        string
	dialTimeout time.Duration
	callTimeout time.Duration
	maxFrame    uint32
	log         *slog.Logger
	tools       map[string]ToolInfo
}

// ClientOption 定义可选的客户端配置。
type ClientOption func(*Client)

// WithDialTimeout 设置建立连接的超时时间。
func WithDialTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.dialTimeout = timeout
		}
	}
}

// WithCallTimeout 设置单次调用的整体超时时间。
func WithCallTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

// WithClientMaxFrameSize 设置客户端可接收的单帧上限。
func WithClientMaxFrameSize(limit uint32) ClientOption {
	return func(c *Client) {
		if limit > 0 {
			c.maxFrame = limit
		}
	}
}

// WithClientLogger 指定客户端日志器。
func WithClientLogger(log *slog.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient 构造客户端并立即执行工具发现。发现失败视为启动失败。
func NewClient(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		addr:        addr,
		dialTimeout: defaultDialTimeout,
		callTimeout: defaultCallTimeout,
		maxFrame:    DefaultMaxFrameSize,
		log:         logger.Named("mcp.client"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	resp := c.Call(ctx, CommandListTools, nil)
	if !resp.IsOK() {
		return nil, xerrors.Newf(CodeToolDiscovery, "获取工具列表失败: %s", resp.Message)
	}
	var data ListToolsData
	if err := resp.DecodeData(&data); err != nil {
		return nil, xerrors.Wrap(CodeToolDiscovery, err, "解析工具列表失败")
	}
	c.tools = data.AvailableTools
	c.log.Info("工具发现完成", slog.Int("tools", len(c.tools)))
	return c, nil
}

// Call 执行一次远程工具调用。连接失败、超时等传输层错误不会上抛，
// 而是折算成 status=error 的响应返回。
func (c *Client) Call(ctx context.Context, command string, params map[string]any) *Response {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return Errorf("连接工具服务失败: %v", err)
	}
	defer conn.Close()

	if c.callTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.callTimeout))
	}

	if err := WriteJSON(conn, &Request{Command: command, Params: params}); err != nil {
		return Errorf("发送请求失败: %v", err)
	}

	var resp Response
	if err := ReadJSON(conn, c.maxFrame, &resp); err != nil {
		return Errorf("读取响应失败: %v", err)
	}
	if resp.Status == "" {
		return Errorf("响应缺少状态字段")
	}
	return &resp
}

// Tools 返回启动时缓存的工具元数据副本。
func (c *Client) Tools() map[string]ToolInfo {
	if c == nil || len(c.tools) == 0 {
		return nil
	}
	clone := make(map[string]ToolInfo, len(c.tools))
	for name, info := range c.tools {
		clone[name] = info
	}
	return clone
}

// ToolNames 返回排序后的工具名称列表。
func (c *Client) ToolNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
