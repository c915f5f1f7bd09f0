// Package tool 维护工具注册表：工具名称到描述符与处理函数的映射。
// 注册在进程启动阶段完成，此后注册表只读，派发无需额外同步。
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	xerrors "OpenMCP-Search/internal/errors"
	"OpenMCP-Search/internal/mcp"
)

// 工具注册表错误码。
const (
	CodeToolDuplicate xerrors.Code = "TOOL_DUPLICATE"
)

func init() {
	xerrors.Register(CodeToolDuplicate, xerrors.Attributes{
		Message:   "tool already registered",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     false,
	})
}

// Descriptor 描述一个工具的公开元数据。参数表是参数名到说明的映射。
type Descriptor struct {
	Name        string
	Description string
	Parameters  map[string]string
}

// Tool 是一个可被远程调用的命名操作。
type Tool interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, params map[string]any) (any, error)
}

// Func 将普通函数适配为 Tool。
type Func struct {
	Desc Descriptor
	Fn   func(ctx context.Context, params map[string]any) (any, error)
}

// Descriptor 实现 Tool 接口。
func (f Func) Descriptor() Descriptor { return f.Desc }

// Execute 实现 Tool 接口。
func (f Func) Execute(ctx context.Context, params map[string]any) (any, error) {
	if f.Fn == nil {
		return nil, xerrors.Newf(xerrors.CodeInitializationFailure, "工具 %s 缺少处理函数", f.Desc.Name)
	}
	return f.Fn(ctx, params)
}

// Registry 保存全部已注册工具。注册阶段加锁，启动完成后即为只读。
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry 构造空的注册表。
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register 注册一个工具。名称重复是启动期的致命错误。
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具不能为空")
	}
	desc := t.Descriptor()
	if desc.Name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具名称不能为空")
	}
	if desc.Name == mcp.CommandListTools {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "%s 是保留命令", mcp.CommandListTools)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[desc.Name]; exists {
		return xerrors.Newf(CodeToolDuplicate, "工具 %s 已注册", desc.Name)
	}
	r.tools[desc.Name] = t
	return nil
}

// Names 返回排序后的全部工具名称。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Infos 返回全部工具的公开元数据，供 list_tools 序列化。
func (r *Registry) Infos() map[string]mcp.ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make(map[string]mcp.ToolInfo, len(r.tools))
	for name, t := range r.tools {
		desc := t.Descriptor()
		infos[name] = mcp.ToolInfo{
			Description: desc.Description,
			Parameters:  desc.Parameters,
		}
	}
	return infos
}

// Dispatch 按命令名派发请求。未知命令与处理失败都折算为错误响应，
// 永远不会使服务进程退出。
func (r *Registry) Dispatch(ctx context.Context, command string, params map[string]any) *mcp.Response {
	if command == mcp.CommandListTools {
		return mcp.OK(mcp.ListToolsData{AvailableTools: r.Infos()})
	}

	r.mu.RLock()
	t, ok := r.tools[command]
	r.mu.RUnlock()
	if !ok {
		return &mcp.Response{
			Status:         mcp.StatusError,
			Message:        fmt.Sprintf("Unknown command: %s", command),
			AvailableTools: r.Names(),
		}
	}

	data, err := safeExecute(ctx, t, command, params)
	if err != nil {
		return mcp.Errorf("%s", err.Error())
	}
	return mcp.OK(data)
}

// safeExecute 执行工具并把 panic 收敛为普通错误。
func safeExecute(ctx context.Context, t Tool, command string, params map[string]any) (data any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			data = nil
			err = fmt.Errorf("tool %s panicked: %v", command, rec)
		}
	}()
	return t.Execute(ctx, params)
}
