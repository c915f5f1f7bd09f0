package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	xerrors "OpenMCP-Search/internal/errors"
	"OpenMCP-Search/pkg/logger"
)

// Dispatcher 将命令路由到已注册的工具并返回响应。
type Dispatcher interface {
	Dispatch(ctx context.Context, command string, params map[string]any) *Response
}

// Server 在 TCP 上提供工具调用服务。每个连接恰好承载一次请求与
// 一次响应，随后关闭；连接之间互不共享可变状态。
type Server struct {
	addr        string
	dispatcher  Dispatcher
	log         *slog.Logger
	maxFrame    uint32
	connTimeout time.Duration
	observe     ObserveFunc

	mu       sync.Mutex
	listener net.Listener
	conns    sync.WaitGroup
}

// ObserveFunc 在每次调用完成后被回调，用于接入指标采集。
type ObserveFunc func(command, status string, elapsed time.Duration)

// ServerOption 定义可选的服务端配置。
type ServerOption func(*Server)

// WithServerLogger 指定服务端日志器。
func WithServerLogger(log *slog.Logger) ServerOption {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMaxFrameSize 设置单帧负载上限。
func WithMaxFrameSize(limit uint32) ServerOption {
	return func(s *Server) {
		if limit > 0 {
			s.maxFrame = limit
		}
	}
}

// WithConnTimeout 设置每个连接的整体读写超时。
func WithConnTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		if timeout > 0 {
			s.connTimeout = timeout
		}
	}
}

// WithCallObserver 注册调用完成后的观测回调。
func WithCallObserver(fn ObserveFunc) ServerOption {
	return func(s *Server) {
		s.observe = fn
	}
}

// NewServer 构造工具调用服务端。
func NewServer(addr string, dispatcher Dispatcher, opts ...ServerOption) *Server {
	srv := &Server{
		addr:       addr,
		dispatcher: dispatcher,
		log:        logger.Named("mcp.server"),
		maxFrame:   DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(srv)
		}
	}
	return srv
}

// Listen 绑定监听地址。单独暴露以便调用方在启动前获知实际端口。
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return xerrors.Wrapf(xerrors.CodeInitializationFailure, err, "监听 %s 失败", s.addr)
	}
	s.listener = listener
	return nil
}

// Addr 返回实际监听地址。
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Start 启动服务，直到上下文取消或监听出错。
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve 运行接受循环。每个连接由独立的 goroutine 处理。
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "服务尚未监听")
	}

	// 上下文取消时关闭监听器，使 Accept 立即返回。
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = listener.Close()
		case <-stop:
		}
	}()

	s.log.Info("MCP 服务开始监听", slog.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.conns.Wait()
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				s.conns.Wait()
				return nil
			}
			s.log.Warn("接受连接失败", slog.String("error", err.Error()))
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn 读取一帧请求、派发并写回一帧响应。
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if s.connTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.connTimeout))
	}

	var req Request
	if err := ReadJSON(conn, s.maxFrame, &req); err != nil {
		s.log.Warn("读取请求失败",
			slog.String("remote", conn.RemoteAddr().String()),
			slog.String("error", err.Error()))
		_ = WriteJSON(conn, Errorf("请求解析失败: %v", err))
		return
	}

	started := time.Now()
	resp := s.dispatcher.Dispatch(ctx, req.Command, req.Params)
	if resp == nil {
		resp = Errorf("命令 %s 没有产生响应", req.Command)
	}
	if s.observe != nil {
		s.observe(req.Command, resp.Status, time.Since(started))
	}

	if err := WriteJSON(conn, resp); err != nil {
		s.log.Warn("写入响应失败",
			slog.String("command", req.Command),
			slog.String("error", err.Error()))
	}
}
