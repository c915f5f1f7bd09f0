package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenMCP-Search/internal/auth"
	xerrors "OpenMCP-Search/internal/errors"
	"OpenMCP-Search/internal/observability/metrics"
	"OpenMCP-Search/internal/session"
)

// Server 负责暴露 REST 接口，供外部提交会话并跟踪进展。
type Server struct {
	addr    string
	service *session.Service
	auth    *auth.Service
}

// ServerOption 定义可选配置。
type ServerOption func(*Server)

// WithAuthService 启用基于静态令牌的访问控制。
func WithAuthService(svc *auth.Service) ServerOption {
	return func(s *Server) {
		s.auth = svc
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, service *session.Service, opts ...ServerOption) *Server {
	s := &Server{addr: addr, service: service}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// routes 组装完整的请求路由，健康检查不参与认证。
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", measured("healthz", s.handleHealth))

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/api/v1/sessions", measured("sessions", s.handleSessions))
	apiMux.HandleFunc("/api/v1/sessions/", measured("session_detail", s.handleSessionDetail))
	apiMux.HandleFunc("/api/v1/stats", measured("stats", s.handleStats))

	var apiHandler http.Handler = apiMux
	if s.auth != nil {
		apiHandler = s.auth.Middleware(auth.MiddlewareConfig{AuditEvent: "session_api"})(apiMux)
	}
	mux.Handle("/api/v1/", apiHandler)
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "仅支持 GET/POST")
	}
}

// handleSubmit 处理创建会话的请求。
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "会话服务未初始化")
		return
	}

	var req session.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "请求体解析失败")
		return
	}

	sess, err := s.service.Submit(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

// handleList 返回符合过滤条件的会话列表。
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "会话服务未初始化")
		return
	}

	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	sessions, err := s.service.List(r.Context(), opts...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleSessionDetail 处理单个会话的查询与反馈提交。
// 路径形如 /api/v1/sessions/{id} 或 /api/v1/sessions/{id}/input。
func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "会话服务未初始化")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "MISSING_ID", "缺少会话 ID")
		return
	}

	if id, ok := strings.CutSuffix(rest, "/input"); ok {
		s.handleInput(w, r, id)
		return
	}
	if strings.Contains(rest, "/") {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "未知的资源路径")
		return
	}

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "仅支持 GET")
		return
	}
	sess, err := s.service.Get(r.Context(), rest)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// InputRequest 描述用户对等待反馈会话的补充输入。
type InputRequest struct {
	Input string `json:"input"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "仅支持 POST")
		return
	}
	if strings.TrimSpace(id) == "" {
		writeError(w, http.StatusBadRequest, "MISSING_ID", "缺少会话 ID")
		return
	}

	var req InputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "请求体解析失败")
		return
	}

	sess, err := s.service.ProvideInput(r.Context(), id, req.Input)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

// handleStats 返回会话统计信息。
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "仅支持 GET")
		return
	}
	if s.service == nil {
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "会话服务未初始化")
		return
	}

	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	stats, err := s.service.Stats(r.Context(), opts...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "仅支持 GET")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseListOptions 将查询参数转换为会话过滤条件。
func parseListOptions(r *http.Request) ([]session.ListOption, error) {
	values := r.URL.Query()
	var opts []session.ListOption

	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, errors.New("limit 必须是正整数")
		}
		opts = append(opts, session.WithLimit(limit))
	}
	if raw := values.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, errors.New("offset 必须是非负整数")
		}
		opts = append(opts, session.WithOffset(offset))
	}
	if raw := values.Get("status"); raw != "" {
		var statuses []session.Status
		for _, part := range strings.Split(raw, ",") {
			status := session.Status(strings.TrimSpace(part))
			if status == "" {
				continue
			}
			if !session.IsValidStatus(status) {
				return nil, errors.New("未知的会话状态: " + string(status))
			}
			statuses = append(statuses, status)
		}
		if len(statuses) > 0 {
			opts = append(opts, session.WithStatuses(statuses...))
		}
	}
	if raw := values.Get("updated_gte"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.New("updated_gte 必须是 Unix 时间戳")
		}
		opts = append(opts, session.WithUpdatedSince(time.Unix(ts, 0)))
	}
	if raw := values.Get("updated_lte"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.New("updated_lte 必须是 Unix 时间戳")
		}
		opts = append(opts, session.WithUpdatedUntil(time.Unix(ts, 0)))
	}
	if raw := values.Get("has_answer"); raw != "" {
		hasAnswer, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.New("has_answer 必须是布尔值")
		}
		opts = append(opts, session.WithAnswerPresence(hasAnswer))
	}
	if raw := values.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "asc":
			opts = append(opts, session.WithSortOrder(session.SortByUpdatedAsc))
		case "desc":
			opts = append(opts, session.WithSortOrder(session.SortByUpdatedDesc))
		default:
			return nil, errors.New("order 仅支持 asc/desc")
		}
	}
	if raw := values.Get("q"); raw != "" {
		opts = append(opts, session.WithQuery(raw))
	}
	return opts, nil
}

// errorBody 是统一的错误响应格式。
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeServiceError 将服务层错误映射为 HTTP 状态码。
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrSessionConflict),
		errors.Is(err, session.ErrSessionCompleted),
		errors.Is(err, session.ErrSessionNotAwaiting),
		errors.Is(err, session.ErrSessionExhausted):
		status = http.StatusConflict
	case xerrors.CodeOf(err) == session.CodeSessionValidation:
		status = http.StatusBadRequest
	case xerrors.CodeOf(err) == xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	}

	code := string(xerrors.CodeOf(err))
	if code == string(xerrors.CodeUnknown) {
		code = "INTERNAL"
	}
	writeError(w, status, code, err.Error())
}

// measured 为处理函数记录请求量与耗时指标。
func measured(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		handler(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	}
}

// statusWriter 捕获写入的响应状态码。
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
