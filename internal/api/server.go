package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"Chimera-Swarm/internal/auth"
	xerrors "Chimera-Swarm/internal/errors"
	"Chimera-Swarm/internal/governor"
	"Chimera-Swarm/internal/incident"
	"Chimera-Swarm/internal/observability/metrics"
	"Chimera-Swarm/internal/task"
	"Chimera-Swarm/pkg/logger"
)

// GoalSubmitter 拆解目标并入队，由 planner.Planner 实现。
type GoalSubmitter interface {
	SubmitGoal(ctx context.Context, goal string) ([]*task.Task, error)
}

// Budget 是预算查询与记账能力，由 governor.Governor 实现。
type Budget interface {
	CheckRequest(ctx context.Context, agentID string, cost float64) (governor.Status, error)
	RecordSpend(ctx context.Context, agentID string, amount float64) error
	CurrentSpend(ctx context.Context, agentID string) (float64, error)
	DailyLimit() float64
}

// QueueInspector 提供队列长度查询。
type QueueInspector interface {
	Len(ctx context.Context, queue string) (int64, error)
}

// Pinger 用于健康检查。
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies 汇总 API 依赖的组件，未配置的组件对应接口返回 503。
type Dependencies struct {
	Planner   GoalSubmitter
	Budget    Budget
	Queues    QueueInspector
	Incidents incident.Repository
	Health    Pinger
	// Auth 为空或未配置令牌时 /api/v1 下的接口不做认证。
	Auth *auth.Service
	// QueueNames 是 /api/v1/queues 需要统计的队列。
	QueueNames []string
}

// Server 负责暴露 REST 接口，供外部提交目标与查询预算、队列和事件。
type Server struct {
	addr string
	deps Dependencies
	log  *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies) *Server {
	return &Server{addr: addr, deps: deps, log: logger.Named("api")}
}

// Handler 返回挂载了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	guard := s.deps.Auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: auth.DefaultPermissions()})
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/goals", guard(http.HandlerFunc(s.handleSubmitGoal)))
	mux.Handle("GET /api/v1/budget/{agent}", guard(http.HandlerFunc(s.handleBudget)))
	mux.Handle("POST /api/v1/budget/{agent}/spend", guard(http.HandlerFunc(s.handleRecordSpend)))
	mux.Handle("GET /api/v1/queues", guard(http.HandlerFunc(s.handleQueues)))
	mux.Handle("GET /api/v1/incidents", guard(http.HandlerFunc(s.handleIncidents)))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return withMetrics(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

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

type goalRequest struct {
	Goal string `json:"goal"`
}

type goalResponse struct {
	Goal    string       `json:"goal"`
	Blocked bool         `json:"blocked"`
	Tasks   []*task.Task `json:"tasks"`
}

func (s *Server) handleSubmitGoal(w http.ResponseWriter, r *http.Request) {
	if s.deps.Planner == nil {
		writeError(w, http.StatusServiceUnavailable, "planner 未初始化")
		return
	}
	var req goalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		writeError(w, http.StatusBadRequest, "goal 不能为空")
		return
	}

	tasks, err := s.deps.Planner.SubmitGoal(r.Context(), req.Goal)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	resp := goalResponse{Goal: req.Goal, Tasks: tasks, Blocked: len(tasks) == 0}
	if resp.Tasks == nil {
		resp.Tasks = []*task.Task{}
	}
	status := http.StatusAccepted
	if resp.Blocked {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, resp)
}

type budgetResponse struct {
	AgentID string          `json:"agent_id"`
	Spent   float64         `json:"spent"`
	Limit   float64         `json:"limit"`
	Cost    float64         `json:"cost"`
	Status  governor.Status `json:"status"`
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	if s.deps.Budget == nil {
		writeError(w, http.StatusServiceUnavailable, "governor 未初始化")
		return
	}
	agentID := r.PathValue("agent")
	cost := 0.0
	if raw := r.URL.Query().Get("cost"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "cost 必须为数字")
			return
		}
		cost = parsed
	}

	status, err := s.deps.Budget.CheckRequest(r.Context(), agentID, cost)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	spent, err := s.deps.Budget.CurrentSpend(r.Context(), agentID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, budgetResponse{
		AgentID: agentID,
		Spent:   spent,
		Limit:   s.deps.Budget.DailyLimit(),
		Cost:    cost,
		Status:  status,
	})
}

type spendRequest struct {
	Amount float64 `json:"amount"`
}

func (s *Server) handleRecordSpend(w http.ResponseWriter, r *http.Request) {
	if s.deps.Budget == nil {
		writeError(w, http.StatusServiceUnavailable, "governor 未初始化")
		return
	}
	var req spendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	agentID := r.PathValue("agent")
	if err := s.deps.Budget.RecordSpend(r.Context(), agentID, req.Amount); err != nil {
		s.writeErr(w, err)
		return
	}
	status, err := s.deps.Budget.CheckRequest(r.Context(), agentID, 0)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	spent, err := s.deps.Budget.CurrentSpend(r.Context(), agentID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, budgetResponse{
		AgentID: agentID,
		Spent:   spent,
		Limit:   s.deps.Budget.DailyLimit(),
		Status:  status,
	})
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queues == nil {
		writeError(w, http.StatusServiceUnavailable, "队列存储未初始化")
		return
	}
	depths := make(map[string]int64, len(s.deps.QueueNames))
	for _, name := range s.deps.QueueNames {
		n, err := s.deps.Queues.Len(r.Context(), name)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		depths[name] = n
		metrics.SetQueueDepth(name, n)
	}
	writeJSON(w, http.StatusOK, depths)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Incidents == nil {
		writeError(w, http.StatusServiceUnavailable, "事件归档未初始化")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	items, err := s.deps.Incidents.ListLatest(r.Context(), limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if items == nil {
		items = []incident.Incident{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error string       `json:"error"`
	Code  xerrors.Code `json:"code,omitempty"`
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("请求处理失败", slog.String("code", string(code)), slog.Any("error", err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func statusFor(err error) int {
	switch {
	case xerrors.HasCode(err, xerrors.CodeInvalidArgument), task.IsValidationError(err):
		return http.StatusBadRequest
	case xerrors.HasCode(err, xerrors.CodeNotFound):
		return http.StatusNotFound
	case governor.IsUnavailable(err), xerrors.HasCode(err, xerrors.CodeQueueFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withMetrics 记录每个路由的请求量与耗时。
func withMetrics(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		mux.ServeHTTP(rec, r)
		_, pattern := mux.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(start))
	})
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
