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

	"AgentVault/internal/agent"
	"AgentVault/internal/compliance"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/execution"
	"AgentVault/internal/model"
	"AgentVault/internal/task"
	"AgentVault/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Pipeline 是 API 所需的编排器能力。
type Pipeline interface {
	SubmitIntent(ctx context.Context, intent model.UserIntent) *agent.PipelineResult
	GetVault(ctx context.Context, userID string) (*model.Vault, error)
	GetVaultPerformanceSummary(ctx context.Context, userID string) (model.PerformanceSummary, error)
}

// ProgressTracker 提供执行计划的进度查询。
type ProgressTracker interface {
	Progress(strategyID string) (execution.Progress, bool)
}

// RuleManager 支持在运行时查看、停用和恢复合规规则。
type RuleManager interface {
	Registry() *compliance.Registry
	RestoreDefault(id string) error
}

// RequestObserver 接收每个 HTTP 请求的统计信息。
type RequestObserver interface {
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr     string
	pipeline Pipeline
	tasks    *task.Service
	progress ProgressTracker
	rules    RuleManager
	observer RequestObserver
	logger   *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithTaskService 启用异步任务接口。
func WithTaskService(svc *task.Service) Option {
	return func(s *Server) {
		s.tasks = svc
	}
}

// WithProgressTracker 启用执行进度接口。
func WithProgressTracker(tracker ProgressTracker) Option {
	return func(s *Server) {
		s.progress = tracker
	}
}

// WithRuleManager 启用合规规则管理接口。
func WithRuleManager(rules RuleManager) Option {
	return func(s *Server) {
		s.rules = rules
	}
}

// WithRequestObserver 配置请求指标采集。
func WithRequestObserver(observer RequestObserver) Option {
	return func(s *Server) {
		s.observer = observer
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, pipeline Pipeline, opts ...Option) *Server {
	s := &Server{addr: addr, pipeline: pipeline, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/intents", s.handleSubmitIntent)
	mux.HandleFunc("POST /api/v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/v1/tasks/stats", s.handleTaskStats)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleTaskDetail)
	mux.HandleFunc("GET /api/v1/vaults/{userId}", s.handleGetVault)
	mux.HandleFunc("GET /api/v1/vaults/{userId}/performance", s.handleVaultPerformance)
	mux.HandleFunc("GET /api/v1/plans/{strategyId}/progress", s.handlePlanProgress)
	mux.HandleFunc("GET /api/v1/compliance/rules", s.handleListRules)
	mux.HandleFunc("POST /api/v1/compliance/rules", s.handleRestoreRule)
	mux.HandleFunc("DELETE /api/v1/compliance/rules/{id}", s.handleDisableRule)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return s.instrument(mux)
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

func (s *Server) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化"))
		return
	}
	var intent model.UserIntent
	if err := decodeBody(r, &intent); err != nil {
		writeError(w, err)
		return
	}
	result := s.pipeline.SubmitIntent(r.Context(), intent)
	writeJSON(w, outcomeStatus(result.Outcome), result)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	var intent model.UserIntent
	if err := decodeBody(r, &intent); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.tasks.Submit(r.Context(), intent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
		return
	}
	found, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleGetVault(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化"))
		return
	}
	v, err := s.pipeline.GetVault(r.Context(), r.PathValue("userId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleVaultPerformance(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化"))
		return
	}
	summary, err := s.pipeline.GetVaultPerformanceSummary(r.Context(), r.PathValue("userId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handlePlanProgress(w http.ResponseWriter, r *http.Request) {
	if s.progress == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "执行器未启用进度查询"))
		return
	}
	strategyID := r.PathValue("strategyId")
	progress, ok := s.progress.Progress(strategyID)
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "执行计划不存在", xerrors.WithMetadata("strategy_id", strategyID)))
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

type ruleView struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

type restoreRuleRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleListRules(w http.ResponseWriter, _ *http.Request) {
	if s.rules == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "合规规则管理未启用"))
		return
	}
	rules := s.rules.Registry().Rules()
	views := make([]ruleView, 0, len(rules))
	for _, rule := range rules {
		views = append(views, ruleView{ID: rule.ID, Description: rule.Description, Message: rule.Message})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleRestoreRule(w http.ResponseWriter, r *http.Request) {
	if s.rules == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "合规规则管理未启用"))
		return
	}
	var req restoreRuleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少规则 ID"))
		return
	}
	if err := s.rules.RestoreDefault(req.ID); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeNotFound, err, "无法恢复规则"))
		return
	}
	logger.Audit().Info("合规规则已恢复", slog.String("rule", req.ID))
	s.handleListRules(w, r)
}

func (s *Server) handleDisableRule(w http.ResponseWriter, r *http.Request) {
	if s.rules == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "合规规则管理未启用"))
		return
	}
	id := r.PathValue("id")
	if !s.rules.Registry().Remove(id) {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "规则不存在", xerrors.WithMetadata("rule", id)))
		return
	}
	logger.Audit().Warn("合规规则已停用", slog.String("rule", id))
	w.WriteHeader(http.StatusNoContent)
}

func parseListOptions(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	opts := make([]task.ListOption, 0, 8)
	intParam := func(name string) (int, bool, error) {
		raw := strings.TrimSpace(query.Get(name))
		if raw == "" {
			return 0, false, nil
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			return 0, false, xerrors.New(xerrors.CodeInvalidArgument, "参数 "+name+" 必须为非负整数")
		}
		return value, true, nil
	}
	if limit, ok, err := intParam("limit"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, task.WithLimit(limit))
	}
	if offset, ok, err := intParam("offset"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, task.WithOffset(offset))
	}
	if userID := query.Get("user_id"); userID != "" {
		opts = append(opts, task.WithUserID(userID))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.ToLower(strings.TrimSpace(part)))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if outcome := query.Get("outcome"); outcome != "" {
		opts = append(opts, task.WithOutcome(outcome))
	}
	if raw := query.Get("has_result"); raw != "" {
		hasResult, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "参数 has_result 必须为布尔值")
		}
		opts = append(opts, task.WithResultPresence(hasResult))
	}
	if since, ok, err := intParam("updated_since"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, task.WithUpdatedSince(time.Unix(int64(since), 0)))
	}
	if until, ok, err := intParam("updated_until"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, task.WithUpdatedUntil(time.Unix(int64(until), 0)))
	}
	if strings.EqualFold(query.Get("order"), "asc") {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	return opts, nil
}

func decodeBody(r *http.Request, out any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

// outcomeStatus 将流水线结论映射为 HTTP 状态码：否决与审计拒绝属于正常业务结果。
func outcomeStatus(outcome agent.Outcome) int {
	switch outcome {
	case agent.OutcomeValidationFailed:
		return http.StatusBadRequest
	case agent.OutcomeExternalError:
		return http.StatusBadGateway
	default:
		return http.StatusOK
	}
}

type errorBody struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Code: xerrors.CodeOf(err), Message: err.Error()}
	if coded, ok := xerrors.From(err); ok {
		body.Metadata = coded.Metadata()
	}
	writeJSON(w, statusForCode(body.Code), map[string]errorBody{"error": body})
}

func statusForCode(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, xerrors.CodeValidation, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, xerrors.CodeVaultNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict, xerrors.CodeAlreadyExecuted:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeExternalService, task.CodeTaskPublish, xerrors.CodeQueueFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 记录请求耗时与状态码，handler 标签使用路由模式以避免高基数。
func (s *Server) instrument(next *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		_, pattern := next.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}
		elapsed := time.Since(start)
		if s.observer != nil {
			s.observer.ObserveHTTPRequest(pattern, r.Method, rec.status, elapsed)
		}
		if rec.status >= http.StatusInternalServerError {
			s.logger.Error("请求处理失败",
				slog.String("pattern", pattern),
				slog.String("method", r.Method),
				slog.Int("status", rec.status),
				slog.Duration("elapsed", elapsed),
			)
		}
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
