// Package metrics exposes pipeline and HTTP metrics in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"AgentVault/internal/model"
)

const namespace = "agentvault"

// Metrics 持有服务的全部指标，每个实例使用独立的注册表。
type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpErrors    *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
	outcomes      *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	steps         *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
}

// New 创建并注册指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Time spent reaching each pipeline stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "outcomes_total",
			Help:      "Pipeline runs by terminal outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "End-to-end pipeline duration by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "steps_total",
			Help:      "Execution step attempts by type and result.",
		}, []string{"type", "result"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "step_duration_seconds",
			Help:      "Execution step duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpErrors,
		m.httpLatency,
		m.stageDuration,
		m.outcomes,
		m.runDuration,
		m.steps,
		m.stepDuration,
	)
	return m
}

// Registry 返回底层注册表，便于测试或追加自定义指标。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= http.StatusInternalServerError {
		m.httpErrors.WithLabelValues(handler, method).Inc()
	}
	m.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveStage implements agent.Observer.
func (m *Metrics) ObserveStage(stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// ObserveOutcome implements agent.Observer.
func (m *Metrics) ObserveOutcome(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
	m.runDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveStep matches execution.StepObserver.
func (m *Metrics) ObserveStep(step model.ExecutionStep, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.steps.WithLabelValues(string(step.Type), result).Inc()
	m.stepDuration.WithLabelValues(string(step.Type)).Observe(elapsed.Seconds())
}

// RegisterCounterFunc 注册一个由回调提供数值的计数器，例如事件总线的丢弃数。
func (m *Metrics) RegisterCounterFunc(subsystem, name, help string, fn func() float64) error {
	return m.registry.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn))
}

// RegisterGaugeFunc 注册一个由回调提供数值的仪表，例如内存队列的积压长度。
func (m *Metrics) RegisterGaugeFunc(subsystem, name, help string, fn func() float64) error {
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StartServer launches a standalone HTTP server exposing the metrics under
// path, "/metrics" when empty.
func (m *Metrics) StartServer(ctx context.Context, addr, path string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
