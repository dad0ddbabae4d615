package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chimera"

var (
	registry = prometheus.NewRegistry()
	factory  = promauto.With(registry)

	httpRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})
	httpErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_request_errors_total",
		Help:      "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})
	httpLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	governorDecisions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "governor",
		Name:      "decisions_total",
		Help:      "Budget admission decisions by agent and status.",
	}, []string{"agent", "status"})
	governorSpend = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "governor",
		Name:      "spend_recorded_total",
		Help:      "Spend recorded into the daily ledger.",
	}, []string{"agent"})
	governorFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "governor",
		Name:      "store_failures_total",
		Help:      "Budget store operations that failed.",
	}, []string{"operation"})

	tasksEnqueued = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "planner",
		Name:      "tasks_enqueued_total",
		Help:      "Tasks pushed onto the task queue.",
	}, []string{"task_type"})
	tasksRetried = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "planner",
		Name:      "tasks_retried_total",
		Help:      "Failed tasks requeued for another attempt.",
	}, []string{"task_type"})
	tasksEscalated = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "planner",
		Name:      "tasks_escalated_total",
		Help:      "Tasks that exhausted their retries and raised an incident.",
	}, []string{"task_type"})

	workerResults = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "results_total",
		Help:      "Results produced by workers.",
	}, []string{"task_type", "status"})
	workerLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Skill execution time per task.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"task_type"})

	verdicts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "judge",
		Name:      "verdicts_total",
		Help:      "Judge verdicts by decision.",
	}, []string{"decision"})

	dropped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_items_total",
		Help:      "Queue items dropped at a loop boundary.",
	}, []string{"component", "reason"})
	queueDepth = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Last observed length of each queue.",
	}, []string{"queue"})
)

func init() {
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveGovernorDecision 记录一次预算准入判定。
func ObserveGovernorDecision(agent, status string) {
	governorDecisions.WithLabelValues(agent, status).Inc()
}

// ObserveSpend 记录写入账本的花费。
func ObserveSpend(agent string, amount float64) {
	if amount > 0 {
		governorSpend.WithLabelValues(agent).Add(amount)
	}
}

// ObserveGovernorFailure 记录预算存储故障。
func ObserveGovernorFailure(operation string) {
	governorFailures.WithLabelValues(operation).Inc()
}

// TaskEnqueued 记录任务入队。
func TaskEnqueued(taskType string) { tasksEnqueued.WithLabelValues(taskType).Inc() }

// TaskRetried 记录任务重新入队。
func TaskRetried(taskType string) { tasksRetried.WithLabelValues(taskType).Inc() }

// TaskEscalated 记录任务升级为事件。
func TaskEscalated(taskType string) { tasksEscalated.WithLabelValues(taskType).Inc() }

// ObserveWorkerResult 记录 Worker 产出的结果与耗时。
func ObserveWorkerResult(taskType, status string, duration time.Duration) {
	workerResults.WithLabelValues(taskType, status).Inc()
	workerLatency.WithLabelValues(taskType).Observe(duration.Seconds())
}

// ObserveVerdict 记录 Judge 的裁决。
func ObserveVerdict(decision string) { verdicts.WithLabelValues(decision).Inc() }

// ItemDropped 记录在循环边界被丢弃的队列元素。
func ItemDropped(component, reason string) { dropped.WithLabelValues(component, reason).Inc() }

// SetQueueDepth 更新队列长度。
func SetQueueDepth(queue string, depth int64) { queueDepth.WithLabelValues(queue).Set(float64(depth)) }

// Gatherer exposes the underlying registry, mostly for tests.
func Gatherer() prometheus.Gatherer { return registry }

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

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
