package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlexKimmel/GateBatch/internal/batch"
	"github.com/AlexKimmel/GateBatch/internal/executor"
)

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     *prometheus.CounterVec
	LimiterErrors   *prometheus.CounterVec

	TasksTotal      *prometheus.CounterVec
	TaskRetries     *prometheus.CounterVec
	TasksRunning    prometheus.Gauge
	AttemptDuration *prometheus.HistogramVec
	LimiterWait     *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatebatch_requests_total",
				Help: "Total HTTP requests processed by the batch server",
			},
			[]string{"path", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatebatch_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path", "method"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatebatch_rate_limited_total",
				Help: "Total requests rejected due to rate limiting",
			},
			[]string{"path"},
		),
		LimiterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatebatch_limiter_errors_total",
				Help: "Total rate limiter errors",
			},
			[]string{"path"},
		),
		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatebatch_tasks_total",
				Help: "Batch tasks by terminal outcome",
			},
			[]string{"kind", "outcome"},
		),
		TaskRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatebatch_task_retries_total",
				Help: "Retries scheduled after a failed attempt",
			},
			[]string{"kind"},
		),
		TasksRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatebatch_tasks_running",
				Help: "Executor calls currently in flight",
			},
		),
		AttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatebatch_attempt_duration_seconds",
				Help:    "Duration of single executor calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind", "result"},
		),
		LimiterWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatebatch_limiter_wait_seconds",
				Help:    "Time callers were asked to wait for a rate limit token",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.RateLimited, m.LimiterErrors,
		m.TasksTotal, m.TaskRetries, m.TasksRunning, m.AttemptDuration, m.LimiterWait,
	)
	return m
}

// kindLabel keeps caller-supplied kinds out of label values.
func kindLabel(k executor.Kind) string {
	if k.Valid() {
		return string(k)
	}
	return "unknown"
}

func (m *Metrics) AttemptStarted(kind executor.Kind) {
	m.TasksRunning.Inc()
}

func (m *Metrics) AttemptFinished(kind executor.Kind, elapsed time.Duration, err error) {
	m.TasksRunning.Dec()
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.AttemptDuration.WithLabelValues(kindLabel(kind), result).Observe(elapsed.Seconds())
}

func (m *Metrics) RetryScheduled(kind executor.Kind, _ time.Duration) {
	m.TaskRetries.WithLabelValues(kindLabel(kind)).Inc()
}

func (m *Metrics) TaskSettled(kind executor.Kind, state batch.State) {
	m.TasksTotal.WithLabelValues(kindLabel(kind), state.String()).Inc()
}

// ObserveLimiterWait matches ratelimit.WithWaitObserver.
func (m *Metrics) ObserveLimiterWait(provider string, d time.Duration) {
	m.LimiterWait.WithLabelValues(provider).Observe(d.Seconds())
}

// OnLimited and OnLimiterError match the gateway.RateLimit callbacks.
func (m *Metrics) OnLimited(path string)      { m.RateLimited.WithLabelValues(path).Inc() }
func (m *Metrics) OnLimiterError(path string) { m.LimiterErrors.WithLabelValues(path).Inc() }

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Middleware records per-request metrics labelled by the registered path.
func (m *Metrics) Middleware(skip map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			path := r.Pattern
			if path == "" {
				path = "unmatched"
			}

			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(path, r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(code)).Inc()
		})
	}
}

var _ batch.Observer = (*Metrics)(nil)
