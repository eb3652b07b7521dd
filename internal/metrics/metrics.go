// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ミドルウェアやサービス層から利用する。
type MetricsCollector interface {
	RecordAvailabilityCheck(status string)
	RecordClaim(outcome string)
	RecordRetry()
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	availabilityChecks *prometheus.CounterVec
	claims             *prometheus.CounterVec
	retries            prometheus.Counter
	httpStatus         *prometheus.CounterVec
	requestLatency     prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		availabilityChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handleclaim_availability_checks_total",
			Help: "結果別のユーザー名空き確認の数",
		}, []string{"status"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handleclaim_claims_total",
			Help: "結果別のユーザー名取得の数",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "handleclaim_rate_limit_retries_total",
			Help: "レート制限によるリトライの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handleclaim_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "handleclaim_request_latency_seconds",
			Help:    "HTTPリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.availabilityChecks,
		c.claims,
		c.retries,
		c.httpStatus,
		c.requestLatency,
	)

	return c
}

// RecordAvailabilityCheck は空き確認の結果を記録する。
func (c *Collector) RecordAvailabilityCheck(status string) {
	c.availabilityChecks.WithLabelValues(status).Inc()
}

// RecordClaim はユーザー名取得の結果を記録する。
func (c *Collector) RecordClaim(outcome string) {
	c.claims.WithLabelValues(outcome).Inc()
}

// RecordRetry はリトライを記録する。
func (c *Collector) RecordRetry() {
	c.retries.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストのレイテンシを記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// Middleware はレスポンスのステータスコードとレイテンシを記録するHTTPミドルウェアを返す。
// WriteHeaderが呼ばれなかったレスポンスは200として記録する。
func (c *Collector) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				c.RecordHTTPStatus(status)
				c.RecordRequestLatency(time.Since(start))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// 収集エラーは返せた分だけ返し、promhttp_metric_handler_errors_totalに記録する。
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.InstrumentMetricHandler(reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
}

// SetupMetricsRoute はAPIサーバーを持たないプロセス向けに/metricsと/healthだけを提供するハンドラーを返す。
func SetupMetricsRoute(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Method(http.MethodGet, "/metrics", Handler(reg))
	return r
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
