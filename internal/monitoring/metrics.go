package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	gatherer prometheus.Gatherer

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 订单指标
	InvoicesCreated     *prometheus.CounterVec // category
	TransactionOutcomes *prometheus.CounterVec // category, status
	ItemsDelivered      *prometheus.CounterVec // category
	PoolSize            *prometheus.GaugeVec   // category
	ReconcileDuration   prometheus.Histogram
	PendingTransactions prometheus.Gauge

	// 验证码扫描指标
	ScansTotal   *prometheus.CounterVec // result
	ScanDuration prometheus.Histogram

	// 错误指标
	GatewayErrors *prometheus.CounterVec // operation
	ErrorsTotal   *prometheus.CounterVec
	PanicsTotal   prometheus.Counter

	// 限流指标
	RateLimitBlocks *prometheus.CounterVec
}

// NewMetrics 在默认注册表上创建监控指标
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry 在指定注册表上创建监控指标，测试中每次使用新的注册表
func NewMetricsWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: gatherer,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailshop_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailshop_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		InvoicesCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailshop_invoices_created_total",
				Help: "Invoices created through the payment gateway",
			},
			[]string{"category"},
		),
		TransactionOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailshop_transactions_total",
				Help: "Transactions reaching a terminal status",
			},
			[]string{"category", "status"},
		),
		ItemsDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailshop_items_delivered_total",
				Help: "Pool items moved to buyers",
			},
			[]string{"category"},
		),
		PoolSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mailshop_pool_size",
				Help: "Unsold items per category",
			},
			[]string{"category"},
		),
		ReconcileDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailshop_reconcile_duration_seconds",
				Help:    "Duration of one reconciliation pass",
				Buckets: prometheus.DefBuckets,
			},
		),
		PendingTransactions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailshop_pending_transactions",
				Help: "Pending transactions seen by the last reconciliation pass",
			},
		),

		ScansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailshop_code_scans_total",
				Help: "Mailbox code scans by result",
			},
			[]string{"result"},
		),
		ScanDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailshop_code_scan_duration_seconds",
				Help:    "Mailbox scan duration in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30},
			},
		),

		GatewayErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailshop_gateway_errors_total",
				Help: "Payment gateway call failures",
			},
			[]string{"operation"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailshop_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),
		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailshop_panics_total",
				Help: "Total number of recovered panics",
			},
		),
		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailshop_rate_limit_blocks_total",
				Help: "Requests rejected by rate limiting",
			},
			[]string{"type"},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordInvoiceCreated 记录发票创建
func (m *Metrics) RecordInvoiceCreated(category string) {
	m.InvoicesCreated.WithLabelValues(category).Inc()
}

// RecordTransactionOutcome 记录交易终态
func (m *Metrics) RecordTransactionOutcome(category, status string) {
	m.TransactionOutcomes.WithLabelValues(category, status).Inc()
}

// RecordItemsDelivered 记录交付数量
func (m *Metrics) RecordItemsDelivered(category string, n int) {
	m.ItemsDelivered.WithLabelValues(category).Add(float64(n))
}

// UpdatePoolSize 更新库存量
func (m *Metrics) UpdatePoolSize(category string, count int) {
	m.PoolSize.WithLabelValues(category).Set(float64(count))
}

// RecordReconcile 记录一次对账
func (m *Metrics) RecordReconcile(duration time.Duration, pending int) {
	m.ReconcileDuration.Observe(duration.Seconds())
	m.PendingTransactions.Set(float64(pending))
}

// RecordScan 记录扫描结果：found / not_found / error
func (m *Metrics) RecordScan(result string, duration time.Duration) {
	m.ScansTotal.WithLabelValues(result).Inc()
	m.ScanDuration.Observe(duration.Seconds())
}

// RecordGatewayError 记录网关错误
func (m *Metrics) RecordGatewayError(operation string) {
	m.GatewayErrors.WithLabelValues(operation).Inc()
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流阻止
func (m *Metrics) RecordRateLimitBlock(limitType string) {
	m.RateLimitBlocks.WithLabelValues(limitType).Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
