package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	registry *prometheus.Registry

	// 入站指标
	MessagesClassified *prometheus.CounterVec
	Injections         *prometheus.CounterVec
	UnknownTokens      prometheus.Counter

	// 出站指标
	MessagesComposed prometheus.Counter
	Sends            *prometheus.CounterVec
	TokensCreated    prometheus.Counter

	// 轮询指标
	PollCycles   *prometheus.CounterVec
	PollMessages *prometheus.CounterVec

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics 创建监控指标，注册到独立的注册表上
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		MessagesClassified: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imip_gateway_messages_classified_total",
				Help: "Total number of inbound messages by classification",
			},
			[]string{"kind"},
		),

		Injections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imip_gateway_injections_total",
				Help: "Total number of injection attempts by verdict",
			},
			[]string{"verdict"},
		),

		UnknownTokens: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "imip_gateway_unknown_tokens_total",
				Help: "Total number of inbound messages carrying an unknown reply token",
			},
		),

		MessagesComposed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "imip_gateway_messages_composed_total",
				Help: "Total number of outbound invitation messages composed",
			},
		),

		Sends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imip_gateway_sends_total",
				Help: "Total number of outbound submission attempts by result",
			},
			[]string{"result"},
		),

		TokensCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "imip_gateway_tokens_created_total",
				Help: "Total number of reply tokens minted",
			},
		),

		PollCycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imip_gateway_poll_cycles_total",
				Help: "Total number of mailbox poll cycles by result",
			},
			[]string{"protocol", "result"},
		),

		PollMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imip_gateway_poll_messages_total",
				Help: "Total number of messages downloaded from the mailbox by outcome",
			},
			[]string{"protocol", "outcome"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imip_gateway_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imip_gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imip_gateway_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),
	}
}

// RecordClassified 记录入站邮件的分类结果
func (m *Metrics) RecordClassified(kind string) {
	m.MessagesClassified.WithLabelValues(kind).Inc()
}

// RecordInjection 记录一次注入尝试的结论
func (m *Metrics) RecordInjection(verdict string) {
	m.Injections.WithLabelValues(verdict).Inc()
}

// RecordUnknownToken 记录未知令牌
func (m *Metrics) RecordUnknownToken() {
	m.UnknownTokens.Inc()
}

// RecordComposed 记录一封出站邀请渲染完成
func (m *Metrics) RecordComposed(newInvitation bool) {
	m.MessagesComposed.Inc()
	if newInvitation {
		m.TokensCreated.Inc()
	}
}

// RecordSend 记录出站投递结果
func (m *Metrics) RecordSend(result string) {
	m.Sends.WithLabelValues(result).Inc()
}

// RecordPollCycle 记录一轮邮箱轮询
func (m *Metrics) RecordPollCycle(protocol, result string) {
	m.PollCycles.WithLabelValues(protocol, result).Inc()
}

// RecordPollMessage 记录轮询取回邮件的处理结果
func (m *Metrics) RecordPollMessage(protocol, outcome string) {
	m.PollMessages.WithLabelValues(protocol, outcome).Inc()
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, seconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(seconds)
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
