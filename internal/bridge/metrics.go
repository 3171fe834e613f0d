package bridge

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 中转服务指标，使用独立 registry
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	Published *prometheus.CounterVec
	Expired   *prometheus.CounterVec
	Delivered *prometheus.CounterVec
	Fetched   *prometheus.CounterVec
	Acquired  *prometheus.CounterVec
}

// NewMetrics 创建指标集合
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "captchabridge_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "captchabridge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1},
		}, []string{"method", "route"}),
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "captchabridge_requests_published_total",
			Help: "Captcha requests published per channel",
		}, []string{"channel"}),
		Expired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "captchabridge_requests_expired_total",
			Help: "Pending captcha requests dropped after the TTL",
		}, []string{"channel"}),
		Delivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "captchabridge_tokens_delivered_total",
			Help: "Tokens posted by producers per channel",
		}, []string{"channel"}),
		Fetched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "captchabridge_batches_fetched_total",
			Help: "Token batches handed to consumers per channel",
		}, []string{"channel"}),
		Acquired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "captchabridge_acquisitions_total",
			Help: "Token acquisitions by mode and result",
		}, []string{"mode", "result"}),
	}
}

// Registry 返回底层 registry，供同进程其他组件注册指标
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Observe 记录一次 HTTP 请求
func (m *Metrics) Observe(method, route string, status int, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// TrackPending 注册待处理请求数量的 gauge，重复注册时忽略
func (m *Metrics) TrackPending(fn func() float64) {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "captchabridge_pending_requests",
		Help: "Channels currently holding a pending captcha request",
	}, fn)
	_ = m.registry.Register(g)
}
