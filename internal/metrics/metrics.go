// Package metrics exposes proxy counters in Prometheus text format. Every
// method is safe on a nil *Collector so callers never need to guard.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome 是一次代理请求的终态分类。
const (
	OutcomeHit         = "hit"
	OutcomeMiss        = "miss"
	OutcomeShared      = "shared"
	OutcomeBypass      = "bypass"
	OutcomePassthrough = "passthrough"
	OutcomeError       = "error"
)

// Collector 持有独立 registry，避免与全局默认 registry 冲突。
type Collector struct {
	registry       *prometheus.Registry
	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	originFetches  *prometheus.CounterVec
	originDuration prometheus.Histogram
	storeErrors    *prometheus.CounterVec
}

// New 创建并注册全部指标。
func New() *Collector {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replayproxy_requests_total",
		Help: "Total proxied requests by outcome",
	}, []string{"outcome"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "replayproxy_request_duration_seconds",
		Help:    "Proxied request duration by outcome",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	originFetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replayproxy_origin_fetches_total",
		Help: "Total origin fetches by result",
	}, []string{"result"})

	originDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "replayproxy_origin_fetch_duration_seconds",
		Help:    "Origin round trip duration",
		Buckets: prometheus.DefBuckets,
	})

	storeErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replayproxy_cache_store_errors_total",
		Help: "Total cache store failures by operation",
	}, []string{"op"})

	registry.MustRegister(requests, duration, originFetches, originDuration, storeErrors)

	return &Collector{
		registry:       registry,
		requests:       requests,
		duration:       duration,
		originFetches:  originFetches,
		originDuration: originDuration,
		storeErrors:    storeErrors,
	}
}

// Handler 返回 Prometheus 文本格式的 http.Handler。
func (m *Collector) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest 记录一次代理请求的结果与耗时。
func (m *Collector) ObserveRequest(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveOriginFetch 记录一次上游获取；result 为 ok 或传输失败类别。
func (m *Collector) ObserveOriginFetch(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.originFetches.WithLabelValues(result).Inc()
	m.originDuration.Observe(elapsed.Seconds())
}

// RecordStoreError 记录缓存读写失败。
func (m *Collector) RecordStoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

// RegisterGauge 注册按需求值的 gauge，例如缓存条目数与进行中的获取数。
func (m *Collector) RegisterGauge(name, help string, fn func() float64) {
	if m == nil || fn == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	}, fn))
}
