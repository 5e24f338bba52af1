package proxy

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/replayproxy/internal/cache"
	"github.com/any-hub/replayproxy/internal/cachekey"
	"github.com/any-hub/replayproxy/internal/flight"
	"github.com/any-hub/replayproxy/internal/logging"
	"github.com/any-hub/replayproxy/internal/metrics"
	"github.com/any-hub/replayproxy/internal/origin"
	"github.com/any-hub/replayproxy/internal/server"
)

// Fetcher 抽象上游获取，便于测试注入。
type Fetcher interface {
	Fetch(ctx context.Context, req origin.Request) (*cache.Entry, error)
}

// Options 汇总 Handler 依赖。
type Options struct {
	Fetcher     Fetcher
	Store       cache.Store
	Coordinator *flight.Coordinator
	Keys        *cachekey.Builder
	Expiry      cache.ExpiryPolicy
	Metrics     *metrics.Collector
	Logger      *logrus.Logger
}

// Handler 负责 orchestrate “指纹 → 缓存命中 → 合并回源 → 写缓存” 的全流程，
// 对外暴露 Fiber handler，内部复用共享 fasthttp.Client 与 SQLite 缓存。
type Handler struct {
	fetcher Fetcher
	store   cache.Store
	flights *flight.Coordinator
	keys    *cachekey.Builder
	expiry  cache.ExpiryPolicy
	metrics *metrics.Collector
	logger  *logrus.Logger
}

// NewHandler constructs a proxy handler with shared fetcher/store/coordinator.
func NewHandler(opts Options) *Handler {
	coordinator := opts.Coordinator
	if coordinator == nil {
		coordinator = flight.NewCoordinator()
	}
	keys := opts.Keys
	if keys == nil {
		keys = cachekey.NewBuilder(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		fetcher: opts.Fetcher,
		store:   opts.Store,
		flights: coordinator,
		keys:    keys,
		expiry:  opts.Expiry,
		metrics: opts.Metrics,
		logger:  logger,
	}
}

// Handle 处理代理形式请求：可缓存则查缓存/合并回源，不可缓存则直接回源。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	req := captureRequest(c)
	log := requestLog{
		requestID: server.RequestID(c),
		method:    req.Method,
		target:    req.Target,
		started:   started,
	}

	key, target, err := h.keys.BuildTarget(cachekey.Request{
		Method: req.Method,
		Target: req.Target,
		Header: headersAsHTTP(req.Headers),
	})
	if err != nil {
		log.reason = bypassReason(err)
		return h.bypass(c, req, log)
	}
	log.key = key
	log.normalized = target.String()

	ctx := requestContext(c)
	if h.store == nil {
		log.reason = "store_unavailable"
		return h.bypass(c, req, log)
	}
	entry, err := h.store.Get(ctx, key)
	switch {
	case err == nil && !h.expiry.Expired(entry):
		log.outcome = metrics.OutcomeHit
		h.finish(log, entry.Status, nil)
		return writeEntry(c, entry, metrics.OutcomeHit)
	case err == nil, errors.Is(err, cache.ErrNotFound):
		// miss 或已过期
	default:
		// 存储不可读：仍按 miss 合并回源，但不写缓存
		h.metrics.RecordStoreError("get")
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "cache_get",
			"key":        key.Short(),
			"request_id": log.requestID,
		}).Warn("cache_get_failed")
		log.reason = "store_unavailable"
		return h.collapse(c, key, log, func(fetchCtx context.Context) (*cache.Entry, bool, error) {
			entry, err := h.fetch(fetchCtx, req)
			return entry, false, err
		})
	}

	return h.collapse(c, key, log, func(fetchCtx context.Context) (*cache.Entry, bool, error) {
		return h.fetchAndStore(fetchCtx, key, req, log.requestID)
	})
}

// collapse 通过 Coordinator 合并同一指纹的并发获取；fn 的第二个返回值表示结果来自缓存复查。
func (h *Handler) collapse(c fiber.Ctx, key cachekey.Key, log requestLog, fn func(context.Context) (*cache.Entry, bool, error)) error {
	// reused 仅在本请求作为 leader 执行获取时被写入，Do 返回前已完成
	reused := false
	result, err := h.flights.Do(requestContext(c), key.String(), func(fetchCtx context.Context) (*cache.Entry, error) {
		entry, cached, err := fn(fetchCtx)
		reused = cached
		return entry, err
	})
	if err != nil {
		log.outcome = metrics.OutcomeError
		h.finish(log, 0, err)
		return writeFetchError(c, err)
	}

	switch {
	case result.Shared:
		log.outcome = metrics.OutcomeShared
	case reused:
		log.outcome = metrics.OutcomeHit
	default:
		log.outcome = metrics.OutcomeMiss
	}
	h.finish(log, result.Entry.Status, nil)
	return writeEntry(c, result.Entry, log.outcome)
}

// Passthrough 将直连请求转发到映射的上游，永不读写缓存、永不合并。
func (h *Handler) Passthrough(c fiber.Ctx, route *server.PassthroughRoute) error {
	req := captureRequest(c)
	req.Target = route.Target(string(c.Request().Header.RequestURI()))
	req.Headers = appendForwardedHeaders(c, req.Headers)

	log := requestLog{
		requestID: server.RequestID(c),
		method:    req.Method,
		target:    req.Target,
		started:   time.Now(),
		route:     route.Config.Name,
	}

	entry, err := h.fetch(requestContext(c), req)
	if err != nil {
		log.outcome = metrics.OutcomeError
		h.finish(log, 0, err)
		return writeFetchError(c, err)
	}
	log.outcome = metrics.OutcomePassthrough
	h.finish(log, entry.Status, nil)
	return writeEntry(c, entry, metrics.OutcomeBypass)
}

func (h *Handler) bypass(c fiber.Ctx, req origin.Request, log requestLog) error {
	entry, err := h.fetch(requestContext(c), req)
	if err != nil {
		log.outcome = metrics.OutcomeError
		h.finish(log, 0, err)
		return writeFetchError(c, err)
	}
	log.outcome = metrics.OutcomeBypass
	h.finish(log, entry.Status, nil)
	return writeEntry(c, entry, metrics.OutcomeBypass)
}

// fetchAndStore 在共享获取内执行：先复查缓存，避免刚写入的条目被重复回源。
// 写缓存失败仍返回上游响应，只是不缓存。
func (h *Handler) fetchAndStore(ctx context.Context, key cachekey.Key, req origin.Request, requestID string) (*cache.Entry, bool, error) {
	if cached, err := h.store.Get(ctx, key); err == nil && !h.expiry.Expired(cached) {
		return cached, true, nil
	}

	entry, err := h.fetch(ctx, req)
	if err != nil {
		return nil, false, err
	}

	if err := h.store.Put(ctx, key, *entry); err != nil {
		h.metrics.RecordStoreError("put")
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "cache_put",
			"key":        key.Short(),
			"target":     req.Target,
			"request_id": requestID,
		}).Warn("cache_put_failed")
	}
	return entry, false, nil
}

func (h *Handler) fetch(ctx context.Context, req origin.Request) (*cache.Entry, error) {
	if h.fetcher == nil {
		return nil, &origin.TransportError{Kind: origin.KindDial, Target: req.Target, Err: errors.New("origin fetcher not configured")}
	}
	started := time.Now()
	entry, err := h.fetcher.Fetch(ctx, req)
	result := "ok"
	var te *origin.TransportError
	if errors.As(err, &te) {
		result = string(te.Kind)
	} else if err != nil {
		result = "error"
	}
	h.metrics.ObserveOriginFetch(result, time.Since(started))
	return entry, err
}

// requestLog 聚合一次请求的日志字段，终态时统一输出。
type requestLog struct {
	requestID  string
	method     string
	target     string
	normalized string
	key        cachekey.Key
	outcome    string
	reason     string
	route      string
	started    time.Time
}

func (h *Handler) finish(log requestLog, status int, err error) {
	elapsed := time.Since(log.started)
	h.metrics.ObserveRequest(log.outcome, elapsed)

	fields := logging.RequestFields(log.method, log.target, log.outcome, log.outcome == metrics.OutcomeHit)
	fields["action"] = "proxy"
	fields["upstream_status"] = status
	fields["elapsed_ms"] = elapsed.Milliseconds()
	if log.key != "" {
		fields["key"] = log.key.Short()
	}
	if log.normalized != "" {
		fields["normalized_target"] = log.normalized
	}
	if log.reason != "" {
		fields["reason"] = log.reason
	}
	if log.route != "" {
		fields["passthrough"] = log.route
	}
	if log.requestID != "" {
		fields["request_id"] = log.requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func bypassReason(err error) string {
	switch {
	case errors.Is(err, cachekey.ErrMethodNotCacheable):
		return "method"
	case errors.Is(err, cachekey.ErrNoStore):
		return "no_store"
	case errors.Is(err, cachekey.ErrMalformedTarget):
		return "malformed_target"
	default:
		return "not_cacheable"
	}
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
