package routes

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/replayproxy/internal/cache"
	"github.com/any-hub/replayproxy/internal/cachekey"
	"github.com/any-hub/replayproxy/internal/flight"
	"github.com/any-hub/replayproxy/internal/metrics"
	"github.com/any-hub/replayproxy/internal/server"
)

// Diagnostics 汇总 /-/ 诊断接口依赖的组件。
type Diagnostics struct {
	Store       cache.Store
	Expiry      cache.ExpiryPolicy
	Coordinator *flight.Coordinator
	Registry    *server.PassthroughRegistry
	Metrics     *metrics.Collector
	KeyHeaders  []string
	Logger      *logrus.Logger
}

// RegisterDiagnosticsRoutes 暴露 /-/cache、/-/passthrough 与 /-/metrics 诊断接口。
func RegisterDiagnosticsRoutes(app *fiber.App, deps Diagnostics) {
	if app == nil || deps.Store == nil {
		return
	}

	app.Get("/-/cache", func(c fiber.Ctx) error {
		return c.JSON(encodeStats(deps))
	})

	app.Delete("/-/cache", func(c fiber.Ctx) error {
		before := deps.Store.Stats().Entries
		if err := deps.Store.Reset(c.Context()); err != nil {
			deps.Metrics.RecordStoreError("reset")
			logDiagnostics(deps.Logger, c, "cache_reset", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_reset_failed"})
		}
		logDiagnostics(deps.Logger, c, "cache_reset", nil)
		return c.JSON(fiber.Map{"status": "reset", "removed": before})
	})

	app.Get("/-/cache/entries/:key", func(c fiber.Ctx) error {
		key, ok := parseKey(c)
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_key"})
		}
		waiters := 0
		if deps.Coordinator != nil {
			waiters = deps.Coordinator.Waiters(key.String())
		}
		entry, err := deps.Store.Get(c.Context(), key)
		if errors.Is(err, cache.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "entry_not_found", "waiters": waiters})
		}
		if err != nil {
			deps.Metrics.RecordStoreError("get")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_unavailable"})
		}
		return c.JSON(encodeEntry(key, entry, deps.Expiry, waiters))
	})

	app.Delete("/-/cache/entries/:key", func(c fiber.Ctx) error {
		key, ok := parseKey(c)
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_key"})
		}
		if err := deps.Store.Remove(c.Context(), key); err != nil {
			deps.Metrics.RecordStoreError("remove")
			logDiagnostics(deps.Logger, c, "cache_remove", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_remove_failed"})
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Get("/-/passthrough", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"routes": encodePassthrough(deps.Registry.List())})
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(deps.Metrics.Handler()))
}

type statsPayload struct {
	cache.Stats
	InFlight   int      `json:"in_flight"`
	KeyHeaders []string `json:"key_headers"`
	TTLSeconds int64    `json:"ttl_seconds"`
}

type entryPayload struct {
	Key       string         `json:"key"`
	Status    int            `json:"status"`
	Headers   []cache.Header `json:"headers"`
	SizeBytes int64          `json:"size_bytes"`
	CreatedAt time.Time      `json:"created_at"`
	Expired   bool           `json:"expired"`
	// Waiters 是该指纹当前等待共享获取的请求数
	Waiters   int            `json:"waiters"`
}

type passthroughPayload struct {
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Upstream string `json:"upstream"`
	Port     int    `json:"port"`
}

func encodeStats(deps Diagnostics) statsPayload {
	payload := statsPayload{
		Stats:      deps.Store.Stats(),
		KeyHeaders: append([]string(nil), deps.KeyHeaders...),
		TTLSeconds: int64(deps.Expiry.TTL() / time.Second),
	}
	if deps.Coordinator != nil {
		payload.InFlight = deps.Coordinator.InFlight()
	}
	return payload
}

func encodeEntry(key cachekey.Key, entry *cache.Entry, expiry cache.ExpiryPolicy, waiters int) entryPayload {
	return entryPayload{
		Key:       key.String(),
		Status:    entry.Status,
		Headers:   append([]cache.Header(nil), entry.Headers...),
		SizeBytes: entry.Size(),
		CreatedAt: entry.CreatedAt,
		Expired:   expiry.Expired(entry),
		Waiters:   waiters,
	}
}

func encodePassthrough(routes []server.PassthroughRoute) []passthroughPayload {
	result := make([]passthroughPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, passthroughPayload{
			Name:     route.Config.Name,
			Domain:   route.Config.Domain,
			Upstream: route.UpstreamURL.String(),
			Port:     route.ListenPort,
		})
	}
	return result
}

// parseKey 校验路径参数为 64 位十六进制指纹。
func parseKey(c fiber.Ctx) (cachekey.Key, bool) {
	raw := strings.ToLower(strings.TrimSpace(c.Params("key")))
	if len(raw) != 64 {
		return "", false
	}
	for _, ch := range raw {
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return "", false
		}
	}
	return cachekey.Key(raw), true
}

func logDiagnostics(logger *logrus.Logger, c fiber.Ctx, action string, err error) {
	if logger == nil {
		return
	}
	entry := logger.WithFields(logrus.Fields{
		"action":     action,
		"request_id": server.RequestID(c),
	})
	if err != nil {
		entry.WithError(err).Error(action + "_failed")
		return
	}
	entry.Info(action)
}
