package proxy

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/replayproxy/internal/cache"
	"github.com/any-hub/replayproxy/internal/origin"
)

// CacheHeader 标记响应来源：hit/miss/shared/bypass。
const CacheHeader = "X-Replay-Cache"

// writeEntry 按存储顺序回放状态码、响应头与响应体，重复名称的响应头逐条保留。
// Content-Length 由 fasthttp 根据响应体重新计算，HEAD 请求沿用上游声明的长度。
func writeEntry(c fiber.Ctx, entry *cache.Entry, outcome string) error {
	resp := c.Response()
	resp.SetStatusCode(entry.Status)

	seen := make(map[string]struct{}, len(entry.Headers))
	for _, h := range entry.Headers {
		if strings.EqualFold(h.Name, fiber.HeaderContentLength) {
			continue
		}
		lower := strings.ToLower(h.Name)
		if _, dup := seen[lower]; dup {
			resp.Header.Add(h.Name, h.Value)
			continue
		}
		seen[lower] = struct{}{}
		resp.Header.Set(h.Name, h.Value)
	}
	if _, ok := seen["content-type"]; !ok {
		// 上游未声明时不附加默认 Content-Type
		resp.Header.SetNoDefaultContentType(true)
	}
	resp.Header.Set(CacheHeader, outcome)

	if c.Method() == fiber.MethodHead {
		if raw := entry.HeaderValue(fiber.HeaderContentLength); raw != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && n >= 0 {
				resp.Header.SetContentLength(n)
			}
		}
		resp.ResetBody()
		return nil
	}
	resp.SetBody(entry.Body)
	return nil
}

// writeFetchError 将上游失败映射为 502/504 JSON 错误。
func writeFetchError(c fiber.Ctx, err error) error {
	if origin.IsTimeout(err) {
		return writeError(c, fiber.StatusGatewayTimeout, "upstream_timeout")
	}
	return writeError(c, fiber.StatusBadGateway, "upstream_failed")
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
