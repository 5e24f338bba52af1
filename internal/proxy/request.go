package proxy

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/replayproxy/internal/cache"
	"github.com/any-hub/replayproxy/internal/origin"
)

// captureRequest 复制客户端请求的方法、目标、有序请求头与原始请求体，
// fasthttp 的缓冲区在 handler 返回后会被复用，因此必须拷贝。
func captureRequest(c fiber.Ctx) origin.Request {
	req := c.Request()
	var headers []cache.Header
	req.Header.VisitAll(func(key, value []byte) {
		headers = append(headers, cache.Header{Name: string(key), Value: string(value)})
	})
	var body []byte
	if raw := req.Body(); len(raw) > 0 {
		body = append([]byte(nil), raw...)
	}
	return origin.Request{
		Method:  string(req.Header.Method()),
		Target:  string(req.Header.RequestURI()),
		Headers: headers,
		Body:    body,
	}
}

// headersAsHTTP 转换为 http.Header，名称按规范大小写归并，供指纹计算使用。
func headersAsHTTP(headers []cache.Header) http.Header {
	result := make(http.Header, len(headers))
	for _, h := range headers {
		result.Add(h.Name, h.Value)
	}
	return result
}

// appendForwardedHeaders 为直连转发补充 X-Forwarded-*，已有 X-Forwarded-For 时追加客户端地址。
func appendForwardedHeaders(c fiber.Ctx, headers []cache.Header) []cache.Header {
	host := string(c.Request().Header.Host())
	clientIP := c.IP()

	forwardedFor := ""
	result := make([]cache.Header, 0, len(headers)+3)
	for _, h := range headers {
		switch {
		case strings.EqualFold(h.Name, "X-Forwarded-For"):
			forwardedFor = h.Value
			continue
		case strings.EqualFold(h.Name, "X-Forwarded-Host"),
			strings.EqualFold(h.Name, "X-Forwarded-Proto"):
			continue
		}
		result = append(result, h)
	}
	if clientIP != "" {
		if forwardedFor != "" {
			forwardedFor += ", " + clientIP
		} else {
			forwardedFor = clientIP
		}
	}
	if forwardedFor != "" {
		result = append(result, cache.Header{Name: "X-Forwarded-For", Value: forwardedFor})
	}
	if host != "" {
		result = append(result, cache.Header{Name: "X-Forwarded-Host", Value: host})
	}
	result = append(result, cache.Header{Name: "X-Forwarded-Proto", Value: c.Scheme()})
	return result
}
