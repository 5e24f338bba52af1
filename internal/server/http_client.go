package server

import (
	"net/textproto"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/any-hub/replayproxy/internal/config"
	"github.com/any-hub/replayproxy/internal/version"
)

// NewOriginClient 返回共享 fasthttp.Client，用于所有上游请求。
// 关闭头部名称规范化，确保缓存内容与上游返回的大小写一致。
func NewOriginClient(cfg *config.Config) *fasthttp.Client {
	timeout := 30 * time.Second
	maxBody := 0
	if cfg != nil {
		if cfg.Global.UpstreamTimeout.DurationValue() > 0 {
			timeout = cfg.Global.UpstreamTimeout.DurationValue()
		}
		maxBody = cfg.Global.MaxResponseBodySize
	}

	return &fasthttp.Client{
		Name:                          version.UserAgent(),
		NoDefaultUserAgentHeader:      true,
		ReadTimeout:                   timeout,
		WriteTimeout:                  timeout,
		MaxConnsPerHost:               512,
		MaxIdleConnDuration:           90 * time.Second,
		MaxResponseBodySize:           maxBody,
		DisableHeaderNamesNormalizing: true,
		DisablePathNormalizing:        true,
	}
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	_, ok := hopByHopHeaders[canonical]
	return ok
}

// ShouldForwardRequestHeader 过滤 hop-by-hop 与 Proxy-* 请求头，其余原样转发。
func ShouldForwardRequestHeader(key string) bool {
	if IsHopByHopHeader(key) {
		return false
	}
	return !strings.HasPrefix(textproto.CanonicalMIMEHeaderKey(key), "Proxy-")
}
