// Package origin performs the real request against the origin server on a
// cache miss, bypass or pass-through, and converts the reply into a
// replayable cache.Entry.
package origin

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/any-hub/replayproxy/internal/cache"
	"github.com/any-hub/replayproxy/internal/server"
)

// Request 描述一次上游请求；Headers 保持客户端发送顺序。
type Request struct {
	Method  string
	Target  string
	Headers []cache.Header
	Body    []byte
}

// Fetcher 复用共享 fasthttp.Client 执行上游请求。
type Fetcher struct {
	client  *fasthttp.Client
	timeout time.Duration
}

// NewFetcher 构造 Fetcher，timeout<=0 时使用 30s。
func NewFetcher(client *fasthttp.Client, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{client: client, timeout: timeout}
}

// Fetch 执行请求并读取完整响应。截止时间取 ctx 截止时间与上游超时中较早者。
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*cache.Entry, error) {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, newTransportError(req.Target, err)
		}
		return nil, err
	}

	deadline := time.Now().Add(f.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	upstreamReq := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(upstreamReq)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	upstreamReq.Header.DisableNormalizing()
	upstreamReq.SetRequestURI(req.Target)
	upstreamReq.Header.SetMethod(req.Method)
	for _, h := range req.Headers {
		if !shouldForward(h.Name) {
			continue
		}
		upstreamReq.Header.Add(h.Name, h.Value)
	}
	if len(req.Body) > 0 {
		upstreamReq.SetBody(req.Body)
	}
	if req.Method == fasthttp.MethodHead {
		resp.SkipBody = true
	}

	if err := f.client.DoDeadline(upstreamReq, resp, deadline); err != nil {
		return nil, newTransportError(req.Target, err)
	}

	return &cache.Entry{
		Status:    resp.StatusCode(),
		Headers:   responseHeaders(resp),
		Body:      append([]byte(nil), resp.Body()...),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func shouldForward(name string) bool {
	switch {
	case !server.ShouldForwardRequestHeader(name):
		return false
	case strings.EqualFold(name, fasthttp.HeaderHost):
		return false
	case strings.EqualFold(name, fasthttp.HeaderContentLength):
		return false
	}
	return true
}

// responseHeaders 按接收顺序收集响应头，剔除 hop-by-hop 字段。
func responseHeaders(resp *fasthttp.Response) []cache.Header {
	var headers []cache.Header
	resp.Header.VisitAll(func(key, value []byte) {
		name := string(key)
		if server.IsHopByHopHeader(name) {
			return
		}
		headers = append(headers, cache.Header{Name: name, Value: string(value)})
	})
	return headers
}
