// Package probe polls a readiness URL until it answers 200, with bounded
// exponential backoff. It backs the -wait-ready CLI flag so scripts can wait
// for a freshly started proxy instead of racing it.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/valyala/fasthttp"

	"github.com/any-hub/replayproxy/internal/version"
)

// ErrNotReady 表示目标返回非 200 状态。
var ErrNotReady = errors.New("target not ready")

// Options 控制探测次数与退避参数。
type Options struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	return o
}

// WaitReady 反复 GET url，直到返回 200、重试耗尽或 ctx 结束。
// 返回实际尝试次数，便于 CLI 输出。
func WaitReady(ctx context.Context, url string, opts Options) (int, error) {
	opts = opts.withDefaults()
	client := &fasthttp.Client{Name: version.UserAgent()}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = opts.InitialBackoff
	expo.MaxInterval = opts.MaxBackoff
	expo.RandomizationFactor = 0

	attempts := 0
	operation := func() (struct{}, error) {
		attempts++
		status, err := get(client, url, opts.RequestTimeout)
		if err != nil {
			return struct{}{}, err
		}
		if status != fasthttp.StatusOK {
			return struct{}{}, fmt.Errorf("%w: status %d", ErrNotReady, status)
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(opts.MaxRetries)+1),
	)
	return attempts, err
}

func get(client *fasthttp.Client, url string, timeout time.Duration) (int, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)
	if err := client.DoTimeout(req, resp, timeout); err != nil {
		return 0, err
	}
	return resp.StatusCode(), nil
}
