package origin

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/valyala/fasthttp"
)

// ErrTransport 匹配所有上游传输失败。
var ErrTransport = errors.New("origin transport failure")

// Kind 描述传输失败的类别。
type Kind string

const (
	KindTimeout  Kind = "timeout"
	KindDial     Kind = "dial"
	KindProtocol Kind = "protocol"
)

// TransportError 包装上游失败原因，errors.Is(err, ErrTransport) 恒为 true。
type TransportError struct {
	Kind   Kind
	Target string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("origin %s %s: %v", e.Kind, e.Target, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is 使 TransportError 匹配 ErrTransport 哨兵。
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// Timeout 返回是否为超时类失败。
func (e *TransportError) Timeout() bool {
	return e.Kind == KindTimeout
}

// IsTimeout 判断 err 是否为上游超时。
func IsTimeout(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Timeout()
}

func newTransportError(target string, err error) *TransportError {
	return &TransportError{Kind: classify(err), Target: target, Err: err}
}

func classify(err error) Kind {
	if errors.Is(err, fasthttp.ErrTimeout) ||
		errors.Is(err, fasthttp.ErrDialTimeout) ||
		errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return KindDial
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDial
	}
	if errors.Is(err, fasthttp.ErrNoFreeConns) {
		return KindDial
	}
	return KindProtocol
}
