package server

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component that serves proxied requests and
// pass-through traffic. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	// Handle serves an absolute-form (forward-proxy) request.
	Handle(c fiber.Ctx) error
	// Passthrough forwards a direct request to the mapped upstream without caching.
	Passthrough(c fiber.Ctx, route *PassthroughRoute) error
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *PassthroughRegistry
	Proxy      ProxyHandler
	Readiness  *Readiness
	ListenPort int
	// BodyLimit 限制客户端请求体大小，0 表示使用 Fiber 默认值。
	BodyLimit int
}

const contextKeyRequestID = "_replayproxy_request_id"

// HealthcheckPath 是就绪探测地址。
const HealthcheckPath = "/healthcheck"

// NewApp builds a Fiber application that splits proxied and direct traffic
// and renders structured JSON errors.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}
	if opts.Readiness == nil {
		opts.Readiness = NewReadiness()
	}

	app := fiber.New(fiber.Config{
		CaseSensitive:            true,
		BodyLimit:                opts.BodyLimit,
		DisableDefaultDate:       true,
		DisableHeaderNormalizing: true,
	})

	readiness := opts.Readiness
	app.Hooks().OnListen(func(fiber.ListenData) error {
		readiness.MarkReady()
		return nil
	})
	app.Hooks().OnPreShutdown(func() error {
		readiness.MarkNotReady()
		return nil
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())
	app.Use(dispatchMiddleware(opts))

	app.Get(HealthcheckPath, readiness.handler)

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		rawHost := strings.TrimSpace(getHostHeader(c))
		route, ok := opts.Registry.Lookup(rawHost)
		if !ok {
			return renderHostUnmapped(c, opts.Logger, rawHost, opts.ListenPort)
		}
		return opts.Proxy.Passthrough(c, route)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID 并写入响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// dispatchMiddleware 拒绝 CONNECT，并把绝对形式的请求行直接交给代理处理，
// 其余（原始形式）请求继续走本地路由。
func dispatchMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		if c.Method() == fiber.MethodConnect {
			opts.Logger.WithFields(logrus.Fields{
				"action":     "connect_rejected",
				"target":     string(c.Request().Header.RequestURI()),
				"request_id": RequestID(c),
			}).Warn("connect_unsupported")
			return c.Status(fiber.StatusMethodNotAllowed).JSON(fiber.Map{
				"error": "connect_unsupported",
			})
		}
		if IsAbsoluteForm(c) {
			return opts.Proxy.Handle(c)
		}
		return c.Next()
	}
}

// IsAbsoluteForm 判断请求行是否为代理形式（http://host/path）。
func IsAbsoluteForm(c fiber.Ctx) bool {
	uri := c.Request().Header.RequestURI()
	return hasSchemePrefix(uri, "http://") || hasSchemePrefix(uri, "https://")
}

func hasSchemePrefix(uri []byte, scheme string) bool {
	return len(uri) >= len(scheme) && bytes.EqualFold(uri[:len(scheme)], []byte(scheme))
}

func renderHostUnmapped(c fiber.Ctx, logger *logrus.Logger, host string, port int) error {
	fields := logrus.Fields{
		"action":     "host_lookup",
		"host":       host,
		"port":       port,
		"request_id": RequestID(c),
	}
	logger.WithFields(fields).Warn("host unmapped")

	if host != "" {
		c.Set("X-Replay-Host", host)
	}

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "host_unmapped",
	})
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
