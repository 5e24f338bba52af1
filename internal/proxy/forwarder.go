package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/replayproxy/internal/server"
)

// Forwarder 包装实际的 ProxyHandler，负责拦截 panic 并输出结构化错误，
// 保证单个请求的异常不会影响监听循环。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder，handler 为空时所有请求返回 500。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx) error {
	return f.invoke(c, nil, func() error {
		return f.handler.Handle(c)
	})
}

// Passthrough 实现 server.ProxyHandler。
func (f *Forwarder) Passthrough(c fiber.Ctx, route *server.PassthroughRoute) error {
	return f.invoke(c, route, func() error {
		return f.handler.Passthrough(c, route)
	})
}

func (f *Forwarder) invoke(c fiber.Ctx, route *server.PassthroughRoute, call func() error) (err error) {
	requestID := server.RequestID(c)
	if f.handler == nil {
		return f.respondMissingHandler(c, route, requestID)
	}
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return call()
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, route *server.PassthroughRoute, requestID string) error {
	f.logError(c, route, "proxy_handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return writeError(c, fiber.StatusInternalServerError, "proxy_handler_missing")
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.PassthroughRoute, recovered interface{}, requestID string) error {
	f.logError(c, route, "proxy_panic", fmt.Errorf("panic: %v", recovered), requestID)
	c.Response().Reset()
	setRequestIDHeader(c, requestID)
	return writeError(c, fiber.StatusInternalServerError, "proxy_panic")
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logError(c fiber.Ctx, route *server.PassthroughRoute, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action": "proxy",
		"error":  code,
		"method": c.Method(),
		"target": string(c.Request().Header.RequestURI()),
	}
	if route != nil {
		fields["passthrough"] = route.Config.Name
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}
