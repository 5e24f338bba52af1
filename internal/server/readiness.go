package server

import (
	"sync/atomic"

	"github.com/gofiber/fiber/v3"
)

// Readiness 记录监听器是否已就绪，/healthcheck 据此返回 200 或 503。
type Readiness struct {
	ready atomic.Bool
}

// NewReadiness 返回未就绪状态。
func NewReadiness() *Readiness {
	return &Readiness{}
}

// MarkReady 标记服务可接收请求。
func (r *Readiness) MarkReady() {
	r.ready.Store(true)
}

// MarkNotReady 在关闭阶段撤销就绪状态。
func (r *Readiness) MarkNotReady() {
	r.ready.Store(false)
}

// Ready 返回当前是否就绪。
func (r *Readiness) Ready() bool {
	return r != nil && r.ready.Load()
}

func (r *Readiness) handler(c fiber.Ctx) error {
	if !r.Ready() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "starting"})
	}
	return c.SendString("OK")
}
