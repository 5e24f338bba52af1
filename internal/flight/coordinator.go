// Package flight collapses concurrent cache misses for the same key into a
// single origin fetch whose outcome is shared with every waiter.
package flight

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/any-hub/replayproxy/internal/cache"
)

// FetchFunc 执行一次真实的上游获取。ctx 不受单个等待者取消影响。
type FetchFunc func(ctx context.Context) (*cache.Entry, error)

// Result 是共享获取的结果，Shared 表示本调用方复用了他人发起的获取。
type Result struct {
	Entry  *cache.Entry
	Shared bool
}

// PanicError 包装获取过程中的 panic，投递给全部等待者。
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("fetch panicked: %v", e.Value)
}

// Coordinator 基于 singleflight 维护待完成的获取表。
type Coordinator struct {
	group singleflight.Group

	mu      sync.Mutex
	waiters map[string]int
}

// NewCoordinator 创建空的协调器。
func NewCoordinator() *Coordinator {
	return &Coordinator{waiters: make(map[string]int)}
}

// Do 加入 key 对应的获取；若无进行中的获取则以 fn 发起一次。
// 调用方 ctx 取消时立即返回 ctx.Err()，共享获取继续执行并写入缓存。
func (c *Coordinator) Do(ctx context.Context, key string, fn FetchFunc) (Result, error) {
	detached := context.WithoutCancel(ctx)

	c.join(key)
	defer c.leave(key)

	// 仅发起者的闭包会被执行，据此区分发起者与复用者。
	var leader bool
	ch := c.group.DoChan(key, func() (result interface{}, err error) {
		leader = true
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Value: r, Stack: debug.Stack()}
				result = nil
			}
		}()
		return fn(detached)
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Result{Shared: !leader}, res.Err
		}
		entry, _ := res.Val.(*cache.Entry)
		return Result{Entry: entry, Shared: !leader}, nil
	}
}

// InFlight 返回当前有等待者的 key 数量。
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Waiters 返回 key 当前的等待者数量。
func (c *Coordinator) Waiters(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters[key]
}

func (c *Coordinator) join(key string) {
	c.mu.Lock()
	c.waiters[key]++
	c.mu.Unlock()
}

func (c *Coordinator) leave(key string) {
	c.mu.Lock()
	c.waiters[key]--
	if c.waiters[key] <= 0 {
		delete(c.waiters, key)
	}
	c.mu.Unlock()
}
