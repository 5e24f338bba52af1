package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/any-hub/replayproxy/internal/cachekey"
)

// Store 负责缓存条目的读写。实现需保证并发安全：
// 同一 Key 的写入串行化，写入提交后对后续 Get 立即可见。
type Store interface {
	// Get 返回缓存条目，不存在时返回 ErrNotFound。返回值只读，多个调用方共享同一实例。
	Get(ctx context.Context, key cachekey.Key) (*Entry, error)

	// Put 持久化条目并替换内存索引；失败时保留该 Key 原有条目并返回 *StoreError。
	Put(ctx context.Context, key cachekey.Key, entry Entry) error

	// Remove 删除单个条目，条目不存在时不报错。
	Remove(ctx context.Context, key cachekey.Key) error

	// Reset 清空全部条目。
	Reset(ctx context.Context) error

	// Stats 返回条目数量、正文总字节与文件路径。
	Stats() Stats

	// Close 关闭底层数据库。
	Close() error
}

// Header 是一条有序的响应头，重复名称按接收顺序保留。
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Entry 是一次可重放的上游响应。构造后不可修改。
type Entry struct {
	Status    int
	Headers   []Header
	Body      []byte
	CreatedAt time.Time
}

// HeaderValue 返回首个同名响应头的值（不区分大小写）。
func (e *Entry) HeaderValue(name string) string {
	for _, h := range e.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Size 返回正文字节数。
func (e *Entry) Size() int64 {
	return int64(len(e.Body))
}

// Stats 汇总存储状态，供诊断接口输出。
type Stats struct {
	Path      string `json:"path"`
	Entries   int    `json:"entries"`
	BodyBytes int64  `json:"body_bytes"`
	Skipped   int    `json:"skipped_rows"`
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrStoreUnavailable 表示存储已关闭或未初始化。
	ErrStoreUnavailable = errors.New("cache store unavailable")
)

// StoreError 描述一次失败的存储操作。
type StoreError struct {
	Op  string
	Key cachekey.Key
	Err error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Key.Short(), e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeError(op string, key cachekey.Key, err error) error {
	return &StoreError{Op: op, Key: key, Err: err}
}
