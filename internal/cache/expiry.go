package cache

import "time"

// ExpiryPolicy 根据 CacheTTL 判断条目是否过期；TTL 为 0 表示永久保留。
type ExpiryPolicy struct {
	ttl time.Duration
	now func() time.Time
}

// NewExpiryPolicy 构造过期策略，默认使用 time.Now 作为时钟。
func NewExpiryPolicy(ttl time.Duration) ExpiryPolicy {
	return ExpiryPolicy{
		ttl: ttl,
		now: time.Now,
	}
}

// WithClock 替换时钟，测试使用。
func (p ExpiryPolicy) WithClock(now func() time.Time) ExpiryPolicy {
	p.now = now
	return p
}

// Enabled 返回是否启用过期判断。
func (p ExpiryPolicy) Enabled() bool {
	return p.ttl > 0
}

// TTL 返回配置的保留时长。
func (p ExpiryPolicy) TTL() time.Duration {
	return p.ttl
}

// Expired 判断条目是否超过保留时长，未启用时恒为 false。
func (p ExpiryPolicy) Expired(entry *Entry) bool {
	if entry == nil || !p.Enabled() {
		return false
	}
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	return !now().Before(entry.CreatedAt.Add(p.ttl))
}
