package entity

import "time"

// Backend 存储后端标识
type Backend string

const (
	BackendCache   Backend = "cache"
	BackendDurable Backend = "durable"
)

func (b Backend) String() string { return string(b) }

// MinCacheTTL 写入缓存时的最小 TTL
const MinCacheTTL = time.Minute

// RemainingTTL 计算缓存 TTL：剩余寿命不足一分钟时取一分钟，未设置过期时间时取 fallback
func RemainingTTL(expiresAt, now time.Time, fallback time.Duration) time.Duration {
	if expiresAt.IsZero() {
		return fallback
	}
	d := expiresAt.Sub(now)
	if d < MinCacheTTL {
		return MinCacheTTL
	}
	return d
}
