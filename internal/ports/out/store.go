package out

import (
	"context"
	"time"

	"github.com/EthanQC/authstate/internal/domain/entity"
)

// TokenStore 令牌记录仓储接口，缓存与持久层各有一份实现
// 查询不到记录时返回 nil, nil；更新不存在的记录返回 errs.ErrNotFound
type TokenStore interface {
	// Save 按 TokenHash 覆盖写入
	Save(ctx context.Context, token *entity.TokenRecord) error
	FindByHash(ctx context.Context, tokenHash string) (*entity.TokenRecord, error)
	FindByID(ctx context.Context, id string) (*entity.TokenRecord, error)
	// FindActiveByUserID 返回用户下状态为 ACTIVE 且未过期的令牌
	FindActiveByUserID(ctx context.Context, userID string) ([]*entity.TokenRecord, error)
	// UpdateStatus 返回更新后的记录
	UpdateStatus(ctx context.Context, tokenHash string, status entity.TokenStatus, reason, actor string) (*entity.TokenRecord, error)
	// BatchUpdateStatus 返回实际发生变更的条数
	BatchUpdateStatus(ctx context.Context, tokenHashes []string, status entity.TokenStatus, reason, actor string) (int64, error)
	// CountActive 统计存储状态为 ACTIVE 的记录
	CountActive(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context, status entity.TokenStatus) (int64, error)
	// RemoveExpired 删除已过期记录并返回删除条数
	RemoveExpired(ctx context.Context) (int64, error)
}

// BlacklistStore 黑名单仓储接口
type BlacklistStore interface {
	Add(ctx context.Context, entry *entity.BlacklistEntry) error
	// Get 已过期条目视为不存在
	Get(ctx context.Context, tokenHash string) (*entity.BlacklistEntry, error)
	IsBlacklisted(ctx context.Context, tokenHash string) (bool, error)
	// Remove 幂等删除
	Remove(ctx context.Context, tokenHash string) error
	// Size 统计未过期条目
	Size(ctx context.Context) (int64, error)
	RemoveExpired(ctx context.Context) (int64, error)
	// CountExpiring 统计将在 within 内过期的有效条目
	CountExpiring(ctx context.Context, within time.Duration) (int64, error)
}

// RawStore 按原始字节访问后端，供对账与健康探测使用
type RawStore interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Get 不存在时返回 nil, errs.ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Put ttl<=0 表示不过期
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Locker 跨实例互斥锁，token 为持有者的防护令牌
type Locker interface {
	// TryLock 获取成功返回 true，已被占用返回 false
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Unlock 仅当 token 与当前持有者一致时才删除，返回是否删除
	Unlock(ctx context.Context, key, token string) (bool, error)
}

// ConfigStore 持久层的通用键值抽象
type ConfigStore interface {
	SaveConfig(ctx context.Context, key string, value []byte) error
	// GetConfig 不存在时返回 nil, errs.ErrNotFound
	GetConfig(ctx context.Context, key string) ([]byte, error)
	DeleteConfig(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// IndexRebuilder 由主记录重建派生索引
type IndexRebuilder interface {
	RebuildIndexes(ctx context.Context) (int, error)
}
