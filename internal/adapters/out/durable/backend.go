// Package durable 在通用 ConfigStore 之上实现持久层的令牌与黑名单仓储
// 持久层不支持 TTL，过期由清理任务和读取时的过期判断保证
package durable

import (
	"context"
	"time"

	"github.com/EthanQC/authstate/internal/ports/out"
)

// Backend 持久层的原始键值视图
type Backend struct {
	store out.ConfigStore
}

func NewBackend(store out.ConfigStore) *Backend {
	return &Backend{store: store}
}

var _ out.RawStore = (*Backend)(nil)

func (b *Backend) Keys(ctx context.Context, prefix string) ([]string, error) {
	return b.store.Keys(ctx, prefix)
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	return b.store.GetConfig(ctx, key)
}

// Put 忽略 ttl
func (b *Backend) Put(ctx context.Context, key string, value []byte, _ time.Duration) error {
	return b.store.SaveConfig(ctx, key, value)
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	return deleteIfExists(ctx, b.store, key)
}

// deleteIfExists 键不存在时不发起删除；badger 删除不存在的键也会写入墓碑
func deleteIfExists(ctx context.Context, store out.ConfigStore, key string) error {
	ok, err := store.Exists(ctx, key)
	if err != nil || !ok {
		return err
	}
	return store.DeleteConfig(ctx, key)
}
