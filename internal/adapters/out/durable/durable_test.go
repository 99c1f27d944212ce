package durable

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	badgerstore "github.com/EthanQC/authstate/internal/adapters/out/badger"
	"github.com/EthanQC/authstate/internal/adapters/out/db"
	"github.com/EthanQC/authstate/internal/domain/entity"
	"github.com/EthanQC/authstate/internal/domain/errs"
	"github.com/EthanQC/authstate/internal/ports/out"
)

var base = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

// 两种持久层驱动都跑一遍
func forEachStore(t *testing.T, fn func(t *testing.T, store out.ConfigStore)) {
	t.Run("badger", func(t *testing.T) {
		bdb, err := badgerstore.Open("", true)
		require.NoError(t, err)
		store := badgerstore.NewConfigStoreBadger(bdb)
		t.Cleanup(func() { _ = store.Close() })
		fn(t, store)
	})
	t.Run("sqlite", func(t *testing.T) {
		dsn := fmt.Sprintf("file:durable_%d?mode=memory&cache=shared", time.Now().UnixNano())
		gdb, err := db.Open("sqlite", dsn, db.PoolConfig{MaxOpenConns: 1})
		require.NoError(t, err)
		store := db.NewConfigStoreGorm(gdb)
		t.Cleanup(func() { _ = store.Close() })
		fn(t, store)
	})
}

func TestDurableTokenStore(t *testing.T) {
	forEachStore(t, func(t *testing.T, store out.ConfigStore) {
		ctx := context.Background()
		s := NewTokenStoreDurable(store, entity.NewKeySpace("jwt"))
		now := base
		s.now = func() time.Time { return now }

		require.NoError(t, s.Save(ctx, entity.NewTokenRecord("1", "u1", "a", base, base.Add(time.Hour))))
		require.NoError(t, s.Save(ctx, entity.NewTokenRecord("2", "u1", "b", base, base.Add(3*time.Hour))))
		require.NoError(t, s.Save(ctx, entity.NewTokenRecord("3", "u2", "c", base, base.Add(3*time.Hour))))

		got, err := s.FindByHash(ctx, "a")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "1", got.ID)

		byID, err := s.FindByID(ctx, "3")
		require.NoError(t, err)
		require.NotNil(t, byID)
		assert.Equal(t, "c", byID.TokenHash)

		missing, err := s.FindByHash(ctx, "zzz")
		require.NoError(t, err)
		assert.Nil(t, missing)

		updated, err := s.UpdateStatus(ctx, "c", entity.TokenStatusRevoked, "stolen", "admin")
		require.NoError(t, err)
		assert.Equal(t, entity.TokenStatusRevoked, updated.Status)
		_, err = s.UpdateStatus(ctx, "c", entity.TokenStatusActive, "", "")
		assert.ErrorIs(t, err, errs.ErrInvalidStatusTransition)
		_, err = s.UpdateStatus(ctx, "nope", entity.TokenStatusRevoked, "", "")
		assert.ErrorIs(t, err, errs.ErrNotFound)

		n, err := s.BatchUpdateStatus(ctx, []string{"b", "c", "nope"}, entity.TokenStatusRevoked, "bulk", "ops")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		active, err := s.CountActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), active)

		now = base.Add(2 * time.Hour)
		list, err := s.FindActiveByUserID(ctx, "u1")
		require.NoError(t, err)
		assert.Empty(t, list)

		removed, err := s.RemoveExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)
		active, err = s.CountActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), active)
	})
}

func TestDurableBlacklistStore(t *testing.T) {
	forEachStore(t, func(t *testing.T, store out.ConfigStore) {
		ctx := context.Background()
		s := NewBlacklistStoreDurable(store, entity.NewKeySpace("jwt"))
		now := base
		s.now = func() time.Time { return now }

		require.NoError(t, s.Add(ctx, entity.NewBlacklistEntry("old", "", "", base, 30*time.Minute)))
		require.NoError(t, s.Add(ctx, entity.NewBlacklistEntry("new", "", "", base, 5*time.Hour)))

		ok, err := s.IsBlacklisted(ctx, "old")
		require.NoError(t, err)
		assert.True(t, ok)

		now = base.Add(time.Hour)
		ok, err = s.IsBlacklisted(ctx, "old")
		require.NoError(t, err)
		assert.False(t, ok, "expired entry must not be reported")

		size, err := s.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), size)

		expiring, err := s.CountExpiring(ctx, 6*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), expiring)

		removed, err := s.RemoveExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		require.NoError(t, s.Remove(ctx, "new"))
		require.NoError(t, s.Remove(ctx, "new"))
		size, err = s.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), size)
	})
}

func TestDurableBackendRaw(t *testing.T) {
	forEachStore(t, func(t *testing.T, store out.ConfigStore) {
		ctx := context.Background()
		b := NewBackend(store)
		require.NoError(t, b.Put(ctx, "jwt:health:probe:x", []byte("m"), time.Minute))
		got, err := b.Get(ctx, "jwt:health:probe:x")
		require.NoError(t, err)
		assert.Equal(t, []byte("m"), got)
		require.NoError(t, b.Delete(ctx, "jwt:health:probe:x"))
		_, err = b.Get(ctx, "jwt:health:probe:x")
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})
}

// deleteCounter 统计实际发出的删除次数
type deleteCounter struct {
	out.ConfigStore
	deletes int
}

func (c *deleteCounter) DeleteConfig(ctx context.Context, key string) error {
	c.deletes++
	return c.ConfigStore.DeleteConfig(ctx, key)
}

func TestRemoveSkipsAbsentKeys(t *testing.T) {
	forEachStore(t, func(t *testing.T, store out.ConfigStore) {
		ctx := context.Background()
		counter := &deleteCounter{ConfigStore: store}
		s := NewBlacklistStoreDurable(counter, entity.NewKeySpace("jwt"))
		s.now = func() time.Time { return base }
		b := NewBackend(counter)

		require.NoError(t, s.Remove(ctx, "missing"))
		require.NoError(t, b.Delete(ctx, "jwt:health:probe:missing"))
		assert.Zero(t, counter.deletes)

		require.NoError(t, s.Add(ctx, entity.NewBlacklistEntry("present", "", "", base, time.Hour)))
		require.NoError(t, s.Remove(ctx, "present"))
		assert.Equal(t, 1, counter.deletes)
		ok, err := store.Exists(ctx, "jwt:blacklist:present")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
