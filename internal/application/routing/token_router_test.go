package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/authstate/internal/application/health"
	"github.com/EthanQC/authstate/internal/domain/entity"
	"github.com/EthanQC/authstate/internal/domain/errs"
	"github.com/EthanQC/authstate/internal/metrics"
	"github.com/EthanQC/authstate/internal/ports/out"
)

type tokenFixture struct {
	router  *TokenRouter
	cache   *memTokenStore
	durable *memTokenStore
	health  *fakeHealth
	metrics *metrics.Metrics
}

func newTokenFixture(cacheHealthy bool) *tokenFixture {
	f := &tokenFixture{
		cache:   newMemTokenStore(),
		durable: newMemTokenStore(),
		health:  newFakeHealth(cacheHealthy),
		metrics: metrics.New(),
	}
	f.router = NewTokenRouter(f.cache, f.durable, f.health, f.metrics, Options{OpTimeout: time.Second})
	return f
}

func sampleToken(hash string) *entity.TokenRecord {
	now := time.Now()
	return entity.NewTokenRecord("id-"+hash, "user-1", hash, now, now.Add(time.Hour))
}

func TestSaveTokenWritesBothBackends(t *testing.T) {
	f := newTokenFixture(true)
	ctx := context.Background()

	require.NoError(t, f.router.SaveToken(ctx, sampleToken("h1")))
	assert.True(t, f.cache.has("h1"))
	assert.True(t, f.durable.has("h1"))

	got, err := f.router.FindByTokenHash(ctx, "h1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "h1", got.TokenHash)
}

func TestUnhealthyCacheIsNeverCalled(t *testing.T) {
	f := newTokenFixture(false)
	ctx := context.Background()

	require.NoError(t, f.router.SaveToken(ctx, sampleToken("h1")))
	_, err := f.router.FindByTokenHash(ctx, "h1")
	require.NoError(t, err)
	_, err = f.router.FindByTokenID(ctx, "id-h1")
	require.NoError(t, err)
	_, err = f.router.FindActiveTokensByUserID(ctx, "user-1")
	require.NoError(t, err)
	_, err = f.router.UpdateTokenStatus(ctx, "h1", entity.TokenStatusRevoked, "r", "a")
	require.NoError(t, err)
	_, err = f.router.BatchUpdateTokenStatus(ctx, []string{"h1"}, entity.TokenStatusRevoked, "r", "a")
	require.NoError(t, err)
	_, err = f.router.CountActiveTokens(ctx)
	require.NoError(t, err)
	require.NoError(t, f.router.RemoveExpiredTokens(ctx))

	assert.Equal(t, 0, f.cache.callCount())
	assert.True(t, f.durable.has("h1"))
	assert.Equal(t, 8.0, testutil.ToFloat64(f.metrics.Fallbacks.WithLabelValues("token", "save"))+
		testutil.ToFloat64(f.metrics.Fallbacks.WithLabelValues("token", "find_by_hash"))+
		testutil.ToFloat64(f.metrics.Fallbacks.WithLabelValues("token", "find_by_id"))+
		testutil.ToFloat64(f.metrics.Fallbacks.WithLabelValues("token", "find_active_by_user"))+
		testutil.ToFloat64(f.metrics.Fallbacks.WithLabelValues("token", "update_status"))+
		testutil.ToFloat64(f.metrics.Fallbacks.WithLabelValues("token", "batch_update_status"))+
		testutil.ToFloat64(f.metrics.Fallbacks.WithLabelValues("token", "count_by_status"))+
		testutil.ToFloat64(f.metrics.Fallbacks.WithLabelValues("token", "remove_expired")))
}

func TestCacheFailureFallsBackTransparently(t *testing.T) {
	f := newTokenFixture(true)
	f.cache.fail = errDown
	ctx := context.Background()

	require.NoError(t, f.router.SaveToken(ctx, sampleToken("h1")))
	assert.True(t, f.durable.has("h1"))
	assert.Equal(t, 1, f.health.failuresOf(entity.BackendCache, "save"))

	got, err := f.router.FindByTokenHash(ctx, "h1")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestBothBackendsFailing(t *testing.T) {
	f := newTokenFixture(true)
	f.cache.fail = errs.Backend("cache", errors.New("cache down"))
	f.durable.fail = errs.Backend("durable", errors.New("db down"))
	ctx := context.Background()

	err := f.router.SaveToken(ctx, sampleToken("h1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrBackend)
	assert.Contains(t, err.Error(), "cache down")
	assert.Contains(t, err.Error(), "db down")

	got, err := f.router.FindByTokenHash(ctx, "h1")
	assert.Nil(t, got)
	require.Error(t, err)
	assert.False(t, errs.IsNotFound(err))
}

func TestNotFoundIsDistinctFromFailure(t *testing.T) {
	f := newTokenFixture(true)
	got, err := f.router.FindByTokenHash(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 1, f.durable.callCount(), "empty cache read re-checks durable")
}

func TestShadowWriteFailureIsCountedNotReturned(t *testing.T) {
	f := newTokenFixture(true)
	f.durable.fail = errDown

	require.NoError(t, f.router.SaveToken(context.Background(), sampleToken("h1")))
	assert.True(t, f.cache.has("h1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ShadowWriteFailures.WithLabelValues("token", "save")))
}

func TestReadRechecksDurableOnEmptyCache(t *testing.T) {
	f := newTokenFixture(true)
	ctx := context.Background()
	require.NoError(t, f.durable.Save(ctx, sampleToken("only-durable")))

	got, err := f.router.FindByTokenHash(ctx, "only-durable")
	require.NoError(t, err)
	require.NotNil(t, got)

	list, err := f.router.FindActiveTokensByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCountNeverSums(t *testing.T) {
	f := newTokenFixture(true)
	ctx := context.Background()
	for _, h := range []string{"a", "b"} {
		require.NoError(t, f.cache.Save(ctx, sampleToken(h)))
	}
	for _, h := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, f.durable.Save(ctx, sampleToken(h)))
	}

	n, err := f.router.CountActiveTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	f.cache.data = map[string]*entity.TokenRecord{}
	n, err = f.router.CountActiveTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestValidationErrorsDoNotFallBack(t *testing.T) {
	f := newTokenFixture(true)
	ctx := context.Background()

	err := f.router.SaveToken(ctx, &entity.TokenRecord{Status: entity.TokenStatusActive})
	assert.True(t, errs.IsValidation(err))
	_, err = f.router.FindByTokenHash(ctx, "")
	assert.True(t, errs.IsValidation(err))
	assert.Equal(t, 0, f.cache.callCount()+f.durable.callCount())

	require.NoError(t, f.router.SaveToken(ctx, sampleToken("h1")))
	_, err = f.router.UpdateTokenStatus(ctx, "h1", entity.TokenStatusRevoked, "r", "a")
	require.NoError(t, err)
	durableCalls := f.durable.callCount()

	_, err = f.router.UpdateTokenStatus(ctx, "h1", entity.TokenStatusActive, "", "")
	assert.ErrorIs(t, err, errs.ErrInvalidStatusTransition)
	assert.Equal(t, durableCalls, f.durable.callCount())
}

func TestUpdateStatusShadowCopiesRecord(t *testing.T) {
	f := newTokenFixture(true)
	ctx := context.Background()
	require.NoError(t, f.router.SaveToken(ctx, sampleToken("h1")))

	updated, err := f.router.UpdateTokenStatus(ctx, "h1", entity.TokenStatusRevoked, "logout", "user")
	require.NoError(t, err)
	assert.Equal(t, entity.TokenStatusRevoked, updated.Status)

	inDurable, err := f.durable.FindByHash(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, updated.StatusHistory, inDurable.StatusHistory)
	assert.True(t, updated.UpdatedAt.Equal(inDurable.UpdatedAt))
}

func TestUpdateStatusMissingInCacheUsesDurable(t *testing.T) {
	f := newTokenFixture(true)
	ctx := context.Background()
	require.NoError(t, f.durable.Save(ctx, sampleToken("h1")))

	updated, err := f.router.UpdateTokenStatus(ctx, "h1", entity.TokenStatusExpired, "", "")
	require.NoError(t, err)
	assert.Equal(t, entity.TokenStatusExpired, updated.Status)
	assert.Equal(t, 0, f.health.failuresOf(entity.BackendCache, "update_status"))

	_, err = f.router.UpdateTokenStatus(ctx, "ghost", entity.TokenStatusRevoked, "", "")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestBatchUpdateCoversDurableOnlyRecords(t *testing.T) {
	f := newTokenFixture(true)
	ctx := context.Background()
	require.NoError(t, f.router.SaveToken(ctx, sampleToken("both")))
	require.NoError(t, f.durable.Save(ctx, sampleToken("durable-only")))

	n, err := f.router.BatchUpdateTokenStatus(ctx, []string{"both", "durable-only", "missing"}, entity.TokenStatusRevoked, "bulk", "ops")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, h := range []string{"both", "durable-only"} {
		rec, err := f.durable.FindByHash(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, entity.TokenStatusRevoked, rec.Status, h)
	}

	_, err = f.router.BatchUpdateTokenStatus(ctx, []string{"ok", ""}, entity.TokenStatusRevoked, "", "")
	assert.True(t, errs.IsValidation(err))
}

func TestRemoveExpiredTokensSweepsBoth(t *testing.T) {
	f := newTokenFixture(true)
	ctx := context.Background()
	past := time.Now().Add(-2 * time.Hour)
	old := entity.NewTokenRecord("old", "u", "old", past, past.Add(time.Hour))
	require.NoError(t, f.cache.Save(ctx, old))
	require.NoError(t, f.durable.Save(ctx, old))

	require.NoError(t, f.router.RemoveExpiredTokens(ctx))
	assert.False(t, f.cache.has("old"))
	assert.False(t, f.durable.has("old"))
}

// 探测失败的缓存：写入与查询都只走持久层
type deadRaw struct{ calls int }

func (d *deadRaw) Keys(context.Context, string) ([]string, error) { d.calls++; return nil, errDown }
func (d *deadRaw) Get(context.Context, string) ([]byte, error)    { d.calls++; return nil, errDown }
func (d *deadRaw) Put(context.Context, string, []byte, time.Duration) error {
	d.calls++
	return errDown
}
func (d *deadRaw) Delete(context.Context, string) error { d.calls++; return errDown }

func TestFailoverScenario(t *testing.T) {
	monitor := health.NewMonitor(health.DefaultConfig(), entity.NewKeySpace("jwt"),
		map[entity.Backend]out.RawStore{entity.BackendCache: &deadRaw{}}, nil, nil)
	cache := newMemTokenStore()
	durable := newMemTokenStore()
	router := NewTokenRouter(cache, durable, monitor, metrics.New(), Options{})
	ctx := context.Background()

	tok := sampleToken("failover")
	require.NoError(t, router.SaveToken(ctx, tok))
	got, err := router.FindByTokenHash(ctx, "failover")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tok.ID, got.ID)
	assert.Equal(t, 0, cache.callCount())
}
