package redis

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/authstate/internal/domain/entity"
	"github.com/EthanQC/authstate/internal/domain/errs"
)

var testBase = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTokenStore(t *testing.T) (*TokenStoreRedis, func(time.Time)) {
	t.Helper()
	_, client := newTestClient(t)
	s := NewTokenStoreRedis(client, entity.NewKeySpace("jwt"), 24*time.Hour)
	now := testBase
	s.now = func() time.Time { return now }
	return s, func(n time.Time) { now = n }
}

func token(hash, user string, ttl time.Duration) *entity.TokenRecord {
	return entity.NewTokenRecord("id-"+hash, user, hash, testBase, testBase.Add(ttl))
}

func TestTokenSaveAndFind(t *testing.T) {
	mr, client := newTestClient(t)
	s := NewTokenStoreRedis(client, entity.NewKeySpace("jwt"), 24*time.Hour)
	s.now = func() time.Time { return testBase }
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, token("h1", "u1", 2*time.Hour)))
	assert.Equal(t, 2*time.Hour, mr.TTL("jwt:token:h1"))

	got, err := s.FindByHash(ctx, "h1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.UserID)

	missing, err := s.FindByHash(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	byID, err := s.FindByID(ctx, "id-h1")
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "h1", byID.TokenHash)

	_, err = s.FindByHash(ctx, "")
	assert.True(t, errs.IsValidation(err))
}

func TestTokenSaveClampsTTL(t *testing.T) {
	mr, client := newTestClient(t)
	s := NewTokenStoreRedis(client, entity.NewKeySpace("jwt"), 24*time.Hour)
	s.now = func() time.Time { return testBase }
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, token("short", "u1", 10*time.Second)))
	assert.Equal(t, time.Minute, mr.TTL("jwt:token:short"))

	noExpiry := token("forever", "u1", 0)
	noExpiry.ExpiresAt = time.Time{}
	require.NoError(t, s.Save(ctx, noExpiry))
	assert.Equal(t, 24*time.Hour, mr.TTL("jwt:token:forever"))
}

func TestTokenUpdateStatus(t *testing.T) {
	s, _ := newTokenStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, token("h1", "u1", time.Hour)))

	updated, err := s.UpdateStatus(ctx, "h1", entity.TokenStatusRevoked, "logout", "admin")
	require.NoError(t, err)
	assert.Equal(t, entity.TokenStatusRevoked, updated.Status)

	again, err := s.UpdateStatus(ctx, "h1", entity.TokenStatusRevoked, "logout", "admin")
	require.NoError(t, err)
	assert.Equal(t, entity.TokenStatusRevoked, again.Status)
	assert.Len(t, again.StatusHistory, 1)

	_, err = s.UpdateStatus(ctx, "h1", entity.TokenStatusActive, "", "")
	assert.ErrorIs(t, err, errs.ErrInvalidStatusTransition)

	_, err = s.UpdateStatus(ctx, "missing", entity.TokenStatusRevoked, "", "")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	active, err := s.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), active)
	revoked, err := s.CountByStatus(ctx, entity.TokenStatusRevoked)
	require.NoError(t, err)
	assert.Equal(t, int64(1), revoked)
}

func TestTokenBatchUpdateStatus(t *testing.T) {
	s, _ := newTokenStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, token("a", "u1", time.Hour)))
	require.NoError(t, s.Save(ctx, token("b", "u1", time.Hour)))

	n, err := s.BatchUpdateStatus(ctx, []string{"a", "b", "missing"}, entity.TokenStatusRevoked, "bulk", "ops")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.BatchUpdateStatus(ctx, []string{"a", "b"}, entity.TokenStatusRevoked, "bulk", "ops")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestFindActiveByUserID(t *testing.T) {
	s, setNow := newTokenStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, token("live", "u1", 3*time.Hour)))
	require.NoError(t, s.Save(ctx, token("soon", "u1", 30*time.Minute)))
	require.NoError(t, s.Save(ctx, token("revoked", "u1", 3*time.Hour)))
	require.NoError(t, s.Save(ctx, token("other", "u2", 3*time.Hour)))
	_, err := s.UpdateStatus(ctx, "revoked", entity.TokenStatusRevoked, "", "")
	require.NoError(t, err)

	setNow(testBase.Add(time.Hour))
	got, err := s.FindActiveByUserID(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "live", got[0].TokenHash)
}

func TestTokenRemoveExpired(t *testing.T) {
	mr, client := newTestClient(t)
	s := NewTokenStoreRedis(client, entity.NewKeySpace("jwt"), 24*time.Hour)
	now := testBase
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, token("expired", "u1", 30*time.Minute)))
	require.NoError(t, s.Save(ctx, token("live", "u1", 5*time.Hour)))
	require.NoError(t, s.Save(ctx, token("evicted", "u2", 5*time.Hour)))
	mr.Del("jwt:token:evicted")

	now = testBase.Add(time.Hour)
	before, err := s.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), before)

	removed, err := s.RemoveExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	after, err := s.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), after)
	assert.False(t, mr.Exists("jwt:token:expired"))
	members, err := mr.Members("jwt:user_tokens:u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"live"}, members)
}

func TestTokenRebuildIndexes(t *testing.T) {
	mr, client := newTestClient(t)
	s := NewTokenStoreRedis(client, entity.NewKeySpace("jwt"), 24*time.Hour)
	s.now = func() time.Time { return testBase }
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, token("a", "u1", time.Hour)))
	require.NoError(t, s.Save(ctx, token("b", "u2", time.Hour)))
	mr.Del("jwt:status:ACTIVE")
	mr.Del("jwt:user_tokens:u1")
	_, _ = mr.SetAdd("jwt:user_tokens:ghost", "zzz")

	n, err := s.RebuildIndexes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	active, err := mr.Members("jwt:status:ACTIVE")
	require.NoError(t, err)
	sort.Strings(active)
	assert.Equal(t, []string{"a", "b"}, active)
	assert.False(t, mr.Exists("jwt:user_tokens:ghost"))
	u1, err := mr.Members("jwt:user_tokens:u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, u1)
}
