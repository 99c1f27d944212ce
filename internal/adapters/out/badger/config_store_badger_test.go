package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/authstate/internal/domain/errs"
)

func newTestStore(t *testing.T) *ConfigStoreBadger {
	t.Helper()
	db, err := Open("", true)
	require.NoError(t, err)
	s := NewConfigStoreBadger(db).(*ConfigStoreBadger)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConfigStoreBadgerCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetConfig(ctx, "jwt:blacklist:a")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, s.SaveConfig(ctx, "jwt:blacklist:a", []byte("one")))
	got, err := s.GetConfig(ctx, "jwt:blacklist:a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	ok, err := s.Exists(ctx, "jwt:blacklist:a")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.DeleteConfig(ctx, "jwt:blacklist:a"))
	ok, err = s.Exists(ctx, "jwt:blacklist:a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConfigStoreBadgerKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, k := range []string{"jwt:token:2", "jwt:token:1", "jwt:blacklist:1"} {
		require.NoError(t, s.SaveConfig(ctx, k, []byte("x")))
	}

	keys, err := s.Keys(ctx, "jwt:token:")
	require.NoError(t, err)
	assert.Equal(t, []string{"jwt:token:1", "jwt:token:2"}, keys)

	keys, err = s.Keys(ctx, "nothing:")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
