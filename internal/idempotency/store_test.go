package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, time.Hour), mr
}

func TestStoredResponseExpires(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	key := Key("buyer-1", "/orders", "abc")

	resp, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, resp)

	require.NoError(t, store.Save(ctx, key, Response{Status: 201, ContentType: "application/json", Body: []byte(`{"id":"o-1"}`)}))
	resp, err = store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 201, resp.Status)
	assert.JSONEq(t, `{"id":"o-1"}`, string(resp.Body))

	mr.FastForward(2 * time.Hour)
	resp, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestKeysAreScopedPerUser(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, Key("buyer-1", "/orders", "abc"), Response{Status: 201}))
	resp, err := store.Get(ctx, Key("buyer-2", "/orders", "abc"))
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestLockIsExclusive(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	key := Key("buyer-1", "/orders/o-1/pay", "k")

	ok, err := store.Lock(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Lock(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Unlock(ctx, key))
	ok, err = store.Lock(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	// an abandoned lock does not block the key forever
	mr.FastForward(DefaultLockTTL + time.Second)
	ok, err = store.Lock(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisDown(t *testing.T) {
	store, mr := newStore(t)
	mr.Close()

	_, err := store.Get(context.Background(), "k")
	assert.Error(t, err)
	_, err = store.Lock(context.Background(), "k")
	assert.Error(t, err)
}
