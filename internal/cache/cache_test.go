package cache

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewWithClient(client, "test", time.Minute), mr
}

type snapshot struct {
	ID     uint64 `json:"id"`
	Active bool   `json:"active"`
}

func TestJSONEntries(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	var got snapshot
	found, err := c.GetJSON(ctx, "0xc1", KindOrder, "1", &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.SetJSON(ctx, "0xc1", KindOrder, "1", snapshot{ID: 1, Active: true}, 0))
	found, err = c.GetJSON(ctx, "0xc1", KindOrder, "1", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, snapshot{ID: 1, Active: true}, got)
	assert.Equal(t, time.Minute, mr.TTL("test:0xc1:order:1"))

	mr.FastForward(2 * time.Minute)
	found, err = c.GetJSON(ctx, "0xc1", KindOrder, "1", &got)
	require.NoError(t, err)
	assert.False(t, found, "expired entries read as misses")
}

func TestCorruptEntryIsMiss(t *testing.T) {
	c, mr := newTestCache(t)
	require.NoError(t, mr.Set("test:0xc1:order:9", "{not json"))

	var got snapshot
	found, err := c.GetJSON(context.Background(), "0xc1", KindOrder, "9", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClaim(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	ok, err := c.Claim(ctx, "0xc1", KindPublished, "tx:1", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Claim(ctx, "0xc1", KindPublished, "tx:1", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Delete(ctx, "0xc1", KindPublished, "tx:1"))
	ok, err = c.Claim(ctx, "0xc1", KindPublished, "tx:1", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLastBlock(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, found, err := c.LastBlock(ctx, "0xc1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.SetLastBlock(ctx, "0xc1", 1234))
	block, found, err := c.LastBlock(ctx, "0xc1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(1234), block)

	require.NoError(t, c.DeleteLastBlock(ctx, "0xc1"))
	_, found, err = c.LastBlock(ctx, "0xc1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPurgeNamespace(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < 450; i++ {
		require.NoError(t, c.SetJSON(ctx, "0xc1", KindOrder, strconv.Itoa(i), i, 0))
	}
	require.NoError(t, c.SetLastBlock(ctx, "0xc1", 5))
	require.NoError(t, c.SetJSON(ctx, "0xc2", KindOrder, "1", 1, 0))

	n, err := c.PurgeNamespace(ctx, "0xc1")
	require.NoError(t, err)
	assert.Equal(t, 451, n)
	assert.True(t, mr.Exists("test:0xc2:order:1"))

	n, err = c.PurgeNamespace(ctx, "0xc1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPushAlert(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.PushAlert(ctx, []byte(`{"type":"a"}`), false))
	require.NoError(t, c.PushAlert(ctx, []byte(`{"type":"b"}`), true))

	recent, err := c.Alerts(ctx, 10, false)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"type":"b"}`, `{"type":"a"}`}, recent)

	critical, err := c.Alerts(ctx, 10, true)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"type":"b"}`}, critical)
	assert.Zero(t, mr.TTL("test:alerts:critical"))
}
