package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemory_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(time.Minute)
	t.Cleanup(func() { _ = c.Close() })

	v, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, v)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	v, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	require.NoError(t, c.Delete(ctx, "k"))
	v, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestMemory_Expiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(time.Minute)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestMemory_Increment(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(time.Minute)
	t.Cleanup(func() { _ = c.Close() })

	n, err := c.Increment(ctx, "counter", 1, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = c.Increment(ctx, "counter", 2, 0)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	// Zero delta reads without mutating.
	n, err = c.Increment(ctx, "counter", 0, 0)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestMemory_SetNX(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(time.Minute)
	t.Cleanup(func() { _ = c.Close() })

	ok, err := c.SetNX(ctx, "lock", []byte("a"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.SetNX(ctx, "lock", []byte("b"), time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Delete(ctx, "lock"))
	ok, err = c.SetNX(ctx, "lock", []byte("b"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemory_DeleteByPrefix(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(time.Minute)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Set(ctx, "p:a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "p:b", []byte("2"), 0))
	require.NoError(t, c.Set(ctx, "q:c", []byte("3"), 0))

	require.NoError(t, c.DeleteByPrefix(ctx, "p:"))

	v, _ := c.Get(ctx, "p:a")
	require.Nil(t, v)
	v, _ = c.Get(ctx, "q:c")
	require.NotNil(t, v)
}

func TestMemory_EvalUnsupported(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(time.Minute)
	t.Cleanup(func() { _ = c.Close() })

	_, err := c.Eval(ctx, "return 1", nil)
	require.ErrorIs(t, err, ErrScriptingUnsupported)
}

func TestMemory_JSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(time.Minute)
	t.Cleanup(func() { _ = c.Close() })

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, c.SetJSON(ctx, "k", payload{Name: "x", Count: 3}, 0))

	var got payload
	found, err := c.GetJSON(ctx, "k", &got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, payload{Name: "x", Count: 3}, got)

	found, err = c.GetJSON(ctx, "missing", &got)
	require.NoError(t, err)
	require.False(t, found)
}
