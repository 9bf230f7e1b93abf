package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/warden/internal/plugin/manifest"
)

var (
	alice = manifest.NewIdentityHash("Foo", "Alice")
	bob   = manifest.NewIdentityHash("Foo", "Bob")
)

func newRedisStore(t *testing.T) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), RedisOptions{URL: fmt.Sprintf("redis://%s", mr.Addr())})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newFileStore(t *testing.T) Store {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestStores(t *testing.T) {
	stores := map[string]func(*testing.T) Store{
		"file":  newFileStore,
		"redis": newRedisStore,
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			t.Run("round trip", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()

				require.NoError(t, s.Set(ctx, alice, "count", 3))
				require.NoError(t, s.Set(ctx, alice, "tags", []any{"a", "b"}))
				require.NoError(t, s.Set(ctx, alice, "conf", map[string]any{"on": true}))

				v, ok, err := s.Get(ctx, alice, "count")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, 3.0, v)

				v, _, err = s.Get(ctx, alice, "tags")
				require.NoError(t, err)
				assert.Equal(t, []any{"a", "b"}, v)

				v, _, err = s.Get(ctx, alice, "conf")
				require.NoError(t, err)
				assert.Equal(t, map[string]any{"on": true}, v)

				keys, err := s.Keys(ctx, alice)
				require.NoError(t, err)
				assert.Equal(t, []string{"conf", "count", "tags"}, keys)
			})

			t.Run("missing and delete", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()

				_, ok, err := s.Get(ctx, alice, "absent")
				require.NoError(t, err)
				assert.False(t, ok)

				require.NoError(t, s.Delete(ctx, alice, "absent"))
				require.NoError(t, s.Set(ctx, alice, "k", "v"))
				require.NoError(t, s.Delete(ctx, alice, "k"))
				_, ok, err = s.Get(ctx, alice, "k")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("owners are isolated", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()

				require.NoError(t, s.Set(ctx, alice, "secret", "a"))
				_, ok, err := s.Get(ctx, bob, "secret")
				require.NoError(t, err)
				assert.False(t, ok)

				keys, err := s.Keys(ctx, bob)
				require.NoError(t, err)
				assert.Empty(t, keys)
			})

			t.Run("invalid keys", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				for _, key := range []string{"", "a.b", "1abc", "a*", "with space"} {
					assert.ErrorIs(t, s.Set(ctx, alice, key, 1), ErrInvalidKey, key)
				}
			})
		})
	}
}

func TestFileStorePersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, alice, "name", "x"))
	require.NoError(t, s.Close())

	_, err = os.Stat(filepath.Join(dir, string(alice), stateFile))
	require.NoError(t, err)

	s, err = NewFileStore(dir)
	require.NoError(t, err)
	v, ok, err := s.Get(ctx, alice, "name")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "x", v)
}

func TestFileStoreClosed(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Set(context.Background(), alice, "k", 1), ErrClosed)
}

func TestRedisStoreConnectFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisStore(context.Background(), RedisOptions{URL: "redis://" + addr})
	assert.Error(t, err)
}
