package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openKVs(t *testing.T) map[string]KV {
	t.Helper()
	p, err := OpenPebble(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	return map[string]KV{
		"pebble": p,
		"memory": NewMemory(),
	}
}

func TestKV_Contract(t *testing.T) {
	for name, kv := range openKVs(t) {
		t.Run(name, func(t *testing.T) {
			_, err := kv.Get("missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, kv.Set("a", []byte("1")))
			require.NoError(t, kv.Set("a", []byte("2")))

			v, err := kv.Get("a")
			require.NoError(t, err)
			assert.Equal(t, []byte("2"), v)

			require.NoError(t, kv.Delete("a"))
			require.NoError(t, kv.Delete("a"))
			_, err = kv.Get("a")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestKV_ScanPrefixInOrder(t *testing.T) {
	for name, kv := range openKVs(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"p.c", "p.a", "q.a", "p.b", "o.z"} {
				require.NoError(t, kv.Set(k, []byte(k)))
			}

			var keys []string
			require.NoError(t, kv.Scan("p.", func(key string, value []byte) bool {
				assert.Equal(t, key, string(value))
				keys = append(keys, key)
				return true
			}))
			assert.Equal(t, []string{"p.a", "p.b", "p.c"}, keys)

			keys = nil
			require.NoError(t, kv.Scan("p.", func(key string, _ []byte) bool {
				keys = append(keys, key)
				return false
			}))
			assert.Equal(t, []string{"p.a"}, keys)
		})
	}
}

func TestMemoryKV_Clear(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Set("a", []byte("1")))
	assert.Equal(t, 1, m.Len())

	m.Clear()
	assert.Equal(t, 0, m.Len())
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("abd"), prefixUpperBound([]byte("abc")))
	assert.Equal(t, []byte("b"), prefixUpperBound([]byte{'a', 0xff}))
	assert.Nil(t, prefixUpperBound([]byte{0xff, 0xff}))
}

func TestOpenPebble_RequiresPath(t *testing.T) {
	_, err := OpenPebble("")
	assert.Error(t, err)
}
