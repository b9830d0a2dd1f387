package kv

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeImplementations(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"bolt": func() Store {
			s, err := NewBoltStore(filepath.Join(t.TempDir(), "kv.db"))
			require.NoError(t, err)
			return s
		},
	}
}

func TestStore_GetSetDelete(t *testing.T) {
	for name, newStore := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			defer s.Close()

			_, ok, err := s.Get("missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set("token", []byte("abc")))
			v, ok, err := s.Get("token")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []byte("abc"), v)

			require.NoError(t, s.Delete("token"))
			_, ok, err = s.Get("token")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_PrefixOperations(t *testing.T) {
	for name, newStore := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			defer s.Close()

			for _, k := range []string{"cache:edges:a", "cache:edges:b", "cache:edge_types:a", "token"} {
				require.NoError(t, s.Set(k, []byte(k)))
			}

			var scanned []string
			require.NoError(t, s.Scan("cache:", func(key string, _ []byte) bool {
				scanned = append(scanned, key)
				return true
			}))
			assert.Equal(t, []string{"cache:edge_types:a", "cache:edges:a", "cache:edges:b"}, scanned)

			removed, err := s.DeletePrefix("cache:edges:")
			require.NoError(t, err)
			assert.Equal(t, 2, removed)

			_, ok, err := s.Get("cache:edge_types:a")
			require.NoError(t, err)
			assert.True(t, ok)
			_, ok, err = s.Get("cache:edges:a")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_ScanStopsEarly(t *testing.T) {
	s := NewMemoryStore()
	for _, k := range []string{"a1", "a2", "a3"} {
		require.NoError(t, s.Set(k, nil))
	}

	count := 0
	require.NoError(t, s.Scan("a", func(string, []byte) bool {
		count++
		return count < 2
	}))
	assert.Equal(t, 2, count)
}

func TestBoltStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")

	s, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Set("auth", []byte(`{"user":{"id":"u1"}}`)))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(path)
	require.NoError(t, err)
	defer s.Close()

	v, ok, err := s.Get("auth")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"user":{"id":"u1"}}`, string(v))
}

func TestStore_ConcurrentWrites(t *testing.T) {
	for name, newStore := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			defer s.Close()

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					key := fmt.Sprintf("cache:items:list:-:u%d", i)
					assert.NoError(t, s.Set(key, []byte(`{"page":1}`)))
					_, ok, err := s.Get(key)
					assert.NoError(t, err)
					assert.True(t, ok)
				}(i)
			}
			wg.Wait()

			count := 0
			require.NoError(t, s.Scan("cache:items:", func(string, []byte) bool {
				count++
				return true
			}))
			assert.Equal(t, 8, count)
		})
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	_, _, err := s.Get("x")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Set("x", nil), ErrClosed)
}
