package kvstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeImpls returns one of each Store implementation for shared tests.
func storeImpls(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set(ctx, "account:did:plc:abc", []byte(`{"handle":"alice.test"}`)))
			require.NoError(t, s.Save(ctx))

			v, err := s.Load(ctx, "account:did:plc:abc")
			require.NoError(t, err)
			assert.JSONEq(t, `{"handle":"alice.test"}`, string(v))
		})
	}
}

func TestStore_LoadMissing(t *testing.T) {
	ctx := context.Background()
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Load(ctx, "absent")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_Overwrite(t *testing.T) {
	ctx := context.Background()
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set(ctx, "k", []byte("v1")))
			require.NoError(t, s.Set(ctx, "k", []byte("v2")))
			v, err := s.Load(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v2", string(v))
		})
	}
}

func TestStore_DeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set(ctx, "k", []byte("v")))
			require.NoError(t, s.Delete(ctx, "k"))
			// Second delete of the same key is a no-op, not an error.
			require.NoError(t, s.Delete(ctx, "k"))
			_, err := s.Load(ctx, "k")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_KeysPrefix(t *testing.T) {
	ctx := context.Background()
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set(ctx, "account:a", []byte("1")))
			require.NoError(t, s.Set(ctx, "account:b", []byte("2")))
			require.NoError(t, s.Set(ctx, "migration:v1", []byte("3")))

			keys, err := s.Keys(ctx, "account:")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"account:a", "account:b"}, keys)
		})
	}
}

func TestMemoryStore_FaultInjection(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	boom := errors.New("disk full")
	s.FailSet = func(key string) error {
		if key == "bad" {
			return boom
		}
		return nil
	}
	assert.NoError(t, s.Set(ctx, "good", []byte("v")))
	assert.ErrorIs(t, s.Set(ctx, "bad", []byte("v")), boom)
}

func TestMemoryStore_LoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "k", []byte("abc")))
	v, err := s.Load(ctx, "k")
	require.NoError(t, err)
	v[0] = 'X'
	v2, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(v2))
}
