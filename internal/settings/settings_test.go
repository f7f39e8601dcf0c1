package settings

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/fedcore/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "settings.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetUnsetReturnsFalse(t *testing.T) {
	s := New(newTestStore(t))
	v, ok, err := s.Get(context.Background(), ScopeSystem, "", "theme")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, v)
}

func TestSetAndGetRoundTrips(t *testing.T) {
	s := New(newTestStore(t))
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, ScopeSystem, "", "site_name", "example"))

	v, ok, err := s.Get(ctx, ScopeSystem, "", "site_name")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "example", v)
}

func TestSetOverwritesExistingValue(t *testing.T) {
	s := New(newTestStore(t))
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, ScopeUser, "42", "language", "en"))
	require.NoError(t, s.Set(ctx, ScopeUser, "42", "language", "sv"))

	v, ok, err := s.Get(ctx, ScopeUser, "42", "language")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sv", v)
}

func TestScopesAreIsolated(t *testing.T) {
	s := New(newTestStore(t))
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, ScopeUser, "1", "key", "user-one"))
	require.NoError(t, s.Set(ctx, ScopeUser, "2", "key", "user-two"))

	v, ok, err := s.Get(ctx, ScopeUser, "1", "key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "user-one", v)

	v, ok, err = s.Get(ctx, ScopeUser, "2", "key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "user-two", v)
}

func TestGetBoolDefaultsWhenUnset(t *testing.T) {
	s := New(newTestStore(t))
	v, err := s.GetBool(context.Background(), ScopeIdentity, "7", "discoverable", true)
	require.NoError(t, err)
	assert.True(t, v)
}

func TestSetBoolRoundTrips(t *testing.T) {
	s := New(newTestStore(t))
	ctx := context.Background()
	require.NoError(t, s.SetBool(ctx, ScopeIdentity, "7", "discoverable", false))

	v, err := s.GetBool(ctx, ScopeIdentity, "7", "discoverable", true)
	require.NoError(t, err)
	assert.False(t, v)
}

func TestListScopeReturnsAllKeys(t *testing.T) {
	s := New(newTestStore(t))
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, ScopeSystem, "", "a", "1"))
	require.NoError(t, s.Set(ctx, ScopeSystem, "", "b", "2"))
	require.NoError(t, s.Set(ctx, ScopeUser, "5", "a", "ignored-other-scope"))

	all, err := s.ListScope(ctx, ScopeSystem, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, all)
}
