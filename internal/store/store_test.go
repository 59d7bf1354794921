package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authcore/internal/credtypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "nested", "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesRestrictedFileAndDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "auth.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(fileMode), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(dirMode), dirInfo.Mode().Perm())
}

func TestReplaceForProviderAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids, err := s.ReplaceForProvider(ctx, "anthropic", []credtypes.Credential{
		{Type: credtypes.APIKey, Key: "stored"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	rows, err := s.ListAuthCredentials(ctx, "anthropic")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "stored", rows[0].Credential.Key)
	assert.Equal(t, ids[0], rows[0].ID)

	// Replacing again soft-disables the old row and inserts a fresh one.
	_, err = s.ReplaceForProvider(ctx, "anthropic", []credtypes.Credential{
		{Type: credtypes.APIKey, Key: "stored-2"},
	})
	require.NoError(t, err)

	rows, err = s.ListAuthCredentials(ctx, "anthropic")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "stored-2", rows[0].Credential.Key)
}

func TestUpdateAndDeleteAuthCredential(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids, err := s.ReplaceForProvider(ctx, "openai", []credtypes.Credential{
		{Type: credtypes.OAuth, Access: "a1", Refresh: "r1", ExpiresAt: 1000},
	})
	require.NoError(t, err)

	s.UpdateAuthCredential(ctx, ids[0], credtypes.Credential{Type: credtypes.OAuth, Access: "a2", Refresh: "r2", ExpiresAt: 2000})
	rows, err := s.ListAuthCredentials(ctx, "openai")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a2", rows[0].Credential.Access)

	s.DeleteAuthCredential(ctx, ids[0])
	rows, err = s.ListAuthCredentials(ctx, "openai")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCacheRoundTripAndExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.SetCache(ctx, "k1", "v1", 9_999_999_999)
	v, ok := s.GetCache(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	s.SetCache(ctx, "k2", "v2", 1)
	_, ok = s.GetCache(ctx, "k2")
	assert.False(t, ok)

	s.CleanExpiredCache(ctx)
	_, ok = s.GetCache(ctx, "k2")
	assert.False(t, ok)
}

func TestCredentialRoundTripPreservesUnknownFields(t *testing.T) {
	data, err := marshalCredential(credtypes.Credential{
		Type:  credtypes.OAuth,
		Access: "a", Refresh: "r", ExpiresAt: 42,
		Extra: map[string]any{"custom": "value"},
	})
	require.NoError(t, err)

	c, err := unmarshalCredential(string(credtypes.OAuth), data)
	require.NoError(t, err)
	assert.Equal(t, "a", c.Access)
	assert.Equal(t, "value", c.Extra["custom"])
}

func TestListProviders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.ReplaceForProvider(ctx, "anthropic", []credtypes.Credential{{Type: credtypes.APIKey, Key: "x"}})
	require.NoError(t, err)
	_, err = s.ReplaceForProvider(ctx, "openai", []credtypes.Credential{{Type: credtypes.APIKey, Key: "y"}})
	require.NoError(t, err)

	providers, err := s.ListProviders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"anthropic", "openai"}, providers)
}
