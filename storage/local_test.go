package storage

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestLocalStore(t *testing.T) (*LocalStore, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "packs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "packs", "keys.zip"), []byte("zip"), 0o644))

	store, err := NewLocalStore(dir, "http://localhost:8080/", "test-signing-key", zaptest.NewLogger(t))
	require.NoError(t, err)
	return store, dir
}

func tokenFromURL(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return strings.TrimPrefix(u.Path, DownloadRoutePrefix)
}

func TestNewLocalStore_RequiresSigningKey(t *testing.T) {
	_, err := NewLocalStore(t.TempDir(), "http://localhost", "", zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestLocalStore_IssueAndResolve(t *testing.T) {
	store, dir := newTestLocalStore(t)

	grant, err := store.IssueSignedURL(context.Background(), "packs/keys.zip", 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(grant.URL, "http://localhost:8080/downloads/"))

	p, key, err := store.Resolve(tokenFromURL(t, grant.URL))
	require.NoError(t, err)
	assert.Equal(t, "packs/keys.zip", key)
	assert.Equal(t, filepath.Join(dir, "packs", "keys.zip"), p)
}

func TestLocalStore_ResolveExpired(t *testing.T) {
	store, _ := newTestLocalStore(t)
	issued := time.Now().Add(-time.Hour)
	store.now = func() time.Time { return issued }

	grant, err := store.IssueSignedURL(context.Background(), "packs/keys.zip", time.Minute)
	require.NoError(t, err)

	store.now = time.Now
	_, _, err = store.Resolve(tokenFromURL(t, grant.URL))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestLocalStore_ResolveWrongKey(t *testing.T) {
	store, dir := newTestLocalStore(t)
	grant, err := store.IssueSignedURL(context.Background(), "packs/keys.zip", time.Minute)
	require.NoError(t, err)

	other, err := NewLocalStore(dir, "http://localhost:8080", "another-key", zaptest.NewLogger(t))
	require.NoError(t, err)

	_, _, err = other.Resolve(tokenFromURL(t, grant.URL))
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestLocalStore_ObjectExists(t *testing.T) {
	store, _ := newTestLocalStore(t)
	ctx := context.Background()

	assert.True(t, store.ObjectExists(ctx, "packs/keys.zip"))
	assert.False(t, store.ObjectExists(ctx, "packs/missing.zip"))
	assert.False(t, store.ObjectExists(ctx, "packs"))
	assert.False(t, store.ObjectExists(ctx, ""))
}

func TestLocalStore_PathTraversalStaysInRoot(t *testing.T) {
	store, dir := newTestLocalStore(t)

	p, err := store.objectPath("../../etc/passwd")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p, dir))
}

func TestLocalStore_GrantsAreUnique(t *testing.T) {
	store, _ := newTestLocalStore(t)

	a, err := store.IssueSignedURL(context.Background(), "packs/keys.zip", time.Minute)
	require.NoError(t, err)
	b, err := store.IssueSignedURL(context.Background(), "packs/keys.zip", time.Minute)
	require.NoError(t, err)

	assert.NotEqual(t, a.URL, b.URL)
}
