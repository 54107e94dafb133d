package plans

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o600))

	store := newMemStore()
	cache := NewCachedStore(store, 10, time.Hour, nil)

	w := NewWatcher(path, store, cache, nil)
	w.debounce = 20 * time.Millisecond
	w.reloaded = make(chan error, 1)
	require.NoError(t, w.Start())
	defer w.Stop()

	updated := strings.Replace(sampleCatalog, "reads: 3", "reads: 30", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case err := <-w.reloaded:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("catalog was not reloaded")
	}

	p, err := cache.Get(context.Background(), "pro")
	require.NoError(t, err)
	assert.Equal(t, int64(30), p.Limit("reads"))
}

func TestWatcher_KeepsLastGoodCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o600))

	store := newMemStore()
	w := NewWatcher(path, store, nil, nil)
	w.debounce = 20 * time.Millisecond
	w.reloaded = make(chan error, 1)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("plans: [oops"), 0o600))

	select {
	case err := <-w.reloaded:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reload was not attempted")
	}

	list, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "plans.yaml"), newMemStore(), nil, nil)
	require.NoError(t, w.Start())
	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}
