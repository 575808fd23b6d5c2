package semantic_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanankenbruck/semantic-bi/internal/semantic"
	"github.com/seanankenbruck/semantic-bi/internal/semantic/semantictest"
)

func writeLayer(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestStore_ReloadSwapsIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layer.yaml")
	writeLayer(t, path, semantictest.LayerYAML)

	ctx := context.Background()
	store, err := semantic.OpenStore(ctx, semantic.NewFileSource(path))
	require.NoError(t, err)

	first := store.Current()
	_, ok := first.Lookup("web_traffic.page_views")
	require.True(t, ok)

	var swapped atomic.Bool
	store.OnReload = func(old, new *semantic.Index) {
		swapped.Store(old == first && new != first)
	}

	writeLayer(t, path, strings.Replace(semantictest.LayerYAML, "page_views", "page_hits", 1))
	next, err := store.Reload(ctx)
	require.NoError(t, err)

	assert.Same(t, next, store.Current())
	assert.True(t, swapped.Load())
	assert.Equal(t, int64(1), store.Reloads())

	// a reader that pinned the old snapshot still sees it whole
	_, ok = first.Lookup("web_traffic.page_views")
	assert.True(t, ok)
	_, ok = store.Current().Lookup("web_traffic.page_hits")
	assert.True(t, ok)
}

func TestStore_FailedReloadKeepsCurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layer.yaml")
	writeLayer(t, path, semantictest.LayerYAML)

	ctx := context.Background()
	store, err := semantic.OpenStore(ctx, semantic.NewFileSource(path))
	require.NoError(t, err)
	before := store.Current()

	writeLayer(t, path, "semantic_layer:\n  datasets:\n    broken:\n      metrics: [{name: x}]\n")
	_, err = store.Reload(ctx)
	require.Error(t, err)

	assert.Same(t, before, store.Current())
	assert.Equal(t, int64(0), store.Reloads())
}

func TestStore_WatchPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layer.yaml")
	writeLayer(t, path, semantictest.LayerYAML)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := semantic.OpenStore(ctx, semantic.NewFileSource(path))
	require.NoError(t, err)
	before := store.Current().Version()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = store.Watch(ctx, 10*time.Millisecond, nil)
	}()

	writeLayer(t, path, semantictest.LayerYAML+"\n# appended comment changes the size\n")
	writeLayer(t, path, strings.Replace(semantictest.LayerYAML, "max_rows: 1000", "max_rows: 250", 1))

	require.Eventually(t, func() bool {
		return store.Current().Version() != before
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 250, store.Current().Policy().MaxRows)

	cancel()
	<-done
}

func TestStore_WithoutSource(t *testing.T) {
	store := semantic.NewStore(nil, nil)
	assert.Equal(t, 0, store.Current().Len())

	_, err := store.Reload(context.Background())
	assert.Error(t, err)
}
