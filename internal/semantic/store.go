package semantic

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Source produces a fresh index, e.g. by reading a layer file
type Source interface {
	Load(ctx context.Context) (*Index, error)
	// Changed reports whether the source differs from what was last loaded
	Changed(ctx context.Context) (bool, error)
	Name() string
}

// FileSource loads the layer from a YAML file and detects changes by modification time and size
type FileSource struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	size    int64
}

// NewFileSource creates a source reading path
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Load builds an index from the file
func (s *FileSource) Load(ctx context.Context) (*Index, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat semantic layer %s: %w", s.path, err)
	}
	idx, err := LoadFile(s.path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.modTime = info.ModTime()
	s.size = info.Size()
	s.mu.Unlock()
	return idx, nil
}

// Changed compares the file's stat with the last successful load
func (s *FileSource) Changed(ctx context.Context) (bool, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return false, fmt.Errorf("failed to stat semantic layer %s: %w", s.path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !info.ModTime().Equal(s.modTime) || info.Size() != s.size, nil
}

// Name returns the file path
func (s *FileSource) Name() string {
	return s.path
}

// Store publishes the current index. Readers call Current once per request and
// keep that snapshot for the whole request.
type Store struct {
	current atomic.Pointer[Index]
	source  Source
	reloads atomic.Int64

	// OnReload, when set, is called after each successful swap
	OnReload func(old, new *Index)
}

// NewStore creates a store that starts with idx
func NewStore(idx *Index, source Source) *Store {
	if idx == nil {
		idx = NewEmptyIndex()
	}
	s := &Store{source: source}
	s.current.Store(idx)
	return s
}

// OpenStore loads the first index from source
func OpenStore(ctx context.Context, source Source) (*Store, error) {
	idx, err := source.Load(ctx)
	if err != nil {
		return nil, err
	}
	return NewStore(idx, source), nil
}

// Current returns the published index
func (s *Store) Current() *Index {
	return s.current.Load()
}

// Swap publishes idx and returns the previous index
func (s *Store) Swap(idx *Index) *Index {
	old := s.current.Swap(idx)
	s.reloads.Add(1)
	if s.OnReload != nil {
		s.OnReload(old, idx)
	}
	return old
}

// Reloads returns how many times the index has been replaced
func (s *Store) Reloads() int64 {
	return s.reloads.Load()
}

// Reload rebuilds the index from the source. On error the current index stays published.
func (s *Store) Reload(ctx context.Context) (*Index, error) {
	if s.source == nil {
		return nil, fmt.Errorf("store has no source to reload from")
	}
	idx, err := s.source.Load(ctx)
	if err != nil {
		return nil, err
	}
	s.Swap(idx)
	return idx, nil
}

// Watch polls the source every interval and reloads when it changed, until ctx is done.
// Reload errors are passed to onError and do not stop the watch.
func (s *Store) Watch(ctx context.Context, interval time.Duration, onError func(error)) error {
	if s.source == nil || interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			changed, err := s.source.Changed(ctx)
			if err == nil && changed {
				_, err = s.Reload(ctx)
			}
			if err != nil && onError != nil {
				onError(err)
			}
		}
	}
}
