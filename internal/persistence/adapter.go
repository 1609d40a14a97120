package persistence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// Adapter stores one serialized blob. Load returns nil, nil when nothing has
// been saved yet.
type Adapter interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// MemoryAdapter is mostly for testing.
type MemoryAdapter struct {
	mu    sync.RWMutex
	data  []byte
	saves int
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{}
}

// NewMemoryAdapterWith seeds the adapter with previously stored data.
func NewMemoryAdapterWith(data []byte) *MemoryAdapter {
	return &MemoryAdapter{data: append([]byte(nil), data...)}
}

func (m *MemoryAdapter) Load(_ context.Context) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data == nil {
		return nil, nil
	}
	return append([]byte(nil), m.data...), nil
}

func (m *MemoryAdapter) Save(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	m.saves++
	return nil
}

// Saves reports how many times Save was called.
func (m *MemoryAdapter) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// FileAdapter persists the blob to a single file. Suitable for local dev.
type FileAdapter struct {
	path string
	mu   sync.Mutex
}

func NewFileAdapter(path string) (*FileAdapter, error) {
	if path == "" {
		return nil, errors.New("file adapter path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileAdapter{path: path}, nil
}

func (f *FileAdapter) Load(_ context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		return nil, nil
	}
	return blob, nil
}

// Save writes to a sibling temp file and renames it so a crash never leaves a
// half-written blob behind.
func (f *FileAdapter) Save(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, f.path)
}
