package lockwarden

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tidwall/jsonc"
)

type StateBackend interface {
	Load() (*LockSet, error)
	Save(locks *LockSet) error
}

type stateBackendCloser interface {
	Close() error
}

type describedBackend interface {
	Describe() string
}

// JSONFileStateBackend stores the whole LockSet as one JSON document. Reads
// tolerate comments and trailing commas so hand-edited files still load.
type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Describe() string {
	return "file://" + b.Path
}

func (b *JSONFileStateBackend) Load() (*LockSet, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	// A missing file surfaces as os.ErrNotExist so the store warns about it.
	data, err := os.ReadFile(b.Path)
	if err != nil {
		return nil, err
	}
	return decodeLockSet(jsonc.ToJSON(data))
}

func (b *JSONFileStateBackend) Save(locks *LockSet) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || locks == nil {
		return nil
	}
	data, err := encodeLockSet(locks)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *LockSet
	saves    int
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Describe() string {
	return "memory://"
}

func (b *InMemoryStateBackend) Load() (*LockSet, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return b.snapshot.Clone(), nil
}

func (b *InMemoryStateBackend) Save(locks *LockSet) error {
	if b == nil || locks == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = locks.Clone()
	b.saves++
	return nil
}

func (b *InMemoryStateBackend) SaveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves
}
