package storage

import (
	"strings"
	"sync"

	"github.com/google/btree"
)

type memItem struct {
	key   string
	value []byte
}

func memLess(a, b memItem) bool {
	return a.key < b.key
}

// MemoryKV is an in-memory ordered KV. It backs the ephemeral scope, whose
// contents are meant to disappear with the process the same way browser
// session storage disappears with the tab.
type MemoryKV struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[memItem]
}

// NewMemory returns an empty MemoryKV.
func NewMemory() *MemoryKV {
	return &MemoryKV{tree: btree.NewG[memItem](16, memLess)}
}

func (m *MemoryKV) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.tree.Get(memItem{key: key})
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), item.value...), nil
}

func (m *MemoryKV) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tree.ReplaceOrInsert(memItem{key: key, value: append([]byte(nil), value...)})
	return nil
}

func (m *MemoryKV) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tree.Delete(memItem{key: key})
	return nil
}

func (m *MemoryKV) Scan(prefix string, fn func(key string, value []byte) bool) error {
	m.mu.RLock()
	var items []memItem
	m.tree.AscendGreaterOrEqual(memItem{key: prefix}, func(item memItem) bool {
		if !strings.HasPrefix(item.key, prefix) {
			return false
		}
		items = append(items, item)
		return true
	})
	m.mu.RUnlock()

	// fn runs without the lock so it may write back into the store.
	for _, item := range items {
		if !fn(item.key, append([]byte(nil), item.value...)) {
			break
		}
	}
	return nil
}

// Len reports the number of stored keys.
func (m *MemoryKV) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

// Clear drops every key, which is what ending a browsing session does to the
// ephemeral scope.
func (m *MemoryKV) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.Clear(false)
}

func (m *MemoryKV) Close() error {
	return nil
}
