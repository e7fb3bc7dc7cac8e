package storage

import (
	"sort"

	"github.com/algorand/go-deadlock"

	"github.com/gitzhang10/yac/types"
)

// MemoryBlockStorage is the in-memory reference BlockStorage. It never fails.
type MemoryBlockStorage struct {
	mu     deadlock.RWMutex
	blocks map[uint64]*types.Block
	ids    []uint64 // sorted ascending
}

func NewMemoryBlockStorage() *MemoryBlockStorage {
	return &MemoryBlockStorage{blocks: make(map[uint64]*types.Block)}
}

func (m *MemoryBlockStorage) Insert(id uint64, block *types.Block) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocks[id]; ok {
		return false, nil
	}
	m.blocks[id] = block
	i := sort.Search(len(m.ids), func(i int) bool { return m.ids[i] >= id })
	m.ids = append(m.ids, 0)
	copy(m.ids[i+1:], m.ids[i:])
	m.ids[i] = id
	return true, nil
}

func (m *MemoryBlockStorage) Fetch(id uint64) (*types.Block, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[id]
	return b, ok, nil
}

func (m *MemoryBlockStorage) Size() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids), nil
}

func (m *MemoryBlockStorage) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks = make(map[uint64]*types.Block)
	m.ids = nil
	return nil
}

// ForEach walks a snapshot taken under the read lock, so fn may call back
// into the storage.
func (m *MemoryBlockStorage) ForEach(fn func(id uint64, block *types.Block) error) error {
	m.mu.RLock()
	ids := append([]uint64(nil), m.ids...)
	blocks := make([]*types.Block, len(ids))
	for i, id := range ids {
		blocks[i] = m.blocks[id]
	}
	m.mu.RUnlock()

	for i, id := range ids {
		if err := fn(id, blocks[i]); err != nil {
			return forEachStop(err)
		}
	}
	return nil
}

func (m *MemoryBlockStorage) TruncateFrom(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.Search(len(m.ids), func(i int) bool { return m.ids[i] >= id })
	for _, dropped := range m.ids[i:] {
		delete(m.blocks, dropped)
	}
	m.ids = m.ids[:i]
	return nil
}

func (m *MemoryBlockStorage) top() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.ids) == 0 {
		return 0, nil
	}
	return m.ids[len(m.ids)-1], nil
}
