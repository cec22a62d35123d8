package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/KevinKickass/OpenLightCore/internal/types"
)

type memoryRow struct {
	seq        int64
	collection string
	descriptor types.Descriptor
}

// MemoryStore is an in-process Store used for tests and the "memory" driver.
// Items are kept JSON-encoded so callers observe the same copy semantics as PostgreSQL.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
	rows  map[string]memoryRow
	seq   int64

	failWrites bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string][]byte),
		rows:  make(map[string]memoryRow),
	}
}

func (m *MemoryStore) GetItem(_ context.Context, key string, out any) (bool, error) {
	m.mu.RLock()
	raw, ok := m.items[key]
	m.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal item %s: %w", key, err)
	}
	return true, nil
}

func (m *MemoryStore) SetItem(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal item %s: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites {
		return fmt.Errorf("failed to set item %s: write rejected", key)
	}
	m.items[key] = raw
	return nil
}

func (m *MemoryStore) GetCollection(_ context.Context, collection string) ([]types.Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := make([]memoryRow, 0)
	for _, r := range m.rows {
		if r.collection == collection {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	out := make([]types.Descriptor, len(rows))
	for i, r := range rows {
		out[i] = r.descriptor.Clone()
	}
	return out, nil
}

func (m *MemoryStore) Upsert(_ context.Context, collection string, d types.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites {
		return fmt.Errorf("failed to upsert descriptor %s: write rejected", d.ID)
	}

	row, ok := m.rows[d.ID]
	if !ok {
		m.seq++
		row.seq = m.seq
	}
	row.collection = collection
	row.descriptor = sanitize(d)
	m.rows[d.ID] = row
	return nil
}

func (m *MemoryStore) GetDeviceByID(_ context.Context, id string) (types.Descriptor, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.rows[id]
	if !ok {
		return types.Descriptor{}, false, nil
	}
	return row.descriptor.Clone(), true, nil
}

// SetFailWrites makes SetItem and Upsert return an error, for fault tests.
func (m *MemoryStore) SetFailWrites(fail bool) {
	m.mu.Lock()
	m.failWrites = fail
	m.mu.Unlock()
}

func (m *MemoryStore) Close() {}
