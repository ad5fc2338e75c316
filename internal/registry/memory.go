package registry

import (
	"context"
	"sort"
	"sync"

	"vectorflow/internal/pipeline"
)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]pipeline.RegistryEntry
}

// NewMemory returns an empty in-memory registry.
func NewMemory() *MemoryStore {
	return &MemoryStore{entries: make(map[string]map[string]pipeline.RegistryEntry)}
}

func (m *MemoryStore) GetEntry(_ context.Context, pipelineName, canonicalID string) (*pipeline.RegistryEntry, error) {
	if err := validateKey(pipelineName, canonicalID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[pipelineName][canonicalID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (m *MemoryStore) Upsert(_ context.Context, pipelineName string, entry pipeline.RegistryEntry) error {
	if err := validateKey(pipelineName, entry.CanonicalID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.entries[pipelineName]
	if !ok {
		bucket = make(map[string]pipeline.RegistryEntry)
		m.entries[pipelineName] = bucket
	}
	bucket[entry.CanonicalID] = entry
	return nil
}

func (m *MemoryStore) Entries(_ context.Context, pipelineName string) ([]pipeline.RegistryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]pipeline.RegistryEntry, 0, len(m.entries[pipelineName]))
	for _, entry := range m.entries[pipelineName] {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalID < out[j].CanonicalID })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
