package storage

import (
	"context"
	"sort"
	"sync"

	"adaptimg/internal/models"
)

// Memory is an in-process Store for tests, the CLI and single-node runs.
type Memory struct {
	mu      sync.RWMutex
	records map[string]models.CatalogRecord
	sources map[string]models.SourceImage
}

func NewMemory() *Memory {
	return &Memory{
		records: map[string]models.CatalogRecord{},
		sources: map[string]models.SourceImage{},
	}
}

func (m *Memory) LoadRecord(_ context.Context, sourceID string) (*models.CatalogRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[sourceID]
	if !ok {
		return nil, ErrNotFound
	}
	out := rec.Clone()
	return &out, nil
}

func (m *Memory) SaveRecord(_ context.Context, rec models.CatalogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.SourceID] = rec.Clone()
	return nil
}

func (m *Memory) DeleteRecord(_ context.Context, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, sourceID)
	return nil
}

func (m *Memory) SaveSource(_ context.Context, src models.SourceImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[src.ID] = src
	return nil
}

func (m *Memory) GetSource(_ context.Context, id string) (*models.SourceImage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src, ok := m.sources[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &src, nil
}

func (m *Memory) SourceByFile(_ context.Context, file string) (*models.SourceImage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, src := range m.sources {
		if src.File == file {
			s := src
			return &s, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) DeleteSource(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, id)
	return nil
}

func (m *Memory) PruneOrphans(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pruned []string
	for id := range m.records {
		if _, ok := m.sources[id]; !ok {
			delete(m.records, id)
			pruned = append(pruned, id)
		}
	}
	sort.Strings(pruned)
	return pruned, nil
}

func (m *Memory) Close() error {
	return nil
}
