package directory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. Records do not survive restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, deviceID string) (Record, bool, error) {
	id, err := normalizeID(deviceID)
	if err != nil {
		return Record{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return rec, ok, nil
}

func (m *MemoryStore) Upsert(_ context.Context, deviceID string, defaults Record) (Record, bool, error) {
	id, err := normalizeID(deviceID)
	if err != nil {
		return Record{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		return rec, false, nil
	}
	defaults.DeviceID = id
	defaults.UpdatedAt = m.now()
	m.records[id] = defaults
	return defaults, true, nil
}

func (m *MemoryStore) Update(_ context.Context, deviceID string, patch Patch) (Record, error) {
	id, err := normalizeID(deviceID)
	if err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	next, err := patch.Apply(rec, m.now())
	if err != nil {
		return Record{}, err
	}
	m.records[id] = next
	return next, nil
}

func (m *MemoryStore) ClearFirmware(ctx context.Context, deviceID string) (Record, error) {
	return m.Update(ctx, deviceID, ClearFirmwarePatch())
}

func (m *MemoryStore) List(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
