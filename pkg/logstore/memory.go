package logstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

type memoryLog struct {
	boundary oplog.Index
	records  []Record // sorted, contiguous
}

// MemoryLayer is an in-process IndexedLayer for tests and lite mode.
type MemoryLayer struct {
	mu   sync.RWMutex
	logs map[oplog.WorkerID]*memoryLog
}

func NewMemoryLayer() *MemoryLayer {
	return &MemoryLayer{logs: make(map[oplog.WorkerID]*memoryLog)}
}

func (m *MemoryLayer) Name() string { return "memory" }

func (m *MemoryLayer) AppendBatch(_ context.Context, worker oplog.WorkerID, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.logs[worker]
	if !ok {
		l = &memoryLog{}
		m.logs[worker] = l
	}
	if n := len(l.records); n > 0 && len(records) > 0 && records[0].Index <= l.records[n-1].Index {
		return fmt.Errorf("append %s: index %d already stored", worker, records[0].Index)
	}
	for _, r := range records {
		r.Data = append([]byte(nil), r.Data...)
		l.records = append(l.records, r)
	}
	return nil
}

func (m *MemoryLayer) search(l *memoryLog, idx oplog.Index) int {
	return sort.Search(len(l.records), func(i int) bool { return l.records[i].Index >= idx })
}

func (m *MemoryLayer) Read(_ context.Context, worker oplog.WorkerID, from oplog.Index, max int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.logs[worker]
	if !ok {
		return nil, nil
	}
	start := m.search(l, from)
	end := len(l.records)
	if max > 0 && start+max < end {
		end = start + max
	}
	out := make([]Record, end-start)
	copy(out, l.records[start:end])
	return out, nil
}

func (m *MemoryLayer) Last(_ context.Context, worker oplog.WorkerID) (oplog.Index, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.logs[worker]
	if !ok || len(l.records) == 0 {
		return 0, false, nil
	}
	return l.records[len(l.records)-1].Index, true, nil
}

func (m *MemoryLayer) DeleteBelow(_ context.Context, worker oplog.WorkerID, idx oplog.Index) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.logs[worker]; ok {
		l.records = append([]Record(nil), l.records[m.search(l, idx):]...)
	}
	return nil
}

func (m *MemoryLayer) DeleteFrom(_ context.Context, worker oplog.WorkerID, idx oplog.Index) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.logs[worker]; ok {
		l.records = l.records[:m.search(l, idx)]
	}
	return nil
}

func (m *MemoryLayer) Boundary(_ context.Context, worker oplog.WorkerID) (oplog.Index, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if l, ok := m.logs[worker]; ok {
		return l.boundary, nil
	}
	return oplog.InitialIndex, nil
}

func (m *MemoryLayer) SetBoundary(_ context.Context, worker oplog.WorkerID, idx oplog.Index) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.logs[worker]
	if !ok {
		l = &memoryLog{}
		m.logs[worker] = l
	}
	l.boundary = idx
	return nil
}

func (m *MemoryLayer) Count(_ context.Context, worker oplog.WorkerID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if l, ok := m.logs[worker]; ok {
		return len(l.records), nil
	}
	return 0, nil
}

func (m *MemoryLayer) Exists(_ context.Context, worker oplog.WorkerID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.logs[worker]
	return ok, nil
}

func (m *MemoryLayer) Workers(_ context.Context) ([]oplog.WorkerID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]oplog.WorkerID, 0, len(m.logs))
	for w := range m.logs {
		out = append(out, w)
	}
	sortWorkers(out)
	return out, nil
}

func (m *MemoryLayer) DeleteWorker(_ context.Context, worker oplog.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.logs, worker)
	return nil
}

func sortWorkers(ws []oplog.WorkerID) {
	sort.Slice(ws, func(i, j int) bool { return ws[i].String() < ws[j].String() })
}
