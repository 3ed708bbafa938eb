package deltalog

import (
	"context"
	"sync"

	co "github.com/ilnaes/quillsync/internal/common"
)

// MemoryStore is a process-local Store. Logs are lost on restart.
type MemoryStore struct {
	logs   map[string][]co.Delta
	closed bool

	mu sync.RWMutex // protects logs and closed
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs: make(map[string][]co.Delta),
	}
}

func (m *MemoryStore) Append(_ context.Context, docId string, delta co.Delta) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	m.logs[docId] = append(m.logs[docId], clone(delta))
	return len(m.logs[docId]), nil
}

func (m *MemoryStore) ReadAll(_ context.Context, docId string) ([]co.Delta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	// entries are never mutated after append so sharing them is safe
	res := make([]co.Delta, len(m.logs[docId]))
	copy(res, m.logs[docId])
	return res, nil
}

func (m *MemoryStore) Clear(_ context.Context, docId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	delete(m.logs, docId)
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

var _ Store = (*MemoryStore)(nil)
