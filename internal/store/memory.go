package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/consultant/internal/mediation"
)

// MemoryStore is an in-process session store for local/dev use.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]mediation.Session
	onCommit func(mediation.Session)
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]mediation.Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetCommitHook registers fn to receive every committed row. It is called
// under the store lock so deliveries follow commit order and must not block.
func (m *MemoryStore) SetCommitHook(fn func(mediation.Session)) {
	m.mu.Lock()
	m.onCommit = fn
	m.mu.Unlock()
}

func (m *MemoryStore) commitLocked(s mediation.Session) mediation.Session {
	m.sessions[s.ID] = s
	if m.onCommit != nil {
		m.onCommit(s.Clone())
	}
	return s.Clone()
}

func (m *MemoryStore) Create(_ context.Context, s mediation.Session) (mediation.Session, error) {
	s, err := validateCreate(s.Clone())
	if err != nil {
		return mediation.Session{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if active := m.findActiveLocked(s.PairID); active != nil {
		return mediation.Session{}, ErrActiveExists
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if _, exists := m.sessions[s.ID]; exists {
		return mediation.Session{}, ErrActiveExists
	}
	now := m.now()
	s.Version = 1
	s.CreatedAt = now
	s.UpdatedAt = now
	return m.commitLocked(s), nil
}

func (m *MemoryStore) Patch(_ context.Context, id string, p mediation.Patch) (mediation.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[id]
	if !ok {
		return mediation.Session{}, ErrNotFound
	}
	if p.Empty() && len(p.ExpectStatus) == 0 {
		return cur.Clone(), nil
	}
	if replayed(cur, p) {
		return cur.Clone(), nil
	}
	if err := checkPatch(cur, p); err != nil {
		return mediation.Session{}, err
	}
	if p.Empty() {
		return cur.Clone(), nil
	}
	next := p.Apply(cur)
	next.Version = cur.Version + 1
	next.UpdatedAt = m.now()
	if !next.UpdatedAt.After(cur.UpdatedAt) {
		next.UpdatedAt = cur.UpdatedAt.Add(time.Microsecond)
	}
	return m.commitLocked(next), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (mediation.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return mediation.Session{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) FindActive(_ context.Context, pairID string) (*mediation.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.findActiveLocked(pairID)
	if s == nil {
		return nil, nil
	}
	out := s.Clone()
	return &out, nil
}

func (m *MemoryStore) findActiveLocked(pairID string) *mediation.Session {
	var best *mediation.Session
	for id := range m.sessions {
		s := m.sessions[id]
		if s.PairID != pairID || s.Status.Terminal() {
			continue
		}
		if best == nil || s.CreatedAt.After(best.CreatedAt) {
			best = &s
		}
	}
	return best
}

func (m *MemoryStore) Close() error { return nil }
