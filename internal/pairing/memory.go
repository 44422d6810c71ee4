package pairing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryDirectory is an in-process pair directory for local/dev use.
type MemoryDirectory struct {
	mu    sync.RWMutex
	pairs map[string]Pair
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{pairs: make(map[string]Pair)}
}

func (d *MemoryDirectory) CreatePair(_ context.Context, userA, userB string) (Pair, error) {
	userA, userB, err := validateMembers(userA, userB)
	if err != nil {
		return Pair{}, err
	}
	p := Pair{
		ID:        uuid.NewString(),
		UserA:     userA,
		UserB:     userB,
		CreatedAt: time.Now().UTC(),
	}
	d.mu.Lock()
	d.pairs[p.ID] = p
	d.mu.Unlock()
	return p, nil
}

// Put registers a pair with a caller-chosen id.
func (d *MemoryDirectory) Put(p Pair) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	d.mu.Lock()
	d.pairs[p.ID] = p
	d.mu.Unlock()
}

func (d *MemoryDirectory) GetPair(_ context.Context, id string) (Pair, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.pairs[strings.TrimSpace(id)]
	if !ok {
		return Pair{}, ErrPairNotFound
	}
	return p, nil
}

func (d *MemoryDirectory) Close() error { return nil }
