package controller

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/consultant/internal/mediation"
)

type registryKey struct {
	pairID string
	userID string
}

// Registry hosts one controller per (pair, user) for the HTTP surface.
type Registry struct {
	deps    Deps
	idleTTL time.Duration

	mu      sync.Mutex
	entries map[registryKey]*Controller
	closed  bool
}

func NewRegistry(deps Deps, idleTTL time.Duration) *Registry {
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	return &Registry{
		deps:    deps,
		idleTTL: idleTTL,
		entries: make(map[registryKey]*Controller),
	}
}

// Acquire returns the started controller for userID in pairID, creating it
// on first use.
func (r *Registry) Acquire(ctx context.Context, pairID, userID string) (*Controller, mediation.LocalView, error) {
	key := registryKey{pairID: strings.TrimSpace(pairID), userID: strings.TrimSpace(userID)}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, mediation.LocalView{}, ErrClosed
	}
	c, ok := r.entries[key]
	if !ok {
		c = New(r.deps, key.userID)
		r.entries[key] = c
	}
	n := len(r.entries)
	r.mu.Unlock()
	r.deps.Metrics.SetActiveControllers(n)

	view, err := c.Start(ctx, key.pairID)
	if err != nil {
		if !ok {
			r.mu.Lock()
			if r.entries[key] == c {
				delete(r.entries, key)
			}
			n = len(r.entries)
			r.mu.Unlock()
			r.deps.Metrics.SetActiveControllers(n)
			c.Close()
		}
		return nil, mediation.LocalView{}, err
	}
	return c, view, nil
}

// Lookup returns a hosted controller without starting one.
func (r *Registry) Lookup(pairID, userID string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.entries[registryKey{pairID: strings.TrimSpace(pairID), userID: strings.TrimSpace(userID)}]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep closes controllers idle since before now-idleTTL and returns how
// many it evicted.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.idleTTL)
	var evicted []*Controller

	r.mu.Lock()
	for key, c := range r.entries {
		if c.idle(cutoff) {
			delete(r.entries, key)
			evicted = append(evicted, c)
		}
	}
	n := len(r.entries)
	r.mu.Unlock()

	for _, c := range evicted {
		c.Close()
	}
	r.deps.Metrics.SetActiveControllers(n)
	return len(evicted)
}

// Resync asks every hosted controller to reload from the store.
func (r *Registry) Resync(ctx context.Context) {
	r.mu.Lock()
	all := make([]*Controller, 0, len(r.entries))
	for _, c := range r.entries {
		all = append(all, c)
	}
	r.mu.Unlock()
	for _, c := range all {
		c.Resync(ctx)
	}
}

// Run evicts idle controllers until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	interval := r.idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := r.Sweep(now); n > 0 {
				log.Printf("controller: evicted %d idle controllers", n)
			}
		}
	}
}

func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[registryKey]*Controller)
	r.closed = true
	r.mu.Unlock()
	for _, c := range entries {
		c.Close()
	}
	r.deps.Metrics.SetActiveControllers(0)
}
