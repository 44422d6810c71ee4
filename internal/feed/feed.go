package feed

import (
	"strings"
	"sync"

	"github.com/ent0n29/consultant/internal/mediation"
)

// Feed delivers committed session snapshots to subscribers. Deliveries are
// at-least-once and ordered per subscription.
type Feed interface {
	Subscribe(key, subscriberID string, onSnapshot func(mediation.Session)) (unsubscribe func())
}

// Presence reports whether a user currently listens for a session.
type Presence interface {
	Online(s mediation.Session, userID string) bool
}

func SessionKey(sessionID string) string { return "session:" + strings.TrimSpace(sessionID) }

func PairKey(pairID string) string { return "pair:" + strings.TrimSpace(pairID) }

// Broker is the in-process fan-out. Every published snapshot goes to the
// subscribers of its session key and its pair key.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[int]*subscription
	nextID int
	closed bool
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[int]*subscription)}
}

type subscription struct {
	subscriberID string
	fn           func(mediation.Session)

	mu    sync.Mutex
	cond  *sync.Cond
	queue []mediation.Session
	done  bool
}

func (b *Broker) Subscribe(key, subscriberID string, onSnapshot func(mediation.Session)) func() {
	key = strings.TrimSpace(key)
	if key == "" || onSnapshot == nil {
		return func() {}
	}
	sub := &subscription{subscriberID: strings.TrimSpace(subscriberID), fn: onSnapshot}
	sub.cond = sync.NewCond(&sub.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.nextID++
	id := b.nextID
	if _, ok := b.subs[key]; !ok {
		b.subs[key] = make(map[int]*subscription)
	}
	b.subs[key][id] = sub
	b.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[key]; subs != nil {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.subs, key)
				}
			}
			b.mu.Unlock()
			// Does not wait for an in-progress delivery: callers may
			// unsubscribe from inside onSnapshot.
			sub.stop()
		})
	}
}

// Publish enqueues s for every subscriber of its session and pair keys.
func (b *Broker) Publish(s mediation.Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	seen := make(map[*subscription]struct{})
	for _, key := range []string{SessionKey(s.ID), PairKey(s.PairID)} {
		for _, sub := range b.subs[key] {
			if _, dup := seen[sub]; dup {
				continue
			}
			seen[sub] = struct{}{}
			sub.enqueue(s.Clone())
		}
	}
}

func (b *Broker) Online(s mediation.Session, userID string) bool {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range []string{SessionKey(s.ID), PairKey(s.PairID)} {
		for _, sub := range b.subs[key] {
			if sub.subscriberID == userID {
				return true
			}
		}
	}
	return false
}

// Subscribers counts live subscriptions across all keys.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

func (b *Broker) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]map[int]*subscription)
	b.closed = true
	b.mu.Unlock()
	for _, byID := range subs {
		for _, sub := range byID {
			sub.stop()
		}
	}
}

func (s *subscription) enqueue(snap mediation.Session) {
	s.mu.Lock()
	if !s.done {
		s.queue = append(s.queue, snap)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscription) stop() {
	s.mu.Lock()
	s.done = true
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *subscription) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.done {
			s.cond.Wait()
		}
		if s.done {
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue[0] = mediation.Session{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.fn(next)
	}
}
