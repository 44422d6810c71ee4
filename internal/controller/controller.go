package controller

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/consultant/internal/feed"
	"github.com/ent0n29/consultant/internal/mediation"
	"github.com/ent0n29/consultant/internal/notify"
	"github.com/ent0n29/consultant/internal/observability"
	"github.com/ent0n29/consultant/internal/pairing"
	"github.com/ent0n29/consultant/internal/reliability"
	"github.com/ent0n29/consultant/internal/store"
	"github.com/ent0n29/consultant/internal/verdict"
)

var ErrClosed = errors.New("controller closed")

// Deps are the collaborators a controller drives.
type Deps struct {
	Store          store.Store
	Feed           feed.Feed
	Presence       feed.Presence
	Pairs          pairing.Directory
	Gateway        verdict.Gateway
	Notifier       notify.Notifier
	Metrics        *observability.Metrics
	Retry          reliability.RetryPolicy
	GatewayTimeout time.Duration
}

// Controller hosts one user's view of one pair. Every transition runs under
// mu, so snapshots and actions are applied one at a time; store writes
// happen under the lock while gateway calls run outside it.
type Controller struct {
	deps   Deps
	selfID string

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	view        mediation.LocalView
	pair        pairing.Pair
	started     bool
	closed      bool
	unsubscribe func()
	gatewayBusy bool
	watchers    map[int]chan mediation.LocalView
	nextWatch   int
	lastActive  time.Time
}

func New(deps Deps, selfID string) *Controller {
	if deps.Notifier == nil {
		deps.Notifier = notify.LogNotifier{}
	}
	if deps.Retry.Attempts <= 0 {
		deps.Retry = reliability.DefaultRetryPolicy()
	}
	if deps.GatewayTimeout <= 0 {
		deps.GatewayTimeout = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	selfID = strings.TrimSpace(selfID)
	return &Controller{
		deps:       deps,
		selfID:     selfID,
		ctx:        ctx,
		cancel:     cancel,
		view:       mediation.NewView(selfID, ""),
		watchers:   make(map[int]chan mediation.LocalView),
		lastActive: time.Now(),
	}
}

// Start binds the controller to a pair, subscribes to its change feed and
// resumes any non-completed session. Calling it again resyncs.
func (c *Controller) Start(ctx context.Context, pairID string) (mediation.LocalView, error) {
	pair, err := c.deps.Pairs.GetPair(ctx, pairID)
	if err != nil {
		return mediation.LocalView{}, err
	}
	if !pair.Has(c.selfID) {
		return mediation.LocalView{}, pairing.ErrNotMember
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return mediation.LocalView{}, ErrClosed
	}
	c.touchLocked()
	if c.started {
		if c.pair.ID != pair.ID {
			return mediation.LocalView{}, errors.New("controller already bound to another pair")
		}
		c.resyncLocked(ctx)
		return c.view.Clone(), nil
	}

	c.pair = pair
	c.view = mediation.NewView(c.selfID, pair.ID)
	c.started = true
	// Subscribe before reading so nothing committed in between is missed.
	c.unsubscribe = c.deps.Feed.Subscribe(feed.PairKey(pair.ID), c.selfID, c.onSnapshot)

	c.resyncLocked(ctx)
	c.deps.Metrics.ObserveEvent("start")
	c.broadcastLocked()
	return c.view.Clone(), nil
}

// Resync reloads the last-seen session and the pair's active session.
func (c *Controller) Resync(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.started {
		return
	}
	c.resyncLocked(ctx)
	c.broadcastLocked()
}

func (c *Controller) resyncLocked(ctx context.Context) {
	if c.view.Mode == mediation.ModeSolo {
		return
	}
	if cur := c.view.Session; cur != nil && cur.ID != "" {
		var s mediation.Session
		err := c.withRetry(ctx, func(ctx context.Context) error {
			var err error
			s, err = c.deps.Store.Get(ctx, cur.ID)
			return err
		})
		if err == nil {
			c.reconcileLocked(s)
		}
	}
	var active *mediation.Session
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		active, err = c.deps.Store.FindActive(ctx, c.pair.ID)
		return err
	})
	if err != nil {
		log.Printf("controller: resync pair %s for %s: %v", c.pair.ID, c.selfID, err)
		c.view.LastError = &mediation.ViewError{Kind: mediation.ErrorTransport, Message: "could not load the session, retrying may help"}
		return
	}
	if c.view.LastError != nil && c.view.LastError.Kind == mediation.ErrorTransport {
		c.view.LastError = nil
	}
	if active != nil {
		c.reconcileLocked(*active)
	}
}

func (c *Controller) onSnapshot(s mediation.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.deps.Metrics.ObserveEvent("snapshot")
	c.reconcileLocked(s)
	c.broadcastLocked()
}

func (c *Controller) reconcileLocked(s mediation.Session) {
	c.view, _ = mediation.Transition(c.view, &s, nil)
}

// CurrentView returns a copy of the latest view.
func (c *Controller) CurrentView() mediation.LocalView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.Clone()
}

// Dispatch applies a local action and commits the resulting mutation.
func (c *Controller) Dispatch(ctx context.Context, action mediation.Action) mediation.LocalView {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.started {
		v := c.view.Clone()
		v.LastError = &mediation.ViewError{Kind: mediation.ErrorValidation, Message: "session controller is not running"}
		return v
	}
	c.touchLocked()
	c.dispatchLocked(ctx, action)
	c.broadcastLocked()
	return c.view.Clone()
}

func (c *Controller) dispatchLocked(ctx context.Context, action mediation.Action) {
	name := mediation.ActionName(action)
	c.deps.Metrics.ObserveEvent(name)

	if _, ok := action.(mediation.Create); ok && c.view.Mode == mediation.ModeJoint {
		// One non-completed session per pair: surface an existing one first.
		c.resyncLocked(ctx)
	}

	if a, ok := action.(mediation.Append); ok && a.ID == "" {
		a.ID = uuid.NewString()
		action = a
	}

	prev := c.view.Clone()
	next, m := mediation.Transition(c.view, nil, action)
	c.view = next
	if next.LastError != nil && m == nil {
		return
	}
	if m != nil {
		if !c.commitLocked(ctx, prev, action, m) {
			return
		}
	}
	c.maybeStartGatewayLocked(action)
}

// commitLocked writes m and folds the committed row back into the view. It
// reports whether the write landed.
func (c *Controller) commitLocked(ctx context.Context, prev mediation.LocalView, action mediation.Action, m *mediation.Mutation) bool {
	var (
		committed mediation.Session
		err       error
	)
	switch m.Op {
	case mediation.OpCreate:
		err = c.withRetry(ctx, func(ctx context.Context) error {
			var err error
			committed, err = c.deps.Store.Create(ctx, m.Session)
			return err
		})
	case mediation.OpPatch:
		err = c.withRetry(ctx, func(ctx context.Context) error {
			var err error
			committed, err = c.deps.Store.Patch(ctx, m.SessionID, m.Patch)
			return err
		})
	default:
		err = errors.New("unknown mutation op")
	}

	switch {
	case err == nil:
		c.deps.Metrics.ObserveMutation(string(m.Op), "ok")
		c.reconcileLocked(committed)
		c.notifyPartnerLocked(ctx, action, m, committed)
		return true

	case errors.Is(err, mediation.ErrConflict), errors.Is(err, store.ErrActiveExists):
		// Another client committed this step first: adopt the committed row.
		c.deps.Metrics.ObserveMutation(string(m.Op), "conflict")
		c.view = settle(prev, action)
		c.view.LastError = nil
		if m.Op == mediation.OpCreate {
			c.view.Step = mediation.StepIdle
			c.view.Session = nil
		}
		c.resyncLocked(ctx)
		if m.Op == mediation.OpCreate && c.view.Session == nil {
			c.view.LastError = &mediation.ViewError{Kind: mediation.ErrorConflict, Message: "the session changed, please try again"}
		}
		return false

	default:
		c.deps.Metrics.ObserveMutation(string(m.Op), "error")
		log.Printf("controller: %s write for pair %s by %s failed: %v", mediation.ActionName(action), c.pair.ID, c.selfID, err)
		c.view = settle(prev, action)
		c.view.LastError = &mediation.ViewError{Kind: mediation.ErrorTransport, Message: "could not save your change, please try again"}
		return false
	}
}

// settle restores prev after a failed write. Completion actions also end
// the gateway round trip so the user can retry.
func settle(prev mediation.LocalView, action mediation.Action) mediation.LocalView {
	switch act := action.(type) {
	case mediation.AppendSucceeded:
		v, _ := mediation.Transition(prev, nil, mediation.AppendFailed{Text: act.Text})
		return v
	case mediation.AnalysisSucceeded, mediation.AnalysisFailed:
		v := prev.Clone()
		v.InFlight = false
		return v
	default:
		return prev
	}
}

func (c *Controller) withRetry(ctx context.Context, fn func(context.Context) error) error {
	return reliability.Retry(ctx, c.deps.Retry, storeRetryable, fn)
}

func storeRetryable(err error) bool {
	switch {
	case errors.Is(err, mediation.ErrConflict),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrInvalid),
		errors.Is(err, store.ErrActiveExists):
		return false
	default:
		return true
	}
}

func (c *Controller) touchLocked() { c.lastActive = time.Now() }

// Close unsubscribes, abandons gateway results and closes watchers.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.cancel()
	for id, ch := range c.watchers {
		delete(c.watchers, id)
		close(ch)
	}
}

// Watch streams every view change; slow readers only see the newest view.
func (c *Controller) Watch() (<-chan mediation.LocalView, func()) {
	ch := make(chan mediation.LocalView, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	c.nextWatch++
	id := c.nextWatch
	c.watchers[id] = ch
	ch <- c.view.Clone()
	c.touchLocked()

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w, ok := c.watchers[id]; ok {
			delete(c.watchers, id)
			close(w)
		}
		c.touchLocked()
	}
}

func (c *Controller) broadcastLocked() {
	for _, ch := range c.watchers {
		v := c.view.Clone()
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// idle reports whether the controller has no watchers and has not been used
// since before cutoff.
func (c *Controller) idle(cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watchers) == 0 && !c.gatewayBusy && c.lastActive.Before(cutoff)
}
