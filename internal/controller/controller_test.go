package controller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/consultant/internal/feed"
	"github.com/ent0n29/consultant/internal/mediation"
	"github.com/ent0n29/consultant/internal/notify"
	"github.com/ent0n29/consultant/internal/pairing"
	"github.com/ent0n29/consultant/internal/reliability"
	"github.com/ent0n29/consultant/internal/store"
	"github.com/ent0n29/consultant/internal/verdict"
)

const testPair = "pair-1"

type fakeGateway struct {
	mu    sync.Mutex
	calls int
	err   error
	gate  chan struct{}
}

func (g *fakeGateway) GenerateVerdict(ctx context.Context, req verdict.Request) (string, error) {
	g.mu.Lock()
	g.calls++
	gate, err := g.gate, g.err
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if n := len(req.History); n > 0 {
		return "reply to " + req.History[n-1].Text, nil
	}
	return "Both parties about " + req.Topic, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type sentNotification struct {
	userID string
	n      notify.Notification
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (r *recordingNotifier) Notify(_ context.Context, userID string, n notify.Notification) {
	r.mu.Lock()
	r.sent = append(r.sent, sentNotification{userID: userID, n: n})
	r.mu.Unlock()
}

func (r *recordingNotifier) types(userID string) []notify.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Type
	for _, s := range r.sent {
		if s.userID == userID {
			out = append(out, s.n.Type)
		}
	}
	return out
}

// flakyStore fails the next queued Patch and FindActive calls with the given
// errors. lostAcks makes the next appending patches commit and then report
// an error, like a connection dropped after the write.
type flakyStore struct {
	store.Store
	mu        sync.Mutex
	patchErrs []error
	findErrs  []error
	lostAcks  int
}

func (f *flakyStore) failPatches(errs ...error) {
	f.mu.Lock()
	f.patchErrs = append(f.patchErrs, errs...)
	f.mu.Unlock()
}

func (f *flakyStore) failFinds(errs ...error) {
	f.mu.Lock()
	f.findErrs = append(f.findErrs, errs...)
	f.mu.Unlock()
}

func (f *flakyStore) loseAppendAcks(n int) {
	f.mu.Lock()
	f.lostAcks += n
	f.mu.Unlock()
}

func (f *flakyStore) Patch(ctx context.Context, id string, p mediation.Patch) (mediation.Session, error) {
	f.mu.Lock()
	if len(f.patchErrs) > 0 {
		err := f.patchErrs[0]
		f.patchErrs = f.patchErrs[1:]
		f.mu.Unlock()
		return mediation.Session{}, err
	}
	lose := f.lostAcks > 0 && len(p.AppendConversation) > 0
	if lose {
		f.lostAcks--
	}
	f.mu.Unlock()
	out, err := f.Store.Patch(ctx, id, p)
	if lose && err == nil {
		return mediation.Session{}, errors.New("connection reset")
	}
	return out, err
}

func (f *flakyStore) FindActive(ctx context.Context, pairID string) (*mediation.Session, error) {
	f.mu.Lock()
	if len(f.findErrs) > 0 {
		err := f.findErrs[0]
		f.findErrs = f.findErrs[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()
	return f.Store.FindActive(ctx, pairID)
}

type env struct {
	t        *testing.T
	mem      *store.MemoryStore
	store    *flakyStore
	broker   *feed.Broker
	gateway  *fakeGateway
	notifier *recordingNotifier
	deps     Deps
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mem := store.NewMemoryStore()
	broker := feed.NewBroker()
	mem.SetCommitHook(broker.Publish)
	dir := pairing.NewMemoryDirectory()
	dir.Put(pairing.Pair{ID: testPair, UserA: "alice", UserB: "bob"})

	e := &env{
		t:        t,
		mem:      mem,
		store:    &flakyStore{Store: mem},
		broker:   broker,
		gateway:  &fakeGateway{},
		notifier: &recordingNotifier{},
	}
	e.deps = Deps{
		Store:          e.store,
		Feed:           broker,
		Presence:       broker,
		Pairs:          dir,
		Gateway:        e.gateway,
		Notifier:       e.notifier,
		Retry:          reliability.RetryPolicy{Attempts: 2, Base: time.Millisecond, Cap: time.Millisecond},
		GatewayTimeout: 2 * time.Second,
	}
	t.Cleanup(broker.Close)
	return e
}

func (e *env) start(userID string) *Controller {
	e.t.Helper()
	c := New(e.deps, userID)
	if _, err := c.Start(context.Background(), testPair); err != nil {
		e.t.Fatalf("Start(%s) error = %v", userID, err)
	}
	e.t.Cleanup(c.Close)
	return c
}

func waitView(t *testing.T, c *Controller, what string, cond func(mediation.LocalView) bool) mediation.LocalView {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		v := c.CurrentView()
		if cond(v) {
			return v
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; view step=%q err=%v", what, v.Step, v.LastError)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func atStep(step mediation.Step) func(mediation.LocalView) bool {
	return func(v mediation.LocalView) bool { return v.Step == step }
}

func dispatch(t *testing.T, c *Controller, a mediation.Action) mediation.LocalView {
	t.Helper()
	v := c.Dispatch(context.Background(), a)
	if v.LastError != nil {
		t.Fatalf("%s error = %v", mediation.ActionName(a), v.LastError)
	}
	return v
}

// submittedPair runs both users up to the point where analysis is available.
func submittedPair(t *testing.T, e *env) (*Controller, *Controller) {
	t.Helper()
	alice := e.start("alice")
	bob := e.start("bob")

	dispatch(t, alice, mediation.Create{})
	waitView(t, bob, "invite", func(v mediation.LocalView) bool { return v.Invite })
	dispatch(t, bob, mediation.Join{})
	waitView(t, alice, "partner joined", atStep(mediation.StepRulesAndTopic))

	dispatch(t, alice, mediation.SetTopic{Topic: "chores"})
	waitView(t, bob, "topic", func(v mediation.LocalView) bool { return v.Session != nil && v.Session.Topic == "chores" })
	dispatch(t, alice, mediation.Proceed{})
	dispatch(t, bob, mediation.Proceed{})
	dispatch(t, alice, mediation.Submit{Text: "A feels ignored"})
	waitView(t, bob, "alice submitted", func(v mediation.LocalView) bool { return v.Session.InitiatorSubmitted })
	dispatch(t, bob, mediation.Submit{Text: "B feels criticized"})
	waitView(t, alice, "analysis available", func(v mediation.LocalView) bool { return v.AnalysisAvailable })
	return alice, bob
}

func TestJointSessionEndToEnd(t *testing.T) {
	e := newEnv(t)
	alice, bob := submittedPair(t, e)

	if bob.CurrentView().AnalysisAvailable {
		t.Fatalf("responder should not be offered analysis")
	}
	dispatch(t, alice, mediation.TriggerAnalysis{})
	va := waitView(t, alice, "verdict", atStep(mediation.StepVerdictChat))
	vb := waitView(t, bob, "verdict", atStep(mediation.StepVerdictChat))
	if va.Session.VerdictText != "Both parties about chores" || vb.Session.VerdictText != va.Session.VerdictText {
		t.Fatalf("verdicts = %q / %q", va.Session.VerdictText, vb.Session.VerdictText)
	}
	if e.gateway.callCount() != 1 {
		t.Fatalf("gateway calls = %d, want 1", e.gateway.callCount())
	}

	dispatch(t, bob, mediation.Append{Text: "thanks"})
	waitView(t, alice, "follow-up", func(v mediation.LocalView) bool { return len(v.Session.Conversation) == 3 })
	got := alice.CurrentView().Session.Conversation
	if got[1].Speaker != mediation.SpeakerResponder || got[1].Text != "thanks" || got[2].Text != "reply to thanks" {
		t.Fatalf("conversation = %+v", got)
	}

	dispatch(t, alice, mediation.End{})
	waitView(t, bob, "ended", atStep(mediation.StepEnded))

	row, err := e.mem.Get(context.Background(), va.Session.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if row.Status != mediation.StatusCompleted {
		t.Fatalf("status = %q, want completed", row.Status)
	}
	if len(e.notifier.types("bob"))+len(e.notifier.types("alice")) != 0 {
		t.Fatalf("online partners should not be notified")
	}
}

func TestTriggerStartsOneGatewayCall(t *testing.T) {
	e := newEnv(t)
	gate := make(chan struct{})
	e.gateway.gate = gate
	alice, bob := submittedPair(t, e)

	dispatch(t, alice, mediation.TriggerAnalysis{})
	second := alice.Dispatch(context.Background(), mediation.TriggerAnalysis{})
	if second.LastError == nil {
		t.Fatalf("second trigger while in flight should be rejected")
	}
	waitView(t, bob, "analyzing", atStep(mediation.StepAnalyzing))
	close(gate)
	waitView(t, alice, "verdict", atStep(mediation.StepVerdictChat))

	again := dispatch(t, alice, mediation.TriggerAnalysis{})
	if again.InFlight {
		t.Fatalf("trigger after verdict started a call")
	}
	time.Sleep(20 * time.Millisecond)
	if e.gateway.callCount() != 1 {
		t.Fatalf("gateway calls = %d, want 1", e.gateway.callCount())
	}
}

func TestOfflinePartnerIsNotified(t *testing.T) {
	e := newEnv(t)
	alice := e.start("alice")
	dispatch(t, alice, mediation.Create{})
	dispatch(t, alice, mediation.SetTopic{Topic: "money"})

	got := e.notifier.types("bob")
	if len(got) != 2 || got[0] != notify.TypeSessionInvite || got[1] != notify.TypeTopicUpdated {
		t.Fatalf("notifications to bob = %v", got)
	}

	bob := e.start("bob")
	waitView(t, bob, "invite", func(v mediation.LocalView) bool { return v.Invite })
	dispatch(t, alice, mediation.SetTopic{Topic: "money and time"})
	if got := e.notifier.types("bob"); len(got) != 2 {
		t.Fatalf("online bob was notified: %v", got)
	}
}

func TestResumeAfterRestart(t *testing.T) {
	e := newEnv(t)
	alice, bob := submittedPair(t, e)
	want := bob.CurrentView()
	bob.Close()
	alice.Close()

	resumed := e.start("bob")
	v := resumed.CurrentView()
	if v.Step != want.Step || v.Role != want.Role || v.Session.ID != want.Session.ID {
		t.Fatalf("resumed view %q/%q/%s, want %q/%q/%s", v.Step, v.Role, v.Session.ID, want.Step, want.Role, want.Session.ID)
	}
	resumedAlice := e.start("alice")
	if !resumedAlice.CurrentView().AnalysisAvailable {
		t.Fatalf("resumed initiator should see analysis available")
	}
}

func TestGatewayFailureRollsBack(t *testing.T) {
	e := newEnv(t)
	e.gateway.err = &verdict.Error{Kind: verdict.KindUnavailable}
	alice, bob := submittedPair(t, e)

	dispatch(t, alice, mediation.TriggerAnalysis{})
	v := waitView(t, alice, "failure", func(v mediation.LocalView) bool {
		return v.LastError != nil && v.LastError.Kind == mediation.ErrorGeneration
	})
	if v.Step != mediation.StepSubmittedAwaitingPartner || !v.AnalysisAvailable {
		t.Fatalf("after failure step=%q available=%v", v.Step, v.AnalysisAvailable)
	}
	waitView(t, bob, "rollback", func(v mediation.LocalView) bool { return v.Session.Status == mediation.StatusInputting })

	row, _ := e.mem.Get(context.Background(), v.Session.ID)
	if row.InitiatorInput != "A feels ignored" || row.ResponderInput != "B feels criticized" || row.VerdictText != "" {
		t.Fatalf("row after failure = %+v", row)
	}

	e.gateway.mu.Lock()
	e.gateway.err = nil
	e.gateway.mu.Unlock()
	dispatch(t, alice, mediation.TriggerAnalysis{})
	waitView(t, bob, "verdict after retry", atStep(mediation.StepVerdictChat))
}

func TestEndDuringAnalysisDiscardsVerdict(t *testing.T) {
	e := newEnv(t)
	gate := make(chan struct{})
	e.gateway.gate = gate
	alice, bob := submittedPair(t, e)

	dispatch(t, alice, mediation.TriggerAnalysis{})
	waitView(t, bob, "analyzing", atStep(mediation.StepAnalyzing))
	dispatch(t, bob, mediation.End{})
	waitView(t, alice, "ended", atStep(mediation.StepEnded))
	close(gate)

	time.Sleep(50 * time.Millisecond)
	v := alice.CurrentView()
	if v.Step != mediation.StepEnded || v.InFlight {
		t.Fatalf("alice view after late verdict: step=%q inFlight=%v", v.Step, v.InFlight)
	}
	row, _ := e.mem.Get(context.Background(), v.Session.ID)
	if row.Status != mediation.StatusCompleted || row.VerdictText != "" {
		t.Fatalf("row = %+v, want completed without verdict", row)
	}
}

func TestConcurrentCreateYieldsOneSession(t *testing.T) {
	e := newEnv(t)
	alice := e.start("alice")
	bob := e.start("bob")

	var wg sync.WaitGroup
	for _, c := range []*Controller{alice, bob} {
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			c.Dispatch(context.Background(), mediation.Create{})
		}(c)
	}
	wg.Wait()

	active, err := e.mem.FindActive(context.Background(), testPair)
	if err != nil || active == nil {
		t.Fatalf("FindActive() = %v, %v", active, err)
	}
	for _, c := range []*Controller{alice, bob} {
		waitView(t, c, "same session", func(v mediation.LocalView) bool {
			return v.Session != nil && v.Session.ID == active.ID
		})
	}
	initiator := alice
	if active.InitiatorID == "bob" {
		initiator = bob
	}
	if initiator.CurrentView().Step != mediation.StepWaitingForPartner {
		t.Fatalf("initiator step = %q", initiator.CurrentView().Step)
	}
}

func TestStoreOutageSurfacesTransportError(t *testing.T) {
	e := newEnv(t)
	alice := e.start("alice")
	dispatch(t, alice, mediation.Create{})

	down := errors.New("connection reset")
	e.store.failPatches(down, down)
	v := alice.Dispatch(context.Background(), mediation.SetTopic{Topic: "chores"})
	if v.LastError == nil || v.LastError.Kind != mediation.ErrorTransport {
		t.Fatalf("LastError = %v, want transport", v.LastError)
	}
	if v.Session.Topic != "" {
		t.Fatalf("optimistic topic kept after failed write: %q", v.Session.Topic)
	}

	// One transient failure is absorbed by the retry policy.
	e.store.failPatches(down)
	dispatch(t, alice, mediation.SetTopic{Topic: "chores"})
	row, _ := e.mem.Get(context.Background(), v.Session.ID)
	if row.Topic != "chores" {
		t.Fatalf("topic = %q, want chores", row.Topic)
	}
}

func TestConflictIsSilent(t *testing.T) {
	e := newEnv(t)
	alice := e.start("alice")
	dispatch(t, alice, mediation.Create{})

	e.store.failPatches(mediation.ErrConflict)
	v := alice.Dispatch(context.Background(), mediation.SetTopic{Topic: "chores"})
	if v.LastError != nil {
		t.Fatalf("conflict surfaced error %v", v.LastError)
	}
	if v.Step != mediation.StepWaitingForPartner {
		t.Fatalf("step = %q", v.Step)
	}
}

func TestSoloModeRunsWithoutStore(t *testing.T) {
	e := newEnv(t)
	alice := e.start("alice")

	dispatch(t, alice, mediation.StartSolo{})
	dispatch(t, alice, mediation.SetTopic{Topic: "dishes"})
	dispatch(t, alice, mediation.Proceed{})
	dispatch(t, alice, mediation.Submit{Role: mediation.RoleInitiator, Text: "mine"})
	dispatch(t, alice, mediation.Submit{Role: mediation.RoleResponder, Text: "theirs"})
	dispatch(t, alice, mediation.TriggerAnalysis{})
	v := waitView(t, alice, "solo verdict", atStep(mediation.StepVerdictChat))
	if !strings.Contains(v.Session.VerdictText, "dishes") {
		t.Fatalf("verdict = %q", v.Session.VerdictText)
	}
	if active, _ := e.mem.FindActive(context.Background(), testPair); active != nil {
		t.Fatalf("solo mode wrote a session: %+v", active)
	}
	if got := e.notifier.types("bob"); len(got) != 0 {
		t.Fatalf("solo mode notified partner: %v", got)
	}
}

func TestWatchDeliversLatestView(t *testing.T) {
	e := newEnv(t)
	alice := e.start("alice")
	ch, stop := alice.Watch()
	defer stop()

	first := <-ch
	if first.Step != mediation.StepIdle {
		t.Fatalf("initial watched step = %q", first.Step)
	}
	dispatch(t, alice, mediation.Create{})
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-ch:
			if v.Step == mediation.StepWaitingForPartner {
				return
			}
		case <-deadline:
			t.Fatalf("watch never delivered waitingForPartner")
		}
	}
}

func TestStartRejectsOutsider(t *testing.T) {
	e := newEnv(t)
	c := New(e.deps, "carol")
	defer c.Close()
	if _, err := c.Start(context.Background(), testPair); !errors.Is(err, pairing.ErrNotMember) {
		t.Fatalf("Start() error = %v, want ErrNotMember", err)
	}
	if _, err := c.Start(context.Background(), "missing"); !errors.Is(err, pairing.ErrPairNotFound) {
		t.Fatalf("Start(missing) error = %v, want ErrPairNotFound", err)
	}
}

// verdictPair runs both users into the verdict chat.
func verdictPair(t *testing.T, e *env) (*Controller, *Controller) {
	t.Helper()
	alice, bob := submittedPair(t, e)
	dispatch(t, alice, mediation.TriggerAnalysis{})
	waitView(t, alice, "verdict", atStep(mediation.StepVerdictChat))
	waitView(t, bob, "verdict", atStep(mediation.StepVerdictChat))
	return alice, bob
}

func TestLostAppendAckIsNotDuplicated(t *testing.T) {
	e := newEnv(t)
	_, bob := verdictPair(t, e)
	id := bob.CurrentView().Session.ID

	e.store.loseAppendAcks(1)
	dispatch(t, bob, mediation.Append{Text: "thanks"})
	v := waitView(t, bob, "reply", func(v mediation.LocalView) bool { return !v.InFlight && v.Pending == nil })
	if v.LastError != nil {
		t.Fatalf("LastError = %v, want nil", v.LastError)
	}

	row, err := e.mem.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(row.Conversation) != 3 {
		t.Fatalf("committed conversation len = %d, want 3 (%+v)", len(row.Conversation), row.Conversation)
	}
	if got := len(v.Session.Conversation); got != 3 {
		t.Fatalf("view conversation len = %d, want 3", got)
	}
}

func TestAppendFailureDoesNotMutateStore(t *testing.T) {
	e := newEnv(t)
	_, bob := verdictPair(t, e)
	id := bob.CurrentView().Session.ID
	before, err := e.mem.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	e.gateway.mu.Lock()
	e.gateway.err = &verdict.Error{Kind: verdict.KindUnavailable}
	e.gateway.mu.Unlock()

	dispatch(t, bob, mediation.Append{Text: "thanks"})
	v := waitView(t, bob, "failed append", func(v mediation.LocalView) bool {
		return !v.InFlight && len(v.Pending) == 1 && v.Pending[0].Failed
	})
	if v.LastError == nil || v.LastError.Kind != mediation.ErrorGeneration {
		t.Fatalf("LastError = %v, want generation", v.LastError)
	}

	after, err := e.mem.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if after.Version != before.Version || len(after.Conversation) != len(before.Conversation) {
		t.Fatalf("store changed: version %d -> %d, conversation %d -> %d",
			before.Version, after.Version, len(before.Conversation), len(after.Conversation))
	}
}

func TestConcurrentAppendsBothLand(t *testing.T) {
	e := newEnv(t)
	alice, bob := verdictPair(t, e)
	id := alice.CurrentView().Session.ID

	gate := make(chan struct{})
	e.gateway.mu.Lock()
	e.gateway.gate = gate
	e.gateway.mu.Unlock()

	dispatch(t, alice, mediation.Append{Text: "I can do Saturdays"})
	dispatch(t, bob, mediation.Append{Text: "Sunday works for me"})
	close(gate)

	full := func(v mediation.LocalView) bool {
		return !v.InFlight && v.Pending == nil && len(v.Session.Conversation) == 5
	}
	waitView(t, alice, "both appends", full)
	waitView(t, bob, "both appends", full)

	row, err := e.mem.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	counts := map[string]int{}
	for _, entry := range row.Conversation {
		counts[entry.Text]++
	}
	for _, want := range []string{
		"I can do Saturdays", "reply to I can do Saturdays",
		"Sunday works for me", "reply to Sunday works for me",
	} {
		if counts[want] != 1 {
			t.Fatalf("entry %q appears %d times, want 1 (%+v)", want, counts[want], row.Conversation)
		}
	}
}

func TestResyncClearsTransportError(t *testing.T) {
	e := newEnv(t)
	alice := e.start("alice")
	ctx := context.Background()

	e.store.failFinds(errors.New("db down"), errors.New("db down"))
	alice.Resync(ctx)
	if v := alice.CurrentView(); v.LastError == nil || v.LastError.Kind != mediation.ErrorTransport {
		t.Fatalf("LastError = %v, want transport", v.LastError)
	}

	alice.Resync(ctx)
	if v := alice.CurrentView(); v.LastError != nil {
		t.Fatalf("LastError after recovery = %v, want nil", v.LastError)
	}
}
