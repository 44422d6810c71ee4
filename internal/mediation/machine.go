package mediation

import (
	"errors"
	"strconv"
	"strings"
)

// Transition computes the next local view for one event. Exactly one of
// incoming (a committed snapshot) or action (a local event) must be non-nil.
// It never performs I/O: the returned mutation, if any, is the write the
// caller must issue, expressed relative to the last-seen snapshot.
// Rejections are reported through the returned view's LastError.
func Transition(v LocalView, incoming *Session, action Action) (LocalView, *Mutation) {
	next := v.Clone()
	switch {
	case incoming != nil && action != nil:
		return reject(next, ErrorValidation, "transition takes either a snapshot or an action"), nil
	case incoming != nil:
		return reconcile(next, incoming.Clone()), nil
	case action != nil:
		return apply(next, action)
	default:
		return reject(next, ErrorValidation, "nothing to apply"), nil
	}
}

func reject(v LocalView, kind ErrorKind, msg string) LocalView {
	v.LastError = &ViewError{Kind: kind, Message: msg}
	return v
}

func accept(v LocalView) LocalView {
	v.LastError = nil
	return v
}

func analysisAvailable(s Session, role Role) bool {
	return role == RoleInitiator &&
		s.Status == StatusInputting &&
		s.BothSubmitted() &&
		s.VerdictText == ""
}

// reconcile folds a committed snapshot into the view. Incoming fields always
// win; only transient UI state survives.
func reconcile(v LocalView, s Session) LocalView {
	if v.Mode == ModeSolo {
		return v
	}
	if v.PairID != "" && s.PairID != v.PairID {
		return v
	}
	if cur := v.Session; cur != nil {
		if cur.ID == s.ID {
			if s.Version <= cur.Version {
				return v
			}
		} else {
			if s.Status.Terminal() {
				return v
			}
			if !cur.Status.Terminal() && !s.CreatedAt.After(cur.CreatedAt) {
				return v
			}
		}
	} else if s.Status.Terminal() {
		return v
	}

	role := ResolveRole(s, v.SelfID)
	if role == RoleNone && s.ResponderID != "" {
		return reject(v, ErrorValidation, "session belongs to other participants")
	}

	sameSession := v.Session != nil && v.Session.ID == s.ID
	v.Session = &s
	v.Mode = ModeJoint
	v.Role = role
	v.Invite = role == RoleNone && s.Status == StatusCreated && s.InitiatorID != v.SelfID

	derived := DeriveStep(s, role)
	if !(sameSession && derived == StepRulesAndTopic && v.Step == StepComposingInput) {
		v.Step = derived
	}
	v.AnalysisAvailable = analysisAvailable(s, role)
	if !sameSession {
		v.Pending = nil
	}
	return v
}

func apply(v LocalView, a Action) (LocalView, *Mutation) {
	switch act := a.(type) {
	case Create:
		return applyCreate(v)
	case StartSolo:
		return applyStartSolo(v), nil
	case AnalysisSucceeded:
		return applyAnalysisSucceeded(v, act)
	case AnalysisFailed:
		return applyAnalysisFailed(v, act)
	case AppendSucceeded:
		return applyAppendSucceeded(v, act)
	case AppendFailed:
		return applyAppendFailed(v, act), nil
	}

	if v.Terminal() {
		return reject(v, ErrorValidation, "session has ended"), nil
	}

	switch act := a.(type) {
	case Join:
		return applyJoin(v)
	case SetTopic:
		return applySetTopic(v, act.Topic)
	case Proceed:
		return applyProceed(v), nil
	case Submit:
		return applySubmit(v, act)
	case TriggerAnalysis:
		return applyTrigger(v)
	case Append:
		return applyAppend(v, act), nil
	case End, Discard:
		return applyEnd(v)
	default:
		return reject(v, ErrorValidation, "unsupported action"), nil
	}
}

// patchView optimistically applies p to the last-seen snapshot and returns
// the mutation to commit it.
func patchView(v LocalView, p Patch, step Step) (LocalView, *Mutation) {
	applied := p.Apply(*v.Session)
	v.Session = &applied
	v.Role = ResolveRole(applied, v.SelfID)
	v.Step = step
	v.Invite = false
	v.AnalysisAvailable = analysisAvailable(applied, v.Role)
	return accept(v), &Mutation{Op: OpPatch, SessionID: applied.ID, Patch: p}
}

func applyCreate(v LocalView) (LocalView, *Mutation) {
	if v.SelfID == "" {
		return reject(v, ErrorValidation, "unknown user"), nil
	}
	if v.Session != nil && !v.Terminal() {
		if v.Mode == ModeSolo {
			return reject(v, ErrorValidation, "a solo session is in progress"), nil
		}
		return reject(v, ErrorValidation, "an active session already exists for this pair"), nil
	}

	s := Session{
		PairID:      v.PairID,
		InitiatorID: v.SelfID,
		Status:      StatusCreated,
	}
	next := NewView(v.SelfID, v.PairID)
	next.Role = RoleInitiator
	next.Step = StepWaitingForPartner
	next.Session = &s
	return next, &Mutation{Op: OpCreate, Session: s.Clone()}
}

func applyStartSolo(v LocalView) LocalView {
	if v.Session != nil && !v.Terminal() {
		return reject(v, ErrorValidation, "a session is already in progress")
	}
	next := NewView(v.SelfID, v.PairID)
	next.Mode = ModeSolo
	next.Role = RoleInitiator
	next.Step = StepRulesAndTopic
	next.Session = &Session{
		PairID:      v.PairID,
		InitiatorID: v.SelfID,
		Status:      StatusJoined,
	}
	return next
}

func applyJoin(v LocalView) (LocalView, *Mutation) {
	if v.Mode == ModeSolo {
		return reject(v, ErrorValidation, "join is not available in solo mode"), nil
	}
	s := v.Session
	if s == nil {
		return reject(v, ErrorValidation, "no invite to join"), nil
	}
	if v.Role == RoleResponder && s.ResponderID == v.SelfID {
		// Already joined; a retried join is a no-op.
		return accept(v), nil
	}
	if s.InitiatorID == v.SelfID {
		return reject(v, ErrorValidation, "the initiator cannot join their own session"), nil
	}
	if s.ResponderID != "" {
		return reject(v, ErrorValidation, "session already has a responder"), nil
	}
	if v.Step != StepIdle || !v.Invite || s.Status != StatusCreated {
		return reject(v, ErrorValidation, "no invite to join"), nil
	}
	return patchView(v, Patch{
		Status:       ptr(StatusJoined),
		ResponderID:  ptr(v.SelfID),
		ExpectStatus: []Status{StatusCreated},
	}, StepRulesAndTopic)
}

func applySetTopic(v LocalView, topic string) (LocalView, *Mutation) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return reject(v, ErrorValidation, "topic is empty"), nil
	}
	s := v.Session
	if s == nil {
		return reject(v, ErrorValidation, "no session"), nil
	}
	if s.AnySubmitted() {
		return reject(v, ErrorValidation, "topic is locked once a perspective is submitted"), nil
	}
	switch v.Step {
	case StepWaitingForPartner, StepRulesAndTopic, StepComposingInput:
	default:
		return reject(v, ErrorValidation, "topic cannot be edited now"), nil
	}
	if v.Mode == ModeSolo {
		s.Topic = topic
		return accept(v), nil
	}
	if v.Role == RoleNone {
		return reject(v, ErrorValidation, "only session participants can edit the topic"), nil
	}
	if s.Topic == topic {
		return accept(v), nil
	}
	return patchView(v, Patch{
		Topic:        ptr(topic),
		ExpectStatus: []Status{StatusCreated, StatusJoined},
	}, v.Step)
}

func applyProceed(v LocalView) LocalView {
	if v.Step != StepRulesAndTopic {
		return reject(v, ErrorValidation, "nothing to proceed from")
	}
	v.Step = StepComposingInput
	return accept(v)
}

func applySubmit(v LocalView, act Submit) (LocalView, *Mutation) {
	text := strings.TrimSpace(act.Text)
	s := v.Session
	if s == nil {
		return reject(v, ErrorValidation, "no session"), nil
	}
	if v.Mode == ModeSolo {
		return submitSolo(v, act.Role, text), nil
	}
	if v.Role == RoleNone {
		return reject(v, ErrorValidation, "only session participants can submit"), nil
	}
	if act.Role != RoleNone && act.Role != v.Role {
		return reject(v, ErrorValidation, "cannot submit the other participant's perspective"), nil
	}
	if s.Submitted(v.Role) {
		// Write-once: a resubmission means the step is already committed.
		return accept(v), nil
	}
	if text == "" {
		return reject(v, ErrorValidation, "perspective is empty"), nil
	}
	if v.Step != StepComposingInput {
		return reject(v, ErrorValidation, "perspective cannot be submitted now"), nil
	}

	p := Patch{ExpectStatus: []Status{StatusJoined, StatusInputting}}
	if v.Role == RoleInitiator {
		p.InitiatorInput = ptr(text)
		p.InitiatorSubmitted = ptr(true)
	} else {
		p.ResponderInput = ptr(text)
		p.ResponderSubmitted = ptr(true)
	}
	if s.Status == StatusJoined {
		p.Status = ptr(StatusInputting)
	}
	return patchView(v, p, StepSubmittedAwaitingPartner)
}

func submitSolo(v LocalView, role Role, text string) LocalView {
	if role != RoleInitiator && role != RoleResponder {
		return reject(v, ErrorValidation, "solo submissions must name whose perspective they are")
	}
	s := v.Session
	if s.Submitted(role) {
		return accept(v)
	}
	if text == "" {
		return reject(v, ErrorValidation, "perspective is empty")
	}
	if v.Step != StepComposingInput {
		return reject(v, ErrorValidation, "perspective cannot be submitted now")
	}
	if role == RoleInitiator {
		s.InitiatorInput = text
		s.InitiatorSubmitted = true
	} else {
		s.ResponderInput = text
		s.ResponderSubmitted = true
	}
	s.Status = StatusInputting
	if s.BothSubmitted() {
		v.Step = StepSubmittedAwaitingPartner
		v.AnalysisAvailable = true
	}
	return accept(v)
}

func applyTrigger(v LocalView) (LocalView, *Mutation) {
	s := v.Session
	if s == nil {
		return reject(v, ErrorValidation, "no session"), nil
	}
	if s.VerdictText != "" || s.Status == StatusVerdict {
		// Write-once: the verdict already exists.
		return accept(v), nil
	}
	if v.InFlight {
		return reject(v, ErrorValidation, "analysis already in progress"), nil
	}
	if !s.BothSubmitted() {
		return reject(v, ErrorValidation, "waiting for both perspectives"), nil
	}
	if v.Mode == ModeSolo {
		s.Status = StatusAnalyzing
		v.Step = StepAnalyzing
		v.InFlight = true
		v.AnalysisAvailable = false
		return accept(v), nil
	}
	if v.Role != RoleInitiator {
		return reject(v, ErrorValidation, "analysis is started by the initiator"), nil
	}
	switch s.Status {
	case StatusInputting, StatusAnalyzing:
	default:
		return reject(v, ErrorValidation, "analysis is not available yet"), nil
	}
	next, m := patchView(v, Patch{
		Status:       ptr(StatusAnalyzing),
		ExpectStatus: []Status{s.Status},
	}, StepAnalyzing)
	next.InFlight = true
	return next, m
}

func applyAnalysisSucceeded(v LocalView, act AnalysisSucceeded) (LocalView, *Mutation) {
	text := strings.TrimSpace(act.Text)
	if text == "" {
		return applyAnalysisFailed(v, AnalysisFailed{Err: errors.New("empty verdict")})
	}
	v.InFlight = false
	s := v.Session
	if s == nil || v.Terminal() || v.Step != StepAnalyzing {
		return v, nil
	}
	if s.VerdictText != "" {
		return accept(v), nil
	}
	seed := []Entry{{Speaker: SpeakerMediator, Text: text}}
	if v.Mode == ModeSolo {
		s.Status = StatusVerdict
		s.VerdictText = text
		s.Conversation = seed
		v.Step = StepVerdictChat
		return accept(v), nil
	}
	return patchView(v, Patch{
		Status:          ptr(StatusVerdict),
		VerdictText:     ptr(text),
		SetConversation: seed,
		ExpectStatus:    []Status{StatusAnalyzing},
	}, StepVerdictChat)
}

func applyAnalysisFailed(v LocalView, act AnalysisFailed) (LocalView, *Mutation) {
	v.InFlight = false
	s := v.Session
	if s == nil || v.Terminal() || v.Step != StepAnalyzing {
		return v, nil
	}
	msg := "analysis failed, try again"
	if act.Err != nil {
		msg = "analysis failed: " + act.Err.Error()
	}
	if v.Mode == ModeSolo {
		s.Status = StatusInputting
		v.Step = StepSubmittedAwaitingPartner
		v.AnalysisAvailable = true
		return reject(v, ErrorGeneration, msg), nil
	}
	next, m := patchView(v, Patch{
		Status:       ptr(StatusInputting),
		ExpectStatus: []Status{StatusAnalyzing},
	}, StepSubmittedAwaitingPartner)
	return reject(next, ErrorGeneration, msg), m
}

func findPending(pending []PendingEntry, text string, failed bool) int {
	for i, p := range pending {
		if p.Entry.Text == text && p.Failed == failed {
			return i
		}
	}
	return -1
}

func applyAppend(v LocalView, act Append) LocalView {
	text := strings.TrimSpace(act.Text)
	if text == "" {
		return reject(v, ErrorValidation, "message is empty")
	}
	if v.Step != StepVerdictChat {
		return reject(v, ErrorValidation, "chat opens after the verdict")
	}
	if v.Mode == ModeJoint && v.Role == RoleNone {
		return reject(v, ErrorValidation, "only session participants can chat")
	}
	if v.InFlight {
		return reject(v, ErrorValidation, "a message is already being sent")
	}
	if idx := findPending(v.Pending, text, true); idx >= 0 {
		v.Pending[idx].Failed = false
	} else {
		id := strings.TrimSpace(act.ID)
		if id == "" {
			// Visible entries only grow, so the count is unique per author.
			id = v.SelfID + "-" + strconv.Itoa(len(v.Conversation()))
		}
		v.Pending = append(v.Pending, PendingEntry{
			Entry: Entry{ID: id, Speaker: v.Role.Speaker(), Text: text},
		})
	}
	v.InFlight = true
	return accept(v)
}

func applyAppendSucceeded(v LocalView, act AppendSucceeded) (LocalView, *Mutation) {
	text := strings.TrimSpace(act.Text)
	reply := strings.TrimSpace(act.Reply)
	if reply == "" {
		return applyAppendFailed(v, AppendFailed{Text: text, Err: errors.New("empty reply")}), nil
	}
	v.InFlight = false
	idx := findPending(v.Pending, text, false)
	if idx < 0 || v.Session == nil || v.Terminal() || v.Step != StepVerdictChat {
		return v, nil
	}
	entry := v.Pending[idx].Entry
	v.Pending = append(v.Pending[:idx:idx], v.Pending[idx+1:]...)
	if len(v.Pending) == 0 {
		v.Pending = nil
	}

	entries := []Entry{entry, {ID: ReplyID(entry.ID), Speaker: SpeakerMediator, Text: reply}}
	if v.Mode == ModeSolo {
		v.Session.Conversation = append(v.Session.Conversation, entries...)
		return accept(v), nil
	}
	return patchView(v, Patch{
		AppendConversation: entries,
		ExpectStatus:       []Status{StatusVerdict},
	}, StepVerdictChat)
}

func applyAppendFailed(v LocalView, act AppendFailed) LocalView {
	v.InFlight = false
	if idx := findPending(v.Pending, strings.TrimSpace(act.Text), false); idx >= 0 {
		v.Pending[idx].Failed = true
	}
	msg := "message failed to send"
	if act.Err != nil {
		msg += ": " + act.Err.Error()
	}
	return reject(v, ErrorGeneration, msg)
}

func applyEnd(v LocalView) (LocalView, *Mutation) {
	s := v.Session
	if s == nil {
		return reject(v, ErrorValidation, "no session to end"), nil
	}
	if v.Mode == ModeSolo {
		s.Status = StatusCompleted
		v.Step = StepEnded
		v.InFlight = false
		v.AnalysisAvailable = false
		return accept(v), nil
	}
	if v.Role == RoleNone {
		return reject(v, ErrorValidation, "only session participants can end it"), nil
	}
	next, m := patchView(v, Patch{Status: ptr(StatusCompleted)}, StepEnded)
	next.InFlight = false
	return next, m
}

// ReplyID names the mediator entry answering the chat entry id.
func ReplyID(id string) string {
	if id == "" {
		return ""
	}
	return id + ":reply"
}
