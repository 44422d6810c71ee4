package mediation

import (
	"errors"
	"time"
)

// Status is the shared lifecycle state of a mediation session row.
type Status string

const (
	StatusCreated   Status = "created"
	StatusJoined    Status = "joined"
	StatusInputting Status = "inputting"
	StatusAnalyzing Status = "analyzing"
	StatusVerdict   Status = "verdict"
	StatusCompleted Status = "completed"
)

// ErrConflict is returned by stores when a patch precondition does not hold
// against the committed row. Callers treat it as "another client already
// committed this step".
var ErrConflict = errors.New("session write conflict")

// Rank orders statuses along the lifecycle; unknown statuses rank -1.
func (s Status) Rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusJoined:
		return 1
	case StatusInputting:
		return 2
	case StatusAnalyzing:
		return 3
	case StatusVerdict:
		return 4
	case StatusCompleted:
		return 5
	default:
		return -1
	}
}

func (s Status) Valid() bool { return s.Rank() >= 0 }

func (s Status) Terminal() bool { return s == StatusCompleted }

type Speaker string

const (
	SpeakerInitiator Speaker = "initiator"
	SpeakerResponder Speaker = "responder"
	SpeakerMediator  Speaker = "mediator"
)

// Entry is one line of the post-verdict conversation.
type Entry struct {
	// ID is set on chat entries so a replayed append can be recognised.
	ID      string  `json:"id,omitempty"`
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// Session is the row both participants share.
type Session struct {
	ID                 string    `json:"id"`
	PairID             string    `json:"pair_id"`
	InitiatorID        string    `json:"initiator_id"`
	ResponderID        string    `json:"responder_id,omitempty"`
	Status             Status    `json:"status"`
	Topic              string    `json:"topic"`
	InitiatorInput     string    `json:"initiator_input,omitempty"`
	ResponderInput     string    `json:"responder_input,omitempty"`
	InitiatorSubmitted bool      `json:"initiator_submitted"`
	ResponderSubmitted bool      `json:"responder_submitted"`
	VerdictText        string    `json:"verdict_text,omitempty"`
	Conversation       []Entry   `json:"conversation"`
	Version            int64     `json:"version"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (s Session) Clone() Session {
	out := s
	if s.Conversation != nil {
		out.Conversation = make([]Entry, len(s.Conversation))
		copy(out.Conversation, s.Conversation)
	}
	return out
}

func (s Session) Submitted(role Role) bool {
	switch role {
	case RoleInitiator:
		return s.InitiatorSubmitted
	case RoleResponder:
		return s.ResponderSubmitted
	default:
		return false
	}
}

func (s Session) Input(role Role) string {
	switch role {
	case RoleInitiator:
		return s.InitiatorInput
	case RoleResponder:
		return s.ResponderInput
	default:
		return ""
	}
}

func (s Session) BothSubmitted() bool {
	return s.InitiatorSubmitted && s.ResponderSubmitted
}

func (s Session) AnySubmitted() bool {
	return s.InitiatorSubmitted || s.ResponderSubmitted
}

// Role is a participant's position in one session.
type Role string

const (
	RoleNone      Role = ""
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

func (r Role) Speaker() Speaker {
	if r == RoleResponder {
		return SpeakerResponder
	}
	return SpeakerInitiator
}

// ResolveRole reports which role selfID holds in s.
func ResolveRole(s Session, selfID string) Role {
	if selfID == "" {
		return RoleNone
	}
	switch selfID {
	case s.InitiatorID:
		return RoleInitiator
	case s.ResponderID:
		return RoleResponder
	default:
		return RoleNone
	}
}

type Mode string

const (
	ModeJoint Mode = "joint"
	ModeSolo  Mode = "solo"
)

// Step is the locally rendered stage of a session.
type Step string

const (
	StepIdle                     Step = "idle"
	StepWaitingForPartner        Step = "waitingForPartner"
	StepRulesAndTopic            Step = "rulesAndTopic"
	StepComposingInput           Step = "composingInput"
	StepSubmittedAwaitingPartner Step = "submittedAwaitingPartner"
	StepAnalyzing                Step = "analyzing"
	StepVerdictChat              Step = "verdictChat"
	StepEnded                    Step = "ended"
)

// DeriveStep maps a committed snapshot to the step the given role should see.
func DeriveStep(s Session, role Role) Step {
	switch s.Status {
	case StatusCompleted:
		return StepEnded
	case StatusVerdict:
		return StepVerdictChat
	case StatusAnalyzing:
		return StepAnalyzing
	case StatusInputting:
		if role == RoleNone {
			return StepIdle
		}
		if s.Submitted(role) {
			return StepSubmittedAwaitingPartner
		}
		return StepComposingInput
	case StatusJoined:
		if role == RoleNone {
			return StepIdle
		}
		if s.Submitted(role) {
			return StepSubmittedAwaitingPartner
		}
		return StepRulesAndTopic
	case StatusCreated:
		if role == RoleInitiator {
			return StepWaitingForPartner
		}
		return StepIdle
	default:
		return StepIdle
	}
}
