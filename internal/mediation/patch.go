package mediation

// Patch names the exact session fields a mutation touches. Nil fields are
// left as committed.
type Patch struct {
	Status             *Status `json:"status,omitempty"`
	ResponderID        *string `json:"responder_id,omitempty"`
	Topic              *string `json:"topic,omitempty"`
	InitiatorInput     *string `json:"initiator_input,omitempty"`
	ResponderInput     *string `json:"responder_input,omitempty"`
	InitiatorSubmitted *bool   `json:"initiator_submitted,omitempty"`
	ResponderSubmitted *bool   `json:"responder_submitted,omitempty"`
	VerdictText        *string `json:"verdict_text,omitempty"`

	// SetConversation replaces the conversation; AppendConversation is
	// appended to whatever conversation is committed when the patch lands.
	SetConversation    []Entry `json:"set_conversation,omitempty"`
	AppendConversation []Entry `json:"append_conversation,omitempty"`

	// ExpectStatus, when non-empty, must contain the committed status or the
	// store rejects the patch with ErrConflict.
	ExpectStatus []Status `json:"expect_status,omitempty"`
}

// Fields lists the column names the patch writes.
func (p Patch) Fields() []string {
	var out []string
	if p.Status != nil {
		out = append(out, "status")
	}
	if p.ResponderID != nil {
		out = append(out, "responder_id")
	}
	if p.Topic != nil {
		out = append(out, "topic")
	}
	if p.InitiatorInput != nil {
		out = append(out, "initiator_input")
	}
	if p.ResponderInput != nil {
		out = append(out, "responder_input")
	}
	if p.InitiatorSubmitted != nil {
		out = append(out, "initiator_submitted")
	}
	if p.ResponderSubmitted != nil {
		out = append(out, "responder_submitted")
	}
	if p.VerdictText != nil {
		out = append(out, "verdict_text")
	}
	if p.SetConversation != nil || len(p.AppendConversation) > 0 {
		out = append(out, "conversation")
	}
	return out
}

func (p Patch) Empty() bool { return len(p.Fields()) == 0 }

// Allows reports whether the patch precondition holds for current.
func (p Patch) Allows(current Status) bool {
	if len(p.ExpectStatus) == 0 {
		return true
	}
	for _, st := range p.ExpectStatus {
		if st == current {
			return true
		}
	}
	return false
}

// Apply merges the patch into s and returns the result. Version and
// timestamps are left to the store.
func (p Patch) Apply(s Session) Session {
	out := s.Clone()
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.ResponderID != nil {
		out.ResponderID = *p.ResponderID
	}
	if p.Topic != nil {
		out.Topic = *p.Topic
	}
	if p.InitiatorInput != nil {
		out.InitiatorInput = *p.InitiatorInput
	}
	if p.ResponderInput != nil {
		out.ResponderInput = *p.ResponderInput
	}
	if p.InitiatorSubmitted != nil {
		out.InitiatorSubmitted = *p.InitiatorSubmitted
	}
	if p.ResponderSubmitted != nil {
		out.ResponderSubmitted = *p.ResponderSubmitted
	}
	if p.VerdictText != nil {
		out.VerdictText = *p.VerdictText
	}
	if p.SetConversation != nil {
		out.Conversation = make([]Entry, len(p.SetConversation))
		copy(out.Conversation, p.SetConversation)
	}
	if len(p.AppendConversation) > 0 {
		out.Conversation = append(out.Conversation, p.AppendConversation...)
	}
	return out
}

type Op string

const (
	OpCreate Op = "create"
	OpPatch  Op = "patch"
)

// Mutation is the store write a transition asks the controller to issue.
// Session carries the initial fields for OpCreate; Patch is used for OpPatch.
type Mutation struct {
	Op        Op      `json:"op"`
	SessionID string  `json:"session_id,omitempty"`
	Session   Session `json:"session,omitempty"`
	Patch     Patch   `json:"patch,omitempty"`
}

func ptr[T any](v T) *T { return &v }
