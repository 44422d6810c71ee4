package mediation

type ErrorKind string

const (
	ErrorValidation ErrorKind = "validation"
	ErrorConflict   ErrorKind = "conflict"
	ErrorTransport  ErrorKind = "transport"
	ErrorGeneration ErrorKind = "generation"
)

// ViewError is the user-facing error attached to a LocalView.
type ViewError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ViewError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}

// PendingEntry is a locally composed message not yet committed to the store.
type PendingEntry struct {
	Entry  Entry `json:"entry"`
	Failed bool  `json:"failed"`
}

// LocalView is one client's reconciled interpretation of the shared session
// plus transient UI state.
type LocalView struct {
	SelfID            string         `json:"self_id"`
	PairID            string         `json:"pair_id"`
	Mode              Mode           `json:"mode"`
	Role              Role           `json:"role"`
	Step              Step           `json:"step"`
	Session           *Session       `json:"session,omitempty"`
	Invite            bool           `json:"invite"`
	AnalysisAvailable bool           `json:"analysis_available"`
	InFlight          bool           `json:"in_flight"`
	Pending           []PendingEntry `json:"pending,omitempty"`
	LastError         *ViewError     `json:"last_error,omitempty"`
}

func NewView(selfID, pairID string) LocalView {
	return LocalView{
		SelfID: selfID,
		PairID: pairID,
		Mode:   ModeJoint,
		Step:   StepIdle,
	}
}

func (v LocalView) Clone() LocalView {
	out := v
	if v.Session != nil {
		s := v.Session.Clone()
		out.Session = &s
	}
	if v.Pending != nil {
		out.Pending = make([]PendingEntry, len(v.Pending))
		copy(out.Pending, v.Pending)
	}
	if v.LastError != nil {
		e := *v.LastError
		out.LastError = &e
	}
	return out
}

// Terminal reports whether the view is past the end of its session.
func (v LocalView) Terminal() bool {
	if v.Step == StepEnded {
		return true
	}
	return v.Session != nil && v.Session.Status.Terminal()
}

// Conversation returns committed entries followed by pending ones.
func (v LocalView) Conversation() []Entry {
	var out []Entry
	if v.Session != nil {
		out = append(out, v.Session.Conversation...)
	}
	for _, p := range v.Pending {
		out = append(out, p.Entry)
	}
	return out
}
