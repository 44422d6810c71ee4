package mediation

// Action is a local event fed into Transition. The set is closed: only the
// types in this file implement it.
type Action interface {
	isAction()
}

type (
	// Create starts a joint session for the pair with self as initiator.
	Create struct{}
	// Join accepts a visible invite as responder.
	Join struct{}
	// SetTopic edits the topic until the first perspective lands.
	SetTopic struct{ Topic string }
	// Proceed acknowledges the rules and topic and opens the input step.
	Proceed struct{}
	// Submit records a perspective. Role may be empty in joint mode.
	Submit struct {
		Role Role
		Text string
	}
	TriggerAnalysis struct{}
	// Append posts a follow-up message. ID names the entry; when empty one is
	// derived from the view.
	Append struct {
		Text string
		ID   string
	}
	End             struct{}
	// Discard abandons a resumed session without further processing.
	Discard   struct{}
	StartSolo struct{}

	// Completion actions issued by the controller after a gateway round trip.
	AnalysisSucceeded struct{ Text string }
	AnalysisFailed    struct{ Err error }
	AppendSucceeded   struct{ Text, Reply string }
	AppendFailed      struct {
		Text string
		Err  error
	}
)

func (Create) isAction()            {}
func (Join) isAction()              {}
func (SetTopic) isAction()          {}
func (Proceed) isAction()           {}
func (Submit) isAction()            {}
func (TriggerAnalysis) isAction()   {}
func (Append) isAction()            {}
func (End) isAction()               {}
func (Discard) isAction()           {}
func (StartSolo) isAction()         {}
func (AnalysisSucceeded) isAction() {}
func (AnalysisFailed) isAction()    {}
func (AppendSucceeded) isAction()   {}
func (AppendFailed) isAction()      {}

// ActionName is a stable label for logs and metrics.
func ActionName(a Action) string {
	switch a.(type) {
	case Create:
		return "create"
	case Join:
		return "join"
	case SetTopic:
		return "set_topic"
	case Proceed:
		return "proceed"
	case Submit:
		return "submit"
	case TriggerAnalysis:
		return "trigger_analysis"
	case Append:
		return "append"
	case End:
		return "end"
	case Discard:
		return "discard"
	case StartSolo:
		return "start_solo"
	case AnalysisSucceeded:
		return "analysis_succeeded"
	case AnalysisFailed:
		return "analysis_failed"
	case AppendSucceeded:
		return "append_succeeded"
	case AppendFailed:
		return "append_failed"
	default:
		return "unknown"
	}
}
