package notify

import (
	"context"
	"log"
)

type Type string

const (
	TypeSessionInvite        Type = "session_invite"
	TypePartnerJoined        Type = "partner_joined"
	TypeTopicUpdated         Type = "topic_updated"
	TypePerspectiveSubmitted Type = "perspective_submitted"
	TypeAnalysisStarted      Type = "analysis_started"
	TypeAnalysisFailed       Type = "analysis_failed"
	TypeVerdictReady         Type = "verdict_ready"
	TypeMessagePosted        Type = "message_posted"
	TypeSessionEnded         Type = "session_ended"
)

// Notification is the out-of-band nudge sent to a participant who is not
// currently listening.
type Notification struct {
	Type      Type              `json:"type"`
	SessionID string            `json:"session_id"`
	PairID    string            `json:"pair_id"`
	FromID    string            `json:"from_id,omitempty"`
	Preview   string            `json:"preview,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
}

// Notifier is fire-and-forget: implementations log failures and never block
// the caller on delivery.
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification)
}

// LogNotifier writes notifications to the process log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, userID string, n Notification) {
	log.Printf("notify: %s -> user=%s session=%s preview=%q", n.Type, userID, n.SessionID, n.Preview)
}

// MultiNotifier fans a notification out to every notifier.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, userID string, n Notification) {
	for _, notifier := range m {
		if notifier != nil {
			notifier.Notify(ctx, userID, n)
		}
	}
}
