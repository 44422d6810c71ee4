package controller

import (
	"context"

	"github.com/ent0n29/consultant/internal/mediation"
	"github.com/ent0n29/consultant/internal/notify"
)

// notifyPartnerLocked tells the other participant about a committed change
// when they are not currently listening.
func (c *Controller) notifyPartnerLocked(ctx context.Context, action mediation.Action, m *mediation.Mutation, committed mediation.Session) {
	partner, ok := c.pair.Partner(c.selfID)
	if !ok {
		return
	}
	if c.deps.Presence != nil && c.deps.Presence.Online(committed, partner) {
		return
	}
	kind, preview, ok := notificationFor(action, m, committed)
	if !ok {
		return
	}
	c.deps.Notifier.Notify(ctx, partner, notify.Notification{
		Type:      kind,
		SessionID: committed.ID,
		PairID:    committed.PairID,
		FromID:    c.selfID,
		Preview:   preview,
		Payload:   map[string]string{"status": string(committed.Status)},
	})
	c.deps.Metrics.ObserveNotification(string(kind), "queued")
}

func notificationFor(action mediation.Action, m *mediation.Mutation, s mediation.Session) (notify.Type, string, bool) {
	if m.Op == mediation.OpCreate {
		return notify.TypeSessionInvite, notify.Preview(s.Topic), true
	}
	switch act := action.(type) {
	case mediation.Join:
		return notify.TypePartnerJoined, "", true
	case mediation.SetTopic:
		return notify.TypeTopicUpdated, notify.Preview(s.Topic), true
	case mediation.Submit:
		return notify.TypePerspectiveSubmitted, "", true
	case mediation.TriggerAnalysis:
		return notify.TypeAnalysisStarted, "", true
	case mediation.AnalysisFailed:
		return notify.TypeAnalysisFailed, "", true
	case mediation.AnalysisSucceeded:
		return notify.TypeVerdictReady, notify.Preview(s.VerdictText), true
	case mediation.AppendSucceeded:
		return notify.TypeMessagePosted, notify.Preview(act.Text), true
	case mediation.End, mediation.Discard:
		return notify.TypeSessionEnded, "", true
	default:
		return "", "", false
	}
}
