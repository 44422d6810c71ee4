package controller

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/ent0n29/consultant/internal/mediation"
	"github.com/ent0n29/consultant/internal/verdict"
)

// maybeStartGatewayLocked launches the round trip the last action asked
// for. gatewayBusy guards against a second call while one is running.
func (c *Controller) maybeStartGatewayLocked(action mediation.Action) {
	v := c.view
	if !v.InFlight || c.gatewayBusy || v.Session == nil {
		return
	}
	switch action.(type) {
	case mediation.TriggerAnalysis:
		if v.Step != mediation.StepAnalyzing {
			return
		}
		req := verdict.Request{
			Topic:        v.Session.Topic,
			PerspectiveA: v.Session.InitiatorInput,
			PerspectiveB: v.Session.ResponderInput,
		}
		c.startGatewayLocked("verdict", req, func(text string, err error) mediation.Action {
			if err != nil {
				return mediation.AnalysisFailed{Err: userFacing(err)}
			}
			return mediation.AnalysisSucceeded{Text: text}
		})

	case mediation.Append:
		if v.Step != mediation.StepVerdictChat {
			return
		}
		var pending *mediation.PendingEntry
		for i := range v.Pending {
			if !v.Pending[i].Failed {
				pending = &v.Pending[i]
			}
		}
		if pending == nil {
			return
		}
		text := pending.Entry.Text
		history := append(v.Session.Clone().Conversation, pending.Entry)
		req := verdict.Request{
			Topic:        v.Session.Topic,
			PerspectiveA: v.Session.InitiatorInput,
			PerspectiveB: v.Session.ResponderInput,
			History:      history,
		}
		c.startGatewayLocked("reply", req, func(reply string, err error) mediation.Action {
			if err != nil {
				return mediation.AppendFailed{Text: text, Err: userFacing(err)}
			}
			return mediation.AppendSucceeded{Text: text, Reply: reply}
		})
	}
}

func (c *Controller) startGatewayLocked(call string, req verdict.Request, complete func(string, error) mediation.Action) {
	c.gatewayBusy = true
	gateway := c.deps.Gateway
	timeout := c.deps.GatewayTimeout
	go func() {
		started := time.Now()
		var (
			text string
			err  error
		)
		if gateway == nil {
			err = errors.New("no text-generation gateway configured")
		} else {
			ctx, cancel := context.WithTimeout(c.ctx, timeout)
			text, err = gateway.GenerateVerdict(ctx, req)
			cancel()
		}
		result := "ok"
		if err != nil {
			result = string(verdict.Classify(err))
		}
		c.deps.Metrics.ObserveGateway(call, result, time.Since(started))

		c.mu.Lock()
		defer c.mu.Unlock()
		c.gatewayBusy = false
		if c.closed {
			return
		}
		if err != nil {
			log.Printf("controller: %s generation for pair %s failed: %v", call, c.pair.ID, err)
		}
		// The session may have ended while the call ran; refresh before
		// deciding whether the result still applies.
		c.refreshLocked(c.ctx)
		c.dispatchLocked(c.ctx, complete(text, err))
		c.broadcastLocked()
	}()
}

func (c *Controller) refreshLocked(ctx context.Context) {
	cur := c.view.Session
	if c.view.Mode != mediation.ModeJoint || cur == nil || cur.ID == "" {
		return
	}
	s, err := c.deps.Store.Get(ctx, cur.ID)
	if err != nil {
		return
	}
	c.reconcileLocked(s)
}

func userFacing(err error) error {
	switch verdict.Classify(err) {
	case verdict.KindTimeout:
		return errors.New("the mediator took too long to answer")
	case verdict.KindRateLimited:
		return errors.New("the mediator is busy, try again in a moment")
	default:
		return errors.New("the mediator is unavailable")
	}
}
