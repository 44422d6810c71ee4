package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/consultant/internal/controller"
	"github.com/ent0n29/consultant/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
)

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	pairID := chi.URLParam(r, "pairID")
	ctrl, _, err := s.controllers.Acquire(r.Context(), pairID, userID)
	if err != nil {
		s.respondLookupError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ObserveEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 64)
	outbound := make(chan any, 64)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		s.runConnection(ctx, ctrl, pairID, inbound, outbound)
	}()

	// The writer owns connection shutdown: closing conn is what unblocks
	// ReadMessage below.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer conn.Close()
		write := func(msg any) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.metrics.ObserveWS("outbound", "write_error")
				cancel()
				return false
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.ObserveWS("outbound", string(t))
			}
			return true
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-runDone:
				for {
					select {
					case msg := <-outbound:
						if !write(msg) {
							return
						}
					default:
						return
					}
				}
			case msg := <-outbound:
				if !write(msg) {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.offer(outbound, protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				PairID: pairID,
				Code:   "invalid_client_message",
				Source: "gateway",
				Detail: err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveWS("inbound", string(t))
		}
		select {
		case <-ctx.Done():
			break readLoop
		case <-runDone:
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.ObserveEvent("ws_disconnected")
}

// runConnection forwards view changes to the client and applies inbound
// messages in arrival order.
func (s *Server) runConnection(ctx context.Context, ctrl *controller.Controller, pairID string, inbound <-chan any, outbound chan<- any) {
	views, stop := ctrl.Watch()
	defer stop()

	s.offer(outbound, protocol.SystemEvent{Type: protocol.TypeSystemEvent, PairID: pairID, Code: "connected"})

	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-views:
			if !ok {
				s.offer(outbound, protocol.SystemEvent{Type: protocol.TypeSystemEvent, PairID: pairID, Code: "controller_closed"})
				return
			}
			s.offer(outbound, protocol.NewViewUpdate(v, ""))
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			switch m := msg.(type) {
			case protocol.ClientPing:
				s.offer(outbound, protocol.SystemEvent{Type: protocol.TypeSystemEvent, PairID: pairID, Code: "pong"})
			case protocol.ClientAction:
				action, err := protocol.ActionFromWire(m)
				if err != nil {
					s.offer(outbound, protocol.ErrorEvent{
						Type:   protocol.TypeErrorEvent,
						PairID: pairID,
						Code:   "invalid_action",
						Source: "gateway",
						Detail: err.Error(),
					})
					continue
				}
				v := ctrl.Dispatch(ctx, action)
				s.offer(outbound, protocol.NewViewUpdate(v, m.Nonce))
				if ev, ok := viewError(v); ok {
					s.offer(outbound, ev)
				}
			}
		}
	}
}

// offer keeps websocket writes single-threaded; it drops when the outbound
// queue is saturated.
func (s *Server) offer(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
		if t, ok := messageTypeOf(msg); ok {
			s.metrics.ObserveWS("outbound", string(t)+"_dropped")
		}
	}
}
