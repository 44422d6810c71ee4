package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/consultant/internal/config"
	"github.com/ent0n29/consultant/internal/controller"
	"github.com/ent0n29/consultant/internal/mediation"
	"github.com/ent0n29/consultant/internal/observability"
	"github.com/ent0n29/consultant/internal/pairing"
	"github.com/ent0n29/consultant/internal/protocol"
)

// UserHeader carries the caller's user id. Websocket clients that cannot set
// headers pass ?user_id= instead.
const UserHeader = "X-User-ID"

type Server struct {
	cfg         config.Config
	pairs       pairing.Directory
	controllers *controller.Registry
	metrics     *observability.Metrics
	upgrader    websocket.Upgrader
}

func New(cfg config.Config, pairs pairing.Directory, controllers *controller.Registry, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:         cfg,
		pairs:       pairs,
		controllers: controllers,
		metrics:     metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a user's session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/pairs", s.handleCreatePair)
	r.Route("/v1/pairs/{pairID}", func(r chi.Router) {
		r.Get("/", s.handleGetPair)
		r.Post("/consultant/start", s.handleStart)
		r.Get("/consultant/view", s.handleView)
		r.Post("/consultant/actions", s.handleAction)
		r.Get("/consultant/ws", s.handleWS)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ready",
		"store_mode":  s.storeMode(),
		"controllers": s.controllers.Len(),
	})
}

type createPairRequest struct {
	UserA string `json:"user_a"`
	UserB string `json:"user_b"`
}

func (s *Server) handleCreatePair(w http.ResponseWriter, r *http.Request) {
	var req createPairRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	pair, err := s.pairs.CreatePair(r.Context(), req.UserA, req.UserB)
	if err != nil {
		if errors.Is(err, pairing.ErrInvalidPair) {
			respondError(w, http.StatusBadRequest, "invalid_pair", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "pair_create_failed", err.Error())
		return
	}
	s.metrics.ObserveEvent("pair_created")
	respondJSON(w, http.StatusCreated, pair)
}

func (s *Server) handleGetPair(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	pair, err := s.pairs.GetPair(r.Context(), chi.URLParam(r, "pairID"))
	if err != nil {
		s.respondLookupError(w, err)
		return
	}
	if !pair.Has(userID) {
		s.respondLookupError(w, pairing.ErrNotMember)
		return
	}
	respondJSON(w, http.StatusOK, pair)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	_, view, err := s.controllers.Acquire(r.Context(), chi.URLParam(r, "pairID"), userID)
	if err != nil {
		s.respondLookupError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, protocol.NewViewUpdate(view, ""))
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	ctrl, _, err := s.controllers.Acquire(r.Context(), chi.URLParam(r, "pairID"), userID)
	if err != nil {
		s.respondLookupError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, protocol.NewViewUpdate(ctrl.CurrentView(), ""))
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var msg protocol.ClientAction
	if err := decodeJSON(r, &msg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	action, err := protocol.ActionFromWire(msg)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_action", err.Error())
		return
	}
	ctrl, _, err := s.controllers.Acquire(r.Context(), chi.URLParam(r, "pairID"), userID)
	if err != nil {
		s.respondLookupError(w, err)
		return
	}
	view := ctrl.Dispatch(r.Context(), action)
	respondJSON(w, http.StatusOK, protocol.NewViewUpdate(view, msg.Nonce))
}

func (s *Server) respondLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pairing.ErrPairNotFound):
		respondError(w, http.StatusNotFound, "pair_not_found", err.Error())
	case errors.Is(err, pairing.ErrNotMember):
		respondError(w, http.StatusForbidden, "not_a_member", err.Error())
	case errors.Is(err, controller.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func userIDFrom(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(UserHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("user_id"))
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := userIDFrom(r)
	if id == "" {
		respondError(w, http.StatusUnauthorized, "missing_user", "set the "+UserHeader+" header or the user_id query parameter")
		return "", false
	}
	return id, true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func (s *Server) storeMode() string {
	if strings.TrimSpace(s.cfg.DatabaseURL) == "" {
		return "in-memory"
	}
	return "postgres"
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientAction:
		return m.Type, true
	case protocol.ClientPing:
		return m.Type, true
	case protocol.ViewUpdate:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}

// viewError folds a view's last error into a wire event, if there is one.
func viewError(v mediation.LocalView) (protocol.ErrorEvent, bool) {
	if v.LastError == nil {
		return protocol.ErrorEvent{}, false
	}
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		PairID:    v.PairID,
		Code:      string(v.LastError.Kind),
		Source:    "controller",
		Retryable: v.LastError.Kind == mediation.ErrorTransport || v.LastError.Kind == mediation.ErrorGeneration,
		Detail:    v.LastError.Message,
	}, true
}
