package store

import (
	"context"
	"errors"
	"strings"

	"github.com/ent0n29/consultant/internal/mediation"
)

var (
	ErrNotFound = errors.New("session not found in store")
	// ErrActiveExists is returned by Create when the pair already has a
	// non-completed session.
	ErrActiveExists = errors.New("pair already has an active session")
	ErrInvalid      = errors.New("invalid session")
)

// NotifyChannel is the Postgres channel committed session ids are announced on.
const NotifyChannel = "consultant_sessions"

// Store persists shared session rows. Patch is always a field-level merge.
type Store interface {
	Create(ctx context.Context, s mediation.Session) (mediation.Session, error)
	Patch(ctx context.Context, id string, p mediation.Patch) (mediation.Session, error)
	Get(ctx context.Context, id string) (mediation.Session, error)
	// FindActive returns the most recent non-completed session of the pair,
	// or nil when there is none.
	FindActive(ctx context.Context, pairID string) (*mediation.Session, error)
	Close() error
}

func validateCreate(s mediation.Session) (mediation.Session, error) {
	s.PairID = strings.TrimSpace(s.PairID)
	s.InitiatorID = strings.TrimSpace(s.InitiatorID)
	if s.PairID == "" || s.InitiatorID == "" {
		return s, ErrInvalid
	}
	if s.Status == "" {
		s.Status = mediation.StatusCreated
	}
	if !s.Status.Valid() || s.Status.Terminal() {
		return s, ErrInvalid
	}
	if s.Conversation == nil {
		s.Conversation = []mediation.Entry{}
	}
	return s, nil
}

// replayed reports whether p appends an entry the committed conversation
// already holds, meaning an earlier attempt of the same write landed.
func replayed(cur mediation.Session, p mediation.Patch) bool {
	for _, e := range p.AppendConversation {
		if e.ID == "" {
			continue
		}
		for _, have := range cur.Conversation {
			if have.ID == e.ID {
				return true
			}
		}
	}
	return false
}

// checkPatch applies the shared rejection rules for a patch against the
// committed row.
func checkPatch(cur mediation.Session, p mediation.Patch) error {
	if p.Status != nil && !p.Status.Valid() {
		return ErrInvalid
	}
	if cur.Status.Terminal() {
		return mediation.ErrConflict
	}
	if !p.Allows(cur.Status) {
		return mediation.ErrConflict
	}
	return nil
}
