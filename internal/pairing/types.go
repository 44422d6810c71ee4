package pairing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ent0n29/consultant/internal/mediation"
)

var (
	ErrPairNotFound = errors.New("pair not found")
	ErrNotMember    = errors.New("user is not a member of this pair")
	ErrInvalidPair  = errors.New("a pair needs two distinct users")
)

// Pair is the established relationship between exactly two users.
type Pair struct {
	ID        string    `json:"id"`
	UserA     string    `json:"user_a"`
	UserB     string    `json:"user_b"`
	CreatedAt time.Time `json:"created_at"`
}

func (p Pair) Has(userID string) bool {
	return userID != "" && (userID == p.UserA || userID == p.UserB)
}

// Partner returns the other member of the pair.
func (p Pair) Partner(userID string) (string, bool) {
	switch userID {
	case "":
		return "", false
	case p.UserA:
		return p.UserB, true
	case p.UserB:
		return p.UserA, true
	default:
		return "", false
	}
}

// Directory looks up and registers pairs.
type Directory interface {
	CreatePair(ctx context.Context, userA, userB string) (Pair, error)
	GetPair(ctx context.Context, id string) (Pair, error)
	Close() error
}

func validateMembers(userA, userB string) (string, string, error) {
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == "" || userB == "" || userA == userB {
		return "", "", ErrInvalidPair
	}
	return userA, userB, nil
}

// Roles is the resolved role assignment for one user in one session.
type Roles struct {
	InitiatorID string         `json:"initiator_id"`
	ResponderID string         `json:"responder_id"`
	SelfRole    mediation.Role `json:"self_role"`
}

// Counterpart is the user on the other side of self in this session.
func (r Roles) Counterpart() string {
	switch r.SelfRole {
	case mediation.RoleInitiator:
		return r.ResponderID
	case mediation.RoleResponder:
		return r.InitiatorID
	default:
		return ""
	}
}

// Resolve assigns roles for selfID. Without a session self would become the
// initiator of the next one. Before the responder joins, the partner is the
// expected responder.
func Resolve(pair Pair, selfID string, s *mediation.Session) (Roles, error) {
	partner, ok := pair.Partner(selfID)
	if !ok {
		return Roles{}, ErrNotMember
	}
	if s == nil {
		return Roles{InitiatorID: selfID, ResponderID: partner, SelfRole: mediation.RoleInitiator}, nil
	}
	if s.PairID != "" && s.PairID != pair.ID {
		return Roles{}, ErrNotMember
	}
	if !pair.Has(s.InitiatorID) {
		return Roles{}, ErrNotMember
	}

	out := Roles{InitiatorID: s.InitiatorID, ResponderID: s.ResponderID}
	if out.ResponderID == "" {
		out.ResponderID, _ = pair.Partner(s.InitiatorID)
	}
	if selfID == out.InitiatorID {
		out.SelfRole = mediation.RoleInitiator
	} else {
		out.SelfRole = mediation.RoleResponder
	}
	return out, nil
}
