package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/consultant/internal/mediation"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAction MessageType = "client_action"
	TypeClientPing   MessageType = "client_ping"
	TypeViewUpdate   MessageType = "view_update"
	TypeSystemEvent  MessageType = "system_event"
	TypeErrorEvent   MessageType = "error_event"
)

var (
	ErrUnsupportedType   = errors.New("unsupported message type")
	ErrUnsupportedAction = errors.New("unsupported action")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientAction is one user action. The same shape is accepted as the body of
// the HTTP actions endpoint.
type ClientAction struct {
	Type   MessageType `json:"type,omitempty"`
	Action string      `json:"action"`
	Topic  string      `json:"topic,omitempty"`
	Text   string      `json:"text,omitempty"`
	// Role names whose perspective a solo submission records.
	Role  string `json:"role,omitempty"`
	Nonce string `json:"nonce,omitempty"`
}

type ClientPing struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms"`
}

type ViewUpdate struct {
	Type  MessageType         `json:"type"`
	Nonce string              `json:"nonce,omitempty"`
	View  mediation.LocalView `json:"view"`
}

type SystemEvent struct {
	Type   MessageType `json:"type"`
	PairID string      `json:"pair_id"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	PairID    string      `json:"pair_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func NewViewUpdate(v mediation.LocalView, nonce string) ViewUpdate {
	return ViewUpdate{Type: TypeViewUpdate, Nonce: nonce, View: v}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAction:
		var msg ClientAction
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Action) == "" {
			return nil, errors.New("invalid client_action")
		}
		return msg, nil
	case TypeClientPing:
		var msg ClientPing
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ActionFromWire maps a client action onto the session state machine.
func ActionFromWire(msg ClientAction) (mediation.Action, error) {
	switch strings.ToLower(strings.TrimSpace(msg.Action)) {
	case "create":
		return mediation.Create{}, nil
	case "join":
		return mediation.Join{}, nil
	case "set_topic":
		return mediation.SetTopic{Topic: msg.Topic}, nil
	case "proceed":
		return mediation.Proceed{}, nil
	case "submit":
		role, err := parseRole(msg.Role)
		if err != nil {
			return nil, err
		}
		return mediation.Submit{Role: role, Text: msg.Text}, nil
	case "trigger_analysis":
		return mediation.TriggerAnalysis{}, nil
	case "append":
		return mediation.Append{Text: msg.Text}, nil
	case "end":
		return mediation.End{}, nil
	case "discard":
		return mediation.Discard{}, nil
	case "start_solo":
		return mediation.StartSolo{}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedAction, msg.Action)
	}
}

func parseRole(raw string) (mediation.Role, error) {
	switch mediation.Role(strings.ToLower(strings.TrimSpace(raw))) {
	case mediation.RoleNone:
		return mediation.RoleNone, nil
	case mediation.RoleInitiator:
		return mediation.RoleInitiator, nil
	case mediation.RoleResponder:
		return mediation.RoleResponder, nil
	default:
		return mediation.RoleNone, fmt.Errorf("unknown role %q", raw)
	}
}
