package verdict

import (
	"fmt"
	"strings"

	"github.com/ent0n29/consultant/internal/mediation"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const systemPrompt = `You are a calm, impartial relationship mediator.
Two partners each describe the same disagreement from their own point of view.
Acknowledge what each of them feels, name the shared need underneath the conflict,
and suggest two or three concrete, small next steps they can take together.
Never take sides, never diagnose, and keep the answer under 250 words.
In follow-up messages, answer the partner who wrote last, briefly and kindly.`

// BuildMessages renders req as a chat transcript.
func BuildMessages(req Request) []Message {
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		topic = "(no topic given)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n\n", topic)
	fmt.Fprintf(&b, "Partner A's perspective:\n%s\n\n", strings.TrimSpace(req.PerspectiveA))
	fmt.Fprintf(&b, "Partner B's perspective:\n%s\n\n", strings.TrimSpace(req.PerspectiveB))
	b.WriteString("Please give your mediation verdict.")

	out := []Message{
		{Role: RoleSystem, Content: systemPrompt},
		{Role: RoleUser, Content: b.String()},
	}
	for _, e := range req.History {
		text := strings.TrimSpace(e.Text)
		if text == "" {
			continue
		}
		switch e.Speaker {
		case mediation.SpeakerMediator:
			out = append(out, Message{Role: RoleAssistant, Content: text})
		case mediation.SpeakerResponder:
			out = append(out, Message{Role: RoleUser, Content: "Partner B: " + text})
		default:
			out = append(out, Message{Role: RoleUser, Content: "Partner A: " + text})
		}
	}
	return out
}
