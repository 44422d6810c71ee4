package verdict

import (
	"context"
	"fmt"
	"strings"
)

// MockGateway returns deterministic mediator text for local runs and tests.
type MockGateway struct{}

func NewMockGateway() *MockGateway { return &MockGateway{} }

func (MockGateway) GenerateVerdict(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if n := len(req.History); n > 0 {
		last := strings.TrimSpace(req.History[n-1].Text)
		return fmt.Sprintf("Thank you for adding that. Hearing %q, I would suggest talking it through together this week.", truncate(last, 80)), nil
	}
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		topic = "this"
	}
	return fmt.Sprintf("Both parties care deeply about %s. Partner A is asking to feel heard, and Partner B is asking for understanding. "+
		"Try setting aside a calm moment to agree on one small change each.", topic), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
