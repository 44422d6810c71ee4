package verdict

import (
	"context"
	"errors"
	"fmt"
)

// FallbackGateway attempts a primary gateway first and falls back on error.
type FallbackGateway struct {
	primary  Gateway
	fallback Gateway
}

func NewFallbackGateway(primary, fallback Gateway) *FallbackGateway {
	return &FallbackGateway{primary: primary, fallback: fallback}
}

func (g *FallbackGateway) GenerateVerdict(ctx context.Context, req Request) (string, error) {
	if g == nil || g.primary == nil {
		if g != nil && g.fallback != nil {
			return g.fallback.GenerateVerdict(ctx, req)
		}
		return "", fmt.Errorf("fallback gateway misconfigured")
	}
	text, err := g.primary.GenerateVerdict(ctx, req)
	if err == nil {
		return text, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return "", err
	}
	if g.fallback == nil {
		return "", err
	}
	text, fallbackErr := g.fallback.GenerateVerdict(ctx, req)
	if fallbackErr != nil {
		return "", fmt.Errorf("primary gateway error: %w; fallback gateway error: %v", err, fallbackErr)
	}
	return text, nil
}
