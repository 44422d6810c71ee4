package verdict

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/ent0n29/consultant/internal/mediation"
	"github.com/ent0n29/consultant/internal/reliability"
)

// Request is everything the mediator sees for one generation. History is
// empty for the initial verdict and holds the conversation so far, ending
// with the newest participant message, for follow-ups.
type Request struct {
	Topic        string            `json:"topic"`
	PerspectiveA string            `json:"perspective_a"`
	PerspectiveB string            `json:"perspective_b"`
	History      []mediation.Entry `json:"history,omitempty"`
}

// Gateway produces mediator text.
type Gateway interface {
	GenerateVerdict(ctx context.Context, req Request) (string, error)
}

type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindRateLimited Kind = "rate_limited"
	KindUnavailable Kind = "unavailable"
)

// Error is a classified gateway failure.
type Error struct {
	Kind      Kind
	Temporary bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "verdict gateway " + string(e.Kind)
	}
	return fmt.Sprintf("verdict gateway %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps any gateway error onto a Kind.
func Classify(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUnavailable
}

// Retryable reports whether another attempt could succeed.
func Retryable(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Temporary
	}
	return false
}

func classifyStatus(code int, err error) *Error {
	switch {
	case code == 429:
		return &Error{Kind: KindRateLimited, Temporary: true, Err: err}
	case code == 408:
		return &Error{Kind: KindTimeout, Temporary: true, Err: err}
	case reliability.IsRetryableHTTPStatus(code):
		return &Error{Kind: KindUnavailable, Temporary: true, Err: err}
	default:
		return &Error{Kind: KindUnavailable, Err: err}
	}
}

// Config controls gateway construction.
type Config struct {
	Mode          string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	HTTPURL       string
	Timeout       time.Duration
	Retry         reliability.RetryPolicy
}

func New(cfg Config) (Gateway, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoGateway(cfg), nil
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("openai api key is required for openai mode")
		}
		return NewOpenAIGateway(cfg), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("gateway HTTP url is required for http mode")
		}
		return NewHTTPGateway(cfg.HTTPURL, cfg.Timeout, cfg.Retry), nil
	case "mock":
		return NewMockGateway(), nil
	default:
		return nil, fmt.Errorf("unsupported gateway mode %q", cfg.Mode)
	}
}

// newAutoGateway prefers OpenAI, then the HTTP endpoint, then the mock. A
// configured real backend runs alone so outages surface as errors.
func newAutoGateway(cfg Config) Gateway {
	var primary Gateway
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		primary = NewOpenAIGateway(cfg)
	}
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		h := NewHTTPGateway(cfg.HTTPURL, cfg.Timeout, cfg.Retry)
		if primary == nil {
			return h
		}
		return NewFallbackGateway(primary, h)
	}
	if primary != nil {
		return primary
	}
	return NewMockGateway()
}
