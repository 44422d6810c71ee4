package verdict

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ent0n29/consultant/internal/reliability"
)

const defaultOpenAIModel = openai.GPT4oMini

// OpenAIGateway generates mediator text through an OpenAI-compatible chat API.
type OpenAIGateway struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	retry   reliability.RetryPolicy
}

func NewOpenAIGateway(cfg Config) *OpenAIGateway {
	clientConfig := openai.DefaultConfig(strings.TrimSpace(cfg.OpenAIAPIKey))
	if base := strings.TrimSpace(cfg.OpenAIBaseURL); base != "" {
		clientConfig.BaseURL = base
	}
	model := strings.TrimSpace(cfg.OpenAIModel)
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIGateway{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   model,
		timeout: cfg.Timeout,
		retry:   cfg.Retry,
	}
}

func (g *OpenAIGateway) GenerateVerdict(ctx context.Context, req Request) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	msgs := BuildMessages(req)
	chat := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		chat[i] = openai.ChatCompletionMessage{Role: openAIRole(m.Role), Content: m.Content}
	}

	var text string
	attempt := 0
	err := reliability.Retry(ctx, g.retry, Retryable, func(ctx context.Context) error {
		attempt++
		resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       g.model,
			Messages:    chat,
			Temperature: 0.4,
		})
		if err != nil {
			cerr := classifyOpenAI(err)
			if cerr.Temporary {
				log.Printf("verdict: openai attempt %d failed: %v", attempt, err)
			}
			return cerr
		}
		if len(resp.Choices) == 0 {
			return &Error{Kind: KindUnavailable, Temporary: true, Err: errors.New("empty chat response")}
		}
		text = strings.TrimSpace(resp.Choices[0].Message.Content)
		if text == "" {
			return &Error{Kind: KindUnavailable, Temporary: true, Err: errors.New("empty chat response")}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &Error{Kind: KindTimeout, Err: err}
		}
		return "", err
	}
	return text, nil
}

func openAIRole(role string) string {
	switch role {
	case RoleSystem:
		return openai.ChatMessageRoleSystem
	case RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

func classifyOpenAI(err error) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindUnavailable, Err: err}
	}
	// Transport failures before any HTTP status.
	return &Error{Kind: Classify(err), Temporary: true, Err: err}
}
