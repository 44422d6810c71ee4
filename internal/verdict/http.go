package verdict

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/consultant/internal/reliability"
)

// HTTPGateway posts requests to a mediator HTTP endpoint that answers with
// JSON ({"text": "..."}) or plain text.
type HTTPGateway struct {
	url    string
	client *http.Client
	retry  reliability.RetryPolicy
}

type httpPayload struct {
	Request
	Messages []Message `json:"messages"`
}

func NewHTTPGateway(url string, timeout time.Duration, retry reliability.RetryPolicy) *HTTPGateway {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPGateway{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
		retry:  retry,
	}
}

func (g *HTTPGateway) GenerateVerdict(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(httpPayload{Request: req, Messages: BuildMessages(req)})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var text string
	err = reliability.Retry(ctx, g.retry, Retryable, func(ctx context.Context) error {
		out, err := g.post(ctx, payload)
		if err != nil {
			return err
		}
		text = out
		return nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

func (g *HTTPGateway) post(ctx context.Context, payload []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := g.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", &Error{Kind: Classify(err), Temporary: true, Err: fmt.Errorf("send request: %w", err)}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", classifyStatus(res.StatusCode, fmt.Errorf("mediator http status %d: %s", res.StatusCode, strings.TrimSpace(string(body))))
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", &Error{Kind: KindUnavailable, Temporary: true, Err: fmt.Errorf("read response: %w", err)}
	}

	text := strings.TrimSpace(string(body))
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil {
		text = strings.TrimSpace(extractText(obj))
	}
	if text == "" {
		return "", &Error{Kind: KindUnavailable, Err: errors.New("mediator returned no text")}
	}
	return text, nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "verdict", "reply", "output", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
