package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ent0n29/consultant/internal/observability"
)

// WebhookNotifier posts notifications to an HTTP endpoint from a background
// worker, throttled by a token bucket.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	metrics *observability.Metrics

	queue  chan webhookJob
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

type webhookJob struct {
	UserID string       `json:"user_id"`
	SentAt time.Time    `json:"sent_at"`
	Body   Notification `json:"notification"`
}

func NewWebhookNotifier(url string, perSecond float64, metrics *observability.Metrics) *WebhookNotifier {
	if perSecond <= 0 {
		perSecond = 5
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &WebhookNotifier{
		url:     strings.TrimSpace(url),
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		metrics: metrics,
		queue:   make(chan webhookJob, 256),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go w.run(ctx)
	return w
}

func (w *WebhookNotifier) Notify(_ context.Context, userID string, n Notification) {
	job := webhookJob{UserID: userID, SentAt: time.Now().UTC(), Body: n}
	select {
	case w.queue <- job:
	default:
		w.metrics.ObserveNotification(string(n.Type), "dropped")
		log.Printf("notify: webhook queue full, dropping %s for %s", n.Type, userID)
	}
}

// Close stops the worker; queued notifications are abandoned.
func (w *WebhookNotifier) Close() {
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

func (w *WebhookNotifier) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.queue:
			if err := w.limiter.Wait(ctx); err != nil {
				return
			}
			if err := w.send(ctx, job); err != nil {
				w.metrics.ObserveNotification(string(job.Body.Type), "error")
				log.Printf("notify: webhook %s for %s failed: %v", job.Body.Type, job.UserID, err)
				continue
			}
			w.metrics.ObserveNotification(string(job.Body.Type), "sent")
		}
	}
}

func (w *WebhookNotifier) send(ctx context.Context, job webhookJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", res.StatusCode)
	}
	return nil
}
