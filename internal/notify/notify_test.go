package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

func TestRedactPII(t *testing.T) {
	out := RedactPII("Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242.")
	for _, marker := range []string{"[email]", "[phone]", "[card]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
	if strings.Contains(out, "sam@example.com") {
		t.Fatalf("email leaked: %q", out)
	}
}

func TestPreviewTruncates(t *testing.T) {
	short := Preview("  I  feel\nignored  ")
	if short != "I feel ignored" {
		t.Fatalf("Preview(short) = %q", short)
	}

	long := Preview(strings.Repeat("word ", 60))
	if utf8.RuneCountInString(long) > previewMaxRunes+1 {
		t.Fatalf("Preview(long) has %d runes", utf8.RuneCountInString(long))
	}
	if !strings.HasSuffix(long, "…") {
		t.Fatalf("Preview(long) = %q, want ellipsis", long)
	}
}

type captured struct {
	mu   sync.Mutex
	jobs []webhookJob
}

func TestWebhookNotifierDelivers(t *testing.T) {
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var job webhookJob
		if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
			t.Errorf("decode: %v", err)
		}
		got.mu.Lock()
		got.jobs = append(got.jobs, job)
		got.mu.Unlock()
	}))
	defer srv.Close()

	w := NewWebhookNotifier(srv.URL, 100, nil)
	defer w.Close()
	w.Notify(context.Background(), "bob", Notification{Type: TypeSessionInvite, SessionID: "s1", Preview: "hi"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got.mu.Lock()
		n := len(got.jobs)
		got.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	got.mu.Lock()
	defer got.mu.Unlock()
	if len(got.jobs) != 1 {
		t.Fatalf("delivered %d notifications, want 1", len(got.jobs))
	}
	if got.jobs[0].UserID != "bob" || got.jobs[0].Body.Type != TypeSessionInvite {
		t.Fatalf("job = %+v", got.jobs[0])
	}
}

func TestWebhookNotifierSwallowsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(srv.URL, 100, nil)
	w.Notify(context.Background(), "bob", Notification{Type: TypeVerdictReady})
	time.Sleep(20 * time.Millisecond)
	w.Close()
	w.Close()
}

type recordingNotifier struct{ got []string }

func (r *recordingNotifier) Notify(_ context.Context, userID string, n Notification) {
	r.got = append(r.got, userID+":"+string(n.Type))
}

func TestMultiNotifier(t *testing.T) {
	a, b := &recordingNotifier{}, &recordingNotifier{}
	MultiNotifier{a, nil, b, LogNotifier{}}.Notify(context.Background(), "bob", Notification{Type: TypeSessionEnded})
	if len(a.got) != 1 || len(b.got) != 1 || a.got[0] != "bob:session_ended" {
		t.Fatalf("fan-out = %v / %v", a.got, b.got)
	}
}
