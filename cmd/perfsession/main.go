package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/consultant/internal/mediation"
	"github.com/ent0n29/consultant/internal/protocol"
)

type options struct {
	baseURL     string
	userA       string
	userB       string
	sessions    int
	topic       string
	stepTimeout time.Duration
	verbose     bool
}

type createPairRequest struct {
	UserA string `json:"user_a"`
	UserB string `json:"user_b"`
}

type createPairResponse struct {
	ID string `json:"id"`
}

type wsEnvelope struct {
	Type   string              `json:"type"`
	Nonce  string              `json:"nonce,omitempty"`
	Code   string              `json:"code,omitempty"`
	Detail string              `json:"detail,omitempty"`
	View   mediation.LocalView `json:"view"`
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfsession: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfsession: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var stepTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "consultant base URL")
	flag.StringVar(&cfg.userA, "user-a", "perf-alice", "user id of the initiating partner")
	flag.StringVar(&cfg.userB, "user-b", "perf-bob", "user id of the responding partner")
	flag.IntVar(&cfg.sessions, "sessions", 3, "number of joint sessions to replay")
	flag.StringVar(&cfg.topic, "topic", "Weekend plans", "topic used for every session")
	flag.IntVar(&stepTimeoutMS, "step-timeout-ms", 60000, "timeout waiting for each session step in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.sessions <= 0 {
		return options{}, fmt.Errorf("sessions must be > 0")
	}
	cfg.userA = strings.TrimSpace(cfg.userA)
	cfg.userB = strings.TrimSpace(cfg.userB)
	if cfg.userA == "" || cfg.userB == "" || cfg.userA == cfg.userB {
		return options{}, fmt.Errorf("user-a and user-b must be distinct and non-empty")
	}
	if stepTimeoutMS < 1000 {
		stepTimeoutMS = 1000
	}
	cfg.stepTimeout = time.Duration(stepTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 45 * time.Second}
	pairID, err := createPair(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create pair: %w", err)
	}
	if cfg.verbose {
		fmt.Printf("perfsession: pair=%s sessions=%d\n", pairID, cfg.sessions)
	}

	a, err := connect(ctx, cfg, pairID, cfg.userA)
	if err != nil {
		return err
	}
	defer a.conn.Close()
	b, err := connect(ctx, cfg, pairID, cfg.userB)
	if err != nil {
		return err
	}
	defer b.conn.Close()

	var joinLatency, verdictLatency []time.Duration
	for i := 0; i < cfg.sessions; i++ {
		j, v, err := replaySession(cfg, a, b)
		if err != nil {
			return fmt.Errorf("session %d: %w", i+1, err)
		}
		joinLatency = append(joinLatency, j)
		verdictLatency = append(verdictLatency, v)
		if cfg.verbose {
			fmt.Printf("perfsession: session %d/%d join_seen=%s verdict=%s\n", i+1, cfg.sessions, j, v)
		}
	}

	fmt.Printf("perfsession: join_seen %s\n", summarize(joinLatency))
	fmt.Printf("perfsession: verdict   %s\n", summarize(verdictLatency))
	return nil
}

// replaySession drives one joint session from create to end and returns how
// long the initiator waited to see the join and the verdict.
func replaySession(cfg options, a, b *participant) (time.Duration, time.Duration, error) {
	if _, err := a.act(protocol.ClientAction{Action: "create"}); err != nil {
		return 0, 0, fmt.Errorf("create: %w", err)
	}
	if _, err := b.await(func(v mediation.LocalView) bool { return v.Invite }); err != nil {
		return 0, 0, fmt.Errorf("await invite: %w", err)
	}

	joinedAt := time.Now()
	if _, err := b.act(protocol.ClientAction{Action: "join"}); err != nil {
		return 0, 0, fmt.Errorf("join: %w", err)
	}
	if _, err := a.await(stepIs(mediation.StepRulesAndTopic)); err != nil {
		return 0, 0, fmt.Errorf("await join: %w", err)
	}
	joinSeen := time.Since(joinedAt)

	steps := []struct {
		who *participant
		msg protocol.ClientAction
	}{
		{a, protocol.ClientAction{Action: "set_topic", Topic: cfg.topic}},
		{a, protocol.ClientAction{Action: "proceed"}},
		{b, protocol.ClientAction{Action: "proceed"}},
		{a, protocol.ClientAction{Action: "submit", Text: "I would like us to plan the weekend together instead of last minute."}},
		{b, protocol.ClientAction{Action: "submit", Text: "I need some unplanned time to rest after a long week."}},
	}
	for _, st := range steps {
		if _, err := st.who.act(st.msg); err != nil {
			return 0, 0, fmt.Errorf("%s by %s: %w", st.msg.Action, st.who.userID, err)
		}
	}
	if _, err := a.await(func(v mediation.LocalView) bool { return v.AnalysisAvailable }); err != nil {
		return 0, 0, fmt.Errorf("await analysis available: %w", err)
	}

	triggeredAt := time.Now()
	if _, err := a.act(protocol.ClientAction{Action: "trigger_analysis"}); err != nil {
		return 0, 0, fmt.Errorf("trigger_analysis: %w", err)
	}
	if _, err := a.await(stepIs(mediation.StepVerdictChat)); err != nil {
		return 0, 0, fmt.Errorf("await verdict: %w", err)
	}
	verdict := time.Since(triggeredAt)

	if _, err := a.act(protocol.ClientAction{Action: "end"}); err != nil {
		return 0, 0, fmt.Errorf("end: %w", err)
	}
	if _, err := b.await(func(v mediation.LocalView) bool { return v.Terminal() }); err != nil {
		return 0, 0, fmt.Errorf("await partner end: %w", err)
	}
	return joinSeen, verdict, nil
}

func stepIs(step mediation.Step) func(mediation.LocalView) bool {
	return func(v mediation.LocalView) bool { return v.Step == step }
}

type participant struct {
	userID  string
	conn    *websocket.Conn
	timeout time.Duration
	verbose bool
	msgs    chan wsEnvelope
	errs    chan error
	last    mediation.LocalView
	seq     int
}

func connect(ctx context.Context, cfg options, pairID, userID string) (*participant, error) {
	wsURL, err := wsURLForPair(cfg.baseURL, pairID, userID)
	if err != nil {
		return nil, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("open websocket for %s: %w", userID, err)
	}
	p := &participant{
		userID:  userID,
		conn:    conn,
		timeout: cfg.stepTimeout,
		verbose: cfg.verbose,
		msgs:    make(chan wsEnvelope, 64),
		errs:    make(chan error, 1),
	}
	go p.readLoop()
	return p, nil
}

func (p *participant) readLoop() {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			select {
			case p.errs <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case string(protocol.TypeViewUpdate):
			p.msgs <- env
		case string(protocol.TypeErrorEvent):
			if p.verbose {
				fmt.Fprintf(os.Stderr, "perfsession: %s error_event code=%s detail=%s\n", p.userID, env.Code, env.Detail)
			}
		}
	}
}

// act sends one action and waits for the view that answers it.
func (p *participant) act(msg protocol.ClientAction) (mediation.LocalView, error) {
	p.seq++
	msg.Type = protocol.TypeClientAction
	msg.Nonce = p.userID + "-" + strconv.Itoa(p.seq)
	if err := p.conn.WriteJSON(msg); err != nil {
		return mediation.LocalView{}, err
	}
	nonce := msg.Nonce
	v, err := p.next(func(env wsEnvelope) bool { return env.Nonce == nonce })
	if err != nil {
		return v, err
	}
	if v.LastError != nil {
		return v, v.LastError
	}
	return v, nil
}

// await returns once the latest view satisfies cond.
func (p *participant) await(cond func(mediation.LocalView) bool) (mediation.LocalView, error) {
	if cond(p.last) {
		return p.last, nil
	}
	return p.next(func(env wsEnvelope) bool { return cond(env.View) })
}

func (p *participant) next(match func(wsEnvelope) bool) (mediation.LocalView, error) {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-p.msgs:
			p.last = env.View
			if match(env) {
				return env.View, nil
			}
		case err := <-p.errs:
			return p.last, fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return p.last, fmt.Errorf("timeout after %s (step %s)", p.timeout, p.last.Step)
		}
	}
}

func createPair(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(createPairRequest{UserA: cfg.userA, UserB: cfg.userB})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/pairs", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createPairResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", fmt.Errorf("missing id in response")
	}
	return out.ID, nil
}

func wsURLForPair(baseURL, pairID, userID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/pairs/" + pairID + "/consultant/ws"
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func summarize(samples []time.Duration) string {
	if len(samples) == 0 {
		return "n=0"
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return fmt.Sprintf("n=%d min=%s p50=%s p95=%s max=%s",
		len(sorted),
		sorted[0],
		percentile(sorted, 0.50),
		percentile(sorted, 0.95),
		sorted[len(sorted)-1],
	)
}

// percentile expects sorted input and uses nearest-rank.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted))+0.999999) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
