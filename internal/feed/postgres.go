package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ent0n29/consultant/internal/mediation"
	"github.com/ent0n29/consultant/internal/reliability"
	"github.com/ent0n29/consultant/internal/store"
)

// Loader reads the committed row for an announced session id.
type Loader interface {
	Get(ctx context.Context, id string) (mediation.Session, error)
}

// Publisher receives loaded snapshots.
type Publisher interface {
	Publish(s mediation.Session)
}

// PostgresListener turns LISTEN/NOTIFY announcements into broker deliveries.
type PostgresListener struct {
	DatabaseURL string
	Channel     string
	Loader      Loader
	Publisher   Publisher
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// OnReconnect runs after every re-established LISTEN; announcements sent
	// while disconnected are lost, so callers resync here.
	OnReconnect func()
}

// Run listens until ctx is done, reconnecting with capped exponential backoff.
func (l *PostgresListener) Run(ctx context.Context) error {
	if l.Loader == nil || l.Publisher == nil {
		return errors.New("postgres listener needs a loader and a publisher")
	}
	base, capDur := l.BackoffBase, l.BackoffCap
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if capDur < base {
		capDur = 10 * time.Second
	}

	attempt := 0
	connectedBefore := false
	for {
		err := l.listen(ctx, func() {
			attempt = 0
			if connectedBefore && l.OnReconnect != nil {
				l.OnReconnect()
			}
			connectedBefore = true
		})
		if ctx.Err() != nil {
			return nil
		}
		wait := reliability.ExponentialBackoff(attempt, base, capDur)
		attempt++
		log.Printf("feed: listener disconnected: %v (retrying in %s)", err, wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (l *PostgresListener) channel() string {
	if l.Channel == "" {
		return store.NotifyChannel
	}
	return l.Channel
}

func (l *PostgresListener) listen(ctx context.Context, onConnected func()) error {
	conn, err := pgx.Connect(ctx, l.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel()}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	onConnected()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.deliver(ctx, n.Payload)
	}
}

func (l *PostgresListener) deliver(ctx context.Context, id string) {
	s, err := l.Loader.Get(ctx, id)
	if err != nil {
		log.Printf("feed: load announced session %s: %v", id, err)
		return
	}
	l.Publisher.Publish(s)
}
