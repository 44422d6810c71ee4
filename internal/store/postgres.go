package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/consultant/internal/mediation"
)

const sessionColumns = `id, pair_id, initiator_id, responder_id, status, topic,
	initiator_input, responder_input, initiator_submitted, responder_submitted,
	verdict_text, conversation, version, created_at, updated_at`

// PostgresStore persists sessions in PostgreSQL and announces every commit
// on NotifyChannel inside the writing transaction.
type PostgresStore struct {
	pool  *pgxpool.Pool
	owned bool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewPostgresStoreWithPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewPostgresStoreWithPool shares an existing pool; Close leaves it open.
func NewPostgresStoreWithPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if err := initSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS consultant_sessions (
			id TEXT PRIMARY KEY,
			pair_id TEXT NOT NULL,
			initiator_id TEXT NOT NULL,
			responder_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			topic TEXT NOT NULL DEFAULT '',
			initiator_input TEXT NOT NULL DEFAULT '',
			responder_input TEXT NOT NULL DEFAULT '',
			initiator_submitted BOOLEAN NOT NULL DEFAULT FALSE,
			responder_submitted BOOLEAN NOT NULL DEFAULT FALSE,
			verdict_text TEXT NOT NULL DEFAULT '',
			conversation JSONB NOT NULL DEFAULT '[]'::jsonb,
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_consultant_sessions_active
			ON consultant_sessions (pair_id) WHERE status <> 'completed';`,
		`CREATE INDEX IF NOT EXISTS idx_consultant_sessions_pair_created
			ON consultant_sessions (pair_id, created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init session schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, in mediation.Session) (mediation.Session, error) {
	in, err := validateCreate(in.Clone())
	if err != nil {
		return mediation.Session{}, err
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	conv, err := json.Marshal(in.Conversation)
	if err != nil {
		return mediation.Session{}, fmt.Errorf("encode conversation: %w", err)
	}
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mediation.Session{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`INSERT INTO consultant_sessions (
			id, pair_id, initiator_id, responder_id, status, topic,
			initiator_input, responder_input, initiator_submitted, responder_submitted,
			verdict_text, conversation, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12::jsonb,1,$13,$13)
		RETURNING `+sessionColumns,
		in.ID,
		in.PairID,
		in.InitiatorID,
		in.ResponderID,
		string(in.Status),
		in.Topic,
		in.InitiatorInput,
		in.ResponderInput,
		in.InitiatorSubmitted,
		in.ResponderSubmitted,
		in.VerdictText,
		string(conv),
		now,
	)
	out, err := scanSession(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return mediation.Session{}, ErrActiveExists
		}
		return mediation.Session{}, fmt.Errorf("insert session: %w", err)
	}
	if err := notify(ctx, tx, out.ID); err != nil {
		return mediation.Session{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return mediation.Session{}, fmt.Errorf("commit tx: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Patch(ctx context.Context, id string, p mediation.Patch) (mediation.Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mediation.Session{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := scanSession(tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM consultant_sessions WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mediation.Session{}, ErrNotFound
		}
		return mediation.Session{}, fmt.Errorf("lock session: %w", err)
	}
	if p.Empty() && len(p.ExpectStatus) == 0 {
		return cur, nil
	}
	if replayed(cur, p) {
		return cur, nil
	}
	if err := checkPatch(cur, p); err != nil {
		return mediation.Session{}, err
	}
	if p.Empty() {
		return cur, nil
	}

	query, args, err := buildUpdate(id, p, time.Now().UTC())
	if err != nil {
		return mediation.Session{}, err
	}
	out, err := scanSession(tx.QueryRow(ctx, query, args...))
	if err != nil {
		return mediation.Session{}, fmt.Errorf("update session: %w", err)
	}
	if err := notify(ctx, tx, out.ID); err != nil {
		return mediation.Session{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return mediation.Session{}, fmt.Errorf("commit tx: %w", err)
	}
	return out, nil
}

// buildUpdate renders the field-level UPDATE for p. Untouched columns are
// never written.
func buildUpdate(id string, p mediation.Patch, now time.Time) (string, []any, error) {
	args := []any{id}
	var sets []string
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, column+"=$"+strconv.Itoa(len(args)))
	}

	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.ResponderID != nil {
		add("responder_id", *p.ResponderID)
	}
	if p.Topic != nil {
		add("topic", *p.Topic)
	}
	if p.InitiatorInput != nil {
		add("initiator_input", *p.InitiatorInput)
	}
	if p.ResponderInput != nil {
		add("responder_input", *p.ResponderInput)
	}
	if p.InitiatorSubmitted != nil {
		add("initiator_submitted", *p.InitiatorSubmitted)
	}
	if p.ResponderSubmitted != nil {
		add("responder_submitted", *p.ResponderSubmitted)
	}
	if p.VerdictText != nil {
		add("verdict_text", *p.VerdictText)
	}

	if p.SetConversation != nil || len(p.AppendConversation) > 0 {
		expr := "conversation"
		if p.SetConversation != nil {
			raw, err := json.Marshal(p.SetConversation)
			if err != nil {
				return "", nil, fmt.Errorf("encode conversation: %w", err)
			}
			args = append(args, string(raw))
			expr = "$" + strconv.Itoa(len(args)) + "::jsonb"
		}
		if len(p.AppendConversation) > 0 {
			raw, err := json.Marshal(p.AppendConversation)
			if err != nil {
				return "", nil, fmt.Errorf("encode conversation: %w", err)
			}
			args = append(args, string(raw))
			expr += " || $" + strconv.Itoa(len(args)) + "::jsonb"
		}
		sets = append(sets, "conversation="+expr)
	}

	args = append(args, now)
	sets = append(sets,
		"version=version+1",
		"updated_at=GREATEST($"+strconv.Itoa(len(args))+", updated_at + interval '1 microsecond')",
	)

	query := `UPDATE consultant_sessions SET ` + strings.Join(sets, ", ") +
		` WHERE id=$1 RETURNING ` + sessionColumns
	return query, args, nil
}

func notify(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, id); err != nil {
		return fmt.Errorf("notify session change: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (mediation.Session, error) {
	out, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM consultant_sessions WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mediation.Session{}, ErrNotFound
		}
		return mediation.Session{}, fmt.Errorf("get session: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) FindActive(ctx context.Context, pairID string) (*mediation.Session, error) {
	out, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM consultant_sessions
		  WHERE pair_id=$1 AND status <> 'completed'
		  ORDER BY created_at DESC LIMIT 1`, pairID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find active session: %w", err)
	}
	return &out, nil
}

func (s *PostgresStore) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}

func scanSession(row pgx.Row) (mediation.Session, error) {
	var (
		out    mediation.Session
		status string
		conv   []byte
	)
	err := row.Scan(
		&out.ID,
		&out.PairID,
		&out.InitiatorID,
		&out.ResponderID,
		&status,
		&out.Topic,
		&out.InitiatorInput,
		&out.ResponderInput,
		&out.InitiatorSubmitted,
		&out.ResponderSubmitted,
		&out.VerdictText,
		&conv,
		&out.Version,
		&out.CreatedAt,
		&out.UpdatedAt,
	)
	if err != nil {
		return mediation.Session{}, err
	}
	out.Status = mediation.Status(status)
	out.Conversation = []mediation.Entry{}
	if len(conv) > 0 {
		if err := json.Unmarshal(conv, &out.Conversation); err != nil {
			return mediation.Session{}, fmt.Errorf("decode conversation: %w", err)
		}
	}
	out.CreatedAt = out.CreatedAt.UTC()
	out.UpdatedAt = out.UpdatedAt.UTC()
	return out, nil
}
