package pairing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory persists pairs in PostgreSQL.
type PostgresDirectory struct {
	pool  *pgxpool.Pool
	owned bool
}

func NewPostgresDirectory(ctx context.Context, databaseURL string) (*PostgresDirectory, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	d, err := NewPostgresDirectoryWithPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	d.owned = true
	return d, nil
}

// NewPostgresDirectoryWithPool shares an existing pool; Close leaves it open.
func NewPostgresDirectoryWithPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresDirectory, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pairs (
			id TEXT PRIMARY KEY,
			user_a TEXT NOT NULL,
			user_b TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pairs_user_a ON pairs (user_a);`,
		`CREATE INDEX IF NOT EXISTS idx_pairs_user_b ON pairs (user_b);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return &PostgresDirectory{pool: pool}, nil
}

func (d *PostgresDirectory) CreatePair(ctx context.Context, userA, userB string) (Pair, error) {
	userA, userB, err := validateMembers(userA, userB)
	if err != nil {
		return Pair{}, err
	}
	p := Pair{ID: uuid.NewString(), UserA: userA, UserB: userB, CreatedAt: time.Now().UTC()}
	_, err = d.pool.Exec(ctx,
		`INSERT INTO pairs (id, user_a, user_b, created_at) VALUES ($1, $2, $3, $4)`,
		p.ID, p.UserA, p.UserB, p.CreatedAt,
	)
	if err != nil {
		return Pair{}, fmt.Errorf("create pair: %w", err)
	}
	return p, nil
}

func (d *PostgresDirectory) GetPair(ctx context.Context, id string) (Pair, error) {
	var p Pair
	err := d.pool.QueryRow(ctx,
		`SELECT id, user_a, user_b, created_at FROM pairs WHERE id=$1`,
		strings.TrimSpace(id),
	).Scan(&p.ID, &p.UserA, &p.UserB, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Pair{}, ErrPairNotFound
	}
	if err != nil {
		return Pair{}, fmt.Errorf("get pair: %w", err)
	}
	return p, nil
}

func (d *PostgresDirectory) Close() error {
	if d.owned {
		d.pool.Close()
	}
	return nil
}
