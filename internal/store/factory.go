package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewStore creates a postgres-backed store when a pool is configured,
// otherwise in-memory.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (Store, error) {
	if pool == nil {
		return NewMemoryStore(), nil
	}
	return NewPostgresStoreWithPool(ctx, pool)
}
