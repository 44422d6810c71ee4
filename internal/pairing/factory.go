package pairing

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewDirectory returns a postgres-backed directory when a pool is supplied,
// otherwise an in-memory one.
func NewDirectory(ctx context.Context, pool *pgxpool.Pool) (Directory, error) {
	if pool == nil {
		return NewMemoryDirectory(), nil
	}
	return NewPostgresDirectoryWithPool(ctx, pool)
}
