// internal/database/postgres.go
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dustkid-arena/internal/config"
)

// Connect opens a pgx pool against the Postgres instance described by the
// environment and verifies it with a ping.
func Connect(ctx context.Context) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		config.GetEnv("POSTGRES_USER", "postgres"),
		config.GetEnv("POSTGRES_PASSWORD", "postgres"),
		config.GetEnv("PG_HOST", "localhost"),
		config.GetEnv("PG_PORT", "5432"),
		config.GetEnv("PG_DATABASE", "dustkid_arena"),
	)
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("could not create connection pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not reach postgres: %w", err)
	}
	return pool, nil
}
