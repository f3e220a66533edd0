// cmd/historian/main.go
//
// The historian drains archived dustkid events from Redis and persists them
// to Postgres in batches. It runs as a sidecar next to the game server.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"dustkid-arena/internal/archive"
	"dustkid-arena/internal/config"
	"dustkid-arena/internal/database"
	"dustkid-arena/internal/dustkid"
)

const schema = `
CREATE TABLE IF NOT EXISTS dustkid_events (
	id          BIGSERIAL PRIMARY KEY,
	rid         TEXT NOT NULL,
	user_id     INTEGER NOT NULL,
	level       TEXT NOT NULL,
	time_ms     INTEGER NOT NULL,
	completion  INTEGER NOT NULL,
	finesse     INTEGER NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	raw         JSONB NOT NULL
);`

func main() {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(config.GetEnv("LOG_LEVEL", "info")); err == nil {
		logger.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx)
	if err != nil {
		logger.Fatalf("could not connect to postgres: %v", err)
	}
	defer pool.Close()
	if _, err := pool.Exec(ctx, schema); err != nil {
		logger.Fatalf("could not ensure schema: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.GetEnv("REDIS_ADDR", "localhost:6379"),
		Password: config.GetEnv("REDIS_PASSWORD", ""),
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatalf("could not connect to redis: %v", err)
	}

	batchSize := config.GetEnvInt("HISTORIAN_BATCH_SIZE", 20)
	flushEvery := time.Duration(config.GetEnvInt("HISTORIAN_FLUSH_MS", 500)) * time.Millisecond
	logger.Infof("historian draining %q (batch %d, flush %s)", archive.Queue, batchSize, flushEvery)

	var pending []*dustkid.Event
	lastFlush := time.Now()
	for {
		if ctx.Err() != nil {
			flush(context.Background(), logger, pool, pending)
			logger.Info("historian stopped")
			return
		}

		res, err := rdb.BLPop(ctx, flushEvery, archive.Queue).Result()
		if err == nil && len(res) == 2 {
			ev, perr := dustkid.ParseEvent([]byte(res[1]))
			if perr != nil {
				logger.Warnf("discarding unreadable archived record: %v", perr)
			} else {
				pending = append(pending, ev)
			}
		} else if err != nil && err != redis.Nil && ctx.Err() == nil {
			logger.Warnf("redis pop failed: %v", err)
			time.Sleep(time.Second)
		}

		if len(pending) >= batchSize || (len(pending) > 0 && time.Since(lastFlush) >= flushEvery) {
			flush(ctx, logger, pool, pending)
			pending = nil
			lastFlush = time.Now()
		}
	}
}

// flush writes a batch of events in one round trip.
func flush(ctx context.Context, logger *logrus.Logger, pool *pgxpool.Pool, events []*dustkid.Event) {
	if len(events) == 0 {
		return
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(
			`INSERT INTO dustkid_events (rid, user_id, level, time_ms, completion, finesse, recorded_at, raw)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			ev.RID, ev.User, ev.Level, ev.Time, ev.ScoreCompletion, ev.ScoreFinesse,
			time.Unix(ev.Timestamp, 0).UTC(), ev.Raw,
		)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		logger.Errorf("could not persist %d events: %v", len(events), err)
		return
	}
	logger.Debugf("persisted %d events", len(events))
}
