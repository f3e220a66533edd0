// internal/archive/recorder.go
//
// Package archive pushes raw stream records onto a Redis queue so the
// historian can persist them out of band. The game server never reads them
// back; losing the queue costs history, not gameplay.
package archive

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	mb "github.com/vardius/message-bus"

	"dustkid-arena/internal/config"
	"dustkid-arena/internal/dustkid"
)

// Queue is the Redis list the recorder feeds and the historian drains.
const Queue = "dustkid_events"

const pushTimeout = 2 * time.Second

// Recorder mirrors ingested events into Redis.
type Recorder struct {
	rdb *redis.Client
	log *logrus.Logger
}

// NewRecorder connects to Redis at REDIS_ADDR and verifies the connection.
func NewRecorder(ctx context.Context, logger *logrus.Logger) (*Recorder, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.GetEnv("REDIS_ADDR", "localhost:6379"),
		Password: config.GetEnv("REDIS_PASSWORD", ""),
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}
	return &Recorder{rdb: rdb, log: logger}, nil
}

// Attach subscribes the recorder to the event topic. Push failures are logged
// and dropped.
func (r *Recorder) Attach(ctx context.Context, bus mb.MessageBus) {
	bus.Subscribe(dustkid.Topic, func(ev *dustkid.Event) {
		pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
		defer cancel()
		if err := r.rdb.LPush(pushCtx, Queue, ev.Raw).Err(); err != nil {
			r.log.Warnf("could not archive event %s: %v", ev.RID, err)
		}
	})
}

// Close releases the Redis connection.
func (r *Recorder) Close() error {
	return r.rdb.Close()
}
