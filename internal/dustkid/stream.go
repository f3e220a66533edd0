// internal/dustkid/stream.go
package dustkid

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	mb "github.com/vardius/message-bus"

	"dustkid-arena/internal/config"
)

// Topic is the bus topic ingested events are published on. Subscribers
// receive a *Event per record.
const Topic = "dustkid.events"

// recordSeparator frames records on the stream; an empty record is a
// heartbeat.
const recordSeparator = 0x1e

const defaultBackoff = 1 * time.Second

// Ingester pulls the dustkid record-split feed over a never-ending HTTP GET
// and fans parsed events out on the message bus. It is the bus's sole
// publisher on Topic.
type Ingester struct {
	URL string
	Bus mb.MessageBus
	Log *logrus.Logger

	// HTTP must carry no client timeout; the stream read is indefinite.
	HTTP *http.Client

	// sleep is swapped out by tests to observe backoff scheduling.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewIngester builds an Ingester publishing on bus.
func NewIngester(bus mb.MessageBus, logger *logrus.Logger) *Ingester {
	return &Ingester{
		URL:   config.GetEnv("DUSTKID_EVENTS_URL", DefaultEventsURL),
		Bus:   bus,
		Log:   logger,
		HTTP:  &http.Client{},
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run streams events until ctx is cancelled. Transport failures are retried
// with exponential backoff starting at one second; the backoff resets once a
// connection publishes at least one event.
func (in *Ingester) Run(ctx context.Context) error {
	backoff := defaultBackoff
	for {
		published, err := in.streamOnce(ctx)
		if ctx.Err() != nil {
			in.Log.Info("dustkid ingester shutting down")
			return nil
		}
		if published {
			backoff = defaultBackoff
		}
		in.Log.Warnf("dustkid event stream closed, trying again in %s: %v", backoff, err)
		if err := in.sleep(ctx, backoff); err != nil {
			in.Log.Info("dustkid ingester shutting down")
			return nil
		}
		backoff *= 2
	}
}

// streamOnce opens one connection to the feed and consumes it until it drops.
func (in *Ingester) streamOnce(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
	if err != nil {
		return false, err
	}
	resp, err := in.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return in.consume(ctx, resp.Body)
}

// consume splits the chunked body on the record separator and publishes every
// complete record. The stream never sends a terminating separator, so the
// buffered tail is discarded when the connection closes.
func (in *Ingester) consume(ctx context.Context, r io.Reader) (published bool, err error) {
	buf := make([]byte, 32*1024)
	var pending []byte
	for {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			records := bytes.Split(pending, []byte{recordSeparator})
			pending = append([]byte(nil), records[len(records)-1]...)
			for _, record := range records[:len(records)-1] {
				if len(record) == 0 {
					in.Log.Debug("dustkid heartbeat")
					continue
				}
				ev, err := ParseEvent(record)
				if err != nil {
					in.Log.Warnf("could not parse event: %.200s: %v", record, err)
					continue
				}
				in.Bus.Publish(Topic, ev)
				published = true
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return published, errors.New("stream ended")
			}
			return published, readErr
		}
	}
}
