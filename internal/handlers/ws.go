// internal/handlers/ws.go
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"dustkid-arena/internal/broker"
	"dustkid-arena/internal/messages"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

// LobbyWSHandler upgrades a client to a websocket and bridges it to the
// broker: every connection gets its own identity, joins the lobby named in
// the query string, and leaves when the socket drops. Ping frames are
// answered here; everything else is forwarded raw.
func LobbyWSHandler(logger *logrus.Logger, b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lobbyID, err := strconv.Atoi(r.URL.Query().Get("lobby"))
		if err != nil {
			http.Error(w, "missing or invalid lobby parameter", http.StatusBadRequest)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			logger.Warnf("websocket accept failed: %v", err)
			return
		}

		conn := b.Connect()
		log := logger.WithFields(logrus.Fields{"conn": conn.ID, "lobby": lobbyID})
		log.Info("websocket client connected")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		conn.Send(messages.Dump(&messages.Join{Type: messages.TypeJoin, LobbyID: lobbyID}))

		go writePump(ctx, c, conn, log)
		readPump(ctx, c, conn, log)

		conn.Send(messages.Dump(&messages.Leave{Type: messages.TypeLeave}))
		conn.Close()
		c.Close(websocket.StatusNormalClosure, "bye")
		log.Info("websocket client disconnected")
	}
}

// writePump drains the broker's outbound channel into the socket and keeps
// the connection alive with protocol-level pings.
func writePump(ctx context.Context, c *websocket.Conn, conn *broker.ClientConn, log *logrus.Entry) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-conn.Out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				log.Debugf("websocket write failed: %v", err)
				return
			}
		case <-ticker.C:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.Ping(wctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// readPump forwards inbound frames to the broker until the socket closes.
// Malformed frames are logged and dropped; they never close the connection.
func readPump(ctx context.Context, c *websocket.Conn, conn *broker.ClientConn, log *logrus.Entry) {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			log.Warn("dropping non-text frame")
			continue
		}
		msg, err := messages.Load(data)
		if err != nil {
			log.Warnf("dropping frame: %v", err)
			continue
		}
		// Application pings terminate here; the broker never sees them.
		if _, isPing := msg.(*messages.Ping); isPing {
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.Write(wctx, websocket.MessageText, messages.Dump(&messages.Pong{Type: messages.TypePong}))
			cancel()
			if err != nil {
				return
			}
			continue
		}
		conn.Send(data)
	}
}
