// internal/handlers/admin.go
package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"dustkid-arena/internal/broker"
	"dustkid-arena/internal/messages"
)

// replyTimeout bounds how long an admin request waits on the broker.
const replyTimeout = 5 * time.Second

// CreateLobbyHandler handles the admin lobby-creation form. On success the
// admin is redirected to the lobby page with the one-time password in the
// query string.
func CreateLobbyHandler(logger *logrus.Logger, b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		conn := b.Connect()
		defer conn.Close()

		conn.Send(messages.Dump(&messages.CreateLobby{
			Type: messages.TypeCreateLobby,
			Kind: r.FormValue("kind"),
		}))

		select {
		case data := <-conn.Out:
			msg, err := messages.Load(data)
			if err != nil {
				logger.Errorf("unreadable create_lobby reply: %v", err)
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			created, ok := msg.(*messages.CreatedLobby)
			if !ok {
				http.Error(w, "could not create lobby", http.StatusInternalServerError)
				return
			}
			// Relative redirect; http.Redirect would resolve it against the
			// request path and lose the "../" the lobby pages rely on.
			w.Header().Set("Location", fmt.Sprintf("../lobby/%d?admin=%s", created.LobbyID, created.Password))
			w.WriteHeader(http.StatusFound)
		case <-time.After(replyTimeout):
			logger.Error("timed out waiting for create_lobby reply")
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}

// StartRoundHandler handles the admin start-round form. Validation failures
// are 400s with a short plain-text reason; an accepted command returns 200
// immediately, before the lobby has acted on it.
func StartRoundHandler(logger *logrus.Logger, b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		lobbyID, err := strconv.Atoi(r.FormValue("lobby_id"))
		if err != nil {
			http.Error(w, "invalid lobby_id", http.StatusBadRequest)
			return
		}
		password := r.FormValue("password")
		if password == "" {
			http.Error(w, "missing password", http.StatusBadRequest)
			return
		}
		levelID, err := strconv.Atoi(r.FormValue("level_id"))
		if err != nil {
			http.Error(w, "invalid level_id", http.StatusBadRequest)
			return
		}
		mode := r.FormValue("mode")
		if mode != messages.ModeAny && mode != messages.ModeSS {
			http.Error(w, "invalid mode", http.StatusBadRequest)
			return
		}

		msg := &messages.StartRound{
			Type:     messages.TypeStartRound,
			LobbyID:  lobbyID,
			Password: password,
			LevelID:  levelID,
			Mode:     mode,
		}
		for name, dst := range map[string]*int{
			"warmup_seconds": &msg.WarmupSeconds,
			"break_seconds":  &msg.BreakSeconds,
			"round_seconds":  &msg.RoundSeconds,
		} {
			raw := r.FormValue(name)
			if raw == "" {
				continue
			}
			v, err := strconv.Atoi(raw)
			if err != nil || v < 0 {
				http.Error(w, "invalid "+name, http.StatusBadRequest)
				return
			}
			*dst = v
		}

		conn := b.Connect()
		defer conn.Close()
		conn.Send(messages.Dump(msg))
		logger.Infof("start_round submitted for lobby %d", lobbyID)
		w.WriteHeader(http.StatusOK)
	}
}
