// internal/messages/messages.go
//
// Package messages defines the JSON wire protocol spoken between clients, the
// websocket gateway, the admin HTTP surface and the broker. Every message is a
// JSON object with a "type" discriminator.
package messages

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	TypeCreateLobby  = "create_lobby"
	TypeCreatedLobby = "created_lobby"
	TypeStartRound   = "start_round"
	TypeJoin         = "join"
	TypeLeave        = "leave"
	TypeLogin        = "login"
	TypeLogout       = "logout"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
	TypeState        = "state"
)

// Lobby kinds accepted on CreateLobby. Elimination is the default.
const (
	KindElimination = "elimination"
	KindRotating    = "rotating"
)

// Round scoring modes.
const (
	ModeAny = "any"
	ModeSS  = "ss"
)

// CreateLobby asks the broker to allocate a new lobby.
type CreateLobby struct {
	Type string `json:"type"`
	Kind string `json:"kind,omitempty"`
}

// CreatedLobby is the broker's reply to CreateLobby. The password is shown
// exactly once; only its hash is retained server side.
type CreatedLobby struct {
	Type     string `json:"type"`
	LobbyID  int    `json:"lobby_id"`
	Password string `json:"password"`
}

// StartRound is the admin command that kicks a lobby out of idle. The
// *_seconds fields override the lobby defaults when positive.
type StartRound struct {
	Type          string `json:"type"`
	LobbyID       int    `json:"lobby_id"`
	Password      string `json:"password"`
	LevelID       int    `json:"level_id"`
	Mode          string `json:"mode"`
	WarmupSeconds int    `json:"warmup_seconds,omitempty"`
	BreakSeconds  int    `json:"break_seconds,omitempty"`
	RoundSeconds  int    `json:"round_seconds,omitempty"`
}

// Join attaches the sending identity to a lobby.
type Join struct {
	Type    string `json:"type"`
	LobbyID int    `json:"lobby_id"`
}

// Leave detaches the sending identity from its lobby.
type Leave struct {
	Type string `json:"type"`
}

// Login declares the player's dustforce user id for the sending identity.
type Login struct {
	Type   string `json:"type"`
	UserID int    `json:"user_id"`
}

// Logout clears the player's declared user id.
type Logout struct {
	Type string `json:"type"`
}

// Ping is answered with Pong by the gateway; it never reaches the broker.
type Ping struct {
	Type string `json:"type"`
}

// Pong answers Ping.
type Pong struct {
	Type string `json:"type"`
}

// Error is the broker's only error reply, currently sent when the lobby
// table is at capacity.
type Error struct {
	Type string `json:"type"`
}

// Level describes the current level to clients.
type Level struct {
	Name    string  `json:"name"`
	Play    string  `json:"play"`
	Image   string  `json:"image"`
	Atlas   *string `json:"atlas"`
	Dustkid string  `json:"dustkid"`
}

// Timer is a client-facing deadline pair in RFC 3339.
type Timer struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// NewTimer formats a deadline pair for the wire.
func NewTimer(start, end time.Time) *Timer {
	return &Timer{
		Start: start.UTC().Format(time.RFC3339),
		End:   end.UTC().Format(time.RFC3339),
	}
}

// Score is one row of the snapshot scoreboard.
type Score struct {
	UserID     int    `json:"user_id"`
	UserName   string `json:"user_name"`
	Completion int    `json:"completion"`
	Finesse    int    `json:"finesse"`
	Time       int    `json:"time"`
}

// State is the full lobby snapshot broadcast to every attached client after
// each state-changing transition or accepted score.
type State struct {
	Type        string         `json:"type"`
	LobbyID     int            `json:"lobby_id"`
	Level       *Level         `json:"level"`
	WarmupTimer *Timer         `json:"warmup_timer"`
	BreakTimer  *Timer         `json:"break_timer"`
	RoundTimer  *Timer         `json:"round_timer"`
	Winner      *string        `json:"winner"`
	Users       map[int]string `json:"users"`
	Scores      []Score        `json:"scores"`
}

// Dump serializes a message for the wire. All message types in this package
// marshal without error.
func Dump(msg interface{}) []byte {
	data, _ := json.Marshal(msg)
	return data
}

// Load parses a wire frame into its concrete message struct. Unknown or
// malformed frames return an error; callers log and drop them.
func Load(data []byte) (interface{}, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("invalid message frame: %w", err)
	}

	var msg interface{}
	switch envelope.Type {
	case TypeCreateLobby:
		msg = &CreateLobby{}
	case TypeCreatedLobby:
		msg = &CreatedLobby{}
	case TypeStartRound:
		msg = &StartRound{}
	case TypeJoin:
		msg = &Join{}
	case TypeLeave:
		msg = &Leave{}
	case TypeLogin:
		msg = &Login{}
	case TypeLogout:
		msg = &Logout{}
	case TypePing:
		msg = &Ping{}
	case TypePong:
		msg = &Pong{}
	case TypeError:
		msg = &Error{}
	case TypeState:
		msg = &State{}
	default:
		return nil, fmt.Errorf("unknown message type %q", envelope.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", envelope.Type, err)
	}
	return msg, nil
}
