// internal/dustkid/event.go
package dustkid

import (
	"encoding/json"
	"fmt"
)

// Event is one completed run as pushed on the dustkid event stream. The lobby
// engine only consumes a handful of fields; the rest are carried so a record
// round-trips losslessly through parse and archive.
type Event struct {
	RID             string          `json:"rid"`
	User            int             `json:"user"`
	Level           string          `json:"level"`
	Time            int             `json:"time"`
	Character       int             `json:"character"`
	ScoreCompletion int             `json:"score_completion"`
	ScoreFinesse    int             `json:"score_finesse"`
	Apples          int             `json:"apples"`
	Timestamp       int64           `json:"timestamp"`
	ReplayID        int64           `json:"replay_id"`
	Validated       int             `json:"validated"`
	Dustkid         int             `json:"dustkid"`
	InputJumps      int             `json:"input_jumps"`
	InputDashes     int             `json:"input_dashes"`
	InputLights     int             `json:"input_lights"`
	InputHeavies    int             `json:"input_heavies"`
	InputSuper      int             `json:"input_super"`
	InputDirections int             `json:"input_directions"`
	Tag             json.RawMessage `json:"tag,omitempty"`
	NumPlayers      int             `json:"numplayers"`
	RankAllScore    int             `json:"rank_all_score"`
	RankAllTime     int             `json:"rank_all_time"`
	RankCharScore   int             `json:"rank_char_score"`
	RankCharTime    int             `json:"rank_char_time"`
	Username        string          `json:"username"`
	Levelname       string          `json:"levelname"`
	PB              bool            `json:"pb"`

	// Raw holds the record exactly as it arrived on the stream.
	Raw []byte `json:"-"`
}

// LevelStats summarizes a level's leaderboard. FastestSS is in milliseconds
// and only meaningful when SSCount > 0.
type LevelStats struct {
	SSCount   int
	FastestSS int
}

// ParseEvent decodes a stream record. Records missing the fields the lobby
// engine depends on are rejected.
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	if ev.User == 0 || ev.Level == "" || ev.Timestamp == 0 {
		return nil, fmt.Errorf("event record missing required fields")
	}
	ev.Raw = append([]byte(nil), data...)
	return &ev, nil
}
