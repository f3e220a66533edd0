// internal/game/score.go
package game

import "dustkid-arena/internal/dustkid"

// User is a logged-in player.
type User struct {
	ID   int
	Name string
}

// Score is one user's best qualifying run in the current round. Scores are
// ordered by (completion+finesse, -time, -timestamp); higher is better.
type Score struct {
	Completion int
	Finesse    int
	Time       int
	Timestamp  int64
}

// ScoreFromEvent extracts the scoring fields of a stream event.
func ScoreFromEvent(ev *dustkid.Event) Score {
	return Score{
		Completion: ev.ScoreCompletion,
		Finesse:    ev.ScoreFinesse,
		Time:       ev.Time,
		Timestamp:  ev.Timestamp,
	}
}

// Compare returns -1, 0 or 1 as s ranks below, equal to or above other.
func (s Score) Compare(other Score) int {
	if d := (s.Completion + s.Finesse) - (other.Completion + other.Finesse); d != 0 {
		return sign(d)
	}
	if d := other.Time - s.Time; d != 0 {
		return sign(d)
	}
	return sign64(other.Timestamp - s.Timestamp)
}

// Better reports whether s strictly outranks other. A stored score is only
// ever replaced by a strictly better one.
func (s Score) Better(other Score) bool {
	return s.Compare(other) > 0
}

func sign(d int) int {
	switch {
	case d < 0:
		return -1
	case d > 0:
		return 1
	}
	return 0
}

func sign64(d int64) int {
	switch {
	case d < 0:
		return -1
	case d > 0:
		return 1
	}
	return 0
}
