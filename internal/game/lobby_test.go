// internal/game/lobby_test.go
package game

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dustkid-arena/internal/auth"
	"dustkid-arena/internal/dustkid"
	"dustkid-arena/internal/messages"
)

func testDeps() Deps {
	resolve := func(ctx context.Context, id int) (string, error) {
		return "test-level-500", nil
	}
	stats := func(ctx context.Context, filename string) (dustkid.LevelStats, error) {
		return dustkid.LevelStats{SSCount: 10, FastestSS: 30_000}, nil
	}
	return Deps{
		Resolve:    resolve,
		Picker:     NewLevelPicker(resolve, stats, quietLogger()),
		MaxLevelID: func() int { return 10_000 },
	}
}

func testDurations() Durations {
	return Durations{
		Warmup:        100 * time.Millisecond,
		Break:         30 * time.Millisecond,
		Round:         80 * time.Millisecond,
		Padding:       10 * time.Millisecond,
		GameOverHold:  30 * time.Millisecond,
		EmptyTimeout:  time.Minute,
		RotatingRound: 80 * time.Millisecond,
		RotatingBreak: 30 * time.Millisecond,
	}
}

// newTestLobby builds a lobby for synchronous white-box tests; its handlers
// are invoked directly instead of through the runner.
func newTestLobby(t *testing.T, kind Kind) *Lobby {
	t.Helper()
	hash, err := auth.CreateHash("pw")
	require.NoError(t, err)
	l := newLobbyForTest(kind, hash)
	return l
}

func newLobbyForTest(kind Kind, hash string) *Lobby {
	l := NewLobby(1, kind, hash, testDeps(), testDurations(), quietLogger(), nil)
	l.ctx = context.Background()
	return l
}

func addUser(l *Lobby, clientID uuid.UUID, userID int, name string) {
	l.handleJoin(joinMsg{id: clientID, out: make(chan []byte, 64)})
	l.handleLogin(loginMsg{id: clientID, user: User{ID: userID, Name: name}})
}

// startTestRound puts the lobby straight into a live round with a concrete
// scoring window.
func startTestRound(l *Lobby, level string, mode string, start, end time.Time) {
	l.level = &Level{Filename: level}
	l.mode = mode
	l.phase = phaseRound
	l.allowJoining = false
	l.roundStart, l.roundEnd = start, end
}

func event(user int, level string, completion, finesse, timeMS int, ts int64) *dustkid.Event {
	return &dustkid.Event{
		User:            user,
		Level:           level,
		Time:            timeMS,
		ScoreCompletion: completion,
		ScoreFinesse:    finesse,
		Timestamp:       ts,
	}
}

func TestScoringWindow(t *testing.T) {
	l := newTestLobby(t, KindElimination)
	addUser(l, uuid.New(), 10, "alice")

	start := time.Unix(1_700_000_000, 0)
	end := time.Unix(1_700_000_060, 0)
	startTestRound(l, "test-level-500", messages.ModeAny, start, end)

	cases := []struct {
		name     string
		ev       *dustkid.Event
		accepted bool
	}{
		{"before window", event(10, "test-level-500", 5, 5, 40_000, 1_699_999_999), false},
		{"at window open", event(10, "test-level-500", 5, 5, 40_000, 1_700_000_000), true},
		{"at window close", event(10, "test-level-500", 5, 5, 39_000, 1_700_000_060), true},
		{"after window", event(10, "test-level-500", 5, 5, 38_000, 1_700_000_061), false},
		{"wrong level", event(10, "other-level-7", 5, 5, 30_000, 1_700_000_030), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := l.scores[10]
			l.handleEvent(tc.ev)
			after := l.scores[10]
			if tc.accepted {
				require.NotNil(t, after)
				assert.Equal(t, tc.ev.Time, after.Time)
			} else {
				assert.Equal(t, before, after)
			}
		})
	}
}

func TestScoreOnlyImproves(t *testing.T) {
	l := newTestLobby(t, KindElimination)
	addUser(l, uuid.New(), 10, "alice")
	startTestRound(l, "lvl-1", messages.ModeAny, time.Unix(1000, 0), time.Unix(2000, 0))

	l.handleEvent(event(10, "lvl-1", 4, 4, 50_000, 1100))
	require.Equal(t, 50_000, l.scores[10].Time)

	// Worse run is ignored.
	l.handleEvent(event(10, "lvl-1", 4, 4, 55_000, 1200))
	assert.Equal(t, 50_000, l.scores[10].Time)

	// Higher combined score replaces even with a slower time.
	l.handleEvent(event(10, "lvl-1", 5, 5, 60_000, 1300))
	assert.Equal(t, 60_000, l.scores[10].Time)
	assert.Equal(t, 5, l.scores[10].Completion)
}

func TestSSModeFiltersPartialRuns(t *testing.T) {
	l := newTestLobby(t, KindElimination)
	addUser(l, uuid.New(), 10, "alice")
	startTestRound(l, "lvl-1", messages.ModeSS, time.Unix(1000, 0), time.Unix(2000, 0))

	l.handleEvent(event(10, "lvl-1", 5, 4, 30_000, 1100))
	assert.Nil(t, l.scores[10])

	l.handleEvent(event(10, "lvl-1", 5, 5, 30_000, 1200))
	require.NotNil(t, l.scores[10])
}

func TestEventsFromStrangersIgnored(t *testing.T) {
	l := newTestLobby(t, KindElimination)
	addUser(l, uuid.New(), 10, "alice")
	startTestRound(l, "lvl-1", messages.ModeAny, time.Unix(1000, 0), time.Unix(2000, 0))

	l.handleEvent(event(99, "lvl-1", 5, 5, 30_000, 1100))
	assert.Empty(t, l.scores)
}

func TestEventsFromEliminatedIgnored(t *testing.T) {
	l := newTestLobby(t, KindElimination)
	addUser(l, uuid.New(), 10, "alice")
	l.eliminated[10] = true
	startTestRound(l, "lvl-1", messages.ModeAny, time.Unix(1000, 0), time.Unix(2000, 0))

	l.handleEvent(event(10, "lvl-1", 5, 5, 30_000, 1100))
	assert.Empty(t, l.scores)
}

func TestEliminationNoScorersOut(t *testing.T) {
	l := newTestLobby(t, KindElimination)
	addUser(l, uuid.New(), 10, "alice")
	addUser(l, uuid.New(), 20, "bob")
	addUser(l, uuid.New(), 30, "carol")
	startTestRound(l, "lvl-1", messages.ModeAny, time.Unix(1000, 0), time.Unix(2000, 0))

	l.handleEvent(event(10, "lvl-1", 5, 5, 30_000, 1100))
	l.evaluateRound()

	assert.False(t, l.eliminated[10])
	assert.True(t, l.eliminated[20])
	assert.True(t, l.eliminated[30])
	assert.Equal(t, phaseGameOver, l.phase)
	assert.Equal(t, "alice", l.winner)
}

func TestEliminationLastScorerOut(t *testing.T) {
	l := newTestLobby(t, KindElimination)
	addUser(l, uuid.New(), 10, "alice")
	addUser(l, uuid.New(), 20, "bob")
	addUser(l, uuid.New(), 30, "carol")
	startTestRound(l, "lvl-1", messages.ModeAny, time.Unix(1000, 0), time.Unix(2000, 0))

	// Everyone scores; carol's PB arrived last.
	l.handleEvent(event(10, "lvl-1", 5, 5, 30_000, 1100))
	l.handleEvent(event(20, "lvl-1", 5, 5, 31_000, 1200))
	l.handleEvent(event(30, "lvl-1", 5, 5, 32_000, 1300))
	l.evaluateRound()

	assert.False(t, l.eliminated[10])
	assert.False(t, l.eliminated[20])
	assert.True(t, l.eliminated[30])
	assert.Equal(t, phaseBreak, l.phase)
	assert.Empty(t, l.scores, "scores reset between rounds")
}

func TestEliminationLastScorerTieBreaksOnArrival(t *testing.T) {
	l := newTestLobby(t, KindElimination)
	addUser(l, uuid.New(), 10, "alice")
	addUser(l, uuid.New(), 20, "bob")
	addUser(l, uuid.New(), 30, "carol")
	startTestRound(l, "lvl-1", messages.ModeAny, time.Unix(1000, 0), time.Unix(2000, 0))

	// Identical timestamps; bob's event was observed last.
	l.handleEvent(event(10, "lvl-1", 5, 5, 30_000, 1100))
	l.handleEvent(event(30, "lvl-1", 5, 5, 32_000, 1100))
	l.handleEvent(event(20, "lvl-1", 5, 5, 31_000, 1100))
	l.evaluateRound()

	assert.True(t, l.eliminated[20])
	assert.False(t, l.eliminated[10])
	assert.False(t, l.eliminated[30])
}

func TestEliminationNeverWipesField(t *testing.T) {
	l := newTestLobby(t, KindElimination)
	addUser(l, uuid.New(), 10, "alice")
	addUser(l, uuid.New(), 20, "bob")
	startTestRound(l, "lvl-1", messages.ModeAny, time.Unix(1000, 0), time.Unix(2000, 0))

	// Nobody scored; the round reruns instead of eliminating everyone.
	l.evaluateRound()

	assert.False(t, l.eliminated[10])
	assert.False(t, l.eliminated[20])
	assert.Equal(t, phaseBreak, l.phase)
}

func TestDisconnectMidGameKeepsPlayer(t *testing.T) {
	l := newTestLobby(t, KindElimination)
	id := uuid.New()
	addUser(l, id, 10, "alice")
	startTestRound(l, "lvl-1", messages.ModeAny, time.Unix(1000, 0), time.Unix(2000, 0))

	l.handleLeave(leaveMsg{id: id})
	assert.Contains(t, l.users, 10, "mid-game disconnect keeps the player")
}

func TestEliminationAbandonedGame(t *testing.T) {
	l := newTestLobby(t, KindElimination)
	id := uuid.New()
	addUser(l, id, 10, "alice")
	startTestRound(l, "lvl-1", messages.ModeAny, time.Unix(1000, 0), time.Unix(2000, 0))

	l.handleLogout(logoutMsg{id: id})
	require.Empty(t, l.users)
	l.evaluateRound()

	assert.Equal(t, phaseGameOver, l.phase)
	assert.Empty(t, l.winner)
}

func TestDisconnectOutsideGameRemovesUser(t *testing.T) {
	l := newTestLobby(t, KindElimination)
	id := uuid.New()
	addUser(l, id, 10, "alice")
	require.Equal(t, phaseIdle, l.phase)

	l.handleLeave(leaveMsg{id: id})
	assert.NotContains(t, l.users, 10)
}

func TestLogoutClearsAllUserRecords(t *testing.T) {
	l := newTestLobby(t, KindElimination)
	id := uuid.New()
	addUser(l, id, 10, "alice")
	startTestRound(l, "lvl-1", messages.ModeAny, time.Unix(1000, 0), time.Unix(2000, 0))
	l.handleEvent(event(10, "lvl-1", 5, 5, 30_000, 1100))
	l.eliminated[10] = true

	l.handleLogout(logoutMsg{id: id})

	assert.NotContains(t, l.users, 10)
	assert.NotContains(t, l.scores, 10)
	assert.NotContains(t, l.eliminated, 10)
}

func TestLoginRejectedAfterWarmup(t *testing.T) {
	l := newTestLobby(t, KindElimination)
	id := uuid.New()
	l.handleJoin(joinMsg{id: id, out: make(chan []byte, 64)})
	l.allowJoining = false

	l.handleLogin(loginMsg{id: id, user: User{ID: 10, Name: "alice"}})
	assert.NotContains(t, l.users, 10)
}

func TestStartRoundBadPassword(t *testing.T) {
	l := newTestLobby(t, KindElimination)
	l.level = &Level{Filename: "lvl-42"}

	l.handleStartRound(startRoundMsg{password: "wrong", levelID: 42, mode: messages.ModeAny})
	assert.Equal(t, phaseIdle, l.phase)
}

func TestStartRoundWithCachedLevel(t *testing.T) {
	l := newTestLobby(t, KindElimination)
	l.level = &Level{Filename: "lvl-42"}

	l.handleStartRound(startRoundMsg{password: "pw", levelID: 42, mode: messages.ModeSS})
	assert.Equal(t, phaseWarmup, l.phase)
	assert.Equal(t, messages.ModeSS, l.mode)
	assert.True(t, l.allowJoining)
	assert.False(t, l.warmupEnd.IsZero())
}

func TestStartRoundRejectedMidGame(t *testing.T) {
	l := newTestLobby(t, KindElimination)
	l.level = &Level{Filename: "lvl-42"}
	l.handleStartRound(startRoundMsg{password: "pw", levelID: 42, mode: messages.ModeAny})
	require.Equal(t, phaseWarmup, l.phase)
	warmupEnd := l.warmupEnd

	l.handleStartRound(startRoundMsg{password: "pw", levelID: 42, mode: messages.ModeSS})
	assert.Equal(t, phaseWarmup, l.phase)
	assert.Equal(t, warmupEnd, l.warmupEnd, "running game untouched")
}

func TestSnapshotScoreboard(t *testing.T) {
	l := newTestLobby(t, KindElimination)
	addUser(l, uuid.New(), 10, "alice")
	addUser(l, uuid.New(), 20, "bob")
	addUser(l, uuid.New(), 30, "carol")
	addUser(l, uuid.New(), 40, "dave")
	l.eliminated[40] = true
	startTestRound(l, "lvl-1", messages.ModeAny, time.Unix(1000, 0), time.Unix(2000, 0))

	l.handleEvent(event(20, "lvl-1", 5, 5, 31_000, 1100))
	l.handleEvent(event(10, "lvl-1", 5, 5, 30_000, 1200))

	st := l.buildState()

	// Scored players lead, ordered by when they first scored; then the
	// scoreless; eliminated players are absent entirely.
	require.Len(t, st.Scores, 3)
	assert.Equal(t, 20, st.Scores[0].UserID)
	assert.Equal(t, 10, st.Scores[1].UserID)
	assert.Equal(t, 30, st.Scores[2].UserID)
	assert.Zero(t, st.Scores[2].Completion)
	assert.Len(t, st.Users, 4, "eliminated players still listed as users")
}

func TestSnapshotLevelURLs(t *testing.T) {
	l := newTestLobby(t, KindElimination)
	l.level = &Level{Filename: "Tower-of-Heaven-3412"}

	st := l.buildState()
	require.NotNil(t, st.Level)
	assert.Equal(t, "Tower of Heaven", st.Level.Name)
	require.NotNil(t, st.Level.Atlas)
	assert.Equal(t, "https://atlas.dustforce.com/3412/Tower-of-Heaven", *st.Level.Atlas)
}

func TestRotatingWinnerSurvivesIntoBreak(t *testing.T) {
	l := newTestLobby(t, KindRotating)
	addUser(l, uuid.New(), 10, "alice")
	addUser(l, uuid.New(), 20, "bob")
	startTestRound(l, "lvl-1", messages.ModeAny, time.Unix(1000, 0), time.Unix(2000, 0))

	l.handleEvent(event(10, "lvl-1", 5, 5, 30_000, 1100))
	l.handleEvent(event(20, "lvl-1", 5, 4, 29_000, 1200))

	l.beginRotatingBreak(time.Minute)
	assert.Equal(t, "alice", l.winner)
	assert.Len(t, l.scores, 2, "scores stay visible during the break")
	assert.Equal(t, phaseBreak, l.phase)
}

func waitForState(t *testing.T, out <-chan []byte, timeout time.Duration, match func(*messages.State) bool) *messages.State {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case data := <-out:
			var st messages.State
			require.NoError(t, json.Unmarshal(data, &st))
			if match(&st) {
				return &st
			}
		case <-deadline:
			t.Fatal("timed out waiting for lobby state")
			return nil
		}
	}
}

func TestLobbyFullGame(t *testing.T) {
	hash, err := auth.CreateHash("pw")
	require.NoError(t, err)
	l := NewLobby(1, KindElimination, hash, testDeps(), testDurations(), quietLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	aliceConn, bobConn := uuid.New(), uuid.New()
	aliceOut := make(chan []byte, 64)
	bobOut := make(chan []byte, 64)
	l.Join(aliceConn, aliceOut)
	l.Join(bobConn, bobOut)
	l.Login(aliceConn, User{ID: 10, Name: "alice"})
	l.Login(bobConn, User{ID: 20, Name: "bob"})

	l.StartRound(&messages.StartRound{Password: "pw", LevelID: 500, Mode: messages.ModeAny})

	waitForState(t, aliceOut, time.Second, func(st *messages.State) bool {
		return st.WarmupTimer != nil && len(st.Users) == 2
	})
	roundState := waitForState(t, aliceOut, time.Second, func(st *messages.State) bool {
		return st.WarmupTimer == nil && st.BreakTimer == nil && st.RoundTimer != nil
	})

	// Score for alice inside the announced window; bob stays silent.
	roundStart, err := time.Parse(time.RFC3339, roundState.RoundTimer.Start)
	require.NoError(t, err)
	l.OnEvent(event(10, "test-level-500", 5, 5, 30_000, roundStart.Unix()))

	waitForState(t, aliceOut, time.Second, func(st *messages.State) bool {
		return len(st.Scores) > 0 && st.Scores[0].UserID == 10 && st.Scores[0].Time == 30_000
	})
	final := waitForState(t, aliceOut, 2*time.Second, func(st *messages.State) bool {
		return st.Winner != nil
	})
	assert.Equal(t, "alice", *final.Winner)

	// After the hold the lobby goes idle and is joinable again.
	waitForState(t, aliceOut, time.Second, func(st *messages.State) bool {
		return st.Winner == nil && st.RoundTimer == nil && st.BreakTimer == nil && st.WarmupTimer == nil
	})
}

func TestLobbyEmptyTimeout(t *testing.T) {
	d := testDurations()
	d.EmptyTimeout = 30 * time.Millisecond
	closed := make(chan int, 1)
	l := NewLobby(7, KindElimination, "", testDeps(), d, quietLogger(), func(id int) {
		closed <- id
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	select {
	case id := <-closed:
		assert.Equal(t, 7, id)
	case <-time.After(time.Second):
		t.Fatal("empty lobby never closed")
	}
}

func TestLobbyJoinCancelsEmptyTimeout(t *testing.T) {
	d := testDurations()
	d.EmptyTimeout = 50 * time.Millisecond
	closed := make(chan int, 1)
	l := NewLobby(7, KindElimination, "", testDeps(), d, quietLogger(), func(id int) {
		closed <- id
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	l.Join(uuid.New(), make(chan []byte, 64))

	select {
	case <-closed:
		t.Fatal("occupied lobby closed")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRotatingLobbyRotates(t *testing.T) {
	l := NewLobby(1, KindRotating, "", testDeps(), testDurations(), quietLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	conn := uuid.New()
	out := make(chan []byte, 64)
	l.Join(conn, out)
	l.Login(conn, User{ID: 10, Name: "alice"})

	// A round starts by itself once the initial break elapses.
	waitForState(t, out, time.Second, func(st *messages.State) bool {
		return st.RoundTimer != nil && st.Level != nil
	})
	// And after the round, the next break.
	waitForState(t, out, time.Second, func(st *messages.State) bool {
		return st.RoundTimer == nil && st.BreakTimer != nil
	})
}
