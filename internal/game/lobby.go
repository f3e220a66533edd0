// internal/game/lobby.go
package game

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dustkid-arena/internal/auth"
	"dustkid-arena/internal/dustkid"
	"dustkid-arena/internal/messages"
)

// Kind selects the lobby's tournament behavior.
type Kind int

const (
	// KindElimination runs admin-started games: warmup, then rounds that
	// eliminate the weakest players until one remains.
	KindElimination Kind = iota
	// KindRotating runs the legacy endless rotation: random levels, fixed
	// round and break lengths, no eliminations.
	KindRotating
)

// MaxLobbyCount bounds the number of live lobbies.
const MaxLobbyCount = 100

// Durations groups the tunable phase lengths of a lobby.
type Durations struct {
	Warmup        time.Duration
	Break         time.Duration
	Round         time.Duration
	Padding       time.Duration // grace after round end before scores are tallied
	GameOverHold  time.Duration
	EmptyTimeout  time.Duration
	RotatingRound time.Duration
	RotatingBreak time.Duration
}

// DefaultDurations returns the stock phase lengths.
func DefaultDurations() Durations {
	return Durations{
		Warmup:        4 * time.Minute,
		Break:         15 * time.Second,
		Round:         1 * time.Minute,
		Padding:       2 * time.Second,
		GameOverHold:  10 * time.Second,
		EmptyTimeout:  5 * time.Minute,
		RotatingRound: 10 * time.Minute,
		RotatingBreak: 30 * time.Second,
	}
}

// Deps are the external capabilities a lobby calls out to. All calls happen
// on spawned goroutines so the lobby runner is never blocked on upstream HTTP.
type Deps struct {
	Resolve    LevelResolver
	Picker     *LevelPicker
	MaxLevelID func() int // running max of level ids seen on the stream
}

type phase int

const (
	phaseIdle phase = iota
	phaseWarmup
	phaseBreak
	phaseRound
	phaseGameOver
)

// heldScore pairs a score with its arrival sequence so timestamp ties break
// toward the most recently observed event.
type heldScore struct {
	Score
	seq int
}

// Inbox message variants.
type (
	joinMsg struct {
		id  uuid.UUID
		out chan<- []byte
	}
	leaveMsg struct {
		id uuid.UUID
	}
	loginMsg struct {
		id   uuid.UUID
		user User
	}
	logoutMsg struct {
		id uuid.UUID
	}
	startRoundMsg struct {
		password string
		levelID  int
		mode     string
		warmup   time.Duration
		breakDur time.Duration
		roundDur time.Duration
	}
	levelResolvedMsg struct {
		level    Level
		mode     string
		warmup   time.Duration
		breakDur time.Duration
		roundDur time.Duration
	}
	rotLevelMsg struct {
		level *Level
	}
	eventMsg struct {
		ev *dustkid.Event
	}
)

// Lobby is a group of clients running (or about to run) a tournament on a
// shared level. All state is owned by the lobby's runner goroutine; other
// components talk to it exclusively through the inbox.
type Lobby struct {
	ID           int
	Kind         Kind
	PasswordHash string

	inbox chan interface{}
	done  chan struct{}

	log       *logrus.Entry
	deps      Deps
	durations Durations
	onClose   func(id int)

	ctx context.Context

	// Runner-owned state below.
	clients    map[uuid.UUID]chan<- []byte
	clientUser map[uuid.UUID]int
	users      map[int]User
	eliminated map[int]bool
	scores     map[int]*heldScore
	scoreSeq   int

	level        *Level
	mode         string
	winner       string
	phase        phase
	allowJoining bool

	warmupDur time.Duration
	breakDur  time.Duration
	roundDur  time.Duration

	warmupStart, warmupEnd time.Time
	breakStart, breakEnd   time.Time
	roundStart, roundEnd   time.Time

	phaseTimer *time.Timer
	closeTimer *time.Timer

	// Rotation bookkeeping.
	rotBreakOver bool
	rotPickDone  bool
	rotLevel     *Level
}

// NewLobby builds a lobby. onClose is invoked from the lobby's runner when
// the empty-lobby timeout fires, just before the runner exits.
func NewLobby(id int, kind Kind, passwordHash string, deps Deps, d Durations, logger *logrus.Logger, onClose func(id int)) *Lobby {
	return &Lobby{
		ID:           id,
		Kind:         kind,
		PasswordHash: passwordHash,
		inbox:        make(chan interface{}, 64),
		done:         make(chan struct{}),
		log:          logger.WithField("lobby", id),
		deps:         deps,
		durations:    d,
		onClose:      onClose,
		clients:      make(map[uuid.UUID]chan<- []byte),
		clientUser:   make(map[uuid.UUID]int),
		users:        make(map[int]User),
		eliminated:   make(map[int]bool),
		scores:       make(map[int]*heldScore),
		phase:        phaseIdle,
		allowJoining: true,
		warmupDur:    d.Warmup,
		breakDur:     d.Break,
		roundDur:     d.Round,
	}
}

// Join attaches a client identity with its outbound channel.
func (l *Lobby) Join(id uuid.UUID, out chan<- []byte) { l.post(joinMsg{id: id, out: out}) }

// Leave detaches a client identity.
func (l *Lobby) Leave(id uuid.UUID) { l.post(leaveMsg{id: id}) }

// Login binds a resolved user to a client identity.
func (l *Lobby) Login(id uuid.UUID, user User) { l.post(loginMsg{id: id, user: user}) }

// Logout clears a client identity's user.
func (l *Lobby) Logout(id uuid.UUID) { l.post(logoutMsg{id: id}) }

// StartRound delivers an admin start command.
func (l *Lobby) StartRound(m *messages.StartRound) {
	l.post(startRoundMsg{
		password: m.Password,
		levelID:  m.LevelID,
		mode:     m.Mode,
		warmup:   time.Duration(m.WarmupSeconds) * time.Second,
		breakDur: time.Duration(m.BreakSeconds) * time.Second,
		roundDur: time.Duration(m.RoundSeconds) * time.Second,
	})
}

// OnEvent delivers an ingested stream event.
func (l *Lobby) OnEvent(ev *dustkid.Event) { l.post(eventMsg{ev: ev}) }

func (l *Lobby) post(m interface{}) {
	select {
	case l.inbox <- m:
	case <-l.done:
	}
}

// Run drives the lobby until the empty-lobby timeout fires or ctx is
// cancelled.
func (l *Lobby) Run(ctx context.Context) {
	defer close(l.done)
	l.ctx = ctx
	l.log.Info("lobby created")

	l.checkEmpty()
	if l.Kind == KindRotating {
		l.beginRotatingBreak(0)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-l.inbox:
			l.handle(m)
		case <-timerC(l.phaseTimer):
			l.phaseTimer = nil
			l.onPhaseTimer()
		case <-timerC(l.closeTimer):
			l.log.Info("empty lobby timeout reached, closing")
			if l.onClose != nil {
				l.onClose(l.ID)
			}
			return
		}
	}
}

// timerC exposes a timer's channel, or a never-ready channel when unset.
func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (l *Lobby) schedulePhase(d time.Duration) {
	if l.phaseTimer != nil {
		l.phaseTimer.Stop()
	}
	l.phaseTimer = time.NewTimer(d)
}

func (l *Lobby) clearPhaseTimer() {
	if l.phaseTimer != nil {
		l.phaseTimer.Stop()
		l.phaseTimer = nil
	}
}

// checkEmpty arms the close timer when no clients remain.
func (l *Lobby) checkEmpty() {
	if len(l.clients) > 0 {
		return
	}
	if l.closeTimer != nil {
		l.closeTimer.Stop()
	}
	l.closeTimer = time.NewTimer(l.durations.EmptyTimeout)
}

func (l *Lobby) handle(m interface{}) {
	switch v := m.(type) {
	case joinMsg:
		l.handleJoin(v)
	case leaveMsg:
		l.handleLeave(v)
	case loginMsg:
		l.handleLogin(v)
	case logoutMsg:
		l.handleLogout(v)
	case startRoundMsg:
		l.handleStartRound(v)
	case levelResolvedMsg:
		l.handleLevelResolved(v)
	case rotLevelMsg:
		l.rotPickDone = true
		l.rotLevel = v.level
		l.maybeStartRotatingRound()
	case eventMsg:
		l.handleEvent(v.ev)
	default:
		l.log.Warnf("dropping unknown lobby message %T", m)
	}
}

func (l *Lobby) handleJoin(m joinMsg) {
	l.clients[m.id] = m.out
	if l.closeTimer != nil {
		l.closeTimer.Stop()
		l.closeTimer = nil
	}
	l.log.Infof("client %s joined", m.id)
	l.sendState()
}

func (l *Lobby) handleLeave(m leaveMsg) {
	delete(l.clients, m.id)
	if userID, ok := l.clientUser[m.id]; ok {
		delete(l.clientUser, m.id)
		// Mid-game participants survive a disconnect; they may reconnect
		// for the next game. Outside a game the user leaves with the client.
		if !l.gameInProgress() {
			l.removeUser(userID)
		}
	}
	l.log.Infof("client %s left", m.id)
	l.checkEmpty()
	l.sendState()
}

func (l *Lobby) handleLogin(m loginMsg) {
	if !l.allowJoining {
		l.log.Warnf("ignoring login from user %d, game in progress", m.user.ID)
		return
	}
	if _, attached := l.clients[m.id]; !attached {
		l.log.Warnf("ignoring login from detached client %s", m.id)
		return
	}
	l.users[m.user.ID] = m.user
	l.clientUser[m.id] = m.user.ID
	l.log.Infof("user %d (%s) logged in", m.user.ID, m.user.Name)
	l.sendState()
}

func (l *Lobby) handleLogout(m logoutMsg) {
	userID, ok := l.clientUser[m.id]
	if !ok {
		return
	}
	delete(l.clientUser, m.id)
	l.removeUser(userID)
	l.log.Infof("user %d logged out", userID)
	l.sendState()
}

// removeUser drops a user and every record keyed on them, unless another
// client is still logged in as the same user.
func (l *Lobby) removeUser(userID int) {
	for _, other := range l.clientUser {
		if other == userID {
			return
		}
	}
	delete(l.users, userID)
	delete(l.scores, userID)
	delete(l.eliminated, userID)
}

func (l *Lobby) handleStartRound(m startRoundMsg) {
	if l.Kind != KindElimination {
		l.log.Warn("rejecting start_round: not an elimination lobby")
		return
	}
	ok, err := auth.VerifySecret(m.password, l.PasswordHash)
	if err != nil || !ok {
		l.log.Warn("rejecting start_round: bad password")
		return
	}
	if l.gameInProgress() {
		l.log.Warn("rejecting start_round: game already in progress")
		return
	}
	if m.mode != messages.ModeAny && m.mode != messages.ModeSS {
		l.log.Warnf("rejecting start_round: invalid mode %q", m.mode)
		return
	}

	warmup, breakDur, roundDur := l.durations.Warmup, l.durations.Break, l.durations.Round
	if m.warmup > 0 {
		warmup = m.warmup
	}
	if m.breakDur > 0 {
		breakDur = m.breakDur
	}
	if m.roundDur > 0 {
		roundDur = m.roundDur
	}

	if l.level != nil {
		if id, hasID := l.level.ID(); hasID && id == m.levelID {
			l.installGame(*l.level, m.mode, warmup, breakDur, roundDur)
			return
		}
	}

	// Resolve off the runner so event handling is not stalled on the catalog.
	go func() {
		filename, err := l.deps.Resolve(l.ctx, m.levelID)
		if err != nil {
			l.log.Warnf("rejecting start_round: could not resolve level %d: %v", m.levelID, err)
			return
		}
		if filename == "" {
			l.log.Warnf("rejecting start_round: unknown level id %d", m.levelID)
			return
		}
		l.post(levelResolvedMsg{
			level:    Level{Filename: filename},
			mode:     m.mode,
			warmup:   m.warmup,
			breakDur: m.breakDur,
			roundDur: m.roundDur,
		})
	}()
}

func (l *Lobby) handleLevelResolved(m levelResolvedMsg) {
	if l.gameInProgress() {
		l.log.Warn("dropping resolved level: game already in progress")
		return
	}
	warmup, breakDur, roundDur := l.durations.Warmup, l.durations.Break, l.durations.Round
	if m.warmup > 0 {
		warmup = m.warmup
	}
	if m.breakDur > 0 {
		breakDur = m.breakDur
	}
	if m.roundDur > 0 {
		roundDur = m.roundDur
	}
	l.installGame(m.level, m.mode, warmup, breakDur, roundDur)
}

// installGame begins a new elimination game with the given level: players log
// in and practice during warmup, then the first break starts.
func (l *Lobby) installGame(level Level, mode string, warmup, breakDur, roundDur time.Duration) {
	l.level = &level
	l.mode = mode
	l.warmupDur = warmup
	l.breakDur = breakDur
	l.roundDur = roundDur

	l.eliminated = make(map[int]bool)
	l.scores = make(map[int]*heldScore)
	l.winner = ""
	l.allowJoining = true

	l.phase = phaseWarmup
	now := time.Now()
	l.warmupStart, l.warmupEnd = now, now.Add(warmup)
	l.breakStart, l.breakEnd = time.Time{}, time.Time{}
	l.roundStart, l.roundEnd = time.Time{}, time.Time{}
	l.schedulePhase(warmup)

	l.log.Infof("starting game on %s (mode %s)", level.Filename, mode)
	l.sendState()
}

func (l *Lobby) gameInProgress() bool {
	return l.Kind == KindElimination && l.phase != phaseIdle
}

func (l *Lobby) onPhaseTimer() {
	if l.Kind == KindRotating {
		switch l.phase {
		case phaseBreak:
			l.rotBreakOver = true
			l.maybeStartRotatingRound()
		case phaseRound:
			l.beginRotatingBreak(l.durations.RotatingBreak)
		}
		return
	}

	switch l.phase {
	case phaseWarmup:
		l.beginBreak()
	case phaseBreak:
		l.phase = phaseRound
		l.breakStart, l.breakEnd = time.Time{}, time.Time{}
		l.schedulePhase(time.Until(l.roundEnd) + l.durations.Padding)
		l.sendState()
	case phaseRound:
		l.evaluateRound()
	case phaseGameOver:
		l.resetToIdle()
	}
}

// beginBreak opens the next round's break. The round window is fixed now:
// the round starts the moment the break ends.
func (l *Lobby) beginBreak() {
	l.phase = phaseBreak
	l.allowJoining = false
	l.warmupStart, l.warmupEnd = time.Time{}, time.Time{}
	now := time.Now()
	l.breakStart, l.breakEnd = now, now.Add(l.breakDur)
	l.roundStart, l.roundEnd = l.breakEnd, l.breakEnd.Add(l.roundDur)
	l.schedulePhase(l.breakDur)
	l.sendState()
}

// evaluateRound applies the elimination rule at the end of a round.
func (l *Lobby) evaluateRound() {
	remaining := l.remainingIDs()
	if len(remaining) == 0 {
		l.log.Warn("round ended with no players remaining, abandoning game")
		l.endGame("")
		return
	}

	var out []int
	for _, id := range remaining {
		if _, scored := l.scores[id]; !scored {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		out = []int{l.lastScorer(remaining)}
	}
	if len(out) == len(remaining) {
		// Never eliminate the entire field in one round; rerun it instead.
		l.log.Info("no one scored, rerunning the round")
		out = nil
	}
	for _, id := range out {
		l.log.Infof("user %d eliminated", id)
		l.eliminated[id] = true
	}
	l.scores = make(map[int]*heldScore)

	remaining = l.remainingIDs()
	if len(remaining) == 1 {
		l.endGame(l.users[remaining[0]].Name)
		return
	}
	l.beginBreak()
}

// lastScorer returns the remaining user with the latest score timestamp,
// breaking ties toward the most recently observed event.
func (l *Lobby) lastScorer(remaining []int) int {
	last := remaining[0]
	for _, id := range remaining[1:] {
		a, b := l.scores[id], l.scores[last]
		if a.Timestamp > b.Timestamp || (a.Timestamp == b.Timestamp && a.seq > b.seq) {
			last = id
		}
	}
	return last
}

func (l *Lobby) endGame(winner string) {
	l.phase = phaseGameOver
	l.winner = winner
	l.breakStart, l.breakEnd = time.Time{}, time.Time{}
	l.roundStart, l.roundEnd = time.Time{}, time.Time{}
	if winner != "" {
		l.log.Infof("%s wins the game", winner)
	}
	l.schedulePhase(l.durations.GameOverHold)
	l.sendState()
}

func (l *Lobby) resetToIdle() {
	l.phase = phaseIdle
	l.winner = ""
	l.eliminated = make(map[int]bool)
	l.scores = make(map[int]*heldScore)
	l.allowJoining = true
	l.clearPhaseTimer()
	l.sendState()
}

// beginRotatingBreak announces the finished round's winner and draws the next
// level while clients rest. Scores stay visible until the new round starts.
func (l *Lobby) beginRotatingBreak(d time.Duration) {
	l.phase = phaseBreak
	l.winner = l.rotatingWinner()
	if l.winner != "" {
		l.log.Infof("%s wins the round", l.winner)
	}
	now := time.Now()
	l.breakStart, l.breakEnd = now, now.Add(d)
	l.roundStart, l.roundEnd = time.Time{}, time.Time{}
	l.rotBreakOver = false
	l.rotPickDone = false
	l.rotLevel = nil
	l.schedulePhase(d)
	l.sendState()

	go func() {
		level, err := l.deps.Picker.Pick(l.ctx, l.deps.MaxLevelID())
		if err != nil {
			l.log.Warnf("could not pick a level: %v", err)
			level = nil
		}
		l.post(rotLevelMsg{level: level})
	}()
}

// rotatingWinner names the best scorer among present users, "" when no one
// scored.
func (l *Lobby) rotatingWinner() string {
	best := -1
	for id := range l.scores {
		if _, present := l.users[id]; !present {
			continue
		}
		if best == -1 || l.scores[id].Better(l.scores[best].Score) {
			best = id
		}
	}
	if best == -1 {
		return ""
	}
	return l.users[best].Name
}

func (l *Lobby) maybeStartRotatingRound() {
	if !l.rotBreakOver || !l.rotPickDone {
		return
	}
	if l.rotLevel == nil {
		// Draw came up empty; rest another break and try again.
		l.beginRotatingBreak(l.durations.RotatingBreak)
		return
	}
	level := *l.rotLevel
	l.rotLevel = nil
	l.winner = ""
	l.scores = make(map[int]*heldScore)
	l.level = &level
	l.phase = phaseRound
	now := time.Now()
	l.breakStart, l.breakEnd = time.Time{}, time.Time{}
	l.roundStart, l.roundEnd = now, now.Add(l.durations.RotatingRound)
	l.schedulePhase(l.durations.RotatingRound + l.durations.Padding)
	l.log.Infof("starting round on %s", level.Filename)
	l.sendState()
}

// handleEvent credits a stream event to the current round if it qualifies.
func (l *Lobby) handleEvent(ev *dustkid.Event) {
	if l.level == nil || ev.Level != l.level.Filename {
		return
	}
	if l.roundEnd.IsZero() {
		return
	}
	// Scoring window is [roundEnd - roundDur, roundEnd], both ends inclusive.
	if ev.Timestamp < l.roundStart.Unix() || ev.Timestamp > l.roundEnd.Unix() {
		return
	}
	if l.Kind == KindElimination {
		if l.mode == messages.ModeSS && (ev.ScoreCompletion != 5 || ev.ScoreFinesse != 5) {
			return
		}
		if l.eliminated[ev.User] {
			return
		}
	}
	if _, present := l.users[ev.User]; !present {
		return
	}

	newScore := ScoreFromEvent(ev)
	old := l.scores[ev.User]
	if old != nil && !newScore.Better(old.Score) {
		return
	}
	l.scoreSeq++
	l.scores[ev.User] = &heldScore{Score: newScore, seq: l.scoreSeq}
	l.log.Infof("user %d PB'd: %d+%d in %dms", ev.User, newScore.Completion, newScore.Finesse, newScore.Time)
	l.sendState()
}

// remainingIDs lists the users still in the game, sorted for determinism.
func (l *Lobby) remainingIDs() []int {
	ids := make([]int, 0, len(l.users))
	for id := range l.users {
		if l.Kind == KindElimination && l.eliminated[id] {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// buildState assembles the snapshot broadcast to clients.
func (l *Lobby) buildState() *messages.State {
	st := &messages.State{
		Type:    messages.TypeState,
		LobbyID: l.ID,
		Users:   make(map[int]string, len(l.users)),
		Scores:  []messages.Score{},
	}
	for id, u := range l.users {
		st.Users[id] = u.Name
	}
	if l.level != nil {
		lv := &messages.Level{
			Name:    l.level.Name(),
			Play:    l.level.InstallPlay(),
			Image:   l.level.Image(),
			Dustkid: l.level.DustkidPage(),
		}
		if atlas := l.level.Atlas(); atlas != "" {
			lv.Atlas = &atlas
		}
		st.Level = lv
	}
	if !l.warmupEnd.IsZero() {
		st.WarmupTimer = messages.NewTimer(l.warmupStart, l.warmupEnd)
	}
	if !l.breakEnd.IsZero() {
		st.BreakTimer = messages.NewTimer(l.breakStart, l.breakEnd)
	}
	if !l.roundEnd.IsZero() {
		st.RoundTimer = messages.NewTimer(l.roundStart, l.roundEnd)
	}
	if l.winner != "" {
		winner := l.winner
		st.Winner = &winner
	}

	remaining := l.remainingIDs()
	var scored []int
	for _, id := range remaining {
		if _, ok := l.scores[id]; ok {
			scored = append(scored, id)
		}
	}
	sort.Slice(scored, func(i, j int) bool {
		a, b := l.scores[scored[i]], l.scores[scored[j]]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return a.seq < b.seq
	})
	for _, id := range scored {
		sc := l.scores[id]
		st.Scores = append(st.Scores, messages.Score{
			UserID:     id,
			UserName:   l.users[id].Name,
			Completion: sc.Completion,
			Finesse:    sc.Finesse,
			Time:       sc.Time,
		})
	}
	for _, id := range remaining {
		if _, ok := l.scores[id]; ok {
			continue
		}
		st.Scores = append(st.Scores, messages.Score{
			UserID:   id,
			UserName: l.users[id].Name,
		})
	}
	return st
}

// sendState broadcasts the current snapshot to every attached client. Writes
// never block; a client that cannot keep up loses frames, not the lobby.
func (l *Lobby) sendState() {
	data := messages.Dump(l.buildState())
	for id, out := range l.clients {
		select {
		case out <- data:
		default:
			l.log.Warnf("client %s send buffer full, dropping state", id)
		}
	}
}
