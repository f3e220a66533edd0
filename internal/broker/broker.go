// internal/broker/broker.go
//
// Package broker owns the lobby table and routes client frames to lobbies by
// connection identity. It is the sole subscriber of the dustkid event topic
// and fans each event out to every lobby.
package broker

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	mb "github.com/vardius/message-bus"

	"dustkid-arena/internal/auth"
	"dustkid-arena/internal/dustkid"
	"dustkid-arena/internal/game"
	"dustkid-arena/internal/messages"
)

// frame is an inbound client message tagged with its connection identity.
type frame struct {
	id   uuid.UUID
	data []byte
}

// client is the broker's view of one connected identity.
type client struct {
	conn  *ClientConn
	lobby *game.Lobby
}

// Broker routes frames between gateway connections and lobbies. All routing
// state is owned by the Run goroutine; the conns registry is the only shared
// map, guarded by mu, so gateways can attach before Run has seen them.
type Broker struct {
	log       *logrus.Logger
	bus       mb.MessageBus
	users     game.NameFetcher
	deps      game.Deps
	durations game.Durations

	inbox chan interface{}
	done  chan struct{}

	mu    sync.Mutex
	conns map[uuid.UUID]*ClientConn

	// Run-goroutine-owned.
	clients    map[uuid.UUID]*client
	lobbies    map[int]*game.Lobby
	nextLobby  int
	maxLevelID atomic.Int64

	ctx context.Context
}

// New builds a Broker. users resolves login ids to display names; deps is
// handed to every lobby.
func New(bus mb.MessageBus, users game.NameFetcher, deps game.Deps, durations game.Durations, logger *logrus.Logger) *Broker {
	b := &Broker{
		log:       logger,
		bus:       bus,
		users:     users,
		deps:      deps,
		durations: durations,
		inbox:     make(chan interface{}, 256),
		done:      make(chan struct{}),
		conns:     make(map[uuid.UUID]*ClientConn),
		clients:   make(map[uuid.UUID]*client),
		lobbies:   make(map[int]*game.Lobby),
	}
	b.maxLevelID.Store(10_000)
	if b.deps.MaxLevelID == nil {
		b.deps.MaxLevelID = func() int { return int(b.maxLevelID.Load()) }
	}
	return b
}

// Connect allocates a fresh identity for a gateway connection.
func (b *Broker) Connect() *ClientConn {
	c := &ClientConn{
		ID:  uuid.New(),
		Out: make(chan []byte, outBufferSize),
		b:   b,
	}
	b.mu.Lock()
	b.conns[c.ID] = c
	b.mu.Unlock()
	return c
}

func (b *Broker) conn(id uuid.UUID) *ClientConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[id]
}

// Run processes frames and stream events until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	b.ctx = ctx
	defer close(b.done)

	b.bus.Subscribe(dustkid.Topic, func(ev *dustkid.Event) {
		select {
		case b.inbox <- ev:
		case <-ctx.Done():
		}
	})

	for {
		select {
		case <-ctx.Done():
			b.log.Info("broker shutting down")
			return nil
		case m := <-b.inbox:
			switch v := m.(type) {
			case frame:
				b.handleFrame(v)
			case *dustkid.Event:
				b.handleEvent(v)
			case lobbyClosed:
				delete(b.lobbies, v.id)
				b.log.Infof("lobby %d removed", v.id)
			}
		}
	}
}

func (b *Broker) handleFrame(f frame) {
	msg, err := messages.Load(f.data)
	if err != nil {
		b.log.Warnf("dropping frame from %s: %v", f.id, err)
		return
	}

	switch m := msg.(type) {
	case *messages.CreateLobby:
		b.handleCreateLobby(f.id, m)
	case *messages.StartRound:
		b.handleStartRound(m)
	case *messages.Join:
		b.handleJoin(f.id, m)
	case *messages.Leave:
		b.handleLeave(f.id)
	case *messages.Login:
		b.handleLogin(f.id, m)
	case *messages.Logout:
		b.handleLogout(f.id)
	default:
		b.log.Warnf("dropping unexpected %T from %s", msg, f.id)
	}
}

func (b *Broker) handleCreateLobby(id uuid.UUID, m *messages.CreateLobby) {
	conn := b.conn(id)
	if conn == nil {
		b.log.Warnf("create_lobby from unknown identity %s", id)
		return
	}
	if len(b.lobbies) >= game.MaxLobbyCount {
		b.log.Warn("rejecting create_lobby: lobby table full")
		conn.write(messages.Dump(&messages.Error{Type: messages.TypeError}))
		return
	}

	secret, hash, err := auth.NewLobbySecret()
	if err != nil {
		b.log.Errorf("could not generate lobby secret: %v", err)
		conn.write(messages.Dump(&messages.Error{Type: messages.TypeError}))
		return
	}

	kind := game.KindElimination
	if m.Kind == messages.KindRotating {
		kind = game.KindRotating
	}

	lobbyID := b.nextLobby
	b.nextLobby++
	lobby := game.NewLobby(lobbyID, kind, hash, b.deps, b.durations, b.log, func(closed int) {
		b.dropLobby(closed)
	})
	b.lobbies[lobbyID] = lobby
	go lobby.Run(b.ctx)

	b.log.Infof("created lobby %d for %s", lobbyID, id)
	conn.write(messages.Dump(&messages.CreatedLobby{
		Type:     messages.TypeCreatedLobby,
		LobbyID:  lobbyID,
		Password: secret,
	}))
}

// lobbyClosed is posted by a lobby's runner when its empty timeout fires.
type lobbyClosed struct {
	id int
}

// dropLobby removes a closed lobby from the table. Called from the lobby's
// runner, so it goes through the inbox to keep the table run-goroutine-owned.
func (b *Broker) dropLobby(id int) {
	select {
	case b.inbox <- lobbyClosed{id: id}:
	case <-b.done:
	}
}

func (b *Broker) handleStartRound(m *messages.StartRound) {
	lobby, ok := b.lobbies[m.LobbyID]
	if !ok {
		b.log.Warnf("start_round for unknown lobby %d", m.LobbyID)
		return
	}
	lobby.StartRound(m)
}

func (b *Broker) handleJoin(id uuid.UUID, m *messages.Join) {
	if _, joined := b.clients[id]; joined {
		b.log.Warnf("identity %s already joined a lobby", id)
		return
	}
	conn := b.conn(id)
	if conn == nil {
		b.log.Warnf("join from unknown identity %s", id)
		return
	}
	lobby, ok := b.lobbies[m.LobbyID]
	if !ok {
		b.log.Warnf("join for unknown lobby %d from %s", m.LobbyID, id)
		return
	}
	b.clients[id] = &client{conn: conn, lobby: lobby}
	lobby.Join(id, conn.Out)
}

func (b *Broker) handleLeave(id uuid.UUID) {
	cl, ok := b.clients[id]
	if !ok {
		return
	}
	delete(b.clients, id)
	cl.lobby.Leave(id)
}

func (b *Broker) handleLogin(id uuid.UUID, m *messages.Login) {
	cl, ok := b.clients[id]
	if !ok {
		b.log.Warnf("login from %s before joining a lobby", id)
		return
	}
	lobby := cl.lobby
	userID := m.UserID
	// Name resolution hits an upstream API; keep the routing loop free.
	go func() {
		name, err := b.users(b.ctx, userID)
		if err != nil {
			b.log.Warnf("could not resolve user %d: %v", userID, err)
			return
		}
		if name == "" {
			b.log.Warnf("ignoring login with unknown user id %d", userID)
			return
		}
		lobby.Login(id, game.User{ID: userID, Name: name})
	}()
}

func (b *Broker) handleLogout(id uuid.UUID) {
	cl, ok := b.clients[id]
	if !ok {
		return
	}
	cl.lobby.Logout(id)
}

// handleEvent tracks the running max level id and fans the event out to every
// lobby in id order.
func (b *Broker) handleEvent(ev *dustkid.Event) {
	if id, ok := (game.Level{Filename: ev.Level}).ID(); ok {
		for {
			cur := b.maxLevelID.Load()
			if int64(id) <= cur || b.maxLevelID.CompareAndSwap(cur, int64(id)) {
				break
			}
		}
	}

	ids := make([]int, 0, len(b.lobbies))
	for id := range b.lobbies {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		b.lobbies[id].OnEvent(ev)
	}
}
