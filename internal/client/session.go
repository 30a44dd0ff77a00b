package client

import (
	"context"
	"fmt"
	"regexp"
	"sync/atomic"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Parley/internal/cache"
	"github.com/dkeye/Parley/internal/config"
	"github.com/dkeye/Parley/internal/domain"
	"github.com/dkeye/Parley/internal/protocol"
)

// Transport is the channel surface the session drives. Satisfied by
// *Channel; faked in tests.
type Transport interface {
	Connect()
	Send(protocol.Envelope) error
	SwitchTarget(url string)
	Close()
}

// Renderer receives display events. One method per event keeps the UI
// boundary explicit; implementations must not call back into the session.
type Renderer interface {
	RoomSwitched(room string)
	Message(env protocol.Envelope)
	Presence(users []string)
	RoomList(rooms []string)
	Notice(text string)
}

// SessionState is the single owned mutable state of the client: no ambient
// globals. It is touched only from the dispatch goroutine.
type SessionState struct {
	Username   string
	ActiveRoom string
	Rooms      []string
	Members    []string
	Window     []protocol.Envelope
}

// Session owns both connection channels and the active room id. It maps
// inbound and outbound events between the transport, the cache and the
// renderer, single-threaded over an event queue.
type Session struct {
	limits  config.Limits
	wsBase  string
	namePat *regexp.Regexp

	state  SessionState
	lobby  Transport
	room   Transport
	events chan Event
	cmds   chan func()
	cache  *cache.Manager
	render Renderer

	// read by the room channel's connect gate from its own goroutines
	uname atomic.Value
}

func NewSession(wsBase string, limits config.Limits, store *cache.Manager, render Renderer, username string) *Session {
	s := &Session{
		limits: limits,
		wsBase: wsBase,
		state:  SessionState{Username: username, ActiveRoom: string(domain.DefaultRoom)},
		events: make(chan Event, 64),
		cmds:   make(chan func(), 16),
		cache:  store,
		render: render,
	}
	s.uname.Store(username)
	pat, err := regexp.Compile(limits.NamePattern)
	if err != nil {
		pat = regexp.MustCompile(domain.NamePattern)
	}
	s.namePat = pat

	s.lobby = NewChannel(ScopeLobby, wsBase+"/ws/lobby", s.events, DefaultBackoff(), nil)
	s.room = NewChannel(ScopeRoom, s.roomURL(s.state.ActiveRoom), s.events, DefaultBackoff(), s.currentUsername)
	return s
}

func (s *Session) currentUsername() string {
	v, _ := s.uname.Load().(string)
	return v
}

func (s *Session) roomURL(id string) string {
	return s.wsBase + "/ws/room/" + id
}

// Run connects both scopes and consumes events until ctx ends. It is the
// only goroutine that mutates SessionState.
func (s *Session) Run(ctx context.Context) {
	if history, err := s.cache.Load(s.state.ActiveRoom); err == nil {
		s.replay(history)
	}
	s.lobby.Connect()
	s.room.Connect()
	for {
		select {
		case <-ctx.Done():
			s.lobby.Close()
			s.room.Close()
			return
		case ev := <-s.events:
			s.dispatch(ev)
		case fn := <-s.cmds:
			fn()
		}
	}
}

// post hands a closure to the dispatch goroutine. All public commands go
// through here so state stays single-threaded.
func (s *Session) post(fn func()) {
	s.cmds <- fn
}

func (s *Session) SwitchRoom(id string)  { s.post(func() { s.switchRoom(id) }) }
func (s *Session) CreateRoom(id string)  { s.post(func() { s.createRoom(id) }) }
func (s *Session) SendText(text string)  { s.post(func() { s.sendText(text) }) }
func (s *Session) Rename(name string)    { s.post(func() { s.rename(name) }) }
func (s *Session) SendFile(name, mime string, data []byte) {
	s.post(func() { s.sendFile(name, mime, data) })
}

func (s *Session) dispatch(ev Event) {
	switch ev.Kind {
	case EventOpen:
		if ev.Scope == ScopeRoom {
			// Presence handshake; cached history was already shown.
			_ = s.room.Send(protocol.Envelope{Username: s.state.Username})
		}
	case EventMessage:
		s.inbound(ev)
	case EventClosed:
		if ev.Terminal {
			s.render.Notice(fmt.Sprintf("%s connection closed by server (code %d), not retrying", ev.Scope, ev.Code))
			return
		}
		log.Debug().Str("module", "client.session").Str("scope", string(ev.Scope)).Err(ev.Err).Msg("scope disconnected")
	case EventSendFailed:
		s.render.Notice("not connected, message not sent")
	}
}

// inbound handles one decoded envelope. Malformed input is dropped
// silently: availability over strictness on the receive path.
func (s *Session) inbound(ev Event) {
	env, err := protocol.Decode(ev.Data, s.limits.MaxMessageBytes)
	if err != nil {
		log.Debug().Str("module", "client.session").Err(err).Msg("ignoring malformed envelope")
		return
	}
	switch env.Type {
	case protocol.TypeRooms:
		s.state.Rooms = env.Rooms
		s.render.RoomList(env.Rooms)
	case protocol.TypeUsers:
		s.state.Members = env.Users
		s.render.Presence(env.Users)
	case protocol.TypeCreated:
		s.render.Notice("room created: " + env.Room)
		s.switchRoom(env.Room)
	case protocol.TypeError:
		s.render.Notice("server error: " + env.Code)
	case protocol.TypeText, protocol.TypeFile, protocol.TypeStatus:
		s.append(env)
	default:
		log.Debug().Str("module", "client.session").Str("type", env.Type).Msg("ignoring unknown envelope type")
	}
}

// append adds an accepted envelope to the visible window, bounded to the
// configured count, and persists through the quota manager.
func (s *Session) append(env protocol.Envelope) {
	s.state.Window = append(s.state.Window, env)
	if len(s.state.Window) > s.limits.MaxMessages {
		s.state.Window = s.state.Window[len(s.state.Window)-s.limits.MaxMessages:]
	}
	s.render.Message(env)
	s.persist()
}

func (s *Session) persist() {
	err := s.cache.SaveWithQuota(s.state.ActiveRoom, s.state.Window, s.state.Rooms)
	if err == nil {
		return
	}
	log.Warn().Err(err).Str("module", "client.session").Str("room", s.state.ActiveRoom).Msg("history save failed")
	if err == cache.ErrQuotaExhausted {
		s.render.Notice("local history storage is full; recent messages may not be kept")
	}
}

// switchRoom transitions the room scope. The switch notification and cached
// history go out immediately, before the new connection opens, so the view
// shows continuity while the handshake is in flight.
func (s *Session) switchRoom(id string) {
	if !s.namePat.MatchString(id) {
		s.render.Notice("illegal room name")
		return
	}
	if id == s.state.ActiveRoom {
		return
	}
	s.state.ActiveRoom = id
	s.state.Members = nil
	s.render.RoomSwitched(id)

	history, err := s.cache.Load(id)
	if err != nil {
		log.Warn().Err(err).Str("module", "client.session").Str("room", id).Msg("history load failed")
		history = nil
	}
	s.replay(history)
	s.room.SwitchTarget(s.roomURL(id))
}

func (s *Session) replay(history []protocol.Envelope) {
	s.state.Window = history
	for _, env := range history {
		s.render.Message(env)
	}
}

func (s *Session) createRoom(id string) {
	// Local legality pre-check saves a round trip; the server re-checks.
	if !s.namePat.MatchString(id) {
		s.render.Notice("illegal room name")
		return
	}
	_ = s.lobby.Send(protocol.Envelope{Type: protocol.TypeCreate, Room: id})
}

func (s *Session) sendText(text string) {
	if text == "" {
		return
	}
	s.sendChecked(protocol.Envelope{Type: protocol.TypeText, Text: text})
}

func (s *Session) sendFile(name, mime string, data []byte) {
	if mime == "" {
		mime = mimetype.Detect(data).String()
	}
	s.sendChecked(protocol.Envelope{
		Type: protocol.TypeFile,
		Name: name,
		Mime: mime,
		Size: int64(len(data)),
		Data: data,
	})
}

// sendChecked enforces the size limit locally: an oversize envelope never
// reaches the wire, it becomes a size-exceeded status line instead.
func (s *Session) sendChecked(env protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		s.render.Notice("could not encode message")
		return
	}
	if protocol.TooBig(data, s.limits.MaxMessageBytes) {
		s.append(protocol.Status(fmt.Sprintf("message too large (%d bytes, limit %d)", len(data), s.limits.MaxMessageBytes)))
		return
	}
	_ = s.room.Send(env)
}

func (s *Session) rename(name string) {
	if !s.namePat.MatchString(name) {
		s.render.Notice("illegal username")
		return
	}
	hadName := s.state.Username != ""
	s.state.Username = name
	s.uname.Store(name)
	if hadName {
		_ = s.room.Send(protocol.Envelope{Type: protocol.TypeRename, Username: name})
		return
	}
	// First name lifts the room-scope connect gate.
	s.room.Connect()
}
