// Package app owns the authoritative room/member state. Clients hold only
// an eventually-consistent mirror and mutate it through accepted requests.
package app

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/Parley/internal/core"
	"github.com/dkeye/Parley/internal/domain"
	"github.com/dkeye/Parley/internal/protocol"
)

// Directory is the authoritative registry of rooms and their connected
// members, plus the set of lobby-scope connections that watch the room list.
type Directory struct {
	mu    sync.RWMutex
	rooms map[domain.RoomName]core.RoomService
	lobby map[core.SessionID]core.MemberConnection
}

func NewDirectory() *Directory {
	d := &Directory{
		rooms: make(map[domain.RoomName]core.RoomService),
		lobby: make(map[core.SessionID]core.MemberConnection),
	}
	d.rooms[domain.DefaultRoom] = core.NewRoomService(domain.DefaultRoom)
	return d
}

// Join admits sid to the named room, creating the room on first use.
// Room-scope connects create rooms implicitly; the caller validates the
// name first. Creation and admission happen under the directory lock so a
// concurrent Leave can never destroy the room between the two — a joiner
// always lands in the registered instance. Reports whether sid is the
// room's first member.
func (d *Directory) Join(name domain.RoomName, sid core.SessionID, ms core.MemberSession) (core.RoomService, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	room, ok := d.rooms[name]
	if !ok {
		room = core.NewRoomService(name)
		d.rooms[name] = room
		log.Info().Str("module", "app.directory").Str("room", string(name)).Msg("room created")
	}
	room.Add(sid, ms)
	return room, room.MemberCount() == 1
}

func (d *Directory) Get(name domain.RoomName) (core.RoomService, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	room, ok := d.rooms[name]
	return room, ok
}

// RoomNames returns the sorted room list as broadcast to lobby clients.
func (d *Directory) RoomNames() []string {
	d.mu.RLock()
	names := lo.Map(lo.Keys(d.rooms), func(n domain.RoomName, _ int) string {
		return string(n)
	})
	d.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Create validates and creates a room on behalf of a lobby client.
// It returns an empty string on success or the error code to report.
func (d *Directory) Create(name string) string {
	if !domain.ValidName(name) {
		return protocol.CodeBadRoom
	}
	roomName := domain.RoomName(name)
	d.mu.Lock()
	if _, ok := d.rooms[roomName]; ok {
		d.mu.Unlock()
		return protocol.CodeRoomExists
	}
	d.rooms[roomName] = core.NewRoomService(roomName)
	d.mu.Unlock()
	log.Info().Str("module", "app.directory").Str("room", name).Msg("room created via lobby")
	return ""
}

// Leave removes sid from the room and announces the departure. Rooms other
// than the default are destroyed when their member set becomes empty; the
// removal and the emptiness check run under the directory lock, mirroring
// Join, so destruction never races an in-flight admission.
func (d *Directory) Leave(name domain.RoomName, sid core.SessionID, username domain.Username) {
	d.mu.Lock()
	room, ok := d.rooms[name]
	if !ok {
		d.mu.Unlock()
		return
	}
	room.Remove(sid)
	if room.MemberCount() == 0 && name != domain.DefaultRoom {
		delete(d.rooms, name)
		d.mu.Unlock()
		log.Info().Str("module", "app.directory").Str("room", string(name)).Msg("empty room destroyed")
		d.BroadcastRooms()
		return
	}
	d.mu.Unlock()
	d.AnnounceStatus(name, string(username)+" left", "")
	d.BroadcastUsers(name)
}

func (d *Directory) AddLobby(sid core.SessionID, conn core.MemberConnection) {
	d.mu.Lock()
	d.lobby[sid] = conn
	d.mu.Unlock()
	log.Info().Str("module", "app.directory").Str("sid", string(sid)).Msg("lobby client added")
}

func (d *Directory) RemoveLobby(sid core.SessionID) {
	d.mu.Lock()
	delete(d.lobby, sid)
	d.mu.Unlock()
	log.Info().Str("module", "app.directory").Str("sid", string(sid)).Msg("lobby client removed")
}

// BroadcastRooms pushes the current room-name list to every lobby client.
func (d *Directory) BroadcastRooms() {
	env := protocol.Envelope{Type: protocol.TypeRooms, Rooms: d.RoomNames()}
	data, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "app.directory").Msg("encode rooms")
		return
	}
	d.mu.RLock()
	conns := lo.Values(d.lobby)
	d.mu.RUnlock()
	for _, c := range conns {
		_ = c.TrySend(data)
	}
	log.Debug().Str("module", "app.directory").Int("lobby_clients", len(conns)).Msg("rooms broadcast")
}

// BroadcastUsers pushes the member-name list to every member of the room.
func (d *Directory) BroadcastUsers(name domain.RoomName) {
	room, ok := d.Get(name)
	if !ok {
		return
	}
	users := room.Usernames()
	sort.Strings(users)
	env := protocol.Envelope{Type: protocol.TypeUsers, Users: users}
	data, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "app.directory").Msg("encode users")
		return
	}
	room.Broadcast(data)
}

// AnnounceStatus sends a timestamped status line to the room, optionally
// excluding one member (the joiner does not see its own join notice).
func (d *Directory) AnnounceStatus(name domain.RoomName, text string, except core.SessionID) {
	room, ok := d.Get(name)
	if !ok {
		return
	}
	data, err := protocol.Status(text).Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "app.directory").Msg("encode status")
		return
	}
	if except == "" {
		room.Broadcast(data)
		return
	}
	room.BroadcastExcept(except, data)
}
