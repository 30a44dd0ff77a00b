package ws

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Parley/internal/app"
	"github.com/dkeye/Parley/internal/core"
	"github.com/dkeye/Parley/internal/domain"
	"github.com/dkeye/Parley/internal/protocol"
)

// RoomController serves the room scope: the username handshake, presence
// announcements and text/file relay.
type RoomController struct {
	Dir             *app.Directory
	MaxMessageBytes int64
	ReadLimit       int64
}

func (ctl *RoomController) Handle(ctx context.Context, c *gin.Context) {
	roomID := c.Param("room")
	sid := core.SessionID(uuid.NewString())
	log.Info().Str("module", "ws.room").Str("sid", string(sid)).Str("room", roomID).Msg("new room connection")

	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "ws.room").Msg("upgrade")
		return
	}
	raw.SetReadLimit(ctl.ReadLimit)

	conn := NewConn(raw)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go conn.writePump(ctx)

	if !domain.ValidName(roomID) {
		conn.sendEnvelope(protocol.Err(protocol.CodeBadRoom))
		conn.CloseWith(protocol.ClosePolicy, protocol.CodeBadRoom)
		return
	}
	roomName := domain.RoomName(roomID)

	// Handshake: the first frame must carry a legal username. Absent or
	// illegal names close with the policy code so the client never retries.
	member, ok := ctl.handshake(conn, raw)
	if !ok {
		return
	}

	room, first := ctl.Dir.Join(roomName, sid, core.NewMemberSession(member, conn))
	if first && roomName != domain.DefaultRoom {
		ctl.Dir.BroadcastRooms()
	}
	ctl.Dir.AnnounceStatus(roomName, string(member.Name)+" joined", sid)
	ctl.Dir.BroadcastUsers(roomName)

	defer func() {
		ctl.Dir.Leave(roomName, sid, member.Name)
		conn.Close()
	}()

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("module", "ws.room").Str("sid", string(sid)).Msg("read loop done")
			return
		}
		if protocol.TooBig(data, ctl.MaxMessageBytes) {
			conn.sendEnvelope(protocol.Err(protocol.CodeTooLarge))
			continue
		}
		env, err := protocol.Decode(data, ctl.MaxMessageBytes)
		if err != nil {
			conn.sendEnvelope(protocol.Err(protocol.CodeBadMessage))
			continue
		}
		switch env.Type {
		case protocol.TypeRename:
			ctl.handleRename(conn, room, roomName, sid, member, env)
		case protocol.TypeText, protocol.TypeFile:
			ctl.relay(conn, room, member, env)
		default:
			conn.sendEnvelope(protocol.Err(protocol.CodeBadMessage))
		}
	}
}

func (ctl *RoomController) handshake(conn *Conn, raw *websocket.Conn) (*domain.Member, bool) {
	_, data, err := raw.ReadMessage()
	if err != nil {
		log.Debug().Err(err).Str("module", "ws.room").Msg("closed before handshake")
		conn.Close()
		return nil, false
	}
	if protocol.TooBig(data, ctl.MaxMessageBytes) {
		conn.sendEnvelope(protocol.Err(protocol.CodeTooLarge))
		conn.CloseWith(protocol.CloseTooLarge, protocol.CodeTooLarge)
		return nil, false
	}
	env, err := protocol.Decode(data, ctl.MaxMessageBytes)
	if err != nil {
		conn.sendEnvelope(protocol.Err(protocol.CodeBadName))
		conn.CloseWith(protocol.ClosePolicy, protocol.CodeBadName)
		return nil, false
	}
	member, err := domain.NewMember(domain.Username(strings.TrimSpace(env.Username)))
	if err != nil {
		conn.sendEnvelope(protocol.Err(protocol.CodeBadName))
		conn.CloseWith(protocol.ClosePolicy, protocol.CodeBadName)
		return nil, false
	}
	return member, true
}

func (ctl *RoomController) handleRename(conn *Conn, room core.RoomService, roomName domain.RoomName, sid core.SessionID, member *domain.Member, env protocol.Envelope) {
	newName := domain.Username(strings.TrimSpace(env.Username))
	oldName := member.Name
	if newName == oldName {
		return
	}
	if !room.Rename(sid, newName) {
		conn.sendEnvelope(protocol.Err(protocol.CodeBadName))
		return
	}
	log.Info().Str("module", "ws.room").Str("sid", string(sid)).Str("from", string(oldName)).Str("to", string(newName)).Msg("renamed")
	ctl.Dir.AnnounceStatus(roomName, string(oldName)+" is now "+string(newName), "")
	ctl.Dir.BroadcastUsers(roomName)
}

// relay validates shape, stamps the sender and timestamp, and broadcasts to
// every member of the room, sender included.
func (ctl *RoomController) relay(conn *Conn, room core.RoomService, member *domain.Member, env protocol.Envelope) {
	if err := env.ValidateRelay(); err != nil {
		conn.sendEnvelope(protocol.Err(protocol.CodeBadMessage))
		return
	}
	env.Username = string(member.Name)
	env.Ts = protocol.Timestamp()
	data, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "ws.room").Msg("encode relay")
		return
	}
	if protocol.TooBig(data, ctl.MaxMessageBytes) {
		conn.sendEnvelope(protocol.Err(protocol.CodeTooLarge))
		return
	}
	room.Broadcast(data)
}
