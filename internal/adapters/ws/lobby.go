package ws

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Parley/internal/app"
	"github.com/dkeye/Parley/internal/core"
	"github.com/dkeye/Parley/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// LobbyController serves the lobby scope: room-list pushes and create
// requests. One instance is shared by all lobby connections.
type LobbyController struct {
	Dir             *app.Directory
	MaxMessageBytes int64
	ReadLimit       int64
}

func (ctl *LobbyController) Handle(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(uuid.NewString())
	log.Info().Str("module", "ws.lobby").Str("sid", string(sid)).Str("client", c.GetString("client_token")).Msg("new lobby connection")

	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "ws.lobby").Msg("upgrade")
		return
	}
	raw.SetReadLimit(ctl.ReadLimit)

	conn := NewConn(raw)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go conn.writePump(ctx)

	ctl.Dir.AddLobby(sid, conn)
	defer func() {
		ctl.Dir.RemoveLobby(sid)
		conn.Close()
	}()

	// Every lobby client gets the room list on arrival.
	ctl.Dir.BroadcastRooms()

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			// gorilla already answered a frame over ReadLimit with a 1009 close.
			log.Debug().Err(err).Str("module", "ws.lobby").Str("sid", string(sid)).Msg("read loop done")
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
		if env.Type != protocol.TypeCreate {
			continue
		}
		ctl.handleCreate(conn, env)
	}
}

func (ctl *LobbyController) handleCreate(conn *Conn, env protocol.Envelope) {
	name := strings.TrimSpace(env.Room)
	if code := ctl.Dir.Create(name); code != "" {
		if code == protocol.CodeBadRoom {
			conn.sendEnvelope(protocol.Err(code))
		} else {
			conn.sendEnvelope(protocol.ErrRoom(code, name))
		}
		return
	}
	conn.sendEnvelope(protocol.Envelope{Type: protocol.TypeCreated, Room: name})
	ctl.Dir.BroadcastRooms()
}
