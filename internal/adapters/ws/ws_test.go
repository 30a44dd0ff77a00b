package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	router "github.com/dkeye/Parley/internal/adapters/http"
	"github.com/dkeye/Parley/internal/app"
	"github.com/dkeye/Parley/internal/config"
	"github.com/dkeye/Parley/internal/domain"
	"github.com/dkeye/Parley/internal/protocol"
)

func newTestServer(t *testing.T, maxMessageBytes int64) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		Mode:              "release",
		StaticPath:        t.TempDir(),
		Secret:            "test-secret",
		ReadLimit:         1 << 20,
		MaxMessageBytes:   maxMessageBytes,
		MaxMessages:       100,
		StorageMaxBytes:   5 << 20,
		StorageMaxAgeDays: 7,
	}
	srv := httptest.NewServer(router.SetupRouter(context.Background(), cfg, app.NewDirectory()))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, path), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnv(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

// readUntil skips interleaved broadcasts until an envelope of the wanted
// type arrives.
func readUntil(t *testing.T, ws *websocket.Conn, typ string) protocol.Envelope {
	t.Helper()
	for i := 0; i < 10; i++ {
		env := readEnv(t, ws)
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("no %s envelope received", typ)
	return protocol.Envelope{}
}

func joinRoom(t *testing.T, srv *httptest.Server, room, username string) *websocket.Conn {
	t.Helper()
	ws := dial(t, srv, "/ws/room/"+room)
	require.NoError(t, ws.WriteJSON(protocol.Envelope{Username: username}))
	return ws
}

func TestConfigEndpoint(t *testing.T) {
	srv := newTestServer(t, 1<<20)

	resp, err := http.Get(srv.URL + "/config")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var limits config.Limits
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&limits))
	assert.Equal(t, int64(1<<20), limits.MaxMessageBytes)
	assert.Equal(t, domain.NamePattern, limits.NamePattern)
	assert.ElementsMatch(t, protocol.ErrorCodes, limits.ErrorCodes)
}

func TestLobbyCreateRoom(t *testing.T) {
	srv := newTestServer(t, 1<<20)
	ws := dial(t, srv, "/ws/lobby")

	first := readUntil(t, ws, protocol.TypeRooms)
	assert.Equal(t, []string{string(domain.DefaultRoom)}, first.Rooms)

	require.NoError(t, ws.WriteJSON(protocol.Envelope{Type: protocol.TypeCreate, Room: "team-1"}))
	created := readUntil(t, ws, protocol.TypeCreated)
	assert.Equal(t, "team-1", created.Room)

	rooms := readUntil(t, ws, protocol.TypeRooms)
	assert.Contains(t, rooms.Rooms, "team-1")
}

func TestLobbyCreateErrors(t *testing.T) {
	srv := newTestServer(t, 1<<20)
	ws := dial(t, srv, "/ws/lobby")
	readUntil(t, ws, protocol.TypeRooms)

	t.Run("illegal name", func(t *testing.T) {
		require.NoError(t, ws.WriteJSON(protocol.Envelope{Type: protocol.TypeCreate, Room: "a b"}))
		errEnv := readUntil(t, ws, protocol.TypeError)
		assert.Equal(t, protocol.CodeBadRoom, errEnv.Code)
		assert.Empty(t, errEnv.Room)
	})

	t.Run("already exists", func(t *testing.T) {
		require.NoError(t, ws.WriteJSON(protocol.Envelope{Type: protocol.TypeCreate, Room: "dup"}))
		readUntil(t, ws, protocol.TypeCreated)
		require.NoError(t, ws.WriteJSON(protocol.Envelope{Type: protocol.TypeCreate, Room: "dup"}))
		errEnv := readUntil(t, ws, protocol.TypeError)
		assert.Equal(t, protocol.CodeRoomExists, errEnv.Code)
		assert.Equal(t, "dup", errEnv.Room)
	})
}

func TestRoomJoinAndPresence(t *testing.T) {
	srv := newTestServer(t, 1<<20)

	alice := joinRoom(t, srv, "team-1", "alice")
	users := readUntil(t, alice, protocol.TypeUsers)
	assert.Equal(t, []string{"alice"}, users.Users)

	bob := joinRoom(t, srv, "team-1", "bob")
	usersBob := readUntil(t, bob, protocol.TypeUsers)
	assert.ElementsMatch(t, []string{"alice", "bob"}, usersBob.Users)

	joined := readUntil(t, alice, protocol.TypeStatus)
	assert.Equal(t, "bob joined", joined.Text)
	usersAlice := readUntil(t, alice, protocol.TypeUsers)
	assert.ElementsMatch(t, []string{"alice", "bob"}, usersAlice.Users)
}

func TestRelayEchoesToSenderWithStamp(t *testing.T) {
	srv := newTestServer(t, 1<<20)
	alice := joinRoom(t, srv, "team-1", "alice")
	readUntil(t, alice, protocol.TypeUsers)
	bob := joinRoom(t, srv, "team-1", "bob")
	readUntil(t, bob, protocol.TypeUsers)
	readUntil(t, alice, protocol.TypeUsers)

	require.NoError(t, alice.WriteJSON(protocol.Envelope{Type: protocol.TypeText, Text: "hello"}))

	for name, ws := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		env := readUntil(t, ws, protocol.TypeText)
		assert.Equal(t, "hello", env.Text, name)
		assert.Equal(t, "alice", env.Username, name)
		assert.NotEmpty(t, env.Ts, name)
	}
}

func TestFileRelayKeepsPayload(t *testing.T) {
	srv := newTestServer(t, 1<<20)
	alice := joinRoom(t, srv, "team-1", "alice")
	readUntil(t, alice, protocol.TypeUsers)

	payload := []byte{0x89, 0x50, 0x4e, 0x47}
	require.NoError(t, alice.WriteJSON(protocol.Envelope{
		Type: protocol.TypeFile,
		Name: "tiny.png",
		Mime: "image/png",
		Size: int64(len(payload)),
		Data: payload,
	}))

	env := readUntil(t, alice, protocol.TypeFile)
	assert.Equal(t, "tiny.png", env.Name)
	assert.Equal(t, payload, env.Data)
	assert.Equal(t, "alice", env.Username)
}

func TestOversizeRejectedNotBroadcast(t *testing.T) {
	srv := newTestServer(t, 256)
	alice := joinRoom(t, srv, "team-1", "alice")
	readUntil(t, alice, protocol.TypeUsers)
	bob := joinRoom(t, srv, "team-1", "bob")
	readUntil(t, bob, protocol.TypeUsers)
	readUntil(t, alice, protocol.TypeUsers)

	big := strings.Repeat("x", 512)
	require.NoError(t, alice.WriteJSON(protocol.Envelope{Type: protocol.TypeText, Text: big}))

	errEnv := readUntil(t, alice, protocol.TypeError)
	assert.Equal(t, protocol.CodeTooLarge, errEnv.Code)

	// The connection stays open and smaller traffic still flows; bob never
	// saw the oversize message.
	require.NoError(t, alice.WriteJSON(protocol.Envelope{Type: protocol.TypeText, Text: "small"}))
	env := readUntil(t, bob, protocol.TypeText)
	assert.Equal(t, "small", env.Text)
}

func TestBadUsernameClosesWithPolicyCode(t *testing.T) {
	srv := newTestServer(t, 1<<20)
	ws := dial(t, srv, "/ws/room/team-1")
	require.NoError(t, ws.WriteJSON(protocol.Envelope{Username: "a b"}))

	errEnv := readUntil(t, ws, protocol.TypeError)
	assert.Equal(t, protocol.CodeBadName, errEnv.Code)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, protocol.ClosePolicy, ce.Code)
}

func TestBadRoomNameClosesWithPolicyCode(t *testing.T) {
	srv := newTestServer(t, 1<<20)
	ws := dial(t, srv, "/ws/room/this-name-is-too-long")

	errEnv := readUntil(t, ws, protocol.TypeError)
	assert.Equal(t, protocol.CodeBadRoom, errEnv.Code)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, protocol.ClosePolicy, ce.Code)
}

func TestRename(t *testing.T) {
	srv := newTestServer(t, 1<<20)
	alice := joinRoom(t, srv, "team-1", "alice")
	readUntil(t, alice, protocol.TypeUsers)
	bob := joinRoom(t, srv, "team-1", "bob")
	readUntil(t, bob, protocol.TypeUsers)
	readUntil(t, alice, protocol.TypeUsers)

	require.NoError(t, alice.WriteJSON(protocol.Envelope{Type: protocol.TypeRename, Username: "alicia"}))

	status := readUntil(t, bob, protocol.TypeStatus)
	assert.Equal(t, "alice is now alicia", status.Text)
	users := readUntil(t, bob, protocol.TypeUsers)
	assert.ElementsMatch(t, []string{"alicia", "bob"}, users.Users)

	t.Run("illegal new name rejected, membership unchanged", func(t *testing.T) {
		require.NoError(t, alice.WriteJSON(protocol.Envelope{Type: protocol.TypeRename, Username: "a b"}))
		errEnv := readUntil(t, alice, protocol.TypeError)
		assert.Equal(t, protocol.CodeBadName, errEnv.Code)
	})
}

func TestRoomDestroyedOnLastLeave(t *testing.T) {
	srv := newTestServer(t, 1<<20)
	lobby := dial(t, srv, "/ws/lobby")
	readUntil(t, lobby, protocol.TypeRooms)

	alice := joinRoom(t, srv, "team-1", "alice")
	readUntil(t, alice, protocol.TypeUsers)
	rooms := readUntil(t, lobby, protocol.TypeRooms)
	assert.Contains(t, rooms.Rooms, "team-1")

	require.NoError(t, alice.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))
	alice.Close()

	rooms = readUntil(t, lobby, protocol.TypeRooms)
	assert.NotContains(t, rooms.Rooms, "team-1")
}
