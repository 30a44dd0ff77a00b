// Package protocol defines the wire envelope exchanged over lobby and room
// connections, plus the size and shape rules the relay enforces.
package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// Envelope type discriminators. One frame carries exactly one envelope.
const (
	TypeText    = "text"
	TypeFile    = "file"
	TypeStatus  = "status"
	TypeRename  = "rename"
	TypeCreate  = "create"
	TypeCreated = "created"
	TypeRooms   = "rooms"
	TypeUsers   = "users"
	TypeError   = "error"
)

// Error codes carried by error envelopes.
const (
	CodeBadRoom    = "bad_room"
	CodeRoomExists = "room_exists"
	CodeBadName    = "bad_username"
	CodeTooLarge   = "msg_too_large"
	CodeBadMessage = "bad_message"
)

// ErrorCodes is the full set, exposed through /config.
var ErrorCodes = []string{
	CodeBadMessage,
	CodeBadName,
	CodeBadRoom,
	CodeRoomExists,
	CodeTooLarge,
}

// Close codes that suppress automatic reconnection on the client.
const (
	ClosePolicy   = websocket.ClosePolicyViolation
	CloseTooLarge = websocket.CloseMessageTooBig
)

var (
	ErrTooLarge  = errors.New("envelope exceeds size limit")
	ErrMalformed = errors.New("malformed envelope")
	ErrBadShape  = errors.New("envelope missing required fields")
)

// Envelope is the single discriminated message unit on the wire.
// Field presence depends on Type; unused fields are omitted.
type Envelope struct {
	Type string `json:"type,omitempty"`

	// text, status
	Text string `json:"text,omitempty"`

	// file: payload in Data, metadata alongside. The client cache
	// persists metadata only and strips Data.
	Name string `json:"name,omitempty"`
	Mime string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
	Data []byte `json:"data,omitempty"`

	// rename, join handshake; also stamped onto relayed traffic.
	Username string `json:"username,omitempty"`

	// create, created
	Room string `json:"room,omitempty"`

	// lobby and room scope directory pushes
	Rooms []string `json:"rooms,omitempty"`
	Users []string `json:"users,omitempty"`

	// error
	Code string `json:"code,omitempty"`

	// server receive timestamp, RFC3339 UTC
	Ts string `json:"ts,omitempty"`
}

// Decode parses one frame. The size check runs before parsing so an
// oversize frame is rejected without touching the JSON decoder.
func Decode(data []byte, maxBytes int64) (Envelope, error) {
	if TooBig(data, maxBytes) {
		return Envelope{}, ErrTooLarge
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, ErrMalformed
	}
	return e, nil
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// TooBig reports whether a serialized frame exceeds the negotiated maximum.
func TooBig(data []byte, maxBytes int64) bool {
	return int64(len(data)) > maxBytes
}

// ValidateRelay checks the structural shape of a text/file envelope before
// it is broadcast. Anything else is not relayable.
func (e Envelope) ValidateRelay() error {
	switch e.Type {
	case TypeText:
		if e.Text == "" {
			return ErrBadShape
		}
	case TypeFile:
		if e.Name == "" || e.Mime == "" || e.Size < 0 {
			return ErrBadShape
		}
		if e.Data != nil && int64(len(e.Data)) != e.Size {
			return ErrBadShape
		}
	default:
		return ErrBadShape
	}
	return nil
}

// Persistable reports whether this envelope kind belongs in the local cache.
func (e Envelope) Persistable() bool {
	switch e.Type {
	case TypeText, TypeFile, TypeStatus:
		return true
	}
	return false
}

// StripPayload returns a copy safe for persistence: file payload bytes are
// dropped, metadata stays.
func (e Envelope) StripPayload() Envelope {
	if e.Type == TypeFile {
		e.Data = nil
	}
	return e
}

// TerminalClose reports whether a close code means "do not reconnect,
// surface to the user instead".
func TerminalClose(code int) bool {
	return code == ClosePolicy || code == CloseTooLarge
}

// Err builds an error envelope.
func Err(code string) Envelope {
	return Envelope{Type: TypeError, Code: code}
}

// ErrRoom builds an error envelope that names the offending room.
func ErrRoom(code, room string) Envelope {
	return Envelope{Type: TypeError, Code: code, Room: room}
}

// Status builds a server/local-synthesized status line.
func Status(text string) Envelope {
	return Envelope{Type: TypeStatus, Text: text, Ts: Timestamp()}
}

// Timestamp returns the current UTC time in the wire format.
func Timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
