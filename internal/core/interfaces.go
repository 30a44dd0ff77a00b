package core

import "github.com/dkeye/Parley/internal/domain"

// Frame is one serialized envelope as it travels on the wire.
type Frame []byte

type SessionID string

// MemberConnection abstracts a member's transport endpoint.
// Owned by the adapter; the adapter must Close() it.
type MemberConnection interface {
	TrySend(Frame) error
	// CloseWith sends a close frame with the given code before closing.
	CloseWith(code int, reason string)
	Close()
}

// MemberSession binds domain.Member and its transport endpoint.
// This is what a room stores and fans out to.
type MemberSession interface {
	Meta() *domain.Member
	Conn() MemberConnection
}

// PublishResult reports delivery stats/backpressure to the caller.
type PublishResult struct {
	SentTo  int
	Dropped []MemberSession
}

// RoomService is the core-facing API of a room.
// It owns the membership set but never touches transport resources.
// Membership mutation and broadcast are serialized against each other,
// so a broadcast never observes a half-updated member list.
type RoomService interface {
	Name() domain.RoomName
	MemberCount() int
	Usernames() []string

	Add(sid SessionID, ms MemberSession)
	Remove(sid SessionID)
	Rename(sid SessionID, name domain.Username) bool
	Broadcast(data Frame) PublishResult
	BroadcastExcept(except SessionID, data Frame) PublishResult
}
