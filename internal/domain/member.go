// Package domain contains entities without logic, just meta-data.
package domain

import "errors"

type Username string

var (
	ErrBadUsername = errors.New("illegal username")
	ErrBadRoomName = errors.New("illegal room name")
)

// Member represents a user's participation meta for a room.
// No transport or lifecycle logic here. The display name is a label,
// not an identity: it is mutable and never authenticated.
type Member struct {
	Name Username
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(name Username) (*Member, error) {
	if !ValidName(string(name)) {
		return nil, ErrBadUsername
	}
	return &Member{Name: name}, nil
}

func (m *Member) Rename(name Username) error {
	if !ValidName(string(name)) {
		return ErrBadUsername
	}
	m.Name = name
	return nil
}
