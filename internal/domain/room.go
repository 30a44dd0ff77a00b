package domain

import "regexp"

type RoomName string

// DefaultRoom is the well-known room every client starts in.
// It always exists and is never destroyed, even when empty.
const DefaultRoom RoomName = "lobby"

// NamePattern is the shared legality rule for room ids and display names.
// It is served to clients via /config so both sides enforce the same rule.
const NamePattern = `^[A-Za-z0-9_-]{1,10}$`

var nameRe = regexp.MustCompile(NamePattern)

// ValidName reports whether s is a legal room id or display name.
func ValidName(s string) bool {
	return nameRe.MatchString(s)
}
