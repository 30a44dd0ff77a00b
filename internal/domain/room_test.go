package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Parley/internal/domain"
)

func TestValidName(t *testing.T) {
	valid := []string{"a", "team-1", "bob_2", "ABCDEFGHIJ", "0"}
	for _, name := range valid {
		assert.True(t, domain.ValidName(name), name)
	}

	invalid := []string{"", "a b", "way-too-long-name", "émile", "a.b", " lead", "tab\t"}
	for _, name := range invalid {
		assert.False(t, domain.ValidName(name), name)
	}
}

func TestMemberRename(t *testing.T) {
	m, err := domain.NewMember("alice")
	require.NoError(t, err)

	require.NoError(t, m.Rename("bob"))
	assert.Equal(t, domain.Username("bob"), m.Name)

	assert.ErrorIs(t, m.Rename("a b"), domain.ErrBadUsername)
	assert.Equal(t, domain.Username("bob"), m.Name, "failed rename must not change the name")

	_, err = domain.NewMember("")
	assert.ErrorIs(t, err, domain.ErrBadUsername)
}
