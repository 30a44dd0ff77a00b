package protocol_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Parley/internal/protocol"
)

func TestDecodeSizeFirst(t *testing.T) {
	env := protocol.Envelope{Type: protocol.TypeText, Text: "hello"}
	data, err := env.Encode()
	require.NoError(t, err)

	got, err := protocol.Decode(data, 1024)
	require.NoError(t, err)
	assert.Equal(t, env, got)

	// One byte over the limit is rejected before parsing.
	_, err = protocol.Decode(data, int64(len(data)-1))
	assert.ErrorIs(t, err, protocol.ErrTooLarge)

	_, err = protocol.Decode([]byte("{not json"), 1024)
	assert.ErrorIs(t, err, protocol.ErrMalformed)
}

func TestValidateRelay(t *testing.T) {
	cases := []struct {
		name string
		env  protocol.Envelope
		ok   bool
	}{
		{"text", protocol.Envelope{Type: protocol.TypeText, Text: "hi"}, true},
		{"empty text", protocol.Envelope{Type: protocol.TypeText}, false},
		{"file", protocol.Envelope{Type: protocol.TypeFile, Name: "a.png", Mime: "image/png", Size: 3, Data: []byte{1, 2, 3}}, true},
		{"file metadata only", protocol.Envelope{Type: protocol.TypeFile, Name: "a.png", Mime: "image/png", Size: 3}, true},
		{"file size mismatch", protocol.Envelope{Type: protocol.TypeFile, Name: "a", Mime: "m", Size: 2, Data: []byte{1}}, false},
		{"file missing name", protocol.Envelope{Type: protocol.TypeFile, Mime: "m", Size: 1, Data: []byte{1}}, false},
		{"status not relayable", protocol.Envelope{Type: protocol.TypeStatus, Text: "x"}, false},
		{"rename not relayable", protocol.Envelope{Type: protocol.TypeRename, Username: "x"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.env.ValidateRelay()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, protocol.ErrBadShape)
			}
		})
	}
}

func TestPersistableAndStrip(t *testing.T) {
	file := protocol.Envelope{Type: protocol.TypeFile, Name: "a", Mime: "m", Size: 2, Data: []byte{1, 2}}
	stripped := file.StripPayload()
	assert.Nil(t, stripped.Data)
	assert.Equal(t, int64(2), stripped.Size, "metadata survives the strip")
	assert.NotNil(t, file.Data, "strip returns a copy")

	assert.True(t, protocol.Envelope{Type: protocol.TypeText}.Persistable())
	assert.True(t, protocol.Envelope{Type: protocol.TypeStatus}.Persistable())
	assert.False(t, protocol.Envelope{Type: protocol.TypeRooms}.Persistable())
	assert.False(t, protocol.Envelope{Type: protocol.TypeError}.Persistable())
}

func TestTerminalClose(t *testing.T) {
	assert.True(t, protocol.TerminalClose(protocol.ClosePolicy))
	assert.True(t, protocol.TerminalClose(protocol.CloseTooLarge))
	assert.False(t, protocol.TerminalClose(1000))
	assert.False(t, protocol.TerminalClose(1006))
}
