package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNodeID(t *testing.T) {
	cases := []struct {
		in   string
		want NodeID
	}{
		{"0", RootID},
		{"site1-4", NodeID{Site: "site1", Clock: 4}},
		{"a-b-c-12", NodeID{Site: "a-b-c", Clock: 12}},
		{" server-1 ", NodeID{Site: "server", Clock: 1}},
	}
	for _, tc := range cases {
		got, err := ParseNodeID(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseNodeID_Malformed(t *testing.T) {
	for _, in := range []string{"", "site", "-3", "site-", "site-x", "site-0"} {
		_, err := ParseNodeID(in)
		assert.ErrorIs(t, err, ErrMalformedID, in)
	}
}

func TestNodeID_StringRoundTrip(t *testing.T) {
	id := NodeID{Site: "user-b", Clock: 42}
	assert.Equal(t, "user-b-42", id.String())
	assert.Equal(t, "0", RootID.String())
	assert.True(t, RootID.IsRoot())

	back, err := ParseNodeID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, back)
}
