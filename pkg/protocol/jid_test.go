package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJID(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    JID
		wantErr bool
	}{
		{"user", "1234@s.whatsapp.net", JID{User: "1234", Server: DefaultUserServer}, false},
		{"legacy user", "1234@c.us", JID{User: "1234", Server: LegacyUserServer}, false},
		{"group", "1234-5678@g.us", JID{User: "1234-5678", Server: GroupServer}, false},
		{"lid", "55@lid", JID{User: "55", Server: HiddenUserServer}, false},
		{"bare server", "s.whatsapp.net", JID{Server: DefaultUserServer}, false},
		{"group without id", "@g.us", JID{}, true},
		{"unknown server", "1234@example.com", JID{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseJID(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, IsKind(err, KindFormat))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJIDHelpers(t *testing.T) {
	user := NewJID("1234", LegacyUserServer)
	assert.True(t, user.IsUser())
	assert.False(t, user.IsGroup())
	assert.Equal(t, "1234@s.whatsapp.net", user.Normalized().String())

	group := NewJID("1234-5678", GroupServer)
	assert.True(t, group.IsGroup())
	assert.False(t, group.IsUser())

	assert.True(t, NewJID("1", HiddenUserServer).IsLID())
	assert.True(t, JID{}.IsEmpty())
	assert.Equal(t, "s.whatsapp.net", ServerJID.String())
}

func TestNodeAccessors(t *testing.T) {
	n := Node{
		Tag:   "iq",
		Attrs: Attrs{"from": "1234@c.us", "id": "1"},
		Content: []Node{
			{Tag: "pair-device", Content: []Node{
				{Tag: "ref", Content: []byte("ref-1")},
				{Tag: "ref", Content: []byte("ref-2")},
			}},
		},
	}

	pair, ok := n.GetChildByTag("pair-device")
	require.True(t, ok)
	assert.Len(t, pair.GetChildrenByTag("ref"), 2)

	ref, ok := n.GetChildByTag("pair-device", "ref")
	require.True(t, ok)
	b, ok := ref.ContentBytes()
	require.True(t, ok)
	assert.Equal(t, "ref-1", string(b))

	_, ok = n.GetChildByTag("pair-device", "missing")
	assert.False(t, ok)

	from, err := n.AttrJID("from")
	require.NoError(t, err)
	assert.Equal(t, "1234", from.User)

	_, err = n.AttrJID("to")
	assert.True(t, IsKind(err, KindProtocol))

	assert.Equal(t, "", Node{Tag: "x"}.AttrString("missing"))
	assert.Contains(t, n.String(), `<iq from="1234@c.us" id="1">`)
}
