package decode

import (
	"testing"
	"time"

	"github.com/sandwichfarm/castfeed/internal/hub"
	"github.com/sandwichfarm/castfeed/internal/hub/hubtest"
	"github.com/sandwichfarm/castfeed/internal/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = hubtest.Base

func TestCastAddRoot(t *testing.T) {
	hash := hubtest.Hash("hello")
	rec, ok := Message(hubtest.Cast(3, hash, "hello", at))
	require.True(t, ok)

	cast, ok := rec.(*records.Cast)
	require.True(t, ok)
	assert.Equal(t, "hello", cast.Text)
	assert.Equal(t, hash, cast.Hash)
	assert.Equal(t, uint64(3), cast.Fid)
	assert.Equal(t, at, cast.Timestamp)
	assert.Equal(t, "blake3", cast.HashScheme)
	assert.Equal(t, "ed25519", cast.SignatureScheme)
	assert.Nil(t, cast.DeletedAt)

	// parentless casts are their own root
	assert.Equal(t, uint64(3), cast.RootParentFid)
	assert.Equal(t, hash, cast.RootParentHash)
}

func TestCastAddFields(t *testing.T) {
	parent := hubtest.Hash("parent")
	quoted := hubtest.Hash("quoted")
	msg := hubtest.Reply(4, hubtest.Hash("reply"), "hey @a @b", 3, parent, at)
	hubtest.Mention(msg, 10, 4)
	hubtest.Mention(msg, 11, 7)
	msg.Data.CastAddBody.Embeds = append(msg.Data.CastAddBody.Embeds, hub.Embed{URL: "https://go.dev"})
	hubtest.Quote(msg, 5, quoted)

	rec, ok := Message(msg)
	require.True(t, ok)
	cast := rec.(*records.Cast)

	assert.Equal(t, uint64(3), cast.ParentFid)
	assert.Equal(t, parent, cast.ParentHash)
	assert.Empty(t, cast.RootParentHash, "replies are rooted by the resolver")
	assert.Equal(t, []uint64{10, 11}, cast.Mentions)
	assert.Equal(t, []uint32{4, 7}, cast.MentionsPositions)
	require.Len(t, cast.Embeds, 2)
	assert.Equal(t, "https://go.dev", cast.Embeds[0].URL)
	assert.Equal(t, &records.CastID{Fid: 5, Hash: quoted}, cast.Embeds[1].CastID)
}

func TestChannelCast(t *testing.T) {
	url := "https://warpcast.com/~/channel/golang"
	rec, ok := Message(hubtest.ChannelCast(3, hubtest.Hash("c"), "go", url, at))
	require.True(t, ok)
	cast := rec.(*records.Cast)
	assert.Equal(t, url, cast.ParentURL)
	assert.Equal(t, url, cast.RootParentURL)
	assert.Equal(t, url, cast.Channel())
}

func TestRemovals(t *testing.T) {
	target := hubtest.Hash("target")
	removedAt := at.Add(time.Hour)

	rec, ok := Message(hubtest.RemoveCast(3, hubtest.Hash("rm"), target, removedAt))
	require.True(t, ok)
	assert.Equal(t, records.KindCast, rec.Kind())
	assert.Equal(t, records.CastKey(3, target), rec.Key())
	require.NotNil(t, rec.Env().DeletedAt)
	assert.Equal(t, removedAt, *rec.Env().DeletedAt)

	add := hubtest.React(4, hubtest.Hash("like"), hub.ReactionTypeLike, 3, target, at)
	addRec, ok := Message(add)
	require.True(t, ok)
	rmRec, ok := Message(hubtest.Unreact(add, hubtest.Hash("unlike"), removedAt))
	require.True(t, ok)
	assert.Equal(t, addRec.Key(), rmRec.Key(), "removal must target the same natural key")
	assert.True(t, rmRec.Env().Deleted())

	unfollow, ok := Message(hubtest.Unfollow(4, hubtest.Hash("unf"), 3, removedAt))
	require.True(t, ok)
	assert.Equal(t, records.Key("4:follow:3"), unfollow.Key())
	assert.True(t, unfollow.Env().Deleted())

	assert.True(t, Removal(hub.MessageTypeCastRemove))
	assert.True(t, Removal(hub.MessageTypeLinkRemove))
	assert.False(t, Removal(hub.MessageTypeCastAdd))
}

func TestReactionTargets(t *testing.T) {
	rec, ok := Message(hubtest.React(4, hubtest.Hash("r1"), hub.ReactionTypeRecast, 3, hubtest.Hash("t"), at))
	require.True(t, ok)
	cr := rec.(*records.CastReaction)
	assert.Equal(t, records.ReactionRecast, cr.Type)
	assert.Equal(t, records.CastID{Fid: 3, Hash: hubtest.Hash("t")}, cr.Target())

	rec, ok = Message(hubtest.ReactURL(4, hubtest.Hash("r2"), hub.ReactionTypeLike, "https://example.com", at))
	require.True(t, ok)
	ur := rec.(*records.URLReaction)
	assert.Equal(t, "https://example.com", ur.TargetURL)
	assert.Equal(t, records.KindURLReaction, ur.Kind())
}

func TestUserDataAndVerification(t *testing.T) {
	rec, ok := Message(hubtest.UserData(3, hubtest.Hash("ud"), hub.UserDataTypeUsername, "alice", at))
	require.True(t, ok)
	ud := rec.(*records.UserData)
	assert.Equal(t, records.UserDataUsername, ud.Type)
	assert.Equal(t, "alice", ud.Value)

	rec, ok = Message(hubtest.Verify(3, hubtest.Hash("v"), "0xABCDEF0123", at))
	require.True(t, ok)
	v := rec.(*records.Verification)
	assert.Equal(t, "0xabcdef0123", v.Address, "addresses are lowercase hex")
	assert.Equal(t, "ethereum", v.Protocol)
}

func TestUsernameProof(t *testing.T) {
	msg := &hub.Message{
		Data: &hub.MessageData{
			Type:      hub.MessageTypeUsernameProof,
			Fid:       3,
			Timestamp: hub.Timestamp(at),
			UsernameProofBody: &hub.UsernameProofBody{
				Timestamp: uint64(at.Unix()),
				Name:      hub.Bytes("alice"),
				Owner:     hubtest.Bytes("0x00ff"),
				Fid:       3,
				Type:      "USERNAME_TYPE_FNAME",
			},
		},
		Hash: hubtest.Bytes(hubtest.Hash("proof")),
	}
	rec, ok := Message(msg)
	require.True(t, ok)
	p := rec.(*records.UsernameProof)
	assert.Equal(t, records.Key("alice"), p.Key())
	assert.Equal(t, "0x00ff", p.Owner)
	assert.Equal(t, "fname", p.Type)
	assert.Equal(t, at, p.Timestamp)
}

func TestMalformed(t *testing.T) {
	good := func() *hub.Message { return hubtest.Cast(3, hubtest.Hash("x"), "x", at) }

	tests := []struct {
		name   string
		mutate func(*hub.Message) *hub.Message
	}{
		{"nil message", func(*hub.Message) *hub.Message { return nil }},
		{"missing data", func(m *hub.Message) *hub.Message { m.Data = nil; return m }},
		{"missing hash", func(m *hub.Message) *hub.Message { m.Hash = nil; return m }},
		{"zero fid", func(m *hub.Message) *hub.Message { m.Data.Fid = 0; return m }},
		{"missing body", func(m *hub.Message) *hub.Message { m.Data.CastAddBody = nil; return m }},
		{"wrong body", func(m *hub.Message) *hub.Message {
			m.Data.Type = hub.MessageTypeReactionAdd
			return m
		}},
		{"unknown type", func(m *hub.Message) *hub.Message { m.Data.Type = "MESSAGE_TYPE_FRAME_ACTION"; return m }},
		{"mention length mismatch", func(m *hub.Message) *hub.Message {
			m.Data.CastAddBody.Mentions = []uint64{1}
			return m
		}},
		{"empty embed", func(m *hub.Message) *hub.Message {
			m.Data.CastAddBody.Embeds = []hub.Embed{{}}
			return m
		}},
		{"parent cast and url", func(m *hub.Message) *hub.Message {
			m.Data.CastAddBody.ParentURL = "https://example.com"
			m.Data.CastAddBody.ParentCastID = &hub.CastID{Fid: 1, Hash: hubtest.Bytes("0x01")}
			return m
		}},
		{"reaction without target", func(m *hub.Message) *hub.Message {
			m.Data.Type = hub.MessageTypeReactionAdd
			m.Data.ReactionBody = &hub.ReactionBody{Type: hub.ReactionTypeLike}
			return m
		}},
		{"unknown reaction type", func(m *hub.Message) *hub.Message {
			m.Data.Type = hub.MessageTypeReactionAdd
			m.Data.ReactionBody = &hub.ReactionBody{Type: "REACTION_TYPE_NONE", TargetURL: "https://x"}
			return m
		}},
		{"unknown user data type", func(m *hub.Message) *hub.Message {
			m.Data.Type = hub.MessageTypeUserDataAdd
			m.Data.UserDataBody = &hub.UserDataBody{Type: "USER_DATA_TYPE_LOCATION", Value: "x"}
			return m
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, ok := Message(tt.mutate(good()))
			assert.False(t, ok)
			assert.Nil(t, rec)
		})
	}
}

func TestDeterministic(t *testing.T) {
	msg := hubtest.Reply(4, hubtest.Hash("r"), "same", 3, hubtest.Hash("p"), at)
	a, ok := Message(msg)
	require.True(t, ok)
	b, ok := Message(msg)
	require.True(t, ok)
	assert.Equal(t, a, b)
}

func TestParsesHubJSON(t *testing.T) {
	raw := []byte(`{
		"data": {
			"type": "MESSAGE_TYPE_CAST_ADD",
			"fid": 2,
			"timestamp": 48994466,
			"network": "FARCASTER_NETWORK_MAINNET",
			"castAddBody": {
				"embedsDeprecated": [],
				"mentions": [3],
				"parentCastId": {"fid": 226, "hash": "0xa48dd46161d8e57725f5e26e34ec19c13ff7f3b9"},
				"text": "Cast Text",
				"mentionsPositions": [5],
				"embeds": [{"url": "https://example.com"}]
			}
		},
		"hash": "0xd2b1ddc6c88e865a33cb1a565e0058d757042974",
		"hashScheme": "HASH_SCHEME_BLAKE3",
		"signature": "3msLXzxB4eEYe0WhxN0Zg2zEb3C1Ah9HC2HQh/n2bkXS2/iWUl0ZM2C9DCQrVmUvlgVv0pb9nN3yZX8ba/5kAQ==",
		"signatureScheme": "SIGNATURE_SCHEME_ED25519",
		"signer": "0x78ff9a768cf1bc0c70b5e6c8ed99fa2ed1ba7a9bb7c3d3b2c3e0cfc9dc8e8ad5"
	}`)

	msg, err := hub.ParseMessage(raw)
	require.NoError(t, err)

	rec, ok := Message(msg)
	require.True(t, ok)
	cast := rec.(*records.Cast)
	assert.Equal(t, "0xd2b1ddc6c88e865a33cb1a565e0058d757042974", cast.Hash)
	assert.Equal(t, uint64(226), cast.ParentFid)
	assert.Equal(t, "0xa48dd46161d8e57725f5e26e34ec19c13ff7f3b9", cast.ParentHash)
	assert.Equal(t, hub.Epoch.Add(48994466*time.Second), cast.Timestamp)
	assert.Equal(t, []uint64{3}, cast.Mentions)
	assert.NotEmpty(t, cast.Signature)
}
