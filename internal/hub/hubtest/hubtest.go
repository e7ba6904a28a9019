// Package hubtest builds hub messages for tests.
package hubtest

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"

	"github.com/sandwichfarm/castfeed/internal/hub"
)

// Base is the default message time used by the builders
var Base = time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)

// Bytes parses a 0x hex literal and panics on bad input
func Bytes(s string) hub.Bytes {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		panic(err)
	}
	return b
}

// Hash derives a stable 20-byte hash from a label, rendered as 0x hex
func Hash(label string) string {
	sum := sha256.Sum256([]byte(label))
	return "0x" + hex.EncodeToString(sum[:20])
}

func envelope(fid uint64, hash string, typ hub.MessageType, at time.Time) *hub.Message {
	sig := make([]byte, 8)
	binary.BigEndian.PutUint64(sig, fid)
	return &hub.Message{
		Data: &hub.MessageData{
			Type:      typ,
			Fid:       fid,
			Timestamp: hub.Timestamp(at),
			Network:   "FARCASTER_NETWORK_MAINNET",
		},
		Hash:            Bytes(hash),
		HashScheme:      "HASH_SCHEME_BLAKE3",
		Signature:       sig,
		SignatureScheme: "SIGNATURE_SCHEME_ED25519",
		Signer:          Bytes(Hash("signer")),
	}
}

// Cast builds a top-level cast
func Cast(fid uint64, hash, text string, at time.Time) *hub.Message {
	m := envelope(fid, hash, hub.MessageTypeCastAdd, at)
	m.Data.CastAddBody = &hub.CastAddBody{Text: text}
	return m
}

// Reply builds a cast answering parent
func Reply(fid uint64, hash, text string, parentFid uint64, parentHash string, at time.Time) *hub.Message {
	m := Cast(fid, hash, text, at)
	m.Data.CastAddBody.ParentCastID = &hub.CastID{Fid: parentFid, Hash: Bytes(parentHash)}
	return m
}

// ChannelCast builds a top-level cast in a channel
func ChannelCast(fid uint64, hash, text, url string, at time.Time) *hub.Message {
	m := Cast(fid, hash, text, at)
	m.Data.CastAddBody.ParentURL = url
	return m
}

// Quote adds a cast embed to a cast message
func Quote(m *hub.Message, fid uint64, hash string) *hub.Message {
	m.Data.CastAddBody.Embeds = append(m.Data.CastAddBody.Embeds, hub.Embed{
		CastID: &hub.CastID{Fid: fid, Hash: Bytes(hash)},
	})
	return m
}

// Mention adds a mention at the given position
func Mention(m *hub.Message, fid uint64, pos uint32) *hub.Message {
	b := m.Data.CastAddBody
	b.Mentions = append(b.Mentions, fid)
	b.MentionsPositions = append(b.MentionsPositions, pos)
	return m
}

// RemoveCast builds a cast removal
func RemoveCast(fid uint64, hash, target string, at time.Time) *hub.Message {
	m := envelope(fid, hash, hub.MessageTypeCastRemove, at)
	m.Data.CastRemoveBody = &hub.CastRemoveBody{TargetHash: Bytes(target)}
	return m
}

// React builds a reaction to a cast
func React(fid uint64, hash string, typ hub.ReactionType, targetFid uint64, targetHash string, at time.Time) *hub.Message {
	m := envelope(fid, hash, hub.MessageTypeReactionAdd, at)
	m.Data.ReactionBody = &hub.ReactionBody{
		Type:         typ,
		TargetCastID: &hub.CastID{Fid: targetFid, Hash: Bytes(targetHash)},
	}
	return m
}

// ReactURL builds a reaction to a URL
func ReactURL(fid uint64, hash string, typ hub.ReactionType, url string, at time.Time) *hub.Message {
	m := envelope(fid, hash, hub.MessageTypeReactionAdd, at)
	m.Data.ReactionBody = &hub.ReactionBody{Type: typ, TargetURL: url}
	return m
}

// Unreact turns a reaction add into the matching removal
func Unreact(add *hub.Message, hash string, at time.Time) *hub.Message {
	m := envelope(add.Data.Fid, hash, hub.MessageTypeReactionRemove, at)
	body := *add.Data.ReactionBody
	m.Data.ReactionBody = &body
	return m
}

// Follow builds a follow link
func Follow(fid uint64, hash string, target uint64, at time.Time) *hub.Message {
	m := envelope(fid, hash, hub.MessageTypeLinkAdd, at)
	m.Data.LinkBody = &hub.LinkBody{Type: "follow", TargetFid: target}
	return m
}

// Unfollow builds a follow link removal
func Unfollow(fid uint64, hash string, target uint64, at time.Time) *hub.Message {
	m := envelope(fid, hash, hub.MessageTypeLinkRemove, at)
	m.Data.LinkBody = &hub.LinkBody{Type: "follow", TargetFid: target}
	return m
}

// UserData builds a profile field update
func UserData(fid uint64, hash string, typ hub.UserDataType, value string, at time.Time) *hub.Message {
	m := envelope(fid, hash, hub.MessageTypeUserDataAdd, at)
	m.Data.UserDataBody = &hub.UserDataBody{Type: typ, Value: value}
	return m
}

// Verify builds an address verification
func Verify(fid uint64, hash, address string, at time.Time) *hub.Message {
	m := envelope(fid, hash, hub.MessageTypeVerificationAdd, at)
	m.Data.VerificationAddBody = &hub.VerificationAddBody{
		Address:  Bytes(address),
		Protocol: "PROTOCOL_ETHEREUM",
	}
	return m
}
