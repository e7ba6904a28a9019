// Package decode turns raw hub messages into canonical records.
//
// Every function here is pure. Malformed input yields (nil, false) and is
// never reported as an error: callers skip it.
package decode

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/sandwichfarm/castfeed/internal/hub"
	"github.com/sandwichfarm/castfeed/internal/records"
)

// Message decodes one hub message. Remove messages decode to the record
// they remove with DeletedAt set to the removal time.
func Message(msg *hub.Message) (records.Record, bool) {
	if msg == nil || msg.Data == nil || msg.Data.Fid == 0 {
		return nil, false
	}
	data := msg.Data

	env, ok := envelope(msg)
	if !ok {
		return nil, false
	}

	switch data.Type {
	case hub.MessageTypeCastAdd:
		return castAdd(env, data.CastAddBody)
	case hub.MessageTypeCastRemove:
		return castRemove(env, data.CastRemoveBody)
	case hub.MessageTypeReactionAdd, hub.MessageTypeReactionRemove:
		return reaction(env, data.ReactionBody, data.Type == hub.MessageTypeReactionRemove)
	case hub.MessageTypeLinkAdd, hub.MessageTypeLinkRemove:
		return link(env, data.LinkBody, data.Type == hub.MessageTypeLinkRemove)
	case hub.MessageTypeUserDataAdd:
		return userData(env, data.UserDataBody)
	case hub.MessageTypeVerificationAdd:
		return verificationAdd(env, data.VerificationAddBody)
	case hub.MessageTypeVerificationRemove:
		return verificationRemove(env, data.VerificationRemoveBody)
	case hub.MessageTypeUsernameProof:
		return usernameProof(env, data.UsernameProofBody)
	}
	return nil, false
}

// Removal reports whether a message type retracts an earlier message
func Removal(t hub.MessageType) bool {
	switch t {
	case hub.MessageTypeCastRemove,
		hub.MessageTypeReactionRemove,
		hub.MessageTypeLinkRemove,
		hub.MessageTypeVerificationRemove:
		return true
	}
	return false
}

// Hex renders bytes in the canonical lowercase 0x form
func Hex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return "0x" + hex.EncodeToString(b)
}

func envelope(msg *hub.Message) (records.Envelope, bool) {
	if len(msg.Hash) == 0 {
		return records.Envelope{}, false
	}
	return records.Envelope{
		Fid:             msg.Data.Fid,
		Hash:            Hex(msg.Hash),
		HashScheme:      scheme(msg.HashScheme, "HASH_SCHEME_"),
		Signer:          Hex(msg.Signer),
		SignatureScheme: scheme(msg.SignatureScheme, "SIGNATURE_SCHEME_"),
		Signature:       Hex(msg.Signature),
		Timestamp:       hub.Time(msg.Data.Timestamp),
	}, true
}

func scheme(s, prefix string) string {
	return strings.ToLower(strings.TrimPrefix(s, prefix))
}

// removed marks env as a removal of the record identified by hash
func removed(env records.Envelope, hash string) records.Envelope {
	at := env.Timestamp
	env.Hash = hash
	env.DeletedAt = &at
	return env
}

func castAdd(env records.Envelope, body *hub.CastAddBody) (records.Record, bool) {
	if body == nil {
		return nil, false
	}
	if len(body.Mentions) != len(body.MentionsPositions) {
		return nil, false
	}
	if body.ParentCastID != nil && body.ParentURL != "" {
		return nil, false
	}

	cast := &records.Cast{
		Envelope:          env,
		Text:              body.Text,
		ParentURL:         body.ParentURL,
		Mentions:          append([]uint64{}, body.Mentions...),
		MentionsPositions: append([]uint32{}, body.MentionsPositions...),
		Embeds:            make([]records.Embed, 0, len(body.Embeds)),
	}

	if p := body.ParentCastID; p != nil {
		if p.Fid == 0 || len(p.Hash) == 0 {
			return nil, false
		}
		cast.ParentFid = p.Fid
		cast.ParentHash = Hex(p.Hash)
	}

	for _, e := range body.Embeds {
		switch {
		case e.CastID != nil:
			if e.CastID.Fid == 0 || len(e.CastID.Hash) == 0 {
				return nil, false
			}
			cast.Embeds = append(cast.Embeds, records.Embed{
				CastID: &records.CastID{Fid: e.CastID.Fid, Hash: Hex(e.CastID.Hash)},
			})
		case e.URL != "":
			cast.Embeds = append(cast.Embeds, records.Embed{URL: e.URL})
		default:
			return nil, false
		}
	}

	// A cast without a parent cast is its own root. Replies get their root
	// from the resolver before they are stored.
	if !cast.IsReply() {
		cast.SetRoot(records.Root{Fid: cast.Fid, Hash: cast.Hash, URL: cast.ParentURL})
	}
	return cast, true
}

func castRemove(env records.Envelope, body *hub.CastRemoveBody) (records.Record, bool) {
	if body == nil || len(body.TargetHash) == 0 {
		return nil, false
	}
	return &records.Cast{Envelope: removed(env, Hex(body.TargetHash))}, true
}

func reactionType(t hub.ReactionType) (records.ReactionType, bool) {
	switch t {
	case hub.ReactionTypeLike:
		return records.ReactionLike, true
	case hub.ReactionTypeRecast:
		return records.ReactionRecast, true
	}
	return "", false
}

func reaction(env records.Envelope, body *hub.ReactionBody, remove bool) (records.Record, bool) {
	if body == nil {
		return nil, false
	}
	typ, ok := reactionType(body.Type)
	if !ok {
		return nil, false
	}
	if remove {
		env = removed(env, env.Hash)
	}

	switch {
	case body.TargetCastID != nil:
		t := body.TargetCastID
		if t.Fid == 0 || len(t.Hash) == 0 {
			return nil, false
		}
		return &records.CastReaction{
			Envelope:   env,
			Type:       typ,
			TargetFid:  t.Fid,
			TargetHash: Hex(t.Hash),
		}, true
	case body.TargetURL != "":
		return &records.URLReaction{
			Envelope:  env,
			Type:      typ,
			TargetURL: body.TargetURL,
		}, true
	}
	return nil, false
}

func link(env records.Envelope, body *hub.LinkBody, remove bool) (records.Record, bool) {
	if body == nil || body.Type == "" || body.TargetFid == 0 {
		return nil, false
	}
	if remove {
		env = removed(env, env.Hash)
	}
	l := &records.Link{
		Envelope:  env,
		Type:      body.Type,
		TargetFid: body.TargetFid,
	}
	if body.DisplayTimestamp != nil {
		t := hub.Time(*body.DisplayTimestamp)
		l.DisplayTimestamp = &t
	}
	return l, true
}

var userDataTypes = map[hub.UserDataType]records.UserDataType{
	hub.UserDataTypePfp:      records.UserDataPfp,
	hub.UserDataTypeDisplay:  records.UserDataDisplay,
	hub.UserDataTypeBio:      records.UserDataBio,
	hub.UserDataTypeURL:      records.UserDataURL,
	hub.UserDataTypeUsername: records.UserDataUsername,
}

func userData(env records.Envelope, body *hub.UserDataBody) (records.Record, bool) {
	if body == nil {
		return nil, false
	}
	typ, ok := userDataTypes[body.Type]
	if !ok {
		return nil, false
	}
	return &records.UserData{Envelope: env, Type: typ, Value: body.Value}, true
}

func protocol(p string) string {
	if p == "" {
		return "ethereum"
	}
	return strings.ToLower(strings.TrimPrefix(p, "PROTOCOL_"))
}

func verificationAdd(env records.Envelope, body *hub.VerificationAddBody) (records.Record, bool) {
	if body == nil || len(body.Address) == 0 {
		return nil, false
	}
	return &records.Verification{
		Envelope:       env,
		Address:        Hex(body.Address),
		Protocol:       protocol(body.Protocol),
		ClaimSignature: Hex(body.ClaimSignature),
		BlockHash:      Hex(body.BlockHash),
	}, true
}

func verificationRemove(env records.Envelope, body *hub.VerificationRemoveBody) (records.Record, bool) {
	if body == nil || len(body.Address) == 0 {
		return nil, false
	}
	return &records.Verification{
		Envelope: removed(env, env.Hash),
		Address:  Hex(body.Address),
		Protocol: protocol(body.Protocol),
	}, true
}

func usernameProof(env records.Envelope, body *hub.UsernameProofBody) (records.Record, bool) {
	if body == nil || len(body.Name) == 0 {
		return nil, false
	}
	if body.Fid != 0 {
		env.Fid = body.Fid
	}
	// Proof timestamps are unix seconds, unlike message timestamps
	if body.Timestamp != 0 {
		env.Timestamp = time.Unix(int64(body.Timestamp), 0).UTC()
	}
	return &records.UsernameProof{
		Envelope: env,
		Name:     string(body.Name),
		Owner:    Hex(body.Owner),
		Type:     strings.ToLower(strings.TrimPrefix(body.Type, "USERNAME_TYPE_")),
	}, true
}
