package hub

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Epoch is the zero point of hub message timestamps.
var Epoch = time.Date(2021, time.January, 1, 0, 0, 0, 0, time.UTC)

// Time converts a hub timestamp to absolute UTC time
func Time(ts uint32) time.Time {
	return Epoch.Add(time.Duration(ts) * time.Second)
}

// Timestamp converts an absolute time to hub-epoch seconds
func Timestamp(t time.Time) uint32 {
	d := t.Sub(Epoch)
	if d < 0 {
		return 0
	}
	return uint32(d / time.Second)
}

// MessageType identifies the body a message carries
type MessageType string

const (
	MessageTypeCastAdd            MessageType = "MESSAGE_TYPE_CAST_ADD"
	MessageTypeCastRemove         MessageType = "MESSAGE_TYPE_CAST_REMOVE"
	MessageTypeReactionAdd        MessageType = "MESSAGE_TYPE_REACTION_ADD"
	MessageTypeReactionRemove     MessageType = "MESSAGE_TYPE_REACTION_REMOVE"
	MessageTypeLinkAdd            MessageType = "MESSAGE_TYPE_LINK_ADD"
	MessageTypeLinkRemove         MessageType = "MESSAGE_TYPE_LINK_REMOVE"
	MessageTypeVerificationAdd    MessageType = "MESSAGE_TYPE_VERIFICATION_ADD_ETH_ADDRESS"
	MessageTypeVerificationRemove MessageType = "MESSAGE_TYPE_VERIFICATION_REMOVE"
	MessageTypeUserDataAdd        MessageType = "MESSAGE_TYPE_USER_DATA_ADD"
	MessageTypeUsernameProof      MessageType = "MESSAGE_TYPE_USERNAME_PROOF"
)

// ReactionType is the kind of reaction a reaction body carries
type ReactionType string

const (
	ReactionTypeLike   ReactionType = "REACTION_TYPE_LIKE"
	ReactionTypeRecast ReactionType = "REACTION_TYPE_RECAST"
)

// UserDataType is the profile field a user data body sets
type UserDataType string

const (
	UserDataTypePfp      UserDataType = "USER_DATA_TYPE_PFP"
	UserDataTypeDisplay  UserDataType = "USER_DATA_TYPE_DISPLAY"
	UserDataTypeBio      UserDataType = "USER_DATA_TYPE_BIO"
	UserDataTypeURL      UserDataType = "USER_DATA_TYPE_URL"
	UserDataTypeUsername UserDataType = "USER_DATA_TYPE_USERNAME"
)

// Bytes is a binary field. The hub encodes hashes and addresses as 0x hex
// and signatures as base64; both forms are accepted.
type Bytes []byte

// UnmarshalJSON decodes a 0x-hex or base64 string
func (b *Bytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*b = nil
		return nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		raw, err := hex.DecodeString(s[2:])
		if err != nil {
			return fmt.Errorf("invalid hex bytes: %w", err)
		}
		*b = raw
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("invalid base64 bytes: %w", err)
		}
	}
	*b = raw
	return nil
}

// MarshalJSON encodes as 0x hex
func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte(`""`), nil
	}
	return json.Marshal("0x" + hex.EncodeToString(b))
}

// CastID points at a cast by author and hash
type CastID struct {
	Fid  uint64 `json:"fid"`
	Hash Bytes  `json:"hash"`
}

// Embed is either a URL or a cast reference
type Embed struct {
	URL    string  `json:"url,omitempty"`
	CastID *CastID `json:"castId,omitempty"`
}

type CastAddBody struct {
	Text              string   `json:"text"`
	Mentions          []uint64 `json:"mentions"`
	MentionsPositions []uint32 `json:"mentionsPositions"`
	Embeds            []Embed  `json:"embeds"`
	ParentCastID      *CastID  `json:"parentCastId,omitempty"`
	ParentURL         string   `json:"parentUrl,omitempty"`
}

type CastRemoveBody struct {
	TargetHash Bytes `json:"targetHash"`
}

type ReactionBody struct {
	Type         ReactionType `json:"type"`
	TargetCastID *CastID      `json:"targetCastId,omitempty"`
	TargetURL    string       `json:"targetUrl,omitempty"`
}

type LinkBody struct {
	Type             string  `json:"type"`
	TargetFid        uint64  `json:"targetFid"`
	DisplayTimestamp *uint32 `json:"displayTimestamp,omitempty"`
}

type UserDataBody struct {
	Type  UserDataType `json:"type"`
	Value string       `json:"value"`
}

type VerificationAddBody struct {
	Address        Bytes  `json:"address"`
	ClaimSignature Bytes  `json:"claimSignature"`
	BlockHash      Bytes  `json:"blockHash"`
	Protocol       string `json:"protocol"`
}

type VerificationRemoveBody struct {
	Address  Bytes  `json:"address"`
	Protocol string `json:"protocol"`
}

type UsernameProofBody struct {
	Timestamp uint64 `json:"timestamp"`
	Name      Bytes  `json:"name"`
	Owner     Bytes  `json:"owner"`
	Signature Bytes  `json:"signature"`
	Fid       uint64 `json:"fid"`
	Type      string `json:"type"`
}

// MessageData is the signed portion of a message
type MessageData struct {
	Type      MessageType `json:"type"`
	Fid       uint64      `json:"fid"`
	Timestamp uint32      `json:"timestamp"`
	Network   string      `json:"network"`

	CastAddBody            *CastAddBody            `json:"castAddBody,omitempty"`
	CastRemoveBody         *CastRemoveBody         `json:"castRemoveBody,omitempty"`
	ReactionBody           *ReactionBody           `json:"reactionBody,omitempty"`
	LinkBody               *LinkBody               `json:"linkBody,omitempty"`
	UserDataBody           *UserDataBody           `json:"userDataBody,omitempty"`
	VerificationAddBody    *VerificationAddBody    `json:"verificationAddAddressBody,omitempty"`
	VerificationRemoveBody *VerificationRemoveBody `json:"verificationRemoveBody,omitempty"`
	UsernameProofBody      *UsernameProofBody      `json:"usernameProofBody,omitempty"`
}

// Message is a signed hub message as served by the hub HTTP API
type Message struct {
	Data            *MessageData `json:"data"`
	Hash            Bytes        `json:"hash"`
	HashScheme      string       `json:"hashScheme"`
	Signature       Bytes        `json:"signature"`
	SignatureScheme string       `json:"signatureScheme"`
	Signer          Bytes        `json:"signer"`
}

// Page is one page of a paginated listing
type Page struct {
	Messages      []*Message `json:"messages"`
	NextPageToken string     `json:"nextPageToken"`
}

// ParseMessage decodes a single JSON message, as delivered on the queue
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse hub message: %w", err)
	}
	return &msg, nil
}

// EncodeMessage is the inverse of ParseMessage
func EncodeMessage(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}
