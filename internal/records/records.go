// Package records defines the canonical shapes hub messages are decoded
// into. Every record carries a natural key that is unique per kind.
package records

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind identifies a record family
type Kind string

const (
	KindCast          Kind = "cast"
	KindCastReaction  Kind = "cast_reaction"
	KindURLReaction   Kind = "url_reaction"
	KindLink          Kind = "link"
	KindUserData      Kind = "user_data"
	KindVerification  Kind = "verification"
	KindUsernameProof Kind = "username_proof"
)

// AllKinds lists every record kind in storage order
var AllKinds = []Kind{
	KindCast,
	KindCastReaction,
	KindURLReaction,
	KindLink,
	KindUserData,
	KindVerification,
	KindUsernameProof,
}

// Key is a natural key, unique per kind
type Key string

// Envelope holds the signed-message fields every record shares
type Envelope struct {
	Fid             uint64     `json:"fid" db:"fid"`
	Hash            string     `json:"hash" db:"hash"`
	HashScheme      string     `json:"hashScheme" db:"hash_scheme"`
	Signer          string     `json:"signer" db:"signer"`
	SignatureScheme string     `json:"signatureScheme" db:"signature_scheme"`
	Signature       string     `json:"signature" db:"signature"`
	Timestamp       time.Time  `json:"timestamp" db:"timestamp"`
	DeletedAt       *time.Time `json:"deletedAt,omitempty" db:"deleted_at"`
}

// Deleted reports whether the record carries a soft-delete marker
func (e *Envelope) Deleted() bool {
	return e.DeletedAt != nil
}

// Record is any canonical message
type Record interface {
	Kind() Kind
	Key() Key
	Env() *Envelope
}

// CastID references a cast by author and hash
type CastID struct {
	Fid  uint64 `json:"fid"`
	Hash string `json:"hash"`
}

// Key returns the natural key of the referenced cast
func (c CastID) Key() Key {
	return CastKey(c.Fid, c.Hash)
}

// CastKey builds a cast natural key
func CastKey(fid uint64, hash string) Key {
	return Key(strconv.FormatUint(fid, 10) + ":" + hash)
}

// ParseCastKey splits a cast key back into its parts
func ParseCastKey(k Key) (CastID, error) {
	fid, hash, ok := strings.Cut(string(k), ":")
	if !ok || hash == "" {
		return CastID{}, fmt.Errorf("malformed cast key %q", k)
	}
	n, err := strconv.ParseUint(fid, 10, 64)
	if err != nil {
		return CastID{}, fmt.Errorf("malformed cast key %q: %w", k, err)
	}
	return CastID{Fid: n, Hash: hash}, nil
}

// Embed is a URL or a cast reference, never both
type Embed struct {
	URL    string  `json:"url,omitempty"`
	CastID *CastID `json:"castId,omitempty"`
}

// Root is the resolved top of a reply chain
type Root struct {
	Fid  uint64 `json:"fid"`
	Hash string `json:"hash"`
	URL  string `json:"url,omitempty"`
}

// Cast is a post, reply or channel post
type Cast struct {
	Envelope
	Text              string   `json:"text"`
	ParentFid         uint64   `json:"parentFid,omitempty"`
	ParentHash        string   `json:"parentHash,omitempty"`
	ParentURL         string   `json:"parentUrl,omitempty"`
	RootParentFid     uint64   `json:"rootParentFid"`
	RootParentHash    string   `json:"rootParentHash"`
	RootParentURL     string   `json:"rootParentUrl,omitempty"`
	Mentions          []uint64 `json:"mentions"`
	MentionsPositions []uint32 `json:"mentionsPositions"`
	Embeds            []Embed  `json:"embeds"`
}

func (c *Cast) Kind() Kind     { return KindCast }
func (c *Cast) Key() Key       { return CastKey(c.Fid, c.Hash) }
func (c *Cast) Env() *Envelope { return &c.Envelope }

// ID returns the reference to this cast
func (c *Cast) ID() CastID {
	return CastID{Fid: c.Fid, Hash: c.Hash}
}

// IsReply reports whether the cast answers another cast
func (c *Cast) IsReply() bool {
	return c.ParentHash != ""
}

// Parent returns the parent cast reference, if any
func (c *Cast) Parent() (CastID, bool) {
	if c.ParentHash == "" {
		return CastID{}, false
	}
	return CastID{Fid: c.ParentFid, Hash: c.ParentHash}, true
}

// Channel returns the channel URL a cast belongs to. Replies inherit the
// channel of their root.
func (c *Cast) Channel() string {
	if c.RootParentURL != "" {
		return c.RootParentURL
	}
	return c.ParentURL
}

// SetRoot stores a resolved root on the cast
func (c *Cast) SetRoot(r Root) {
	c.RootParentFid = r.Fid
	c.RootParentHash = r.Hash
	c.RootParentURL = r.URL
}

// QuotedCasts returns the casts embedded by reference, in order
func (c *Cast) QuotedCasts() []CastID {
	var ids []CastID
	for _, e := range c.Embeds {
		if e.CastID != nil {
			ids = append(ids, *e.CastID)
		}
	}
	return ids
}

// ReactionType is like or recast
type ReactionType string

const (
	ReactionLike   ReactionType = "like"
	ReactionRecast ReactionType = "recast"
)

// CastReaction is a like or recast targeting a cast
type CastReaction struct {
	Envelope
	Type       ReactionType `json:"type"`
	TargetFid  uint64       `json:"targetFid"`
	TargetHash string       `json:"targetHash"`
}

func (r *CastReaction) Kind() Kind     { return KindCastReaction }
func (r *CastReaction) Env() *Envelope { return &r.Envelope }
func (r *CastReaction) Key() Key {
	return Key(fmt.Sprintf("%d:%s:%s", r.Fid, r.Type, CastKey(r.TargetFid, r.TargetHash)))
}

// Target returns the reacted-to cast
func (r *CastReaction) Target() CastID {
	return CastID{Fid: r.TargetFid, Hash: r.TargetHash}
}

// URLReaction is a like or recast targeting a URL
type URLReaction struct {
	Envelope
	Type      ReactionType `json:"type"`
	TargetURL string       `json:"targetUrl"`
}

func (r *URLReaction) Kind() Kind     { return KindURLReaction }
func (r *URLReaction) Env() *Envelope { return &r.Envelope }
func (r *URLReaction) Key() Key {
	return Key(fmt.Sprintf("%d:%s:%s", r.Fid, r.Type, r.TargetURL))
}

// Link is a directed edge between two accounts
type Link struct {
	Envelope
	Type             string     `json:"type"`
	TargetFid        uint64     `json:"targetFid"`
	DisplayTimestamp *time.Time `json:"displayTimestamp,omitempty"`
}

// LinkFollow is the only link type the hub currently emits
const LinkFollow = "follow"

func (l *Link) Kind() Kind     { return KindLink }
func (l *Link) Env() *Envelope { return &l.Envelope }
func (l *Link) Key() Key {
	return Key(fmt.Sprintf("%d:%s:%d", l.Fid, l.Type, l.TargetFid))
}

// UserDataType names a profile field
type UserDataType string

const (
	UserDataPfp      UserDataType = "pfp"
	UserDataDisplay  UserDataType = "display"
	UserDataBio      UserDataType = "bio"
	UserDataURL      UserDataType = "url"
	UserDataUsername UserDataType = "username"
)

// UserData sets one profile field
type UserData struct {
	Envelope
	Type  UserDataType `json:"type"`
	Value string       `json:"value"`
}

func (u *UserData) Kind() Kind     { return KindUserData }
func (u *UserData) Env() *Envelope { return &u.Envelope }
func (u *UserData) Key() Key {
	return Key(fmt.Sprintf("%d:%s", u.Fid, u.Type))
}

// Verification links an account to an external address
type Verification struct {
	Envelope
	Address        string `json:"address"`
	Protocol       string `json:"protocol"`
	ClaimSignature string `json:"claimSignature,omitempty"`
	BlockHash      string `json:"blockHash,omitempty"`
}

func (v *Verification) Kind() Kind     { return KindVerification }
func (v *Verification) Env() *Envelope { return &v.Envelope }
func (v *Verification) Key() Key {
	return Key(fmt.Sprintf("%d:%s", v.Fid, v.Address))
}

// UsernameProof binds a name to an owner address and account
type UsernameProof struct {
	Envelope
	Name  string `json:"name"`
	Owner string `json:"owner"`
	Type  string `json:"type"`
}

func (p *UsernameProof) Kind() Kind     { return KindUsernameProof }
func (p *UsernameProof) Env() *Envelope { return &p.Envelope }
func (p *UsernameProof) Key() Key       { return Key(p.Name) }
