// Package documents holds the denormalized event, action and content
// collections built from canonical records.
package documents

import (
	"context"
	"fmt"
	"time"

	"github.com/sandwichfarm/castfeed/internal/config"
	"github.com/sandwichfarm/castfeed/internal/records"
)

// ActionType names what an account did
type ActionType string

const (
	ActionPost          ActionType = "post"
	ActionReply         ActionType = "reply"
	ActionReaction      ActionType = "reaction"
	ActionRecast        ActionType = "recast"
	ActionFollow        ActionType = "follow"
	ActionProfileUpdate ActionType = "profile_update"
	ActionAddressLink   ActionType = "address_link"
	ActionUsernameProof ActionType = "username_proof"
)

// Event is one processed hub message. Its ID is the message hash.
type Event struct {
	ID        string       `json:"id"`
	Fid       uint64       `json:"fid"`
	Kind      records.Kind `json:"kind"`
	Key       records.Key  `json:"key"`
	Timestamp time.Time    `json:"timestamp"`
	DeletedAt *time.Time   `json:"deletedAt,omitempty"`
}

// Deleted reports whether the event was soft-deleted
func (e *Event) Deleted() bool { return e.DeletedAt != nil }

// Action is one consequence of an event
type Action struct {
	ID        string     `json:"id"`
	EventID   string     `json:"eventId"`
	Type      ActionType `json:"type"`
	Fid       uint64     `json:"fid"`
	TargetFid uint64     `json:"targetFid,omitempty"`
	ContentID string     `json:"contentId,omitempty"`
	TargetURL string     `json:"targetUrl,omitempty"`
	Value     string     `json:"value,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// ActionID derives the id of the n-th action of an event
func ActionID(eventID string, n int) string {
	return fmt.Sprintf("%s:%d", eventID, n)
}

// Embed is a URL or a cast, resolved when the cast was available
type Embed struct {
	URL    string          `json:"url,omitempty"`
	CastID *records.CastID `json:"castId,omitempty"`
	Cast   *Content        `json:"cast,omitempty"`
}

// Content is a cast with its author, mentions, embeds and parent resolved.
// Nested content carries at most two levels.
type Content struct {
	ID                string            `json:"id"`
	Fid               uint64            `json:"fid"`
	Hash              string            `json:"hash"`
	Text              string            `json:"text"`
	Author            records.Profile   `json:"author"`
	Mentions          []records.Profile `json:"mentions"`
	MentionsPositions []uint32          `json:"mentionsPositions"`
	Embeds            []Embed           `json:"embeds"`
	ParentID          string            `json:"parentId,omitempty"`
	Parent            *Content          `json:"parent,omitempty"`
	ParentURL         string            `json:"parentUrl,omitempty"`
	RootID            string            `json:"rootId"`
	Channel           string            `json:"channel,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
	DeletedAt         *time.Time        `json:"deletedAt,omitempty"`
}

// Deleted reports whether the content was soft-deleted
func (c *Content) Deleted() bool { return c.DeletedAt != nil }

// ContentID is the content id of a cast
func ContentID(id records.CastID) string {
	return string(id.Key())
}

// Store is the document store. Inserts ignore ids that already exist.
type Store interface {
	InsertEvents(ctx context.Context, events []*Event) error
	InsertActions(ctx context.Context, actions []*Action) error
	InsertContent(ctx context.Context, content []*Content) error

	// GetContent returns the stored content for ids, soft-deleted included.
	// Unknown ids are absent from the result.
	GetContent(ctx context.Context, ids []string) (map[string]*Content, error)

	// SoftDeleteKey marks every live event with the natural key deleted,
	// along with its actions and, for casts, its content. It returns the
	// number of events it deleted.
	SoftDeleteKey(ctx context.Context, kind records.Kind, key records.Key, at time.Time) (int, error)

	ListEvents(ctx context.Context, fid uint64, kind records.Kind) ([]*Event, error)
	ListActions(ctx context.Context, fid uint64) ([]*Action, error)

	// ActiveKeys returns the distinct natural keys with a live event
	ActiveKeys(ctx context.Context, fid uint64, kind records.Kind) ([]records.Key, error)

	Close(ctx context.Context) error
}

// New opens the configured document store
func New(ctx context.Context, cfg *config.Documents) (Store, error) {
	switch cfg.Engine {
	case "", "memory":
		return NewMemory(), nil
	case "surrealdb":
		return NewSurreal(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported document engine: %s", cfg.Engine)
	}
}
