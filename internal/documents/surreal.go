package documents

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sandwichfarm/castfeed/internal/config"
	"github.com/sandwichfarm/castfeed/internal/records"
	surrealdb "github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	tableEvents  = "events"
	tableActions = "actions"
	tableContent = "content"
)

var surrealSchema = []string{
	`DEFINE INDEX IF NOT EXISTS events_fid_kind ON events FIELDS fid, kind`,
	`DEFINE INDEX IF NOT EXISTS events_key ON events FIELDS kind, key`,
	`DEFINE INDEX IF NOT EXISTS actions_event ON actions FIELDS event_id`,
	`DEFINE INDEX IF NOT EXISTS actions_fid ON actions FIELDS fid`,
	`DEFINE INDEX IF NOT EXISTS content_cid ON content FIELDS cid UNIQUE`,
}

// Timestamps are stored as unix milliseconds and deletion as a flag plus
// time, so no field is ever NONE.
type eventDoc struct {
	ID        *models.RecordID `json:"id"`
	Hash      string           `json:"hash"`
	Fid       uint64           `json:"fid"`
	Kind      string           `json:"kind"`
	Key       string           `json:"key"`
	Ts        int64            `json:"ts"`
	Deleted   bool             `json:"deleted"`
	DeletedAt int64            `json:"deleted_at"`
}

type actionDoc struct {
	ID        *models.RecordID `json:"id"`
	Aid       string           `json:"aid"`
	EventID   string           `json:"event_id"`
	Type      string           `json:"type"`
	Fid       uint64           `json:"fid"`
	TargetFid uint64           `json:"target_fid"`
	ContentID string           `json:"content_id"`
	TargetURL string           `json:"target_url"`
	Value     string           `json:"value"`
	Ts        int64            `json:"ts"`
	Deleted   bool             `json:"deleted"`
	DeletedAt int64            `json:"deleted_at"`
}

type contentDoc struct {
	ID        *models.RecordID `json:"id"`
	Cid       string           `json:"cid"`
	Fid       uint64           `json:"fid"`
	Ts        int64            `json:"ts"`
	Body      string           `json:"body"`
	Deleted   bool             `json:"deleted"`
	DeletedAt int64            `json:"deleted_at"`
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func deletion(t *time.Time) (bool, int64) {
	if t == nil {
		return false, 0
	}
	return true, t.UnixMilli()
}

func fromMillis(deleted bool, ms int64) *time.Time {
	if !deleted {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

func toEventDoc(e *Event) eventDoc {
	deleted, at := deletion(e.DeletedAt)
	return eventDoc{
		ID:        &models.RecordID{Table: tableEvents, ID: e.ID},
		Hash:      e.ID,
		Fid:       e.Fid,
		Kind:      string(e.Kind),
		Key:       string(e.Key),
		Ts:        millis(e.Timestamp),
		Deleted:   deleted,
		DeletedAt: at,
	}
}

func (d eventDoc) event() *Event {
	return &Event{
		ID:        d.Hash,
		Fid:       d.Fid,
		Kind:      records.Kind(d.Kind),
		Key:       records.Key(d.Key),
		Timestamp: time.UnixMilli(d.Ts).UTC(),
		DeletedAt: fromMillis(d.Deleted, d.DeletedAt),
	}
}

func toActionDoc(a *Action) actionDoc {
	deleted, at := deletion(a.DeletedAt)
	return actionDoc{
		ID:        &models.RecordID{Table: tableActions, ID: a.ID},
		Aid:       a.ID,
		EventID:   a.EventID,
		Type:      string(a.Type),
		Fid:       a.Fid,
		TargetFid: a.TargetFid,
		ContentID: a.ContentID,
		TargetURL: a.TargetURL,
		Value:     a.Value,
		Ts:        millis(a.Timestamp),
		Deleted:   deleted,
		DeletedAt: at,
	}
}

func (d actionDoc) action() *Action {
	return &Action{
		ID:        d.Aid,
		EventID:   d.EventID,
		Type:      ActionType(d.Type),
		Fid:       d.Fid,
		TargetFid: d.TargetFid,
		ContentID: d.ContentID,
		TargetURL: d.TargetURL,
		Value:     d.Value,
		Timestamp: time.UnixMilli(d.Ts).UTC(),
		DeletedAt: fromMillis(d.Deleted, d.DeletedAt),
	}
}

// Surreal is a Store backed by SurrealDB
type Surreal struct {
	db *surrealdb.DB
}

// NewSurreal connects, signs in and selects the configured namespace and
// database
func NewSurreal(ctx context.Context, cfg *config.Documents) (*Surreal, error) {
	db, err := surrealdb.FromEndpointURLString(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to surrealdb: %w", err)
	}

	if cfg.Username != "" {
		if _, err := db.SignIn(ctx, surrealdb.Auth{
			Username: cfg.Username,
			Password: cfg.Password,
		}); err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("failed to sign in to surrealdb: %w", err)
		}
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("failed to select %s/%s: %w", cfg.Namespace, cfg.Database, err)
	}

	for _, stmt := range surrealSchema {
		if _, err := surrealdb.Query[any](ctx, db, stmt, nil); err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("failed to define schema: %w", err)
		}
	}

	return &Surreal{db: db}, nil
}

func (s *Surreal) insertIgnore(ctx context.Context, table string, rows any) error {
	_, err := surrealdb.Query[any](ctx, s.db,
		fmt.Sprintf("INSERT IGNORE INTO %s $rows RETURN NONE", table),
		map[string]any{"rows": rows})
	if err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return nil
}

func (s *Surreal) InsertEvents(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]eventDoc, len(events))
	for i, e := range events {
		rows[i] = toEventDoc(e)
	}
	return s.insertIgnore(ctx, tableEvents, rows)
}

func (s *Surreal) InsertActions(ctx context.Context, actions []*Action) error {
	if len(actions) == 0 {
		return nil
	}
	rows := make([]actionDoc, len(actions))
	for i, a := range actions {
		rows[i] = toActionDoc(a)
	}
	return s.insertIgnore(ctx, tableActions, rows)
}

func (s *Surreal) InsertContent(ctx context.Context, content []*Content) error {
	if len(content) == 0 {
		return nil
	}
	rows := make([]contentDoc, 0, len(content))
	for _, c := range content {
		body, err := json.MarshalToString(c)
		if err != nil {
			return fmt.Errorf("failed to encode content %s: %w", c.ID, err)
		}
		deleted, at := deletion(c.DeletedAt)
		rows = append(rows, contentDoc{
			ID:        &models.RecordID{Table: tableContent, ID: c.ID},
			Cid:       c.ID,
			Fid:       c.Fid,
			Ts:        millis(c.Timestamp),
			Body:      body,
			Deleted:   deleted,
			DeletedAt: at,
		})
	}
	return s.insertIgnore(ctx, tableContent, rows)
}

func (s *Surreal) GetContent(ctx context.Context, ids []string) (map[string]*Content, error) {
	out := make(map[string]*Content, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	res, err := surrealdb.Query[[]contentDoc](ctx, s.db,
		`SELECT * FROM content WHERE cid IN $ids`,
		map[string]any{"ids": ids})
	if err != nil {
		return nil, fmt.Errorf("failed to select content: %w", err)
	}

	for _, doc := range firstResult(res) {
		var c Content
		if err := json.UnmarshalFromString(doc.Body, &c); err != nil {
			return nil, fmt.Errorf("failed to decode content %s: %w", doc.Cid, err)
		}
		c.DeletedAt = fromMillis(doc.Deleted, doc.DeletedAt)
		out[doc.Cid] = &c
	}
	return out, nil
}

func (s *Surreal) SoftDeleteKey(ctx context.Context, kind records.Kind, key records.Key, at time.Time) (int, error) {
	res, err := surrealdb.Query[[]string](ctx, s.db,
		`SELECT VALUE hash FROM events WHERE kind = $kind AND key = $key AND deleted = false`,
		map[string]any{"kind": string(kind), "key": string(key)})
	if err != nil {
		return 0, fmt.Errorf("failed to select events for %s %s: %w", kind, key, err)
	}
	hashes := firstResult(res)

	vars := map[string]any{
		"hashes": hashes,
		"at":     millis(at),
		"cid":    string(key),
	}
	q := `UPDATE events SET deleted = true, deleted_at = $at WHERE hash IN $hashes AND deleted = false RETURN NONE;
UPDATE actions SET deleted = true, deleted_at = $at WHERE event_id IN $hashes AND deleted = false RETURN NONE;`
	if kind == records.KindCast {
		q += "\nUPDATE content SET deleted = true, deleted_at = $at WHERE cid = $cid AND deleted = false RETURN NONE;"
	}
	if _, err := surrealdb.Query[any](ctx, s.db, q, vars); err != nil {
		return 0, fmt.Errorf("failed to soft delete %s %s: %w", kind, key, err)
	}
	return len(hashes), nil
}

func (s *Surreal) ListEvents(ctx context.Context, fid uint64, kind records.Kind) ([]*Event, error) {
	res, err := surrealdb.Query[[]eventDoc](ctx, s.db,
		`SELECT * FROM events WHERE fid = $fid AND kind = $kind ORDER BY ts`,
		map[string]any{"fid": fid, "kind": string(kind)})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	docs := firstResult(res)
	events := make([]*Event, len(docs))
	for i, d := range docs {
		events[i] = d.event()
	}
	return events, nil
}

func (s *Surreal) ListActions(ctx context.Context, fid uint64) ([]*Action, error) {
	res, err := surrealdb.Query[[]actionDoc](ctx, s.db,
		`SELECT * FROM actions WHERE fid = $fid ORDER BY aid`,
		map[string]any{"fid": fid})
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	docs := firstResult(res)
	actions := make([]*Action, len(docs))
	for i, d := range docs {
		actions[i] = d.action()
	}
	return actions, nil
}

func (s *Surreal) ActiveKeys(ctx context.Context, fid uint64, kind records.Kind) ([]records.Key, error) {
	events, err := s.ListEvents(ctx, fid, kind)
	if err != nil {
		return nil, err
	}
	return activeKeys(events), nil
}

func (s *Surreal) Close(ctx context.Context) error {
	return s.db.Close(ctx)
}

func firstResult[T any](res *[]surrealdb.QueryResult[[]T]) []T {
	if res == nil || len(*res) == 0 {
		return nil
	}
	return (*res)[0].Result
}
