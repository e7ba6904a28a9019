// Package transform turns canonical records into document store events,
// actions and enriched content.
package transform

import (
	"context"
	"errors"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sandwichfarm/castfeed/internal/cache"
	"github.com/sandwichfarm/castfeed/internal/decode"
	"github.com/sandwichfarm/castfeed/internal/documents"
	"github.com/sandwichfarm/castfeed/internal/hub"
	"github.com/sandwichfarm/castfeed/internal/ops"
	"github.com/sandwichfarm/castfeed/internal/records"
	"golang.org/x/sync/errgroup"
)

// MaxHops is how many levels of parents and quoted casts get embedded
const MaxHops = 2

const fetchConcurrency = 8

// ProfileSource loads folded profiles for accounts missing from the cache
type ProfileSource interface {
	Profiles(ctx context.Context, fids []uint64) (map[uint64]records.Profile, error)
}

// Result is the output of one Transform call
type Result struct {
	Events  []*documents.Event
	Actions []*documents.Action
	// Content holds the document of every cast passed in, new or not
	Content []*documents.Content
	// NewContent holds only documents built by this call, nested ones
	// included
	NewContent []*documents.Content
}

// RootResolver finds the top of a reply chain
type RootResolver interface {
	ResolveRoot(ctx context.Context, cast *records.Cast) (records.Root, error)
}

// Transformer builds documents from records
type Transformer struct {
	cache    *cache.Client
	docs     documents.Store
	src      hub.Source
	profiles ProfileSource
	roots    RootResolver
	logger   *ops.Logger
}

// New creates a transformer
func New(c *cache.Client, docs documents.Store, src hub.Source, profiles ProfileSource, logger *ops.Logger) *Transformer {
	if logger == nil {
		logger = ops.Default()
	}
	return &Transformer{
		cache:    c,
		docs:     docs,
		src:      src,
		profiles: profiles,
		logger:   logger.WithComponent("transform"),
	}
}

// WithRoots resolves the roots of replies that reach the transformer
// without one, such as ancestors fetched from the hub. Without it those
// replies are embedded but never stored.
func (t *Transformer) WithRoots(r RootResolver) *Transformer {
	t.roots = r
	return t
}

// Transform converts recs. Removals are skipped; they are applied by soft
// deleting what their adds produced.
func (t *Transformer) Transform(ctx context.Context, recs []records.Record) (*Result, error) {
	res := &Result{}

	var casts []*records.Cast
	for _, rec := range recs {
		if rec.Env().Deleted() {
			continue
		}
		ev := eventOf(rec)
		res.Events = append(res.Events, ev)
		res.Actions = append(res.Actions, actionsOf(ev, rec)...)
		if c, ok := rec.(*records.Cast); ok {
			casts = append(casts, c)
		}
	}
	if len(casts) == 0 {
		return res, nil
	}

	// the casts passed in count as built only once the document store has
	// them; a cached copy may be left over from a failed store
	memo := xsync.NewMapOf[string, *documents.Content]()
	known, err := t.lookup(ctx, castIDs(casts), memo, false)
	if err != nil {
		return nil, err
	}

	var pending []*records.Cast
	for _, c := range casts {
		if !known[documents.ContentID(c.ID())] {
			pending = append(pending, c)
		}
	}

	// levels[0] are the casts to build, levels[h] their ancestors and
	// quoted casts h hops away
	levels := [][]*records.Cast{pending}
	for hop := 1; hop <= MaxHops; hop++ {
		refs := unresolvedRefs(levels[hop-1], memo)
		if len(refs) == 0 {
			break
		}
		found, err := t.lookup(ctx, refs, memo, true)
		if err != nil {
			return nil, err
		}
		var missing []records.CastID
		for _, id := range refs {
			if !found[documents.ContentID(id)] {
				missing = append(missing, id)
			}
		}
		levels = append(levels, t.fetch(ctx, missing))
	}

	var all []*records.Cast
	for _, level := range levels {
		all = append(all, level...)
	}
	accounts, err := t.accounts(ctx, all)
	if err != nil {
		return nil, err
	}

	// ancestors sit one level above their replies, so walking down the
	// levels resolves a parent's root before its children need it
	batch := make(map[string]*records.Cast, len(all))
	for _, c := range all {
		batch[documents.ContentID(c.ID())] = c
	}
	for h := len(levels) - 1; h >= 0; h-- {
		for _, c := range levels[h] {
			t.fillRoot(ctx, c, batch, memo)
		}
	}

	for h := len(levels) - 1; h >= 0; h-- {
		for _, c := range levels[h] {
			id := documents.ContentID(c.ID())
			if _, ok := memo.Load(id); ok {
				continue
			}
			doc := build(c, accounts, memo)
			memo.Store(id, doc)
			if doc.RootID == "" {
				t.logger.Debug("embedding reply without a root", "cast", c.Key())
				continue
			}
			res.NewContent = append(res.NewContent, doc)
		}
	}

	for _, c := range casts {
		if doc, ok := memo.Load(documents.ContentID(c.ID())); ok {
			res.Content = append(res.Content, doc)
		}
	}

	if len(res.NewContent) > 0 {
		if err := t.cache.SetContent(ctx, res.NewContent); err != nil {
			t.logger.Warn("failed to cache new content", "count", len(res.NewContent), "error", err)
		}
	}
	return res, nil
}

// lookup resolves ids against the cache and then the document store, in
// that order, storing hits in memo. It reports which ids were found. With
// useCache false only the document store is consulted.
func (t *Transformer) lookup(ctx context.Context, ids []records.CastID, memo *xsync.MapOf[string, *documents.Content], useCache bool) (map[string]bool, error) {
	found := make(map[string]bool, len(ids))
	var keys []string
	for _, id := range ids {
		k := documents.ContentID(id)
		if _, ok := memo.Load(k); ok {
			found[k] = true
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return found, nil
	}

	rest := keys
	if useCache {
		cached, err := t.cache.Content(ctx, keys)
		if err != nil {
			return nil, fmt.Errorf("failed to read cached content: %w", err)
		}
		rest = nil
		for _, k := range keys {
			if doc, ok := cached[k]; ok {
				memo.Store(k, doc)
				found[k] = true
			} else {
				rest = append(rest, k)
			}
		}
		if len(rest) == 0 {
			return found, nil
		}
	}

	stored, err := t.docs.GetContent(ctx, rest)
	if err != nil {
		return nil, fmt.Errorf("failed to read stored content: %w", err)
	}
	for k, doc := range stored {
		memo.Store(k, doc)
		found[k] = true
	}
	return found, nil
}

// fetch loads casts from the hub. References that cannot be fetched or
// decoded are dropped.
func (t *Transformer) fetch(ctx context.Context, ids []records.CastID) []*records.Cast {
	if len(ids) == 0 {
		return nil
	}
	out := make([]*records.Cast, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			msg, err := t.src.GetCast(gctx, id.Fid, id.Hash)
			if err != nil {
				t.logger.Debug("skipping unreachable reference", "cast", id.Key(), "error", err)
				return nil
			}
			rec, ok := decode.Message(msg)
			if !ok {
				return nil
			}
			if c, isCast := rec.(*records.Cast); isCast && !c.Deleted() {
				out[i] = c
			}
			return nil
		})
	}
	g.Wait()

	casts := make([]*records.Cast, 0, len(out))
	for _, c := range out {
		if c != nil {
			casts = append(casts, c)
		}
	}
	return casts
}

// fillRoot sets the root of a reply that has none. A parent in batch or in
// memo that knows its root saves the upstream walk.
func (t *Transformer) fillRoot(ctx context.Context, c *records.Cast, batch map[string]*records.Cast, memo *xsync.MapOf[string, *documents.Content]) {
	parent, ok := c.Parent()
	if !ok || c.RootParentHash != "" {
		return
	}

	k := documents.ContentID(parent)
	if p, ok := batch[k]; ok && p.RootParentHash != "" {
		c.SetRoot(records.Root{Fid: p.RootParentFid, Hash: p.RootParentHash, URL: p.RootParentURL})
		return
	}
	if doc, ok := memo.Load(k); ok && doc.RootID != "" {
		if root, err := records.ParseCastKey(records.Key(doc.RootID)); err == nil {
			c.SetRoot(records.Root{Fid: root.Fid, Hash: root.Hash})
			return
		}
	}

	if t.roots == nil {
		return
	}
	root, err := t.roots.ResolveRoot(ctx, c)
	if err != nil {
		t.logger.Debug("root walk incomplete", "cast", c.Key(), "error", err)
	}
	if root.Hash != "" {
		c.SetRoot(root)
	}
}

// accounts resolves every author and mention of casts, cache first
func (t *Transformer) accounts(ctx context.Context, casts []*records.Cast) (map[uint64]records.Profile, error) {
	seen := make(map[uint64]bool)
	var fids []uint64
	add := func(fid uint64) {
		if !seen[fid] {
			seen[fid] = true
			fids = append(fids, fid)
		}
	}
	for _, c := range casts {
		add(c.Fid)
		for _, m := range c.Mentions {
			add(m)
		}
	}

	out := make(map[uint64]records.Profile, len(fids))
	var misses []uint64
	for _, fid := range fids {
		p, err := t.cache.Profile(ctx, fid, func(context.Context, uint64) (records.Profile, error) {
			return records.Profile{}, errMiss
		})
		if errors.Is(err, errMiss) {
			misses = append(misses, fid)
			continue
		}
		if err != nil {
			return nil, err
		}
		out[fid] = p
	}
	if len(misses) == 0 {
		return out, nil
	}

	loaded, err := t.profiles.Profiles(ctx, misses)
	if err != nil {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}
	for _, fid := range misses {
		p, ok := loaded[fid]
		if !ok {
			p = records.Profile{Fid: fid}
		}
		out[fid] = p
		if err := t.cache.SetProfile(ctx, p); err != nil {
			t.logger.Warn("failed to cache profile", "fid", fid, "error", err)
		}
	}
	return out, nil
}

var errMiss = errors.New("transform: profile not cached")

func castIDs(casts []*records.Cast) []records.CastID {
	ids := make([]records.CastID, len(casts))
	for i, c := range casts {
		ids[i] = c.ID()
	}
	return ids
}

// unresolvedRefs returns the parents and quoted casts of casts that are not
// in memo yet, without duplicates
func unresolvedRefs(casts []*records.Cast, memo *xsync.MapOf[string, *documents.Content]) []records.CastID {
	seen := make(map[string]bool)
	var refs []records.CastID
	add := func(id records.CastID) {
		k := documents.ContentID(id)
		if seen[k] {
			return
		}
		seen[k] = true
		if _, ok := memo.Load(k); !ok {
			refs = append(refs, id)
		}
	}
	for _, c := range casts {
		if p, ok := c.Parent(); ok {
			add(p)
		}
		for _, q := range c.QuotedCasts() {
			add(q)
		}
	}
	return refs
}

// build assembles the document of c from resolved accounts and content
func build(c *records.Cast, accounts map[uint64]records.Profile, memo *xsync.MapOf[string, *documents.Content]) *documents.Content {
	doc := &documents.Content{
		ID:                documents.ContentID(c.ID()),
		Fid:               c.Fid,
		Hash:              c.Hash,
		Text:              c.Text,
		Author:            profileOf(accounts, c.Fid),
		MentionsPositions: append([]uint32{}, c.MentionsPositions...),
		ParentURL:         c.ParentURL,
		Channel:           c.Channel(),
		Timestamp:         c.Timestamp,
	}
	if c.RootParentHash != "" {
		doc.RootID = documents.ContentID(records.CastID{Fid: c.RootParentFid, Hash: c.RootParentHash})
	}

	doc.Mentions = make([]records.Profile, len(c.Mentions))
	for i, m := range c.Mentions {
		doc.Mentions[i] = profileOf(accounts, m)
	}

	doc.Embeds = make([]documents.Embed, len(c.Embeds))
	for i, e := range c.Embeds {
		doc.Embeds[i] = documents.Embed{URL: e.URL}
		if e.CastID != nil {
			id := *e.CastID
			doc.Embeds[i].CastID = &id
			if nested, ok := memo.Load(documents.ContentID(id)); ok {
				doc.Embeds[i].Cast = trim(nested, MaxHops-1)
			}
		}
	}

	if p, ok := c.Parent(); ok {
		doc.ParentID = documents.ContentID(p)
		if nested, ok := memo.Load(doc.ParentID); ok {
			doc.Parent = trim(nested, MaxHops-1)
		}
	}
	return doc
}

// trim copies c keeping at most depth further levels of nested content
func trim(c *documents.Content, depth int) *documents.Content {
	cp := *c
	if depth <= 0 {
		cp.Parent = nil
		cp.Embeds = make([]documents.Embed, len(c.Embeds))
		for i, e := range c.Embeds {
			cp.Embeds[i] = documents.Embed{URL: e.URL, CastID: e.CastID}
		}
		return &cp
	}
	if c.Parent != nil {
		cp.Parent = trim(c.Parent, depth-1)
	}
	cp.Embeds = make([]documents.Embed, len(c.Embeds))
	for i, e := range c.Embeds {
		cp.Embeds[i] = e
		if e.Cast != nil {
			cp.Embeds[i].Cast = trim(e.Cast, depth-1)
		}
	}
	return &cp
}

func profileOf(accounts map[uint64]records.Profile, fid uint64) records.Profile {
	if p, ok := accounts[fid]; ok {
		return p
	}
	return records.Profile{Fid: fid}
}

func eventOf(rec records.Record) *documents.Event {
	env := rec.Env()
	return &documents.Event{
		ID:        env.Hash,
		Fid:       env.Fid,
		Kind:      rec.Kind(),
		Key:       rec.Key(),
		Timestamp: env.Timestamp,
	}
}

func actionsOf(ev *documents.Event, rec records.Record) []*documents.Action {
	a := &documents.Action{
		ID:        documents.ActionID(ev.ID, 0),
		EventID:   ev.ID,
		Fid:       ev.Fid,
		Timestamp: ev.Timestamp,
	}

	switch r := rec.(type) {
	case *records.Cast:
		a.ContentID = documents.ContentID(r.ID())
		a.Type = documents.ActionPost
		if p, ok := r.Parent(); ok {
			a.Type = documents.ActionReply
			a.TargetFid = p.Fid
			a.Value = documents.ContentID(p)
		}
		actions := []*documents.Action{a}
		for _, q := range r.QuotedCasts() {
			actions = append(actions, &documents.Action{
				ID:        documents.ActionID(ev.ID, len(actions)),
				EventID:   ev.ID,
				Type:      documents.ActionPost,
				Fid:       ev.Fid,
				TargetFid: q.Fid,
				ContentID: a.ContentID,
				Value:     documents.ContentID(q),
				Timestamp: ev.Timestamp,
			})
		}
		return actions
	case *records.CastReaction:
		a.Type = reactionAction(r.Type)
		a.TargetFid = r.TargetFid
		a.ContentID = documents.ContentID(r.Target())
	case *records.URLReaction:
		a.Type = reactionAction(r.Type)
		a.TargetURL = r.TargetURL
	case *records.Link:
		a.Type = documents.ActionFollow
		a.TargetFid = r.TargetFid
	case *records.UserData:
		a.Type = documents.ActionProfileUpdate
		a.Value = string(r.Type)
	case *records.Verification:
		a.Type = documents.ActionAddressLink
		a.Value = r.Address
	case *records.UsernameProof:
		a.Type = documents.ActionUsernameProof
		a.Value = r.Name
	default:
		return nil
	}
	return []*documents.Action{a}
}

func reactionAction(t records.ReactionType) documents.ActionType {
	if t == records.ReactionRecast {
		return documents.ActionRecast
	}
	return documents.ActionReaction
}

// Store writes a result to the document store
func Store(ctx context.Context, docs documents.Store, res *Result) error {
	if err := docs.InsertEvents(ctx, res.Events); err != nil {
		return err
	}
	if err := docs.InsertActions(ctx, res.Actions); err != nil {
		return err
	}
	return docs.InsertContent(ctx, res.NewContent)
}
