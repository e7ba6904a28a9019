package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sandwichfarm/castfeed/internal/records"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var envCols = []string{"hash", "hash_scheme", "signer", "signature_scheme", "signature", "ts", "deleted_at"}

type envRow struct {
	Fid             uint64     `db:"fid"`
	Hash            string     `db:"hash"`
	HashScheme      string     `db:"hash_scheme"`
	Signer          string     `db:"signer"`
	SignatureScheme string     `db:"signature_scheme"`
	Signature       string     `db:"signature"`
	Ts              time.Time  `db:"ts"`
	DeletedAt       *time.Time `db:"deleted_at"`
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func toEnvRow(e *records.Envelope) envRow {
	return envRow{
		Fid:             e.Fid,
		Hash:            e.Hash,
		HashScheme:      e.HashScheme,
		Signer:          e.Signer,
		SignatureScheme: e.SignatureScheme,
		Signature:       e.Signature,
		Ts:              e.Timestamp.UTC(),
		DeletedAt:       utcPtr(e.DeletedAt),
	}
}

func (r envRow) envelope() records.Envelope {
	return records.Envelope{
		Fid:             r.Fid,
		Hash:            r.Hash,
		HashScheme:      r.HashScheme,
		Signer:          r.Signer,
		SignatureScheme: r.SignatureScheme,
		Signature:       r.Signature,
		Timestamp:       r.Ts.UTC(),
		DeletedAt:       utcPtr(r.DeletedAt),
	}
}

type castRow struct {
	envRow
	Text              string `db:"text"`
	ParentFid         uint64 `db:"parent_fid"`
	ParentHash        string `db:"parent_hash"`
	ParentURL         string `db:"parent_url"`
	RootParentFid     uint64 `db:"root_parent_fid"`
	RootParentHash    string `db:"root_parent_hash"`
	RootParentURL     string `db:"root_parent_url"`
	Mentions          string `db:"mentions"`
	MentionsPositions string `db:"mentions_positions"`
	Embeds            string `db:"embeds"`
}

type castReactionRow struct {
	envRow
	Type       string `db:"type"`
	TargetFid  uint64 `db:"target_fid"`
	TargetHash string `db:"target_hash"`
}

type urlReactionRow struct {
	envRow
	Type      string `db:"type"`
	TargetURL string `db:"target_url"`
}

type linkRow struct {
	envRow
	Type      string     `db:"type"`
	TargetFid uint64     `db:"target_fid"`
	DisplayTs *time.Time `db:"display_ts"`
}

type userDataRow struct {
	envRow
	Type  string `db:"type"`
	Value string `db:"value"`
}

type verificationRow struct {
	envRow
	Address        string `db:"address"`
	Protocol       string `db:"protocol"`
	ClaimSignature string `db:"claim_signature"`
	BlockHash      string `db:"block_hash"`
}

type usernameProofRow struct {
	envRow
	Name  string `db:"name"`
	Owner string `db:"owner"`
	Type  string `db:"type"`
}

// table describes how one record kind maps to its relational table
type table struct {
	name    string
	key     []string
	content []string
	newRow  func() any
	toRow   func(records.Record) (any, error)
	fromRow func(any) (records.Record, error)
	keyArgs func(records.Key) ([]any, error)
}

// columns returns every column in insert order
func (t *table) columns() []string {
	cols := append([]string{}, t.key...)
	if !contains(cols, "fid") {
		cols = append(cols, "fid")
	}
	for _, c := range envCols {
		if !contains(cols, c) {
			cols = append(cols, c)
		}
	}
	return append(cols, t.content...)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func splitKey(k records.Key, n int) ([]string, error) {
	parts := strings.SplitN(string(k), ":", n)
	if len(parts) != n {
		return nil, fmt.Errorf("malformed key %q", k)
	}
	return parts, nil
}

func parseFid(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

var tables = map[records.Kind]*table{
	records.KindCast: {
		name:    "casts",
		key:     []string{"fid", "hash"},
		content: []string{"text", "parent_fid", "parent_hash", "parent_url", "root_parent_fid", "root_parent_hash", "root_parent_url", "mentions", "mentions_positions", "embeds"},
		newRow:  func() any { return &castRow{} },
		toRow: func(rec records.Record) (any, error) {
			c := rec.(*records.Cast)
			mentions, err := json.MarshalToString(nonNil(c.Mentions))
			if err != nil {
				return nil, err
			}
			positions, err := json.MarshalToString(nonNilU32(c.MentionsPositions))
			if err != nil {
				return nil, err
			}
			embeds := c.Embeds
			if embeds == nil {
				embeds = []records.Embed{}
			}
			embedsJSON, err := json.MarshalToString(embeds)
			if err != nil {
				return nil, err
			}
			return &castRow{
				envRow:            toEnvRow(&c.Envelope),
				Text:              c.Text,
				ParentFid:         c.ParentFid,
				ParentHash:        c.ParentHash,
				ParentURL:         c.ParentURL,
				RootParentFid:     c.RootParentFid,
				RootParentHash:    c.RootParentHash,
				RootParentURL:     c.RootParentURL,
				Mentions:          mentions,
				MentionsPositions: positions,
				Embeds:            embedsJSON,
			}, nil
		},
		fromRow: func(row any) (records.Record, error) {
			r := row.(*castRow)
			c := &records.Cast{
				Envelope:       r.envelope(),
				Text:           r.Text,
				ParentFid:      r.ParentFid,
				ParentHash:     r.ParentHash,
				ParentURL:      r.ParentURL,
				RootParentFid:  r.RootParentFid,
				RootParentHash: r.RootParentHash,
				RootParentURL:  r.RootParentURL,
			}
			if err := json.UnmarshalFromString(r.Mentions, &c.Mentions); err != nil {
				return nil, fmt.Errorf("bad mentions for %s: %w", c.Key(), err)
			}
			if err := json.UnmarshalFromString(r.MentionsPositions, &c.MentionsPositions); err != nil {
				return nil, fmt.Errorf("bad mention positions for %s: %w", c.Key(), err)
			}
			if err := json.UnmarshalFromString(r.Embeds, &c.Embeds); err != nil {
				return nil, fmt.Errorf("bad embeds for %s: %w", c.Key(), err)
			}
			return c, nil
		},
		keyArgs: func(k records.Key) ([]any, error) {
			id, err := records.ParseCastKey(k)
			if err != nil {
				return nil, err
			}
			return []any{id.Fid, id.Hash}, nil
		},
	},
	records.KindCastReaction: {
		name:   "cast_reactions",
		key:    []string{"fid", "type", "target_fid", "target_hash"},
		newRow: func() any { return &castReactionRow{} },
		toRow: func(rec records.Record) (any, error) {
			r := rec.(*records.CastReaction)
			return &castReactionRow{envRow: toEnvRow(&r.Envelope), Type: string(r.Type), TargetFid: r.TargetFid, TargetHash: r.TargetHash}, nil
		},
		fromRow: func(row any) (records.Record, error) {
			r := row.(*castReactionRow)
			return &records.CastReaction{Envelope: r.envelope(), Type: records.ReactionType(r.Type), TargetFid: r.TargetFid, TargetHash: r.TargetHash}, nil
		},
		keyArgs: func(k records.Key) ([]any, error) {
			p, err := splitKey(k, 4)
			if err != nil {
				return nil, err
			}
			fid, err := parseFid(p[0])
			if err != nil {
				return nil, err
			}
			target, err := parseFid(p[2])
			if err != nil {
				return nil, err
			}
			return []any{fid, p[1], target, p[3]}, nil
		},
	},
	records.KindURLReaction: {
		name:   "url_reactions",
		key:    []string{"fid", "type", "target_url"},
		newRow: func() any { return &urlReactionRow{} },
		toRow: func(rec records.Record) (any, error) {
			r := rec.(*records.URLReaction)
			return &urlReactionRow{envRow: toEnvRow(&r.Envelope), Type: string(r.Type), TargetURL: r.TargetURL}, nil
		},
		fromRow: func(row any) (records.Record, error) {
			r := row.(*urlReactionRow)
			return &records.URLReaction{Envelope: r.envelope(), Type: records.ReactionType(r.Type), TargetURL: r.TargetURL}, nil
		},
		keyArgs: func(k records.Key) ([]any, error) {
			p, err := splitKey(k, 3)
			if err != nil {
				return nil, err
			}
			fid, err := parseFid(p[0])
			if err != nil {
				return nil, err
			}
			return []any{fid, p[1], p[2]}, nil
		},
	},
	records.KindLink: {
		name:    "links",
		key:     []string{"fid", "type", "target_fid"},
		content: []string{"display_ts"},
		newRow:  func() any { return &linkRow{} },
		toRow: func(rec records.Record) (any, error) {
			l := rec.(*records.Link)
			return &linkRow{envRow: toEnvRow(&l.Envelope), Type: l.Type, TargetFid: l.TargetFid, DisplayTs: utcPtr(l.DisplayTimestamp)}, nil
		},
		fromRow: func(row any) (records.Record, error) {
			r := row.(*linkRow)
			return &records.Link{Envelope: r.envelope(), Type: r.Type, TargetFid: r.TargetFid, DisplayTimestamp: utcPtr(r.DisplayTs)}, nil
		},
		keyArgs: func(k records.Key) ([]any, error) {
			p, err := splitKey(k, 3)
			if err != nil {
				return nil, err
			}
			fid, err := parseFid(p[0])
			if err != nil {
				return nil, err
			}
			target, err := parseFid(p[2])
			if err != nil {
				return nil, err
			}
			return []any{fid, p[1], target}, nil
		},
	},
	records.KindUserData: {
		name:    "user_data",
		key:     []string{"fid", "type"},
		content: []string{"value"},
		newRow:  func() any { return &userDataRow{} },
		toRow: func(rec records.Record) (any, error) {
			u := rec.(*records.UserData)
			return &userDataRow{envRow: toEnvRow(&u.Envelope), Type: string(u.Type), Value: u.Value}, nil
		},
		fromRow: func(row any) (records.Record, error) {
			r := row.(*userDataRow)
			return &records.UserData{Envelope: r.envelope(), Type: records.UserDataType(r.Type), Value: r.Value}, nil
		},
		keyArgs: func(k records.Key) ([]any, error) {
			p, err := splitKey(k, 2)
			if err != nil {
				return nil, err
			}
			fid, err := parseFid(p[0])
			if err != nil {
				return nil, err
			}
			return []any{fid, p[1]}, nil
		},
	},
	records.KindVerification: {
		name:    "verifications",
		key:     []string{"fid", "address"},
		content: []string{"protocol", "claim_signature", "block_hash"},
		newRow:  func() any { return &verificationRow{} },
		toRow: func(rec records.Record) (any, error) {
			v := rec.(*records.Verification)
			return &verificationRow{envRow: toEnvRow(&v.Envelope), Address: v.Address, Protocol: v.Protocol, ClaimSignature: v.ClaimSignature, BlockHash: v.BlockHash}, nil
		},
		fromRow: func(row any) (records.Record, error) {
			r := row.(*verificationRow)
			return &records.Verification{Envelope: r.envelope(), Address: r.Address, Protocol: r.Protocol, ClaimSignature: r.ClaimSignature, BlockHash: r.BlockHash}, nil
		},
		keyArgs: func(k records.Key) ([]any, error) {
			p, err := splitKey(k, 2)
			if err != nil {
				return nil, err
			}
			fid, err := parseFid(p[0])
			if err != nil {
				return nil, err
			}
			return []any{fid, p[1]}, nil
		},
	},
	records.KindUsernameProof: {
		name:    "username_proofs",
		key:     []string{"name"},
		content: []string{"owner", "type"},
		newRow:  func() any { return &usernameProofRow{} },
		toRow: func(rec records.Record) (any, error) {
			p := rec.(*records.UsernameProof)
			return &usernameProofRow{envRow: toEnvRow(&p.Envelope), Name: p.Name, Owner: p.Owner, Type: p.Type}, nil
		},
		fromRow: func(row any) (records.Record, error) {
			r := row.(*usernameProofRow)
			return &records.UsernameProof{Envelope: r.envelope(), Name: r.Name, Owner: r.Owner, Type: r.Type}, nil
		},
		keyArgs: func(k records.Key) ([]any, error) {
			if k == "" {
				return nil, fmt.Errorf("empty username proof key")
			}
			return []any{string(k)}, nil
		},
	},
}

func tableFor(kind records.Kind) (*table, error) {
	t, ok := tables[kind]
	if !ok {
		return nil, fmt.Errorf("no table for record kind %q", kind)
	}
	return t, nil
}

func nonNil(v []uint64) []uint64 {
	if v == nil {
		return []uint64{}
	}
	return v
}

func nonNilU32(v []uint32) []uint32 {
	if v == nil {
		return []uint32{}
	}
	return v
}
