// Package threads resolves the root of reply chains.
package threads

import (
	"context"
	"errors"

	"github.com/sandwichfarm/castfeed/internal/decode"
	"github.com/sandwichfarm/castfeed/internal/hub"
	"github.com/sandwichfarm/castfeed/internal/ops"
	"github.com/sandwichfarm/castfeed/internal/records"
)

// DefaultMaxDepth bounds the parent walk when no limit is configured
const DefaultMaxDepth = 256

// ErrChainTooDeep is returned with the deepest ancestor reached when a
// parent chain is longer than the configured limit
var ErrChainTooDeep = errors.New("threads: reply chain exceeds max depth")

// Resolver walks parent references upstream until it finds a parentless cast
type Resolver struct {
	src      hub.Source
	maxDepth int
	logger   *ops.Logger
}

// NewResolver creates a resolver that fetches ancestors from src
func NewResolver(src hub.Source, maxDepth int, logger *ops.Logger) *Resolver {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if logger == nil {
		logger = ops.Default()
	}
	return &Resolver{
		src:      src,
		maxDepth: maxDepth,
		logger:   logger.WithComponent("threads"),
	}
}

// ResolveRoot returns the root of the chain cast belongs to.
//
// The walk stops at the first parentless ancestor, or at the first upstream
// failure, in which case the last ancestor reached is the root. Parentless
// casts resolve to themselves without any lookups.
func (r *Resolver) ResolveRoot(ctx context.Context, cast *records.Cast) (records.Root, error) {
	parent, ok := cast.Parent()
	if !ok {
		return records.Root{Fid: cast.Fid, Hash: cast.Hash, URL: cast.ParentURL}, nil
	}

	root := records.Root{Fid: parent.Fid, Hash: parent.Hash}
	current := parent

	for depth := 0; depth < r.maxDepth; depth++ {
		msg, err := r.src.GetCast(ctx, current.Fid, current.Hash)
		if err != nil {
			r.logger.Debug("root walk stopped at unreachable ancestor",
				"cast", cast.Key(),
				"ancestor", current.Key(),
				"depth", depth,
				"error", err)
			return root, nil
		}

		rec, ok := decode.Message(msg)
		ancestor, isCast := rec.(*records.Cast)
		if !ok || !isCast {
			return root, nil
		}

		next, hasParent := ancestor.Parent()
		if !hasParent {
			root.URL = ancestor.ParentURL
			return root, nil
		}

		root = records.Root{Fid: next.Fid, Hash: next.Hash}
		current = next
	}

	r.logger.Warn("reply chain exceeds max depth",
		"cast", cast.Key(),
		"max_depth", r.maxDepth,
		"deepest", root.Hash)
	return root, ErrChainTooDeep
}
