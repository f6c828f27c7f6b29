// Package crdt implements the merge replica used by collaboration rooms.
//
// A document's content is a flat sequence of blocks. The replica keeps one
// last-writer-wins register per block, ordered by (clock, actor), with
// tombstones for deletions. Applying the same set of operations in any order,
// any number of times, yields the same state: merge is commutative,
// associative and idempotent, which is what lets peers converge without a
// global operation order.
package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

const (
	OpSet    = "set"
	OpDelete = "delete"
)

var ErrMalformedOperation = errors.New("malformed operation")

// Operation is a single block edit submitted by a peer. Deps is the peer's
// causal-dependency vector; it is carried through to other peers untouched.
type Operation struct {
	Type    string          `json:"type"`
	BlockID string          `json:"blockId"`
	Block   json.RawMessage `json:"block,omitempty"`
	Pos     string          `json:"pos,omitempty"`
	Clock   uint64          `json:"clock"`
	Actor   string          `json:"actor"`
	Deps    json.RawMessage `json:"deps,omitempty"`
}

type register struct {
	block   json.RawMessage
	pos     string
	clock   uint64
	actor   string
	deleted bool
}

type Replica struct {
	blocks map[string]register
	clock  uint64
}

func NewReplica() *Replica {
	return &Replica{blocks: make(map[string]register)}
}

type contentDoc struct {
	Blocks []json.RawMessage `json:"blocks"`
}

type blockID struct {
	ID string `json:"id"`
}

// Load builds a replica from a persisted content payload. Blocks keep their
// document order through generated positions; registers start at clock zero so
// any live edit wins over the loaded baseline.
func Load(content []byte) (*Replica, error) {
	r := NewReplica()
	if len(content) == 0 {
		return r, nil
	}
	var doc contentDoc
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parse content: %w", err)
	}
	for i, raw := range doc.Blocks {
		var ident blockID
		if err := json.Unmarshal(raw, &ident); err != nil {
			return nil, fmt.Errorf("parse block %d: %w", i, err)
		}
		id := ident.ID
		if id == "" {
			id = fmt.Sprintf("blk%06d", i)
		}
		r.blocks[id] = register{
			block: raw,
			pos:   PositionAt(i),
		}
	}
	return r, nil
}

// Clock reports the highest operation clock merged so far.
func (r *Replica) Clock() uint64 {
	return r.clock
}

// Apply merges one operation. It reports whether the replica changed; a stale
// or redelivered operation is a clean no-op. Operations that cannot be merged
// at all return ErrMalformedOperation.
func (r *Replica) Apply(op Operation) (bool, error) {
	if op.BlockID == "" || op.Actor == "" {
		return false, ErrMalformedOperation
	}
	switch op.Type {
	case OpSet:
		if len(op.Block) == 0 || !json.Valid(op.Block) {
			return false, ErrMalformedOperation
		}
	case OpDelete:
	default:
		return false, ErrMalformedOperation
	}

	if op.Clock > r.clock {
		r.clock = op.Clock
	}

	current, exists := r.blocks[op.BlockID]
	if exists && !wins(op.Clock, op.Actor, current.clock, current.actor) {
		return false, nil
	}

	next := register{
		clock: op.Clock,
		actor: op.Actor,
	}
	switch op.Type {
	case OpSet:
		next.block = op.Block
		next.pos = op.Pos
		if next.pos == "" && exists {
			next.pos = current.pos
		}
	case OpDelete:
		next.deleted = true
		if exists {
			next.pos = current.pos
		}
	}
	r.blocks[op.BlockID] = next
	return true, nil
}

// wins reports whether (clock a, actor a) supersedes (clock b, actor b).
// Ties on the clock break by actor id so concurrent writers resolve the same
// way on every replica.
func wins(aClock uint64, aActor string, bClock uint64, bActor string) bool {
	if aClock != bClock {
		return aClock > bClock
	}
	return aActor > bActor
}

// Snapshot renders the live blocks as a content payload, ordered by
// (position, block id).
func (r *Replica) Snapshot() []byte {
	type entry struct {
		id  string
		reg register
	}
	entries := make([]entry, 0, len(r.blocks))
	for id, reg := range r.blocks {
		if reg.deleted {
			continue
		}
		entries = append(entries, entry{id: id, reg: reg})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].reg.pos != entries[j].reg.pos {
			return entries[i].reg.pos < entries[j].reg.pos
		}
		return entries[i].id < entries[j].id
	})

	doc := contentDoc{Blocks: make([]json.RawMessage, 0, len(entries))}
	for _, e := range entries {
		doc.Blocks = append(doc.Blocks, e.reg.block)
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		// contentDoc only holds raw JSON already validated on the way in.
		return []byte(`{"blocks":[]}`)
	}
	return payload
}

// PositionAt yields the canonical position key for index i in a freshly
// loaded document. Keys are zero-padded so lexicographic order matches
// numeric order.
func PositionAt(i int) string {
	return fmt.Sprintf("a%08d", i)
}

// PositionBetween picks a key strictly between a and b, where empty a means
// "before everything" and empty b means "after everything". Peers use it to
// insert blocks without renumbering their neighbors. Requires a < b when both
// are set.
func PositionBetween(a, b string) string {
	const lo, hi = byte('0'), byte('z')
	var out []byte
	bounded := b != ""
	for i := 0; ; i++ {
		ca := lo - 1
		if i < len(a) {
			ca = a[i]
		}
		cb := hi + 1
		if bounded && i < len(b) {
			cb = b[i]
		}
		if bounded && ca == cb {
			out = append(out, ca)
			continue
		}
		mid := byte((int(ca) + int(cb)) / 2)
		if mid > ca && mid < cb {
			out = append(out, mid)
			return string(out)
		}
		// ca and cb are adjacent: keep the lower bound here and continue
		// with no upper bound on the remaining positions.
		out = append(out, ca)
		bounded = false
	}
}
