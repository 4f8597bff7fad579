// Package treemerge implements the slave-side half of the protocol
// contract described in §4.6: merging incremental statistics received
// from the master (itself the sum of every other slave's contribution,
// as last seen by the master) into a local MCTS tree while preserving
// AMAF/RAVE accounting invariants.
//
// Grounded on original_source/uct/tree.c's tree_node_merge (prior
// snapshot assertion, delta-add, prior-snapshot update, value
// recomputation) and IlikeChooros-go-mcts/pkg/mcts/rave.go's Go
// rendition of the RAVE beta-mixing schedule.
package treemerge

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"distmaster/pkg/boardgame"
)

// ErrPriorMismatch is returned when a merge's prior snapshots disagree,
// per §3's invariant: "merging a src whose p_* disagrees with dest's p_*
// is a protocol error." It is returned as a hard error rather than
// logged as a soft warning; no code in this module maps it to a session
// resync.
var ErrPriorMismatch = errors.New("treemerge: prior snapshot mismatch")

// Stats holds one node's direct-playout and AMAF accounting plus the
// prior-delta snapshots used to avoid double-counting contributions
// already seen from a peer, per §3's "Move statistics" data model.
type Stats struct {
	UPlayouts    int
	UValue       float64 // mean value, not a raw win count
	AmafPlayouts int
	AmafValue    float64

	// Prior snapshots: the stats values the last time this node's
	// contribution was sent to (or received from) the master.
	PriorUPlayouts    int
	PriorUValue       float64
	PriorAmafPlayouts int
	PriorAmafValue    float64

	MixedValue float64 // recomputed RAVE-mixed value, see Mix
}

// Node is one child of the search root, keyed by its coord. Siblings are
// kept coord-sorted so merge is a linear two-pointer walk, per §4.6.
type Node struct {
	Coord boardgame.Coord
	Stats Stats
}

// Tree is the root's direct children, coord-sorted.
type Tree struct {
	Children []Node
}

func (t *Tree) sort() {
	sort.Slice(t.Children, func(i, j int) bool { return t.Children[i].Coord < t.Children[j].Coord })
}

// RaveBetaFunction schedules the AMAF/RAVE mixing weight; it must
// approach 1 for small playout counts and 0 for large ones. Defaults to
// the D. Silver schedule used by IlikeChooros-go-mcts/pkg/mcts/rave.go.
var RaveBetaFunction = func(playouts, playoutsContainingMove int) float64 {
	const (
		b      = 0.5
		factor = 4 * b * b
	)
	return float64(playoutsContainingMove) / (float64(playouts+playoutsContainingMove) + factor*float64(playouts*playoutsContainingMove))
}

// Mix recomputes a node's value from its direct and AMAF statistics
// using the beta(n) schedule, mirroring tree_update_node_rvalue in
// original_source/uct/tree.c.
func Mix(s Stats) float64 {
	if s.AmafPlayouts == 0 {
		return s.UValue
	}
	beta := RaveBetaFunction(s.UPlayouts, s.AmafPlayouts)
	return (1-beta)*s.UValue + beta*s.AmafValue
}

// MergeChild merges src's reported contribution into dest in place,
// following §4.6:
//   - verify dest's prior snapshot agrees with src's
//   - add the delta (src current minus src's own prior) into dest
//   - snapshot dest's new totals as the prior for next time
//   - recompute the mixed value
func MergeChild(dest *Stats, src Stats) error {
	if dest.PriorUPlayouts != src.PriorUPlayouts || !floatEq(dest.PriorUValue, src.PriorUValue) ||
		dest.PriorAmafPlayouts != src.PriorAmafPlayouts || !floatEq(dest.PriorAmafValue, src.PriorAmafValue) {
		return fmt.Errorf("%w: dest prior (u=%d/%v amaf=%d/%v) != src prior (u=%d/%v amaf=%d/%v)",
			ErrPriorMismatch, dest.PriorUPlayouts, dest.PriorUValue, dest.PriorAmafPlayouts, dest.PriorAmafValue,
			src.PriorUPlayouts, src.PriorUValue, src.PriorAmafPlayouts, src.PriorAmafValue)
	}

	deltaUPlayouts := src.UPlayouts - src.PriorUPlayouts
	if deltaUPlayouts > 0 {
		dest.UValue = weightedMean(dest.UValue, dest.UPlayouts, src.UValue, deltaUPlayouts)
		dest.UPlayouts += deltaUPlayouts
	}
	deltaAmafPlayouts := src.AmafPlayouts - src.PriorAmafPlayouts
	if deltaAmafPlayouts > 0 {
		dest.AmafValue = weightedMean(dest.AmafValue, dest.AmafPlayouts, src.AmafValue, deltaAmafPlayouts)
		dest.AmafPlayouts += deltaAmafPlayouts
	}

	dest.PriorUPlayouts = dest.UPlayouts
	dest.PriorUValue = dest.UValue
	dest.PriorAmafPlayouts = dest.AmafPlayouts
	dest.PriorAmafValue = dest.AmafValue

	dest.MixedValue = Mix(*dest)
	return nil
}

func weightedMean(oldV float64, oldP int, addV float64, addP int) float64 {
	total := oldP + addP
	if total == 0 {
		return 0
	}
	return (oldV*float64(oldP) + addV*float64(addP)) / float64(total)
}

func floatEq(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// Merge folds every child in src into dest per §4.6: matched children
// merge via MergeChild; unmatched src children are linked into dest in
// coord order; unmatched dest children are retained untouched.
func Merge(dest *Tree, src Tree) error {
	dest.sort()
	srcSorted := src
	srcSorted.sort()

	merged := make([]Node, 0, len(dest.Children)+len(srcSorted.Children))
	i, j := 0, 0
	for i < len(dest.Children) && j < len(srcSorted.Children) {
		d, s := dest.Children[i], srcSorted.Children[j]
		switch {
		case d.Coord < s.Coord:
			merged = append(merged, d)
			i++
		case d.Coord > s.Coord:
			merged = append(merged, s)
			j++
		default:
			if err := MergeChild(&d.Stats, s.Stats); err != nil {
				return err
			}
			merged = append(merged, d)
			i++
			j++
		}
	}
	merged = append(merged, dest.Children[i:]...)
	merged = append(merged, srcSorted.Children[j:]...)
	dest.Children = merged
	return nil
}
