// Package genmoves implements the central algorithm of §4.5: a
// bounded-time, bounded-playout loop that fans out a pachi-genmoves
// command, collects partial per-child statistics from all slaves,
// redistributes merged statistics as priors, and picks the winning move.
//
// This is a direct rendition of distributed_genmove/select_best_move/
// genmoves_args from original_source/distributed/distributed.c, with the
// teacher's event-loop-plus-select shape (table.Table.Run) substituted
// for the C code's protocol_lock/get_replies pairing.
package genmoves

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"distmaster/internal/collector"
	"distmaster/internal/registry"
	"distmaster/internal/wire"
	"distmaster/pkg/boardgame"
)

// TimeDimension selects whether the search budget is wall-clock time or
// a total-playouts target, matching ti->dim in the original source.
type TimeDimension int

const (
	DimWalltime TimeDimension = iota
	DimPlayouts
)

// TimeInfo is the subset of Pachi's struct time_info the master needs to
// drive the loop's exit condition and to forward to slaves in the
// genmoves args. Time control beyond this is a slave-side concern.
type TimeInfo struct {
	Dim            TimeDimension
	MainTime       float64
	ByoyomiTime    float64
	ByoyomiPeriods int
	ByoyomiStones  int
	WorstTime      float64 // seconds, wall-clock mode exit threshold
	WorstPlayouts  int     // playouts mode exit threshold
}

// childAgg accumulates weighted-mean statistics for one child coord
// across all replying slaves, per §4.5b.
type childAgg struct {
	uPlayouts    int
	uValue       float64
	amafPlayouts int
	amafValue    float64
}

func (a *childAgg) add(cs wire.ChildStats) {
	a.uValue = weightedMean(a.uValue, a.uPlayouts, cs.Value, cs.Playouts)
	a.uPlayouts += cs.Playouts
	a.amafValue = weightedMean(a.amafValue, a.amafPlayouts, cs.AmafValue, cs.AmafPlayouts)
	a.amafPlayouts += cs.AmafPlayouts
}

func weightedMean(oldV float64, oldP int, addV float64, addP int) float64 {
	total := oldP + addP
	if total == 0 {
		return 0
	}
	return (oldV*float64(oldP) + addV*float64(addP)) / float64(total)
}

// AggregateStats is the merged, full per-coord picture returned alongside
// the winning move, exposed for the chat sub-interface (§6).
type AggregateStats struct {
	Best          boardgame.Coord
	BestPlayouts  int
	BestValue     float64
	TotalPlayouts int
	Played        int
	Threads       int
	Replies       int
	Children      map[boardgame.Coord]childAgg
}

// Loop drives one genmove/genmove_cleanup search to completion.
type Loop struct {
	Registry *registry.Registry
	Collect  *collector.Collector
	log      zerolog.Logger
}

// New builds a Loop over a shared registry and collector.
func New(reg *registry.Registry, col *collector.Collector, log zerolog.Logger) *Loop {
	return &Loop{Registry: reg, Collect: col, log: log.With().Str("component", "genmoves").Logger()}
}

// Run executes §4.5's loop and returns the winning move plus its
// aggregated stats. ti is read and, per the time-accounting note in
// §4.5, left unmodified on return — callers in wall-time mode must
// subtract elapsed time themselves exactly once, matching the original
// source's "do not subtract time spent twice" comment on gtp_parse.
func (l *Loop) Run(ctx context.Context, b boardgame.Board, color boardgame.Color, ti TimeInfo, cleanup bool) (boardgame.Coord, AggregateStats) {
	verb := "pachi-genmoves"
	if cleanup {
		verb = "pachi-genmoves_cleanup"
	}

	started := time.Now()

	if l.Collect.ConnectedCount() == 0 {
		l.log.Warn().Msg("genmoves requested with zero connected slaves, passing")
		l.Registry.Append("play", colorPlayArgs(color, string(boardgame.Pass)))
		return boardgame.Pass, AggregateStats{Best: boardgame.Pass, Children: map[boardgame.Coord]childAgg{}}
	}

	args := wire.EncodeGenmovesArgs(wire.GenmovesArgs{Color: color, Played: 0, WallTime: ti.Dim == DimWalltime,
		MainTime: ti.MainTime, ByoyomiT: ti.ByoyomiTime, ByoyomiP: ti.ByoyomiPeriods, ByoyomiS: ti.ByoyomiStones})
	cmd := l.Registry.Append(verb, args)
	l.Collect.Reset()

	agg := AggregateStats{Best: boardgame.Pass, Children: map[boardgame.Coord]childAgg{}}

	for {
		select {
		case <-ctx.Done():
			return agg.Best, agg
		default:
		}

		deadline := time.Now().Add(wire.StatsUpdateInterval)
		snapshot := l.Collect.WaitUntil(deadline, ctx.Done())

		agg = l.aggregate(snapshot)

		if !agg.aggregateKeepLooking(snapshot) {
			break
		}
		if l.timeExpired(ti, started, agg.Played) {
			break
		}

		minPlayouts := agg.BestPlayouts / 100
		newArgs := wire.EncodeGenmovesArgs(wire.GenmovesArgs{
			Color: color, Played: agg.Played, WallTime: ti.Dim == DimWalltime,
			MainTime: ti.MainTime, ByoyomiT: ti.ByoyomiTime, ByoyomiP: ti.ByoyomiPeriods, ByoyomiS: ti.ByoyomiStones,
			PriorStats: priorStatsAbove(agg, minPlayouts),
		})
		// Same command id: slaves distinguish an incremental update from
		// a new search by the id being unchanged.
		l.Registry.ReplaceLast(verb, newArgs)
		l.log.Debug().Int64("cmd_id", cmd.ID).Str("best", string(agg.Best)).
			Int("best_playouts", agg.BestPlayouts).Int("played", agg.Played).Msg("genmoves iteration")
	}

	coordStr := string(agg.Best)
	l.Registry.SupersedeLastWithNewID("play", colorPlayArgs(color, coordStr))
	l.log.Info().Str("best", coordStr).Int("total_playouts", agg.TotalPlayouts).
		Int("replies", agg.Replies).Msg("genmoves committed")

	return agg.Best, agg
}

func colorPlayArgs(color boardgame.Color, coord string) string {
	return color.String() + " " + coord + "\n"
}

// aggregate folds every slave's reply for the current command into the
// combined per-coord picture and picks the best move, per
// select_best_move in the original source. §4.5c's "first encountered"
// tie-break is arrival-order-dependent in the original C; this rendition
// instead breaks ties on the lexicographically smallest coord, chosen
// over a sorted pass after folding so the result does not depend on the
// unspecified iteration order of either snapshot or agg.Children, per
// §8's "any order yields the same best move" property.
func (l *Loop) aggregate(snapshot map[collector.SlaveID]wire.Reply) AggregateStats {
	agg := AggregateStats{Best: boardgame.Pass, BestPlayouts: -1, Children: map[boardgame.Coord]childAgg{}}

	for _, reply := range snapshot {
		if reply.Status != wire.StatusOK {
			continue
		}
		parsed, err := wire.ParseGenmovesReply(reply.Payload)
		if err != nil {
			l.log.Warn().Err(err).Msg("discarding malformed genmoves reply")
			continue
		}
		agg.Replies++
		agg.Played += parsed.PlayedOwn
		agg.TotalPlayouts += parsed.TotalPlayouts
		agg.Threads += parsed.Threads

		for _, cs := range parsed.Children {
			c := agg.Children[cs.Coord]
			c.add(cs)
			agg.Children[cs.Coord] = c
		}
	}

	agg.pickBest()
	if agg.BestPlayouts < 0 {
		agg.BestPlayouts = 0
	}
	return agg
}

// pickBest scans Children in sorted-coord order so an exact playout tie
// always resolves to the same coord regardless of map iteration order.
func (agg *AggregateStats) pickBest() {
	coords := sortedCoords(agg.Children)
	for _, coord := range coords {
		c := agg.Children[coord]
		if c.uPlayouts > agg.BestPlayouts {
			agg.BestPlayouts = c.uPlayouts
			agg.BestValue = c.uValue
			agg.Best = coord
		}
	}
}

func sortedCoords(children map[boardgame.Coord]childAgg) []boardgame.Coord {
	coords := make([]boardgame.Coord, 0, len(children))
	for coord := range children {
		coords = append(coords, coord)
	}
	sort.Slice(coords, func(i, j int) bool { return coords[i] < coords[j] })
	return coords
}

// aggregateKeepLooking recomputes keep_looking as a majority vote over
// the replies in snapshot, per §4.5d.
func (agg AggregateStats) aggregateKeepLooking(snapshot map[collector.SlaveID]wire.Reply) bool {
	keep := 0
	total := 0
	for _, reply := range snapshot {
		if reply.Status != wire.StatusOK {
			continue
		}
		parsed, err := wire.ParseGenmovesReply(reply.Payload)
		if err != nil {
			continue
		}
		total++
		if parsed.KeepLooking {
			keep++
		}
	}
	// No replies yet for this command: nothing to vote with, so keep
	// polling rather than concluding the search early (§8 scenario 2:
	// a silent slave must not abort the loop while others are still
	// within their time budget).
	if total == 0 {
		return true
	}
	return keep > total/2
}

func (l *Loop) timeExpired(ti TimeInfo, started time.Time, played int) bool {
	if ti.Dim == DimWalltime {
		return time.Since(started).Seconds() >= ti.WorstTime
	}
	return played >= ti.WorstPlayouts
}

// priorStatsAbove builds the args payload of every child whose
// aggregated playouts exceed minPlayouts, excluding pass and resign, per
// §4.5f. Coords are emitted in sorted order so the encoded payload is
// deterministic regardless of map iteration order.
func priorStatsAbove(agg AggregateStats, minPlayouts int) []wire.ChildStats {
	var out []wire.ChildStats
	for _, coord := range sortedCoords(agg.Children) {
		if coord == boardgame.Pass || coord == boardgame.Resign {
			continue
		}
		c := agg.Children[coord]
		if c.uPlayouts <= minPlayouts {
			continue
		}
		out = append(out, wire.ChildStats{
			Coord: coord, Playouts: c.uPlayouts, Value: c.uValue,
			AmafPlayouts: c.amafPlayouts, AmafValue: c.amafValue,
		})
	}
	return out
}
