// Package deadgroup implements §4.7's final_status_list consensus:
// rather than merging per-group votes, the master picks whichever
// slave reply occurs most often verbatim and takes that one's dead
// group list outright, mirroring distributed_dead_group_list in
// original_source/distributed/distributed.c.
package deadgroup

import (
	"context"
	"sort"
	"strings"
	"time"

	"distmaster/internal/collector"
	"distmaster/internal/registry"
	"distmaster/internal/wire"
	"distmaster/pkg/boardgame"
)

// Vote runs one final_status_list round: it appends a "final_status_list
// dead" command, waits up to MaxFastCmdWait for replies, and returns the
// coords listed by whichever distinct reply payload was repeated by the
// most slaves. Ties resolve to the first-encountered payload after a
// stable sort, matching qsort's stable-enough behavior in the original
// for the small reply counts this command sees in practice.
func Vote(ctx context.Context, reg *registry.Registry, col *collector.Collector) []boardgame.Coord {
	col.Reset()
	reg.Append("final_status_list", "dead\n")

	deadline := time.Now().Add(wire.MaxFastCmdWait)
	snapshot := col.WaitUntil(deadline, ctx.Done())

	return pickMostPopular(snapshot)
}

// pickMostPopular groups replies by their exact joined payload text and
// returns the coords parsed from the most frequent one.
func pickMostPopular(snapshot map[collector.SlaveID]wire.Reply) []boardgame.Coord {
	payloads := make([]string, 0, len(snapshot))
	for _, reply := range snapshot {
		if reply.Status != wire.StatusOK {
			continue
		}
		payloads = append(payloads, strings.Join(reply.Payload, "\n"))
	}
	if len(payloads) == 0 {
		return nil
	}
	sort.Strings(payloads)

	best := payloads[0]
	bestCount := 1
	count := 1
	for i := 1; i < len(payloads); i++ {
		if payloads[i] == payloads[i-1] {
			count++
		} else {
			count = 1
		}
		if count > bestCount {
			bestCount = count
			best = payloads[i]
		}
	}

	return parseCoordLine(best)
}

// parseCoordLine splits a final_status_list reply's payload text on
// whitespace into individual coords, skipping blank fields.
func parseCoordLine(payload string) []boardgame.Coord {
	fields := strings.Fields(payload)
	coords := make([]boardgame.Coord, 0, len(fields))
	for _, f := range fields {
		coords = append(coords, boardgame.Coord(f))
	}
	return coords
}
