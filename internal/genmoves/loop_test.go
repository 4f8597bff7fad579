package genmoves

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"distmaster/internal/collector"
	"distmaster/internal/registry"
	"distmaster/internal/wire"
	"distmaster/pkg/boardgame"
)

func newLoop() (*Loop, *registry.Registry, *collector.Collector) {
	reg := registry.New(zerolog.Nop())
	col := collector.New()
	return New(reg, col, zerolog.Nop()), reg, col
}

func okReply(id int64, playedOwn, total, threads int, keepLooking bool, children []wire.ChildStats) wire.Reply {
	return wire.Reply{
		ID:      id,
		Status:  wire.StatusOK,
		Payload: wire.EncodeGenmovesReply(wire.GenmovesReply{PlayedOwn: playedOwn, TotalPlayouts: total, Threads: threads, KeepLooking: keepLooking, Children: children}),
	}
}

// Scenario 1 of §8: two slaves reply once each with overlapping child stats;
// the loop must pick the highest aggregated-playouts coord and compute
// the weighted-mean value across both slaves' contributions.
func TestRunAggregatesTwoSlavesAndPicksBest(t *testing.T) {
	loop, _, col := newLoop()
	col.SetConnected("slave1", true)
	col.SetConnected("slave2", true)

	go func() {
		time.Sleep(5 * time.Millisecond)
		col.Publish("slave1", okReply(1, 10, 100, 4, false, []wire.ChildStats{
			{Coord: "A1", Playouts: 60, Value: 0.60, AmafPlayouts: 50, AmafValue: 0.55},
			{Coord: "B2", Playouts: 40, Value: 0.40, AmafPlayouts: 30, AmafValue: 0.45},
		}))
		col.Publish("slave2", okReply(1, 8, 80, 4, false, []wire.ChildStats{
			{Coord: "A1", Playouts: 50, Value: 0.65, AmafPlayouts: 40, AmafValue: 0.60},
			{Coord: "B2", Playouts: 30, Value: 0.35, AmafPlayouts: 20, AmafValue: 0.40},
		}))
	}()

	ti := TimeInfo{Dim: DimPlayouts, WorstPlayouts: 1}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	best, agg := loop.Run(ctx, nil, boardgame.ColorBlack, ti, false)

	if best != "A1" {
		t.Fatalf("best = %q, want A1", best)
	}
	a1 := agg.Children["A1"]
	if a1.uPlayouts != 110 {
		t.Fatalf("A1 playouts = %d, want 110", a1.uPlayouts)
	}
	wantValue := (60*0.60 + 50*0.65) / 110.0
	if diff := a1.uValue - wantValue; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("A1 value = %v, want %v", a1.uValue, wantValue)
	}
	b2 := agg.Children["B2"]
	if b2.uPlayouts != 70 {
		t.Fatalf("B2 playouts = %d, want 70", b2.uPlayouts)
	}
}

// Scenario 3 of §8: keep_looking is a majority vote across replying
// slaves for the current snapshot.
func TestAggregateKeepLookingMajority(t *testing.T) {
	snapshot := map[collector.SlaveID]wire.Reply{
		"s1": okReply(1, 1, 1, 1, true, nil),
		"s2": okReply(1, 1, 1, 1, true, nil),
		"s3": okReply(1, 1, 1, 1, false, nil),
	}
	agg := AggregateStats{}
	if !agg.aggregateKeepLooking(snapshot) {
		t.Fatal("2-of-3 keep_looking should be true (majority)")
	}

	snapshot2 := map[collector.SlaveID]wire.Reply{
		"s1": okReply(1, 1, 1, 1, false, nil),
		"s2": okReply(1, 1, 1, 1, false, nil),
		"s3": okReply(1, 1, 1, 1, true, nil),
	}
	if agg.aggregateKeepLooking(snapshot2) {
		t.Fatal("1-of-3 keep_looking should be false (minority)")
	}
}

func TestRunWithZeroConnectedSlavesPassesImmediately(t *testing.T) {
	loop, reg, _ := newLoop()
	ti := TimeInfo{Dim: DimPlayouts, WorstPlayouts: 1000}

	start := time.Now()
	best, agg := loop.Run(context.Background(), nil, boardgame.ColorBlack, ti, false)
	elapsed := time.Since(start)

	if best != boardgame.Pass {
		t.Fatalf("best = %q, want pass", best)
	}
	if agg.TotalPlayouts != 0 {
		t.Fatalf("TotalPlayouts = %d, want 0", agg.TotalPlayouts)
	}
	if elapsed > 50*time.Millisecond {
		t.Fatalf("zero-slave genmoves should return immediately, took %v", elapsed)
	}
	if reg.LastID() == 0 {
		t.Fatal("expected a play command recorded even with zero slaves")
	}
}

// Scenario 4 of §8: supersede-then-play leaves the search command at its
// own id and commits the play command at a new id.
func TestRunCommitsPlayAtNewID(t *testing.T) {
	loop, reg, col := newLoop()
	col.SetConnected("slave1", true)

	go func() {
		time.Sleep(5 * time.Millisecond)
		col.Publish("slave1", okReply(1, 5, 50, 1, false, []wire.ChildStats{
			{Coord: "D4", Playouts: 50, Value: 0.9},
		}))
	}()

	ti := TimeInfo{Dim: DimPlayouts, WorstPlayouts: 1}
	searchID := reg.LastID() + 1 // the id Run's search command will get
	best, _ := loop.Run(context.Background(), nil, boardgame.ColorBlack, ti, false)
	if best != "D4" {
		t.Fatalf("best = %q, want D4", best)
	}
	last, ok := reg.At(reg.LastID())
	if !ok || last.Verb != "play" {
		t.Fatalf("trailing entry = %+v, %v; want play command", last, ok)
	}
	if last.ID != searchID+1 {
		t.Fatalf("play id = %d, want new id %d after search id %d", last.ID, searchID+1, searchID)
	}
	if search, ok := reg.At(searchID); !ok || search.Verb != "pachi-genmoves" {
		t.Fatalf("search entry = %+v, %v; want pachi-genmoves kept at id %d", search, ok, searchID)
	}
}
