package deadgroup

import (
	"context"
	"testing"
	"time"

	"distmaster/internal/collector"
	"distmaster/internal/registry"
	"distmaster/internal/wire"
	"distmaster/pkg/boardgame"

	"github.com/rs/zerolog"
)

func TestVotePicksMostFrequentVerbatimReply(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	col := collector.New()
	col.SetConnected("s1", true)
	col.SetConnected("s2", true)
	col.SetConnected("s3", true)

	go func() {
		time.Sleep(5 * time.Millisecond)
		col.Publish("s1", wire.Reply{Status: wire.StatusOK, Payload: []string{"A1 B2"}})
		col.Publish("s2", wire.Reply{Status: wire.StatusOK, Payload: []string{"A1 B2"}})
		col.Publish("s3", wire.Reply{Status: wire.StatusOK, Payload: []string{"C3"}})
	}()

	coords := Vote(context.Background(), reg, col)
	if len(coords) != 2 || coords[0] != boardgame.Coord("A1") || coords[1] != boardgame.Coord("B2") {
		t.Fatalf("coords = %v, want [A1 B2] (majority reply)", coords)
	}

	last, ok := reg.At(reg.LastID())
	if !ok || last.Verb != "final_status_list" {
		t.Fatalf("registry entry = %+v, %v; want final_status_list command recorded", last, ok)
	}
}

func TestVoteWithNoRepliesReturnsNil(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	col := collector.New()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	coords := Vote(ctx, reg, col)
	if coords != nil {
		t.Fatalf("coords = %v, want nil", coords)
	}
}

func TestVoteIgnoresErrorReplies(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	col := collector.New()
	col.SetConnected("s1", true)
	col.SetConnected("s2", true)

	go func() {
		time.Sleep(5 * time.Millisecond)
		col.Publish("s1", wire.Reply{Status: wire.StatusErr, Payload: []string{"bad"}})
		col.Publish("s2", wire.Reply{Status: wire.StatusOK, Payload: []string{"D4"}})
	}()

	coords := Vote(context.Background(), reg, col)
	if len(coords) != 1 || coords[0] != boardgame.Coord("D4") {
		t.Fatalf("coords = %v, want [D4]", coords)
	}
}
