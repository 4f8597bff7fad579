package registry

import (
	"testing"

	"github.com/rs/zerolog"
)

func testRegistry() *Registry {
	return New(zerolog.Nop())
}

func TestAppendIsDenseAndMonotonic(t *testing.T) {
	r := testRegistry()
	a := r.Append("genmove", "b c1")
	b := r.Append("play", "b c1")
	if a.ID != 1 || b.ID != 2 {
		t.Fatalf("ids = %d, %d; want 1, 2", a.ID, b.ID)
	}
}

func TestReplaceLastKeepsID(t *testing.T) {
	r := testRegistry()
	first := r.Append("pachi-genmoves", "b 0\n\n")
	updated, ok := r.ReplaceLast("pachi-genmoves", "b 100\n\n")
	if !ok {
		t.Fatal("ReplaceLast returned false on non-empty registry")
	}
	if updated.ID != first.ID {
		t.Fatalf("ReplaceLast changed id: got %d want %d", updated.ID, first.ID)
	}
	if got, ok := r.At(first.ID); !ok || got.Args != "b 100\n\n" {
		t.Fatalf("At(%d) = %+v, %v; want updated args", first.ID, got, ok)
	}
}

func TestSupersedeLastWithNewIDRetiresPriorEntry(t *testing.T) {
	r := testRegistry()
	search := r.Append("pachi-genmoves", "b 0\n\n")
	played := r.SupersedeLastWithNewID("play", "b D4\n")
	if played.ID == search.ID {
		t.Fatalf("supersede did not allocate a new id")
	}
	if played.ID != search.ID+1 {
		t.Fatalf("supersede id = %d, want %d", played.ID, search.ID+1)
	}
	// The original search command is still readable at its own id — a
	// late reply tagged with it can still be recognized and discarded by
	// the caller, it just no longer describes the outstanding command.
	if cmd, ok := r.At(search.ID); !ok || cmd.Verb != "pachi-genmoves" {
		t.Fatalf("original search entry mutated unexpectedly: %+v, %v", cmd, ok)
	}
}

func TestSuffixFromLastAckedPlusOne(t *testing.T) {
	r := testRegistry()
	r.Append("boardsize", "19")
	r.Append("clear_board", "")
	r.Append("komi", "7.5")

	suffix := r.Suffix(2)
	if len(suffix) != 2 {
		t.Fatalf("len(suffix) = %d, want 2", len(suffix))
	}
	if suffix[0].Verb != "clear_board" || suffix[1].Verb != "komi" {
		t.Fatalf("suffix = %+v; want [clear_board, komi]", suffix)
	}
}

func TestSuffixBeyondHistoryIsEmpty(t *testing.T) {
	r := testRegistry()
	r.Append("boardsize", "19")
	if got := r.Suffix(5); got != nil {
		t.Fatalf("Suffix(5) = %v, want nil", got)
	}
}

func TestWaitForNextWakesOnAppend(t *testing.T) {
	r := testRegistry()
	r.Append("boardsize", "19")
	_, rev, _ := r.Tail()

	type waitResult struct {
		verb string
		ok   bool
	}
	done := make(chan struct{})
	result := make(chan waitResult, 1)
	go func() {
		cmd, _, ok := r.WaitForNext(1, rev, done)
		result <- waitResult{cmd.Verb, ok}
	}()

	r.Append("clear_board", "")

	got := <-result
	if !got.ok || got.verb != "clear_board" {
		t.Fatalf("WaitForNext result = %+v, want clear_board/true", got)
	}
}

func TestWaitForNextWakesOnSameIDReplace(t *testing.T) {
	r := testRegistry()
	cmd := r.Append("pachi-genmoves", "b 0\n\n")
	_, rev, _ := r.Tail()

	done := make(chan struct{})
	type waitResult struct {
		args string
		ok   bool
	}
	result := make(chan waitResult, 1)
	go func() {
		got, _, ok := r.WaitForNext(cmd.ID, rev, done)
		result <- waitResult{got.Args, ok}
	}()

	r.ReplaceLast("pachi-genmoves", "b 100\n\n")

	got := <-result
	if !got.ok || got.args != "b 100\n\n" {
		t.Fatalf("WaitForNext result = %+v, want updated args with ok=true", got)
	}
}

func TestWaitForNextUnblocksOnClose(t *testing.T) {
	r := testRegistry()
	r.Append("boardsize", "19")
	_, rev, _ := r.Tail()

	done := make(chan struct{})
	result := make(chan bool, 1)
	go func() {
		_, _, ok := r.WaitForNext(1, rev, done)
		result <- ok
	}()

	close(done)
	r.Close()

	if ok := <-result; ok {
		t.Fatal("WaitForNext should report false after shutdown close")
	}
}
