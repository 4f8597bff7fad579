// Package registry implements the command registry of §4.3: a
// process-wide monotonic log of commands issued to slaves, mutated under
// a single exclusive lock and broadcasting a condition signal on every
// mutation so waiting sessions wake.
package registry

import (
	"sync"

	"github.com/rs/zerolog"

	"distmaster/internal/wire"
)

// entry pairs a logged command with a revision: a counter bumped on
// every mutation of that entry, including an in-place ReplaceLast that
// leaves the command's id unchanged. Sessions track the last revision
// they sent for the trailing id, so an incremental update that keeps the
// same id is still distinguishable from "already sent, nothing to do".
type entry struct {
	cmd wire.Command
	rev int64
}

// Registry is the authoritative command history. Command ids are dense
// and monotonic starting at 1 (§3 invariant).
type Registry struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries []entry
	nextID  int64
	rev     int64
	log     zerolog.Logger
}

// New creates an empty registry.
func New(log zerolog.Logger) *Registry {
	r := &Registry{nextID: 1, log: log.With().Str("component", "registry").Logger()}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Append adds a new command with a freshly allocated id and returns it.
func (r *Registry) Append(verb, args string) wire.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd := wire.Command{ID: r.nextID, Verb: verb, Args: args}
	r.nextID++
	r.rev++
	r.entries = append(r.entries, entry{cmd: cmd, rev: r.rev})
	r.log.Debug().Int64("cmd_id", cmd.ID).Str("verb", verb).Msg("command appended")
	r.cond.Broadcast()
	return cmd
}

// ReplaceLast rewrites the trailing entry's verb/args while keeping its
// id: the genmoves loop uses it to send updated prior stats for the
// search in progress at the unchanged search id, so a reply to the
// earlier args is still matched to the outstanding command id. The
// committed play goes through SupersedeLastWithNewID instead. The entry's revision is
// bumped so WaitForNext and sendPendingCommands can tell a same-id
// incremental update apart from an already-delivered command.
func (r *Registry) ReplaceLast(verb, args string) (wire.Command, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return wire.Command{}, false
	}
	last := &r.entries[len(r.entries)-1]
	last.cmd.Verb = verb
	last.cmd.Args = args
	r.rev++
	last.rev = r.rev
	r.log.Debug().Int64("cmd_id", last.cmd.ID).Str("verb", verb).Msg("command replaced")
	r.cond.Broadcast()
	return last.cmd, true
}

// SupersedeLastWithNewID appends a new command while logically retiring
// the prior trailing entry: used to commit the chosen move, so slaves
// stop searching and execute the definitive play at a fresh id.
func (r *Registry) SupersedeLastWithNewID(verb, args string) wire.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd := wire.Command{ID: r.nextID, Verb: verb, Args: args}
	r.nextID++
	r.rev++
	r.entries = append(r.entries, entry{cmd: cmd, rev: r.rev})
	r.log.Debug().Int64("cmd_id", cmd.ID).Str("verb", verb).Msg("command superseded with new id")
	r.cond.Broadcast()
	return cmd
}

// LastID returns the id of the trailing entry, or 0 if the registry is
// empty.
func (r *Registry) LastID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return 0
	}
	return r.entries[len(r.entries)-1].cmd.ID
}

// At returns the command with the given id, if present. Ids are dense
// and 1-based, so this is an O(1) slice index when no entries have been
// replaced out of order.
func (r *Registry) At(id int64) (wire.Command, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := id - 1
	if idx < 0 || int(idx) >= len(r.entries) {
		return wire.Command{}, false
	}
	e := r.entries[idx]
	if e.cmd.ID != id {
		return wire.Command{}, false
	}
	return e.cmd, true
}

// Tail returns the trailing entry's command together with its current
// revision, or ok=false if the registry is empty. Sessions use this to
// detect an in-place ReplaceLast that left the id unchanged.
func (r *Registry) Tail() (wire.Command, int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return wire.Command{}, 0, false
	}
	last := r.entries[len(r.entries)-1]
	return last.cmd, last.rev, true
}

// Suffix returns the minimal suffix of command history starting at
// fromID (inclusive), for slave resynchronization per §4.2: the master
// does not store board state for slaves, only the full command log, and
// retransmits from last_acked_id+1 onward.
func (r *Registry) Suffix(fromID int64) []wire.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fromID < 1 {
		fromID = 1
	}
	start := fromID - 1
	if int(start) >= len(r.entries) {
		return nil
	}
	out := make([]wire.Command, len(r.entries)-int(start))
	for i, e := range r.entries[start:] {
		out[i] = e.cmd
	}
	return out
}

// WaitForNext blocks until the trailing entry has moved past (afterID,
// afterRev) — either a new command with id > afterID was appended, or
// the entry at afterID was mutated in place (ReplaceLast) past afterRev
// — or until done closes. It returns false if done ended the wait.
func (r *Registry) WaitForNext(afterID, afterRev int64, done <-chan struct{}) (wire.Command, int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if len(r.entries) > 0 {
			last := r.entries[len(r.entries)-1]
			if last.cmd.ID > afterID || (last.cmd.ID == afterID && last.rev > afterRev) {
				return last.cmd, last.rev, true
			}
		}
		if waitOrDone(r.cond, done) {
			return wire.Command{}, 0, false
		}
	}
}

// Close wakes every goroutine blocked in WaitForNext so sessions can
// observe a closed done channel and exit during shutdown; sync.Cond has
// no native cancellation, so a goroutine parked in cond.Wait() only
// re-checks its done channel once woken by a Broadcast.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cond.Broadcast()
}

// waitOrDone waits on cond unless done is already closed; this helper
// exists because sync.Cond has no native context support and session
// goroutines must be cancellable on shutdown.
func waitOrDone(cond *sync.Cond, done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
	}
	cond.Wait()
	select {
	case <-done:
		return true
	default:
		return false
	}
}
