// Package session implements §4.2's slave session: per-connection
// socket I/O plus a small state machine for resynchronization after a
// reconnect or a detected protocol divergence.
//
// Grounded on internal/netx/tcp_network.go's accept/readLoop/broadcast
// shape for the socket plumbing, and internal/table/takeover.go's
// resync-on-divergence idea (there: authority takeover on heartbeat
// timeout; here: command-history replay on a stale-position reply).
package session

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"distmaster/internal/collector"
	"distmaster/internal/registry"
	"distmaster/internal/wire"
)

// State is the session's small state machine per §4.2.
type State int

const (
	StateGreeting State = iota
	StateRunning
	StateAwaitingResync
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateRunning:
		return "running"
	case StateAwaitingResync:
		return "awaiting_resync"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session owns one slave connection: it reads the registry's command
// tail, writes commands to the socket, reads replies, and publishes them
// to the collector. A dropped socket is not fatal to the master — the
// caller binds a fresh Session to the next accepted connection and this
// one's Run simply returns.
type Session struct {
	ID   collector.SlaveID
	conn net.Conn

	reg    *registry.Registry
	col    *collector.Collector
	log    zerolog.Logger

	mu          sync.Mutex
	state       State
	lastSentID  int64
	lastSentRev int64
	lastAckID   int64
}

// New binds a Session to an already-accepted connection.
func New(id collector.SlaveID, conn net.Conn, reg *registry.Registry, col *collector.Collector, log zerolog.Logger) *Session {
	return &Session{
		ID:   id,
		conn: conn,
		reg:  reg,
		col:  col,
		log:  log.With().Str("component", "session").Str("slave", string(id)).Logger(),
	}
}

// Run drives the session until ctx is canceled or the socket closes. It
// never returns an error the caller must act on beyond logging: per
// §4.2's disconnect policy, a session ending is not fatal to the master.
func (s *Session) Run(ctx context.Context) {
	s.setState(StateGreeting)
	s.col.SetConnected(s.ID, true)
	defer func() {
		s.col.SetConnected(s.ID, false)
		s.setState(StateClosed)
		_ = s.conn.Close()
		s.log.Info().Msg("session closed")
	}()

	s.setState(StateAwaitingResync) // fresh connection: replay from zero
	s.lastAckID = 0
	s.lastSentID = 0
	s.lastSentRev = 0

	r := bufio.NewReader(s.conn)
	done := ctx.Done()

	replyCh := make(chan wire.Reply)
	readErrCh := make(chan error, 1)
	go s.readLoop(r, replyCh, readErrCh)

	newCmdCh := make(chan struct{}, 1)
	go s.watchRegistry(done, newCmdCh)

	for {
		if err := s.sendPendingCommands(); err != nil {
			s.log.Warn().Err(err).Msg("write error")
			return
		}

		select {
		case <-done:
			return
		case err := <-readErrCh:
			if err != nil && err != io.EOF {
				s.log.Warn().Err(err).Msg("read error")
			}
			return
		case reply := <-replyCh:
			s.handleReply(reply)
		case <-newCmdCh:
			// New registry entries appended; loop back to send them.
		case <-time.After(wire.StatsUpdateInterval):
			// Periodic wakeup: guards against missing a wake signal
			// that fired between our last check and the select above.
		}
	}
}

// watchRegistry blocks in WaitForNext for the trailing entry to move
// past whatever the session last sent — either a new id appended, or
// the trailing entry mutated in place via ReplaceLast — waking the Run
// loop once per such change, until done is closed.
func (s *Session) watchRegistry(done <-chan struct{}, wake chan<- struct{}) {
	for {
		s.mu.Lock()
		afterID, afterRev := s.lastSentID, s.lastSentRev
		s.mu.Unlock()

		_, _, ok := s.reg.WaitForNext(afterID, afterRev, done)
		if !ok {
			return
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// sendPendingCommands writes every registry entry after lastSentID to
// the socket, in order, per §5's delivery-order guarantee, and then
// checks whether the trailing entry was mutated in place at the same id
// since it was last sent (ReplaceLast) — if so, retransmits it at its
// unchanged id so the slave actually receives the incremental update
// that genmoves.Loop.Run computed, per §4.5f.
func (s *Session) sendPendingCommands() error {
	s.mu.Lock()
	from := s.lastSentID + 1
	s.mu.Unlock()

	suffix := s.reg.Suffix(from)
	for _, cmd := range suffix {
		if _, err := s.conn.Write(wire.Encode(cmd)); err != nil {
			return err
		}
		s.mu.Lock()
		s.lastSentID = cmd.ID
		if s.state == StateAwaitingResync {
			s.state = StateRunning
		}
		s.mu.Unlock()
	}

	tail, rev, ok := s.reg.Tail()
	if !ok {
		return nil
	}
	s.mu.Lock()
	lastID, lastRev := s.lastSentID, s.lastSentRev
	s.mu.Unlock()

	if tail.ID != lastID || rev == lastRev {
		return nil
	}
	if len(suffix) == 0 {
		// The trailing entry we already sent was mutated in place since;
		// resend it at its unchanged id.
		if _, err := s.conn.Write(wire.Encode(tail)); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.lastSentRev = rev
	s.mu.Unlock()
	return nil
}

func (s *Session) readLoop(r *bufio.Reader, replyCh chan<- wire.Reply, errCh chan<- error) {
	for {
		reply, err := wire.DecodeReply(r)
		if err != nil {
			errCh <- err
			return
		}
		replyCh <- reply
	}
}

// handleReply matches a reply to the outstanding command, discarding
// stale ones, and triggers resync on a detected position divergence,
// per §4.2 and §5's ordering guarantees.
func (s *Session) handleReply(reply wire.Reply) {
	s.mu.Lock()
	stale := reply.ID < s.lastAckID
	s.mu.Unlock()
	if stale {
		s.log.Debug().Int64("reply_id", reply.ID).Msg("discarding stale reply")
		return
	}

	if reply.Status != wire.StatusOK && isUnknownPosition(reply.Payload) {
		s.log.Warn().Int64("reply_id", reply.ID).Msg("slave position diverged, resyncing")
		s.triggerResync()
		return
	}

	s.mu.Lock()
	s.lastAckID = reply.ID
	s.mu.Unlock()

	s.col.Publish(s.ID, reply)
}

// triggerResync rewinds lastSentID to the last acked id so the next
// sendPendingCommands call replays the minimal suffix of history the
// slave needs, per §4.2's resynchronization contract. The master never
// stores board state for slaves — only the command log, which is
// already retained in full by the registry.
func (s *Session) triggerResync() {
	s.mu.Lock()
	s.lastSentID = s.lastAckID
	s.state = StateAwaitingResync
	s.mu.Unlock()
}

func isUnknownPosition(payload []string) bool {
	for _, line := range payload {
		if line == "unknown position" {
			return true
		}
	}
	return false
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the session's current state, for diagnostics and tests.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
