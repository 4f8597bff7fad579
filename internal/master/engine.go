// Package master ties the command registry, slave sessions, reply
// collector, genmoves loop, and dead-group consensus into the single
// "distributed" engine contract described in §6: Notify, Genmove, Chat,
// DeadGroupList, and Quit.
//
// Grounded on struct distributed + engine_distributed_init in
// original_source/distributed/distributed.c for the engine's shape, and
// on cluster.Node's constructor wiring (own listener, dispatch loop,
// owned sub-components) for the idiomatic Go rendition of that shape.
package master

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"distmaster/internal/collector"
	"distmaster/internal/config"
	"distmaster/internal/deadgroup"
	"distmaster/internal/genmoves"
	"distmaster/internal/proxy"
	"distmaster/internal/registry"
	"distmaster/internal/session"
	"distmaster/pkg/boardgame"
)

// commandsNotForwarded mirrors distributed_notify's blocklist of verbs
// that must never reach a slave: some are handled entirely locally,
// others (genmove and its cousins) are dispatched through Genmove
// instead of the generic notify path, to cut one round-trip of latency.
var commandsNotForwarded = map[string]bool{
	"uct_genbook":         true,
	"uct_dumpbook":        true,
	"kgs-chat":            true,
	"time_left":           true,
	"genmove":             true,
	"kgs-genmove_cleanup": true,
	"genmove_cleanup":     true,
	"final_score":         true,
	"final_status_list":   true,
}

// Engine is the distributed master: the single object a GTP front end
// drives, per §6.
type Engine struct {
	cfg config.Config
	log zerolog.Logger

	Registry  *registry.Registry
	Collector *collector.Collector
	proxy     *proxy.Proxy

	nextSlaveID atomic.Int64
	eg          *errgroup.Group

	mu            sync.Mutex
	lastMove      boardgame.Coord
	lastMoveColor boardgame.Color
	lastStats     genmoves.AggregateStats
	activeSlaves  int
}

// New builds an Engine from its parsed engine-argument config.
func New(cfg config.Config, log zerolog.Logger) *Engine {
	e := &Engine{
		cfg:       cfg,
		log:       log.With().Str("component", "master").Logger(),
		Registry:  registry.New(log),
		Collector: collector.New(),
	}
	if cfg.ProxyPort != "" {
		e.proxy = proxy.New(cfg.ProxyPort, log)
	}
	return e
}

// Start opens the slave listener (and the proxy listener, if
// configured) and begins accepting slave connections in the
// background, mirroring protocol_init's two listeners in the original
// source and TCP.Start's accept-loop shape.
//
// A slave or proxy listener that fails to come up makes Start return an
// error. The errgroup holds only the slave listener's close-on-cancel
// goroutine and its accept loop, so canceling ctx closes the listener
// and Wait joins both; the proxy runs outside the group. Individual slave
// *sessions*, once accepted, are deliberately NOT part of this group —
// per §4.2's disconnect policy one slave dropping must never cancel the
// others, so per-session goroutines run outside eg on the caller's ctx.
func (e *Engine) Start(ctx context.Context) error {
	if e.cfg.SlavePort == "" {
		return fmt.Errorf("master: missing slave_port")
	}
	ln, err := net.Listen("tcp", e.cfg.SlavePort)
	if err != nil {
		return fmt.Errorf("master: listen on slave_port: %w", err)
	}
	e.log.Info().Str("addr", e.cfg.SlavePort).Msg("slave listener up")

	eg, egCtx := errgroup.WithContext(ctx)
	e.eg = eg

	eg.Go(func() error {
		<-egCtx.Done()
		return ln.Close()
	})
	eg.Go(func() error {
		e.acceptLoop(egCtx, ln)
		return nil
	})

	if e.proxy != nil {
		if err := e.proxy.Start(egCtx); err != nil {
			return fmt.Errorf("master: start proxy: %w", err)
		}
	}

	return nil
}

// Wait blocks until the engine's listener goroutines have exited,
// returning the first fatal listener error (if any). Callers typically
// call Wait after canceling the context passed to Start, to join a
// graceful shutdown.
func (e *Engine) Wait() error {
	if e.eg == nil {
		return nil
	}
	return e.eg.Wait()
}

func (e *Engine) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			e.log.Warn().Err(err).Msg("slave accept error")
			return
		}

		if e.activeCount() >= e.cfg.MaxSlaves {
			e.log.Warn().Str("addr", conn.RemoteAddr().String()).Msg("rejecting slave, max_slaves reached")
			_ = conn.Close()
			continue
		}

		id := collector.SlaveID(fmt.Sprintf("slave-%d-%s", e.nextSlaveID.Add(1), conn.RemoteAddr().String()))
		sess := session.New(id, conn, e.Registry, e.Collector, e.log)
		e.incActive()
		go func() {
			defer e.decActive()
			sess.Run(ctx)
		}()
	}
}

func (e *Engine) activeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeSlaves
}

func (e *Engine) incActive() {
	e.mu.Lock()
	e.activeSlaves++
	e.mu.Unlock()
}

func (e *Engine) decActive() {
	e.mu.Lock()
	e.activeSlaves--
	e.mu.Unlock()
}

// Notify forwards a GTP command to every slave by appending it to the
// registry, except for the verbs in commandsNotForwarded, per §6 and
// distributed_notify.
func (e *Engine) Notify(verb, args string) {
	if commandsNotForwarded[strings.ToLower(verb)] {
		return
	}
	e.Registry.Append(verb, args)
}

// Genmove runs the genmoves loop to completion and records the result
// for the chat interface, per distributed_genmove.
func (e *Engine) Genmove(ctx context.Context, b boardgame.Board, color boardgame.Color, ti genmoves.TimeInfo, cleanup bool) boardgame.Coord {
	loop := genmoves.New(e.Registry, e.Collector, e.log)
	best, stats := loop.Run(ctx, b, color, ti, cleanup)

	e.mu.Lock()
	e.lastMove = best
	e.lastMoveColor = color
	e.lastStats = stats
	e.mu.Unlock()

	return best
}

// Quit forwards a quit command to every connected slave when the
// slaves_quit engine argument is set (§6), so the slave processes exit
// alongside the master instead of being left running as orphans.
func (e *Engine) Quit() {
	if !e.cfg.SlavesQuit {
		return
	}
	e.Registry.Append("quit", "")
}

// DeadGroupList runs the final_status_list consensus vote, per
// distributed_dead_group_list.
func (e *Engine) DeadGroupList(ctx context.Context) []boardgame.Coord {
	return deadgroup.Vote(ctx, e.Registry, e.Collector)
}

// Chat answers the "winrate" private-chat query with the last move's
// aggregated statistics, per distributed_chat. Any other message
// returns ("", false), meaning the engine declines to answer.
func (e *Engine) Chat(msg string) (string, bool) {
	msg = strings.TrimSpace(msg)
	if !strings.HasPrefix(strings.ToLower(msg), "winrate") {
		return "", false
	}

	e.mu.Lock()
	move, color, stats, active := e.lastMove, e.lastMoveColor, e.lastStats, e.activeSlaves
	e.mu.Unlock()

	return fmt.Sprintf("In %d playouts at %d machines, %s %s can win with %.2f%% probability.",
		stats.TotalPlayouts, active, color.String(), move, 100*stats.BestValue), true
}
