package main

import (
	"bufio"
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"distmaster/internal/config"
	"distmaster/internal/genmoves"
	"distmaster/internal/gtp"
	"distmaster/internal/master"
	"distmaster/pkg/boardgame"
)

func main() {
	engineArg := flag.String("e", "slave_port=:1234", "comma-separated engine arguments (slave_port, proxy_port, max_slaves, slaves_quit)")
	verbose := flag.Bool("v", false, "debug-level logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	cfg, errs := config.Parse(*engineArg)
	for _, err := range errs {
		log.Warn().Err(err).Msg("engine argument")
	}

	e := master.New(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := e.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start master")
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down")
		cancel()
	}()

	runGTP(ctx, e, log)

	cancel()
	if err := e.Wait(); err != nil {
		log.Warn().Err(err).Msg("listener shutdown")
	}
}

// runGTP reads upstream GTP commands from stdin and dispatches them to
// the engine, per §6's edge note that the master is itself an ordinary
// GTP engine from its controller's point of view.
func runGTP(ctx context.Context, e *master.Engine, log zerolog.Logger) {
	r := bufio.NewReader(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		req, err := gtp.ReadRequest(r)
		if err != nil {
			return
		}

		switch req.Verb {
		case "quit":
			e.Quit()
			_ = gtp.WriteOK(os.Stdout, req, "")
			return
		case "genmove", "genmove_cleanup", "kgs-genmove_cleanup":
			color, _ := boardgame.ParseColor(req.Args)
			ti := genmoves.TimeInfo{Dim: genmoves.DimPlayouts, WorstPlayouts: 80000}
			best := e.Genmove(ctx, nil, color, ti, req.Verb != "genmove")
			_ = gtp.WriteOK(os.Stdout, req, string(best))
		case "final_status_list":
			coords := e.DeadGroupList(ctx)
			body := ""
			for i, c := range coords {
				if i > 0 {
					body += " "
				}
				body += string(c)
			}
			_ = gtp.WriteOK(os.Stdout, req, body)
		case "kgs-chat":
			if reply, ok := e.Chat(req.Args); ok {
				_ = gtp.WriteOK(os.Stdout, req, reply)
				continue
			}
			_ = gtp.WriteOK(os.Stdout, req, "")
		default:
			e.Notify(req.Verb, req.Args)
			_ = gtp.WriteOK(os.Stdout, req, "")
		}

		log.Debug().Str("verb", req.Verb).Msg("dispatched")
	}
}
