// Package proxy implements the optional log fan-in listener described
// in §4 and distributed.c's proxy_port: slaves may open a second
// connection purely to stream their stderr logs through the master so
// an operator watching the master's own output sees every slave's logs
// interleaved, each line prefixed with its origin.
//
// Grounded on internal/netx/tcp_network.go's accept-loop shape.
package proxy

import (
	"bufio"
	"context"
	"net"

	"github.com/rs/zerolog"
)

// Proxy accepts connections on addr and copies each line received,
// prefixed with the peer's address, to log.
type Proxy struct {
	addr string
	log  zerolog.Logger
}

// New builds a Proxy that will listen on addr once Start is called.
func New(addr string, log zerolog.Logger) *Proxy {
	return &Proxy{addr: addr, log: log.With().Str("component", "proxy").Logger()}
}

// Start listens on p.addr and fans in every connected slave's log lines
// until ctx is canceled. It returns once the listener is up; accept and
// per-connection copying run in background goroutines, mirroring
// TCP.Start's shape in internal/netx/tcp_network.go.
func (p *Proxy) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return err
	}
	p.log.Info().Str("addr", p.addr).Msg("proxy listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				p.log.Warn().Err(err).Msg("proxy accept error")
				return
			}
			go p.copyLines(c)
		}
	}()
	return nil
}

func (p *Proxy) copyLines(c net.Conn) {
	defer c.Close()
	peer := c.RemoteAddr().String()
	scanner := bufio.NewScanner(c)
	for scanner.Scan() {
		p.log.Info().Str("slave", peer).Msg(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		p.log.Debug().Str("slave", peer).Err(err).Msg("proxy connection ended")
	}
}
