// Package rpc implements the broker's network-facing dispatcher (spec.md
// §4.4): the line-oriented handshake, network selection, and the
// multiplexed verb dispatch loop layered on pkg/wire.
package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/fabricbroker/fabricd/pkg/broker"
	"github.com/fabricbroker/fabricd/pkg/fabricerr"
	"github.com/fabricbroker/fabricd/pkg/fabriclog"
	"github.com/fabricbroker/fabricd/pkg/service"
	"github.com/fabricbroker/fabricd/pkg/wire"
)

// Server accepts connections and dispatches them against a Broker.
type Server struct {
	broker *broker.Broker
}

// NewServer builds a Server bound to b.
func NewServer(b *broker.Broker) *Server {
	return &Server{broker: b}
}

// Serve accepts connections from ln until it returns an error (including on
// ln.Close from another goroutine during shutdown).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		s.broker.Pool().Submit(func() {
			s.handleConn(conn)
		})
	}
}

// connRW adapts a bufio.Reader left over from the handshake plus the raw
// connection into one io.ReadWriteCloser for pkg/wire, so bytes already
// buffered during Phase A aren't lost when Phase C starts framing.
type connRW struct {
	r io.Reader
	c net.Conn
}

func (rw *connRW) Read(p []byte) (int, error)  { return rw.r.Read(p) }
func (rw *connRW) Write(p []byte) (int, error) { return rw.c.Write(p) }
func (rw *connRW) Close() error                { return rw.c.Close() }

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	connLog := fabriclog.WithConn(conn.RemoteAddr().String())

	r := bufio.NewReader(conn)
	grants, networkName, err := runHandshakeA(r)
	if err != nil {
		connLog.WithError(err).Warn("rpc: handshake failed")
		return
	}

	nw, ok := s.broker.Lookup(networkName)
	if !grants.canControl(networkName) {
		writeHandshakeResponse(conn, wire.Message{"error": "unauthorized", "network": networkName})
		return
	}
	if !ok {
		writeHandshakeResponse(conn, wire.Message{"error": "no-network", "network-name": networkName})
		return
	}
	// This broker models a single flat network surface rather than the
	// switch/aggregator role split spec.md's wire contract allows for.
	// Every selected network advertises the base "network" surface.
	writeHandshakeResponse(conn, wire.Message{"network-name": networkName, "network": true})

	channel := wire.NewChannel(&connRW{r: r, c: conn})
	mux := wire.NewMux(channel, wire.Server)
	for {
		sess, err := mux.Accept()
		if err != nil {
			return
		}
		s.broker.Pool().Submit(func() {
			s.handleSession(nw, grants, sess)
		})
	}
}

func writeHandshakeResponse(conn net.Conn, msg wire.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	conn.Write(append(payload, '\n'))
}

func (s *Server) handleSession(nw *broker.Network, grants *grants, sess *wire.Session) {
	for {
		msg, err := sess.Read()
		if err != nil {
			return
		}

		verb, _ := msg["type"].(string)
		txn, hasTxn := msg["txn"].(string)

		if verb == "watch-service" {
			s.runWatchService(nw, msg, sess, txn, hasTxn)
			return
		}

		handler, ok := verbTable[verb]
		var resp wire.Message
		if !ok {
			resp = errorMessage(fabricerr.BadArgument(fmt.Sprintf("unrecognized verb %q", verb)))
		} else {
			payload, err := handler(&verbContext{net: nw, grants: grants, req: msg})
			if err != nil {
				resp = errorMessage(err)
			} else {
				resp = payload
			}
		}
		if hasTxn {
			resp["txn"] = txn
		}
		if err := sess.Write(resp); err != nil {
			return
		}
	}
}

// watchListener adapts service.Listener onto a buffered channel consumed by
// runWatchService.
type watchListener struct {
	ch chan service.Status
}

func (w *watchListener) StatusChanged(st service.Status) {
	w.ch <- st
}

func (s *Server) runWatchService(nw *broker.Network, req wire.Message, sess *wire.Session, txn string, hasTxn bool) {
	id, err := (&verbContext{net: nw, req: req}).serviceID()
	if err != nil {
		resp := errorMessage(err)
		if hasTxn {
			resp["txn"] = txn
		}
		sess.Write(resp)
		sess.Close()
		return
	}
	svc, ok := nw.Service(id)
	if !ok {
		resp := errorMessage(fabricerr.ExpiredService(id))
		if hasTxn {
			resp["txn"] = txn
		}
		sess.Write(resp)
		sess.Close()
		return
	}

	listener := &watchListener{ch: make(chan service.Status, 16)}
	svc.AddListener(listener)

	peerClosed := make(chan struct{})
	go func() {
		for {
			if _, err := sess.Read(); err != nil {
				close(peerClosed)
				return
			}
		}
	}()

	for {
		select {
		case status := <-listener.ch:
			resp := wire.Message{"status": string(status)}
			if hasTxn {
				resp["txn"] = txn
			}
			if err := sess.Write(resp); err != nil {
				svc.RemoveListener(listener)
				return
			}
			if status == service.Released {
				svc.RemoveListener(listener)
				sess.Close()
				return
			}
		case <-peerClosed:
			svc.RemoveListener(listener)
			return
		}
	}
}

func errorMessage(err error) wire.Message {
	fe := fabricerr.AsWire(err)
	msg := make(wire.Message, len(fe.Fields)+1)
	for k, v := range fe.Fields {
		msg[k] = v
	}
	msg["error"] = string(fe.Kind)
	return msg
}

func durationFromMillis(ms float64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
