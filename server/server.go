// SPDX-FileCopyrightText: Copyright (C) 2026 Antimpeu Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// server.go - Antimpeu chat server.

// Package server implements the Antimpeu group chat server.
//
// The server accepts TCP connections from peers holding the shared data key,
// handshakes them, and relays every received chat message to all other
// established peers.  Decrypted traffic and connection lifecycle notices are
// handed to the presentation front end through the Messages channel.
package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/antimpeu/antimpeu/chat"
	"github.com/antimpeu/antimpeu/config"
	"github.com/antimpeu/antimpeu/core/log"
	"github.com/antimpeu/antimpeu/core/worker"
	"github.com/antimpeu/antimpeu/crypto"
	"github.com/antimpeu/antimpeu/server/internal/instrument"
	"github.com/antimpeu/antimpeu/wire"
)

const (
	inboundQueueSize = 128
	sendQueueSize    = 64
)

// Server is an Antimpeu chat server instance.
type Server struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	cipher  *crypto.Cipher
	wireCfg *wire.Config

	listener *listener
	registry *registry

	inboundCh chan chat.Message
	sendCh    chan string
	sender    worker.Worker

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initLogging() error {
	var err error
	s.logBackend, err = log.New(s.cfg.Logging.File, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalErrCh <- fmt.Errorf("server: failed to rotate log file, shutting down: %v", err)
		return
	}
	s.log.Notice("Log rotated.")
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr {
	return s.listener.l.Addr()
}

// Messages returns the stream of decrypted chat messages and system notices
// for the presentation front end.  The channel is closed on shutdown.
func (s *Server) Messages() <-chan chat.Message {
	return s.inboundCh
}

// Send queues text for broadcast to every connected peer, attributed to the
// locally configured username.
func (s *Server) Send(text string) {
	select {
	case s.sendCh <- text:
	case <-s.sender.HaltCh():
		// Shutting down, the message has nowhere to go.
	}
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

func (s *Server) halt() {
	s.log.Notice("Starting graceful shutdown.")

	// Stop the listener and all connection sessions.
	if s.listener != nil {
		s.listener.Halt()
		s.listener = nil
	}

	// Stop the local broadcast worker.
	s.sender.Halt()

	close(s.fatalErrCh)

	// All producers are gone by now.
	close(s.inboundCh)

	s.log.Notice("Shutdown complete.")
	close(s.haltedCh)
}

// deliver hands a message to the presentation front end.  The front end
// falling behind must never wedge the relay path, excess messages are
// dropped instead.
func (s *Server) deliver(m chat.Message) {
	select {
	case s.inboundCh <- m:
	default:
		s.log.Warningf("Dropping message for the front end, consumer is not keeping up.")
	}
}

// notice records a connection lifecycle event locally and tells every
// established peer about it.
func (s *Server) notice(text string) {
	s.log.Notice(text)
	s.deliver(chat.Notice(text))
	s.broadcast(chat.SystemSender, text, "")
}

// onPeerMessage relays a decrypted peer message to the front end and to all
// other established peers.  The sender name is whatever the originator
// asserted, it is relayed as is.
func (s *Server) onPeerMessage(fromAddr, sender, text string) {
	s.deliver(chat.Message{Sender: sender, Text: text, Time: time.Now()})
	s.broadcast(sender, text, fromAddr)
	instrument.MessageRelayed()
}

// broadcast seals text once per target and writes the resulting frames.  A
// fresh envelope is sealed for every target, the same nonce never leaves the
// server twice.  Write failures are counted and left for the failing peer's
// own reader to clean up.
func (s *Server) broadcast(sender, text, exclude string) {
	for _, tgt := range s.registry.snapshot(exclude) {
		env, err := s.cipher.Seal(sender, []byte(text))
		if err != nil {
			s.log.Errorf("Failed to seal broadcast message: %v", err)
			return
		}
		payload, err := env.ToBytes()
		if err != nil {
			s.log.Errorf("Failed to serialize broadcast message: %v", err)
			return
		}
		if err := tgt.pc.writeFrame(payload, s.wireCfg.MaxFrame()); err != nil {
			s.log.Warningf("Failed to write to %v: %v", tgt.addr, err)
			instrument.BroadcastError()
		}
	}
}

func (s *Server) sendWorker() {
	for {
		select {
		case <-s.sender.HaltCh():
			return
		case text := <-s.sendCh:
			s.broadcast(s.cfg.Chat.Username, text, "")
		}
	}
}

// New returns a new Server instance parameterized with the specific
// configuration, listening and ready for peers.  key is the unwrapped data
// key, the caller keeps ownership of the backing buffer.
func New(cfg *config.Config, key []byte) (*Server, error) {
	s := new(Server)
	s.cfg = cfg
	s.registry = newRegistry()
	s.inboundCh = make(chan chat.Message, inboundQueueSize)
	s.sendCh = make(chan string, sendQueueSize)
	s.fatalErrCh = make(chan error)
	s.haltedCh = make(chan interface{})

	// Bring up logging first, everything after this logs.
	if err := s.initLogging(); err != nil {
		return nil, err
	}
	s.log.Noticef("Starting up as %v.", cfg.Chat.Username)
	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Unsafe Debug logging is enabled.")
	}

	var err error
	if s.cipher, err = crypto.New(key); err != nil {
		s.log.Errorf("Failed to initialize cipher: %v", err)
		return nil, err
	}
	s.wireCfg = &wire.Config{
		HelloTimeout: cfg.Debug.HelloDeadline(),
		ReplyTimeout: cfg.Debug.ReplyDeadline(),
		MaxFrameSize: cfg.Debug.MaxFrameSize,
	}

	instrument.Init(cfg.Metrics.Address, s.logBackend.GetGoLogger("metrics", "ERROR"))

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	// Bring up the listener and the local broadcast worker.
	if s.listener, err = newListener(s); err != nil {
		return nil, err
	}
	s.sender.Go(s.sendWorker)

	isOk = true
	return s, nil
}
