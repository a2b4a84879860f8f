// SPDX-FileCopyrightText: Copyright (C) 2026 Antimpeu Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// incoming_conn.go - Incoming connection sessions.

package server

import (
	"container/list"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/antimpeu/antimpeu/crypto"
	"github.com/antimpeu/antimpeu/server/internal/instrument"
	"github.com/antimpeu/antimpeu/wire"
)

const (
	stateConnecting uint32 = iota
	stateHandshaking
	stateActive
	stateClosed
)

var incomingConnID uint64

type relayedMessage struct {
	sender string
	text   string
}

type incomingConn struct {
	l   *listener
	log *logging.Logger

	c net.Conn
	e *list.Element

	id         uint64
	peerAddr   string
	acceptedAt time.Time
	state      uint32
}

func (c *incomingConn) worker() {
	defer func() {
		wasActive := atomic.SwapUint32(&c.state, stateClosed) == stateActive
		c.log.Debugf("Closing.")
		c.c.Close()
		if wasActive {
			if c.l.srv.registry.remove(c.peerAddr) {
				instrument.PeerDeregistered()
			}
			select {
			case <-c.l.closeAllCh:
				// The server is going away, everyone disconnects at
				// once and nobody is left to tell.
			default:
				c.l.srv.notice(fmt.Sprintf("Disconnected from %v", c.peerAddr))
			}
		}
		c.l.onClosedConn(c) // Remove from the connection list.
	}()

	// Handshake, the peer has to present the hello token and echo the
	// challenge back under the shared key.
	atomic.StoreUint32(&c.state, stateHandshaking)
	if err := wire.ServerHandshake(c.c, c.l.srv.cipher, c.acceptedAt, c.l.srv.wireCfg); err != nil {
		c.onHandshakeRejected(err)
		return
	}
	c.log.Debugf("Handshake completed.")
	atomic.StoreUint32(&c.state, stateActive)
	c.l.srv.registry.add(c.peerAddr, c.c)
	instrument.PeerRegistered()

	// Start reading from the peer.  The reader owns all decoding, the
	// session worker only relays.
	relayCh := make(chan relayedMessage)
	relayCloseCh := make(chan interface{})
	defer close(relayCloseCh)
	go func() {
		defer close(relayCh)
		for {
			payload, err := wire.ReadFrame(c.c, c.l.srv.wireCfg.MaxFrame())
			if err != nil {
				c.log.Debugf("Failed to read frame: %v", err)
				return
			}
			env, err := crypto.EnvelopeFromBytes(payload)
			if err != nil {
				c.log.Debugf("Failed to parse envelope: %v", err)
				return
			}
			plaintext, err := c.l.srv.cipher.Open(env)
			if err != nil {
				c.log.Debugf("Failed to open envelope: %v", err)
				return
			}
			select {
			case relayCh <- relayedMessage{sender: env.Username, text: string(plaintext)}:
			case <-relayCloseCh:
				// c.worker() is returning for some reason, give
				// up on trying to hand over the message.
				return
			}
		}
	}()

	// Relay incoming messages until the session dies.
	for {
		select {
		case <-c.l.closeAllCh:
			// Server is getting shutdown, all connections are being
			// closed.
			return
		case m, ok := <-relayCh:
			if !ok {
				// Read failure or unauthenticated traffic, the
				// session is over either way.
				return
			}
			c.l.srv.onPeerMessage(c.peerAddr, m.sender, m.text)
		}
	}
}

func (c *incomingConn) onHandshakeRejected(err error) {
	select {
	case <-c.l.closeAllCh:
		// Rejections during shutdown are a consequence of the sockets
		// being yanked, not worth a notice.
		return
	default:
	}

	var reason, text string
	switch {
	case errors.Is(err, wire.ErrWriteFailed):
		reason = "write-failed"
		text = fmt.Sprintf("Refused connection from %v (handshake write failed)", c.peerAddr)
	case errors.Is(err, wire.ErrChallengeMismatch):
		reason = "mismatch"
		text = fmt.Sprintf("Refused connection from %v (handshake mismatch)", c.peerAddr)
	case errors.Is(err, wire.ErrNoReply):
		reason = "no-reply"
		text = fmt.Sprintf("Refused connection from %v (no handshake reply)", c.peerAddr)
	default:
		// No hello token in time, or no token at all.
		reason = "no-hello"
		text = fmt.Sprintf("Refused connection from %v.", c.peerAddr)
	}

	c.log.Debugf("Handshake failed: %v", err)
	instrument.ConnectionRejected(reason)
	c.l.srv.notice(text)
}

func newIncomingConn(l *listener, conn net.Conn) *incomingConn {
	c := &incomingConn{
		l:          l,
		c:          conn,
		id:         atomic.AddUint64(&incomingConnID, 1), // Diagnostic only, wrapping is fine.
		peerAddr:   conn.RemoteAddr().String(),
		acceptedAt: time.Now(),
		state:      stateConnecting,
	}
	c.log = l.srv.logBackend.GetLogger(fmt.Sprintf("incoming:%d", c.id))

	c.log.Debugf("New incoming connection: %v", c.peerAddr)

	// Note: Unlike most other things, this does not spawn the worker here,
	// because the worker needs to be spawned after the struct is added to
	// the connection list.

	return c
}
