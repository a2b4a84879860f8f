// SPDX-FileCopyrightText: Copyright (C) 2026 Antimpeu Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// registry.go - Established peer registry.

package server

import (
	"net"
	"sync"

	"github.com/antimpeu/antimpeu/wire"
)

// peerConn is the write handle for an established peer.  Its lock serializes
// frame writes, a broadcast holds only the lock of the peer it is currently
// writing to.
type peerConn struct {
	sync.Mutex

	c net.Conn
}

func (p *peerConn) writeFrame(payload []byte, max uint32) error {
	p.Lock()
	defer p.Unlock()
	return wire.WriteFrame(p.c, payload, max)
}

type broadcastTarget struct {
	addr string
	pc   *peerConn
}

// registry maps peer addresses to write handles.  Peers enter only after the
// handshake establishes them and leave when their session closes.
type registry struct {
	sync.Mutex

	peers map[string]*peerConn
}

func newRegistry() *registry {
	return &registry{
		peers: make(map[string]*peerConn),
	}
}

func (r *registry) add(addr string, conn net.Conn) {
	r.Lock()
	defer r.Unlock()
	r.peers[addr] = &peerConn{c: conn}
}

func (r *registry) remove(addr string) bool {
	r.Lock()
	defer r.Unlock()
	if _, ok := r.peers[addr]; !ok {
		return false
	}
	delete(r.peers, addr)
	return true
}

// snapshot returns the current broadcast targets, excluding exclude when non
// empty.  The registry lock is never held across a network write, targets
// are collected first and written to afterwards.
func (r *registry) snapshot(exclude string) []broadcastTarget {
	r.Lock()
	defer r.Unlock()
	targets := make([]broadcastTarget, 0, len(r.peers))
	for addr, pc := range r.peers {
		if addr == exclude {
			continue
		}
		targets = append(targets, broadcastTarget{addr: addr, pc: pc})
	}
	return targets
}

func (r *registry) size() int {
	r.Lock()
	defer r.Unlock()
	return len(r.peers)
}
