// SPDX-FileCopyrightText: Copyright (C) 2026 Antimpeu Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// server_test.go - Antimpeu server tests.

package server

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antimpeu/antimpeu/chat"
	"github.com/antimpeu/antimpeu/config"
	"github.com/antimpeu/antimpeu/crypto"
	"github.com/antimpeu/antimpeu/wire"
)

const testDeadline = 5 * time.Second

func testKey() []byte {
	k := make([]byte, crypto.KeySize)
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func testServerConfig(t *testing.T) *config.Config {
	return &config.Config{
		Server: &config.Server{
			Address: "127.0.0.1:0",
			KeyDir:  t.TempDir(),
		},
		Chat:    &config.Chat{Username: "alice"},
		Logging: &config.Logging{Disable: true},
		Metrics: &config.Metrics{},
		Debug: &config.Debug{
			HelloTimeout: 200,
			ReplyTimeout: 5000,
			DialTimeout:  10000,
		},
	}
}

func newTestServer(t *testing.T) *Server {
	require := require.New(t)

	s, err := New(testServerConfig(t), testKey())
	require.NoError(err, "New()")
	t.Cleanup(s.Shutdown)
	return s
}

// dialPeer establishes a fully handshaked peer connection to the server.
func dialPeer(t *testing.T, s *Server, username string) (net.Conn, *crypto.Cipher) {
	require := require.New(t)

	cipher, err := crypto.New(testKey())
	require.NoError(err, "crypto.New()")

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(err, "Dial()")
	t.Cleanup(func() { conn.Close() })

	err = wire.ClientHandshake(conn, cipher, username, nil)
	require.NoError(err, "ClientHandshake()")
	return conn, cipher
}

// readPeerMessage reads and opens the next envelope arriving at a peer.
func readPeerMessage(t *testing.T, conn net.Conn, cipher *crypto.Cipher) (string, string) {
	env, plaintext := readPeerEnvelope(t, conn, cipher)
	return env.Username, plaintext
}

// readPeerEnvelope reads the next envelope arriving at a peer and returns it
// along with the opened plaintext.
func readPeerEnvelope(t *testing.T, conn net.Conn, cipher *crypto.Cipher) (*crypto.Envelope, string) {
	require := require.New(t)

	require.NoError(conn.SetReadDeadline(time.Now().Add(testDeadline)))
	payload, err := wire.ReadFrame(conn, wire.DefaultMaxFrameSize)
	require.NoError(err, "ReadFrame()")
	require.NoError(conn.SetReadDeadline(time.Time{}))

	env, err := crypto.EnvelopeFromBytes(payload)
	require.NoError(err, "EnvelopeFromBytes()")
	plaintext, err := cipher.Open(env)
	require.NoError(err, "Open()")
	return env, string(plaintext)
}

// requireNoFrame asserts that nothing further arrives at a peer within a
// short window.
func requireNoFrame(t *testing.T, conn net.Conn) {
	require := require.New(t)

	require.NoError(conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond)))
	_, err := wire.ReadFrame(conn, wire.DefaultMaxFrameSize)
	nErr, ok := err.(net.Error)
	require.True(ok, "expected a timeout, got: %v", err)
	require.True(nErr.Timeout(), "expected a timeout, got: %v", err)
	require.NoError(conn.SetReadDeadline(time.Time{}))
}

// waitMessage consumes the server's front end stream until a message
// satisfies the predicate.
func waitMessage(t *testing.T, s *Server, fn func(chat.Message) bool) chat.Message {
	for {
		select {
		case m, ok := <-s.Messages():
			if !ok {
				t.Fatal("message stream closed while waiting")
			}
			if fn(m) {
				return m
			}
		case <-time.After(testDeadline):
			t.Fatal("timed out waiting for message")
		}
	}
}

// waitPeers polls until the registry holds exactly n established peers.
func waitPeers(t *testing.T, s *Server, n int) {
	deadline := time.Now().Add(testDeadline)
	for time.Now().Before(deadline) {
		if s.registry.size() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d peers, have %d", n, s.registry.size())
}

func TestRegistry(t *testing.T) {
	require := require.New(t)

	r := newRegistry()
	require.Equal(0, r.size())

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	r.add("peer-a", a)
	r.add("peer-b", b)
	require.Equal(2, r.size())

	targets := r.snapshot("peer-a")
	require.Len(targets, 1)
	require.Equal("peer-b", targets[0].addr)

	targets = r.snapshot("")
	require.Len(targets, 2)

	require.True(r.remove("peer-a"))
	require.False(r.remove("peer-a"), "double remove")
	require.Equal(1, r.size())
}

func TestServerStartShutdown(t *testing.T) {
	require := require.New(t)

	s, err := New(testServerConfig(t), testKey())
	require.NoError(err, "New()")
	require.NotNil(s.Addr())

	s.Shutdown()
	s.Shutdown() // Second shutdown is a no-op.
	s.Wait()

	// The front end stream drains and closes.
	deadline := time.After(testDeadline)
	for {
		select {
		case _, ok := <-s.Messages():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("message stream never closed")
		}
	}
}

func TestServerRejectsBadKey(t *testing.T) {
	require := require.New(t)

	_, err := New(testServerConfig(t), []byte("short"))
	require.Error(err)
}

func TestServerHandshake(t *testing.T) {
	s := newTestServer(t)

	conn, _ := dialPeer(t, s, "bob")
	waitPeers(t, s, 1)

	addr := conn.LocalAddr().String()
	m := waitMessage(t, s, func(m chat.Message) bool {
		return strings.HasPrefix(m.Text, "New connection from")
	})
	require.Equal(t, chat.SystemSender, m.Sender)
	require.Equal(t, "New connection from "+addr, m.Text)
}

func TestServerRejectsWrongToken(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(err, "Dial()")
	defer conn.Close()

	require.NoError(wire.WriteFrame(conn, []byte("HELLO-SOMEONE-ELSE"), wire.DefaultMaxFrameSize))

	addr := conn.LocalAddr().String()
	waitMessage(t, s, func(m chat.Message) bool {
		return m.Text == "Refused connection from "+addr+"."
	})
	require.Equal(0, s.registry.size())
}

func TestServerRejectsSilentPeer(t *testing.T) {
	require := require.New(t)

	cfg := testServerConfig(t)
	cfg.Debug.HelloTimeout = 25
	s, err := New(cfg, testKey())
	require.NoError(err, "New()")
	t.Cleanup(s.Shutdown)

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(err, "Dial()")
	defer conn.Close()

	// Say nothing, the hello window expires.
	addr := conn.LocalAddr().String()
	waitMessage(t, s, func(m chat.Message) bool {
		return m.Text == "Refused connection from "+addr+"."
	})
	require.Equal(0, s.registry.size())
}

func TestServerRelay(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)

	bConn, bCipher := dialPeer(t, s, "bob")
	waitPeers(t, s, 1)
	cConn, cCipher := dialPeer(t, s, "carol")
	waitPeers(t, s, 2)
	dConn, dCipher := dialPeer(t, s, "dave")
	waitPeers(t, s, 3)

	// bob was established when carol and dave were accepted, so bob hears
	// about both, and carol hears about dave.
	sender, text := readPeerMessage(t, bConn, bCipher)
	require.Equal(chat.SystemSender, sender)
	require.Equal("New connection from "+cConn.LocalAddr().String(), text)
	sender, text = readPeerMessage(t, bConn, bCipher)
	require.Equal(chat.SystemSender, sender)
	require.Equal("New connection from "+dConn.LocalAddr().String(), text)
	readPeerMessage(t, cConn, cCipher)

	// bob talks, the other peers and the front end hear it, bob does not
	// get an echo.
	env, err := bCipher.Seal("bob", []byte("hi all"))
	require.NoError(err, "Seal()")
	payload, err := env.ToBytes()
	require.NoError(err, "ToBytes()")
	require.NoError(wire.WriteFrame(bConn, payload, wire.DefaultMaxFrameSize))

	cEnv, text := readPeerEnvelope(t, cConn, cCipher)
	require.Equal("bob", cEnv.Username)
	require.Equal("hi all", text)

	dEnv, text := readPeerEnvelope(t, dConn, dCipher)
	require.Equal("bob", dEnv.Username)
	require.Equal("hi all", text)

	// Every recipient gets its own seal, the nonces never repeat across
	// the fan-out.
	require.NotEqual(cEnv.Nonce, dEnv.Nonce)

	m := waitMessage(t, s, func(m chat.Message) bool {
		return m.Sender == "bob"
	})
	require.Equal("hi all", m.Text)
	require.False(m.Time.IsZero())

	// One copy each, and no echo to the sender.
	requireNoFrame(t, bConn)
	requireNoFrame(t, cConn)
	requireNoFrame(t, dConn)
}

func TestServerLocalSend(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)

	bConn, bCipher := dialPeer(t, s, "bob")
	waitPeers(t, s, 1)

	s.Send("server speaking")

	sender, text := readPeerMessage(t, bConn, bCipher)
	require.Equal("alice", sender)
	require.Equal("server speaking", text)
}

func TestServerDisconnectNotice(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)

	bConn, bCipher := dialPeer(t, s, "bob")
	waitPeers(t, s, 1)
	cConn, cCipher := dialPeer(t, s, "carol")
	waitPeers(t, s, 2)

	// Drain carol's join notice from bob's connection before it goes
	// away, then disconnect bob.
	readPeerMessage(t, bConn, bCipher)
	bAddr := bConn.LocalAddr().String()
	bConn.Close()
	waitPeers(t, s, 1)

	sender, text := readPeerMessage(t, cConn, cCipher)
	require.Equal(chat.SystemSender, sender)
	require.Equal("Disconnected from "+bAddr, text)

	waitMessage(t, s, func(m chat.Message) bool {
		return m.Text == "Disconnected from "+bAddr
	})
}

func TestServerUnauthenticatedTrafficDropsPeer(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)

	bConn, _ := dialPeer(t, s, "bob")
	waitPeers(t, s, 1)

	// A frame that is not a valid envelope under the shared key kills the
	// session.
	require.NoError(wire.WriteFrame(bConn, []byte("garbage"), wire.DefaultMaxFrameSize))
	waitPeers(t, s, 0)
}
