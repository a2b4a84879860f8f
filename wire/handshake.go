// SPDX-FileCopyrightText: Copyright (C) 2026 Antimpeu Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// handshake.go - Connection handshake.

package wire

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/antimpeu/antimpeu/crypto"
)

const (
	// HelloToken is the cleartext greeting a connecting peer must present
	// before being challenged.
	HelloToken = "HELLO-ANTIMPEU"

	challengePrefix = "CHAL:"
	challengeSize   = 12

	// DefaultHelloTimeout is how long after accept the hello frame may
	// take to arrive.
	DefaultHelloTimeout = 200 * time.Millisecond

	// DefaultReplyTimeout is how long the encrypted challenge echo may
	// take to arrive.
	DefaultReplyTimeout = 5 * time.Second
)

var (
	// ErrNoHello is the error returned when a connecting peer fails to
	// present the hello token in time, or presents something else.
	ErrNoHello = errors.New("wire: no hello from peer")

	// ErrWriteFailed is the error returned when sending the challenge to
	// a connecting peer fails.
	ErrWriteFailed = errors.New("wire: handshake write failed")

	// ErrNoReply is the error returned when a challenged peer fails to
	// produce a decryptable reply in time.
	ErrNoReply = errors.New("wire: no handshake reply")

	// ErrChallengeMismatch is the error returned when a challenged peer
	// replies with something other than the challenge.
	ErrChallengeMismatch = errors.New("wire: handshake mismatch")

	// ErrNoChallenge is the error returned when the remote server fails
	// to challenge a connecting client.
	ErrNoChallenge = errors.New("wire: no challenge from server")
)

// Config tunes the protocol limits.  The zero value, and a nil Config,
// select the defaults.
type Config struct {
	// HelloTimeout bounds the wait for the hello frame after accept.
	HelloTimeout time.Duration

	// ReplyTimeout bounds the wait for the encrypted challenge echo.
	ReplyTimeout time.Duration

	// MaxFrameSize bounds the frame payload length in both directions.
	MaxFrameSize uint32
}

func (c *Config) helloTimeout() time.Duration {
	if c == nil || c.HelloTimeout <= 0 {
		return DefaultHelloTimeout
	}
	return c.HelloTimeout
}

func (c *Config) replyTimeout() time.Duration {
	if c == nil || c.ReplyTimeout <= 0 {
		return DefaultReplyTimeout
	}
	return c.ReplyTimeout
}

// MaxFrame returns the configured frame payload limit.
func (c *Config) MaxFrame() uint32 {
	if c == nil || c.MaxFrameSize == 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

// ServerHandshake authenticates a freshly accepted connection.  The peer
// must present the hello token before acceptedAt plus the hello timeout,
// then echo a random challenge back under the shared key within the reply
// timeout.  On success the read deadline is cleared and the connection is
// ready for traffic.  On failure the returned error identifies the rejection
// cause, the caller owns closing the connection.
func ServerHandshake(conn net.Conn, cipher *crypto.Cipher, acceptedAt time.Time, cfg *Config) error {
	if err := conn.SetReadDeadline(acceptedAt.Add(cfg.helloTimeout())); err != nil {
		return err
	}
	hello, err := ReadFrame(conn, cfg.MaxFrame())
	if err != nil || string(hello) != HelloToken {
		return ErrNoHello
	}

	challenge, err := newChallenge()
	if err != nil {
		return err
	}
	if err = WriteFrame(conn, []byte(challengePrefix+challenge), cfg.MaxFrame()); err != nil {
		return ErrWriteFailed
	}

	if err = conn.SetReadDeadline(time.Now().Add(cfg.replyTimeout())); err != nil {
		return err
	}
	reply, err := ReadFrame(conn, cfg.MaxFrame())
	if err != nil {
		return ErrNoReply
	}
	env, err := crypto.EnvelopeFromBytes(reply)
	if err != nil {
		return ErrNoReply
	}
	echoed, err := cipher.Open(env)
	if err != nil {
		return ErrNoReply
	}
	if subtle.ConstantTimeCompare(echoed, []byte(challenge)) != 1 {
		return ErrChallengeMismatch
	}

	return conn.SetReadDeadline(time.Time{})
}

// ClientHandshake authenticates a freshly dialed connection from the client
// side, presenting the hello token and echoing the server's challenge back
// under the shared key.  The echo envelope carries username as the asserted
// sender name.
func ClientHandshake(conn net.Conn, cipher *crypto.Cipher, username string, cfg *Config) error {
	if err := WriteFrame(conn, []byte(HelloToken), cfg.MaxFrame()); err != nil {
		return err
	}

	if err := conn.SetReadDeadline(time.Now().Add(cfg.replyTimeout())); err != nil {
		return err
	}
	frame, err := ReadFrame(conn, cfg.MaxFrame())
	if err != nil {
		return ErrNoChallenge
	}
	challenge, ok := strings.CutPrefix(string(frame), challengePrefix)
	if !ok {
		return ErrNoChallenge
	}

	env, err := cipher.Seal(username, []byte(challenge))
	if err != nil {
		return err
	}
	reply, err := env.ToBytes()
	if err != nil {
		return err
	}
	if err = WriteFrame(conn, reply, cfg.MaxFrame()); err != nil {
		return err
	}

	return conn.SetReadDeadline(time.Time{})
}

func newChallenge() (string, error) {
	raw := make([]byte, challengeSize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
