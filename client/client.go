// SPDX-FileCopyrightText: Copyright (C) 2026 Antimpeu Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// client.go - Antimpeu chat client.

// Package client implements the Antimpeu group chat client.
//
// A Client dials an Antimpeu server, completes the handshake proving
// possession of the shared data key, and then relays chat traffic in both
// directions.  Decrypted messages and connection notices are handed to the
// presentation front end through the Messages channel.
package client

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
	"github.com/antimpeu/antimpeu/wire"
)

const inboundQueueSize = 128

// Client is an Antimpeu chat client instance.
type Client struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	cipher  *crypto.Cipher
	wireCfg *wire.Config

	conn    net.Conn
	writeMu sync.Mutex

	reader    worker.Worker
	inboundCh chan chat.Message

	fatalErrCh chan error
	closedCh   chan interface{}
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (c *Client) initLogging() error {
	var err error
	c.logBackend, err = log.New(c.cfg.Logging.File, c.cfg.Logging.Level, c.cfg.Logging.Disable)
	if err == nil {
		c.log = c.logBackend.GetLogger("client")
	}
	return err
}

// RotateLog rotates the log file if logging to a file is enabled.
func (c *Client) RotateLog() {
	if err := c.logBackend.Rotate(); err != nil {
		c.fatalErrCh <- fmt.Errorf("client: failed to rotate log file, shutting down: %v", err)
		return
	}
	c.log.Notice("Log rotated.")
}

// Messages returns the stream of decrypted chat messages and system notices
// for the presentation front end.  The channel is closed on shutdown.
func (c *Client) Messages() <-chan chat.Message {
	return c.inboundCh
}

// Send encrypts text under the shared key and writes it to the server,
// attributed to the locally configured username.
func (c *Client) Send(text string) error {
	env, err := c.cipher.Seal(c.cfg.Chat.Username, []byte(text))
	if err != nil {
		return err
	}
	payload, err := env.ToBytes()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteFrame(c.conn, payload, c.wireCfg.MaxFrame())
}

// Wait waits till the client is terminated for any reason.
func (c *Client) Wait() {
	<-c.haltedCh
}

// Shutdown cleanly shuts down a given Client instance.
func (c *Client) Shutdown() {
	c.haltOnce.Do(func() { c.halt() })
}

func (c *Client) halt() {
	c.log.Notice("Starting graceful shutdown.")

	// Mark the close as deliberate before yanking the socket out from
	// under the read worker, so that it does not mistake the connection
	// going away for the server dying.
	close(c.closedCh)
	c.conn.Close()
	c.reader.Halt()

	close(c.fatalErrCh)
	close(c.inboundCh)

	c.log.Notice("Shutdown complete.")
	close(c.haltedCh)
}

// deliver hands a message to the presentation front end.  The front end
// falling behind must never wedge the read path, excess messages are dropped
// instead.
func (c *Client) deliver(m chat.Message) {
	select {
	case c.inboundCh <- m:
	default:
		c.log.Warningf("Dropping message for the front end, consumer is not keeping up.")
	}
}

func (c *Client) readWorker() {
	for {
		payload, err := wire.ReadFrame(c.conn, c.wireCfg.MaxFrame())
		if err != nil {
			select {
			case <-c.closedCh:
				// Deliberate local close.
			default:
				// The server went away, or the link did.  Either
				// way the session is over, tell the front end and
				// start tearing down.
				c.log.Noticef("Connection lost: %v", err)
				c.deliver(chat.Notice("Server has shut down"))
				c.fatalErrCh <- err
			}
			return
		}

		env, err := crypto.EnvelopeFromBytes(payload)
		if err != nil {
			c.log.Warningf("Failed to parse envelope: %v", err)
			continue
		}
		plaintext, err := c.cipher.Open(env)
		if err != nil {
			c.log.Warningf("Failed to open envelope: %v", err)
			continue
		}
		c.deliver(chat.Message{
			Sender: env.Username,
			Text:   string(plaintext),
			Time:   time.Now(),
		})
	}
}

// New returns a new Client instance parameterized with the specific
// configuration, dialed and handshaked with the server.  key is the
// unwrapped data key, the caller keeps ownership of the backing buffer.
func New(cfg *config.Config, key []byte) (*Client, error) {
	c := new(Client)
	c.cfg = cfg
	c.inboundCh = make(chan chat.Message, inboundQueueSize)
	c.fatalErrCh = make(chan error)
	c.closedCh = make(chan interface{})
	c.haltedCh = make(chan interface{})

	// Bring up logging first, everything after this logs.
	if err := c.initLogging(); err != nil {
		return nil, err
	}
	c.log.Noticef("Starting up as %v.", cfg.Chat.Username)

	var err error
	if c.cipher, err = crypto.New(key); err != nil {
		c.log.Errorf("Failed to initialize cipher: %v", err)
		return nil, err
	}
	c.wireCfg = &wire.Config{
		HelloTimeout: cfg.Debug.HelloDeadline(),
		ReplyTimeout: cfg.Debug.ReplyDeadline(),
		MaxFrameSize: cfg.Debug.MaxFrameSize,
	}

	c.log.Noticef("Connecting to %v.", cfg.Server.Address)
	c.conn, err = net.DialTimeout("tcp", cfg.Server.Address, cfg.Debug.DialDeadline())
	if err != nil {
		c.log.Errorf("Failed to connect: %v", err)
		return nil, err
	}
	if err = wire.ClientHandshake(c.conn, c.cipher, cfg.Chat.Username, c.wireCfg); err != nil {
		c.log.Errorf("Handshake failed: %v", err)
		c.conn.Close()
		return nil, err
	}
	c.log.Notice("Connected.")

	// Start the fatal error watcher.
	go func() {
		err, ok := <-c.fatalErrCh
		if !ok {
			return
		}
		c.log.Warningf("Shutting down due to error: %v", err)
		c.Shutdown()
	}()

	c.reader.Go(c.readWorker)

	return c, nil
}
