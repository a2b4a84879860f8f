// SPDX-FileCopyrightText: Copyright (C) 2026 Antimpeu Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// frame.go - Length prefixed framing.

// Package wire implements the Antimpeu wire protocol, length prefixed
// framing and the connection handshake.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// DefaultMaxFrameSize is the maximum frame payload length accepted when the
// configuration does not say otherwise.
const DefaultMaxFrameSize = 1048576

// ErrFrameTooLarge is the error returned when a frame payload exceeds the
// maximum size, on read before the payload is allocated.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// WriteFrame writes payload to w as a single frame, a big endian uint32
// length followed by the payload bytes, issued as one Write call.
func WriteFrame(w io.Writer, payload []byte, max uint32) error {
	if uint64(len(payload)) > uint64(max) {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads a single frame from r and returns its payload.  A declared
// length greater than max fails with ErrFrameTooLarge before any allocation,
// an oversized length advertisement never commits memory.
func ReadFrame(r io.Reader, max uint32) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(hdr[:])
	if frameLen > max {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, frameLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
