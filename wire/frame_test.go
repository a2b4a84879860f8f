// SPDX-FileCopyrightText: Copyright (C) 2026 Antimpeu Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// frame_test.go - Framing tests.

package wire

import (
	"crypto/rand"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	require := require.New(t)

	for _, sz := range []int{0, 1, 64, 65536} {
		clientConn, serverConn := net.Pipe()

		payload := make([]byte, sz)
		_, err := rand.Read(payload)
		require.NoError(err)

		errCh := make(chan error, 1)
		go func() {
			errCh <- WriteFrame(clientConn, payload, DefaultMaxFrameSize)
		}()

		got, err := ReadFrame(serverConn, DefaultMaxFrameSize)
		require.NoError(err, "ReadFrame(%d byte payload)", sz)
		require.NoError(<-errCh, "WriteFrame(%d byte payload)", sz)
		require.Equal(payload, got)

		clientConn.Close()
		serverConn.Close()
	}
}

func TestWriteFrameTooLarge(t *testing.T) {
	require := require.New(t)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	// The limit is checked before anything hits the wire, no reader is
	// needed on the other end.
	err := WriteFrame(clientConn, make([]byte, 17), 16)
	require.Equal(ErrFrameTooLarge, err)
}

func TestReadFrameTooLarge(t *testing.T) {
	require := require.New(t)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	// A hostile header declaring 4 GiB must be rejected on the header
	// alone, without the reader attempting the allocation.
	go clientConn.Write([]byte{0xff, 0xff, 0xff, 0xff})

	_, err := ReadFrame(serverConn, DefaultMaxFrameSize)
	require.Equal(ErrFrameTooLarge, err)
}

func TestReadFrameShortHeader(t *testing.T) {
	require := require.New(t)

	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	go func() {
		clientConn.Write([]byte{0x00, 0x00})
		clientConn.Close()
	}()

	_, err := ReadFrame(serverConn, DefaultMaxFrameSize)
	require.Error(err)
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	require := require.New(t)

	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	go func() {
		clientConn.Write([]byte{0x00, 0x00, 0x00, 0x08, 0xde, 0xad})
		clientConn.Close()
	}()

	_, err := ReadFrame(serverConn, DefaultMaxFrameSize)
	require.Error(err)
}
