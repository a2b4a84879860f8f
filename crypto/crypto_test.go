// SPDX-FileCopyrightText: Copyright (C) 2026 Antimpeu Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// crypto_test.go - Message encryption tests.

package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestCipherNew(t *testing.T) {
	require := require.New(t)

	_, err := New(make([]byte, KeySize-1))
	require.Equal(ErrInvalidKeySize, err, "New(short key)")

	_, err = New(make([]byte, KeySize+1))
	require.Equal(ErrInvalidKeySize, err, "New(long key)")

	c, err := New(testKey(t))
	require.NoError(err, "New(valid key)")
	require.NotNil(c)
}

func TestSealOpenRoundTrip(t *testing.T) {
	require := require.New(t)

	c, err := New(testKey(t))
	require.NoError(err)

	for _, sz := range []int{0, 1, 2, 64, 255, 4096, 65536} {
		plaintext := make([]byte, sz)
		_, err := rand.Read(plaintext)
		require.NoError(err)

		env, err := c.Seal("alice", plaintext)
		require.NoError(err, "Seal(%d bytes)", sz)
		require.Equal("alice", env.Username)
		require.Len(env.Nonce, 2*NonceSize)
		require.Len(env.Tag, 2*TagSize)

		decrypted, err := c.Open(env)
		require.NoError(err, "Open(%d bytes)", sz)
		require.Equal(plaintext, decrypted)
	}
}

func TestOpenRejectsCorruption(t *testing.T) {
	require := require.New(t)

	c, err := New(testKey(t))
	require.NoError(err)

	env, err := c.Seal("alice", []byte("attack at dawn"))
	require.NoError(err)

	// Flip a single bit in each authenticated portion of the envelope.
	flip := func(field string) string {
		raw, err := hex.DecodeString(field)
		require.NoError(err)
		raw[0] ^= 0x01
		return hex.EncodeToString(raw)
	}

	corrupted := *env
	corrupted.Ciphertext = flip(env.Ciphertext)
	_, err = c.Open(&corrupted)
	require.Equal(ErrAuthenticationFailure, err, "corrupt ciphertext")

	corrupted = *env
	corrupted.Tag = flip(env.Tag)
	_, err = c.Open(&corrupted)
	require.Equal(ErrAuthenticationFailure, err, "corrupt tag")

	corrupted = *env
	corrupted.Nonce = flip(env.Nonce)
	_, err = c.Open(&corrupted)
	require.Equal(ErrAuthenticationFailure, err, "corrupt nonce")

	// The pristine envelope still opens.
	_, err = c.Open(env)
	require.NoError(err)
}

func TestOpenRejectsMalformedFields(t *testing.T) {
	require := require.New(t)

	c, err := New(testKey(t))
	require.NoError(err)

	env, err := c.Seal("alice", []byte("hi"))
	require.NoError(err)

	for _, tc := range []struct {
		name   string
		mutate func(e *Envelope)
	}{
		{"nonce not hex", func(e *Envelope) { e.Nonce = "zz" + e.Nonce[2:] }},
		{"nonce truncated", func(e *Envelope) { e.Nonce = e.Nonce[:2*NonceSize-2] }},
		{"tag not hex", func(e *Envelope) { e.Tag = "zz" + e.Tag[2:] }},
		{"tag truncated", func(e *Envelope) { e.Tag = e.Tag[:2*TagSize-2] }},
		{"ciphertext not hex", func(e *Envelope) { e.Ciphertext = "xyzzy" }},
	} {
		mutated := *env
		tc.mutate(&mutated)
		_, err := c.Open(&mutated)
		require.Equal(ErrAuthenticationFailure, err, tc.name)
	}
}

func TestOpenWrongKey(t *testing.T) {
	require := require.New(t)

	c1, err := New(testKey(t))
	require.NoError(err)
	c2, err := New(testKey(t))
	require.NoError(err)

	env, err := c1.Seal("alice", []byte("secret"))
	require.NoError(err)

	_, err = c2.Open(env)
	require.Equal(ErrAuthenticationFailure, err)
}

func TestSealNonceUniqueness(t *testing.T) {
	require := require.New(t)

	c, err := New(testKey(t))
	require.NoError(err)

	const iterations = 10000
	seen := make(map[string]bool, iterations)
	plaintext := []byte("the same message, over and over")
	for i := 0; i < iterations; i++ {
		env, err := c.Seal("alice", plaintext)
		require.NoError(err)
		require.False(seen[env.Nonce], "nonce reused after %d seals", i)
		seen[env.Nonce] = true
	}
}

func TestEnvelopeCodec(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	c, err := New(testKey(t))
	require.NoError(err)

	env, err := c.Seal("bob", []byte("over the wire"))
	require.NoError(err)

	b, err := env.ToBytes()
	require.NoError(err)

	parsed, err := EnvelopeFromBytes(b)
	require.NoError(err)
	assert.Equal(env, parsed)

	plaintext, err := c.Open(parsed)
	require.NoError(err)
	assert.Equal([]byte("over the wire"), plaintext)

	_, err = EnvelopeFromBytes([]byte("not json"))
	assert.Error(err)
}
