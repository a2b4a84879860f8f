// SPDX-FileCopyrightText: Copyright (C) 2026 Antimpeu Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// crypto.go - Message encryption engine.

// Package crypto provides the authenticated encryption engine used for all
// chat traffic, AES-256-GCM under a single pre-shared key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
)

const (
	// KeySize is the size of a message encryption key in bytes.
	KeySize = 32

	// NonceSize is the size of an AES-GCM nonce in bytes.
	NonceSize = 12

	// TagSize is the size of an AES-GCM authentication tag in bytes.
	TagSize = 16
)

var (
	// ErrInvalidKeySize is the error returned when a key is not KeySize
	// bytes long.
	ErrInvalidKeySize = errors.New("crypto: invalid key size")

	// ErrAuthenticationFailure is the error returned when opening an
	// envelope fails.  The cause is deliberately not disclosed, a forged
	// ciphertext and a garbled one are indistinguishable to the peer.
	ErrAuthenticationFailure = errors.New("crypto: authentication failure")
)

// Cipher seals and opens chat envelopes under a shared key.  It is safe for
// concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// New constructs a Cipher from a KeySize byte key.  The key is copied, the
// caller remains responsible for the lifetime of its own buffer.
func New(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext into a fresh Envelope attributed to sender.  Every
// call draws a new random nonce, sealing the same plaintext twice never
// yields the same ciphertext.
func (c *Cipher) Seal(sender string, plaintext []byte) (*Envelope, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := c.aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := out[:len(out)-TagSize], out[len(out)-TagSize:]

	return &Envelope{
		Username:   sender,
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(ct),
		Tag:        hex.EncodeToString(tag),
	}, nil
}

// Open decrypts an Envelope and returns the plaintext.  Any failure, be it
// malformed hex, a wrong sized nonce or tag, or a tag mismatch, is reported
// as ErrAuthenticationFailure.
func (c *Cipher) Open(env *Envelope) ([]byte, error) {
	nonce, err := hex.DecodeString(env.Nonce)
	if err != nil || len(nonce) != NonceSize {
		return nil, ErrAuthenticationFailure
	}
	ct, err := hex.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	tag, err := hex.DecodeString(env.Tag)
	if err != nil || len(tag) != TagSize {
		return nil, ErrAuthenticationFailure
	}

	plaintext, err := c.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return plaintext, nil
}
