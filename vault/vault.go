// SPDX-FileCopyrightText: Copyright (C) 2026 Antimpeu Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// vault.go - Data key wrapping and unwrapping.

// Package vault protects the shared data encryption key at rest.  The key is
// wrapped under a passphrase derived wrap key and stored as an opaque blob,
// salt, nonce and ciphertext concatenated.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/pbkdf2"

	"github.com/antimpeu/antimpeu/crypto"
)

const (
	// KDFIterations is the PBKDF2-HMAC-SHA256 iteration count used to
	// derive the wrap key from a passphrase.
	KDFIterations = 100000

	// SaltSize is the size of the KDF salt in bytes.
	SaltSize = 16

	// minBlobSize is the smallest well formed blob, a salt, a nonce and
	// an authentication tag around an empty ciphertext.
	minBlobSize = SaltSize + crypto.NonceSize + crypto.TagSize
)

var (
	// ErrMalformedBlob is the error returned when a wrapped key blob is
	// too short to parse.
	ErrMalformedBlob = errors.New("vault: malformed key blob")

	// ErrUnwrapFailed is the error returned when a blob fails to
	// authenticate.  A wrong passphrase and a corrupted blob are
	// deliberately indistinguishable.
	ErrUnwrapFailed = errors.New("vault: unwrap failed")

	// ErrInvalidKeySize is the error returned when the key material being
	// wrapped, or recovered from a blob, is not a valid data key.
	ErrInvalidKeySize = errors.New("vault: invalid data key size")
)

func wrapAEAD(passphrase, salt []byte) (cipher.AEAD, error) {
	kek := pbkdf2.Key(passphrase, salt, KDFIterations, crypto.KeySize, sha256.New)
	defer memguard.WipeBytes(kek)

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Wrap encrypts a data key under a passphrase and returns the blob to store
// on disk.
func Wrap(dataKey, passphrase []byte) ([]byte, error) {
	if len(dataKey) != crypto.KeySize {
		return nil, ErrInvalidKeySize
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	nonce := make([]byte, crypto.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	aead, err := wrapAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}

	blob := make([]byte, 0, minBlobSize+len(dataKey))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	return aead.Seal(blob, nonce, dataKey, nil), nil
}

// Unwrap decrypts a wrapped key blob with a passphrase.  The recovered data
// key is returned in a locked buffer, intermediates are wiped before return.
func Unwrap(blob, passphrase []byte) (*memguard.LockedBuffer, error) {
	if len(blob) < minBlobSize {
		return nil, ErrMalformedBlob
	}
	salt := blob[:SaltSize]
	nonce := blob[SaltSize : SaltSize+crypto.NonceSize]
	ct := blob[SaltSize+crypto.NonceSize:]

	aead, err := wrapAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}

	dataKey, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrUnwrapFailed
	}
	if len(dataKey) != crypto.KeySize {
		memguard.WipeBytes(dataKey)
		return nil, ErrInvalidKeySize
	}

	// NewBufferFromBytes wipes the source slice after the copy.
	return memguard.NewBufferFromBytes(dataKey), nil
}
