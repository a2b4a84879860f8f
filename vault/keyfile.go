// SPDX-FileCopyrightText: Copyright (C) 2026 Antimpeu Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// keyfile.go - Wrapped key file operations.

package vault

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/awnumar/memguard"

	"github.com/antimpeu/antimpeu/crypto"
)

const (
	// WrappedKeyFile is the file name of the wrapped data key inside the
	// key directory.
	WrappedKeyFile = "dek.bin"

	// RawKeyFile is the file name of an unwrapped data key inside the key
	// directory, consumed and superseded by WrapFile.
	RawKeyFile = "dek.key"
)

// LoadKey reads a wrapped key blob from path, obtains a passphrase from sp
// and unwraps the data key into a locked buffer.
func LoadKey(path string, sp SecretProvider) (*memguard.LockedBuffer, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to read key file: %w", err)
	}

	passphrase, err := sp()
	if err != nil {
		return nil, fmt.Errorf("vault: failed to read passphrase: %w", err)
	}
	defer memguard.WipeBytes(passphrase)

	return Unwrap(blob, passphrase)
}

// WrapFile reads a raw data key from rawPath, wraps it under a passphrase
// from sp and writes the blob to outPath, creating parent directories as
// needed.  The raw key file is left in place for the caller to dispose of.
func WrapFile(rawPath, outPath string, sp SecretProvider) error {
	dataKey, err := os.ReadFile(rawPath)
	if err != nil {
		return fmt.Errorf("vault: failed to read raw key file: %w", err)
	}
	defer memguard.WipeBytes(dataKey)
	if len(dataKey) != crypto.KeySize {
		return ErrInvalidKeySize
	}

	passphrase, err := sp()
	if err != nil {
		return fmt.Errorf("vault: failed to read passphrase: %w", err)
	}
	defer memguard.WipeBytes(passphrase)

	blob, err := Wrap(dataKey, passphrase)
	if err != nil {
		return err
	}
	return writeBlob(outPath, blob)
}

// GenerateKey draws a fresh random data key, wraps it under a passphrase
// from sp and writes the blob to outPath.  An existing file is never
// overwritten.
func GenerateKey(outPath string, sp SecretProvider) error {
	if _, err := os.Stat(outPath); err == nil {
		return fmt.Errorf("vault: refusing to overwrite existing key file: %s", outPath)
	}

	dataKey := make([]byte, crypto.KeySize)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return err
	}
	defer memguard.WipeBytes(dataKey)

	passphrase, err := sp()
	if err != nil {
		return fmt.Errorf("vault: failed to read passphrase: %w", err)
	}
	defer memguard.WipeBytes(passphrase)

	blob, err := Wrap(dataKey, passphrase)
	if err != nil {
		return err
	}
	return writeBlob(outPath, blob)
}

func writeBlob(path string, blob []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("vault: failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, blob, 0600); err != nil {
		return fmt.Errorf("vault: failed to write key file: %w", err)
	}
	return nil
}
