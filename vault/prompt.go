// SPDX-FileCopyrightText: Copyright (C) 2026 Antimpeu Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// prompt.go - Passphrase acquisition.

package vault

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// SecretProvider supplies a passphrase on demand.  The caller wipes the
// returned slice when done with it.
type SecretProvider func() ([]byte, error)

// Terminal returns a SecretProvider that prompts on stderr and reads the
// passphrase from the controlling terminal without echo.
func Terminal(prompt string) SecretProvider {
	return func() ([]byte, error) {
		fmt.Fprint(os.Stderr, prompt)
		defer fmt.Fprintln(os.Stderr)
		return term.ReadPassword(int(os.Stdin.Fd()))
	}
}

// Static returns a SecretProvider that always yields the given passphrase.
// Each call returns a fresh copy so the caller is free to wipe it.
func Static(passphrase string) SecretProvider {
	return func() ([]byte, error) {
		return []byte(passphrase), nil
	}
}
