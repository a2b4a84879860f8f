// SPDX-FileCopyrightText: Copyright (C) 2026 Antimpeu Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// envelope.go - Wire envelope serialization.

package crypto

import (
	"encoding/json"
	"fmt"
)

// Envelope is the on-the-wire form of an encrypted message.  All binary
// fields are lowercase hex encoded.  Username is carried in the clear and is
// not covered by the authentication tag.
type Envelope struct {
	Username   string `json:"username"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

// ToBytes serializes the Envelope into a frame payload.
func (e *Envelope) ToBytes() ([]byte, error) {
	return json.Marshal(e)
}

// EnvelopeFromBytes deserializes a frame payload into an Envelope.
func EnvelopeFromBytes(b []byte) (*Envelope, error) {
	e := new(Envelope)
	if err := json.Unmarshal(b, e); err != nil {
		return nil, fmt.Errorf("crypto: malformed envelope: %w", err)
	}
	return e, nil
}
