// SPDX-FileCopyrightText: Copyright (C) 2026 Antimpeu Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// message.go - Chat boundary types.

// Package chat provides the types exchanged between the protocol core and
// its presentation front ends.
package chat

import "time"

// SystemSender is the sender name used for connection lifecycle notices.
const SystemSender = "Server"

// Message is a single decrypted chat message or system notice, as handed to
// a presentation front end.  Sender is the name asserted by the originating
// peer and is not authenticated beyond possession of the shared key.
type Message struct {
	Sender string
	Text   string
	Time   time.Time
}

// Notice constructs a system notice message.
func Notice(text string) Message {
	return Message{
		Sender: SystemSender,
		Text:   text,
		Time:   time.Now(),
	}
}
