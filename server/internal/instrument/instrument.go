// SPDX-FileCopyrightText: Copyright (C) 2026 Antimpeu Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// instrument.go - Server metrics.

// Package instrument exposes server counters to prometheus.
package instrument

import (
	goLog "log"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	acceptedConns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "antimpeu_accepted_connections_total",
			Help: "Number of accepted connections",
		},
	)
	rejectedConns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antimpeu_rejected_connections_total",
			Help: "Number of connections rejected during the handshake",
		},
		[]string{"reason"},
	)
	relayedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "antimpeu_relayed_messages_total",
			Help: "Number of chat messages relayed to peers",
		},
	)
	broadcastErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "antimpeu_broadcast_errors_total",
			Help: "Number of failed broadcast writes",
		},
	)
	connectedPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "antimpeu_connected_peers",
			Help: "Number of currently registered peers",
		},
	)

	registerOnce sync.Once
)

// Init registers the collectors and, when addr is not empty, exposes them
// over HTTP at /metrics.
func Init(addr string, errorLog *goLog.Logger) {
	registerOnce.Do(func() {
		prometheus.MustRegister(acceptedConns)
		prometheus.MustRegister(rejectedConns)
		prometheus.MustRegister(relayedMessages)
		prometheus.MustRegister(broadcastErrors)
		prometheus.MustRegister(connectedPeers)
	})

	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:     addr,
		Handler:  mux,
		ErrorLog: errorLog,
	}
	go srv.ListenAndServe()
}

// ConnectionAccepted counts a freshly accepted connection, before the
// handshake outcome is known.
func ConnectionAccepted() {
	acceptedConns.Inc()
}

// ConnectionRejected counts a handshake rejection by cause.
func ConnectionRejected(reason string) {
	rejectedConns.With(prometheus.Labels{"reason": reason}).Inc()
}

// MessageRelayed counts a chat message fanned out to peers.
func MessageRelayed() {
	relayedMessages.Inc()
}

// BroadcastError counts a failed write during a broadcast.
func BroadcastError() {
	broadcastErrors.Inc()
}

// PeerRegistered tracks a peer entering the registry.
func PeerRegistered() {
	connectedPeers.Inc()
}

// PeerDeregistered tracks a peer leaving the registry.
func PeerDeregistered() {
	connectedPeers.Dec()
}
