// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// sendQueueDepthValue backs the gauge so tests and the /health endpoint
	// can read the depth without scraping.
	sendQueueDepthValue atomic.Int64

	sendQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "federationsender",
			Subsystem: "queue",
			Name:      "send_queue_depth",
			Help:      "Number of transactions pending across all destinations",
		},
	)
	transactionsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "federationsender",
			Subsystem: "queue",
			Name:      "transactions_in_flight",
			Help:      "Number of transactions currently being sent",
		},
	)
	transactionSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "federationsender",
			Subsystem: "queue",
			Name:      "transaction_send_duration_seconds",
			Help:      "Time taken to send a transaction to its destination",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	transactionsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "federationsender",
			Subsystem: "queue",
			Name:      "transactions_sent_total",
			Help:      "Transactions by final outcome",
		},
		[]string{"outcome"},
	)
	destinationBackoffs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "federationsender",
			Subsystem: "queue",
			Name:      "destination_backoffs_total",
			Help:      "Transient send failures that triggered a backoff sleep",
		},
	)
)

func init() {
	prometheus.MustRegister(
		sendQueueDepth,
		transactionsInFlight,
		transactionSendDuration,
		transactionsSent,
		destinationBackoffs,
	)
}

func observeSendQueueDepth(delta int64) {
	sendQueueDepth.Set(float64(sendQueueDepthValue.Add(delta)))
}

// SendQueueDepth reports the number of pending transactions across all
// destinations.
func SendQueueDepth() int64 {
	return sendQueueDepthValue.Load()
}
