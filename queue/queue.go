// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/gomatrixserverlib/spec"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/federation-sender/setup/process"
	"github.com/element-hq/federation-sender/statistics"
	"github.com/element-hq/federation-sender/storage"
	"github.com/element-hq/federation-sender/types"
)

// DefaultMaxConcurrency bounds in-flight transactions across all
// destinations when the config does not say otherwise.
const DefaultMaxConcurrency = 100

// FederationClient is the narrow slice of the signing + HTTP collaborator
// the queue consumes: canonical JSON, the X-Matrix Authorization header and
// the TLS policy all live behind it.
type FederationClient interface {
	SendTransaction(ctx context.Context, t gomatrixserverlib.Transaction) (fclient.RespSend, error)
}

// OutgoingQueues routes PDUs and EDUs into per-destination queues and owns
// the global concurrency gate. Destinations are created lazily on first use
// and live for the rest of the process.
type OutgoingQueues struct {
	db         storage.Database
	process    *process.ProcessContext
	origin     spec.ServerName
	client     FederationClient
	statistics *statistics.Statistics
	semaphore  chan struct{}
	txnID      atomic.Int64

	queuesMutex sync.Mutex
	queues      map[spec.ServerName]*destinationQueue
}

func NewOutgoingQueues(
	proc *process.ProcessContext,
	db storage.Database,
	origin spec.ServerName,
	client FederationClient,
	stats *statistics.Statistics,
	maxConcurrency int,
) *OutgoingQueues {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	oqs := &OutgoingQueues{
		db:         db,
		process:    proc,
		origin:     origin,
		client:     client,
		statistics: stats,
		semaphore:  make(chan struct{}, maxConcurrency),
		queues:     map[spec.ServerName]*destinationQueue{},
	}
	// Seeding from the clock keeps ids unique across process restarts; the
	// peer dedups retries by (origin, destination, transaction_id).
	oqs.txnID.Store(time.Now().Unix())
	return oqs
}

// nextTransactionID mints a process-wide monotonically increasing id.
func (oqs *OutgoingQueues) nextTransactionID() gomatrixserverlib.TransactionID {
	return gomatrixserverlib.TransactionID(fmt.Sprintf("%d", oqs.txnID.Add(1)))
}

// getQueue returns the queue for a remote destination, starting its owning
// goroutine on first observation. Returns nil for the local server.
func (oqs *OutgoingQueues) getQueue(destination spec.ServerName) *destinationQueue {
	if destination == oqs.origin {
		return nil
	}
	oqs.queuesMutex.Lock()
	defer oqs.queuesMutex.Unlock()
	oq := oqs.queues[destination]
	if oq == nil {
		oq = &destinationQueue{
			queues:      oqs,
			destination: destination,
			statistics:  oqs.statistics.ForServer(destination),
			notify:      make(chan struct{}, 1),
		}
		oqs.queues[destination] = oq
		oqs.process.ComponentStarted()
		go oq.run(oqs.process.Context())
	}
	return oq
}

// SendEvent routes one PDU to a set of destinations, deduplicating and
// skipping the local server.
func (oqs *OutgoingQueues) SendEvent(pdu *types.PduEvent, destinations []spec.ServerName) error {
	if pdu == nil {
		return fmt.Errorf("queue: attempt to send nil PDU")
	}
	seen := make(map[spec.ServerName]struct{}, len(destinations))
	for _, destination := range destinations {
		if _, ok := seen[destination]; ok {
			continue
		}
		seen[destination] = struct{}{}
		if oq := oqs.getQueue(destination); oq != nil {
			oq.appendPDU(pdu)
		}
	}
	log.WithFields(log.Fields{
		"event_id":     pdu.EventID,
		"room_id":      pdu.RoomID,
		"destinations": len(seen),
	}).Debug("Queued PDU for federation")
	return nil
}

// SendEDU routes one EDU to its destination.
func (oqs *OutgoingQueues) SendEDU(edu *types.Edu) error {
	if edu == nil {
		return fmt.Errorf("queue: attempt to send nil EDU")
	}
	if edu.Destination == "" {
		return fmt.Errorf("queue: EDU of type %q has no destination", edu.Type)
	}
	if oq := oqs.getQueue(edu.Destination); oq != nil {
		oq.appendEDU(edu)
	}
	return nil
}

// SendDeviceMessages asks a destination's queue to re-check the device
// outbox and poke tables. Observing a brand new destination implicitly does
// the same.
func (oqs *OutgoingQueues) SendDeviceMessages(destination spec.ServerName) {
	oq := oqs.getQueue(destination)
	if oq == nil {
		return
	}
	oq.needsDeviceFill.Store(true)
	oq.wake()
}

// PendingTransactions reports the queue depth for one destination.
func (oqs *OutgoingQueues) PendingTransactions(destination spec.ServerName) int {
	oqs.queuesMutex.Lock()
	oq := oqs.queues[destination]
	oqs.queuesMutex.Unlock()
	if oq == nil {
		return 0
	}
	oq.mutex.Lock()
	defer oq.mutex.Unlock()
	return len(oq.pending)
}
