// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib/spec"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/federation-sender/statistics"
	"github.com/element-hq/federation-sender/types"
)

const (
	// Device outbox rows and pokes fetched per fill, across both tables.
	maxDeviceMessagesPerFill = 100
	// How long an in-flight request may take before it is cancelled.
	sendTimeout = time.Minute
)

// EDU types that carry storage bookkeeping and are pruned after delivery.
const (
	MDirectToDevice   = "m.direct_to_device"
	MDeviceListUpdate = "m.device_list_update"
	MPresence         = "m.presence"
	MTyping           = "m.typing"
)

// destinationQueue is the pending work for one remote server: an in-memory
// FIFO of transactions drained by a single owning goroutine. The goroutine
// guarantees at most one in-flight transaction per destination; the shared
// semaphore bounds in-flight transactions globally.
type destinationQueue struct {
	queues      *OutgoingQueues
	destination spec.ServerName
	statistics  *statistics.ServerStatistics
	notify      chan struct{} // woken on new work, capacity 1

	mutex   sync.Mutex
	pending []*types.Transaction

	// Device outbox bookkeeping. The "last" marks advance only after a
	// successful send; the "queued" marks stop a refill from double-queueing
	// rows already sitting in a pending transaction.
	needsDeviceFill          atomic.Bool
	lastDeviceMsgStreamID    int64
	lastDeviceListStreamID   int64
	queuedDeviceMsgStreamID  int64
	queuedDeviceListStreamID int64
}

func (oq *destinationQueue) wake() {
	select {
	case oq.notify <- struct{}{}:
	default:
	}
}

// transactionForAppend returns the tail pending transaction if it still has
// room under both caps, otherwise appends a fresh one with a newly minted
// transaction id. Callers hold oq.mutex.
func (oq *destinationQueue) transactionForAppend() *types.Transaction {
	if n := len(oq.pending); n > 0 && !oq.pending[n-1].Full() {
		return oq.pending[n-1]
	}
	txn := &types.Transaction{
		TransactionID:  oq.queues.nextTransactionID(),
		Origin:         oq.queues.origin,
		OriginServerTS: spec.AsTimestamp(time.Now()),
		Destination:    oq.destination,
	}
	oq.pending = append(oq.pending, txn)
	observeSendQueueDepth(1)
	return txn
}

func (oq *destinationQueue) appendPDU(pdu *types.PduEvent) {
	oq.mutex.Lock()
	txn := oq.transactionForAppend()
	txn.PDUs = append(txn.PDUs, pdu)
	oq.mutex.Unlock()
	oq.wake()
}

// appendEDU honors the internal key replacement rule: within the tail
// transaction, a new EDU with the same non-empty key replaces the pending
// one instead of queueing alongside it.
func (oq *destinationQueue) appendEDU(edu *types.Edu) {
	oq.mutex.Lock()
	txn := oq.transactionForAppend()
	if edu.InternalKey != "" {
		for i, queued := range txn.EDUs {
			if queued.InternalKey == edu.InternalKey {
				txn.EDUs[i] = edu
				oq.mutex.Unlock()
				oq.wake()
				return
			}
		}
	}
	txn.EDUs = append(txn.EDUs, edu)
	oq.mutex.Unlock()
	oq.wake()
}

func (oq *destinationQueue) pop() *types.Transaction {
	oq.mutex.Lock()
	defer oq.mutex.Unlock()
	if len(oq.pending) == 0 {
		return nil
	}
	txn := oq.pending[0]
	oq.pending = oq.pending[1:]
	observeSendQueueDepth(-1)
	return txn
}

// run is the owning goroutine for this destination. It exists for the
// lifetime of the process once the destination has been observed.
func (oq *destinationQueue) run(ctx context.Context) {
	defer oq.queues.process.ComponentFinished()

	// First observation of this destination: pick up whatever the device
	// outbox already holds for it.
	oq.fillDeviceMessages(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-oq.notify:
		}
		if oq.needsDeviceFill.Swap(false) {
			oq.fillDeviceMessages(ctx)
		}
		if !oq.drain(ctx) {
			return
		}
	}
}

// drain sends pending transactions in FIFO order until the queue is empty.
// The global semaphore is held while sending and released around backoff
// sleeps so a slow destination never pins a concurrency slot. Returns false
// when the context was cancelled.
func (oq *destinationQueue) drain(ctx context.Context) bool {
	// Honor any backoff already on record, including state reloaded from
	// storage after a restart. No semaphore is held while waiting.
	if until := oq.statistics.BackoffUntil(); until.After(time.Now()) {
		if !sleepFor(ctx, time.Until(until)) {
			return false
		}
	}

	held := oq.acquire(ctx)
	if !held {
		return false
	}
	defer func() {
		if held {
			oq.release()
		}
	}()

	for {
		txn := oq.pop()
		if txn == nil {
			return true
		}
		if !oq.attempt(ctx, txn, &held) {
			return false
		}
	}
}

// attempt delivers one transaction, retrying the same transaction across
// transient failures. The semaphore ownership flag is shared with drain so
// the release-while-sleeping dance never double-releases. Returns false when
// cancelled.
func (oq *destinationQueue) attempt(ctx context.Context, txn *types.Transaction, held *bool) bool {
	for {
		err := oq.send(ctx, txn)
		switch {
		case err == nil:
			oq.cleanupAfterSend(ctx, txn)
			oq.statistics.Success(ctx)
			transactionsSent.WithLabelValues("success").Inc()
			return true

		case ctx.Err() != nil:
			return false

		case statistics.Terminal(err):
			log.WithError(err).WithFields(log.Fields{
				"destination":    oq.destination,
				"transaction_id": txn.TransactionID,
			}).Warn("Dropping transaction after terminal failure")
			sentry.CaptureException(err)
			// A terminal classification ends the failure streak too.
			oq.statistics.Success(ctx)
			oq.forgetQueuedDeviceRows(txn)
			transactionsSent.WithLabelValues("fail").Inc()
			return true

		default:
			until, delay := oq.statistics.Failure(ctx)
			destinationBackoffs.Inc()
			log.WithError(err).WithFields(log.Fields{
				"destination":    oq.destination,
				"transaction_id": txn.TransactionID,
				"retry_at":       until.Format(time.RFC3339),
				"attempts":       oq.statistics.FailureCount(),
			}).Warn("Transaction failed, backing off")

			// Give the concurrency slot back while asleep so other
			// destinations keep moving.
			oq.release()
			*held = false
			if !sleepFor(ctx, delay) {
				return false
			}
			if !oq.acquire(ctx) {
				return false
			}
			*held = true
		}
	}
}

func (oq *destinationQueue) send(ctx context.Context, txn *types.Transaction) error {
	wire, err := txn.Wire()
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"destination":    oq.destination,
		"transaction_id": txn.TransactionID,
		"pdus":           len(txn.PDUs),
		"edus":           len(txn.EDUs),
	}).Debug("Sending transaction")

	transactionsInFlight.Inc()
	defer transactionsInFlight.Dec()

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	start := time.Now()
	_, err = oq.queues.client.SendTransaction(sendCtx, wire)
	transactionSendDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		log.WithFields(log.Fields{
			"destination":    oq.destination,
			"transaction_id": txn.TransactionID,
			"duration":       time.Since(start),
		}).Info("Successfully sent transaction")
	}
	return err
}

func (oq *destinationQueue) acquire(ctx context.Context) bool {
	select {
	case oq.queues.semaphore <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (oq *destinationQueue) release() {
	<-oq.queues.semaphore
}

// fillDeviceMessages loads pending device outbox rows and unsent device list
// pokes into EDUs, splitting across transactions at the caps. Transient DB
// errors leave the marks alone so the next wake retries.
func (oq *destinationQueue) fillDeviceMessages(ctx context.Context) {
	oq.mutex.Lock()
	afterOutbox := oq.queuedDeviceMsgStreamID
	afterPokes := oq.queuedDeviceListStreamID
	oq.mutex.Unlock()

	messages, pokes, err := oq.queues.db.GetPendingDeviceMessages(
		ctx, oq.destination, afterOutbox, afterPokes, maxDeviceMessagesPerFill,
	)
	if err != nil {
		log.WithError(err).WithField("destination", oq.destination).Error("Failed to read device outbox")
		sentry.CaptureException(err)
		oq.needsDeviceFill.Store(true)
		return
	}

	for i := range messages {
		msg := &messages[i]
		oq.appendEDU(&types.Edu{
			Type:        MDirectToDevice,
			Origin:      oq.queues.origin,
			Destination: oq.destination,
			Content:     spec.RawJSON(msg.MessagesJSON),
			StreamID:    msg.StreamID,
		})
		oq.mutex.Lock()
		if msg.StreamID > oq.queuedDeviceMsgStreamID {
			oq.queuedDeviceMsgStreamID = msg.StreamID
		}
		oq.mutex.Unlock()
	}
	for i := range pokes {
		poke := &pokes[i]
		content, err := json.Marshal(map[string]interface{}{
			"user_id":   poke.UserID,
			"stream_id": poke.StreamID,
		})
		if err != nil {
			continue
		}
		oq.appendEDU(&types.Edu{
			Type:        MDeviceListUpdate,
			Origin:      oq.queues.origin,
			Destination: oq.destination,
			Content:     spec.RawJSON(content),
			StreamID:    poke.StreamID,
			UserID:      poke.UserID,
		})
		oq.mutex.Lock()
		if poke.StreamID > oq.queuedDeviceListStreamID {
			oq.queuedDeviceListStreamID = poke.StreamID
		}
		oq.mutex.Unlock()
	}
}

// cleanupAfterSend prunes storage for the device rows a delivered transaction
// carried and advances the per-destination high water marks. Runs only after
// the remote acknowledged the transaction.
func (oq *destinationQueue) cleanupAfterSend(ctx context.Context, txn *types.Transaction) {
	var outboxIDs []int64
	var sentPokes []types.DeviceListPoke
	maxOutbox, maxPokes := int64(0), int64(0)
	for _, edu := range txn.EDUs {
		switch edu.Type {
		case MDirectToDevice:
			outboxIDs = append(outboxIDs, edu.StreamID)
			if edu.StreamID > maxOutbox {
				maxOutbox = edu.StreamID
			}
		case MDeviceListUpdate:
			sentPokes = append(sentPokes, types.DeviceListPoke{
				Destination: oq.destination,
				StreamID:    edu.StreamID,
				UserID:      edu.UserID,
			})
			if edu.StreamID > maxPokes {
				maxPokes = edu.StreamID
			}
		}
	}

	if len(outboxIDs) > 0 {
		if err := oq.queues.db.DeleteDeviceMessages(ctx, oq.destination, outboxIDs); err != nil {
			log.WithError(err).WithField("destination", oq.destination).Error("Failed to prune device outbox")
			sentry.CaptureException(err)
		}
	}
	if len(sentPokes) > 0 {
		if err := oq.queues.db.MarkDeviceListPokesSent(ctx, oq.destination, sentPokes); err != nil {
			log.WithError(err).WithField("destination", oq.destination).Error("Failed to mark device list pokes sent")
			sentry.CaptureException(err)
		}
	}

	oq.mutex.Lock()
	if maxOutbox > oq.lastDeviceMsgStreamID {
		oq.lastDeviceMsgStreamID = maxOutbox
	}
	if maxPokes > oq.lastDeviceListStreamID {
		oq.lastDeviceListStreamID = maxPokes
	}
	oq.mutex.Unlock()
}

// forgetQueuedDeviceRows rewinds the queued marks for device rows lost with a
// dropped transaction, so a later fill offers them to the peer again.
func (oq *destinationQueue) forgetQueuedDeviceRows(txn *types.Transaction) {
	oq.mutex.Lock()
	defer oq.mutex.Unlock()
	for _, edu := range txn.EDUs {
		switch edu.Type {
		case MDirectToDevice:
			if oq.lastDeviceMsgStreamID < oq.queuedDeviceMsgStreamID {
				oq.queuedDeviceMsgStreamID = oq.lastDeviceMsgStreamID
			}
		case MDeviceListUpdate:
			if oq.lastDeviceListStreamID < oq.queuedDeviceListStreamID {
				oq.queuedDeviceListStreamID = oq.lastDeviceListStreamID
			}
		}
	}
}

// sleepFor waits for the duration or cancellation; true means the wait
// completed.
func sleepFor(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
