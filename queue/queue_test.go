package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrix"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/federation-sender/setup/process"
	"github.com/element-hq/federation-sender/statistics"
	"github.com/element-hq/federation-sender/types"
)

// fakeFederationClient is a scriptable peer. Each call pops the next error
// from the script; an exhausted script succeeds.
type fakeFederationClient struct {
	mu           sync.Mutex
	script       map[spec.ServerName][]error
	sendDelay    time.Duration
	transactions []gomatrixserverlib.Transaction
	attempts     map[spec.ServerName]int
	inFlight     map[spec.ServerName]int
	maxInFlight  map[spec.ServerName]int
}

func newFakeFederationClient() *fakeFederationClient {
	return &fakeFederationClient{
		script:      map[spec.ServerName][]error{},
		attempts:    map[spec.ServerName]int{},
		inFlight:    map[spec.ServerName]int{},
		maxInFlight: map[spec.ServerName]int{},
	}
}

func (f *fakeFederationClient) respond(destination spec.ServerName, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[destination] = append(f.script[destination], errs...)
}

func (f *fakeFederationClient) SendTransaction(ctx context.Context, t gomatrixserverlib.Transaction) (fclient.RespSend, error) {
	f.mu.Lock()
	f.attempts[t.Destination]++
	f.inFlight[t.Destination]++
	if f.inFlight[t.Destination] > f.maxInFlight[t.Destination] {
		f.maxInFlight[t.Destination] = f.inFlight[t.Destination]
	}
	var err error
	if script := f.script[t.Destination]; len(script) > 0 {
		err = script[0]
		f.script[t.Destination] = script[1:]
	}
	delay := f.sendDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.inFlight[t.Destination]--
	if err == nil {
		f.transactions = append(f.transactions, t)
	}
	f.mu.Unlock()
	return fclient.RespSend{}, err
}

func (f *fakeFederationClient) sentTo(destination spec.ServerName) []gomatrixserverlib.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []gomatrixserverlib.Transaction
	for _, t := range f.transactions {
		if t.Destination == destination {
			result = append(result, t)
		}
	}
	return result
}

// fakeDatabase is an in-memory stand-in for the storage contract.
type fakeDatabase struct {
	mu             sync.Mutex
	deviceMessages map[spec.ServerName][]types.DeviceMessage
	pokes          map[spec.ServerName][]types.DeviceListPoke
	retry          map[spec.ServerName]types.RetryState
	cursor         int64
	cursorWrites   []int64
	events         []types.ServerEvent
	deleteCalls    int
}

func newFakeDatabase() *fakeDatabase {
	return &fakeDatabase{
		deviceMessages: map[spec.ServerName][]types.DeviceMessage{},
		pokes:          map[spec.ServerName][]types.DeviceListPoke{},
		retry:          map[spec.ServerName]types.RetryState{},
		cursor:         -1,
	}
}

func (d *fakeDatabase) GetFederationStreamPosition(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursor, nil
}

func (d *fakeDatabase) UpdateFederationStreamPosition(ctx context.Context, pos int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pos > d.cursor {
		d.cursor = pos
	}
	d.cursorWrites = append(d.cursorWrites, pos)
	return nil
}

func (d *fakeDatabase) GetNewEventsForFederation(ctx context.Context, from, upTo int64, limit int) ([]types.ServerEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var result []types.ServerEvent
	for _, ev := range d.events {
		if ev.StreamOrdering > from && ev.StreamOrdering <= upTo {
			result = append(result, ev)
			if len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

func (d *fakeDatabase) GetJoinedHosts(ctx context.Context, roomID string) ([]spec.ServerName, error) {
	return nil, nil
}

func (d *fakeDatabase) GetInterestedRemotes(ctx context.Context, userIDs []string) (map[string][]spec.ServerName, error) {
	return map[string][]spec.ServerName{}, nil
}

func (d *fakeDatabase) GetPendingDeviceMessages(
	ctx context.Context, destination spec.ServerName, afterOutbox, afterPokes int64, limit int,
) ([]types.DeviceMessage, []types.DeviceListPoke, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var messages []types.DeviceMessage
	for _, msg := range d.deviceMessages[destination] {
		if msg.StreamID > afterOutbox && len(messages) < limit {
			messages = append(messages, msg)
		}
	}
	var pokes []types.DeviceListPoke
	for _, poke := range d.pokes[destination] {
		if poke.StreamID > afterPokes && len(messages)+len(pokes) < limit {
			pokes = append(pokes, poke)
		}
	}
	return messages, pokes, nil
}

func (d *fakeDatabase) DeleteDeviceMessages(ctx context.Context, destination spec.ServerName, streamIDs []int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	drop := map[int64]struct{}{}
	for _, id := range streamIDs {
		drop[id] = struct{}{}
	}
	var kept []types.DeviceMessage
	for _, msg := range d.deviceMessages[destination] {
		if _, ok := drop[msg.StreamID]; !ok {
			kept = append(kept, msg)
		}
	}
	d.deviceMessages[destination] = kept
	d.deleteCalls++
	return nil
}

func (d *fakeDatabase) MarkDeviceListPokesSent(ctx context.Context, destination spec.ServerName, sent []types.DeviceListPoke) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var kept []types.DeviceListPoke
	for _, poke := range d.pokes[destination] {
		delivered := false
		for _, s := range sent {
			if s.StreamID == poke.StreamID && s.UserID == poke.UserID {
				delivered = true
				break
			}
		}
		if !delivered {
			kept = append(kept, poke)
		}
	}
	d.pokes[destination] = kept
	return nil
}

func (d *fakeDatabase) SelectRetryState(ctx context.Context, serverName spec.ServerName) (types.RetryState, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.retry[serverName]
	return state, ok, nil
}

func (d *fakeDatabase) UpsertRetryState(ctx context.Context, serverName spec.ServerName, state types.RetryState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retry[serverName] = state
	return nil
}

func (d *fakeDatabase) DeleteRetryState(ctx context.Context, serverName spec.ServerName) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.retry, serverName)
	return nil
}

func (d *fakeDatabase) outboxStreamIDs(destination spec.ServerName) []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []int64
	for _, msg := range d.deviceMessages[destination] {
		ids = append(ids, msg.StreamID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

const testOrigin = spec.ServerName("localhost")

func newTestQueues(t *testing.T, client FederationClient, db *fakeDatabase, maxConcurrency int) *OutgoingQueues {
	t.Helper()
	proc := process.NewProcessContext()
	t.Cleanup(func() {
		proc.ShutdownSender()
		proc.WaitForComponentsToFinish()
	})
	stats := statistics.NewStatistics(db, 5*time.Millisecond, 50*time.Millisecond)
	return NewOutgoingQueues(proc, db, testOrigin, client, stats, maxConcurrency)
}

func testPDU(i int) *types.PduEvent {
	return &types.PduEvent{
		Format:         types.EventFormatV2,
		RoomID:         "!room:localhost",
		Sender:         "@user:localhost",
		Origin:         testOrigin,
		OriginServerTS: spec.AsTimestamp(time.Now()),
		Type:           "m.room.message",
		Content:        spec.RawJSON(fmt.Sprintf(`{"body":"%d"}`, i)),
		Depth:          int64(i),
	}
}

func typingEDU(destination spec.ServerName, roomID, userID string, typing bool) *types.Edu {
	content, _ := json.Marshal(map[string]interface{}{
		"room_id": roomID,
		"user_id": userID,
		"typing":  typing,
	})
	return &types.Edu{
		Type:        MTyping,
		Origin:      testOrigin,
		Destination: destination,
		Content:     spec.RawJSON(content),
		InternalKey: MTyping + ":" + roomID + ":" + userID,
	}
}

// Enqueueing two EDUs with the same internal key must leave exactly one in
// the tail transaction: the second.
func TestEDUDedupByInternalKey(t *testing.T) {
	client := newFakeFederationClient()
	db := newFakeDatabase()
	oqs := newTestQueues(t, client, db, 1)

	// Hold the only concurrency slot so nothing is popped while we look.
	oqs.semaphore <- struct{}{}
	defer func() { <-oqs.semaphore }()

	destination := spec.ServerName("remote1")
	require.NoError(t, oqs.SendEDU(typingEDU(destination, "!r:x", "@u:x", true)))
	require.NoError(t, oqs.SendEDU(typingEDU(destination, "!r:x", "@u:x", false)))

	oq := oqs.getQueue(destination)
	require.Eventually(t, func() bool {
		oq.mutex.Lock()
		defer oq.mutex.Unlock()
		return len(oq.pending) == 1
	}, time.Second, 5*time.Millisecond)

	oq.mutex.Lock()
	defer oq.mutex.Unlock()
	require.Len(t, oq.pending, 1)
	require.Len(t, oq.pending[0].EDUs, 1)
	assert.Contains(t, string(oq.pending[0].EDUs[0].Content), `"typing":false`)
}

// No transaction may exceed the PDU cap; overflow rolls into fresh
// transactions in order.
func TestTransactionCaps(t *testing.T) {
	client := newFakeFederationClient()
	db := newFakeDatabase()
	oqs := newTestQueues(t, client, db, 1)

	oqs.semaphore <- struct{}{}
	defer func() { <-oqs.semaphore }()

	destination := spec.ServerName("remote2")
	for i := 0; i < 120; i++ {
		require.NoError(t, oqs.SendEvent(testPDU(i), []spec.ServerName{destination}))
	}

	oq := oqs.getQueue(destination)
	oq.mutex.Lock()
	defer oq.mutex.Unlock()
	require.Len(t, oq.pending, 3)
	assert.Len(t, oq.pending[0].PDUs, 50)
	assert.Len(t, oq.pending[1].PDUs, 50)
	assert.Len(t, oq.pending[2].PDUs, 20)
	for _, txn := range oq.pending {
		assert.LessOrEqual(t, len(txn.PDUs), types.MaxPDUsPerTransaction)
		assert.LessOrEqual(t, len(txn.EDUs), types.MaxEDUsPerTransaction)
	}
}

// With a slow peer, requests to one destination never overlap and their
// transaction ids arrive strictly increasing.
func TestPerDestinationSerialization(t *testing.T) {
	client := newFakeFederationClient()
	client.sendDelay = 30 * time.Millisecond
	db := newFakeDatabase()
	oqs := newTestQueues(t, client, db, 10)

	destination := spec.ServerName("remote3")
	for i := 0; i < 150; i++ {
		require.NoError(t, oqs.SendEvent(testPDU(i), []spec.ServerName{destination}))
	}

	require.Eventually(t, func() bool {
		total := 0
		for _, txn := range client.sentTo(destination) {
			total += len(txn.PDUs)
		}
		return total == 150
	}, 5*time.Second, 10*time.Millisecond)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, 1, client.maxInFlight[destination], "two requests to the same destination were in flight")

	sent := client.transactions
	var lastID int64 = -1
	for _, txn := range sent {
		id, err := strconv.ParseInt(string(txn.TransactionID), 10, 64)
		require.NoError(t, err)
		assert.Greater(t, id, lastID, "transaction ids must be strictly increasing")
		lastID = id
	}
}

// A destination stuck in backoff must not hold a concurrency permit while
// sleeping: with two permits, two healthy destinations still progress while
// a third fails forever.
func TestBackoffReleasesConcurrencySlot(t *testing.T) {
	client := newFakeFederationClient()
	db := newFakeDatabase()
	oqs := newTestQueues(t, client, db, 2)

	broken := spec.ServerName("brokenhost")
	for i := 0; i < 20; i++ {
		client.respond(broken, gomatrix.HTTPError{Code: 503, Message: "Service Unavailable"})
	}

	require.NoError(t, oqs.SendEvent(testPDU(0), []spec.ServerName{broken}))
	require.NoError(t, oqs.SendEvent(testPDU(1), []spec.ServerName{"healthy1"}))
	require.NoError(t, oqs.SendEvent(testPDU(2), []spec.ServerName{"healthy2"}))

	require.Eventually(t, func() bool {
		return len(client.sentTo("healthy1")) == 1 && len(client.sentTo("healthy2")) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

// A terminal response drops the transaction without retrying it and the
// queue moves on to the next one.
func TestTerminalFailureDropsTransaction(t *testing.T) {
	client := newFakeFederationClient()
	db := newFakeDatabase()
	oqs := newTestQueues(t, client, db, 1)

	destination := spec.ServerName("remote4")
	oqs.semaphore <- struct{}{}
	require.NoError(t, oqs.SendEvent(testPDU(0), []spec.ServerName{destination}))
	oq := oqs.getQueue(destination)
	oq.mutex.Lock()
	// Force a second transaction behind the doomed one.
	oq.pending = append(oq.pending, &types.Transaction{
		TransactionID: oqs.nextTransactionID(),
		Origin:        testOrigin,
		Destination:   destination,
		PDUs:          []*types.PduEvent{testPDU(1)},
	})
	observeSendQueueDepth(1)
	oq.mutex.Unlock()

	client.respond(destination, gomatrix.HTTPError{Code: 403, Message: "Forbidden"})
	<-oqs.semaphore
	oq.wake()

	require.Eventually(t, func() bool {
		return len(client.sentTo(destination)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Terminal classification also clears the failure streak.
	assert.Equal(t, uint32(0), oqs.statistics.ForServer(destination).FailureCount())
}

// Backoff clears on the first success after any failure.
func TestBackoffClearsOnSuccess(t *testing.T) {
	client := newFakeFederationClient()
	db := newFakeDatabase()
	oqs := newTestQueues(t, client, db, 1)

	destination := spec.ServerName("remote5")
	client.respond(destination, gomatrix.HTTPError{Code: 500, Message: "boom"})

	require.NoError(t, oqs.SendEvent(testPDU(0), []spec.ServerName{destination}))

	require.Eventually(t, func() bool {
		return len(client.sentTo(destination)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	stats := oqs.statistics.ForServer(destination)
	assert.Equal(t, uint32(0), stats.FailureCount())
	assert.True(t, stats.BackoffUntil().IsZero())

	db.mu.Lock()
	_, present := db.retry[destination]
	db.mu.Unlock()
	assert.False(t, present, "persisted retry state should be cleared on success")
}

// Device outbox rows survive a failed transaction and are deleted only after
// the peer acknowledges; the high water mark follows the delivered rows.
func TestDeviceOutboxCleanupOnlyOnSuccess(t *testing.T) {
	client := newFakeFederationClient()
	db := newFakeDatabase()

	destination := spec.ServerName("remote6")
	for _, id := range []int64{7, 8, 9} {
		db.deviceMessages[destination] = append(db.deviceMessages[destination], types.DeviceMessage{
			Destination:  destination,
			StreamID:     id,
			MessagesJSON: []byte(fmt.Sprintf(`{"message_id":"%d"}`, id)),
		})
	}
	client.respond(destination, gomatrix.HTTPError{Code: 500, Message: "boom"})

	oqs := newTestQueues(t, client, db, 1)
	oqs.SendDeviceMessages(destination)

	require.Eventually(t, func() bool {
		txns := client.sentTo(destination)
		return len(txns) == 1 && len(txns[0].EDUs) == 3
	}, 5*time.Second, 10*time.Millisecond)

	assert.Empty(t, db.outboxStreamIDs(destination), "outbox rows must be deleted after success")

	client.mu.Lock()
	attempts := client.attempts[destination]
	client.mu.Unlock()
	db.mu.Lock()
	deletes := db.deleteCalls
	db.mu.Unlock()
	assert.GreaterOrEqual(t, attempts, 2, "the 500 must be retried")
	assert.Equal(t, 1, deletes, "rows must be deleted exactly once, after the 200")

	oq := oqs.getQueue(destination)
	require.Eventually(t, func() bool {
		oq.mutex.Lock()
		defer oq.mutex.Unlock()
		return oq.lastDeviceMsgStreamID == 9
	}, time.Second, 5*time.Millisecond)
}
