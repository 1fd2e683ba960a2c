package consumers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/federation-sender/queue"
	"github.com/element-hq/federation-sender/setup/process"
	"github.com/element-hq/federation-sender/statistics"
	"github.com/element-hq/federation-sender/types"
)

const testOrigin = spec.ServerName("localhost")

// recordingClient accepts every transaction and remembers it.
type recordingClient struct {
	mu           sync.Mutex
	transactions []gomatrixserverlib.Transaction
}

func (f *recordingClient) SendTransaction(ctx context.Context, t gomatrixserverlib.Transaction) (fclient.RespSend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions = append(f.transactions, t)
	return fclient.RespSend{}, nil
}

func (f *recordingClient) sentTo(destination spec.ServerName) []gomatrixserverlib.Transaction {
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

// testDatabase is an in-memory storage.Database.
type testDatabase struct {
	mu             sync.Mutex
	cursor         int64
	cursorWrites   []int64
	fetchCalls     [][2]int64
	events         []types.ServerEvent
	joinedHosts    map[string][]spec.ServerName
	joinedHostsHit int
	remotes        map[string][]spec.ServerName
	deviceMessages map[spec.ServerName][]types.DeviceMessage
	pokes          map[spec.ServerName][]types.DeviceListPoke
	retry          map[spec.ServerName]types.RetryState
}

func newTestDatabase() *testDatabase {
	return &testDatabase{
		cursor:         -1,
		joinedHosts:    map[string][]spec.ServerName{},
		remotes:        map[string][]spec.ServerName{},
		deviceMessages: map[spec.ServerName][]types.DeviceMessage{},
		pokes:          map[spec.ServerName][]types.DeviceListPoke{},
		retry:          map[spec.ServerName]types.RetryState{},
	}
}

func (d *testDatabase) GetFederationStreamPosition(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursor, nil
}

func (d *testDatabase) UpdateFederationStreamPosition(ctx context.Context, pos int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pos > d.cursor {
		d.cursor = pos
	}
	d.cursorWrites = append(d.cursorWrites, pos)
	return nil
}

func (d *testDatabase) GetNewEventsForFederation(ctx context.Context, from, upTo int64, limit int) ([]types.ServerEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetchCalls = append(d.fetchCalls, [2]int64{from, upTo})
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

func (d *testDatabase) GetJoinedHosts(ctx context.Context, roomID string) ([]spec.ServerName, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.joinedHostsHit++
	return d.joinedHosts[roomID], nil
}

func (d *testDatabase) GetInterestedRemotes(ctx context.Context, userIDs []string) (map[string][]spec.ServerName, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	result := map[string][]spec.ServerName{}
	for _, userID := range userIDs {
		if hosts, ok := d.remotes[userID]; ok {
			result[userID] = hosts
		}
	}
	return result, nil
}

func (d *testDatabase) GetPendingDeviceMessages(
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

func (d *testDatabase) DeleteDeviceMessages(ctx context.Context, destination spec.ServerName, streamIDs []int64) error {
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
	return nil
}

func (d *testDatabase) MarkDeviceListPokesSent(ctx context.Context, destination spec.ServerName, sent []types.DeviceListPoke) error {
	return nil
}

func (d *testDatabase) SelectRetryState(ctx context.Context, serverName spec.ServerName) (types.RetryState, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.retry[serverName]
	return state, ok, nil
}

func (d *testDatabase) UpsertRetryState(ctx context.Context, serverName spec.ServerName, state types.RetryState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retry[serverName] = state
	return nil
}

func (d *testDatabase) DeleteRetryState(ctx context.Context, serverName spec.ServerName) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.retry, serverName)
	return nil
}

// fakeCaches is a plain-map joined hosts cache.
type fakeCaches struct {
	mu            sync.Mutex
	hosts         map[string][]spec.ServerName
	invalidations int
}

func newFakeCaches() *fakeCaches {
	return &fakeCaches{hosts: map[string][]spec.ServerName{}}
}

func (c *fakeCaches) GetJoinedHosts(roomID string) ([]spec.ServerName, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hosts, ok := c.hosts[roomID]
	return hosts, ok
}

func (c *fakeCaches) StoreJoinedHosts(roomID string, hosts []spec.ServerName) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hosts[roomID] = hosts
}

func (c *fakeCaches) InvalidateJoinedHosts(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.hosts, roomID)
	c.invalidations++
}

func newTestQueues(t *testing.T, client queue.FederationClient, db *testDatabase) *queue.OutgoingQueues {
	t.Helper()
	proc := process.NewProcessContext()
	t.Cleanup(func() {
		proc.ShutdownSender()
		proc.WaitForComponentsToFinish()
	})
	stats := statistics.NewStatistics(db, 5*time.Millisecond, 50*time.Millisecond)
	return queue.NewOutgoingQueues(proc, db, testOrigin, client, stats, 10)
}

func seedEvent(streamOrdering int64, roomID, sender, eventType string) types.ServerEvent {
	eventID := fmt.Sprintf("$event%d:%s", streamOrdering, testOrigin)
	body := fmt.Sprintf(
		`{"event_id":%q,"room_id":%q,"sender":%q,"origin_server_ts":1700000000000,"type":%q,"content":{},"depth":%d}`,
		eventID, roomID, sender, eventType, streamOrdering,
	)
	return types.ServerEvent{
		StreamOrdering: streamOrdering,
		EventID:        eventID,
		RoomID:         roomID,
		Sender:         sender,
		Type:           eventType,
		Format:         types.EventFormatV1,
		JSON:           []byte(body),
	}
}
