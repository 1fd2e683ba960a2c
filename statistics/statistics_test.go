package statistics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrix"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/federation-sender/types"
)

type fakeRetryDB struct {
	mu     sync.Mutex
	states map[spec.ServerName]types.RetryState
}

func newFakeRetryDB() *fakeRetryDB {
	return &fakeRetryDB{states: map[spec.ServerName]types.RetryState{}}
}

func (d *fakeRetryDB) SelectRetryState(ctx context.Context, serverName spec.ServerName) (types.RetryState, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.states[serverName]
	return state, ok, nil
}

func (d *fakeRetryDB) UpsertRetryState(ctx context.Context, serverName spec.ServerName, state types.RetryState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states[serverName] = state
	return nil
}

func (d *fakeRetryDB) DeleteRetryState(ctx context.Context, serverName spec.ServerName) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.states, serverName)
	return nil
}

func TestTerminalClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		terminal bool
	}{
		{"400 bad request", gomatrix.HTTPError{Code: 400, Message: "Bad Request"}, true},
		{"401 unauthorized", gomatrix.HTTPError{Code: 401, Message: "Unauthorized"}, true},
		{"403 forbidden", gomatrix.HTTPError{Code: 403, Message: "Forbidden"}, true},
		{"404 not found", gomatrix.HTTPError{Code: 404, Message: "Not Found"}, true},
		{"429 rate limited", gomatrix.HTTPError{Code: 429, Message: "Too Many Requests"}, false},
		{"500 server error", gomatrix.HTTPError{Code: 500, Message: "Internal Server Error"}, false},
		{"502 bad gateway", gomatrix.HTTPError{Code: 502, Message: "Bad Gateway"}, false},
		{"503 unavailable", gomatrix.HTTPError{Code: 503, Message: "Service Unavailable"}, false},
		{"malformed response", &json.SyntaxError{}, true},
		{"connection refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, false},
		{"dns failure", &net.DNSError{Err: "no such host"}, false},
		{"arbitrary error", errors.New("tls: handshake timeout"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.terminal, Terminal(tt.err))
		})
	}
}

func TestFailureGrowsExponentiallyWithJitter(t *testing.T) {
	t.Parallel()

	stats := NewStatistics(nil, time.Second, time.Hour)
	server := stats.ForServer("remote.test")

	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
	}
	for i, base := range expected {
		until, delay := server.Failure(context.Background())
		assert.Equal(t, uint32(i+1), server.FailureCount())
		assert.GreaterOrEqual(t, delay, base/2, "attempt %d below jitter floor", i+1)
		assert.Less(t, delay, base*3/2, "attempt %d above jitter ceiling", i+1)
		assert.True(t, until.After(time.Now()))
	}
}

func TestFailureDelayIsCapped(t *testing.T) {
	t.Parallel()

	stats := NewStatistics(nil, time.Second, 4*time.Second)
	server := stats.ForServer("capped.test")

	var delay time.Duration
	for i := 0; i < 10; i++ {
		_, delay = server.Failure(context.Background())
	}
	assert.Less(t, delay, 6*time.Second, "delay must stay within jitter of the cap")
}

func TestSuccessClearsEntry(t *testing.T) {
	t.Parallel()

	db := newFakeRetryDB()
	stats := NewStatistics(db, 10*time.Millisecond, time.Second)
	server := stats.ForServer("flaky.test")

	server.Failure(context.Background())
	server.Failure(context.Background())
	require.Equal(t, uint32(2), server.FailureCount())
	_, persisted, err := db.SelectRetryState(context.Background(), "flaky.test")
	require.NoError(t, err)
	require.True(t, persisted)

	server.Success(context.Background())
	assert.Equal(t, uint32(0), server.FailureCount())
	assert.True(t, server.BackoffUntil().IsZero())
	_, persisted, err = db.SelectRetryState(context.Background(), "flaky.test")
	require.NoError(t, err)
	assert.False(t, persisted, "success must delete the persisted entry")
}

func TestPersistedRetryStateIsLoaded(t *testing.T) {
	t.Parallel()

	db := newFakeRetryDB()
	until := time.Now().Add(time.Minute)
	require.NoError(t, db.UpsertRetryState(context.Background(), "slow.test", types.RetryState{
		FailureCount:   3,
		RetryUntil:     spec.AsTimestamp(until),
		Classification: ClassificationTransient,
	}))

	stats := NewStatistics(db, time.Second, time.Hour)
	server := stats.ForServer("slow.test")

	assert.Equal(t, uint32(3), server.FailureCount())
	assert.WithinDuration(t, until, server.BackoffUntil(), time.Second)
}

func TestForServerReturnsSameTracker(t *testing.T) {
	t.Parallel()

	stats := NewStatistics(nil, time.Second, time.Hour)
	assert.Same(t, stats.ForServer("a.test"), stats.ForServer("a.test"))
	assert.NotSame(t, stats.ForServer("a.test"), stats.ForServer("b.test"))
}
