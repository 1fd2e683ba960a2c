package caching

import (
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitForCacheProcessing waits for ristretto background processing
func waitForCacheProcessing(t *testing.T) {
	t.Helper()
	time.Sleep(10 * time.Millisecond)
}

func TestJoinedHostsCache_StoreAndGet(t *testing.T) {
	t.Parallel()

	caches := NewRistrettoCache(1024*1024, time.Hour, DisableMetrics)

	hosts := []spec.ServerName{"one.test", "two.test"}
	caches.StoreJoinedHosts("!room:x", hosts)
	waitForCacheProcessing(t)

	got, ok := caches.GetJoinedHosts("!room:x")
	require.True(t, ok)
	assert.Equal(t, hosts, got)
}

func TestJoinedHostsCache_MissingRoom(t *testing.T) {
	t.Parallel()

	caches := NewRistrettoCache(1024*1024, time.Hour, DisableMetrics)

	_, ok := caches.GetJoinedHosts("!absent:x")
	assert.False(t, ok)
}

func TestJoinedHostsCache_Invalidate(t *testing.T) {
	t.Parallel()

	caches := NewRistrettoCache(1024*1024, time.Hour, DisableMetrics)

	caches.StoreJoinedHosts("!room:x", []spec.ServerName{"one.test"})
	waitForCacheProcessing(t)
	_, ok := caches.GetJoinedHosts("!room:x")
	require.True(t, ok)

	caches.InvalidateJoinedHosts("!room:x")
	waitForCacheProcessing(t)

	_, ok = caches.GetJoinedHosts("!room:x")
	assert.False(t, ok)
}

func TestJoinedHostsCache_EntriesExpire(t *testing.T) {
	t.Parallel()

	caches := NewRistrettoCache(1024*1024, 50*time.Millisecond, DisableMetrics)

	caches.StoreJoinedHosts("!room:x", []spec.ServerName{"one.test"})
	waitForCacheProcessing(t)

	require.Eventually(t, func() bool {
		_, ok := caches.GetJoinedHosts("!room:x")
		return !ok
	}, time.Second, 10*time.Millisecond, "entries must age out even without invalidation")
}
