package moray

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConn(addr string) *BackendConnection {
	return NewBackendConnection(addr, 80, 0, nil)
}

func releaseCounter() (func(), *int32) {
	var n int32
	return func() { atomic.AddInt32(&n, 1) }, &n
}

func newTestPool(fallbackMaxAge time.Duration) *ConnectionPool {
	return NewConnectionPool(true, fallbackMaxAge, nil)
}

// S1: least-requests routing.
func TestAllocateRoutesToLeastOutstanding(t *testing.T) {
	p := newTestPool(time.Second)
	relA, _ := releaseCounter()
	relB, _ := releaseCounter()
	p.onAdded("A", testConn("a"), Handle{release: relA})
	p.onAdded("B", testConn("b"), Handle{release: relB})

	a1, err := p.allocate()
	require.NoError(t, err)
	a2, err := p.allocate()
	require.NoError(t, err)

	keys := map[string]bool{a1.entry.key: true, a2.entry.key: true}
	assert.Equal(t, map[string]bool{"A": true, "B": true}, keys)

	a3, err := p.allocate()
	require.NoError(t, err)
	// After two allocations A and B both have outstanding=1; ties are
	// broken by key order, so a3 lands on the same key as a1, which is
	// NOT the second allocation's key.
	assert.NotEqual(t, a2.entry.key, a3.entry.key)

	released := a1.entry.key
	a1.release()
	a4, err := p.allocate()
	require.NoError(t, err)
	assert.Equal(t, released, a4.entry.key)
}

// S2: fallback activation.
func TestFallbackActivatesWhenLastAvailRemoved(t *testing.T) {
	p := newTestPool(time.Second)
	rel, relCount := releaseCounter()
	p.onAdded("A", testConn("a"), Handle{release: rel})

	a1, err := p.allocate()
	require.NoError(t, err)

	p.onRemoved("A")
	require.NotNil(t, p.fallback)
	assert.Equal(t, "A", p.fallback.key)
	assert.Equal(t, FALLBACK, p.entries["A"].state)

	a2, err := p.allocate()
	require.NoError(t, err)
	assert.Equal(t, "A", a2.entry.key)

	a1.release()
	a2.release()

	assert.Equal(t, FALLBACK, p.entries["A"].state)
	assert.Equal(t, int32(0), atomic.LoadInt32(relCount))
}

// S3: fallback displacement.
func TestAddingBackendDrainsFallback(t *testing.T) {
	p := newTestPool(time.Second)
	relA, relACount := releaseCounter()
	p.onAdded("A", testConn("a"), Handle{release: relA})
	p.onRemoved("A")
	require.Equal(t, FALLBACK, p.entries["A"].state)

	relB, _ := releaseCounter()
	p.onAdded("B", testConn("b"), Handle{release: relB})

	assert.Nil(t, p.fallback)
	assert.Equal(t, int32(1), atomic.LoadInt32(relACount), "A had no outstanding requests, so DRAIN must complete to DELETED immediately")
	_, stillTracked := p.entries["A"]
	assert.False(t, stillTracked)

	_, ok := p.availSet["B"]
	assert.True(t, ok)
}

// S4: fallback expiry.
func TestFallbackExpires(t *testing.T) {
	p := newTestPool(10 * time.Millisecond)
	rel, _ := releaseCounter()
	p.onAdded("A", testConn("a"), Handle{release: rel})
	p.onRemoved("A")

	// The pool reads a coarse clock that advances every 50ms, so wait past
	// one tick plus the fallback window.
	time.Sleep(100 * time.Millisecond)

	_, err := p.allocate()
	require.Error(t, err)
	var nb *NoBackendsError
	require.ErrorAs(t, err, &nb)
	assert.Nil(t, p.fallback)
}

// S6: double release is fatal.
func TestDoubleReleaseIsFatal(t *testing.T) {
	p := newTestPool(time.Second)
	rel, _ := releaseCounter()
	p.onAdded("A", testConn("a"), Handle{release: rel})

	a, err := p.allocate()
	require.NoError(t, err)
	a.release()

	assert.Panics(t, func() { a.release() })
}

// R2: removing one of two AVAIL backends never creates a FALLBACK.
func TestRemovingOneOfTwoAvailNeverFallsBack(t *testing.T) {
	p := newTestPool(time.Second)
	rel1, rel1Count := releaseCounter()
	rel2, _ := releaseCounter()
	p.onAdded("k1", testConn("a"), Handle{release: rel1})
	p.onAdded("k2", testConn("b"), Handle{release: rel2})

	p.onRemoved("k1")

	assert.Nil(t, p.fallback)
	_, stillTracked := p.entries["k1"]
	assert.False(t, stillTracked, "k1 had no outstanding requests, so DRAIN must complete to DELETED immediately")
	assert.Equal(t, int32(1), atomic.LoadInt32(rel1Count))
	_, ok := p.availSet["k2"]
	assert.True(t, ok)
}

// B1: removing the last AVAIL with fallback disabled drains instead.
func TestFallbackDisabledDrainsOnLastRemoval(t *testing.T) {
	p := NewConnectionPool(false, time.Second, nil)
	rel, relCount := releaseCounter()
	p.onAdded("A", testConn("a"), Handle{release: rel})

	p.onRemoved("A")

	assert.Nil(t, p.fallback)
	assert.Equal(t, int32(1), atomic.LoadInt32(relCount))
}

func TestFallbackDisableDrainsLiveFallback(t *testing.T) {
	p := newTestPool(time.Second)
	rel, relCount := releaseCounter()
	p.onAdded("A", testConn("a"), Handle{release: rel})
	p.onRemoved("A")
	require.NotNil(t, p.fallback)

	p.fallbackDisable()

	assert.Nil(t, p.fallback)
	assert.Equal(t, int32(1), atomic.LoadInt32(relCount))
}

func TestAllocateFailsWhenPoolEmpty(t *testing.T) {
	p := newTestPool(time.Second)
	_, err := p.allocate()
	require.Error(t, err)
	var nb *NoBackendsError
	require.ErrorAs(t, err, &nb)
}

func TestReleaseDeletesDrainingEntryOnceOutstandingIsZero(t *testing.T) {
	p := newTestPool(time.Second)
	rel1, _ := releaseCounter()
	rel2, relCount2 := releaseCounter()
	p.onAdded("k1", testConn("a"), Handle{release: rel1})
	p.onAdded("k2", testConn("b"), Handle{release: rel2})

	// Both entries start at zero outstanding and ties go to the smaller
	// key, so the first allocation lands on k1 and the second on k2.
	_, err := p.allocate()
	require.NoError(t, err)
	a2, err := p.allocate()
	require.NoError(t, err)
	require.Equal(t, "k2", a2.entry.key)

	p.onRemoved("k2")
	require.NotNil(t, p.entries["k2"])
	assert.Equal(t, DRAIN, p.entries["k2"].state)
	assert.Equal(t, int32(0), atomic.LoadInt32(relCount2))

	a2.release()
	assert.Equal(t, int32(1), atomic.LoadInt32(relCount2))
	_, stillTracked := p.entries["k2"]
	assert.False(t, stillTracked)
}
