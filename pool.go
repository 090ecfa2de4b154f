package moray

import (
	"log"
	"sync"
	"time"

	"github.com/pior/moray/internal/coarsetime"
	"github.com/pior/moray/internal/pqueue"
)

// EntryState is a PoolEntry's position in the connection state machine.
type EntryState int

const (
	// AVAIL admits new requests and counts toward availSet.
	AVAIL EntryState = iota
	// DRAIN no longer admits requests; transitions to DELETED once its
	// outstanding count reaches zero.
	DRAIN
	// FALLBACK is the at-most-one retired connection kept usable for a
	// bounded window after the last AVAIL entry disappears.
	FALLBACK
	// DELETED is a transient pseudo-state: the entry is unreachable from
	// the pool and its handle has been (or is about to be) released.
	DELETED
)

func (s EntryState) String() string {
	switch s {
	case AVAIL:
		return "avail"
	case DRAIN:
		return "drain"
	case FALLBACK:
		return "fallback"
	case DELETED:
		return "deleted"
	default:
		return "unknown"
	}
}

// PoolEntry is the pool's wrapper around one BackendConnection.
type PoolEntry struct {
	key         string
	conn        *BackendConnection
	handle      Handle
	outstanding int
	state       EntryState
}

// Key identifies this entry's backend incarnation.
func (e *PoolEntry) Key() string { return e.key }

// Connection returns the underlying BackendConnection.
func (e *PoolEntry) Connection() *BackendConnection { return e.conn }

// State returns the entry's current position in the state machine.
func (e *PoolEntry) State() EntryState { return e.state }

// Outstanding returns the entry's current in-flight request count.
func (e *PoolEntry) Outstanding() int { return e.outstanding }

// ConnectionPool chooses which connection a new request uses, tracks
// per-connection outstanding counts, and runs the AVAIL/DRAIN/FALLBACK/
// DELETED state machine. handle.Release is called while the pool's lock is
// held; the ConnectionSet's release callback does not call back into the
// pool synchronously (any dial it starts runs on its own goroutine), so the
// pool never re-entrantly re-enters itself.
type ConnectionPool struct {
	mu  sync.Mutex
	log *log.Logger

	entries  map[string]*PoolEntry
	availSet map[string]struct{}
	pq       *pqueue.Queue

	fallback        *PoolEntry
	fallbackSince   time.Time
	fallbackEnabled bool
	fallbackMaxAge  time.Duration
}

// NewConnectionPool constructs an empty pool. fallbackMaxAge defaults to
// DefaultFallbackMaxAge when zero.
func NewConnectionPool(fallbackEnabled bool, fallbackMaxAge time.Duration, logger *log.Logger) *ConnectionPool {
	if logger == nil {
		logger = log.Default()
	}
	if fallbackMaxAge <= 0 {
		fallbackMaxAge = DefaultFallbackMaxAge
	}
	return &ConnectionPool{
		log:             logger,
		entries:         make(map[string]*PoolEntry),
		availSet:        make(map[string]struct{}),
		pq:              pqueue.New(),
		fallbackEnabled: fallbackEnabled,
		fallbackMaxAge:  fallbackMaxAge,
	}
}

// onAdded handles a ConnectionSet added(key, conn, handle) notification:
// the new entry enters AVAIL, and any existing fallback is superseded —
// it drains immediately rather than lingering alongside a healthy
// connection.
func (p *ConnectionPool) onAdded(key string, conn *BackendConnection, handle Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry := &PoolEntry{key: key, conn: conn, handle: handle, state: AVAIL}
	p.entries[key] = entry
	p.availSet[key] = struct{}{}
	p.pq.Push(key, 0)

	if p.fallback != nil {
		p.drainLocked(p.fallback)
		p.fallback = nil
		p.fallbackSince = time.Time{}
	}
}

// onRemoved handles a ConnectionSet removed(key) notification for an
// entry that was AVAIL. Per the contract with ConnectionSet, removed is
// only ever delivered once per key and only while the entry is still
// reachable.
func (p *ConnectionPool) onRemoved(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[key]
	if !ok || entry.state != AVAIL {
		return
	}

	delete(p.availSet, key)

	anotherAvail := len(p.availSet) > 0
	if anotherAvail || !p.fallbackEnabled || entry.conn.Destroyed() {
		p.drainLocked(entry)
		return
	}

	entry.state = FALLBACK
	p.fallback = entry
	p.fallbackSince = coarsetime.Now()
}

// fallbackDisable drops any live fallback, draining it via the same path
// as a normal supersession. Called at client close.
func (p *ConnectionPool) fallbackDisable() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.fallbackEnabled = false
	if p.fallback != nil {
		p.drainLocked(p.fallback)
		p.fallback = nil
		p.fallbackSince = time.Time{}
	}
}

// drainLocked transitions entry to DRAIN, immediately completing the
// DRAIN → DELETED transition if nothing is outstanding. Caller holds mu.
func (p *ConnectionPool) drainLocked(entry *PoolEntry) {
	entry.state = DRAIN
	if entry.outstanding == 0 {
		p.deleteLocked(entry)
	}
}

// deleteLocked removes entry from the pool and releases its handle back
// to the ConnectionSet. Caller holds mu.
func (p *ConnectionPool) deleteLocked(entry *PoolEntry) {
	entry.state = DELETED
	delete(p.entries, entry.key)
	entry.handle.Release()
}

// allocate chooses a connection for a new request: least-outstanding
// among AVAIL entries, falling back to the at-most-one FALLBACK entry
// (if still within its bounded window) when no AVAIL entry exists.
func (p *ConnectionPool) allocate() (*RequestAllocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.availSet) > 0 {
		key, ok := p.pq.Pop(func(k string, count int) bool {
			if _, stillAvail := p.availSet[k]; !stillAvail {
				return false
			}
			return p.entries[k].outstanding == count
		})
		if !ok {
			// availSet non-empty but pq exhausted: every AVAIL key must
			// have been pushed at least once, so this would be a broken
			// invariant rather than a normal runtime condition.
			errAssertion("pool: availSet non-empty but priority queue exhausted")
		}
		entry := p.entries[key]
		entry.outstanding++
		p.pq.Push(key, entry.outstanding)
		return &RequestAllocation{pool: p, entry: entry}, nil
	}

	if p.fallback != nil {
		if coarsetime.Now().Sub(p.fallbackSince) > p.fallbackMaxAge {
			p.drainLocked(p.fallback)
			p.fallback = nil
			p.fallbackSince = time.Time{}
			return nil, &NoBackendsError{Reason: "fallback expired"}
		}
		entry := p.fallback
		entry.outstanding++
		return &RequestAllocation{pool: p, entry: entry}, nil
	}

	return nil, &NoBackendsError{Reason: "empty"}
}

// release returns an allocation to the pool. Double-release is a
// programmer-integrity failure, enforced by RequestAllocation's own latch
// before this is ever called.
func (p *ConnectionPool) release(entry *PoolEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry.outstanding--

	switch entry.state {
	case AVAIL:
		p.pq.Push(entry.key, entry.outstanding)
	case DRAIN:
		if entry.outstanding == 0 {
			p.deleteLocked(entry)
		}
	case FALLBACK:
		// Stays fallback until displaced (onAdded) or expired (allocate)
		// or disabled (fallbackDisable).
	}
}

// snapshot returns PoolStats computed from current entry state, used by
// MetricsCollector.Collect in stats.go and by Client.Diagnostics.
func (p *ConnectionPool) snapshot() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s PoolStats
	for _, e := range p.entries {
		s.TotalConns++
		s.OutstandingTotal += int64(e.outstanding)
		switch e.state {
		case AVAIL:
			s.AvailConns++
		case DRAIN:
			s.DrainingConns++
		case FALLBACK:
			s.FallbackConns++
		}
	}
	return s
}
