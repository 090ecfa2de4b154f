package moray

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pior/moray/resolver"
)

// Handle is the opaque token a ConnectionSet owes to itself when a pool
// entry finishes draining — Release tells the set the backend's socket is
// gone for good and its slot (toward target/maximum) is free again.
type Handle struct {
	release func()
}

// Release is idempotent-safe to call more than once; only the first call
// has an effect.
func (h Handle) Release() {
	if h.release != nil {
		h.release()
	}
}

// ConnectionSet consumes a Resolver's added/removed/stateChanged events,
// dials each added backend while fewer than Maximum are connected or being
// dialed (later ones wait in a backlog), and forwards
// added(key, conn, handle) / removed(key) to a ConnectionPool. At most
// Maximum connections are ever live at once; after removed(key) it never
// emits another event carrying that key. Target only raises Maximum to at
// least Target; it does not limit dialing, so the set dials up to Maximum
// rather than stopping at Target.
type ConnectionSet struct {
	res     resolver.Resolver
	dial    Dialer
	target  int
	maximum int
	keepalive time.Duration
	log     *log.Logger

	onAdded   func(key string, conn *BackendConnection, handle Handle)
	onRemoved func(key string)
	onState   func(resolver.State)

	mu        sync.Mutex
	connected map[string]*BackendConnection
	backlog   []resolver.Backend
}

// NewConnectionSet constructs a set bound to res, dialing through dial.
// onAdded/onRemoved/onState are the ConnectionPool/Client callbacks this
// set drives.
func NewConnectionSet(
	res resolver.Resolver,
	dial Dialer,
	target, maximum int,
	keepalive time.Duration,
	logger *log.Logger,
	onAdded func(key string, conn *BackendConnection, handle Handle),
	onRemoved func(key string),
	onState func(resolver.State),
) *ConnectionSet {
	if logger == nil {
		logger = log.Default()
	}
	if maximum < target {
		maximum = target
	}
	return &ConnectionSet{
		res:       res,
		dial:      dial,
		target:    target,
		maximum:   maximum,
		keepalive: keepalive,
		log:       logger,
		onAdded:   onAdded,
		onRemoved: onRemoved,
		onState:   onState,
		connected: make(map[string]*BackendConnection),
	}
}

// Run drives the resolver until ctx is canceled or the resolver fails
// terminally. Caller runs this in its own goroutine.
func (s *ConnectionSet) Run(ctx context.Context) error {
	events := make(chan resolver.Event, 16)
	errCh := make(chan error, 1)
	go func() { errCh <- s.res.Run(ctx, events) }()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return <-errCh
			}
			s.handle(ctx, ev)
		case err := <-errCh:
			return err
		}
	}
}

func (s *ConnectionSet) handle(ctx context.Context, ev resolver.Event) {
	switch ev.Kind {
	case resolver.EventAdded:
		s.mu.Lock()
		room := len(s.connected) < s.maximum
		if room {
			s.connected[ev.Added.Key] = nil // reserve the slot before dialing
		} else {
			s.backlog = append(s.backlog, ev.Added)
		}
		s.mu.Unlock()
		if room {
			go s.connectAndAdd(ctx, ev.Added)
		}

	case resolver.EventRemoved:
		s.mu.Lock()
		conn, ok := s.connected[ev.Removed]
		delete(s.connected, ev.Removed)
		s.mu.Unlock()
		if ok && conn != nil {
			conn.Destroy()
		}
		if ok {
			s.onRemoved(ev.Removed)
			s.promoteBacklog(ctx)
		}

	case resolver.EventStateChanged:
		if s.onState != nil {
			s.onState(ev.State)
		}
	}
}

func (s *ConnectionSet) connectAndAdd(ctx context.Context, b resolver.Backend) {
	conn := NewBackendConnection(b.Address, b.Port, s.keepalive, s.log)
	if err := conn.Connect(ctx, s.dial); err != nil {
		s.log.Printf("moray: connect to %s:%d failed: %v", b.Address, b.Port, err)
		s.mu.Lock()
		delete(s.connected, b.Key)
		s.mu.Unlock()
		s.promoteBacklog(ctx)
		return
	}

	s.mu.Lock()
	// Another removed(key) may have raced in while dialing; honor it.
	if _, stillWanted := s.connected[b.Key]; !stillWanted {
		s.mu.Unlock()
		conn.Destroy()
		return
	}
	s.connected[b.Key] = conn
	s.mu.Unlock()

	var releaseOnce sync.Once
	handle := Handle{release: func() {
		releaseOnce.Do(func() {
			s.mu.Lock()
			delete(s.connected, b.Key)
			s.mu.Unlock()
			s.promoteBacklog(ctx)
		})
	}}
	s.onAdded(b.Key, conn, handle)
}

func (s *ConnectionSet) promoteBacklog(ctx context.Context) {
	s.mu.Lock()
	if len(s.backlog) == 0 || len(s.connected) >= s.maximum {
		s.mu.Unlock()
		return
	}
	b := s.backlog[0]
	s.backlog = s.backlog[1:]
	s.connected[b.Key] = nil
	s.mu.Unlock()
	go s.connectAndAdd(ctx, b)
}

// Connected reports the number of currently-connected backends.
func (s *ConnectionSet) Connected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.connected {
		if c != nil {
			n++
		}
	}
	return n
}
