package moray

import (
	"context"
	"sync"

	"github.com/pior/moray/transport"
)

// RequestAllocation is a single-use handle on one PoolEntry. Release is
// enforced exactly-once: a second release is a programmer-integrity
// failure, not a recoverable error.
type RequestAllocation struct {
	pool  *ConnectionPool
	entry *PoolEntry

	mu       sync.Mutex
	released bool
}

// Connection returns the backend connection this allocation was routed
// to.
func (a *RequestAllocation) Connection() *BackendConnection {
	return a.entry.conn
}

func (a *RequestAllocation) release() {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		errAssertion("double release of allocation on backend %q", a.entry.key)
		return
	}
	a.released = true
	a.mu.Unlock()
	a.pool.release(a.entry)
}

// RequestContext is one-to-one with an in-flight request: it wraps a
// RequestAllocation, is tracked in its Client's activeRequests for the
// lifetime of the call, and guarantees exactly-once release back to the
// pool regardless of which release discipline the call uses.
type RequestContext struct {
	id     uint64
	alloc  *RequestAllocation
	client *Client

	unwrapErrors bool
	breaker      *connectionBreaker // nil when circuit breaking is disabled

	finishOnce sync.Once
}

// Connection returns the backend this request was allocated to.
func (rc *RequestContext) Connection() *BackendConnection {
	return rc.alloc.Connection()
}

// PeerAddrs returns the local/remote socket addresses of the underlying
// connection.
func (rc *RequestContext) PeerAddrs() (local, remote Addr) {
	return rc.alloc.Connection().PeerAddrs()
}

// UnwrapErrors reports whether this request's errors should have
// TransportError wrapping stripped before reaching the caller.
func (rc *RequestContext) UnwrapErrors() bool {
	return rc.unwrapErrors
}

// CallOptions mirrors the per-call fields the Transport contract exposes.
type CallOptions = transport.Options

// Call issues method(args) over this request's connection and returns a
// Stream of the reply. The Stream releases this RequestContext back to
// the pool on its first terminal event (end or error) — this is the
// single release point both the streaming and the unary call shapes
// share; CallUnary simply drains the Stream before returning.
func (rc *RequestContext) Call(ctx context.Context, method string, args []interface{}, opts CallOptions) (*Stream, error) {
	exec := func() (*transport.Call, error) {
		return rc.Connection().Transport().RPC(ctx, method, args, opts)
	}

	var call *transport.Call
	var err error
	if rc.breaker != nil {
		call, err = rc.breaker.execute(exec)
	} else {
		call, err = exec()
	}
	if err != nil {
		rc.finish()
		return nil, unwrapTransportError(&TransportError{Addr: rc.peerAddr(), Err: err}, rc.unwrapErrors)
	}
	return &Stream{rc: rc, call: call}, nil
}

// CallUnary issues method(args), reads the stream to its end, and returns
// the last data record (nil if there was none), discarding any earlier
// ones (a well-behaved unary method emits at most one).
func (rc *RequestContext) CallUnary(ctx context.Context, method string, args []interface{}, opts CallOptions) ([]byte, error) {
	stream, err := rc.Call(ctx, method, args, opts)
	if err != nil {
		return nil, err
	}
	var last []byte
	for {
		data, done, err := stream.Next(ctx)
		if err != nil {
			return nil, err
		}
		if done {
			return last, nil
		}
		last = data
	}
}

func (rc *RequestContext) peerAddr() string {
	_, remote := rc.PeerAddrs()
	if remote.Addr == "" {
		return ""
	}
	return remote.Addr
}

// finish is the single release point: it removes this context from the
// owning Client's bookkeeping and releases the pool allocation. Safe to
// call more than once; only the first call has effect.
func (rc *RequestContext) finish() {
	rc.finishOnce.Do(func() {
		rc.client.completeRequest(rc)
		rc.alloc.release()
	})
}

// Stream is a lazy, finite sequence of data records terminated by exactly
// one end or error. It exposes Abandon for cooperative early cancellation,
// mirroring the Transport's own Call/Abandon shape.
type Stream struct {
	rc   *RequestContext
	call *transport.Call
}

// Next blocks for the next record. done=true with a nil error marks a
// clean end of stream; a non-nil error is the call's terminal failure.
// Either terminal outcome releases the underlying RequestContext before
// Next returns.
func (s *Stream) Next(ctx context.Context) (data []byte, done bool, err error) {
	ev, err := s.call.Recv(ctx)
	if err != nil {
		s.rc.finish()
		return nil, false, err
	}
	if ev.End {
		s.rc.finish()
		return nil, true, nil
	}
	if ev.Err != nil {
		s.rc.finish()
		return nil, false, unwrapTransportError(&TransportError{Addr: s.rc.peerAddr(), Err: ev.Err}, s.rc.unwrapErrors)
	}
	return ev.Data, false, nil
}

// Abandon cooperatively cancels the stream and releases its
// RequestContext without waiting for a terminal event from the peer.
func (s *Stream) Abandon() {
	s.call.Abandon()
	s.rc.finish()
}
