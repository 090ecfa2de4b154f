// Package transport implements the multiplexed, framed binary RPC channel
// that rides on one TCP socket: callers issue many concurrent calls and
// each gets back a lazy stream of data records terminated by end or error.
//
// Wire framing and argument encoding (length-prefixed frames, msgpack
// payloads) live entirely in this package, kept separate from the
// connection pool's routing and lifecycle concerns.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDetached is the terminal error delivered to every in-flight call when
// Detach is invoked.
var ErrDetached = errors.New("transport: detached")

// ErrAbandoned names an abandoned call. Recv does not return it: after
// Abandon, Recv yields any events already buffered and then an Event whose
// Err is ErrDetached.
var ErrAbandoned = errors.New("transport: call abandoned")

// Event is one record delivered over a Call: either a data value, or a
// terminal End/Err (mutually exclusive with further events on this Call).
type Event struct {
	Data []byte // present for data records; msgpack-encoded, caller decodes
	End  bool   // terminal, no error
	Err  error  // terminal, non-nil on failure
}

// Options carries the per-call fields alongside method and args: whether
// the peer should omit null-valued fields from its reply, and a timeout
// that is sent to the peer in the call frame. The Transport itself does not
// enforce the timeout.
type Options struct {
	IgnoreNullValues bool
	Timeout          time.Duration
}

// Transport multiplexes many concurrent RPC calls over one net.Conn. One
// reader goroutine demultiplexes inbound frames by request id into each
// call's event channel; writes are serialized by writeMu since multiple
// goroutines may call RPC concurrently on a shared, pooled connection.
type Transport struct {
	conn net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	calls   map[uint64]chan Event
	nextID  uint64
	closed  bool

	done chan error
}

// New wraps conn in a Transport and starts its demultiplexing reader
// goroutine. The caller owns conn's lifecycle beyond Detach.
func New(conn net.Conn) *Transport {
	t := &Transport{
		conn:  conn,
		calls: make(map[uint64]chan Event),
		done:  make(chan error, 1),
	}
	go t.readLoop()
	return t
}

// Call is a lazy, finite stream of data records terminated by exactly one
// End or Err event.
type Call struct {
	id   uint64
	t    *Transport
	ch   chan Event
}

// RPC issues method(args) and returns immediately with a Call whose events
// arrive as the peer replies.
func (t *Transport) RPC(ctx context.Context, method string, args []interface{}, opts Options) (*Call, error) {
	id := atomic.AddUint64(&t.nextID, 1)
	ch := make(chan Event, 8)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrDetached
	}
	t.calls[id] = ch
	t.mu.Unlock()

	payload, err := encodeValue(callPayload{
		Method:           method,
		Args:             args,
		IgnoreNullValues: opts.IgnoreNullValues,
		TimeoutMs:        opts.Timeout.Milliseconds(),
	})
	if err != nil {
		t.deregister(id)
		return nil, fmt.Errorf("transport: encode call: %w", err)
	}

	t.writeMu.Lock()
	err = writeFrame(t.conn, id, KindCall, payload)
	t.writeMu.Unlock()
	if err != nil {
		t.deregister(id)
		return nil, err
	}

	return &Call{id: id, t: t, ch: ch}, nil
}

// Recv blocks for the next event, or returns ctx.Err() if ctx completes
// first. After a terminal event (End or Err set), the Call is exhausted;
// further Recv calls return an Event whose Err is ErrDetached.
func (c *Call) Recv(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-c.ch:
		if !ok {
			return Event{Err: ErrDetached}, nil
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Abandon cooperatively cancels the call: the Transport stops delivering
// its events and releases its bookkeeping. The peer is not notified; this
// is a local bookkeeping cleanup, not a wire-level cancel.
func (c *Call) Abandon() {
	c.t.deregister(c.id)
}

func (t *Transport) deregister(id uint64) {
	t.mu.Lock()
	ch, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	t.mu.Unlock()
	if ok {
		close(ch)
	}
}

// readLoop demultiplexes inbound frames by id until the connection fails,
// at which point every still-registered call receives a terminal error and
// the loop publishes the terminal error to Done.
func (t *Transport) readLoop() {
	var terminal error
	for {
		f, err := readFrame(t.conn)
		if err != nil {
			terminal = err
			break
		}

		t.mu.Lock()
		ch, ok := t.calls[f.id]
		if ok && (f.kind == KindEnd || f.kind == KindError) {
			delete(t.calls, f.id)
		}
		t.mu.Unlock()

		if !ok {
			continue // abandoned or unknown id; drop the frame
		}

		switch f.kind {
		case KindData:
			ch <- Event{Data: f.payload}
		case KindEnd:
			ch <- Event{End: true}
			close(ch)
		case KindError:
			ch <- Event{Err: errors.New(string(f.payload))}
			close(ch)
		default:
			// unexpected frame kind from peer; ignore
		}
	}

	t.mu.Lock()
	t.closed = true
	remaining := t.calls
	t.calls = make(map[uint64]chan Event)
	t.mu.Unlock()

	for _, ch := range remaining {
		ch <- Event{Err: ErrDetached}
		close(ch)
	}

	if terminal == io.EOF || errors.Is(terminal, io.ErrClosedPipe) || errors.Is(terminal, net.ErrClosed) {
		terminal = ErrDetached
	}
	t.done <- terminal
}

// Detach tears the Transport off its socket; every pending Call terminates
// with ErrDetached.
func (t *Transport) Detach() {
	_ = t.conn.Close()
}

// Done delivers the terminal read error exactly once. A socket closed by
// Detach or by the peer is reported as ErrDetached; any other I/O failure
// is delivered as is. BackendConnection uses this to surface
// its coalesced "error" event.
func (t *Transport) Done() <-chan error {
	return t.done
}
