package moray

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/pior/moray/transport"
)

// Addr is a local or remote socket address captured at connect time.
type Addr struct {
	Addr string
	Port int
}

// Dialer opens the TCP socket for a BackendConnection. The default wraps
// net.Dialer.DialContext with the default recovery policy's retry curve.
type Dialer func(ctx context.Context, address string, port int) (net.Conn, error)

// NewDialer builds the default Dialer: net.Dialer.DialContext decorated
// with policy's retry/backoff curve, layering resilience over a plain
// dial operation rather than baking it into the operation itself.
func NewDialer(policy RecoveryPolicy) Dialer {
	var d net.Dialer
	return func(ctx context.Context, address string, port int) (net.Conn, error) {
		var conn net.Conn
		addr := net.JoinHostPort(address, fmt.Sprintf("%d", port))
		err := retry(ctx, policy, func(attemptCtx context.Context) error {
			c, dialErr := d.DialContext(attemptCtx, "tcp", addr)
			if dialErr != nil {
				return dialErr
			}
			conn = c
			return nil
		})
		return conn, err
	}
}

// BackendConnectionEvent is one of "connect", "close", "error".
type BackendConnectionEvent struct {
	Kind string
	Err  error
}

// BackendConnection owns one TCP socket and one multiplexed Transport
// instance. It is 1:1 with a PoolEntry.
type BackendConnection struct {
	address       string
	port          int
	keepaliveIdle time.Duration
	log           *log.Logger

	mu         sync.Mutex
	conn       net.Conn
	transport  *transport.Transport
	local      Addr
	remote     Addr
	connected  bool
	destroyed  bool
	allErrors  []error
	events     chan BackendConnectionEvent
	newFramer  func(net.Conn) *transport.Transport
}

// NewBackendConnection constructs a BackendConnection. Call Connect to dial
// and bring up the Transport.
func NewBackendConnection(address string, port int, keepaliveIdle time.Duration, logger *log.Logger) *BackendConnection {
	if logger == nil {
		logger = log.Default()
	}
	return &BackendConnection{
		address:       address,
		port:          port,
		keepaliveIdle: keepaliveIdle,
		log:           logger,
		events:        make(chan BackendConnectionEvent, 4),
		newFramer:     transport.New,
	}
}

// Events returns the channel on which connect/close/error are delivered.
func (c *BackendConnection) Events() <-chan BackendConnectionEvent {
	return c.events
}

// Connect dials via dialer, enables TCP keepalive, captures addresses, and
// starts the Transport. Errors from the socket and the Transport are both
// wrapped with "address:port" context, appended to allErrors, and the
// first one (only, and only pre-destroy) is emitted as "error" — later
// errors are recorded but not re-emitted, since the connection is already
// on its way out by then.
func (c *BackendConnection) Connect(ctx context.Context, dial Dialer) error {
	conn, err := dial(ctx, c.address, c.port)
	if err != nil {
		return c.wrapAndRecordError(err)
	}

	if tcp, ok := conn.(*net.TCPConn); ok && c.keepaliveIdle > 0 {
		// Keepalive is only meaningful once connected, hence this is done
		// here and not at construction.
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(c.keepaliveIdle)
	}

	c.mu.Lock()
	c.conn = conn
	c.local = addrOf(conn.LocalAddr())
	c.remote = addrOf(conn.RemoteAddr())
	c.connected = true
	tr := c.newFramer(conn)
	c.transport = tr
	c.mu.Unlock()

	go c.watchTransportErrors(tr)

	c.emit(BackendConnectionEvent{Kind: "connect"})
	return nil
}

func (c *BackendConnection) watchTransportErrors(tr *transport.Transport) {
	err := <-tr.Done()
	if err == nil {
		return
	}
	c.wrapAndRecordError(err)
}

func addrOf(a net.Addr) Addr {
	if a == nil {
		return Addr{}
	}
	if tcp, ok := a.(*net.TCPAddr); ok {
		return Addr{Addr: tcp.IP.String(), Port: tcp.Port}
	}
	return Addr{Addr: a.String()}
}

func (c *BackendConnection) wrapAndRecordError(err error) error {
	wrapped := &TransportError{Addr: fmt.Sprintf("%s:%d", c.address, c.port), Err: err}

	c.mu.Lock()
	first := len(c.allErrors) == 0
	destroyed := c.destroyed
	c.allErrors = append(c.allErrors, wrapped)
	c.mu.Unlock()

	c.log.Printf("moray: backend connection error %s: %v", fmt.Sprintf("%s:%d", c.address, c.port), err)

	if first && !destroyed {
		c.emit(BackendConnectionEvent{Kind: "error", Err: wrapped})
	}
	return wrapped
}

func (c *BackendConnection) emit(ev BackendConnectionEvent) {
	select {
	case c.events <- ev:
	default:
		// Events channel is only consumed by one ConnectionSet entry;
		// a full channel means the consumer is gone (destroyed).
	}
}

// Transport returns the underlying multiplexed RPC handle. Only valid after
// a successful Connect.
func (c *BackendConnection) Transport() *transport.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// PeerAddrs returns the local/remote addresses captured at connect time.
// Undefined (zero value) before connect.
func (c *BackendConnection) PeerAddrs() (local, remote Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local, c.remote
}

// AllErrors returns every error observed on this connection, for diagnosis.
func (c *BackendConnection) AllErrors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]error, len(c.allErrors))
	copy(out, c.allErrors)
	return out
}

// Destroyed reports whether Destroy has latched.
func (c *BackendConnection) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// Destroy idempotently tears down the socket and transport, latching
// destroyed=true. Once destroyed, no further "error" is emitted.
func (c *BackendConnection) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	conn := c.conn
	tr := c.transport
	c.mu.Unlock()

	if tr != nil {
		tr.Detach()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.emit(BackendConnectionEvent{Kind: "close"})
}
