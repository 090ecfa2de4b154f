package moray

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pior/moray/resolver"
	"github.com/sony/gobreaker/v2"
)

// ClientState is a Client's position in its OPEN → CLOSING → CLOSED
// lifecycle. Transitions are monotonic; there is no path back to an
// earlier state.
type ClientState int

const (
	StateOpen ClientState = iota
	StateClosing
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Diagnostics is a point-in-time view of a Client's health, suitable for
// logging or a status endpoint.
type Diagnostics struct {
	State              ClientState
	Connected          bool
	TimeFirstConnected *time.Time
	ActiveRequests     int
	Pool               PoolStats
	Client             ClientStats
}

// Client drives the lifecycle of a ConnectionPool and the ConnectionSet
// feeding it: init, close, readiness, and the thin `connected` getter.
type Client struct {
	cfg Config
	log *log.Logger

	pool    *ConnectionPool
	connSet *ConnectionSet

	clientStats *clientStatsCollector
	collector   *MetricsCollector

	mu                 sync.Mutex
	state              ClientState
	activeRequests     map[uint64]*RequestContext
	nextID             uint64
	timeFirstConnected *time.Time
	breakers           map[*BackendConnection]*connectionBreaker

	cancel    context.CancelFunc
	runDone   chan struct{}
	closeDone chan struct{}
	closeOnce sync.Once

	fatalErr chan error
}

// NewClient constructs a Client around res (the backend discovery source)
// using cfg.withDefaults(). Call Start to begin connecting.
func NewClient(cfg Config, res resolver.Resolver) *Client {
	cfg = cfg.withDefaults()
	logger := log.Default()

	c := &Client{
		cfg:            cfg,
		log:            logger,
		pool:           NewConnectionPool(cfg.FallbackEnabled, cfg.FallbackMaxAge, logger),
		clientStats:    &clientStatsCollector{},
		activeRequests: make(map[uint64]*RequestContext),
		breakers:       make(map[*BackendConnection]*connectionBreaker),
		runDone:        make(chan struct{}),
		closeDone:      make(chan struct{}),
		fatalErr:       make(chan error, 1),
	}

	dial := NewDialer(cfg.Recovery.Default)
	c.connSet = NewConnectionSet(
		res, dial, cfg.Target, cfg.Maximum, cfg.KeepaliveIdle, logger,
		c.pool.onAdded, c.pool.onRemoved, c.handleState,
	)

	if cfg.Collector != nil {
		if mc, ok := cfg.Collector.(*MetricsCollector); ok {
			c.collector = mc
		}
	}
	if c.collector == nil {
		c.collector = NewMetricsCollector(c.pool, c.clientStats, cfg.MetricLabels)
	}

	return c
}

// Start launches the ConnectionSet's discovery loop under a context
// derived from ctx. The Client remains OPEN until Close is called.
func (c *Client) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go func() {
		if err := c.connSet.Run(runCtx); err != nil && runCtx.Err() == nil {
			c.log.Printf("moray: connection set stopped unexpectedly: %v", err)
		}
		close(c.runDone)
	}()
}

// Collector exposes the client's Prometheus collector for registration
// into the caller's own registry.
func (c *Client) Collector() *MetricsCollector {
	return c.collector
}

func (c *Client) handleState(s resolver.State) {
	switch s {
	case resolver.StateRunning:
		c.mu.Lock()
		firstTime := c.timeFirstConnected == nil
		if firstTime {
			now := time.Now()
			c.timeFirstConnected = &now
		}
		c.mu.Unlock()
		if firstTime {
			c.log.Printf("moray: client connected")
		}

	case resolver.StateFailed:
		c.mu.Lock()
		everConnected := c.timeFirstConnected != nil
		c.mu.Unlock()
		if !everConnected && c.cfg.FailFast {
			err := fmt.Errorf("moray: initial connection failed")
			select {
			case c.fatalErr <- err:
			default:
			}
			go c.Close()
		}
	}
}

// FatalErr delivers the failFast terminal error, if one ever occurs. The
// channel is never closed; callers select on it alongside their own work.
func (c *Client) FatalErr() <-chan error {
	return c.fatalErr
}

// Connected reports whether the client has EVER reached a usable state,
// not whether it is currently ready — current readiness is inherently
// racy; callers should attempt requests and handle NoBackendsError.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeFirstConnected != nil && c.state == StateOpen
}

// Diagnostics returns a snapshot of the client's current health.
func (c *Client) Diagnostics() Diagnostics {
	c.mu.Lock()
	d := Diagnostics{
		State:              c.state,
		Connected:          c.timeFirstConnected != nil && c.state == StateOpen,
		TimeFirstConnected: c.timeFirstConnected,
		ActiveRequests:     len(c.activeRequests),
	}
	c.mu.Unlock()
	d.Pool = c.pool.snapshot()
	d.Client = c.clientStats.snapshot()
	return d
}

// beginRequest allocates a connection and returns a tracked
// RequestContext, or ClientClosedError/NoBackendsError.
func (c *Client) beginRequest() (*RequestContext, error) {
	c.mu.Lock()
	if c.state != StateOpen {
		state := c.state
		c.mu.Unlock()
		return nil, &ClientClosedError{State: state}
	}
	c.mu.Unlock()

	alloc, err := c.pool.allocate()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++

	rc := &RequestContext{
		id:           id,
		alloc:        alloc,
		client:       c,
		unwrapErrors: c.cfg.UnwrapErrors,
	}
	if c.cfg.CircuitBreakerSettings != nil {
		rc.breaker = c.breakerFor(alloc.Connection(), *c.cfg.CircuitBreakerSettings)
	}
	c.activeRequests[id] = rc
	c.mu.Unlock()

	c.clientStats.recordStart()
	return rc, nil
}

// breakerFor returns the (lazily created) breaker for conn. Caller holds
// c.mu.
func (c *Client) breakerFor(conn *BackendConnection, settings gobreaker.Settings) *connectionBreaker {
	if b, ok := c.breakers[conn]; ok {
		return b
	}
	local, remote := conn.PeerAddrs()
	name := remote.Addr
	if name == "" {
		name = local.Addr
	}
	b := newConnectionBreaker(name, settings)
	c.breakers[conn] = b
	return b
}

// completeRequest is RequestContext's single release point back into
// Client bookkeeping: it removes the context from activeRequests,
// decrements the active count, and — if a close is in progress and this
// was the last active request — runs the terminal close step.
func (c *Client) completeRequest(rc *RequestContext) {
	c.mu.Lock()
	delete(c.activeRequests, rc.id)
	closing := c.state == StateClosing && len(c.activeRequests) == 0
	c.mu.Unlock()

	c.clientStats.recordComplete(nil)

	if closing {
		c.finishClose()
	}
}

// Close transitions the client OPEN → CLOSING → CLOSED. If requests are
// still active, every active RequestContext's transport is detached,
// forcing its in-flight RPC to terminate with an error and release
// normally; the terminal close runs once the last one does. Close blocks
// until CLOSED is reached.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state != StateOpen {
		state := c.state
		c.mu.Unlock()
		c.log.Printf("moray: close called on client already %s", state)
		return nil
	}
	c.state = StateClosing
	active := make([]*RequestContext, 0, len(c.activeRequests))
	for _, rc := range c.activeRequests {
		active = append(active, rc)
	}
	c.mu.Unlock()

	c.pool.fallbackDisable()

	if len(active) == 0 {
		go c.finishClose()
	} else {
		for _, rc := range active {
			rc.Connection().Transport().Detach()
		}
	}

	<-c.closeDone
	return nil
}

// finishClose runs the terminal close step exactly once: stop the
// discovery loop, wait for it to fully stop, then latch CLOSED.
func (c *Client) finishClose() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		<-c.runDone

		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()

		c.log.Printf("moray: client closed")
		close(c.closeDone)
	})
}
