package moray

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pior/moray/internal/testutils"
	"github.com/pior/moray/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeDialer returns a Dialer that hands back one end of an in-memory
// net.Pipe per dial, along with a channel delivering the peer ends in dial
// order so a test can script each backend's wire behavior.
func pipeDialer() (Dialer, <-chan net.Conn) {
	peers := make(chan net.Conn, 16)
	dial := func(ctx context.Context, address string, port int) (net.Conn, error) {
		client, peer := testutils.Pipe()
		peers <- peer
		return client, nil
	}
	return dial, peers
}

func newTestClient(t *testing.T, cfg Config, backends ...resolver.Backend) (*Client, <-chan net.Conn) {
	t.Helper()
	dial, peers := pipeDialer()
	res := &resolver.Static{Backends: backends}

	cfg = cfg.withDefaults()
	client := NewClient(cfg, res)
	client.connSet = NewConnectionSet(
		res, dial, cfg.Target, cfg.Maximum, cfg.KeepaliveIdle, nil,
		client.pool.onAdded, client.pool.onRemoved, client.handleState,
	)
	return client, peers
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Connected() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("client never reached connected state")
}

// waitPoolAvail waits for at least one backend to reach AVAIL in the pool,
// since dialing happens on its own goroutine independent of the resolver's
// StateRunning event.
func waitPoolAvail(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.pool.snapshot().AvailConns > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("pool never reached an AVAIL entry")
}

func TestClientConnectsAndServesRequest(t *testing.T) {
	client, _ := newTestClient(t, Config{Target: 1, Maximum: 1}, resolver.Backend{Key: "a", Address: "a", Port: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)
	waitConnected(t, client)

	assert.Equal(t, StateOpen, client.Diagnostics().State)
	require.NoError(t, client.Close())
	assert.Equal(t, StateClosed, client.Diagnostics().State)
}

func TestCloseWithInFlightRequestWaitsForRelease(t *testing.T) {
	client, _ := newTestClient(t, Config{Target: 1, Maximum: 1}, resolver.Backend{Key: "a", Address: "a", Port: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)
	waitConnected(t, client)

	waitPoolAvail(t, client)
	rc, err := client.beginRequest()
	require.NoError(t, err)

	closeDone := make(chan struct{})
	go func() {
		_ = client.Close()
		close(closeDone)
	}()

	select {
	case <-closeDone:
		t.Fatal("Close returned before the in-flight request released")
	case <-time.After(50 * time.Millisecond):
	}

	rc.finish()

	select {
	case <-closeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Close never completed after the request released")
	}
	assert.Equal(t, StateClosed, client.Diagnostics().State)
}

func TestBeginRequestFailsOnceClosed(t *testing.T) {
	client, _ := newTestClient(t, Config{Target: 1, Maximum: 1}, resolver.Backend{Key: "a", Address: "a", Port: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)
	waitConnected(t, client)

	require.NoError(t, client.Close())

	_, err := client.beginRequest()
	require.Error(t, err)
	var closedErr *ClientClosedError
	require.ErrorAs(t, err, &closedErr)
}

// failResolver reports StateStarting then an immediate StateFailed,
// mimicking a resolver whose very first lookup errors out.
type failResolver struct{}

func (failResolver) Run(ctx context.Context, out chan<- resolver.Event) error {
	select {
	case out <- resolver.Event{Kind: resolver.EventStateChanged, State: resolver.StateStarting}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case out <- resolver.Event{Kind: resolver.EventStateChanged, State: resolver.StateFailed}:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestFailFastSurfacesFatalErrWhenNeverConnected(t *testing.T) {
	dial, _ := pipeDialer()
	res := failResolver{}
	cfg := Config{Target: 1, Maximum: 1, FailFast: true}.withDefaults()

	client := NewClient(cfg, res)
	client.connSet = NewConnectionSet(
		res, dial, cfg.Target, cfg.Maximum, cfg.KeepaliveIdle, nil,
		client.pool.onAdded, client.pool.onRemoved, client.handleState,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)

	select {
	case err := <-client.FatalErr():
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("FailFast never surfaced a fatal error")
	}

	select {
	case <-client.closeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("FailFast close never completed")
	}
}
