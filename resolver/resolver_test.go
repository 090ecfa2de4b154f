package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverAddrsUsesConfiguredServers(t *testing.T) {
	c := newClient([]string{"10.0.0.1:53", "10.0.0.2:53"}, 4, queryPolicy{})
	addrs, err := c.resolverAddrs()
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:53", "10.0.0.2:53"}, addrs)
}

func TestQueryPolicyToBackOffAppliesDefaults(t *testing.T) {
	p := queryPolicy{Retries: 2}
	bo := p.toBackOff()
	require.NotNil(t, bo)
	// Zero Delay/MaxDelay must fall back to sane non-zero intervals rather
	// than busy-looping retries.
	assert.Greater(t, bo.NextBackOff(), time.Duration(0))
}

func drain(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d/%d", i+1, n)
		}
	}
	return out
}

func TestStaticEmitsStartingAddedRunningThenStopped(t *testing.T) {
	r := &Static{Backends: []Backend{
		{Key: "a", Address: "10.0.0.1", Port: 1},
		{Key: "b", Address: "10.0.0.2", Port: 1},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event, 8)
	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx, events) }()

	got := drain(t, events, 4)
	assert.Equal(t, EventStateChanged, got[0].Kind)
	assert.Equal(t, StateStarting, got[0].State)

	keys := map[string]bool{}
	for _, ev := range got[1:3] {
		require.Equal(t, EventAdded, ev.Kind)
		keys[ev.Added.Key] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, keys)

	assert.Equal(t, EventStateChanged, got[3].Kind)
	assert.Equal(t, StateRunning, got[3].State)

	cancel()
	stopped := drain(t, events, 1)
	assert.Equal(t, StateStopped, stopped[0].State)

	require.Error(t, <-runErr)
}
