package resolver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/miekg/dns"
	"golang.org/x/sync/semaphore"
)

// queryPolicy is the retry/backoff curve applied to a single DNS query,
// shaped like the connect-retry policy moray.RecoveryPolicy uses for TCP.
type queryPolicy struct {
	Retries  int
	Timeout  time.Duration
	Delay    time.Duration
	MaxDelay time.Duration
}

func (p queryPolicy) toBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Delay
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = 50 * time.Millisecond
	}
	eb.MaxInterval = p.MaxDelay
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = 500 * time.Millisecond
	}
	return backoff.WithMaxRetries(eb, uint64(p.Retries))
}

// client wraps miekg/dns.Client with a concurrency bound and a retry
// policy, shared by both the SRV and the A-record resolver.
type client struct {
	dc       *dns.Client
	servers  []string
	sem      *semaphore.Weighted
	policy   queryPolicy
}

func newClient(servers []string, maxConcurrency int, policy queryPolicy) *client {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &client{
		dc:      &dns.Client{Timeout: policy.Timeout},
		servers: servers,
		sem:     semaphore.NewWeighted(int64(maxConcurrency)),
		policy:  policy,
	}
}

// resolverAddrs returns configured resolvers, or the system resolver from
// /etc/resolv.conf when none are configured.
func (c *client) resolverAddrs() ([]string, error) {
	if len(c.servers) > 0 {
		return c.servers, nil
	}
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, fmt.Errorf("resolver: read system resolv.conf: %w", err)
	}
	result := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		result = append(result, net.JoinHostPort(s, cfg.Port))
	}
	return result, nil
}

func (c *client) query(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	servers, err := c.resolverAddrs()
	if err != nil {
		return nil, err
	}

	var resp *dns.Msg
	op := func() error {
		var lastErr error
		for _, server := range servers {
			attemptCtx := ctx
			cancel := func() {}
			if c.policy.Timeout > 0 {
				attemptCtx, cancel = context.WithTimeout(ctx, c.policy.Timeout)
			}
			r, _, err := c.dc.ExchangeContext(attemptCtx, msg, server)
			cancel()
			if err == nil && r != nil && r.Rcode == dns.RcodeSuccess {
				resp = r
				return nil
			}
			if err != nil {
				lastErr = err
			} else {
				lastErr = fmt.Errorf("resolver: rcode %s from %s", dns.RcodeToString[r.Rcode], server)
			}
		}
		return lastErr
	}

	bo := backoff.WithContext(c.policy.toBackOff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return resp, nil
}
