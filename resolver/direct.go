package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// Direct periodically resolves Config.Domain's A records and diffs them
// into added/removed events, using Config.DefaultPort for every backend.
// This is "direct mode": SRV lookups are never issued — suppression
// happens one layer up, where a caller that sees Config.Service set to
// DirectModeService constructs this type instead of SRV, so resolver
// selection is a plain config-driven choice between the two.
type Direct struct {
	cfg    Config
	client *client

	// incarnation counts how many times each address has transitioned
	// absent->present, ever. live holds the incarnation currently in
	// effect for an address that is present in the most recent lookup;
	// an address missing from live gets a fresh incarnation (and a fresh
	// key) the next time it reappears, while one present in live keeps
	// its key across successive polls.
	incarnation map[string]int
	live        map[string]int
}

func NewDirect(cfg Config, retries int, timeout time.Duration) *Direct {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &Direct{
		cfg: cfg,
		client: newClient(cfg.Resolvers, cfg.MaxConcurrency, queryPolicy{
			Retries: retries,
			Timeout: timeout,
		}),
		incarnation: make(map[string]int),
		live:        make(map[string]int),
	}
}

func (r *Direct) Run(ctx context.Context, out chan<- Event) error {
	send := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !send(Event{Kind: EventStateChanged, State: StateStarting}) {
		return ctx.Err()
	}

	current := make(map[string]Backend)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	firstAttempt := true
	for {
		backends, err := r.lookup(ctx)
		if err != nil {
			if firstAttempt {
				send(Event{Kind: EventStateChanged, State: StateFailed})
				return err
			}
		} else {
			firstAttempt = false
			next := make(map[string]Backend, len(backends))
			for _, b := range backends {
				next[b.Key] = b
			}
			for key, b := range next {
				if _, ok := current[key]; !ok {
					if !send(Event{Kind: EventAdded, Added: b}) {
						return ctx.Err()
					}
				}
			}
			for key := range current {
				if _, ok := next[key]; !ok {
					if !send(Event{Kind: EventRemoved, Removed: key}) {
						return ctx.Err()
					}
				}
			}
			current = next
			send(Event{Kind: EventStateChanged, State: StateRunning})
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			send(Event{Kind: EventStateChanged, State: StateStopped})
			return ctx.Err()
		}
	}
}

func (r *Direct) lookup(ctx context.Context) ([]Backend, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(r.cfg.Domain), dns.TypeA)
	resp, err := r.client.query(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("resolver: A lookup %s: %w", r.cfg.Domain, err)
	}

	present := make(map[string]struct{}, len(resp.Answer))
	out := make([]Backend, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		addr := a.A.String()
		present[addr] = struct{}{}
		if _, ok := r.live[addr]; !ok {
			r.incarnation[addr]++
			r.live[addr] = r.incarnation[addr]
		}
		key := fmt.Sprintf("%s:%d#%d", addr, r.cfg.DefaultPort, r.live[addr])
		out = append(out, Backend{
			Key:     key,
			Name:    r.cfg.Domain,
			Address: addr,
			Port:    r.cfg.DefaultPort,
		})
	}
	for addr := range r.live {
		if _, ok := present[addr]; !ok {
			delete(r.live, addr)
		}
	}
	return out, nil
}

// Static is a fixed backend list, useful for tests and for pinning a known
// set of addresses without any DNS traffic.
type Static struct {
	Backends []Backend
}

func (r *Static) Run(ctx context.Context, out chan<- Event) error {
	send := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	if !send(Event{Kind: EventStateChanged, State: StateStarting}) {
		return ctx.Err()
	}
	for _, b := range r.Backends {
		if !send(Event{Kind: EventAdded, Added: b}) {
			return ctx.Err()
		}
	}
	if !send(Event{Kind: EventStateChanged, State: StateRunning}) {
		return ctx.Err()
	}
	<-ctx.Done()
	// ctx is already done, so send() could drop this at random; deliver it
	// whenever out has room.
	select {
	case out <- Event{Kind: EventStateChanged, State: StateStopped}:
	default:
	}
	return ctx.Err()
}
