package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// SRV periodically resolves Config.Service under Config.Domain and diffs
// successive answer sets into added/removed events. Instance keys combine
// target:port with an incarnation counter, so two successive appearances
// of the same address get distinct keys.
type SRV struct {
	cfg    Config
	client *client

	// incarnation counts how many times each target:port has transitioned
	// absent->present, ever. live holds the incarnation currently in
	// effect for a target:port present in the most recent lookup, so a
	// backend that stays continuously in-service keeps the same key
	// across polls; only a genuine absent->present transition mints a
	// new one.
	incarnation map[string]int
	live        map[string]int
}

// NewSRV constructs an SRV resolver whose queries use retries and timeout
// exactly as given; no defaults are applied here.
func NewSRV(cfg Config, retries int, timeout time.Duration) *SRV {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &SRV{
		cfg: cfg,
		client: newClient(cfg.Resolvers, cfg.MaxConcurrency, queryPolicy{
			Retries: retries,
			Timeout: timeout,
		}),
		incarnation: make(map[string]int),
		live:        make(map[string]int),
	}
}

func (r *SRV) Run(ctx context.Context, out chan<- Event) error {
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

	current := make(map[string]Backend) // key -> backend
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
			// transient failure on a later poll: keep the existing set, try again next tick
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

func (r *SRV) lookup(ctx context.Context) ([]Backend, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(r.cfg.Service+"."+r.cfg.Domain), dns.TypeSRV)
	resp, err := r.client.query(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("resolver: SRV lookup %s: %w", r.cfg.Service, err)
	}

	present := make(map[string]struct{}, len(resp.Answer))
	out := make([]Backend, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		addr, err := r.resolveTarget(ctx, srv.Target)
		if err != nil {
			continue // one bad target must not fail the whole lookup
		}
		target := fmt.Sprintf("%s:%d", addr, srv.Port)
		present[target] = struct{}{}
		if _, ok := r.live[target]; !ok {
			r.incarnation[target]++
			r.live[target] = r.incarnation[target]
		}
		key := fmt.Sprintf("%s#%d", target, r.live[target])
		out = append(out, Backend{
			Key:     key,
			Name:    srv.Target,
			Address: addr,
			Port:    int(srv.Port),
		})
	}
	for target := range r.live {
		if _, ok := present[target]; !ok {
			delete(r.live, target)
		}
	}
	return out, nil
}

// resolveTarget resolves an SRV target with a separate A query and returns
// the first address; glue records carried in the SRV reply are not
// consulted.
func (r *SRV) resolveTarget(ctx context.Context, target string) (string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(target), dns.TypeA)
	resp, err := r.client.query(ctx, msg)
	if err != nil {
		return "", err
	}
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.String(), nil
		}
	}
	return "", fmt.Errorf("resolver: no A record for SRV target %s", target)
}
