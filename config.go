package moray

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
	"gopkg.in/yaml.v3"
)

// RecoveryPolicy describes a retry/backoff curve for a single retryable
// operation: TCP connect, an A-record lookup, or an SRV lookup.
type RecoveryPolicy struct {
	Retries    int           `yaml:"retries"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxTimeout time.Duration `yaml:"maxTimeout"`
	Delay      time.Duration `yaml:"delay"`
	MaxDelay   time.Duration `yaml:"maxDelay"`
}

// defaultConnectRecovery is used for TCP connect when Config.Recovery.Default
// is the zero value.
func defaultConnectRecovery() RecoveryPolicy {
	return RecoveryPolicy{
		Retries:    5,
		Timeout:    2 * time.Second,
		MaxTimeout: 8 * time.Second,
		Delay:      100 * time.Millisecond,
		MaxDelay:   2 * time.Second,
	}
}

// defaultDNSRecovery is used for A-record lookups.
func defaultDNSRecovery() RecoveryPolicy {
	return RecoveryPolicy{
		Retries:    3,
		Timeout:    1 * time.Second,
		MaxTimeout: 4 * time.Second,
		Delay:      50 * time.Millisecond,
		MaxDelay:   500 * time.Millisecond,
	}
}

// disabledSRVRecovery is the zero-retry, short-timeout policy withDefaults
// assigns to Recovery.DNSSRV in direct mode. It is not what keeps SRV
// lookups from happening: a caller that sees DirectModeService builds a
// resolver.Direct (as cmd/morayctl does), which only issues A queries.
func disabledSRVRecovery() RecoveryPolicy {
	return RecoveryPolicy{Retries: 0, Timeout: 200 * time.Millisecond}
}

// DirectModeService is the sentinel "service" label that disables SRV
// discovery.
const DirectModeService = "_disabled._tcp"

// Recovery groups the three retry policies a Config recognizes.
type Recovery struct {
	Default RecoveryPolicy `yaml:"default"`
	DNS     RecoveryPolicy `yaml:"dns"`
	DNSSRV  RecoveryPolicy `yaml:"dns_srv"`
}

// Config holds every option the pool and client recognize, plus the live
// collaborators (metrics collector, circuit breaker settings) this repo
// wires concretely.
type Config struct {
	// Target is the desired number of steady-state connections.
	Target int `yaml:"target"`
	// Maximum is the hard ceiling on connections across all backends.
	Maximum int `yaml:"maximum"`

	Recovery Recovery `yaml:"recovery"`

	// Service is the SRV service label (e.g. "_moray._tcp"). Set to
	// DirectModeService to disable SRV lookups.
	Service string `yaml:"service"`
	// DefaultPort is used when the discovery answer lacks one.
	DefaultPort int `yaml:"defaultPort"`
	// Resolvers are explicit DNS resolver addresses; empty means system
	// default.
	Resolvers []string `yaml:"resolvers"`
	// MaxDNSConcurrency bounds outstanding DNS queries.
	MaxDNSConcurrency int `yaml:"maxDNSConcurrency"`

	// Domain is the name resolved for backend discovery (an A or SRV
	// owner name, depending on Service).
	Domain string `yaml:"domain"`

	// MustCloseBeforeNormalProcessExit is recognized but not yet
	// interpreted: no atexit-style check currently consults it.
	MustCloseBeforeNormalProcessExit bool `yaml:"mustCloseBeforeNormalProcessExit"`
	// FailFast surfaces a terminal error if initial connect fails instead
	// of waiting indefinitely for the fleet to recover.
	FailFast bool `yaml:"failFast"`
	// UnwrapErrors strips TransportError wrapping layers before
	// surfacing transport errors to callers.
	UnwrapErrors bool `yaml:"unwrapErrors"`

	// CRCMode is recognized but not yet interpreted: no Transport wiring
	// currently consults it. MetricLabels is attached to every metric this
	// Client's Collector emits.
	CRCMode      string            `yaml:"crc_mode"`
	MetricLabels map[string]string `yaml:"metricLabels"`

	// Collector, when it is a *MetricsCollector, is what Client.Collector
	// returns; the Client does not feed it. Any other value is ignored, and
	// when no *MetricsCollector is set the Client builds its own over its
	// pool. Not part of the YAML-loadable surface since it is a live
	// object, not configuration data.
	Collector prometheus.Collector `yaml:"-"`

	// CircuitBreakerSettings, when non-nil, wraps every RequestContext's
	// Transport call in a per-connection circuit breaker. Disabled by
	// default.
	CircuitBreakerSettings *gobreaker.Settings `yaml:"-"`

	// FallbackMaxAge bounds how long a FALLBACK connection is usable
	// after its last AVAIL sibling is removed. Zero means the 15s
	// default.
	FallbackMaxAge time.Duration `yaml:"fallbackMaxAge"`

	// FallbackEnabled gates whether removal of the last AVAIL connection
	// may create a FALLBACK entry at all.
	FallbackEnabled bool `yaml:"fallbackEnabled"`

	// KeepaliveIdle configures the TCP keepalive idle interval enabled on
	// every BackendConnection once connected.
	KeepaliveIdle time.Duration `yaml:"keepaliveIdle"`
}

// DefaultFallbackMaxAge bounds how long a FALLBACK connection stays usable
// once it has no AVAIL sibling left.
const DefaultFallbackMaxAge = 15 * time.Second

// WithDefaults returns a copy of c with zero-valued fields replaced by
// their defaults. NewClient applies this internally; callers that need a
// fully-defaulted Config before constructing a Client (e.g. to build a
// resolver.Config from it) can call this directly.
func (c Config) WithDefaults() Config {
	return c.withDefaults()
}

// withDefaults returns a copy of c with zero-valued fields replaced by
// their defaults.
func (c Config) withDefaults() Config {
	if c.Target <= 0 {
		c.Target = 1
	}
	if c.Maximum <= 0 {
		c.Maximum = c.Target
	}
	if c.Recovery.Default == (RecoveryPolicy{}) {
		c.Recovery.Default = defaultConnectRecovery()
	}
	if c.Recovery.DNS == (RecoveryPolicy{}) {
		c.Recovery.DNS = defaultDNSRecovery()
	}
	if c.Recovery.DNSSRV == (RecoveryPolicy{}) {
		if c.Service == DirectModeService || c.Service == "" {
			c.Recovery.DNSSRV = disabledSRVRecovery()
		} else {
			c.Recovery.DNSSRV = defaultDNSRecovery()
		}
	}
	if c.DefaultPort <= 0 {
		c.DefaultPort = 2020
	}
	if c.MaxDNSConcurrency <= 0 {
		c.MaxDNSConcurrency = 4
	}
	if c.FallbackMaxAge <= 0 {
		c.FallbackMaxAge = DefaultFallbackMaxAge
	}
	if c.KeepaliveIdle <= 0 {
		c.KeepaliveIdle = 30 * time.Second
	}
	return c
}

// LoadConfigFile reads YAML configuration from path. Live objects
// (Collector, CircuitBreakerSettings) are never part of the file and must
// be set on the returned Config afterward.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
