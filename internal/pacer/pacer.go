// Package pacer computes send delays that keep outreach below provider
// throughput limits.
package pacer

import (
	"math/rand/v2"
	"strings"
	"time"
)

type Options struct {
	// DefaultInterval spaces consecutive sends to a domain without an override.
	DefaultInterval time.Duration
	// DomainIntervals holds stricter spacing for large webmail providers.
	DomainIntervals map[string]time.Duration
	MaxJitter       time.Duration
	// HourlyLimit and DailyLimit cap how many messages of one batch may fall
	// in the same hour/day. Zero disables the cap.
	HourlyLimit int
	DailyLimit  int
}

// BatchOptions are per-call overrides coming from the bulk enqueue API.
type BatchOptions struct {
	Interval  time.Duration
	MaxJitter time.Duration
}

// Pacer is stateless between calls and safe for concurrent use.
type Pacer struct {
	opts   Options
	jitter func(max time.Duration) time.Duration
}

func New(opts Options) *Pacer {
	domains := make(map[string]time.Duration, len(opts.DomainIntervals))
	for d, iv := range opts.DomainIntervals {
		domains[strings.ToLower(d)] = iv
	}
	opts.DomainIntervals = domains
	return &Pacer{opts: opts, jitter: randomJitter}
}

// WithJitter replaces the jitter source, mostly for tests.
func (p *Pacer) WithJitter(fn func(max time.Duration) time.Duration) *Pacer {
	cp := *p
	cp.jitter = fn
	return &cp
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// Interval returns the spacing used for a domain. A positive override
// replaces the default but never the per-domain values.
func (p *Pacer) Interval(domain string, override time.Duration) time.Duration {
	if iv, ok := p.opts.DomainIntervals[strings.ToLower(domain)]; ok {
		return iv
	}
	if override > 0 {
		return override
	}
	return p.opts.DefaultInterval
}

// Plan returns one delay per address. The k-th address (from 0) sent to a
// domain waits k*interval(domain) plus jitter in [0, MaxJitter).
func (p *Pacer) Plan(addresses []string, opts BatchOptions) []time.Duration {
	maxJitter := p.opts.MaxJitter
	if opts.MaxJitter > 0 {
		maxJitter = opts.MaxJitter
	}

	perDomain := make(map[string]int)
	delays := make([]time.Duration, len(addresses))
	for n, addr := range addresses {
		domain := Domain(addr)
		k := perDomain[domain]
		perDomain[domain] = k + 1

		d := time.Duration(k)*p.Interval(domain, opts.Interval) + p.jitter(maxJitter)

		if p.opts.HourlyLimit > 0 {
			d = max(d, time.Duration(n/p.opts.HourlyLimit)*time.Hour)
		}
		if p.opts.DailyLimit > 0 {
			d = max(d, time.Duration(n/p.opts.DailyLimit)*24*time.Hour)
		}
		delays[n] = d
	}
	return delays
}

// Domain returns the lower-cased part after the last "@".
func Domain(address string) string {
	address = strings.TrimSpace(address)
	if i := strings.LastIndex(address, "@"); i >= 0 {
		address = address[i+1:]
	}
	return strings.ToLower(strings.TrimSuffix(address, ">"))
}
