// Package memory implements flexlimit.Backend over an in-process map.
//
// State for all keys is kept indefinitely: this backend never evicts, and
// is per-process only (see flexlimit.Backend doc and spec §1 Non-goals).
// Each zone gets its own mutex; a request touching multiple zones acquires
// them in a deterministic order derived from a stable integer id assigned at
// Configure time, so concurrent multi-zone requests can never deadlock.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flexlimit-go/flexlimit"
	"github.com/flexlimit-go/flexlimit/algorithm"
	"github.com/flexlimit-go/flexlimit/internal/clock"
)

// zoneState is one zone's bucket table and its guarding mutex.
type zoneState struct {
	id   uint64
	mu   sync.Mutex
	data map[string]algorithm.Sample
}

// Backend is an in-process flexlimit.Backend.
type Backend struct {
	clock clock.Clock
	epoch time.Time // clock reading at Configure time; only differences matter

	limits map[string]flexlimit.RateLimit
	zones  map[string]*zoneState
}

// Option configures a Backend at construction time.
type Option func(*Backend)

// WithClock overrides the time source. Intended for tests.
func WithClock(c clock.Clock) Option {
	return func(b *Backend) {
		b.clock = c
	}
}

// New creates an unconfigured in-process Backend.
func New(opts ...Option) *Backend {
	b := &Backend{clock: clock.New()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Configure implements flexlimit.Backend.
func (b *Backend) Configure(limits map[string]flexlimit.RateLimit) error {
	zones := make(map[string]*zoneState)
	var id uint64
	for _, limit := range limits {
		if _, ok := zones[limit.Zone.Name]; ok {
			continue
		}
		zones[limit.Zone.Name] = &zoneState{id: id, data: make(map[string]algorithm.Sample)}
		id++
	}

	b.limits = limits
	b.zones = zones
	b.epoch = b.clock.Now()
	return nil
}

// Request implements flexlimit.Backend.
func (b *Backend) Request(ctx context.Context, keys map[string]string) (flexlimit.Response, error) {
	if len(keys) == 0 {
		return flexlimit.Response{Accepted: true}, nil
	}

	type boundLimit struct {
		limit flexlimit.RateLimit
		key   string
		zone  *zoneState
	}

	reqs := make([]boundLimit, 0, len(keys))
	seen := make(map[uint64]*zoneState)
	for name, key := range keys {
		limit := b.limits[name]
		zs := b.zones[limit.Zone.Name]
		seen[zs.id] = zs
		reqs = append(reqs, boundLimit{limit: limit, key: key, zone: zs})
	}

	ordered := make([]*zoneState, 0, len(seen))
	for _, zs := range seen {
		ordered = append(ordered, zs)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].id < ordered[j].id })

	for _, zs := range ordered {
		zs.mu.Lock()
	}
	defer func() {
		for i := len(ordered) - 1; i >= 0; i-- {
			ordered[i].mu.Unlock()
		}
	}()

	now := b.clock.Now().Sub(b.epoch).Seconds()

	type pending struct {
		zone *zoneState
		key  string
		new  algorithm.Sample
	}
	writes := make([]pending, 0, len(reqs))

	var delay float64
	for _, r := range reqs {
		var prevPtr *algorithm.Sample
		if prev, ok := r.zone.data[r.key]; ok {
			prevPtr = &prev
		}
		out := algorithm.Evaluate(prevPtr, now, algorithm.Limit{
			Rate:  r.limit.Zone.Rate,
			Burst: r.limit.Burst,
			Delay: r.limit.Delay,
		})
		if !out.Accepted {
			return flexlimit.Response{Accepted: false}, nil
		}
		if out.Delay > delay {
			delay = out.Delay
		}
		writes = append(writes, pending{zone: r.zone, key: r.key, new: out.NewSample})
	}

	for _, w := range writes {
		w.zone.data[w.key] = w.new
	}

	return flexlimit.Response{Accepted: true, Delay: secondsToDuration(delay)}, nil
}

// secondsToDuration converts an algorithm-domain seconds value to a
// time.Duration, truncating toward zero to a whole nanosecond.
func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// GetState implements flexlimit.Backend.
func (b *Backend) GetState(ctx context.Context, zone, key string) (*flexlimit.State, error) {
	zs, ok := b.zones[zone]
	if !ok {
		return nil, fmt.Errorf("memory: unknown zone %q", zone)
	}
	zs.mu.Lock()
	defer zs.mu.Unlock()
	s, ok := zs.data[key]
	if !ok {
		return nil, nil
	}
	return &flexlimit.State{Timestamp: s.Timestamp, Value: s.Value}, nil
}
