package flexlimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Backend is the capability shared by every rate limiter backend: an
// in-process map (package backend/memory), a Redis backend using
// WATCH/MULTI/EXEC (package backend/redisopt), and a Redis backend that
// evaluates everything in one server-side script (package
// backend/redisscript). Limiter delegates the backend-agnostic lifecycle
// and validation (duplicate zones, expiry warnings, unknown limit names) and
// leaves the leaky-bucket evaluation and state storage to the
// implementation.
type Backend interface {
	// Configure is called once, after Limiter has validated limits, so the
	// backend can build whatever per-zone or per-limit setup it needs
	// (lock tables, a compiled Lua script, ...).
	Configure(limits map[string]RateLimit) error

	// Request evaluates keys (limit name -> key value) atomically and
	// returns the combined response. An empty keys map must accept with
	// zero delay and write nothing.
	Request(ctx context.Context, keys map[string]string) (Response, error)

	// GetState returns the decoded state for a (zone, key) pair, or nil if
	// absent. Debug/test use only.
	GetState(ctx context.Context, zone, key string) (*State, error)
}

// Limiter evaluates named rate limits against a Backend.
//
// A Limiter is constructed unconfigured, transitioned once to configured via
// Configure, and thereafter serves Request calls indefinitely. It is safe
// for concurrent use by multiple goroutines once configured.
type Limiter struct {
	backend Backend
	logger  zerolog.Logger

	mu         sync.RWMutex
	configured bool
	limits     map[string]RateLimit
}

// Option configures a Limiter at construction time.
type Option func(*Limiter)

// WithLogger sets the logger used for configuration warnings. The default
// is a no-op logger, so a Limiter is silent unless a caller opts in.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// New creates an unconfigured Limiter over the given backend.
func New(backend Backend, opts ...Option) *Limiter {
	l := &Limiter{
		backend: backend,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Configure binds the limiter to a set of named rate limits. It may be
// called exactly once per Limiter.
//
// It is an error for two limits to share a zone name. A zone whose expiry is
// shorter than the algorithmic minimum (ceil((burst+delay+1)/rate)) does not
// fail configuration; it is reported as a Warning and logged at warn level.
func (l *Limiter) Configure(limits map[string]RateLimit) ([]Warning, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.configured {
		return nil, ErrAlreadyConfigured
	}

	zoneOwners := make(map[string]string, len(limits))
	for name, limit := range limits {
		if owner, exists := zoneOwners[limit.Zone.Name]; exists {
			return nil, &ConfigError{
				Field:  "zone",
				Value:  limit.Zone.Name,
				Reason: fmt.Sprintf("already used by limit %q", owner),
			}
		}
		zoneOwners[limit.Zone.Name] = name
	}

	var warnings []Warning
	for name, limit := range limits {
		min := minExpiry(limit)
		if limit.Zone.Expiry < min {
			w := Warning{
				LimitName:   name,
				Zone:        limit.Zone.Name,
				Expiry:      limit.Zone.Expiry,
				Recommended: min,
			}
			warnings = append(warnings, w)
			l.logger.Warn().
				Str("limit", w.LimitName).
				Str("zone", w.Zone).
				Dur("expiry", w.Expiry).
				Dur("recommended", w.Recommended).
				Msg("zone expiry is below the algorithmic minimum")
		}
	}

	if err := l.backend.Configure(limits); err != nil {
		return nil, err
	}

	l.limits = limits
	l.configured = true
	return warnings, nil
}

// minExpiry computes ceil((burst+delay+1)/rate) as a time.Duration, the
// shortest TTL that can hold a key's state for the full admission window.
func minExpiry(limit RateLimit) time.Duration {
	seconds := math.Ceil((limit.Burst + limit.Delay + 1) / limit.Zone.Rate)
	return time.Duration(seconds * float64(time.Second))
}

// Request evaluates keys (limit name -> key value) atomically: either every
// referenced limit accepts and every limit's new state is committed, or the
// request is rejected and no state changes.
//
// An empty keys map accepts immediately with zero delay and writes nothing.
// Request returns an UnknownLimitError if keys names a limit not passed to
// Configure.
func (l *Limiter) Request(ctx context.Context, keys map[string]string) (Response, error) {
	l.mu.RLock()
	configured := l.configured
	limits := l.limits
	l.mu.RUnlock()

	if !configured {
		return Response{}, ErrNotConfigured
	}
	for name := range keys {
		if _, ok := limits[name]; !ok {
			return Response{}, &UnknownLimitError{Name: name}
		}
	}

	return l.backend.Request(ctx, keys)
}

// GetState returns the decoded state for a (zone, key) pair, or nil if no
// request has touched that pair yet. The in-process backend returns an
// error for a zone that is not configured. Debug/test use only.
func (l *Limiter) GetState(ctx context.Context, zone, key string) (*State, error) {
	l.mu.RLock()
	configured := l.configured
	l.mu.RUnlock()

	if !configured {
		return nil, ErrNotConfigured
	}
	return l.backend.GetState(ctx, zone, key)
}
